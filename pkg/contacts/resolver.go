// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package contacts resolves spoken or typed contact references to canonical
// contact names.
package contacts

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

const (
	// DefaultCandidateCutoff is the minimum score returned by Candidates.
	DefaultCandidateCutoff = 0.40
	// DefaultBestCutoff is the minimum score FindBest accepts.
	DefaultBestCutoff = 0.60

	substringScore = 0.80
	clearGap       = 0.10
	strongScore    = 0.85
	veryStrong     = 0.90
)

var (
	nonWord    = regexp.MustCompile(`[^\w\s]`)
	spaces     = regexp.MustCompile(`\s+`)
	nonDigitRe = regexp.MustCompile(`\D`)
)

// DefaultCorrections maps frequent transcription mistakes to canonical names.
var DefaultCorrections = map[string]string{
	"gotham": "gautam sharma",
	"gothan": "gautam sharma",
	"gautam": "gautam sharma",
}

// Contact is the metadata kept for one canonical name.
type Contact struct {
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	WhatsAppName string `json:"whatsapp_name,omitempty" yaml:"whatsapp_name,omitempty"`
	Alias        string `json:"alias,omitempty" yaml:"alias,omitempty"`
	Phone        string `json:"phone,omitempty" yaml:"phone,omitempty"`
}

// Candidate is a scored match.
type Candidate struct {
	Name  string
	Score float64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCorrections replaces the transcription corrections table.
func WithCorrections(c map[string]string) Option {
	return func(r *Resolver) {
		r.corrections = make(map[string]string, len(c))
		for k, v := range c {
			r.corrections[normalize(k)] = v
		}
	}
}

// Resolver performs fuzzy lookups over a contact book. Safe for concurrent use.
type Resolver struct {
	mu          sync.RWMutex
	contacts    map[string]Contact
	keys        []string
	variants    map[string][]string
	corrections map[string]string
}

// NewResolver builds a resolver over book (canonical name -> contact).
func NewResolver(book map[string]Contact, opts ...Option) *Resolver {
	r := &Resolver{}
	WithCorrections(DefaultCorrections)(r)
	for _, opt := range opts {
		opt(r)
	}
	r.index(book)
	return r
}

// Replace swaps the contact book atomically.
func (r *Resolver) Replace(book map[string]Contact) {
	r.index(book)
}

// Contacts returns a copy of the contact book.
func (r *Resolver) Contacts() map[string]Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Contact, len(r.contacts))
	for k, v := range r.contacts {
		out[k] = v
	}
	return out
}

func (r *Resolver) index(book map[string]Contact) {
	contacts := make(map[string]Contact, len(book))
	keys := make([]string, 0, len(book))
	variants := make(map[string][]string, len(book))
	for k, c := range book {
		contacts[k] = c
		keys = append(keys, k)
		seen := map[string]bool{}
		var names []string
		add := func(s string) {
			if s != "" && !seen[s] {
				seen[s] = true
				names = append(names, s)
			}
		}
		add(normalize(k))
		add(normalize(c.WhatsAppName))
		add(normalize(c.Name))
		add(normalize(c.Alias))
		add(digits(c.Phone))
		variants[k] = names
	}
	sort.Strings(keys)

	r.mu.Lock()
	r.contacts, r.keys, r.variants = contacts, keys, variants
	r.mu.Unlock()
}

// Candidates returns up to n canonical names scoring at least cutoff, best
// first. Transcription corrections, phone numbers and exact names short
// circuit with a single 1.0 match.
func (r *Resolver) Candidates(query string, n int, cutoff float64) []Candidate {
	q := normalize(query)
	if q == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if corrected, ok := r.corrections[q]; ok {
		for _, k := range r.keys {
			if normalize(k) == normalize(corrected) {
				return []Candidate{{Name: k, Score: 1}}
			}
		}
	}

	if d := digits(query); d != "" {
		for _, k := range r.keys {
			if p := digits(r.contacts[k].Phone); p != "" && p == d {
				return []Candidate{{Name: k, Score: 1}}
			}
		}
	}

	for _, k := range r.keys {
		if normalize(k) == q {
			return []Candidate{{Name: k, Score: 1}}
		}
	}

	var scored []Candidate
	for _, k := range r.keys {
		best := 0.0
		for _, v := range r.variants[k] {
			s := ratio(q, v)
			if strings.Contains(v, q) || strings.Contains(q, v) {
				s = substringScore
			}
			if s > best {
				best = s
			}
		}
		if best >= cutoff {
			scored = append(scored, Candidate{Name: k, Score: best})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if n > 0 && len(scored) > n {
		scored = scored[:n]
	}
	return scored
}

// FindBest returns a single match when it is unambiguous: the only candidate,
// clearly ahead of the runner-up, or strong enough on its own.
func (r *Resolver) FindBest(query string) (Candidate, bool) {
	cands := r.Candidates(query, 5, DefaultBestCutoff)
	switch len(cands) {
	case 0:
		return Candidate{}, false
	case 1:
		return cands[0], true
	}
	top, second := cands[0], cands[1]
	if top.Score-second.Score >= clearGap || top.Score >= strongScore {
		return top, true
	}
	if top.Score >= veryStrong {
		return top, true
	}
	return Candidate{}, false
}

func normalize(s string) string {
	s = nonWord.ReplaceAllString(s, "")
	return strings.ToLower(strings.TrimSpace(spaces.ReplaceAllString(s, " ")))
}

func digits(s string) string {
	return nonDigitRe.ReplaceAllString(s, "")
}
