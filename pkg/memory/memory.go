// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the short-term context memory: a bounded,
// time-windowed store of records derived from executed commands.
package memory

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/kyrax/pkg/core"
)

const (
	DefaultMaxEntries = 50
	DefaultTTL        = 600 * time.Second
)

// Record is one remembered key/value. It expires once Timestamp+TTL has
// elapsed, so a zero TTL is expired immediately.
type Record struct {
	Key       string        `json:"key"`
	Value     any           `json:"value"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}

func (r Record) expired(now time.Time) bool {
	return !now.Before(r.Timestamp.Add(r.TTL))
}

// Option configures a ContextMemory.
type Option func(*ContextMemory)

// WithMaxEntries bounds the number of records kept. Values below one are ignored.
func WithMaxEntries(n int) Option {
	return func(m *ContextMemory) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// WithTTL sets the TTL applied by Update.
func WithTTL(ttl time.Duration) Option {
	return func(m *ContextMemory) { m.ttl = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *ContextMemory) {
		if now != nil {
			m.now = now
		}
	}
}

// WithJournal appends every inserted record to j.
func WithJournal(j *Journal) Option {
	return func(m *ContextMemory) { m.journal = j }
}

// WithLogger sets the logger used for journal failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *ContextMemory) { m.logger = l }
}

// ContextMemory is safe for concurrent use. Every mutation runs
// purge-expired, append, purge-count under a single mutex.
type ContextMemory struct {
	mu         sync.Mutex
	records    []Record
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	journal    *Journal
	logger     *slog.Logger

	// journalMu is taken before mu is released so journal writes keep the
	// order of insertion.
	journalMu sync.Mutex
	journaled int
}

// New creates an empty memory with the default bounds.
func New(opts ...Option) *ContextMemory {
	m := &ContextMemory{
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update derives records from a dispatched command and its result.
// last_intent and last_domain are always recorded; entity-derived keys only
// when the result succeeded.
func (m *ContextMemory) Update(cmd core.Command, res core.SkillResult) {
	derived := derive(cmd, res)
	if len(derived) == 0 {
		return
	}
	m.insert(derived, m.ttl)
}

// Put records a single value with an explicit TTL.
func (m *ContextMemory) Put(key string, value any, ttl time.Duration) {
	if key == "" {
		return
	}
	m.insert([]kv{{key, value}}, ttl)
}

type kv struct {
	key   string
	value any
}

func (m *ContextMemory) insert(items []kv, ttl time.Duration) {
	m.mu.Lock()
	now := m.now()
	m.purgeExpiredLocked(now)
	added := make([]Record, 0, len(items))
	for _, it := range items {
		rec := Record{Key: it.key, Value: it.value, Timestamp: now, TTL: ttl}
		m.records = append(m.records, rec)
		added = append(added, rec)
	}
	m.trimLocked()
	if m.journal == nil {
		m.mu.Unlock()
		return
	}

	m.journalMu.Lock()
	defer m.journalMu.Unlock()
	var compact []Record
	if m.journaled += len(added); m.journaled > 2*m.maxEntries {
		compact = append([]Record(nil), m.records...)
		m.journaled = len(compact)
	}
	m.mu.Unlock()

	if compact != nil {
		if err := m.journal.Compact(compact); err != nil {
			m.logger.Warn("memory.journal.compact.failed", slog.String("error", err.Error()))
		}
		return
	}
	for _, rec := range added {
		if err := m.journal.Append(rec); err != nil {
			m.logger.Warn("memory.journal.append.failed", slog.String("key", rec.Key), slog.String("error", err.Error()))
		}
	}
}

func (m *ContextMemory) trimLocked() {
	if over := len(m.records) - m.maxEntries; over > 0 {
		m.records = append([]Record(nil), m.records[over:]...)
	}
}

// CompactJournal rewrites the journal with the live records only. It is a
// no-op without a journal.
func (m *ContextMemory) CompactJournal() error {
	if m.journal == nil {
		return nil
	}
	m.mu.Lock()
	now := m.now()
	m.purgeExpiredLocked(now)
	live := append([]Record(nil), m.records...)
	m.journalMu.Lock()
	defer m.journalMu.Unlock()
	m.journaled = len(live)
	m.mu.Unlock()
	return m.journal.Compact(live)
}

func (m *ContextMemory) purgeExpiredLocked(now time.Time) {
	kept := m.records[:0]
	for _, r := range m.records {
		if !r.expired(now) {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(m.records); i++ {
		m.records[i] = Record{}
	}
	m.records = kept
}

// Restore re-inserts records, typically loaded from a journal. Expired
// records are dropped and the count bound still applies.
func (m *ContextMemory) Restore(records []Record) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.purgeExpiredLocked(now)
	n := 0
	for _, r := range records {
		if r.Key == "" || r.expired(now) {
			continue
		}
		m.records = append(m.records, r)
		n++
	}
	m.trimLocked()
	return n
}

// GetMostRecent returns the newest live, non-empty value for key.
func (m *ContextMemory) GetMostRecent(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.Key != key || r.expired(now) || isEmpty(r.Value) {
			continue
		}
		return r.Value, true
	}
	return nil, false
}

// GetAll returns the newest live value of every key.
func (m *ContextMemory) GetAll() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]any)
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.expired(now) || isEmpty(r.Value) {
			continue
		}
		if _, seen := out[r.Key]; !seen {
			out[r.Key] = r.Value
		}
	}
	return out
}

// Snapshot returns the live records, oldest first.
func (m *ContextMemory) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if !r.expired(now) {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of stored records, expired ones included until the
// next mutation purges them.
func (m *ContextMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Clear drops every record.
func (m *ContextMemory) Clear() {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
}

var (
	personPronouns = []string{"him", "her", "them", "he", "she", "they", "himself", "herself"}
	thingPronouns  = []string{"it", "that", "this", "itself"}
	repeatWords    = []string{"again", "previous", "previously", "last", "earlier", "recent"}

	personKeys = []string{"last_contact"}
	thingKeys  = []string{"last_file", "last_device", "last_app", "last_text", "last_url"}
	repeatKeys = []string{"last_contact", "last_device", "last_app", "last_text", "last_file"}

	wordRe = regexp.MustCompile(`[a-z]+`)
)

// ResolvePronoun maps a referring expression to the most relevant recent
// value: him/her/them to last_contact, it to the last file, device, app or
// text, and again to whatever was addressed last.
func (m *ContextMemory) ResolvePronoun(text string) (any, bool) {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	for _, w := range words {
		var keys []string
		switch {
		case contains(personPronouns, w):
			keys = personKeys
		case contains(thingPronouns, w):
			keys = thingKeys
		case contains(repeatWords, w):
			keys = repeatKeys
		default:
			continue
		}
		for _, k := range keys {
			if v, ok := m.GetMostRecent(k); ok {
				return v, true
			}
		}
		return nil, false
	}
	return nil, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func derive(cmd core.Command, res core.SkillResult) []kv {
	out := []kv{{"last_intent", cmd.Intent()}, {"last_domain", cmd.Domain()}}
	if !res.Success() {
		return out
	}
	if cmd.Domain() == "messaging" {
		if v := cmd.EntityString("contact"); v != "" {
			out = append(out, kv{"last_contact", v})
		}
	}
	for _, k := range []string{"app", "device", "text", "url"} {
		if v, ok := cmd.Entity(k); ok && !isEmpty(v) {
			out = append(out, kv{"last_" + k, v})
		}
	}
	if v, ok := res.Field("file_path"); ok && !isEmpty(v) {
		out = append(out, kv{"last_file", v})
	} else if v, ok := cmd.Entity("path"); ok && !isEmpty(v) {
		out = append(out, kv{"last_file", v})
	}
	if v, ok := res.Field("url"); ok && !isEmpty(v) {
		out = append(out, kv{"last_url", v})
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}
