package intent

import (
	"regexp"
	"strings"
)

type normalizer func(any) any

var normalizers = map[string]normalizer{
	"app":     stringOnly(NormalizeApp),
	"contact": stringOnly(NormalizeContact),
	"trim":    stringOnly(strings.TrimSpace),
	"lower":   stringOnly(func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }),
}

func stringOnly(fn func(string) string) normalizer {
	return func(v any) any {
		s, ok := v.(string)
		if !ok || IsPlaceholder(s) {
			return v
		}
		return fn(s)
	}
}

type appSynonyms struct {
	canonical string
	variants  []string
}

var appTable = []appSynonyms{
	{"whatsapp", []string{"whatsapp", "whattsapp", "whats app", "wa"}},
	{"vscode", []string{"vscode", "code", "visual studio code"}},
	{"chrome", []string{"chrome", "google chrome"}},
	{"spotify", []string{"spotify", "spotfy"}},
	{"telegram", []string{"telegram"}},
}

var (
	nonWordRe = regexp.MustCompile(`\W+`)
	nonDigit  = regexp.MustCompile(`\D`)
)

// NormalizeApp maps spoken application names to canonical identifiers.
func NormalizeApp(raw string) string {
	a := strings.ToLower(strings.TrimSpace(raw))
	for _, e := range appTable {
		for _, v := range e.variants {
			if a == v {
				return e.canonical
			}
		}
	}
	compact := nonWordRe.ReplaceAllString(a, "")
	if compact == "" {
		return a
	}
	for _, e := range appTable {
		for _, v := range e.variants {
			if strings.Contains(nonWordRe.ReplaceAllString(v, ""), compact) {
				return e.canonical
			}
		}
	}
	return a
}

// NormalizeContact turns phone-like values into digits and names into title case.
func NormalizeContact(raw string) string {
	c := strings.TrimSpace(raw)
	if d := nonDigit.ReplaceAllString(c, ""); len(d) >= 7 {
		return d
	}
	return titleCase(c)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

var (
	leadingNoise  = regexp.MustCompile(`(?i)^(my\s+friend\s+|my\s+|friend\s+|the\s+|a\s+)`)
	trailingNoise = regexp.MustCompile(`(?i)\b(again|please|now|earlier|previous|previously)\b`)
	multiSpace    = regexp.MustCompile(`\s+`)
	mentionsPrev  = regexp.MustCompile(`(?i)\b(previous(?:\s+contact)?|last|earlier|again|one I messaged|one I texted|recent(?:ly)?)\b`)
)

// cleanConversational strips conversational filler around a spoken name.
func cleanConversational(s string) string {
	s = leadingNoise.ReplaceAllString(strings.TrimSpace(s), "")
	s = trailingNoise.ReplaceAllString(s, "")
	return titleCase(strings.TrimSpace(multiSpace.ReplaceAllString(s, " ")))
}

var pronouns = map[string]bool{
	"him": true, "her": true, "them": true, "it": true, "that": true, "this": true,
	"they": true, "he": true, "she": true, "previous": true, "last": true,
	"earlier": true, "recent": true, "again": true, "previous contact": true,
}

var vaguePrefixes = []string{"my ", "friend ", "previous", "last", "again", "the one", "earlier"}

func isVague(contact string, withResolver bool) bool {
	low := strings.ToLower(strings.TrimSpace(contact))
	prefixed := false
	for _, p := range vaguePrefixes {
		if strings.HasPrefix(low, p) {
			prefixed = true
			break
		}
	}
	words := len(strings.Fields(low))
	if withResolver {
		return prefixed || words > 4
	}
	return prefixed && words > 3
}

var placeholderRe = regexp.MustCompile(`\{\{\s*[^}]+?\s*\}\}`)

// IsPlaceholder reports whether s contains a chain placeholder token.
func IsPlaceholder(s string) bool {
	return placeholderRe.MatchString(s)
}
