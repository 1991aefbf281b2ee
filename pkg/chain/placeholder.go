package chain

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Scope is what placeholders can read: data of earlier steps and the
// memory snapshot.
type Scope struct {
	Steps   []map[string]any
	Globals map[string]any
}

// PlaceholderError lists the tokens that could not be resolved.
type PlaceholderError struct {
	Tokens []string
}

func (e *PlaceholderError) Error() string {
	return "unresolved placeholders: " + strings.Join(e.Tokens, ", ")
}

// HasPlaceholders reports whether v contains a placeholder anywhere.
func HasPlaceholders(v any) bool {
	switch t := v.(type) {
	case string:
		return placeholderRe.MatchString(t)
	case map[string]any:
		for _, item := range t {
			if HasPlaceholders(item) {
				return true
			}
		}
	case []any:
		for _, item := range t {
			if HasPlaceholders(item) {
				return true
			}
		}
	}
	return false
}

// Render substitutes placeholders in entities. A string that is exactly one
// placeholder takes the referenced value with its own type; placeholders
// embedded in longer strings are formatted as text. Unresolved tokens are
// reported in key order.
func Render(entities map[string]any, scope Scope) (map[string]any, error) {
	var missing []string
	out := make(map[string]any, len(entities))
	for _, k := range slices.Sorted(maps.Keys(entities)) {
		out[k] = scope.render(entities[k], &missing)
	}
	if len(missing) > 0 {
		return nil, &PlaceholderError{Tokens: missing}
	}
	return out, nil
}

func (s Scope) render(v any, missing *[]string) any {
	switch t := v.(type) {
	case string:
		return s.renderString(t, missing)
	case map[string]any:
		out := make(map[string]any, len(t))
		for _, k := range slices.Sorted(maps.Keys(t)) {
			out[k] = s.render(t[k], missing)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = s.render(item, missing)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = s.renderString(item, missing)
		}
		return out
	default:
		return v
	}
}

func (s Scope) renderString(str string, missing *[]string) any {
	if m := placeholderRe.FindStringSubmatchIndex(str); m != nil && m[0] == 0 && m[1] == len(str) {
		token := str[m[2]:m[3]]
		v, ok := s.Lookup(token)
		if !ok {
			*missing = append(*missing, token)
			return str
		}
		return v
	}
	return placeholderRe.ReplaceAllStringFunc(str, func(match string) string {
		token := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := s.Lookup(token)
		if !ok {
			*missing = append(*missing, token)
			return match
		}
		return stringify(v)
	})
}

// Lookup resolves one token: last.<path>, steps.<n>[.<path>] or global.<path>.
func (s Scope) Lookup(token string) (any, bool) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	switch parts[0] {
	case "last":
		if len(s.Steps) == 0 {
			return nil, false
		}
		return walk(s.Steps[len(s.Steps)-1], parts[1:])
	case "steps":
		if len(parts) < 2 {
			return nil, false
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil || idx < 0 || idx >= len(s.Steps) {
			return nil, false
		}
		return walk(s.Steps[idx], parts[2:])
	case "global":
		return walk(s.Globals, parts[1:])
	}
	return nil, false
}

func walk(root map[string]any, path []string) (any, bool) {
	if root == nil {
		return nil, false
	}
	var cur any = root
	for _, p := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}

// Renumber rewrites steps.<n> references through remap, used when a plan
// drops steps before execution. Tokens whose step has no new index are
// returned as dangling and left untouched.
func Renumber(entities map[string]any, remap func(old int) (int, bool)) (map[string]any, []string) {
	var dangling []string
	var walkValue func(v any) any
	walkValue = func(v any) any {
		switch t := v.(type) {
		case string:
			return placeholderRe.ReplaceAllStringFunc(t, func(match string) string {
				token := placeholderRe.FindStringSubmatch(match)[1]
				parts := strings.Split(strings.TrimSpace(token), ".")
				if len(parts) < 2 || parts[0] != "steps" {
					return match
				}
				old, err := strconv.Atoi(parts[1])
				if err != nil {
					return match
				}
				idx, ok := remap(old)
				if !ok {
					dangling = append(dangling, token)
					return match
				}
				parts[1] = strconv.Itoa(idx)
				return "{{ " + strings.Join(parts, ".") + " }}"
			})
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, item := range t {
				out[k] = walkValue(item)
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, item := range t {
				out[i] = walkValue(item)
			}
			return out
		default:
			return v
		}
	}

	out := make(map[string]any, len(entities))
	for k, v := range entities {
		out[k] = walkValue(v)
	}
	return out, dangling
}
