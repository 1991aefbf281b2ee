package chain

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestScopeLookup(t *testing.T) {
	scope := Scope{
		Steps: []map[string]any{
			{"file_path": "/home/a.txt", "meta": map[string]any{"tags": []any{"x", "y"}}},
			{"url": "https://example.com"},
		},
		Globals: map[string]any{"last_contact": "Gautam"},
	}
	tests := []struct {
		token string
		want  any
		ok    bool
	}{
		{"last.url", "https://example.com", true},
		{"steps.0.file_path", "/home/a.txt", true},
		{"steps.0.meta.tags.1", "y", true},
		{"global.last_contact", "Gautam", true},
		{"steps.2.url", nil, false},
		{"steps.-1.url", nil, false},
		{"steps.x.url", nil, false},
		{"last.missing", nil, false},
		{"unknown.key", nil, false},
	}
	for _, tt := range tests {
		got, ok := scope.Lookup(tt.token)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("Lookup(%q) = %v, %v", tt.token, got, ok)
		}
	}
	if whole, ok := scope.Lookup("steps.1"); !ok || whole.(map[string]any)["url"] != "https://example.com" {
		t.Errorf("steps.1 should return the whole data map, got %v", whole)
	}
}

func TestRenderCollectsAllMissing(t *testing.T) {
	_, err := Render(map[string]any{
		"a": "{{ last.x }}",
		"b": map[string]any{"c": "prefix {{ global.y }}"},
	}, Scope{})
	var pe *PlaceholderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PlaceholderError, got %v", err)
	}
	if len(pe.Tokens) != 2 {
		t.Fatalf("tokens = %v", pe.Tokens)
	}
}

func TestRenderReportsTokensInKeyOrder(t *testing.T) {
	entities := map[string]any{
		"z": "{{ last.z }}",
		"a": "{{ last.a }}",
		"m": map[string]any{"y": "{{ global.y }}", "b": "see {{ global.b }}"},
	}
	want := []string{"last.a", "global.b", "global.y", "last.z"}
	for i := 0; i < 20; i++ {
		_, err := Render(entities, Scope{})
		var pe *PlaceholderError
		if !errors.As(err, &pe) {
			t.Fatalf("expected PlaceholderError, got %v", err)
		}
		if diff := cmp.Diff(want, pe.Tokens); diff != "" {
			t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestRenderLeavesPlainValues(t *testing.T) {
	out, err := Render(map[string]any{"n": 3, "s": "no braces", "b": true}, Scope{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out["n"] != 3 || out["s"] != "no braces" || out["b"] != true {
		t.Fatalf("out = %v", out)
	}
}

func TestHasPlaceholders(t *testing.T) {
	if !HasPlaceholders(map[string]any{"x": []any{"{{ last.a }}"}}) {
		t.Fatal("nested placeholder not found")
	}
	if HasPlaceholders("{ not one }") {
		t.Fatal("false positive")
	}
}

func TestRenumber(t *testing.T) {
	entities := map[string]any{
		"text":  "see {{ steps.2.file_path }} and {{steps.0.url}}",
		"list":  []any{"{{ steps.3.id }}", "{{ last.id }}"},
		"plain": 7,
	}
	remap := func(old int) (int, bool) {
		switch old {
		case 0:
			return 0, true
		case 2:
			return 1, true
		}
		return 0, false
	}
	got, dangling := Renumber(entities, remap)
	if got["text"] != "see {{ steps.1.file_path }} and {{ steps.0.url }}" {
		t.Fatalf("text = %q", got["text"])
	}
	list := got["list"].([]any)
	if list[0] != "{{ steps.3.id }}" || list[1] != "{{ last.id }}" {
		t.Fatalf("list = %v", list)
	}
	if got["plain"] != 7 {
		t.Fatalf("non-string value changed: %v", got["plain"])
	}
	if len(dangling) != 1 || dangling[0] != "steps.3.id" {
		t.Fatalf("dangling = %v", dangling)
	}
}
