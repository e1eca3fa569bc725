package jsonwalk

import (
	"strings"
	"testing"
)

func TestWalk_RewritesNestedLeaves(t *testing.T) {
	body := map[string]any{
		"result": map[string]any{
			"text": "contact jane@example.com now",
			"tags": []any{"ok", "jane@example.com again"},
		},
	}

	out, changed := Walk(body, func(s string) (string, bool) {
		if strings.Contains(s, "@") {
			return strings.ReplaceAll(s, "jane@example.com", "[REDACTED]"), true
		}
		return s, false
	})
	if !changed {
		t.Fatal("expected changed=true")
	}
	m := out.(map[string]any)["result"].(map[string]any)
	if m["text"] != "contact [REDACTED] now" {
		t.Fatalf("unexpected text: %v", m["text"])
	}
	tags := m["tags"].([]any)
	if tags[1] != "[REDACTED] again" {
		t.Fatalf("unexpected tag: %v", tags[1])
	}
	if tags[0] != "ok" {
		t.Fatalf("unrelated leaf must be untouched: %v", tags[0])
	}
}

func TestScan_StopsOnFirstMatch(t *testing.T) {
	calls := 0
	body := []any{"a", "b", "target", "c"}
	found := Scan(body, func(s string) bool {
		calls++
		return s == "target"
	})
	if !found {
		t.Fatal("expected match")
	}
	if calls != 3 {
		t.Fatalf("expected scan to stop after 3 calls, got %d", calls)
	}
}

func TestRowCount(t *testing.T) {
	body := map[string]any{"rows": []any{1, 2, 3, 4, 5}}
	if got := RowCount(body); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}
