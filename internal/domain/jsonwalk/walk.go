// Package jsonwalk provides the single recursive walker that the PII and
// content-size guardrails share for traversing a decoded JSON body and
// rewriting or scanning its string leaves.
package jsonwalk

// Visitor is called for every string leaf found while walking a JSON tree.
// Returning a different string than s rewrites that leaf in the working
// copy Walk returns; returning (s, false) leaves it untouched.
type Visitor func(s string) (rewritten string, changed bool)

// Walk traverses a decoded JSON value (the output of json.Unmarshal into
// any: maps, slices, strings, numbers, bools, nil) depth-first, calling
// visit on every string leaf. It returns a new tree with any rewritten
// leaves applied and reports whether anything changed, so callers can tell
// a pure scan (PII block/content-size check) from a rewrite (PII redact)
// without comparing trees themselves.
func Walk(v any, visit Visitor) (any, bool) {
	switch t := v.(type) {
	case string:
		if rewritten, changed := visit(t); changed {
			return rewritten, true
		}
		return t, false

	case map[string]any:
		out := make(map[string]any, len(t))
		anyChanged := false
		for k, val := range t {
			newVal, changed := Walk(val, visit)
			out[k] = newVal
			anyChanged = anyChanged || changed
		}
		if anyChanged {
			return out, true
		}
		return t, false

	case []any:
		out := make([]any, len(t))
		anyChanged := false
		for i, val := range t {
			newVal, changed := Walk(val, visit)
			out[i] = newVal
			anyChanged = anyChanged || changed
		}
		if anyChanged {
			return out, true
		}
		return t, false

	default:
		return v, false
	}
}

// Scan is Walk's read-only counterpart: it stops at the first leaf for
// which stop returns true and reports whether it did, without building a
// rewritten copy. Guardrails that only need to detect a violation (content
// size, PII block) use Scan to avoid allocating a tree copy on the hot path.
func Scan(v any, stop func(s string) bool) bool {
	switch t := v.(type) {
	case string:
		return stop(t)
	case map[string]any:
		for _, val := range t {
			if Scan(val, stop) {
				return true
			}
		}
		return false
	case []any:
		for _, val := range t {
			if Scan(val, stop) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// RowCount returns the number of elements in the largest array/slice leaf
// reachable in v, used by the content_structured_data guardrail.
func RowCount(v any) int {
	max := 0
	var visit func(any)
	visit = func(node any) {
		switch t := node.(type) {
		case []any:
			if len(t) > max {
				max = len(t)
			}
			for _, val := range t {
				visit(val)
			}
		case map[string]any:
			for _, val := range t {
				visit(val)
			}
		}
	}
	visit(v)
	return max
}
