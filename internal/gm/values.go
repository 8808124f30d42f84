// Package gm implements the generative-model round engine: the data model
// (beliefs, predictions, prediction errors, intents, courses of action), GM
// definitions, and the per-GM state machine that cycles through rounds.
package gm

// Values maps named parameters to their values. A nil Values on a belief
// means disbelief.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Equal reports whether two value sets hold the same parameters with equal
// values. Numeric values compare by magnitude regardless of Go type.
func (v Values) Equal(other Values) bool {
	if len(v) != len(other) {
		return false
	}
	for k, a := range v {
		b, ok := other[k]
		if !ok || !valueEqual(a, b) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if fa, ok := asNumber(a); ok {
		fb, ok := asNumber(b)
		return ok && fa == fb
	}
	return a == b
}

// asNumber converts any Go numeric value to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
