package gm

import "math"

// Domain constrains one predicted parameter to an acceptable sub-domain.
// Distance returns a normalized deviation in [0,1]: 0 inside the domain,
// growing toward 1 the further outside the value falls.
type Domain interface {
	Contains(v any) bool
	Distance(v any) float64
}

// Range accepts numeric values in [Lo, Hi].
type Range struct {
	Lo, Hi float64
}

// Contains implements Domain.
func (r Range) Contains(v any) bool {
	n, ok := asNumber(v)
	return ok && n >= r.Lo && n <= r.Hi
}

// Distance measures how far outside [Lo, Hi] the value is, in units of the
// range width, clamped to [0,1]. Non-numeric values are maximally off.
func (r Range) Distance(v any) float64 {
	n, ok := asNumber(v)
	if !ok {
		return 1
	}
	var gap float64
	switch {
	case n < r.Lo:
		gap = r.Lo - n
	case n > r.Hi:
		gap = n - r.Hi
	default:
		return 0
	}
	span := math.Max(r.Hi-r.Lo, 1)
	return math.Min(1, gap/span)
}

// OneOf accepts any of an enumerated set of values.
type OneOf struct {
	Choices []any
}

// Contains implements Domain.
func (o OneOf) Contains(v any) bool {
	for _, c := range o.Choices {
		if valueEqual(c, v) {
			return true
		}
	}
	return false
}

// Distance is all-or-nothing for enumerated domains.
func (o OneOf) Distance(v any) float64 {
	if o.Contains(v) {
		return 0
	}
	return 1
}

// Satisfying accepts values the predicate holds for.
type Satisfying struct {
	Fn func(v any) bool
}

// Contains implements Domain.
func (s Satisfying) Contains(v any) bool {
	return s.Fn != nil && s.Fn(v)
}

// Distance is all-or-nothing for predicate domains.
func (s Satisfying) Distance(v any) float64 {
	if s.Contains(v) {
		return 0
	}
	return 1
}

// Exactly accepts a single value. Numeric comparisons are type-insensitive.
type Exactly struct {
	Value any
}

// Contains implements Domain.
func (e Exactly) Contains(v any) bool {
	return valueEqual(e.Value, v)
}

// Distance is all-or-nothing.
func (e Exactly) Distance(v any) float64 {
	if e.Contains(v) {
		return 0
	}
	return 1
}
