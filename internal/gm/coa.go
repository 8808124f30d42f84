package gm

import "math"

// CourseOfAction is an ordered intention sequence chosen to validate a
// conjecture activation.
type CourseOfAction struct {
	Activation     Activation
	IntentionNames []string
}

// SameShape reports whether two CoAs are of the same type: same subject and
// equal intention-name sequences.
func (c CourseOfAction) SameShape(other CourseOfAction) bool {
	if c.Activation.Subject() != other.Activation.Subject() {
		return false
	}
	if len(c.IntentionNames) != len(other.IntentionNames) {
		return false
	}
	for i, n := range c.IntentionNames {
		if other.IntentionNames[i] != n {
			return false
		}
	}
	return true
}

// ExecutedCoA records a CoA together with whether its conjecture was already
// satisfied when it executed. The flag partitions the efficacy bookkeeping.
type ExecutedCoA struct {
	CoA                  CourseOfAction
	WhenAlreadySatisfied bool
}

// Efficacy scores a CoA shape's learned success at making or keeping a
// conjecture satisfied.
type Efficacy struct {
	Subject              Subject  `json:"subject"`
	IntentionNames       []string `json:"intention_names"`
	WhenAlreadySatisfied bool     `json:"when_already_satisfied"`
	Degree               float64  `json:"degree"`
}

// matchesShape reports whether the efficacy scores the given intention
// sequence for its subject.
func (e *Efficacy) matchesShape(names []string) bool {
	if len(e.IntentionNames) != len(names) {
		return false
	}
	for i, n := range e.IntentionNames {
		if names[i] != n {
			return false
		}
	}
	return true
}

// enumerateIntentions interprets index as a number in base len(domain); its
// digits, most significant first, pick intention names from the domain in
// order. Consecutive repeats of a non-repeatable intention collapse into one.
func enumerateIntentions(index int, domain []string, intentions map[string]Intention) []string {
	base := len(domain)
	if base == 0 {
		return nil
	}

	var digits []int
	switch {
	case base == 1:
		// Unary: index n is n+1 repetitions of the only intention.
		digits = make([]int, index+1)
	case index == 0:
		digits = []int{0}
	default:
		for n := index; n > 0; n /= base {
			digits = append([]int{n % base}, digits...)
		}
	}

	names := make([]string, 0, len(digits))
	for _, d := range digits {
		name := domain[d]
		if len(names) > 0 && names[len(names)-1] == name && !intentions[name].Repeatable {
			continue
		}
		names = append(names, name)
	}
	return names
}

// candidateCoA pairs a CoA shape with its selection weight.
type candidateCoA struct {
	names  []string
	degree float64
	isNew  bool
}

// pickCoA normalizes candidate degrees into a probability distribution and
// picks the candidate whose cumulative probability first exceeds the draw.
// Negative degrees weigh as zero; an all-zero set is uniform.
func pickCoA(candidates []candidateCoA, draw float64) int {
	if len(candidates) == 0 {
		return -1
	}
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := math.Max(c.degree, 0)
		weights[i] = w
		total += w
	}
	if total == 0 {
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}

	var cum float64
	for i, w := range weights {
		cum += w / total
		if cum > draw {
			return i
		}
	}
	return len(candidates) - 1
}

// updateEfficacyDegree recomputes one efficacy degree from round history.
// rounds are newest first; position i counts from the newest. Rounds that
// executed the efficacy's CoA shape under its prior-satisfaction flag
// contribute (N-i)/|I|, signed by whether the conjecture is satisfied now;
// the signed sum is normalized against (1+..+N)/N and blended with the old
// degree, clamped to [0,1].
func updateEfficacyDegree(e *Efficacy, rounds []*Round, satisfiedNow bool) {
	n := len(rounds)
	if n == 0 {
		return
	}

	shape := CourseOfAction{
		Activation:     Activation{Conjecture: e.Subject.Conjecture, About: e.Subject.About},
		IntentionNames: e.IntentionNames,
	}
	var hits []int
	for i, r := range rounds {
		if r.hasCoA(shape, e.WhenAlreadySatisfied) {
			hits = append(hits, i)
		}
	}

	var sum float64
	if len(hits) > 0 {
		sign := -1.0
		if satisfiedNow {
			sign = 1.0
		}
		for _, i := range hits {
			closeness := float64(n-i) / float64(len(hits))
			sum += closeness * sign
		}
	}

	max := float64(n+1) / 2 // (1 + ... + N) / N
	normalized := sum / max
	normalized = math.Max(-1, math.Min(1, normalized))

	e.Degree = math.Max(0, math.Min(1, (normalized+e.Degree)/2))
}
