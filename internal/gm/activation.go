package gm

import "math/rand"

// Activation binds a conjecture to a subject and, for goal activations, a
// predicate the GM tries to make true. Opinion activations (nil Goal) are
// re-derived every round; goal activations persist until achieved or excluded.
type Activation struct {
	Conjecture string
	About      string
	Goal       GoalFn
}

// Subject returns the activation's subject.
func (a Activation) Subject() Subject { return Subject{Conjecture: a.Conjecture, About: a.About} }

// IsGoal reports whether the activation carries a goal predicate.
func (a Activation) IsGoal() bool { return a.Goal != nil }

// mutuallyExclusive reports whether two conjecture names appear together in
// any contradiction set.
func mutuallyExclusive(contradictions [][]string, a, b string) bool {
	if a == b {
		return false
	}
	for _, set := range contradictions {
		var hasA, hasB bool
		for _, name := range set {
			if name == a {
				hasA = true
			}
			if name == b {
				hasB = true
			}
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

// rationalize resolves a candidate activation set into a conflict-free one:
// candidates are shuffled, goals sorted ahead of opinions, then greedily kept
// unless mutually exclusive with an already-kept activation. Duplicate
// subjects keep the first occurrence.
func rationalize(candidates []Activation, contradictions [][]string, rng *rand.Rand) []Activation {
	shuffled := make([]Activation, len(candidates))
	copy(shuffled, candidates)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	// Stable partition: goals first, so they win exclusion conflicts.
	ordered := make([]Activation, 0, len(shuffled))
	for _, a := range shuffled {
		if a.IsGoal() {
			ordered = append(ordered, a)
		}
	}
	for _, a := range shuffled {
		if !a.IsGoal() {
			ordered = append(ordered, a)
		}
	}

	kept := make([]Activation, 0, len(ordered))
	seen := make(map[Subject]bool, len(ordered))
	for _, cand := range ordered {
		if seen[cand.Subject()] {
			continue
		}
		excluded := false
		for _, k := range kept {
			if mutuallyExclusive(contradictions, k.Conjecture, cand.Conjecture) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		kept = append(kept, cand)
		seen[cand.Subject()] = true
	}
	return kept
}

// excludedByActivations reports whether a conjecture is mutually exclusive
// with any active conjecture.
func excludedByActivations(contradictions [][]string, activations []Activation, conjecture string) bool {
	for _, a := range activations {
		if mutuallyExclusive(contradictions, a.Conjecture, conjecture) {
			return true
		}
	}
	return false
}
