package gm

// PerceivedValues returns the most recently perceived values for a subject,
// scanning retained rounds newest first. Prediction errors carry their
// belief's values; a plain prediction carries no observation and is skipped.
func PerceivedValues(rounds []*Round, s Subject) (Values, bool) {
	for _, r := range rounds {
		for _, p := range r.Perceptions {
			if p.Subject() != s {
				continue
			}
			if e, ok := p.(*PredictionError); ok && e.Belief.Values != nil {
				return e.Belief.Values, true
			}
		}
	}
	return nil, false
}

// LatestBelief returns the most recent belief for a subject across retained
// rounds, newest first.
func LatestBelief(rounds []*Round, s Subject) (Belief, bool) {
	for _, r := range rounds {
		for _, b := range r.Beliefs {
			if b.Subject() == s {
				return b, true
			}
		}
	}
	return Belief{}, false
}

// ErrorFreeFor reports whether no prediction error is currently held for the
// subject: the GM's own prediction stands unchallenged.
func ErrorFreeFor(rounds []*Round, s Subject) bool {
	if len(rounds) == 0 {
		return true
	}
	for _, p := range rounds[0].Perceptions {
		if p.Subject() == s {
			_, isErr := p.(*PredictionError)
			return !isErr
		}
	}
	return true
}
