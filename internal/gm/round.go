package gm

import (
	"time"

	"github.com/google/uuid"
)

// Round is one perceive-believe-act cycle of a GM and the unit of episodic
// memory. The engine owns it exclusively; once completed it only changes by
// being forgotten.
type Round struct {
	ID          string
	Index       int
	StartedOn   time.Time
	CompletedOn time.Time

	ReportedIn          map[string]bool
	Perceptions         []Perception
	ReceivedPredictions []*Prediction
	Beliefs             []Belief
	CoursesOfAction     []ExecutedCoA
	Intents             []*Intent
}

func newRound(index int, now time.Time) *Round {
	return &Round{
		ID:         uuid.NewString(),
		Index:      index,
		StartedOn:  now,
		ReportedIn: make(map[string]bool),
	}
}

// Completed reports whether the round has been closed out.
func (r *Round) Completed() bool { return !r.CompletedOn.IsZero() }

// perceptionAt returns the index of the first perception with the subject,
// or -1.
func (r *Round) perceptionAt(s Subject) int {
	for i, p := range r.Perceptions {
		if p.Subject() == s {
			return i
		}
	}
	return -1
}

// setPerception adds p, replacing any existing perception with the same
// subject.
func (r *Round) setPerception(p Perception) {
	if i := r.perceptionAt(p.Subject()); i >= 0 {
		r.Perceptions[i] = p
		return
	}
	r.Perceptions = append(r.Perceptions, p)
}

// supersedePrediction removes any prediction with the error's subject and
// appends the error. Errors already present for the subject stay: competing
// errors coexist until completion drops the least trusted.
func (r *Round) supersedePrediction(e *PredictionError) {
	kept := r.Perceptions[:0]
	for _, p := range r.Perceptions {
		if _, isPrediction := p.(*Prediction); isPrediction && p.Subject() == e.Subject() {
			continue
		}
		kept = append(kept, p)
	}
	r.Perceptions = append(kept, e)
}

// beliefAbout returns the round's belief with the subject, or nil.
func (r *Round) beliefAbout(s Subject) *Belief {
	for i := range r.Beliefs {
		if r.Beliefs[i].Subject() == s {
			return &r.Beliefs[i]
		}
	}
	return nil
}

// hasCoA reports whether the round executed a CoA with the given shape and
// prior-satisfaction flag.
func (r *Round) hasCoA(shape CourseOfAction, whenAlreadySatisfied bool) bool {
	for _, c := range r.CoursesOfAction {
		if c.WhenAlreadySatisfied == whenAlreadySatisfied && c.CoA.SameShape(shape) {
			return true
		}
	}
	return false
}
