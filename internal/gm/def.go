package gm

import (
	"fmt"
	"time"
)

// GoalFn is a goal predicate over believed values.
type GoalFn func(Values) bool

// Activator derives zero or more activations of a conjecture from round
// history. predictionAbout carries the subject of the super-GM prediction
// that triggered the derivation ("" during round initialization of a
// hyper-prior GM).
type Activator func(c *Conjecture, rounds []*Round, predictionAbout string) []Activation

// Predictor produces a prediction for an activation from round history, or
// nil when it has nothing to predict.
type Predictor func(act Activation, rounds []*Round) *Prediction

// ValuatorFn produces believed values for an activation from round history,
// or nil for disbelief.
type ValuatorFn func(act Activation, rounds []*Round) Values

// Conjecture is a named hypothesis a GM may come to believe.
type Conjecture struct {
	Name            string
	Activator       Activator
	Predictors      []Predictor
	Valuator        ValuatorFn
	IntentionDomain []string
}

// Def is the static description of one generative model.
type Def struct {
	Name             string
	Conjectures      []*Conjecture
	Contradictions   [][]string
	Priors           map[string]Values
	Intentions       map[string]Intention
	MaxRoundDuration time.Duration
	HyperPrior       bool
}

// Conjecture returns the named conjecture, or nil.
func (d *Def) Conjecture(name string) *Conjecture {
	for _, c := range d.Conjectures {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// HasConjecture reports whether the GM defines the named conjecture.
func (d *Def) HasConjecture(name string) bool { return d.Conjecture(name) != nil }

// Validate checks the definition for fatal authoring errors: missing
// conjecture parts, intention domains naming undefined intentions, and
// contradiction sets referencing undefined conjectures.
func (d *Def) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("gm def: missing name")
	}
	if len(d.Conjectures) == 0 {
		return fmt.Errorf("gm def %s: no conjectures", d.Name)
	}
	if d.MaxRoundDuration <= 0 {
		return fmt.Errorf("gm def %s: max_round_duration must be positive", d.Name)
	}
	seen := make(map[string]bool, len(d.Conjectures))
	for _, c := range d.Conjectures {
		if c.Name == "" {
			return fmt.Errorf("gm def %s: conjecture with empty name", d.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("gm def %s: duplicate conjecture %s", d.Name, c.Name)
		}
		seen[c.Name] = true
		if c.Activator == nil {
			return fmt.Errorf("gm def %s: conjecture %s has no activator", d.Name, c.Name)
		}
		if c.Valuator == nil {
			return fmt.Errorf("gm def %s: conjecture %s has no valuator", d.Name, c.Name)
		}
		for _, in := range c.IntentionDomain {
			if _, ok := d.Intentions[in]; !ok {
				return fmt.Errorf("gm def %s: conjecture %s names undefined intention %s", d.Name, c.Name, in)
			}
		}
	}
	for _, set := range d.Contradictions {
		if len(set) < 2 {
			return fmt.Errorf("gm def %s: contradiction set needs at least two conjectures", d.Name)
		}
		for _, name := range set {
			if !seen[name] {
				return fmt.Errorf("gm def %s: contradiction names undefined conjecture %s", d.Name, name)
			}
		}
	}
	for name, in := range d.Intentions {
		if in.Valuator == nil {
			return fmt.Errorf("gm def %s: intention %s has no valuator", d.Name, name)
		}
		if in.IntentName == "" {
			return fmt.Errorf("gm def %s: intention %s has no intent name", d.Name, name)
		}
	}
	return nil
}
