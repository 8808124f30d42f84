// Package profile bundles an agent's GM definitions, its cognition graph,
// and its peripheral (detector/actuator) wiring. The Rover profile is the
// one the andy binary boots.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/khozyainov/andy/internal/detector"
	"github.com/khozyainov/andy/internal/gm"
)

// DetectorSpec describes one leaf sensor.
type DetectorSpec struct {
	Name     string
	Read     detector.ReadFunc
	Interval time.Duration
}

// ActuatorSpec describes one intent consumer.
type ActuatorSpec struct {
	Name    string
	Abouts  []string
	Realize func(ctx context.Context, intent *gm.Intent) error
}

// Profile is a complete agent description.
type Profile struct {
	Defs      map[string]*gm.Def
	Graph     map[string][]string // parent GM -> children (GMs or detectors)
	Detectors map[string]DetectorSpec
	Actuators []ActuatorSpec
}

// Validate checks the profile for fatal authoring errors: every GM def
// valid, exactly one hyper-prior root, every graph edge resolving to a GM or
// detector, and no cycles.
func (p *Profile) Validate() error {
	if len(p.Defs) == 0 {
		return fmt.Errorf("profile: no gm definitions")
	}
	for name, def := range p.Defs {
		if def.Name != name {
			return fmt.Errorf("profile: def registered as %s but named %s", name, def.Name)
		}
		if err := def.Validate(); err != nil {
			return err
		}
	}

	roots := 0
	for _, def := range p.Defs {
		if def.HyperPrior {
			roots++
		}
	}
	if roots != 1 {
		return fmt.Errorf("profile: need exactly one hyper-prior gm, have %d", roots)
	}

	for parent, children := range p.Graph {
		if _, ok := p.Defs[parent]; !ok {
			return fmt.Errorf("profile: graph parent %s is not a gm", parent)
		}
		for _, c := range children {
			_, isGM := p.Defs[c]
			_, isDetector := p.Detectors[c]
			if !isGM && !isDetector {
				return fmt.Errorf("profile: graph child %s of %s is neither gm nor detector", c, parent)
			}
		}
	}

	return p.checkAcyclic()
}

func (p *Profile) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int)
	var visit func(string) error
	visit = func(n string) error {
		switch state[n] {
		case gray:
			return fmt.Errorf("profile: cognition graph has a cycle through %s", n)
		case black:
			return nil
		}
		state[n] = gray
		for _, c := range p.Graph[n] {
			if _, isGM := p.Defs[c]; !isGM {
				continue
			}
			if err := visit(c); err != nil {
				return err
			}
		}
		state[n] = black
		return nil
	}
	for name := range p.Defs {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// SubGMs returns the children of a GM. Detector children never send
// round-completed reports, so a GM above detectors closes its rounds on the
// round timer; that is the perception window.
func (p *Profile) SubGMs(name string) []string {
	return append([]string(nil), p.Graph[name]...)
}

// SuperGMs returns the parents of a GM.
func (p *Profile) SuperGMs(name string) []string {
	var out []string
	for parent, children := range p.Graph {
		for _, c := range children {
			if c == name {
				out = append(out, parent)
			}
		}
	}
	return out
}
