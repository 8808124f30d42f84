package profile

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/khozyainov/andy/internal/gm"
)

// Rover builds the demo rover agent: a hyper-prior wellbeing GM over
// navigation and nourishment GMs, fed by simulated distance, color, and
// food sensors, driving motor and sound actuators. Wellbeing holds the
// mutually exclusive safe/threatened pair, so activation rationalization
// settles the rover's outlook every round.
//
// Graph:
//
//	wellbeing ── navigation ── distance, color
//	          └─ nourishment ── food
func Rover() *Profile {
	world := newSimWorld()

	return &Profile{
		Defs: map[string]*gm.Def{
			"wellbeing":   wellbeingDef(),
			"navigation":  navigationDef(),
			"nourishment": nourishmentDef(),
		},
		Graph: map[string][]string{
			"wellbeing":   {"navigation", "nourishment"},
			"navigation":  {"distance", "color"},
			"nourishment": {"food"},
		},
		Detectors: map[string]DetectorSpec{
			"distance": {
				Name:     "distance",
				Read:     world.readDistance,
				Interval: 200 * time.Millisecond,
			},
			"color": {
				Name:     "color",
				Read:     world.readColor,
				Interval: 250 * time.Millisecond,
			},
			"food": {
				Name:     "food",
				Read:     world.readFood,
				Interval: 300 * time.Millisecond,
			},
		},
		Actuators: []ActuatorSpec{
			{
				Name:    "motors",
				Abouts:  []string{"go_forward", "backoff", "turn_left", "turn_right", "approach", "eat"},
				Realize: world.drive,
			},
			{
				Name:    "speaker",
				Abouts:  []string{"say"},
				Realize: world.speak,
			},
		},
	}
}

func wellbeingDef() *gm.Def {
	clearPath := gm.Subject{Conjecture: "clear_path", About: "ahead"}
	onPath := gm.Subject{Conjecture: "on_path", About: "ground"}
	foundFood := gm.Subject{Conjecture: "found_food", About: "ground"}

	return &gm.Def{
		Name:             "wellbeing",
		HyperPrior:       true,
		MaxRoundDuration: 2 * time.Second,
		// The rover cannot hold both outlooks at once; rationalization keeps
		// one per round, goals winning ties.
		Contradictions: [][]string{{"safe", "threatened"}},
		Conjectures: []*gm.Conjecture{
			{
				Name: "safe",
				Activator: func(c *gm.Conjecture, _ []*gm.Round, _ string) []gm.Activation {
					return []gm.Activation{{Conjecture: c.Name, About: "self"}}
				},
				Predictors: []gm.Predictor{
					func(_ gm.Activation, _ []*gm.Round) *gm.Prediction {
						return &gm.Prediction{
							Conjecture: clearPath.Conjecture,
							About:      clearPath.About,
							Expected: map[string]gm.Domain{
								"proximity": gm.Range{Lo: 20, Hi: 10000},
							},
						}
					},
					func(_ gm.Activation, _ []*gm.Round) *gm.Prediction {
						return &gm.Prediction{
							Conjecture: onPath.Conjecture,
							About:      onPath.About,
							Expected: map[string]gm.Domain{
								"on": gm.Exactly{Value: true},
							},
						}
					},
				},
				Valuator: func(_ gm.Activation, rounds []*gm.Round) gm.Values {
					if gm.ErrorFreeFor(rounds, clearPath) && gm.ErrorFreeFor(rounds, onPath) {
						return gm.Values{"is": true}
					}
					return gm.Values{"is": false}
				},
				IntentionDomain: []string{"announce_all_clear"},
			},
			{
				// The paranoid twin of safe: it expects something looming
				// just ahead, and is believed only when navigation confirms.
				Name: "threatened",
				Activator: func(c *gm.Conjecture, _ []*gm.Round, _ string) []gm.Activation {
					return []gm.Activation{{Conjecture: c.Name, About: "self"}}
				},
				Predictors: []gm.Predictor{
					func(_ gm.Activation, _ []*gm.Round) *gm.Prediction {
						return &gm.Prediction{
							Conjecture: clearPath.Conjecture,
							About:      clearPath.About,
							Expected: map[string]gm.Domain{
								"proximity": gm.Range{Lo: 20, Hi: 60},
							},
						}
					},
				},
				Valuator: func(_ gm.Activation, rounds []*gm.Round) gm.Values {
					if gm.ErrorFreeFor(rounds, clearPath) {
						return gm.Values{"is": true}
					}
					return nil
				},
				IntentionDomain: []string{"express_alarm"},
			},
			{
				Name: "sated",
				Activator: func(c *gm.Conjecture, _ []*gm.Round, _ string) []gm.Activation {
					return []gm.Activation{{
						Conjecture: c.Name,
						About:      "self",
						Goal: func(v gm.Values) bool {
							level, ok := v["level"].(float64)
							return ok && level > 50
						},
					}}
				},
				Predictors: []gm.Predictor{
					func(_ gm.Activation, _ []*gm.Round) *gm.Prediction {
						return &gm.Prediction{
							Conjecture: foundFood.Conjecture,
							About:      foundFood.About,
							Expected: map[string]gm.Domain{
								"detected": gm.Exactly{Value: true},
							},
						}
					},
				},
				Valuator: func(_ gm.Activation, rounds []*gm.Round) gm.Values {
					if gm.ErrorFreeFor(rounds, foundFood) {
						return gm.Values{"level": 80.0}
					}
					return gm.Values{"level": 20.0}
				},
				IntentionDomain: []string{"express_hunger"},
			},
		},
		Intentions: map[string]gm.Intention{
			"announce_all_clear": {
				IntentName: "say",
				Valuator: func(v gm.Values) (any, bool) {
					if v == nil || v["is"] != true {
						return nil, false
					}
					return "all clear", true
				},
			},
			"express_hunger": {
				IntentName: "say",
				Valuator: func(gm.Values) (any, bool) {
					return "hungry", true
				},
			},
			"express_alarm": {
				IntentName: "say",
				Valuator: func(v gm.Values) (any, bool) {
					if v == nil || v["is"] != true {
						return nil, false
					}
					return "uh oh", true
				},
			},
		},
		Priors: map[string]gm.Values{
			"safe":  {"is": true},
			"sated": {"level": 80.0},
		},
	}
}

func navigationDef() *gm.Def {
	distanceAhead := gm.Subject{Conjecture: "distance", About: "ahead"}
	colorFloor := gm.Subject{Conjecture: "color", About: "floor"}

	motor := func(value gm.Values) gm.Intention {
		return gm.Intention{
			IntentName: "",
			Valuator: func(gm.Values) (any, bool) {
				return value, true
			},
			Duration:   300 * time.Millisecond,
			Repeatable: true,
		}
	}
	mkMotor := func(name string, value gm.Values) gm.Intention {
		in := motor(value)
		in.IntentName = name
		return in
	}

	return &gm.Def{
		Name:             "navigation",
		MaxRoundDuration: 1500 * time.Millisecond,
		Conjectures: []*gm.Conjecture{
			{
				Name: "clear_path",
				Activator: func(c *gm.Conjecture, _ []*gm.Round, about string) []gm.Activation {
					if about == "" {
						about = "ahead"
					}
					return []gm.Activation{{Conjecture: c.Name, About: about}}
				},
				Predictors: []gm.Predictor{
					func(_ gm.Activation, _ []*gm.Round) *gm.Prediction {
						return &gm.Prediction{
							Conjecture: distanceAhead.Conjecture,
							About:      distanceAhead.About,
							Expected: map[string]gm.Domain{
								"cm": gm.Range{Lo: 20, Hi: 400},
							},
						}
					},
				},
				Valuator: func(_ gm.Activation, rounds []*gm.Round) gm.Values {
					v, ok := gm.PerceivedValues(rounds, distanceAhead)
					if !ok {
						// Prediction unchallenged: the way ahead is open.
						return gm.Values{"proximity": 400.0}
					}
					cm, ok := v["cm"].(float64)
					if !ok || cm < 20 {
						return nil
					}
					return gm.Values{"proximity": cm}
				},
				IntentionDomain: []string{"go_forward", "turn_left", "turn_right", "backoff"},
			},
			{
				// The rover's track is the pale floor; a dark reading from
				// the color detector means it has wandered off.
				Name: "on_path",
				Activator: func(c *gm.Conjecture, _ []*gm.Round, about string) []gm.Activation {
					if about == "" {
						about = "ground"
					}
					return []gm.Activation{{Conjecture: c.Name, About: about}}
				},
				Predictors: []gm.Predictor{
					func(_ gm.Activation, _ []*gm.Round) *gm.Prediction {
						return &gm.Prediction{
							Conjecture: colorFloor.Conjecture,
							About:      colorFloor.About,
							Expected: map[string]gm.Domain{
								"hue": gm.OneOf{Choices: []any{"white", "gray"}},
							},
						}
					},
				},
				Valuator: func(_ gm.Activation, rounds []*gm.Round) gm.Values {
					v, ok := gm.PerceivedValues(rounds, colorFloor)
					if !ok {
						return gm.Values{"on": true}
					}
					hue, _ := v["hue"].(string)
					if hue == "white" || hue == "gray" {
						return gm.Values{"on": true}
					}
					return nil
				},
				IntentionDomain: []string{"turn_left", "turn_right"},
			},
		},
		Intentions: map[string]gm.Intention{
			"go_forward": mkMotor("go_forward", gm.Values{"speed": 40.0}),
			"backoff":    mkMotor("backoff", gm.Values{"speed": -30.0}),
			"turn_left":  mkMotor("turn_left", gm.Values{"heading": -30.0}),
			"turn_right": mkMotor("turn_right", gm.Values{"heading": 30.0}),
		},
	}
}

func nourishmentDef() *gm.Def {
	foodGround := gm.Subject{Conjecture: "food", About: "ground"}

	return &gm.Def{
		Name:             "nourishment",
		MaxRoundDuration: 1500 * time.Millisecond,
		Conjectures: []*gm.Conjecture{
			{
				Name: "found_food",
				Activator: func(c *gm.Conjecture, _ []*gm.Round, about string) []gm.Activation {
					if about == "" {
						about = "ground"
					}
					return []gm.Activation{{Conjecture: c.Name, About: about}}
				},
				Predictors: []gm.Predictor{
					func(_ gm.Activation, _ []*gm.Round) *gm.Prediction {
						return &gm.Prediction{
							Conjecture: foodGround.Conjecture,
							About:      foodGround.About,
							Expected: map[string]gm.Domain{
								"detected": gm.Exactly{Value: true},
							},
						}
					},
				},
				Valuator: func(_ gm.Activation, rounds []*gm.Round) gm.Values {
					v, ok := gm.PerceivedValues(rounds, foodGround)
					if !ok || v["detected"] != true {
						return nil
					}
					return gm.Values{"detected": true}
				},
				IntentionDomain: []string{"approach", "eat"},
			},
		},
		Intentions: map[string]gm.Intention{
			"approach": {
				IntentName: "approach",
				Valuator: func(gm.Values) (any, bool) {
					return gm.Values{"speed": 20.0}, true
				},
				Duration:   300 * time.Millisecond,
				Repeatable: true,
			},
			"eat": {
				IntentName: "eat",
				Valuator: func(v gm.Values) (any, bool) {
					if v == nil || v["detected"] != true {
						return nil, false
					}
					return gm.Values{"bite": true}, true
				},
				Duration: 500 * time.Millisecond,
			},
		},
	}
}

// simWorld is the simulated environment the demo rover runs in: a random
// walk of obstacle distance and occasional food patches.
type simWorld struct {
	mu         sync.Mutex
	rng        *rand.Rand
	distance   float64
	hue        string
	food       bool
	ticks      int
	colorTicks int
}

func newSimWorld() *simWorld {
	return &simWorld{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		distance: 150,
		hue:      "white",
	}
}

func (w *simWorld) readDistance(context.Context) (gm.Values, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.distance += (w.rng.Float64() - 0.5) * 40
	if w.distance < 5 {
		w.distance = 5
	}
	if w.distance > 400 {
		w.distance = 400
	}
	return gm.Values{"cm": w.distance}, nil
}

func (w *simWorld) readColor(context.Context) (gm.Values, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.colorTicks++
	if w.colorTicks%15 == 0 {
		if w.hue == "white" {
			w.hue = "black"
		} else {
			w.hue = "white"
		}
	}
	return gm.Values{"hue": w.hue}, nil
}

func (w *simWorld) readFood(context.Context) (gm.Values, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ticks++
	if w.ticks%20 == 0 {
		w.food = !w.food
	}
	return gm.Values{"detected": w.food}, nil
}

func (w *simWorld) drive(_ context.Context, intent *gm.Intent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Moving forward closes in on whatever is ahead.
	if intent.About == "go_forward" || intent.About == "approach" {
		w.distance -= 20
		if w.distance < 5 {
			w.distance = 5
		}
	}
	if intent.About == "backoff" || intent.About == "turn_left" || intent.About == "turn_right" {
		w.distance += 30
	}
	// Turning swings the rover back over the pale track.
	if intent.About == "turn_left" || intent.About == "turn_right" {
		w.hue = "white"
	}
	return nil
}

func (w *simWorld) speak(context.Context, *gm.Intent) error { return nil }
