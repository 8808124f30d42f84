// Package health reports whether the cognition graph is alive. Readiness
// folds two sources together: registered dependency checks (long-term
// memory) and per-GM round liveness — a GM that stops closing rounds within
// its silence budget is a dead or wedged actor, not a healthy one.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/khozyainov/andy/internal/bus"
)

// Status represents the health status of one check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Vitals listens for round completions on the bus and remembers when each
// GM last closed a round.
type Vitals struct {
	b      *bus.Bus
	logger zerolog.Logger
	now    func() time.Time // injectable for testing

	mu        sync.RWMutex
	lastRound map[string]time.Time
	started   time.Time
}

// NewVitals creates a vitals tracker fed from the given bus.
func NewVitals(b *bus.Bus, logger zerolog.Logger) *Vitals {
	now := func() time.Time { return time.Now().UTC() }
	return &Vitals{
		b:         b,
		logger:    logger.With().Str("component", "health").Logger(),
		now:       now,
		lastRound: make(map[string]time.Time),
		started:   now(),
	}
}

// Run consumes round-completed events until shutdown or ctx cancellation.
func (v *Vitals) Run(ctx context.Context) error {
	sub := v.b.Subscribe("health", bus.KindRoundCompleted, bus.KindShutdown)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if ev.Kind == bus.KindShutdown {
				return nil
			}
			if rc, ok := ev.Payload.(bus.RoundCompleted); ok {
				v.mu.Lock()
				v.lastRound[rc.GM] = v.now()
				v.mu.Unlock()
			}
		}
	}
}

// LastCompletion returns when the GM last completed a round.
func (v *Vitals) LastCompletion(gm string) (time.Time, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.lastRound[gm]
	return t, ok
}

// Checker merges registered dependency checks with round-liveness derived
// from Vitals. silence maps each GM to the longest quiet spell it is
// allowed between round completions.
type Checker struct {
	vitals  *Vitals
	silence map[string]time.Duration
	logger  zerolog.Logger
	now     func() time.Time // injectable for testing

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a checker. vitals may be nil when no round-liveness
// gating is wanted (tests, tools).
func NewChecker(vitals *Vitals, silence map[string]time.Duration, logger zerolog.Logger) *Checker {
	return &Checker{
		vitals:  vitals,
		silence: silence,
		logger:  logger.With().Str("component", "health").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		checks:  make(map[string]CheckFunc),
	}
}

// Register adds a named dependency check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes the dependency checks concurrently, then appends one
// "gm:<name>" entry per supervised GM from its round liveness.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks)+len(c.silence))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	if c.vitals != nil {
		for gm := range c.silence {
			results["gm:"+gm] = c.gmStatus(gm)
		}
	}
	return results
}

// gmStatus grades one GM's round liveness: quiet within budget is ok, up to
// three budgets is degraded, beyond that the actor is presumed wedged. A GM
// that has never completed gets a boot grace of one budget.
func (c *Checker) gmStatus(gm string) Status {
	budget := c.silence[gm]
	now := c.now()

	last, ok := c.vitals.LastCompletion(gm)
	if !ok {
		if now.Sub(c.vitals.started) <= budget {
			return StatusDegraded // still booting
		}
		return StatusDown
	}

	quiet := now.Sub(last)
	switch {
	case quiet <= budget:
		return StatusOK
	case quiet <= 3*budget:
		c.logger.Warn().Str("gm", gm).Dur("quiet", quiet).Msg("gm rounds slowing")
		return StatusDegraded
	default:
		return StatusDown
	}
}

// IsReady returns true if no check reports down.
func (c *Checker) IsReady(ctx context.Context) bool {
	for _, s := range c.RunAll(ctx) {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// LivenessHandler returns an HTTP handler for /healthz (liveness).
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler returns an HTTP handler for /readyz (readiness).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		results := c.RunAll(r.Context())

		allOK := true
		for _, s := range results {
			if s == StatusDown {
				allOK = false
				break
			}
		}

		resp := map[string]any{"checks": results}
		if allOK {
			resp["status"] = "ready"
			w.WriteHeader(http.StatusOK)
		} else {
			resp["status"] = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
