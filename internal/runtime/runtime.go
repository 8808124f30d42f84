// Package runtime builds the cognition graph from a profile and supervises
// its actors: one goroutine per GM, detector, and actuator. A GM whose
// handler panics is restarted from its last persisted learning state; all
// actors share one event bus and shut down on a broadcast shutdown event.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/khozyainov/andy/internal/actuator"
	"github.com/khozyainov/andy/internal/bus"
	"github.com/khozyainov/andy/internal/config"
	"github.com/khozyainov/andy/internal/detector"
	"github.com/khozyainov/andy/internal/gm"
	"github.com/khozyainov/andy/internal/memory"
	"github.com/khozyainov/andy/internal/metrics"
	"github.com/khozyainov/andy/internal/profile"
)

// Runtime owns the bus and every cognition actor built from the profile.
type Runtime struct {
	cfg    *config.Config
	b      *bus.Bus
	mem    memory.Store
	met    *metrics.Metrics
	prof   *profile.Profile
	logger zerolog.Logger

	mu      sync.RWMutex
	engines map[string]*gm.Engine
}

// New validates the profile and prepares a runtime.
func New(cfg *config.Config, prof *profile.Profile, b *bus.Bus, mem memory.Store, met *metrics.Metrics, logger zerolog.Logger) (*Runtime, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:     cfg,
		b:       b,
		mem:     mem,
		met:     met,
		prof:    prof,
		logger:  logger.With().Str("component", "runtime").Logger(),
		engines: make(map[string]*gm.Engine),
	}, nil
}

// Bus returns the runtime's event bus.
func (r *Runtime) Bus() *bus.Bus { return r.b }

// Run starts every actor and blocks until ctx is cancelled, then broadcasts
// shutdown and waits for the actors to drain.
func (r *Runtime) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	for name := range r.prof.Defs {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r.superviseGM(runCtx, name)
		}(name)
	}

	for _, spec := range r.prof.Detectors {
		d := detector.New(spec.Name, spec.Read, spec.Interval, r.b, r.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Run(runCtx)
		}()
	}

	for _, spec := range r.prof.Actuators {
		a := actuator.New(spec.Name, spec.Abouts, spec.Realize, r.cfg.IntentStaleAfter, r.b, r.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Run(runCtx)
		}()
	}

	r.logger.Info().
		Int("gms", len(r.prof.Defs)).
		Int("detectors", len(r.prof.Detectors)).
		Int("actuators", len(r.prof.Actuators)).
		Msg("cognition runtime started")

	<-ctx.Done()

	// Orderly shutdown: every actor persists what it must and exits.
	r.logger.Info().Msg("shutting down cognition graph")
	r.b.Notify(bus.Event{Kind: bus.KindShutdown, Source: "runtime"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		r.logger.Warn().Msg("shutdown drain timed out")
		cancel()
		<-done
	}
	r.b.Close()
	return ctx.Err()
}

// superviseGM runs one GM, restarting it from persisted learning state if a
// handler panics. Profile errors are fatal for the GM only.
func (r *Runtime) superviseGM(ctx context.Context, name string) {
	for {
		eng, err := r.buildEngine(name)
		if err != nil {
			r.logger.Error().Err(err).Str("gm", name).Msg("gm construction failed")
			return
		}
		r.mu.Lock()
		r.engines[name] = eng
		r.mu.Unlock()

		err = r.runGuarded(ctx, eng)
		if err == nil || ctx.Err() != nil {
			return
		}
		r.met.GMRestarts.WithLabelValues(name).Inc()
		r.logger.Error().Err(err).Str("gm", name).Msg("gm crashed, restarting from persisted state")

		// A GM that dies right after restart (corrupt memory, broken
		// profile) must not spin hot.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *Runtime) runGuarded(ctx context.Context, eng *gm.Engine) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("gm %s panicked: %v", eng.Name(), rec)
		}
	}()
	runErr := eng.Run(ctx)
	if runErr == context.Canceled {
		return nil
	}
	return runErr
}

func (r *Runtime) buildEngine(name string) (*gm.Engine, error) {
	def := r.prof.Defs[name]
	return gm.NewEngine(def, r.b, r.mem, r.met,
		gm.Tunables{
			MaxCarryOvers:    r.cfg.MaxCarryOvers,
			ForgetRoundAfter: r.cfg.ForgetRoundAfter,
		},
		gm.Options{
			SuperGMs: r.prof.SuperGMs(name),
			SubGMs:   r.prof.SubGMs(name),
		},
		r.logger,
	)
}

// Snapshots returns a point-in-time view of every GM, for introspection.
func (r *Runtime) Snapshots() []gm.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gm.Snapshot, 0, len(r.engines))
	for _, eng := range r.engines {
		out = append(out, eng.Snapshot())
	}
	return out
}

// Snapshot returns one GM's view, or ok=false for an unknown name.
func (r *Runtime) Snapshot(name string) (gm.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eng, ok := r.engines[name]
	if !ok {
		return gm.Snapshot{}, false
	}
	return eng.Snapshot(), true
}
