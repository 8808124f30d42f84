// Package actuator implements intent consumers: motor, LED, and sound
// outputs. Actuators subscribe to intended events, warn about stale intents
// but still realize them, and log duplicates seen within a short window.
package actuator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/khozyainov/andy/internal/bus"
	"github.com/khozyainov/andy/internal/gm"
	"github.com/khozyainov/andy/lru"
)

// RealizeFunc drives the physical device for one intent.
type RealizeFunc func(ctx context.Context, intent *gm.Intent) error

// Actuator realizes intents whose about it accepts.
type Actuator struct {
	name       string
	accepts    map[string]bool
	realize    RealizeFunc
	staleAfter time.Duration
	recent     *lru.Cache[string, time.Time]
	b          *bus.Bus
	logger     zerolog.Logger
}

// New creates an actuator handling the given intent abouts.
func New(name string, abouts []string, realize RealizeFunc, staleAfter time.Duration, b *bus.Bus, logger zerolog.Logger) *Actuator {
	accepts := make(map[string]bool, len(abouts))
	for _, a := range abouts {
		accepts[a] = true
	}
	return &Actuator{
		name:       name,
		accepts:    accepts,
		realize:    realize,
		staleAfter: staleAfter,
		recent:     lru.New[string, time.Time](256, staleAfter),
		b:          b,
		logger:     logger.With().Str("actuator", name).Logger(),
	}
}

// Name returns the actuator name.
func (a *Actuator) Name() string { return a.name }

// Run consumes intended events until shutdown or ctx cancellation.
func (a *Actuator) Run(ctx context.Context) error {
	sub := a.b.Subscribe(a.name, bus.KindIntended, bus.KindShutdown)
	defer sub.Cancel()

	a.logger.Info().Int("abouts", len(a.accepts)).Msg("actuator started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if ev.Kind == bus.KindShutdown {
				a.logger.Info().Msg("actuator shut down")
				return nil
			}
			intent, ok := ev.Payload.(*gm.Intent)
			if !ok || !a.accepts[intent.About] {
				continue
			}
			a.handle(ctx, intent)
		}
	}
}

func (a *Actuator) handle(ctx context.Context, intent *gm.Intent) {
	age := time.Since(intent.CreatedAt)
	if a.staleAfter > 0 && age > a.staleAfter {
		a.logger.Warn().
			Str("about", intent.About).
			Dur("age", age).
			Msg("realizing stale intent")
	}

	key := intent.About + "|" + fmt.Sprint(intent.Value)
	if _, seen := a.recent.Get(key); seen {
		a.logger.Debug().Str("about", intent.About).Msg("duplicate intent within window")
	}
	a.recent.Put(key, time.Now())

	if err := a.realize(ctx, intent); err != nil {
		a.logger.Error().Err(err).Str("about", intent.About).Msg("intent realization failed")
		return
	}
	a.logger.Debug().
		Str("about", intent.About).
		Interface("value", intent.Value).
		Msg("intent realized")
}
