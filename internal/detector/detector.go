// Package detector implements leaf perception sources. A detector acts as
// its own conjecture: its name is both the conjecture it answers predictions
// about and the source of the prediction errors it raises.
package detector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/khozyainov/andy/internal/bus"
	"github.com/khozyainov/andy/internal/gm"
)

// ReadFunc samples the underlying sensor. Returning nil values means the
// sensor currently has no reading.
type ReadFunc func(ctx context.Context) (gm.Values, error)

// Detector polls a sensor and answers received predictions about its
// conjecture with prediction errors when the reading deviates.
type Detector struct {
	name     string
	read     ReadFunc
	interval time.Duration
	b        *bus.Bus
	logger   zerolog.Logger

	// Latest prediction per predicting GM and subject-of-conversation.
	received map[string]*gm.Prediction
}

// New creates a detector. name doubles as the conjecture name GMs predict.
func New(name string, read ReadFunc, interval time.Duration, b *bus.Bus, logger zerolog.Logger) *Detector {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Detector{
		name:     name,
		read:     read,
		interval: interval,
		b:        b,
		logger:   logger.With().Str("detector", name).Logger(),
		received: make(map[string]*gm.Prediction),
	}
}

// Name returns the detector name.
func (d *Detector) Name() string { return d.name }

// Run polls the sensor on the detector's interval and handles incoming
// predictions until shutdown or ctx cancellation.
func (d *Detector) Run(ctx context.Context) error {
	sub := d.b.Subscribe(d.name, bus.KindPrediction, bus.KindShutdown)
	defer sub.Cancel()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info().Dur("interval", d.interval).Msg("detector started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if ev.Kind == bus.KindShutdown {
				d.logger.Info().Msg("detector shut down")
				return nil
			}
			if p, ok := ev.Payload.(*gm.Prediction); ok && p.Conjecture == d.name {
				d.received[p.Source+"|"+p.About] = p
			}
		case <-ticker.C:
			d.sample(ctx)
		}
	}
}

// sample reads the sensor once and answers every retained prediction whose
// expectation the reading deviates from.
func (d *Detector) sample(ctx context.Context) {
	if len(d.received) == 0 {
		return
	}
	values, err := d.read(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("sensor read failed")
		return
	}

	for _, p := range d.received {
		size := p.ErrorSize(values)
		if size == 0 {
			continue
		}
		pe := &gm.PredictionError{
			Prediction: p,
			Belief: gm.Belief{
				Source:     d.name,
				Conjecture: p.Conjecture,
				About:      p.About,
				Values:     values,
			},
			Size: size,
		}
		d.b.Notify(bus.Event{Kind: bus.KindPredictionError, Source: d.name, Payload: pe})
		d.logger.Debug().
			Str("predicted_by", p.Source).
			Float64("size", size).
			Msg("prediction error raised")
	}
}
