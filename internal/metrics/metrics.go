// Package metrics provides Prometheus metrics for the cognition core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	RoundsCompleted  *prometheus.CounterVec
	RoundDuration    *prometheus.HistogramVec
	Predictions      *prometheus.CounterVec
	PredictionErrors *prometheus.CounterVec
	Intents          *prometheus.CounterVec
	PrecisionWeight  *prometheus.GaugeVec
	GMRestarts       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RoundsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andy_rounds_completed_total",
				Help: "Completed GM rounds by GM and completion cause.",
			},
			[]string{"gm", "cause"},
		),
		RoundDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "andy_round_duration_seconds",
				Help:    "GM round duration from start to completion.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gm"},
		),
		Predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andy_predictions_total",
				Help: "Predictions published by GM.",
			},
			[]string{"gm"},
		),
		PredictionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andy_prediction_errors_total",
				Help: "Prediction errors raised by GM.",
			},
			[]string{"gm"},
		),
		Intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andy_intents_total",
				Help: "Intents by GM and outcome (published or suppressed).",
			},
			[]string{"gm", "outcome"},
		),
		PrecisionWeight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "andy_precision_weight",
				Help: "Current precision weight a GM assigns an upstream source.",
			},
			[]string{"gm", "source"},
		),
		GMRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andy_gm_restarts_total",
				Help: "GM actor restarts after handler panics.",
			},
			[]string{"gm"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RoundsCompleted)
	reg.MustRegister(m.RoundDuration)
	reg.MustRegister(m.Predictions)
	reg.MustRegister(m.PredictionErrors)
	reg.MustRegister(m.Intents)
	reg.MustRegister(m.PrecisionWeight)
	reg.MustRegister(m.GMRestarts)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
