package mgmt

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/khozyainov/andy/internal/bus"
)

const writeWait = 1 * time.Second

var upgrader = websocket.Upgrader{
	// Observability endpoint on a trusted interface.
	CheckOrigin: func(*http.Request) bool { return true },
}

// RoundEvent is one websocket frame: a GM finished a round.
type RoundEvent struct {
	GM      string    `json:"gm"`
	RoundID string    `json:"round_id"`
	Index   int       `json:"index"`
	At      time.Time `json:"at"`
}

// TelemetryHub mirrors round-completed notifications to websocket observers.
type TelemetryHub struct {
	b      *bus.Bus
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

// NewTelemetryHub creates a hub fed from the given bus.
func NewTelemetryHub(b *bus.Bus, logger zerolog.Logger) *TelemetryHub {
	return &TelemetryHub{
		b:      b,
		logger: logger.With().Str("component", "telemetry").Logger(),
		conns:  make(map[*websocket.Conn]bool),
	}
}

// Run pumps round completions to connected observers until ctx is cancelled.
func (h *TelemetryHub) Run(ctx context.Context) error {
	sub := h.b.Subscribe("telemetry", bus.KindRoundCompleted, bus.KindShutdown)
	defer sub.Cancel()
	defer h.closeAll()

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
			rc, ok := ev.Payload.(bus.RoundCompleted)
			if !ok {
				continue
			}
			h.broadcast(RoundEvent{GM: rc.GM, RoundID: rc.RoundID, Index: rc.Index, At: ev.At})
		}
	}
}

// Handler upgrades observers onto the stream.
func (h *TelemetryHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		h.mu.Lock()
		h.conns[conn] = true
		h.mu.Unlock()
		h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("observer connected")
	}
}

func (h *TelemetryHub) broadcast(ev RoundEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

func (h *TelemetryHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
	}
}
