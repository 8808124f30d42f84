// Package bus implements the in-process event bus all cognition actors
// communicate over. Events are fanned out to every matching subscriber in
// publication order; each subscriber sees its own strictly FIFO stream.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies an event family. Subscribers register by kind.
type Kind string

// Event kinds produced and consumed by the cognition core.
const (
	KindPrediction      Kind = "prediction"
	KindPredictionError Kind = "prediction_error"
	KindRoundCompleted  Kind = "round_completed"
	KindRoundTimedOut   Kind = "round_timed_out"
	KindIntended        Kind = "intended"
	KindShutdown        Kind = "shutdown"
)

// Event is the envelope every stimulus travels in. Payload is kind-specific:
// *gm.Prediction for KindPrediction, *gm.PredictionError for KindPredictionError,
// *gm.Intent for KindIntended, RoundCompleted / RoundTimedOut for the
// notification kinds, nil for KindShutdown.
type Event struct {
	Kind    Kind
	Source  string // publishing actor name
	Payload any
	At      time.Time
}

// RoundCompleted is the payload of a KindRoundCompleted event.
type RoundCompleted struct {
	GM      string
	RoundID string
	Index   int
}

// RoundTimedOut is the payload of a KindRoundTimedOut event. It is
// self-addressed: only the GM named in GM acts on it.
type RoundTimedOut struct {
	GM      string
	RoundID string
}

// Bus fans events out to subscribers. Publish never blocks; each subscriber
// owns an unbounded FIFO queue drained by its own pump goroutine, so a slow
// consumer delays only itself.
type Bus struct {
	mu        sync.Mutex
	subs      []*Subscription
	closed    bool
	queueWarn int
	logger    zerolog.Logger
}

// New creates a Bus. queueWarn is the per-subscriber queue depth at which a
// slow consumer is logged; 0 disables the warning.
func New(logger zerolog.Logger, queueWarn int) *Bus {
	return &Bus{
		queueWarn: queueWarn,
		logger:    logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a subscriber for the given kinds. No kinds means all
// kinds. The returned Subscription delivers events on C() in publication
// order until Cancel or bus Close.
func (b *Bus) Subscribe(name string, kinds ...Kind) *Subscription {
	s := &Subscription{
		name: name,
		bus:  b,
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.subs = append(b.subs, s)
	}
	b.mu.Unlock()

	if closed {
		close(s.out)
		return s
	}
	go s.pump()
	return s
}

// Notify publishes an event to all matching subscribers.
func (b *Bus) Notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev, b.queueWarn, b.logger)
	}
}

// NotifyAfter publishes ev after the given delay. The timer fires on its own
// goroutine; delivery order relative to other events is the publication order
// at fire time.
func (b *Bus) NotifyAfter(ev Event, delay time.Duration) *time.Timer {
	return time.AfterFunc(delay, func() {
		b.Notify(ev)
	})
}

// Close shuts the bus down. Subscriber channels are closed and events still
// queued are dropped; further Notify calls are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscription is one subscriber's ordered view of the bus.
type Subscription struct {
	name  string
	bus   *Bus
	kinds map[Kind]bool // nil = all

	mu     sync.Mutex
	queue  []Event
	done   bool
	warned bool

	out  chan Event
	wake chan struct{}
	quit chan struct{}
}

// C returns the delivery channel. It is closed when the subscription is
// cancelled or the bus closes.
func (s *Subscription) C() <-chan Event { return s.out }

// Name returns the subscriber name given at registration.
func (s *Subscription) Name() string { return s.name }

// Cancel detaches the subscription from the bus and closes C. Events still
// queued at cancellation are dropped.
func (s *Subscription) Cancel() {
	s.bus.remove(s)
	s.cancel()
}

func (s *Subscription) cancel() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	close(s.quit)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) enqueue(ev Event, warnAt int, logger zerolog.Logger) {
	if s.kinds != nil && !s.kinds[ev.Kind] {
		return
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	depth := len(s.queue)
	warn := warnAt > 0 && depth >= warnAt && !s.warned
	if warn {
		s.warned = true
	}
	s.mu.Unlock()

	if warn {
		logger.Warn().Str("subscriber", s.name).Int("depth", depth).Msg("slow subscriber, queue growing")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into out, preserving order.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.done {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.quit:
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			close(s.out)
			return
		}
	}
}
