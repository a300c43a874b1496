// README: In-process event bus used when no broker is configured.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"dispatch/internal/logging"
	"dispatch/internal/observability"
)

// ErrQueueFull is returned when a handler publishes into a full queue. The
// worker cannot drain while it waits on itself, so the event is dropped and
// left to the retry sweeper.
var ErrQueueFull = errors.New("event queue full")

type inHandlerKey struct{}

// Bus fans events out to subscribers on a worker goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	queue    chan Event
	log      logrus.FieldLogger
}

func NewBus(buffer int, log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logging.Discard()
	}
	return &Bus{
		handlers: map[Type][]Handler{},
		queue:    make(chan Event, buffer),
		log:      log,
	}
}

func (b *Bus) Subscribe(h Handler, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

func (b *Bus) Publish(ctx context.Context, e Event) error {
	if ctx.Value(inHandlerKey{}) != nil {
		select {
		case b.queue <- e:
			observability.EventsPublished.WithLabelValues(string(e.Type)).Inc()
			return nil
		default:
			observability.EventsDropped.WithLabelValues(string(e.Type)).Inc()
			return ErrQueueFull
		}
	}
	select {
	case b.queue <- e:
		observability.EventsPublished.WithLabelValues(string(e.Type)).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches queued events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.queue:
			b.dispatch(ctx, e)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()
	ctx = context.WithValue(ctx, inHandlerKey{}, true)
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{
				"event":      e.Type,
				"booking_id": e.BookingID,
			}).Warn("event handler failed")
		}
	}
}

// Fanout publishes to every publisher and returns the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
