package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/omochice/framechat/internal/logger"
	"github.com/omochice/framechat/internal/metrics"
	"github.com/omochice/framechat/pkg/protocol"
)

// DefaultCapacity is the default per-subscriber buffer.
const DefaultCapacity = 32

var (
	// ErrLagged closes a subscription whose buffer was full when a message
	// was delivered.
	ErrLagged = errors.New("chat: subscriber fell behind")
	// ErrHubClosed is returned once the hub has stopped.
	ErrHubClosed = errors.New("chat: hub closed")
)

// Subscription receives every message published after it was created.
type Subscription struct {
	c   chan protocol.Message
	err error
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan protocol.Message {
	return s.c
}

// Err returns why C was closed: ErrLagged, ErrHubClosed, or nil after
// Unsubscribe. It is only meaningful once C is closed.
func (s *Subscription) Err() error {
	return s.err
}

// Hub is the fan-out channel. A single goroutine, Run, owns the subscriber
// set; every other method talks to it over channels.
type Hub struct {
	capacity    int
	publish     chan protocol.Message
	subscribe   chan *Subscription
	unsubscribe chan *Subscription
	done        chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHub returns a hub whose subscribers buffer up to capacity messages.
func NewHub(capacity int, l *slog.Logger, m *metrics.Metrics) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity:    capacity,
		publish:     make(chan protocol.Message),
		subscribe:   make(chan *Subscription),
		unsubscribe: make(chan *Subscription),
		done:        make(chan struct{}),
		logger:      logger.OrDiscard(l),
		metrics:     m,
	}
}

// Run delivers published messages until ctx is done, then closes every
// remaining subscription with ErrHubClosed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	subs := make(map[*Subscription]struct{})
	for {
		select {
		case <-ctx.Done():
			for s := range subs {
				s.err = ErrHubClosed
				close(s.c)
			}
			return

		case s := <-h.subscribe:
			subs[s] = struct{}{}

		case s := <-h.unsubscribe:
			if _, ok := subs[s]; ok {
				delete(subs, s)
				close(s.c)
			}

		case m := <-h.publish:
			h.metrics.Published()
			for s := range subs {
				select {
				case s.c <- m:
				default:
					delete(subs, s)
					s.err = ErrLagged
					close(s.c)
					h.metrics.Lagged()
					h.logger.Warn("dropping lagging subscriber", "capacity", h.capacity)
				}
			}
		}
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Publish hands m to the hub. Every current subscriber sees messages in the
// order they were published.
func (h *Hub) Publish(ctx context.Context, m protocol.Message) error {
	select {
	case h.publish <- m:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a new subscriber. Messages published after Subscribe
// returns are delivered to it.
func (h *Hub) Subscribe(ctx context.Context) (*Subscription, error) {
	s := &Subscription{c: make(chan protocol.Message, h.capacity)}
	select {
	case h.subscribe <- s:
		return s, nil
	case <-h.done:
		return nil, ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe removes s. It is a no-op if s was already dropped or the hub
// has stopped.
func (h *Hub) Unsubscribe(s *Subscription) {
	select {
	case h.unsubscribe <- s:
	case <-h.done:
	}
}
