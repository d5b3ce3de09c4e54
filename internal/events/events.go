// Package events implements the EventBus + AuditLog component (C13): a
// process-local broadcast channel with multiple subscribers, and a bounded
// batch-flushing append-only sink behind it.
package events

import (
	"sync"

	"github.com/subcog/subcog/internal/models"
)

// Subscriber receives events on a buffered channel. Delivery is best-effort:
// a slow subscriber lags rather than blocking producers, so the channel is
// drained with a non-blocking send and full channels simply drop the event
// for that subscriber.
type Subscriber struct {
	ch chan models.Event
}

func (s *Subscriber) C() <-chan models.Event { return s.ch }

// Bus is a process-local broadcast channel with multiple subscribers.
// Delivery is ordered per sender (Publish calls from one goroutine are
// delivered to every subscriber in call order) but not ordered across
// concurrent senders relative to each other.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*Subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	s := &Subscriber{ch: make(chan models.Event, buffer)}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()
	return s
}

// Publish delivers evt to every subscriber without blocking on any one of
// them.
func (b *Bus) Publish(evt models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		select {
		case s.ch <- evt:
		default:
			// Subscriber is lagging; drop rather than block the producer.
		}
	}
}
