package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before it starts missing them
const subscriberBuffer = 100

// Bus fans events out to subscribers without ever blocking the publisher
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]Filter
	closed      atomic.Bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]Filter),
	}
}

// Subscribe returns a channel receiving every event matching filter
func (b *Bus) Subscribe(filter Filter) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, subscriberBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subscribers[ch] = filter
	return ch
}

// Unsubscribe removes and closes a subscription channel
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish delivers an event to matching subscribers. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if b.closed.Load() {
		return fmt.Errorf("event bus is closed")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if !filter.Matches(event) {
			continue
		}
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Close shuts down the bus and closes every subscription
func (b *Bus) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// FormatEvent encodes an event as one JSON line
func FormatEvent(event *Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// FormatEventCompact renders an event for humans
func FormatEventCompact(event *Event) string {
	s := fmt.Sprintf("%s %s", event.Timestamp.Format("15:04:05"), event.Type)
	if event.BeadID != "" {
		s += " bead=" + string(event.BeadID)
	}
	if event.Provider != "" {
		s += " provider=" + string(event.Provider)
	}
	if event.ConvoyID != "" {
		s += " convoy=" + event.ConvoyID
	}
	return s
}
