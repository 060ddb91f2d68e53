// Package notify fans job state changes out to per-user channels so clients
// can observe progress without polling.
package notify

import (
	"context"
	"sync"

	"creator-job-engine/internal/models"
)

// Publisher broadcasts a job event on the owning user's channel.
type Publisher interface {
	Publish(ctx context.Context, event models.JobEvent) error
}

// Bus is an in-process Publisher for development and tests.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan models.JobEvent
}

var _ Publisher = (*Bus)(nil)

// NewBus constructs an empty in-process event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan models.JobEvent)}
}

// Subscribe returns a buffered channel of the user's job events and an
// unsubscribe func. Slow subscribers drop events rather than block the engine.
func (b *Bus) Subscribe(userID string) (<-chan models.JobEvent, func()) {
	ch := make(chan models.JobEvent, 64)
	b.mu.Lock()
	b.subs[userID] = append(b.subs[userID], ch)
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[userID]
		for i, c := range chans {
			if c == ch {
				b.subs[userID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber of its user.
func (b *Bus) Publish(_ context.Context, event models.JobEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[event.UserID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}
