package memory

import (
	"context"
	"sync"

	"study-sync-service/internal/domain"
)

// EventBus is an in-process app.EventBus keyed by device.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan domain.RefreshEvent]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]map[chan domain.RefreshEvent]struct{})}
}

func (b *EventBus) Publish(_ context.Context, event domain.RefreshEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers[event.DeviceID] {
		select {
		case ch <- event:
		default:
			// Drop the oldest event so a slow client never blocks publishers.
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
	return nil
}

// Subscribe returns the refresh events of deviceID.
// The caller must invoke the returned cancel function to avoid leaks.
func (b *EventBus) Subscribe(_ context.Context, deviceID string) (<-chan domain.RefreshEvent, func(), error) {
	ch := make(chan domain.RefreshEvent, 16)

	b.mu.Lock()
	if b.subscribers[deviceID] == nil {
		b.subscribers[deviceID] = make(map[chan domain.RefreshEvent]struct{})
	}
	b.subscribers[deviceID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subscribers[deviceID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subscribers, deviceID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel, nil
}
