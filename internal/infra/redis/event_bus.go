package redis

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

// EventBus fans refresh events out over Redis pub/sub so every instance
// serving a device's clients sees them. Channel: "device:{id}:events".
type EventBus struct {
	client *redis.Client
	log    *logger.Logger
}

func NewEventBus(client *redis.Client, log *logger.Logger) *EventBus {
	return &EventBus{client: client, log: log.With("component", "EventBus")}
}

func (b *EventBus) Publish(ctx context.Context, event domain.RefreshEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel(event.DeviceID), payload).Err()
}

// Subscribe returns the refresh events of deviceID.
// The caller must invoke the returned cancel function to avoid leaks.
func (b *EventBus) Subscribe(ctx context.Context, deviceID string) (<-chan domain.RefreshEvent, func(), error) {
	sub := b.client.Subscribe(ctx, channel(deviceID))
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan domain.RefreshEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.RefreshEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("dropping malformed refresh event", "device", deviceID, "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					select {
					case <-out:
					default:
					}
					out <- ev
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

func channel(deviceID string) string {
	return "device:" + deviceID + ":events"
}
