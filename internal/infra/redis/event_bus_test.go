package redis

import (
	"context"
	"testing"
	"time"

	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

func TestEventBusPublishesAcrossSubscribers(t *testing.T) {
	_, client := newMiniredis(t)
	ctx := context.Background()
	bus := NewEventBus(client, logger.NewNop())

	ch, cancel, err := bus.Subscribe(ctx, "d1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	other := NewEventBus(client, logger.NewNop())
	if err := other.Publish(ctx, domain.RefreshEvent{DeviceID: "d1", Name: domain.EventSubjectsUpdated}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Name != domain.EventSubjectsUpdated || ev.DeviceID != "d1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}
