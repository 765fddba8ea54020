package cli

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"study-sync-service/internal/app"
	"study-sync-service/internal/infra/auth"
	"study-sync-service/internal/infra/memory"
	infraredis "study-sync-service/internal/infra/redis"
	"study-sync-service/internal/logger"
)

func TestCleanupTargetsDiscoversMarkedDevices(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	manager, err := auth.NewManager("secret", "")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	devices := infraredis.NewDeviceStore(client, time.Hour, func(deviceID string) *app.Device {
		kv := infraredis.NewKVStore(client, deviceID, time.Hour)
		return app.DeviceFactory{
			KV:       func(string) app.KeyValueStore { return kv },
			Sessions: func(string) app.SessionProvider { return manager.Device(kv, logger.NewNop()) },
			Cloud:    memory.NewCloudStore(),
			Log:      logger.NewNop(),
		}.New(deviceID)
	})
	devices.GetOrCreate("laptop")
	devices.GetOrCreate("phone")
	devices.Delete("laptop")

	ids, err := cleanupTargets(context.Background(), devices, nil)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(ids) != 2 || ids[0] != "laptop" || ids[1] != "phone" {
		t.Fatalf("expected both marked devices, got %v", ids)
	}

	ids, _ = cleanupTargets(context.Background(), devices, []string{"tablet"})
	if len(ids) != 1 || ids[0] != "tablet" {
		t.Fatalf("explicit devices must win, got %v", ids)
	}

	if _, err := cleanupTargets(context.Background(), memory.NewDeviceStore(nil), nil); err == nil {
		t.Fatalf("expected error for a repository that cannot list devices")
	}
}
