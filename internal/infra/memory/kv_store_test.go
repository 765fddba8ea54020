package memory

import (
	"context"
	"errors"
	"testing"

	"study-sync-service/internal/domain"
)

func TestKVStoreQuota(t *testing.T) {
	ctx := context.Background()
	store := NewKVStore(10)

	if err := store.Set(ctx, "k", "12345"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "k2", "1234567"); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	// Overwriting reuses the bytes of the old value.
	if err := store.Set(ctx, "k", "123456789"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Set(ctx, "k2", "1234567"); err != nil {
		t.Fatalf("set after delete: %v", err)
	}
}

func TestKVStoreKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewKVSpace(0).Device("d1")
	_ = store.Set(ctx, "auth_backup_b", "{}")
	_ = store.Set(ctx, "auth_backup_a", "{}")
	_ = store.Set(ctx, "userSettings", "{}")

	keys, err := store.Keys(ctx, "auth_backup_")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "auth_backup_a" || keys[1] != "auth_backup_b" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestKVSpaceIsolatesDevices(t *testing.T) {
	ctx := context.Background()
	space := NewKVSpace(0)
	_ = space.Device("d1").Set(ctx, "k", "v")

	if _, ok, _ := space.Device("d2").Get(ctx, "k"); ok {
		t.Fatalf("expected d2 not to see d1 keys")
	}
	if v, ok, _ := space.Device("d1").Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("expected d1 value, got %q %v", v, ok)
	}
}
