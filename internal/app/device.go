package app

import (
	"context"
	"sync"

	"study-sync-service/internal/logger"
)

// DeviceRepository abstracts where devices are kept (in-memory, Redis, etc).
type DeviceRepository interface {
	GetOrCreate(deviceID string) *Device
	Get(deviceID string) (*Device, bool)
	Delete(deviceID string)
}

// DeviceFactory holds the shared dependencies every device is built from.
type DeviceFactory struct {
	// KV returns the key space of one device.
	KV func(deviceID string) KeyValueStore
	// Sessions returns the auth session holder of one device.
	Sessions     func(deviceID string) SessionProvider
	Cloud        CloudStore
	Feed         ChangeFeed
	Events       EventBus
	Log          *logger.Logger
	Store        LocalStoreOptions
	Preservation PreservationOptions
}

// Device is one client installation: its local store, its session and the
// services operating on them.
type Device struct {
	ID           string
	Store        *LocalStore
	Sessions     SessionProvider
	Sync         *SyncService
	Preservation *PreservationService
	Performance  *PerformanceAggregator
	Migrations   *MigrationRunner
	Live         *LiveQuestions
	Orchestrator *Orchestrator

	mu     sync.Mutex
	booted bool
}

// New builds a device and registers its auth listener.
func (f DeviceFactory) New(deviceID string) *Device {
	log := f.Log.With("device", deviceID)

	var kv KeyValueStore
	if f.KV != nil {
		kv = f.KV(deviceID)
	}
	store := NewLocalStore(kv, log, f.Store)
	sessions := f.Sessions(deviceID)

	d := &Device{
		ID:           deviceID,
		Store:        store,
		Sessions:     sessions,
		Sync:         NewSyncService(store, f.Cloud, sessions, log),
		Performance:  NewPerformanceAggregator(store, log),
		Migrations:   NewMigrationRunner(store, log),
		Preservation: NewPreservationService(deviceID, store, f.Cloud, f.Events, f.Log, f.Preservation),
	}
	if f.Feed != nil {
		d.Live = NewLiveQuestions(deviceID, f.Cloud, f.Feed, f.Events, f.Log)
	}
	d.Orchestrator = NewOrchestrator(deviceID, sessions, d.Migrations, d.Preservation, d.Sync, d.Live, f.Log)
	d.Orchestrator.Start()
	return d
}

// Boot runs the boot sequence until it succeeds once.
func (d *Device) Boot(ctx context.Context) error {
	d.mu.Lock()
	done := d.booted
	d.mu.Unlock()
	if done {
		return nil
	}
	if err := d.Orchestrator.Boot(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.booted = true
	d.mu.Unlock()
	return nil
}

// Close detaches the device from its session and feed.
func (d *Device) Close() {
	d.Orchestrator.Stop()
}
