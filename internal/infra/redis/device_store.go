package redis

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"study-sync-service/internal/app"
)

// DeviceStore is a Redis-aware implementation of app.DeviceRepository.
// Devices live in a local map; their data lives in Redis through the
// KVStore handed to the factory, so any instance can rebuild them.
// Redis also carries a marker per device, expiring with the device data, so
// maintenance jobs can find devices this process never served.
type DeviceStore struct {
	client  *redis.Client
	ttl     time.Duration
	factory func(deviceID string) *app.Device

	mu      sync.RWMutex
	devices map[string]*app.Device
}

func NewDeviceStore(client *redis.Client, ttl time.Duration, factory func(deviceID string) *app.Device) *DeviceStore {
	return &DeviceStore{
		client:  client,
		ttl:     ttl,
		factory: factory,
		devices: make(map[string]*app.Device),
	}
}

func (s *DeviceStore) GetOrCreate(deviceID string) *app.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	// best-effort liveness marker
	_ = s.client.Set(context.Background(), s.key(deviceID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err()
	if device, ok := s.devices[deviceID]; ok {
		return device
	}
	device := s.factory(deviceID)
	s.devices[deviceID] = device
	return device
}

func (s *DeviceStore) Get(deviceID string) (*app.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[deviceID]
	return device, ok
}

// Delete evicts the device from this instance. Its data and marker stay in
// Redis until they expire.
func (s *DeviceStore) Delete(deviceID string) {
	s.mu.Lock()
	device, ok := s.devices[deviceID]
	delete(s.devices, deviceID)
	s.mu.Unlock()
	if ok {
		device.Close()
	}
}

// Known lists every device with a live marker, sorted.
func (s *DeviceStore) Known(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, markerPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			ids = append(ids, strings.TrimPrefix(k, markerPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(ids)
	return ids, nil
}

const markerPrefix = "sync:device:"

func (s *DeviceStore) key(deviceID string) string {
	return markerPrefix + deviceID
}
