package memory

import (
	"sync"

	"study-sync-service/internal/app"
)

// DeviceStore is an in-memory implementation of app.DeviceRepository.
type DeviceStore struct {
	factory func(deviceID string) *app.Device

	mu      sync.RWMutex
	devices map[string]*app.Device
}

func NewDeviceStore(factory func(deviceID string) *app.Device) *DeviceStore {
	return &DeviceStore{
		factory: factory,
		devices: make(map[string]*app.Device),
	}
}

func (s *DeviceStore) GetOrCreate(deviceID string) *app.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *DeviceStore) Delete(deviceID string) {
	s.mu.Lock()
	device, ok := s.devices[deviceID]
	delete(s.devices, deviceID)
	s.mu.Unlock()
	if ok {
		device.Close()
	}
}
