package license

import (
	"context"
	"sort"
	"sync"
	"time"

	"keygate.io/internal/audit"
	"keygate.io/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and single-node development runs; production deployments use the
// Postgres store.
type InMemory struct {
	mu       sync.Mutex
	licenses map[string]*License          // id -> license
	byHash   map[string]string            // key hash -> id
	devices  map[string]map[string]Device // license id -> device hash -> device
	events   []audit.Event
	buckets  map[string]*memBucket // scope\x00key -> bucket
}

type memBucket struct {
	windowStart time.Time
	count       int64
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		licenses: make(map[string]*License),
		byHash:   make(map[string]string),
		devices:  make(map[string]map[string]Device),
		buckets:  make(map[string]*memBucket),
	}
}

func (s *InMemory) CreateLicense(ctx context.Context, lic *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lic.ID == "" {
		lic.ID = ids.License()
	}
	if _, exists := s.byHash[lic.KeyHash]; exists {
		return ErrDuplicateKeyHash
	}
	cp := *lic
	s.licenses[lic.ID] = &cp
	s.byHash[lic.KeyHash] = lic.ID
	return nil
}

func (s *InMemory) FindLicense(ctx context.Context, id string) (*License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lic
	return &cp, nil
}

func (s *InMemory) FindLicenseByKeyHash(ctx context.Context, keyHash string) (*License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.licenses[id]
	return &cp, nil
}

func (s *InMemory) ListLicenses(ctx context.Context, filter ListFilter) ([]*License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*License
	for _, lic := range s.licenses {
		if filter.Status != "" && lic.Status != filter.Status {
			continue
		}
		if filter.Plan != "" && lic.Plan != filter.Plan {
			continue
		}
		cp := *lic
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemory) UpdateLicense(ctx context.Context, lic *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.licenses[lic.ID]
	if !ok {
		return ErrNotFound
	}
	// Revoked is terminal regardless of what the caller passes in.
	if stored.Status == StatusRevoked {
		lic.Status = StatusRevoked
	}
	cp := *lic
	s.licenses[lic.ID] = &cp
	return nil
}

func (s *InMemory) GetDevice(ctx context.Context, licenseID, deviceHash string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[licenseID][deviceHash]
	if !ok {
		return nil, ErrDeviceNotRegistered
	}
	cp := dev
	return &cp, nil
}

func (s *InMemory) CountDevices(ctx context.Context, licenseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices[licenseID]), nil
}

func (s *InMemory) ListDevices(ctx context.Context, licenseID string) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Device
	for _, dev := range s.devices[licenseID] {
		cp := dev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.Before(out[j].ActivatedAt) })
	return out, nil
}

func (s *InMemory) BindDevice(ctx context.Context, licenseID, deviceHash string, maxDevices int, now time.Time) (*Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := s.devices[licenseID]
	if dev, ok := slots[deviceHash]; ok {
		dev.LastSeenAt = now.UTC()
		slots[deviceHash] = dev
		cp := dev
		return &cp, false, nil
	}
	// Count check and insert stay inside one mutex section, mirroring the
	// single-transaction guard of the Postgres store.
	if len(slots) >= maxDevices {
		return nil, false, ErrDeviceLimitReached
	}
	if slots == nil {
		slots = make(map[string]Device)
		s.devices[licenseID] = slots
	}
	dev := Device{
		ID:          ids.Device(),
		LicenseID:   licenseID,
		DeviceHash:  deviceHash,
		ActivatedAt: now.UTC(),
		LastSeenAt:  now.UTC(),
	}
	slots[deviceHash] = dev
	cp := dev
	return &cp, true, nil
}

func (s *InMemory) TouchDevice(ctx context.Context, licenseID, deviceHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[licenseID][deviceHash]
	if !ok {
		return ErrDeviceNotRegistered
	}
	dev.LastSeenAt = now.UTC()
	s.devices[licenseID][deviceHash] = dev
	return nil
}

func (s *InMemory) RemoveDevice(ctx context.Context, licenseID, deviceHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[licenseID][deviceHash]; !ok {
		return 0, nil
	}
	delete(s.devices[licenseID], deviceHash)
	return 1, nil
}

func (s *InMemory) AppendEvent(ctx context.Context, ev *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = ids.Event()
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *InMemory) ListEvents(ctx context.Context, licenseID string, limit int) ([]*audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*audit.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if licenseID != "" && s.events[i].LicenseID != licenseID {
			continue
		}
		cp := s.events[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemory) ConsumeBucket(ctx context.Context, scope, key string, windowStart, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope + "\x00" + key
	b, ok := s.buckets[k]
	if !ok || b.windowStart.Before(windowStart) {
		s.buckets[k] = &memBucket{windowStart: windowStart, count: 1}
		return 1, nil
	}
	b.count++
	return b.count, nil
}
