package license

import (
	"context"
	"time"

	"keygate.io/internal/audit"
)

// ListFilter narrows administrative license listings.
type ListFilter struct {
	Status Status
	Plan   Plan
	Limit  int
}

// Store describes the durable state the service runs on. Implementations
// must make BindDevice and ConsumeBucket atomic; correctness under
// concurrent workers rests entirely on those two operations.
type Store interface {
	CreateLicense(ctx context.Context, lic *License) error
	FindLicense(ctx context.Context, id string) (*License, error)
	FindLicenseByKeyHash(ctx context.Context, keyHash string) (*License, error)
	ListLicenses(ctx context.Context, filter ListFilter) ([]*License, error)
	UpdateLicense(ctx context.Context, lic *License) error

	GetDevice(ctx context.Context, licenseID, deviceHash string) (*Device, error)
	CountDevices(ctx context.Context, licenseID string) (int, error)
	ListDevices(ctx context.Context, licenseID string) ([]*Device, error)

	// BindDevice occupies a device slot. When the (license, device) pair
	// already exists it touches last_seen_at and reports created=false.
	// Otherwise the slot-count check and the insert happen under one
	// atomic guard; exceeding max_devices returns ErrDeviceLimitReached.
	BindDevice(ctx context.Context, licenseID, deviceHash string, maxDevices int, now time.Time) (dev *Device, created bool, err error)

	// TouchDevice updates last_seen_at only. A missing binding returns
	// ErrDeviceNotRegistered; refresh must not silently re-create a
	// removed device.
	TouchDevice(ctx context.Context, licenseID, deviceHash string, now time.Time) error

	// RemoveDevice is idempotent and returns the number of rows removed.
	RemoveDevice(ctx context.Context, licenseID, deviceHash string) (int64, error)

	AppendEvent(ctx context.Context, ev *audit.Event) error
	ListEvents(ctx context.Context, licenseID string, limit int) ([]*audit.Event, error)

	// ConsumeBucket atomically upserts the rate-limit bucket for
	// (scope, key): insert with count 1, reset when the stored window is
	// older than windowStart, increment otherwise. Returns the new count.
	ConsumeBucket(ctx context.Context, scope, key string, windowStart, now time.Time) (int64, error)
}
