package license

import "errors"

var (
	ErrNotFound            = errors.New("license not found")
	ErrRevoked             = errors.New("license revoked")
	ErrExpired             = errors.New("license expired")
	ErrDeviceLimitReached  = errors.New("device limit reached")
	ErrDeviceNotRegistered = errors.New("device not registered")
	ErrDeviceMismatch      = errors.New("device mismatch")
	ErrAppNotAllowed       = errors.New("application not allowed")
	ErrDuplicateKeyHash    = errors.New("license key hash already exists")
	ErrInvalidInput        = errors.New("invalid input")
)
