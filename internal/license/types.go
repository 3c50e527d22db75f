package license

import (
	"strings"
	"time"
)

// Plan is the commercial tier a license was sold under.
type Plan string

const (
	PlanMonthly  Plan = "monthly"
	PlanYearly   Plan = "yearly"
	PlanLifetime Plan = "lifetime"
)

// KnownPlan reports whether raw names a plan in the closed enumeration.
func KnownPlan(raw string) bool {
	_, ok := ParsePlan(raw)
	return ok
}

// ParsePlan validates a caller supplied plan name.
func ParsePlan(raw string) (Plan, bool) {
	switch Plan(strings.ToLower(strings.TrimSpace(raw))) {
	case PlanMonthly:
		return PlanMonthly, true
	case PlanYearly:
		return PlanYearly, true
	case PlanLifetime:
		return PlanLifetime, true
	}
	return "", false
}

// Duration returns the fixed entitlement period for the plan. The second
// return value is false for non-expiring plans.
func (p Plan) Duration() (time.Duration, bool) {
	switch p {
	case PlanMonthly:
		return 30 * 24 * time.Hour, true
	case PlanYearly:
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// Code returns the single-letter plan marker embedded in generated keys.
func (p Plan) Code() string {
	switch p {
	case PlanMonthly:
		return "M"
	case PlanYearly:
		return "Y"
	case PlanLifetime:
		return "L"
	}
	return "X"
}

// Status is the lifecycle state of a license. Transitions only move
// active -> revoked or active -> expired, never backward.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// License is a stored license record. The human-typed key is never stored;
// only its keyed hash.
type License struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`
	Plan       Plan       `json:"plan"`
	Status     Status     `json:"status"`
	MaxDevices int        `json:"max_devices"`
	OwnerEmail string     `json:"owner_email,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Device is one occupied slot of a license. (LicenseID, DeviceHash) is unique.
type Device struct {
	ID          string    `json:"id"`
	LicenseID   string    `json:"license_id"`
	DeviceHash  string    `json:"device_hash"`
	ActivatedAt time.Time `json:"activated_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// EvaluateStatus applies lazy expiry. It returns the status the license
// should carry at `now` and whether that differs from the stored one (the
// caller persists the transition). Revoked is terminal and never recomputed.
func EvaluateStatus(lic *License, now time.Time) (Status, bool) {
	if lic.Status == StatusRevoked {
		return StatusRevoked, false
	}
	if lic.Status == StatusActive && lic.ExpiresAt != nil && now.After(*lic.ExpiresAt) {
		return StatusExpired, true
	}
	return lic.Status, false
}

// ComputeValidUntil returns when the current entitlement runs out, or nil
// for non-expiring licenses.
func ComputeValidUntil(lic *License, now time.Time) *time.Time {
	if _, expiring := lic.Plan.Duration(); !expiring {
		return nil
	}
	if lic.ExpiresAt != nil {
		t := *lic.ExpiresAt
		return &t
	}
	d, _ := lic.Plan.Duration()
	t := now.Add(d)
	return &t
}

// IsUsable reports whether the license can be exercised at `now`. On
// success it returns the entitlement horizon (nil for non-expiring plans).
func IsUsable(lic *License, now time.Time) (*time.Time, error) {
	status, _ := EvaluateStatus(lic, now)
	switch status {
	case StatusRevoked:
		return nil, ErrRevoked
	case StatusExpired:
		return nil, ErrExpired
	}
	return ComputeValidUntil(lic, now), nil
}
