package audit

import "time"

// EventType enumerates every lifecycle event the ledger records. The set is
// closed: Record drops anything outside it.
type EventType string

const (
	EventGenerate     EventType = "generate"
	EventActivate     EventType = "activate"
	EventRefresh      EventType = "refresh"
	EventRefreshTouch EventType = "refresh_touch"
	EventDeactivate   EventType = "deactivate"
	EventRevoke       EventType = "revoke"
	EventRevokeDevice EventType = "revoke_device"
	EventStatusLookup EventType = "status_lookup"
	EventUpdate       EventType = "update"

	EventGenerateFailed     EventType = "generate_failed"
	EventActivateFailed     EventType = "activate_failed"
	EventRefreshFailed      EventType = "refresh_failed"
	EventRefreshTouchFailed EventType = "refresh_touch_failed"
	EventDeactivateFailed   EventType = "deactivate_failed"
	EventRevokeFailed       EventType = "revoke_failed"
	EventRevokeDeviceFailed EventType = "revoke_device_failed"
	EventStatusLookupFailed EventType = "status_lookup_failed"
	EventUpdateFailed       EventType = "update_failed"
)

var knownEvents = map[EventType]struct{}{
	EventGenerate:     {},
	EventActivate:     {},
	EventRefresh:      {},
	EventRefreshTouch: {},
	EventDeactivate:   {},
	EventRevoke:       {},
	EventRevokeDevice: {},
	EventStatusLookup: {},
	EventUpdate:       {},

	EventGenerateFailed:     {},
	EventActivateFailed:     {},
	EventRefreshFailed:      {},
	EventRefreshTouchFailed: {},
	EventDeactivateFailed:   {},
	EventRevokeFailed:       {},
	EventRevokeDeviceFailed: {},
	EventStatusLookupFailed: {},
	EventUpdateFailed:       {},
}

// Valid reports whether t belongs to the closed enumeration.
func (t EventType) Valid() bool {
	_, ok := knownEvents[t]
	return ok
}

// Failed returns the failure variant of a primary event type.
func (t EventType) Failed() EventType {
	return t + "_failed"
}

// Event is one append-only ledger entry. LicenseID is empty when the failure
// occurred before a license was resolved.
type Event struct {
	ID        string            `json:"id"`
	LicenseID string            `json:"license_id,omitempty"`
	Type      EventType         `json:"event_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
