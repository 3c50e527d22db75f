package audit

import (
	"context"
	"encoding/json"
	"time"

	"keygate.io/internal/ids"
	"keygate.io/internal/obs"
)

// Store is the slice of persistence the recorder needs. There is no update
// or delete: the ledger is append-only.
type Store interface {
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, licenseID string, limit int) ([]*Event, error)
}

// Publisher receives recorded events for live fan-out (admin event stream).
type Publisher interface {
	Publish(ev Event)
}

// Recorder writes lifecycle events. Recording happens after the primary
// effect and must never abort it: store faults are logged and swallowed.
type Recorder struct {
	store Store
	pub   Publisher
	now   func() time.Time
}

// NewRecorder builds a Recorder. pub may be nil.
func NewRecorder(store Store, pub Publisher) *Recorder {
	return &Recorder{store: store, pub: pub, now: time.Now}
}

// WithClock overrides the time source. Test use only.
func (r *Recorder) WithClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Record appends one event. Unknown event types are dropped silently, per
// the closed-enumeration contract.
func (r *Recorder) Record(ctx context.Context, licenseID string, t EventType, meta map[string]string) {
	if r == nil || !t.Valid() {
		return
	}
	ev := &Event{
		ID:        ids.Event(),
		LicenseID: licenseID,
		Type:      t,
		CreatedAt: r.now().UTC(),
	}
	if len(meta) > 0 {
		ev.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			ev.Metadata[k] = v
		}
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "audit append failed",
			"event": string(t),
			"error": err.Error(),
		})
		return
	}
	r.emit(ev)
	if r.pub != nil {
		r.pub.Publish(*ev)
	}
}

// List returns the most recent events for a license, newest first.
func (r *Recorder) List(ctx context.Context, licenseID string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return r.store.ListEvents(ctx, licenseID, limit)
}

// emit mirrors the event as a structured JSON log line.
func (r *Recorder) emit(ev *Event) {
	entry := map[string]any{
		"ts":    ev.CreatedAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": string(ev.Type),
	}
	if ev.LicenseID != "" {
		entry["license_id"] = ev.LicenseID
	}
	if len(ev.Metadata) > 0 {
		entry["fields"] = ev.Metadata
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
