package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memStore struct {
	events []*Event
	err    error
}

func (m *memStore) AppendEvent(ctx context.Context, ev *Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) ListEvents(ctx context.Context, licenseID string, limit int) ([]*Event, error) {
	var out []*Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if licenseID == "" || m.events[i].LicenseID == licenseID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

type memPublisher struct {
	events []Event
}

func (m *memPublisher) Publish(ev Event) { m.events = append(m.events, ev) }

func TestRecordAppendsAndPublishes(t *testing.T) {
	store := &memStore{}
	pub := &memPublisher{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecorder(store, pub).WithClock(func() time.Time { return fixed })

	rec.Record(context.Background(), "lic_1", EventActivate, map[string]string{"device_hash": "abc"})

	if len(store.events) != 1 {
		t.Fatalf("want 1 stored event, got %d", len(store.events))
	}
	ev := store.events[0]
	if ev.ID == "" {
		t.Fatal("event id not assigned")
	}
	if ev.LicenseID != "lic_1" || ev.Type != EventActivate {
		t.Fatalf("event: %+v", ev)
	}
	if !ev.CreatedAt.Equal(fixed) {
		t.Fatalf("created_at: got %s", ev.CreatedAt)
	}
	if ev.Metadata["device_hash"] != "abc" {
		t.Fatalf("metadata: %v", ev.Metadata)
	}

	if len(pub.events) != 1 || pub.events[0].Type != EventActivate {
		t.Fatalf("publisher: %+v", pub.events)
	}
}

func TestRecordCopiesMetadata(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store, nil)

	meta := map[string]string{"reason": "expired"}
	rec.Record(context.Background(), "lic_1", EventActivateFailed, meta)
	meta["reason"] = "mutated"

	if store.events[0].Metadata["reason"] != "expired" {
		t.Fatal("metadata must be copied at record time")
	}
}

func TestRecordDropsUnknownTypes(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store, nil)

	rec.Record(context.Background(), "lic_1", EventType("made_up"), nil)

	if len(store.events) != 0 {
		t.Fatalf("unknown event type stored: %+v", store.events)
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	pub := &memPublisher{}
	rec := NewRecorder(store, pub)

	// Must not panic and must not publish what was never persisted.
	rec.Record(context.Background(), "lic_1", EventRevoke, nil)

	if len(pub.events) != 0 {
		t.Fatalf("published despite append failure: %+v", pub.events)
	}
}

func TestListClampsLimit(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store, nil)
	for i := 0; i < 150; i++ {
		rec.Record(context.Background(), "lic_1", EventStatusLookup, nil)
	}

	events, err := rec.List(context.Background(), "lic_1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 100 {
		t.Fatalf("zero limit must clamp to 100, got %d", len(events))
	}

	events, err = rec.List(context.Background(), "lic_1", 5000)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 100 {
		t.Fatalf("oversized limit must clamp to 100, got %d", len(events))
	}
}

func TestEventTypeValid(t *testing.T) {
	valid := []EventType{
		EventGenerate, EventActivate, EventRefresh, EventRefreshTouch,
		EventDeactivate, EventRevoke, EventRevokeDevice, EventStatusLookup,
		EventUpdate, EventActivateFailed, EventRefreshFailed,
	}
	for _, et := range valid {
		if !et.Valid() {
			t.Fatalf("%s must be valid", et)
		}
	}
	if EventType("").Valid() || EventType("bogus").Valid() {
		t.Fatal("unknown types must be invalid")
	}
}

func TestEventTypeFailed(t *testing.T) {
	if got := EventActivate.Failed(); got != EventActivateFailed {
		t.Fatalf("failed variant: got %s", got)
	}
	if !EventRevokeDevice.Failed().Valid() {
		t.Fatal("every primary type must have a valid failure variant")
	}
}
