package stream

import (
	"testing"
	"time"

	"keygate.io/internal/audit"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Publish(audit.Event{ID: "evt_1", Type: audit.EventActivate})

	select {
	case ev := <-ch:
		if ev.ID != "evt_1" {
			t.Fatalf("event id: %q", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel must be closed after cancel")
	}
	// cancelling twice is safe
	cancel()
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	s := New()
	_, cancel := s.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// far more events than the subscriber buffer holds
		for i := 0; i < 1000; i++ {
			s.Publish(audit.Event{Type: audit.EventStatusLookup})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	s := New()
	ch1, cancel1 := s.Subscribe()
	defer cancel1()
	ch2, cancel2 := s.Subscribe()
	defer cancel2()

	s.Publish(audit.Event{ID: "evt_x", Type: audit.EventRevoke})

	for i, ch := range []<-chan audit.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.ID != "evt_x" {
				t.Fatalf("subscriber %d: event id %q", i, ev.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}
