package ids

import (
	"strings"
	"sync"
	"testing"
)

func TestPrefixes(t *testing.T) {
	cases := []struct {
		name   string
		id     string
		prefix string
	}{
		{"license", License(), "lic_"},
		{"device", Device(), "dev_"},
		{"event", Event(), "evt_"},
	}
	for _, tc := range cases {
		if !strings.HasPrefix(tc.id, tc.prefix) {
			t.Fatalf("%s id %q: want prefix %q", tc.name, tc.id, tc.prefix)
		}
		if len(tc.id) != len(tc.prefix)+26 {
			t.Fatalf("%s id %q: unexpected length %d", tc.name, tc.id, len(tc.id))
		}
	}
}

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids out of order: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestNewIsUniqueUnderConcurrency(t *testing.T) {
	const workers, perWorker = 8, 200
	var (
		mu   sync.Mutex
		seen = make(map[string]bool, workers*perWorker)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, New())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("duplicate id %q", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()
}
