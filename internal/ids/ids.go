// Package ids mints prefixed ULIDs for license, device and event records.
// The prefix makes an identifier self-describing in logs and audit metadata.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *generator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

var gen = &generator{
	entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
}

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string { return gen.next() }

// License returns a new license record identifier.
func License() string { return "lic_" + gen.next() }

// Device returns a new device binding identifier.
func Device() string { return "dev_" + gen.next() }

// Event returns a new audit event identifier.
func Event() string { return "evt_" + gen.next() }
