// Package clock supplies the two primitives spec component C1 names:
// monotonic millisecond timestamps and opaque globally-unique
// identifiers. Grounded on the teacher's own identifier idiom
// (internal/agent/session.go: ulid.Make().String()).
package clock

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NowMS returns the current time as milliseconds since the Unix epoch.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// entropy is a process-wide monotonic ULID entropy source. ulid.New
// requires an io.Reader producing 10 random bytes per call; math/rand
// seeded once at process start is sufficient here since global
// uniqueness comes from the ULID's millisecond-timestamp prefix plus
// this entropy, not from cryptographic unpredictability.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a fresh, lexically-sortable, globally-unique opaque
// identifier suitable for run ids and state ids.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}
