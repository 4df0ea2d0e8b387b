// Package clock provides the coordination kernel's monotonic clock and
// identifier generation (spec §4.1): now_ns, new_id, new_trace_id, and
// new_span_id.
package clock

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Clock produces monotonically non-decreasing nanosecond timestamps and
// globally unique identifiers. The zero value is not usable; use New.
type Clock struct {
	mu       sync.Mutex
	lastNs   int64
	hostname string
	pid      int
}

// New returns a Clock seeded with the local hostname and process id, the
// disambiguators new_id embeds in every identifier it mints.
func New() *Clock {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return &Clock{hostname: host, pid: os.Getpid()}
}

// NowNs returns a 64-bit nanosecond timestamp, monotonic across the life
// of the process. If the OS clock goes backward, the last returned value
// plus one is returned instead.
func (c *Clock) NowNs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	if now <= c.lastNs {
		now = c.lastNs + 1
	}
	c.lastNs = now
	return now
}

// NewID returns "<prefix>_<now_ns>_<host>_<pid>_<salt>", unique across
// concurrent callers on the same host: the salt is random entropy on top
// of the timestamp/host/pid tuple, since two calls in the same
// nanosecond on the same host are possible once NowNs's monotonic
// fallback collapses a burst onto consecutive integers.
func (c *Clock) NewID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s_%d_%s", prefix, c.NowNs(), c.hostname, c.pid, salt())
}

// salt returns a short random hex disambiguator backed by google/uuid's
// entropy source.
func salt() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}

// NewTraceID returns a fresh 128-bit OpenTelemetry trace id, stable
// across a work item's entire lifecycle.
func (c *Clock) NewTraceID() trace.TraceID {
	var tid trace.TraceID
	if _, err := rand.Read(tid[:]); err != nil {
		// crypto/rand failing is not survivable; fall back to uuid
		// entropy rather than return an all-zero (invalid) trace id.
		a, b := uuid.New(), uuid.New()
		copy(tid[:8], a[:8])
		copy(tid[8:], b[:8])
	}
	return tid
}

// NewSpanID returns a fresh 64-bit span id.
func (c *Clock) NewSpanID() trace.SpanID {
	var sid trace.SpanID
	if _, err := rand.Read(sid[:]); err != nil {
		id := uuid.New()
		copy(sid[:], id[:8])
	}
	return sid
}
