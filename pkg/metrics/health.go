package metrics

import (
	"sync"
	"time"
)

// SubsystemStatus is the combined readiness snapshot across the internal
// subsystems (store, journal, lock), consumed by the dashboard projection (spec
// §6) rather than served over HTTP — swarmsh exposes no network
// surface.
type SubsystemStatus struct {
	Status     string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

var readiness = &readinessTracker{
	components: make(map[string]componentHealth),
	startTime:  time.Now(),
}

type componentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

type readinessTracker struct {
	mu         sync.RWMutex
	components map[string]componentHealth
	startTime  time.Time
	version    string
}

// SetVersion records the service version surfaced in status snapshots.
func SetVersion(version string) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.version = version
}

// UpdateComponent records the current health of one subsystem: "store"
// (table reads/writes succeeding), "journal" (telemetry/fast-path
// journal append succeeding), "lock" (table lock acquisition succeeding
// within timeout).
func UpdateComponent(name string, healthy bool, message string) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.components[name] = componentHealth{Healthy: healthy, Message: message, Updated: time.Now()}
}

// Status returns the overall health snapshot across every subsystem
// reported so far.
func Status() SubsystemStatus {
	readiness.mu.RLock()
	defer readiness.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(readiness.components))
	for name, comp := range readiness.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	return SubsystemStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    readiness.version,
		Uptime:     time.Since(readiness.startTime).String(),
	}
}

// Ready reports whether the store, journal, and lock subsystems have
// all reported healthy at least once.
func Ready() (bool, string) {
	readiness.mu.RLock()
	defer readiness.mu.RUnlock()

	for _, name := range []string{"store", "journal", "lock"} {
		comp, ok := readiness.components[name]
		if !ok {
			return false, "waiting for " + name + " to report"
		}
		if !comp.Healthy {
			return false, name + ": " + comp.Message
		}
	}
	return true, ""
}
