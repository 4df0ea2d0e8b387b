// Package control implements the four periodic control loops (spec
// §4.8): health scan, compaction, rebalancing, and stale-claim reaping.
// Each loop is available both as a long-running ticker (for controld)
// and as a single manual Run call (for the one-shot CLI triggers).
package control

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Loop runs one control-loop function on a fixed interval until
// stopped, the same ticker/stopCh/mutex shape as the teacher's
// Scheduler and Reconciler.
type Loop struct {
	name     string
	interval time.Duration
	logger   zerolog.Logger
	run      func() error

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewLoop wraps run to tick every interval, logging (not propagating)
// any error so one bad cycle never kills the loop.
func NewLoop(name string, interval time.Duration, logger zerolog.Logger, run func() error) *Loop {
	return &Loop{name: name, interval: interval, logger: logger, run: run}
}

// Start begins the loop's goroutine.
func (l *Loop) Start() {
	l.mu.Lock()
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh
	l.mu.Unlock()
	go l.loop(stopCh)
}

// Stop signals the loop's goroutine to exit; it does not wait for an
// in-flight cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopCh != nil {
		close(l.stopCh)
		l.stopCh = nil
	}
}

func (l *Loop) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.run(); err != nil {
				l.logger.Error().Err(err).Str("loop", l.name).Msg("control loop cycle failed")
			}
		case <-stopCh:
			return
		}
	}
}
