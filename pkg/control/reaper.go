package control

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// StaleClaimReaper fails work items that have sat in claimed or
// in_progress past StaleClaimTimeout without a progress update, marking
// them retriable so Fail's existing retry logic decides whether
// they go back to pending or terminal failed (spec §4.8).
type StaleClaimReaper struct {
	store     *storage.Store
	kernel    *kernel.Kernel
	clock     *clock.Clock
	telemetry *telemetry.Emitter
	log       zerolog.Logger
	timeout   time.Duration
}

func NewStaleClaimReaper(store *storage.Store, k *kernel.Kernel, clk *clock.Clock, em *telemetry.Emitter, log zerolog.Logger, timeout time.Duration) *StaleClaimReaper {
	return &StaleClaimReaper{store: store, kernel: k, clock: clk, telemetry: em, log: log, timeout: timeout}
}

// Run fails every claimed/in_progress item whose most recent activity
// (claimed_at_ns, or started_at_ns once progress began) is older than
// the configured timeout.
func (r *StaleClaimReaper) Run() (int, error) {
	traceID := r.clock.NewTraceID().String()
	spanID := r.clock.NewSpanID().String()
	timer := r.telemetry.StartSpan(traceID, spanID, "", "control.reap_stale")

	items, err := r.store.ListWorkItems()
	if err != nil {
		timer.End(types.SpanError)
		return 0, err
	}

	now := r.clock.NowNs()
	cutoff := r.timeout.Nanoseconds()
	reaped := 0

	for _, it := range items {
		if it.Status != types.WorkClaimed && it.Status != types.WorkInProgress {
			continue
		}
		lastActivity := it.ClaimedAtNs
		if it.StartedAtNs > lastActivity {
			lastActivity = it.StartedAtNs
		}
		if now-lastActivity < cutoff {
			continue
		}

		if err := r.kernel.Fail(it.WorkID, "", "stale claim reaped", true); err != nil {
			r.log.Error().Err(err).Str("work_id", it.WorkID).Msg("stale claim reaper failed to fail item")
			continue
		}
		reaped++
	}

	timer.SetAttr("reaped", fmt.Sprintf("%d", reaped))
	timer.End(types.SpanOK)
	return reaped, nil
}
