package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// Compactor replays the fast-path log into work_claims, segments the
// telemetry journal once it grows past a configured size, and archives
// terminal work items older than the retention window (spec §4.5,
// §4.8).
type Compactor struct {
	store     *storage.Store
	kernel    *kernel.Kernel
	clock     *clock.Clock
	telemetry *telemetry.Emitter
	log       zerolog.Logger

	fastPathRetain     int
	journalSegmentSize int
	archiveRetention   time.Duration
}

func NewCompactor(store *storage.Store, k *kernel.Kernel, clk *clock.Clock, em *telemetry.Emitter, log zerolog.Logger, fastPathRetain, journalSegmentSize int, archiveRetention time.Duration) *Compactor {
	return &Compactor{
		store:              store,
		kernel:             k,
		clock:              clk,
		telemetry:          em,
		log:                log,
		fastPathRetain:     fastPathRetain,
		journalSegmentSize: journalSegmentSize,
		archiveRetention:   archiveRetention,
	}
}

// CompactResult summarizes one compaction pass for the CLI/dashboard.
type CompactResult struct {
	FastPath        *kernel.ReplayResult
	SegmentedSpans  int
	ArchivedWorkIDs []string
}

// Run performs one compaction cycle: fast-path replay, telemetry
// segmentation, terminal work item archival.
func (c *Compactor) Run() error {
	traceID := c.clock.NewTraceID().String()
	spanID := c.clock.NewSpanID().String()
	timer := c.telemetry.StartSpan(traceID, spanID, "", "control.compact")

	result := &CompactResult{}

	fpResult, err := c.kernel.ReplayFastPath(c.fastPathRetain)
	if err != nil {
		timer.End(types.SpanError)
		return fmt.Errorf("replay fast path: %w", err)
	}
	result.FastPath = fpResult
	for _, rej := range fpResult.Rejected {
		c.log.Warn().Str("provisional_work_id", rej.ProvisionalWorkID).Str("reason", rej.Reason).Msg("fast-path claim rejected on replay")
	}

	segmented, err := c.segmentTelemetry()
	if err != nil {
		timer.End(types.SpanError)
		return fmt.Errorf("segment telemetry: %w", err)
	}
	result.SegmentedSpans = segmented

	archived, err := c.archiveTerminalWork()
	if err != nil {
		timer.End(types.SpanError)
		return fmt.Errorf("archive terminal work: %w", err)
	}
	result.ArchivedWorkIDs = archived

	timer.SetAttr("fast_path_replayed", fmt.Sprintf("%d", fpResult.Replayed))
	timer.SetAttr("spans_segmented", fmt.Sprintf("%d", segmented))
	timer.SetAttr("work_items_archived", fmt.Sprintf("%d", len(archived)))
	timer.End(types.SpanOK)
	return nil
}

// segmentTelemetry moves the telemetry journal to a timestamped file
// under archive/ once it grows past JournalSegmentSize entries, leaving
// an empty journal behind (spec §4.8).
func (c *Compactor) segmentTelemetry() (int, error) {
	spans, err := c.store.ReadSpans()
	if err != nil {
		return 0, err
	}
	if len(spans) < c.journalSegmentSize {
		return 0, nil
	}

	segPath := filepath.Join(c.store.ArchiveDir(), fmt.Sprintf("telemetry_spans-%d.jsonl", c.clock.NowNs()))
	data, err := os.ReadFile(c.store.TelemetryPath())
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(segPath, data, 0o644); err != nil {
		return 0, err
	}
	if err := c.store.TruncateTelemetry(); err != nil {
		return 0, err
	}
	return len(spans), nil
}

// archiveTerminalWork moves completed/failed work items older than
// ArchiveRetention out of work_claims.json into a dated archive file,
// recording one archived event per item (spec §4.8).
func (c *Compactor) archiveTerminalWork() ([]string, error) {
	items, err := c.store.ListWorkItems()
	if err != nil {
		return nil, err
	}

	now := c.clock.NowNs()
	cutoff := c.archiveRetention.Nanoseconds()

	var toArchive []*types.WorkItem
	var archivedIDs []string
	for _, it := range items {
		if it.Status != types.WorkCompleted && it.Status != types.WorkFailed {
			continue
		}
		if it.CompletedAtNs == 0 || now-it.CompletedAtNs < cutoff {
			continue
		}
		toArchive = append(toArchive, it)
		archivedIDs = append(archivedIDs, it.WorkID)
	}
	if len(toArchive) == 0 {
		return nil, nil
	}

	data, err := json.MarshalIndent(toArchive, "", "  ")
	if err != nil {
		return nil, err
	}
	archivePath := filepath.Join(c.store.ArchiveDir(), fmt.Sprintf("work_items-%d.json", now))
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		return nil, err
	}

	if err := c.kernel.ArchiveWorkItems(archivedIDs); err != nil {
		return nil, err
	}

	return archivedIDs, nil
}
