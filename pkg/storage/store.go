// Package storage implements the state store and atomic mutator (spec
// §4.2, §4.3): three JSON table files (agents, work_claims,
// coordination_log), two newline-delimited journals (telemetry spans,
// fast-path claims), a health report snapshot, and an archive directory.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/swarmsh/swarmsh/pkg/types"
)

const (
	agentsFile    = "agents.json"
	workItemsFile = "work_claims.json"
	eventsFile    = "coordination_log.json"
	healthFile    = "system_health_report.json"
	archiveDir    = "archive"
)

// KindCorrupt wraps errors from a table file that failed to parse, so
// callers can map it to the Corrupt error kind (spec §7) without
// depending on pkg/storage's internal error types.
type KindCorrupt struct {
	Table string
	Err   error
}

func (e *KindCorrupt) Error() string {
	return fmt.Sprintf("corrupt %s: %v", e.Table, e.Err)
}

func (e *KindCorrupt) Unwrap() error { return e.Err }

// KindLockTimeout is returned when a table lock could not be acquired
// within the configured timeout (spec §4.3).
type KindLockTimeout struct {
	Table string
}

func (e *KindLockTimeout) Error() string {
	return fmt.Sprintf("lock timeout acquiring %s", e.Table)
}

// Store is the coordination kernel's on-disk state store. One Store is
// constructed per process and shared by every kernel call; it owns no
// in-memory copy of the tables between calls — each WithTable round-trip
// reads the file fresh, per spec §4.2's "any reader may read a table at
// any time without locking" contract.
type Store struct {
	dir     string
	mode    string
	timeout time.Duration

	agentsLock    *tableLock
	workItemsLock *tableLock
	eventsLock    *tableLock

	telemetry *journal[*types.TelemetrySpan]
	fastPath  *journal[*FastPathClaim]
}

// FastPathClaim is one bounded append-only claim intent absorbed by the
// fast path (spec §4.5); it carries everything needed to reconstruct the
// WorkItem on replay.
type FastPathClaim struct {
	ProvisionalWorkID    string   `json:"provisional_work_id"`
	WorkType             string   `json:"work_type"`
	Description          string   `json:"description"`
	Priority             types.Priority `json:"priority"`
	Team                 string   `json:"team,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PreferredAgent       string   `json:"preferred_agent,omitempty"`
	DependsOn            []string `json:"depends_on,omitempty"`
	AgentID              string   `json:"agent_id,omitempty"`
	TraceID              string   `json:"trace_id"`
	SubmittedAtNs        int64    `json:"submitted_at_ns"`
}

// Open creates the coordination directory layout (if absent) and
// returns a Store bound to it.
func Open(dir string, mode string, lockTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, archiveDir), 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		dir:     dir,
		mode:    mode,
		timeout: lockTimeout,
	}
	s.agentsLock = newTableLock(dir, "agents", mode, lockTimeout)
	s.workItemsLock = newTableLock(dir, "work_claims", mode, lockTimeout)
	s.eventsLock = newTableLock(dir, "coordination_log", mode, lockTimeout)

	tel, err := openJournal[*types.TelemetrySpan](filepath.Join(dir, "telemetry_spans.jsonl"), mode, lockTimeout)
	if err != nil {
		return nil, err
	}
	s.telemetry = tel

	fp, err := openJournal[*FastPathClaim](filepath.Join(dir, "fast_path_claims.jsonl"), mode, lockTimeout)
	if err != nil {
		return nil, err
	}
	s.fastPath = fp

	return s, nil
}

// Dir returns the coordination directory root.
func (s *Store) Dir() string { return s.dir }

// LockMode reports which atomic-mutator strategy this Store runs in
// ("flock" or "cas"), per spec §4.3's "MUST document which mode they run
// in".
func (s *Store) LockMode() string { return s.mode }

func readTable(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &KindCorrupt{Table: filepath.Base(path), Err: err}
	}
	return nil
}

// withTable acquires the table's lock, reads the current snapshot,
// invokes mutate, and writes the result back via write-to-temp +
// rename, releasing the lock on every exit path (spec §4.3).
func withTable[T any](ctx context.Context, s *Store, lock *tableLock, filename string, mutate func([]T) ([]T, error)) error {
	locked, err := lock.acquire(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return &KindLockTimeout{Table: filename}
	}
	defer lock.release()

	path := filepath.Join(s.dir, filename)
	var items []T
	if err := readTable(path, &items); err != nil {
		return err
	}

	if lock.mode == "cas" {
		before, _ := os.ReadFile(path)
		newItems, err := mutate(items)
		if err != nil {
			return err
		}
		after, _ := os.ReadFile(path)
		if string(before) != string(after) {
			return fmt.Errorf("contention on %s", filename)
		}
		data, err := json.MarshalIndent(newItems, "", "  ")
		if err != nil {
			return err
		}
		return writeAtomic(s.dir, path, data)
	}

	newItems, err := mutate(items)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(newItems, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.dir, path, data)
}

// WithAgents runs mutate under the agents table's exclusive lock.
func (s *Store) WithAgents(ctx context.Context, mutate func([]*types.Agent) ([]*types.Agent, error)) error {
	return withTable(ctx, s, s.agentsLock, agentsFile, mutate)
}

// WithWorkItems runs mutate under the work_claims table's exclusive lock.
func (s *Store) WithWorkItems(ctx context.Context, mutate func([]*types.WorkItem) ([]*types.WorkItem, error)) error {
	return withTable(ctx, s, s.workItemsLock, workItemsFile, mutate)
}

// WithEvents runs mutate under the coordination_log table's exclusive
// lock. Most callers want AppendEvent instead.
func (s *Store) WithEvents(ctx context.Context, mutate func([]*types.CoordinationEvent) ([]*types.CoordinationEvent, error)) error {
	return withTable(ctx, s, s.eventsLock, eventsFile, mutate)
}

// AppendEvent appends one coordination event under the coordination_log
// lock (spec §5: "independently serialized by their own append lock").
func (s *Store) AppendEvent(ctx context.Context, ev *types.CoordinationEvent) error {
	return s.WithEvents(ctx, func(evs []*types.CoordinationEvent) ([]*types.CoordinationEvent, error) {
		return append(evs, ev), nil
	})
}

// ListAgents is a lock-free read projection (spec §4.2: readers never
// lock; they tolerate the file being replaced atomically underneath
// them).
func (s *Store) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	if err := readTable(filepath.Join(s.dir, agentsFile), &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ListWorkItems is a lock-free read projection.
func (s *Store) ListWorkItems() ([]*types.WorkItem, error) {
	var items []*types.WorkItem
	if err := readTable(filepath.Join(s.dir, workItemsFile), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ListEvents is a lock-free read projection.
func (s *Store) ListEvents() ([]*types.CoordinationEvent, error) {
	var evs []*types.CoordinationEvent
	if err := readTable(filepath.Join(s.dir, eventsFile), &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// AppendSpan appends one telemetry span to the journal (spec §4.6).
func (s *Store) AppendSpan(span *types.TelemetrySpan) error {
	return s.telemetry.append(span)
}

// ReadSpans reads the telemetry journal, skipping malformed lines; it
// does not rewrite the file, since the trailing-line repair runs on the
// next append (spec §4.2/§4.6).
func (s *Store) ReadSpans() ([]*types.TelemetrySpan, error) {
	return s.telemetry.readAll()
}

// TelemetryPath is the path to the telemetry journal file, for the
// compactor's segmentation step.
func (s *Store) TelemetryPath() string { return s.telemetry.path }

// TruncateTelemetry replaces the telemetry journal contents, used by the
// compactor after segmenting it into an archive.
func (s *Store) TruncateTelemetry() error { return s.telemetry.truncate() }

// AppendFastPathClaim appends one fast-path claim intent (spec §4.5).
func (s *Store) AppendFastPathClaim(rec *FastPathClaim) error {
	return s.fastPath.append(rec)
}

// ReadFastPathClaims reads the fast-path log, skipping malformed lines.
func (s *Store) ReadFastPathClaims() ([]*FastPathClaim, error) {
	return s.fastPath.readAll()
}

// RewriteFastPathClaims replaces the fast-path log with recs, used by
// the compactor to retain only the configured most-recent suffix.
func (s *Store) RewriteFastPathClaims(recs []*FastPathClaim) error {
	return s.fastPath.rewrite(recs)
}

// WriteHealthReport atomically replaces the latest health snapshot.
func (s *Store) WriteHealthReport(report *types.HealthReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.dir, filepath.Join(s.dir, healthFile), data)
}

// ReadHealthReport is a lock-free read projection; it tolerates a
// missing file (no scan has run yet) by returning a nil report.
func (s *Store) ReadHealthReport() (*types.HealthReport, error) {
	path := filepath.Join(s.dir, healthFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var report types.HealthReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, &KindCorrupt{Table: healthFile, Err: err}
	}
	return &report, nil
}

// ArchiveDir is the directory segmented journals and archived terminal
// work items are written under.
func (s *Store) ArchiveDir() string { return filepath.Join(s.dir, archiveDir) }
