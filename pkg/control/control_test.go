package control

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/config"
	"github.com/swarmsh/swarmsh/pkg/events"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

type testRig struct {
	store *storage.Store
	clock *clock.Clock
	tel   *telemetry.Emitter
	k     *kernel.Kernel
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store, err := storage.Open(t.TempDir(), "flock", 5*time.Second)
	require.NoError(t, err)

	clk := clock.New()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	em := telemetry.New(store, clk, zerolog.Nop(), 1.0, "swarmsh-test", "0.0.0")
	cfg := config.Config{LockTimeout: 5 * time.Second, MaxRetries: 3}
	k := kernel.New(store, clk, em, broker, cfg, zerolog.Nop())
	return &testRig{store: store, clock: clk, tel: em, k: k}
}

// TestStaleClaimReaperReapsTimedOutClaim exercises the reaper control
// loop against a claim whose last activity is older than the timeout.
func TestStaleClaimReaperReapsTimedOutClaim(t *testing.T) {
	rig := newTestRig(t)

	agentID, err := rig.k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)
	workID, err := rig.k.Claim(kernel.ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = rig.k.ClaimAs(agentID, kernel.Selector{})
	require.NoError(t, err)

	reaper := NewStaleClaimReaper(rig.store, rig.k, rig.clock, rig.tel, zerolog.Nop(), 0)
	n, err := reaper.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := rig.store.ListWorkItems()
	require.NoError(t, err)
	var found *types.WorkItem
	for _, it := range items {
		if it.WorkID == workID {
			found = it
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, types.WorkPending, found.Status, "a retriable fail returns the item to pending")

	evs, err := rig.store.ListEvents()
	require.NoError(t, err)
	var kind types.EventKind
	for _, ev := range evs {
		if ev.WorkID == workID {
			kind = ev.Kind
		}
	}
	assert.Equal(t, types.EventReassigned, kind, "the stale-claim reaper emits reassigned, not failed, per scenario S4")
}

func TestStaleClaimReaperIgnoresFreshClaims(t *testing.T) {
	rig := newTestRig(t)

	agentID, err := rig.k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)
	_, err = rig.k.Claim(kernel.ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = rig.k.ClaimAs(agentID, kernel.Selector{})
	require.NoError(t, err)

	reaper := NewStaleClaimReaper(rig.store, rig.k, rig.clock, rig.tel, zerolog.Nop(), time.Hour)
	n, err := reaper.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestHealthScanMarksStaleAgentUnhealthy exercises §4.8's stale-heartbeat
// path: an agent that hasn't heartbeat in 3x the interval is marked
// unhealthy and its in-flight claim reassigned.
func TestHealthScanMarksStaleAgentUnhealthy(t *testing.T) {
	rig := newTestRig(t)

	agentID, err := rig.k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)
	workID, err := rig.k.Claim(kernel.ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = rig.k.ClaimAs(agentID, kernel.Selector{})
	require.NoError(t, err)

	// heartbeatInterval of 1ns with a default factor of 3 means any
	// elapsed time at all exceeds the staleness threshold.
	scan := NewHealthScan(rig.store, rig.k, rig.clock, rig.tel, zerolog.Nop(), DefaultHealthScanConfig(), 1)
	require.NoError(t, scan.Run())

	agents, err := rig.store.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, types.AgentUnhealthy, agents[0].Status)

	items, err := rig.store.ListWorkItems()
	require.NoError(t, err)
	var found *types.WorkItem
	for _, it := range items {
		if it.WorkID == workID {
			found = it
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, types.WorkPending, found.Status, "the stale agent's claim must be released")
	assert.Empty(t, found.ClaimedBy)

	report, err := rig.store.ReadHealthReport()
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Contains(t, report.Teams, "team-a")
}

// TestRebalancerMovesPendingWorkFromSaturatedTeam exercises §4.8's
// rebalance pass: a saturated team's pending, capability-matching work
// moves to an idle team that can run it.
func TestRebalancerMovesPendingWorkFromSaturatedTeam(t *testing.T) {
	rig := newTestRig(t)

	busyAgent, err := rig.k.Register("team-busy", "general", 1, 1, []string{"go"})
	require.NoError(t, err)
	_, err = rig.k.Register("team-idle", "general", 1, 1, []string{"go"})
	require.NoError(t, err)

	saturating, err := rig.k.Claim(kernel.ClaimParams{WorkType: "build", Description: "saturate", Priority: types.PriorityLow, Team: "team-busy"})
	require.NoError(t, err)
	_, err = rig.k.ClaimAs(busyAgent, kernel.Selector{})
	require.NoError(t, err)

	movable, err := rig.k.Claim(kernel.ClaimParams{
		WorkType:             "build",
		Description:          "movable",
		Priority:             types.PriorityLow,
		Team:                 "team-busy",
		RequiredCapabilities: []string{"go"},
	})
	require.NoError(t, err)

	rebalancer := NewRebalancer(rig.store, rig.k, rig.clock, rig.tel, zerolog.Nop())
	actions, err := rebalancer.Run()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, movable, actions[0].WorkID)
	assert.Equal(t, "team-busy", actions[0].FromTeam)
	assert.Equal(t, "team-idle", actions[0].ToTeam)

	items, err := rig.store.ListWorkItems()
	require.NoError(t, err)
	for _, it := range items {
		if it.WorkID == movable {
			assert.Equal(t, "team-idle", it.Team)
		}
		if it.WorkID == saturating {
			assert.Equal(t, "team-busy", it.Team, "the in-flight claim is never preempted")
		}
	}
}

// TestCompactorArchivesTerminalWork exercises §4.8's archival step: a
// completed work item older than the retention window is moved out of
// the primary table into a dated archive file.
func TestCompactorArchivesTerminalWork(t *testing.T) {
	rig := newTestRig(t)

	workID, err := rig.k.Claim(kernel.ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow})
	require.NoError(t, err)
	require.NoError(t, rig.k.Complete(workID, "", "ok", nil))

	compactor := NewCompactor(rig.store, rig.k, rig.clock, rig.tel, zerolog.Nop(), 50, 10_000, 0)
	require.NoError(t, compactor.Run())

	items, err := rig.store.ListWorkItems()
	require.NoError(t, err)
	for _, it := range items {
		assert.NotEqual(t, workID, it.WorkID)
	}
}

// TestCompactorReplaysFastPath exercises the fast-path replay step: a
// claim submitted through the fast path becomes a real work item once
// compacted.
func TestCompactorReplaysFastPath(t *testing.T) {
	rig := newTestRig(t)

	provisionalID, err := rig.k.ClaimFast(kernel.ClaimParams{WorkType: "build", Description: "fast", Priority: types.PriorityMedium}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, provisionalID)

	compactor := NewCompactor(rig.store, rig.k, rig.clock, rig.tel, zerolog.Nop(), 50, 10_000, 24*time.Hour)
	require.NoError(t, compactor.Run())

	items, err := rig.store.ListWorkItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "fast", items[0].Description)

	// a second compaction pass must not replay the same fast-path
	// record into a duplicate work item.
	require.NoError(t, compactor.Run())
	items, err = rig.store.ListWorkItems()
	require.NoError(t, err)
	assert.Len(t, items, 1, "a replayed fast-path claim must never be claimed twice")
}
