package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/config"
	"github.com/swarmsh/swarmsh/pkg/events"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	store, err := storage.Open(t.TempDir(), "flock", 5*time.Second)
	require.NoError(t, err)

	clk := clock.New()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	em := telemetry.New(store, clk, zerolog.Nop(), 1.0, "swarmsh-test", "0.0.0")
	cfg := config.Config{LockTimeout: 5 * time.Second, MaxRetries: 3}
	return New(store, clk, em, broker, cfg, zerolog.Nop())
}

func TestRegisterAndClaimAs(t *testing.T) {
	k := newTestKernel(t)

	agentID, err := k.Register("team-a", "general", 2, 1, []string{"go"})
	require.NoError(t, err)
	assert.NotEmpty(t, agentID)

	workID, err := k.Claim(ClaimParams{
		WorkType:    "build",
		Description: "compile the thing",
		Priority:    types.PriorityHigh,
	})
	require.NoError(t, err)

	claimedID, err := k.ClaimAs(agentID, Selector{})
	require.NoError(t, err)
	assert.Equal(t, workID, claimedID)

	// a second claim_as with nothing left eligible reports NoEligibleWork.
	_, err = k.ClaimAs(agentID, Selector{})
	require.Error(t, err)
	kerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindNoEligibleWork, kerr.Kind)
	assert.Equal(t, 0, kerr.ExitCode)
}

// TestConcurrentClaimAsSingleWinner exercises I1/I2: a single work item
// claimed by two agents racing for it is claimed by exactly one.
func TestConcurrentClaimAsSingleWinner(t *testing.T) {
	k := newTestKernel(t)

	agentA, err := k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)
	agentB, err := k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)

	_, err = k.Claim(ClaimParams{WorkType: "build", Description: "one item", Priority: types.PriorityMedium})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan string, 2)
	errs := make(chan error, 2)
	for _, agentID := range []string{agentA, agentB} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			workID, err := k.ClaimAs(id, Selector{})
			if err != nil {
				errs <- err
				return
			}
			results <- workID
		}(agentID)
	}
	wg.Wait()
	close(results)
	close(errs)

	var won []string
	for r := range results {
		won = append(won, r)
	}
	assert.Len(t, won, 1, "exactly one agent should win the claim")

	var failCount int
	for err := range errs {
		failCount++
		kerr, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, KindNoEligibleWork, kerr.Kind)
	}
	assert.Equal(t, 1, failCount)
}

// TestDependencyGating exercises I4: a blocked item only becomes
// claimable once every dependency has completed.
func TestDependencyGating(t *testing.T) {
	k := newTestKernel(t)

	agentID, err := k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)

	baseID, err := k.Claim(ClaimParams{WorkType: "build", Description: "base", Priority: types.PriorityMedium})
	require.NoError(t, err)

	depID, err := k.Claim(ClaimParams{
		WorkType:    "build",
		Description: "depends on base",
		Priority:    types.PriorityMedium,
		DependsOn:   []string{baseID},
	})
	require.NoError(t, err)

	items, err := k.store.ListWorkItems()
	require.NoError(t, err)
	dep := findWork(items, depID)
	require.NotNil(t, dep)
	assert.Equal(t, types.WorkBlocked, dep.Status)

	// claiming now only offers the base item, never the blocked one.
	claimed, err := k.ClaimAs(agentID, Selector{})
	require.NoError(t, err)
	assert.Equal(t, baseID, claimed)

	require.NoError(t, k.Complete(baseID, agentID, "done", nil))

	items, err = k.store.ListWorkItems()
	require.NoError(t, err)
	dep = findWork(items, depID)
	require.NotNil(t, dep)
	assert.Equal(t, types.WorkPending, dep.Status, "dependency completion should unblock the dependent item")
}

// TestProgressMonotonicity exercises I5: progress_pct must never regress.
func TestProgressMonotonicity(t *testing.T) {
	k := newTestKernel(t)

	agentID, err := k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)
	workID, err := k.Claim(ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = k.ClaimAs(agentID, Selector{})
	require.NoError(t, err)

	require.NoError(t, k.Progress(workID, agentID, 40, "halfway"))
	require.NoError(t, k.Progress(workID, agentID, 60, ""))

	err = k.Progress(workID, agentID, 10, "")
	require.Error(t, err)
	kerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindMonotonicityViolation, kerr.Kind)
	assert.Equal(t, 1, kerr.ExitCode)
}

// TestProgressRejectsNonClaimant exercises §4.4's ownership check: only
// the agent holding the claim may report progress.
func TestProgressRejectsNonClaimant(t *testing.T) {
	k := newTestKernel(t)

	agentID, err := k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)
	workID, err := k.Claim(ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = k.ClaimAs(agentID, Selector{})
	require.NoError(t, err)

	err = k.Progress(workID, "someone-else", 50, "")
	require.Error(t, err)
	kerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindNotClaimant, kerr.Kind)
}

func TestFailRetriableGoesBackToPending(t *testing.T) {
	k := newTestKernel(t)

	agentID, err := k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)
	workID, err := k.Claim(ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = k.ClaimAs(agentID, Selector{})
	require.NoError(t, err)

	require.NoError(t, k.Fail(workID, agentID, "transient", true))

	items, err := k.store.ListWorkItems()
	require.NoError(t, err)
	item := findWork(items, workID)
	require.NotNil(t, item)
	assert.Equal(t, types.WorkPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Empty(t, item.ClaimedBy)

	evs, err := k.store.ListEvents()
	require.NoError(t, err)
	var kind types.EventKind
	for _, ev := range evs {
		if ev.WorkID == workID && ev.Kind == types.EventReassigned {
			kind = ev.Kind
		}
	}
	assert.Equal(t, types.EventReassigned, kind, "a retriable fail that returns to pending emits reassigned, not failed")
}

func TestFailExhaustedRetriesGoesTerminal(t *testing.T) {
	k := newTestKernel(t)
	k.cfg.MaxRetries = 0

	agentID, err := k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)
	workID, err := k.Claim(ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = k.ClaimAs(agentID, Selector{})
	require.NoError(t, err)

	require.NoError(t, k.Fail(workID, agentID, "permanent", true))

	items, err := k.store.ListWorkItems()
	require.NoError(t, err)
	item := findWork(items, workID)
	require.NotNil(t, item)
	assert.Equal(t, types.WorkFailed, item.Status)
}

func TestCapacityExceeded(t *testing.T) {
	k := newTestKernel(t)

	agentID, err := k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)

	_, err = k.Claim(ClaimParams{WorkType: "build", Description: "one", Priority: types.PriorityLow})
	require.NoError(t, err)
	_, err = k.Claim(ClaimParams{WorkType: "build", Description: "two", Priority: types.PriorityLow})
	require.NoError(t, err)

	_, err = k.ClaimAs(agentID, Selector{})
	require.NoError(t, err)

	_, err = k.ClaimAs(agentID, Selector{})
	require.Error(t, err)
	kerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindCapacityExceeded, kerr.Kind)
	assert.True(t, kerr.Retriable)
	assert.Equal(t, 2, kerr.ExitCode)
}

func TestMarkUnhealthyAndRetarget(t *testing.T) {
	k := newTestKernel(t)

	agentID, err := k.Register("team-a", "general", 1, 1, nil)
	require.NoError(t, err)
	require.NoError(t, k.MarkUnhealthy(agentID))

	agents, err := k.store.ListAgents()
	require.NoError(t, err)
	agent := findAgent(agents, agentID)
	require.NotNil(t, agent)
	assert.Equal(t, types.AgentUnhealthy, agent.Status)

	workID, err := k.Claim(ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow, Team: "team-a"})
	require.NoError(t, err)
	require.NoError(t, k.Retarget(workID, "team-b"))

	items, err := k.store.ListWorkItems()
	require.NoError(t, err)
	item := findWork(items, workID)
	require.NotNil(t, item)
	assert.Equal(t, "team-b", item.Team)

	// retargeting a claimed item is refused (only pending work moves).
	claimedWorkID, err := k.Claim(ClaimParams{WorkType: "deploy", Description: "y", Priority: types.PriorityLow})
	require.NoError(t, err)
	agentID2, err := k.Register("team-b", "general", 1, 1, nil)
	require.NoError(t, err)
	_, err = k.ClaimAs(agentID2, Selector{WorkType: "deploy"})
	require.NoError(t, err)

	err = k.Retarget(claimedWorkID, "team-c")
	require.Error(t, err)
	kerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindEligibilityViolation, kerr.Kind)
}

func TestArchiveWorkItems(t *testing.T) {
	k := newTestKernel(t)

	workID, err := k.Claim(ClaimParams{WorkType: "build", Description: "x", Priority: types.PriorityLow})
	require.NoError(t, err)
	require.NoError(t, k.Complete(workID, "", "ok", nil))

	require.NoError(t, k.ArchiveWorkItems([]string{workID}))

	items, err := k.store.ListWorkItems()
	require.NoError(t, err)
	assert.Nil(t, findWork(items, workID))

	evs, err := k.store.ListEvents()
	require.NoError(t, err)
	var archived bool
	for _, ev := range evs {
		if ev.Kind == types.EventArchived && ev.WorkID == workID {
			archived = true
		}
	}
	assert.True(t, archived)
}
