package worker

import (
	"context"
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

func newTestKernel(t *testing.T) (*kernel.Kernel, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir(), "flock", 5*time.Second)
	require.NoError(t, err)

	clk := clock.New()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	em := telemetry.New(store, clk, zerolog.Nop(), 1.0, "swarmsh-test", "0.0.0")
	cfg := config.Config{LockTimeout: 5 * time.Second, MaxRetries: 3}
	return kernel.New(store, clk, em, broker, cfg, zerolog.Nop()), store
}

// TestWorkerClaimsExecutesAndCompletes runs a real Worker against a real
// Kernel and confirms a pre-existing pending item is claimed, handed to
// the Handler, and completed.
func TestWorkerClaimsExecutesAndCompletes(t *testing.T) {
	k, store := newTestKernel(t)

	workID, err := k.Claim(kernel.ClaimParams{WorkType: "echo", Description: "say hi", Priority: types.PriorityHigh})
	require.NoError(t, err)

	w := New(k, NewEchoHandler(), Config{
		Team:              "team-a",
		Specialization:    "general",
		Capacity:          1,
		MaxConcurrentWork: 1,
		WorkType:          "echo",
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(1500 * time.Millisecond)
	var item *types.WorkItem
	for time.Now().Before(deadline) {
		items, err := store.ListWorkItems()
		require.NoError(t, err)
		for _, it := range items {
			if it.WorkID == workID && it.Status == types.WorkCompleted {
				item = it
			}
		}
		if item != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, item, "work item should reach completed before the deadline")
	assert.Equal(t, w.AgentID(), item.ClaimedBy)
	assert.Equal(t, 100, item.ProgressPct)

	cancel()
	<-done
}

func TestEchoHandlerReportsProgressToCompletion(t *testing.T) {
	h := &EchoHandler{StepDelay: time.Millisecond}
	item := &types.WorkItem{WorkID: "w1"}

	var reported []int
	progress := func(pct int, phase string) error {
		reported = append(reported, pct)
		return nil
	}

	result, score, err := h.Execute(context.Background(), item, progress)
	require.NoError(t, err)
	assert.Contains(t, result, "w1")
	require.NotNil(t, score)
	assert.Equal(t, 100, *score)
	assert.Equal(t, []int{25, 50, 75, 100}, reported)
}

func TestEchoHandlerRespectsCancellation(t *testing.T) {
	h := &EchoHandler{StepDelay: 200 * time.Millisecond}
	item := &types.WorkItem{WorkID: "w1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := h.Execute(ctx, item, func(int, string) error { return nil })
	require.Error(t, err)
}
