package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func TestCollectorUpdatesReadinessFromStore(t *testing.T) {
	resetReadiness()

	store, err := storage.Open(t.TempDir(), "flock", 5*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	c := NewCollector(store)
	c.collect()

	if ok, reason := Ready(); !ok {
		t.Errorf("expected ready after a clean collect, got not ready: %s", reason)
	}
}

func TestCollectorSetsAgentGaugeByTeamAndStatus(t *testing.T) {
	resetReadiness()

	store, err := storage.Open(t.TempDir(), "flock", 5*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	err = store.WithAgents(context.Background(), func(agents []*types.Agent) ([]*types.Agent, error) {
		return append(agents, &types.Agent{AgentID: "a1", Team: "team-a", Status: types.AgentActive}), nil
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	c := NewCollector(store)
	c.collectAgentMetrics()

	got := testutil.ToFloat64(AgentsTotal.WithLabelValues("team-a", "active"))
	if got != 1 {
		t.Errorf("expected AgentsTotal{team-a,active}=1, got %v", got)
	}
}

func TestCollectorSetsJournalSizeAndJournalReadiness(t *testing.T) {
	resetReadiness()

	store, err := storage.Open(t.TempDir(), "flock", 5*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.AppendSpan(&types.TelemetrySpan{TraceID: "t", SpanID: "s", OperationName: "op", Status: types.SpanOK}); err != nil {
			t.Fatalf("append span: %v", err)
		}
	}

	c := NewCollector(store)
	c.collectJournalMetrics()

	got := testutil.ToFloat64(JournalSizeBytes.WithLabelValues("telemetry_spans"))
	if got != 3 {
		t.Errorf("expected JournalSizeBytes{telemetry_spans}=3, got %v", got)
	}

	comp := readiness.components["journal"]
	if !comp.Healthy {
		t.Error("journal component should be healthy after a clean read")
	}
}
