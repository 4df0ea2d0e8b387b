package metrics

import (
	"time"

	"github.com/swarmsh/swarmsh/pkg/storage"
)

// Collector periodically snapshots the state store into the
// Prometheus gauges (agents/work items by status) and the readiness
// tracker, the same ticker-driven shape as the teacher's node/service
// collector.
type Collector struct {
	store  *storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector bound to store.
func NewCollector(store *storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect runs one snapshot synchronously, for a one-shot CLI read
// projection that wants current gauge/readiness values without
// starting the ticker.
func (c *Collector) Collect() {
	c.collect()
}

func (c *Collector) collect() {
	c.collectAgentMetrics()
	c.collectWorkItemMetrics()
	c.collectJournalMetrics()
}

func (c *Collector) collectAgentMetrics() {
	agents, err := c.store.ListAgents()
	if err != nil {
		UpdateComponent("store", false, err.Error())
		return
	}
	UpdateComponent("store", true, "")

	counts := make(map[string]map[string]int)
	for _, a := range agents {
		if counts[a.Team] == nil {
			counts[a.Team] = make(map[string]int)
		}
		counts[a.Team][string(a.Status)]++
	}
	for team, statuses := range counts {
		for status, n := range statuses {
			AgentsTotal.WithLabelValues(team, status).Set(float64(n))
		}
	}
}

func (c *Collector) collectWorkItemMetrics() {
	items, err := c.store.ListWorkItems()
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, it := range items {
		key := string(it.Status)
		if counts[key] == nil {
			counts[key] = make(map[string]int)
		}
		counts[key][string(it.Priority)]++
	}
	for status, priorities := range counts {
		for priority, n := range priorities {
			WorkItemsTotal.WithLabelValues(status, priority).Set(float64(n))
		}
	}
}

func (c *Collector) collectJournalMetrics() {
	spans, err := c.store.ReadSpans()
	if err != nil {
		UpdateComponent("journal", false, err.Error())
		return
	}
	UpdateComponent("journal", true, "")
	JournalSizeBytes.WithLabelValues("telemetry_spans").Set(float64(len(spans)))

	claims, err := c.store.ReadFastPathClaims()
	if err == nil {
		JournalSizeBytes.WithLabelValues("fast_path_claims").Set(float64(len(claims)))
	}
}
