package control

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// HealthScanConfig holds the health_score coefficients. The formula
// itself is an open question in the spec (§9): it pins clamp(100, 0)
// bounds but leaves the weighting undefined, so every coefficient here
// is configuration rather than a hardcoded constant.
type HealthScanConfig struct {
	ErrorRateWeight      float64
	LatencyWeight        float64
	QueueDepthWeight     float64
	StaleHeartbeatWeight float64

	// HeartbeatStaleFactor is how many heartbeat intervals may elapse
	// before an agent is marked unhealthy (spec §4.8 default: 3x).
	HeartbeatStaleFactor int64
}

// DefaultHealthScanConfig matches spec §4.8's default heartbeat
// staleness factor and reasonable, documented weights for the rest.
func DefaultHealthScanConfig() HealthScanConfig {
	return HealthScanConfig{
		ErrorRateWeight:      20,
		LatencyWeight:        0.01, // per ms of p95 span latency
		QueueDepthWeight:     0.5,
		StaleHeartbeatWeight: 30,
		HeartbeatStaleFactor: 3,
	}
}

// HealthScan computes per-agent health_score from recent span success
// rate, latency, queue depth, and heartbeat freshness; agents whose
// heartbeat is stale are marked unhealthy and their in-flight items
// reassigned (spec §4.8).
type HealthScan struct {
	store             *storage.Store
	kernel            *kernel.Kernel
	clock             *clock.Clock
	telemetry         *telemetry.Emitter
	log               zerolog.Logger
	cfg               HealthScanConfig
	heartbeatInterval int64 // ns
}

func NewHealthScan(store *storage.Store, k *kernel.Kernel, clk *clock.Clock, em *telemetry.Emitter, log zerolog.Logger, cfg HealthScanConfig, heartbeatIntervalNs int64) *HealthScan {
	return &HealthScan{store: store, kernel: k, clock: clk, telemetry: em, log: log, cfg: cfg, heartbeatInterval: heartbeatIntervalNs}
}

// Run performs one health scan cycle (spec §4.8).
func (h *HealthScan) Run() error {
	traceID := h.clock.NewTraceID().String()
	spanID := h.clock.NewSpanID().String()
	timer := h.telemetry.StartSpan(traceID, spanID, "", "control.health_scan")

	agents, err := h.store.ListAgents()
	if err != nil {
		timer.End(types.SpanError)
		return err
	}
	items, err := h.store.ListWorkItems()
	if err != nil {
		timer.End(types.SpanError)
		return err
	}
	spans, err := h.store.ReadSpans()
	if err != nil {
		timer.End(types.SpanError)
		return err
	}

	now := h.clock.NowNs()
	staleThreshold := h.heartbeatInterval * h.cfg.HeartbeatStaleFactor

	report := &types.HealthReport{
		GeneratedAtNs: now,
		Teams:         map[string]float64{},
	}
	teamScores := map[string][]float64{}

	for _, a := range agents {
		ah := h.scoreAgent(a, items, spans, now)
		report.Agents = append(report.Agents, ah)
		teamScores[a.Team] = append(teamScores[a.Team], ah.Score)

		if now-a.LastHeartbeatNs > staleThreshold && a.Status != types.AgentUnhealthy && a.Status != types.AgentShutdown {
			h.log.Warn().Str("agent_id", a.AgentID).Msg("agent heartbeat stale, marking unhealthy")
			if err := h.kernel.MarkUnhealthy(a.AgentID); err != nil {
				h.log.Error().Err(err).Str("agent_id", a.AgentID).Msg("failed to mark agent unhealthy")
			}
			for _, it := range items {
				if it.ClaimedBy == a.AgentID && (it.Status == types.WorkClaimed || it.Status == types.WorkInProgress) {
					if err := h.kernel.Reassign(it.WorkID, ""); err != nil {
						h.log.Error().Err(err).Str("work_id", it.WorkID).Msg("failed to reassign stale agent's work")
					}
				}
			}
		}
	}

	for team, scores := range teamScores {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		report.Teams[team] = sum / float64(len(scores))
	}

	if err := h.store.WriteHealthReport(report); err != nil {
		timer.End(types.SpanError)
		return err
	}

	timer.SetAttr("agents_scanned", fmt.Sprintf("%d", len(agents)))
	timer.End(types.SpanOK)
	return nil
}

// scoreAgent computes score = clamp(100 - errorRateWeight*errorRate -
// latencyWeight*p95Ms - queueDepthWeight*queueDepth -
// staleHeartbeatWeight*(ageMs/heartbeatIntervalMs), 0, 100).
func (h *HealthScan) scoreAgent(a *types.Agent, items []*types.WorkItem, spans []*types.TelemetrySpan, now int64) types.AgentHealth {
	queueDepth := 0
	for _, it := range items {
		if it.ClaimedBy == a.AgentID && (it.Status == types.WorkClaimed || it.Status == types.WorkInProgress) {
			queueDepth++
		}
	}

	var total, errored int
	var durations []int64
	for _, sp := range spans {
		if attrAgent, ok := sp.Attributes["agent_id"]; !ok || attrAgent != a.AgentID {
			continue
		}
		total++
		if sp.Status == types.SpanError {
			errored++
		}
		durations = append(durations, sp.DurationNs)
	}
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(errored) / float64(total)
	}
	p95Ms := percentileMs(durations, 0.95)

	heartbeatAgeMs := (now - a.LastHeartbeatNs) / 1_000_000
	intervalMs := h.heartbeatInterval / 1_000_000
	stalenessRatio := 0.0
	if intervalMs > 0 {
		stalenessRatio = float64(heartbeatAgeMs) / float64(intervalMs)
	}

	score := 100.0
	score -= h.cfg.ErrorRateWeight * errorRate
	score -= h.cfg.LatencyWeight * p95Ms
	score -= h.cfg.QueueDepthWeight * float64(queueDepth)
	score -= h.cfg.StaleHeartbeatWeight * stalenessRatio
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return types.AgentHealth{
		AgentID:        a.AgentID,
		Score:          score,
		ErrorRate:      errorRate,
		LatencyP95Ms:   p95Ms,
		QueueDepth:     queueDepth,
		HeartbeatAgeMs: heartbeatAgeMs,
		Status:         a.Status,
	}
}

func percentileMs(durationsNs []int64, pct float64) float64 {
	if len(durationsNs) == 0 {
		return 0
	}
	sorted := append([]int64(nil), durationsNs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(pct * float64(len(sorted)-1))
	return float64(sorted[idx]) / 1_000_000
}
