package control

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// Rebalancer computes per-team load and proposes reassignments from a
// saturated team to an idle one of the same capability profile (spec
// §4.8). It only ever reassigns pending, unclaimed work — it never
// preempts an in-progress claim.
type Rebalancer struct {
	store     *storage.Store
	kernel    *kernel.Kernel
	clock     *clock.Clock
	telemetry *telemetry.Emitter
	log       zerolog.Logger

	// ImbalanceThreshold is how far apart two teams' load ratios
	// (in-flight items / total capacity) must be before a move is
	// proposed, preventing oscillation from tiny differences.
	ImbalanceThreshold float64
}

func NewRebalancer(store *storage.Store, k *kernel.Kernel, clk *clock.Clock, em *telemetry.Emitter, log zerolog.Logger) *Rebalancer {
	return &Rebalancer{store: store, kernel: k, clock: clk, telemetry: em, log: log, ImbalanceThreshold: 0.3}
}

// RebalanceAction records one proposed-and-applied move.
type RebalanceAction struct {
	WorkID   string
	FromTeam string
	ToTeam   string
}

// Run computes team load and reassigns pending work from saturated
// teams toward idle ones with matching capability coverage.
func (r *Rebalancer) Run() ([]RebalanceAction, error) {
	traceID := r.clock.NewTraceID().String()
	spanID := r.clock.NewSpanID().String()
	timer := r.telemetry.StartSpan(traceID, spanID, "", "control.rebalance")

	agents, err := r.store.ListAgents()
	if err != nil {
		timer.End(types.SpanError)
		return nil, err
	}
	items, err := r.store.ListWorkItems()
	if err != nil {
		timer.End(types.SpanError)
		return nil, err
	}

	load := teamLoad(agents, items)

	var actions []RebalanceAction
	for _, it := range items {
		if it.Status != types.WorkPending || it.Team == "" {
			continue
		}
		srcLoad, ok := load[it.Team]
		if !ok || srcLoad.ratio() < r.ImbalanceThreshold+0.5 {
			continue
		}
		target := idleTeamFor(load, it.Team, it.RequiredCapabilities, agents, r.ImbalanceThreshold)
		if target == "" {
			continue
		}

		if err := r.kernel.Retarget(it.WorkID, target); err != nil {
			r.log.Error().Err(err).Str("work_id", it.WorkID).Msg("rebalance retarget failed")
			continue
		}
		actions = append(actions, RebalanceAction{WorkID: it.WorkID, FromTeam: it.Team, ToTeam: target})
	}

	timer.SetAttr("actions", fmt.Sprintf("%d", len(actions)))
	timer.End(types.SpanOK)
	return actions, nil
}

type teamStat struct {
	capacity  int
	inFlight  int
}

func (t teamStat) ratio() float64 {
	if t.capacity == 0 {
		return 0
	}
	return float64(t.inFlight) / float64(t.capacity)
}

func teamLoad(agents []*types.Agent, items []*types.WorkItem) map[string]teamStat {
	load := map[string]teamStat{}
	for _, a := range agents {
		s := load[a.Team]
		s.capacity += a.MaxConcurrentWork
		load[a.Team] = s
	}
	for _, it := range items {
		if it.Status != types.WorkClaimed && it.Status != types.WorkInProgress {
			continue
		}
		team := it.Team
		if team == "" {
			continue
		}
		s := load[team]
		s.inFlight++
		load[team] = s
	}
	return load
}

// idleTeamFor finds a team other than exclude whose agents collectively
// cover requiredCaps and whose load ratio is at least threshold below
// the source team's, preferring the least-loaded candidate.
func idleTeamFor(load map[string]teamStat, exclude string, requiredCaps []string, agents []*types.Agent, threshold float64) string {
	caps := map[string][]string{}
	for _, a := range agents {
		caps[a.Team] = append(caps[a.Team], a.Capabilities...)
	}

	srcRatio := load[exclude].ratio()
	best := ""
	bestRatio := 2.0
	for team, stat := range load {
		if team == exclude {
			continue
		}
		if !subsetOfSlice(requiredCaps, caps[team]) {
			continue
		}
		if srcRatio-stat.ratio() < threshold {
			continue
		}
		if stat.ratio() < bestRatio {
			bestRatio = stat.ratio()
			best = team
		}
	}
	return best
}

func subsetOfSlice(required, have []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}
