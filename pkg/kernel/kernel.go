// Package kernel implements the coordination kernel (spec §4.4): the
// register / claim / claim_as / progress / complete / fail / heartbeat /
// reassign state machine, priority and team routing, dependency gating,
// and capacity enforcement.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/config"
	"github.com/swarmsh/swarmsh/pkg/events"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// Kernel is the coordination kernel: the only component permitted to
// mutate agents, work_claims, or coordination_log. Workers and control
// loops both call through it.
type Kernel struct {
	store     *storage.Store
	clock     *clock.Clock
	telemetry *telemetry.Emitter
	events    *events.Broker
	cfg       config.Config
	log       zerolog.Logger
}

// New constructs a Kernel bound to store, using clk for timestamps/ids
// and emitting spans through em.
func New(store *storage.Store, clk *clock.Clock, em *telemetry.Emitter, broker *events.Broker, cfg config.Config, log zerolog.Logger) *Kernel {
	return &Kernel{store: store, clock: clk, telemetry: em, events: broker, cfg: cfg, log: log}
}

func (k *Kernel) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), k.cfg.LockTimeout)
}

// recordEvent appends one coordination event; a failure here is
// escalated to the caller, since the coordination log (unlike
// telemetry) is the source of truth (spec §4.6).
func (k *Kernel) recordEvent(ctx context.Context, kind types.EventKind, actorAgentID, workID string, attrs map[string]string) error {
	ev := &types.CoordinationEvent{
		EventID:      k.clock.NewID("evt"),
		TimestampNs:  k.clock.NowNs(),
		ActorAgentID: actorAgentID,
		Kind:         kind,
		WorkID:       workID,
		Attributes:   attrs,
	}
	if err := k.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append coordination event: %w", err)
	}
	if k.events != nil {
		k.events.Publish(ev)
	}
	return nil
}

// mapLockErr translates a storage-layer error into the public kernel
// error taxonomy (spec §7). A *kernel.Error returned from inside a
// WithTable/WithAgents/WithWorkItems callback (a mid-transaction
// invariant violation) passes through unchanged.
func mapLockErr(err error) error {
	if err == nil {
		return nil
	}
	if kerr, ok := err.(*Error); ok {
		return kerr
	}
	var lockTimeout *storage.KindLockTimeout
	if errors.As(err, &lockTimeout) {
		return NewError(KindLockTimeout, lockTimeout.Error())
	}
	var corrupt *storage.KindCorrupt
	if errors.As(err, &corrupt) {
		return NewError(KindCorrupt, corrupt.Error())
	}
	if strings.Contains(err.Error(), "contention on") {
		return NewError(KindContention, err.Error())
	}
	return err
}

// Register creates a new Agent with status=active (spec §4.4).
func (k *Kernel) Register(team, specialization string, capacity, maxConcurrentWork int, capabilities []string) (string, error) {
	if team == "" || specialization == "" {
		return "", usageErrorf("team and specialization are required")
	}
	if capacity < 1 {
		return "", usageErrorf("capacity must be >= 1")
	}
	if maxConcurrentWork < 1 {
		maxConcurrentWork = 3
	}

	ctx, cancel := k.ctx()
	defer cancel()

	agentID := k.clock.NewID("agent")
	now := k.clock.NowNs()
	agent := &types.Agent{
		AgentID:           agentID,
		Team:              team,
		Specialization:    specialization,
		Capacity:          capacity,
		MaxConcurrentWork: maxConcurrentWork,
		Status:            types.AgentActive,
		LastHeartbeatNs:   now,
		Capabilities:      capabilities,
		CreatedAtNs:       now,
	}

	err := k.store.WithAgents(ctx, func(agents []*types.Agent) ([]*types.Agent, error) {
		return append(agents, agent), nil
	})
	if err != nil {
		return "", mapLockErr(err)
	}

	traceID := k.clock.NewTraceID().String()
	spanID := k.clock.NewSpanID().String()
	timer := k.telemetry.StartSpan(traceID, spanID, "", "coordination.register")
	timer.SetAttr("agent_id", agentID).SetAttr("team", team)

	if err := k.recordEvent(ctx, types.EventRegistered, agentID, "", map[string]string{"team": team}); err != nil {
		timer.End(types.SpanError)
		return "", err
	}
	timer.End(types.SpanOK)

	return agentID, nil
}

// ClaimParams holds the arguments to Claim/ClaimFast.
type ClaimParams struct {
	WorkType             string
	Description          string
	Priority             types.Priority
	Team                 string
	RequiredCapabilities []string
	DependsOn            []string
	PreferredAgent       string
}

// Claim creates a new WorkItem (spec §4.4). If depends_on references any
// item not yet completed, the new item starts blocked; otherwise
// pending. Operator-initiated (this call) vs agent-initiated (ClaimAs)
// claims are distinguished only by whether claimed_by is set on return.
func (k *Kernel) Claim(p ClaimParams) (string, error) {
	if p.WorkType == "" || p.Description == "" {
		return "", usageErrorf("work_type and description are required")
	}
	if !validPriority(p.Priority) {
		return "", usageErrorf("invalid priority %q", p.Priority)
	}

	ctx, cancel := k.ctx()
	defer cancel()

	workID := k.clock.NewID("work")
	traceID := k.clock.NewTraceID().String()
	now := k.clock.NowNs()

	var status types.WorkStatus
	var blocked bool

	err := k.store.WithWorkItems(ctx, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		blocked = !allCompleted(items, p.DependsOn)
		status = types.WorkPending
		if blocked {
			status = types.WorkBlocked
		}
		item := &types.WorkItem{
			WorkID:               workID,
			WorkType:             p.WorkType,
			Description:          p.Description,
			Priority:             p.Priority,
			Team:                 p.Team,
			RequiredCapabilities: p.RequiredCapabilities,
			PreferredAgent:       p.PreferredAgent,
			DependsOn:            p.DependsOn,
			Status:               status,
			ProgressPct:          0,
			TraceID:              traceID,
			CreatedAtNs:          now,
		}
		return append(items, item), nil
	})
	if err != nil {
		return "", mapLockErr(err)
	}

	spanID := k.clock.NewSpanID().String()
	timer := k.telemetry.StartSpan(traceID, spanID, "", "coordination.claim")
	timer.SetAttr("work_id", workID).SetAttr("status", string(status))

	if err := k.recordEvent(ctx, types.EventClaimed, "", workID, map[string]string{"status": string(status)}); err != nil {
		timer.End(types.SpanError)
		return "", err
	}
	timer.End(types.SpanOK)

	return workID, nil
}

// Selector narrows the eligible set ClaimAs considers.
type Selector struct {
	WorkType string
	Team     string
}

// ClaimAs is the worker-facing claim (spec §4.4): computes the eligible
// set, applies priority ordering with preferred-agent and oldest-first
// tie-breaks, enforces capacity, and transitions the winning item to
// claimed. Returns a KindNoEligibleWork error if nothing is eligible.
func (k *Kernel) ClaimAs(agentID string, sel Selector) (string, error) {
	if agentID == "" {
		return "", usageErrorf("agent_id is required")
	}

	ctx, cancel := k.ctx()
	defer cancel()

	agents, err := k.store.ListAgents()
	if err != nil {
		return "", mapLockErr(err)
	}
	agent := findAgent(agents, agentID)
	if agent == nil {
		return "", usageErrorf("unknown agent_id %q", agentID)
	}

	var claimedID, traceID string
	var spanParent string

	err = k.store.WithWorkItems(ctx, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		inFlight := countInFlight(items, agentID)
		if inFlight >= agent.MaxConcurrentWork {
			return items, NewError(KindCapacityExceeded, fmt.Sprintf("agent %s already at max_concurrent_work=%d", agentID, agent.MaxConcurrentWork))
		}

		eligible := eligibleItems(items, agent, sel)
		if len(eligible) == 0 {
			return items, NewError(KindNoEligibleWork, "no eligible work for agent")
		}
		sortByPriorityThenAge(eligible, agentID)
		chosen := eligible[0]

		now := k.clock.NowNs()
		chosen.Status = types.WorkClaimed
		chosen.ClaimedBy = agentID
		chosen.ClaimedAtNs = now
		claimedID = chosen.WorkID
		traceID = chosen.TraceID
		return items, nil
	})
	if err != nil {
		return "", mapLockErr(err)
	}

	spanID := k.clock.NewSpanID().String()
	timer := k.telemetry.StartSpan(traceID, spanID, spanParent, "coordination.claim_as")
	timer.SetAttr("work_id", claimedID).SetAttr("agent_id", agentID)

	if err := k.recordEvent(ctx, types.EventClaimed, agentID, claimedID, map[string]string{"via": "claim_as"}); err != nil {
		timer.End(types.SpanError)
		return "", err
	}
	timer.End(types.SpanOK)

	return claimedID, nil
}

// Progress updates a claimed item's progress_pct (spec §4.4). The first
// call transitions claimed -> in_progress. pct must be non-decreasing;
// violating that returns KindMonotonicityViolation (I5). Only the
// current claimant may progress a work item; any other agentID returns
// KindNotClaimant.
func (k *Kernel) Progress(workID, agentID string, pct int, phase string) error {
	if pct < 0 || pct > 100 {
		return usageErrorf("pct must be in [0,100]")
	}

	ctx, cancel := k.ctx()
	defer cancel()

	var traceID string
	var attrs map[string]string

	err := k.store.WithWorkItems(ctx, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		item := findWork(items, workID)
		if item == nil {
			return items, usageErrorf("unknown work_id %q", workID)
		}
		if item.ClaimedBy != agentID {
			return items, NewError(KindNotClaimant, "only the current claimant may progress this work item").WithWorkID(workID).WithAgentID(agentID)
		}
		if pct < item.ProgressPct {
			return items, NewError(KindMonotonicityViolation, "progress_pct went backward").WithWorkID(workID)
		}
		now := k.clock.NowNs()
		if item.Status == types.WorkClaimed {
			item.Status = types.WorkInProgress
			item.StartedAtNs = now
		}
		item.ProgressPct = pct
		traceID = item.TraceID
		attrs = map[string]string{"progress_pct": fmt.Sprintf("%d", pct)}
		if phase != "" {
			attrs["phase"] = phase
		}
		return items, nil
	})
	if err != nil {
		return mapLockErr(err)
	}

	spanID := k.clock.NewSpanID().String()
	timer := k.telemetry.StartSpan(traceID, spanID, "", "coordination.progress")
	for key, val := range attrs {
		timer.SetAttr(key, val)
	}
	timer.SetAttr("work_id", workID)

	if err := k.recordEvent(ctx, types.EventProgressed, agentID, workID, attrs); err != nil {
		timer.End(types.SpanError)
		return err
	}
	timer.End(types.SpanOK)
	return nil
}

// Complete transitions a work item to completed and re-evaluates any
// dependents blocked on it (I4), all inside the same locked section
// (spec §4.4). Only the current claimant may complete a work item.
func (k *Kernel) Complete(workID, agentID, result string, score *int) error {
	ctx, cancel := k.ctx()
	defer cancel()

	var traceID string
	var durationNs int64
	var unblocked []string

	err := k.store.WithWorkItems(ctx, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		item := findWork(items, workID)
		if item == nil {
			return items, usageErrorf("unknown work_id %q", workID)
		}
		if item.Status == types.WorkCompleted || item.Status == types.WorkFailed {
			return items, NewError(KindMonotonicityViolation, "work item already terminal").WithWorkID(workID)
		}
		if item.ClaimedBy != agentID {
			return items, NewError(KindNotClaimant, "only the current claimant may complete this work item").WithWorkID(workID).WithAgentID(agentID)
		}

		now := k.clock.NowNs()
		item.Status = types.WorkCompleted
		item.CompletedAtNs = now
		item.Result = result
		item.Score = score
		if item.StartedAtNs != 0 {
			durationNs = now - item.StartedAtNs
		}
		traceID = item.TraceID

		for _, other := range items {
			if other.Status != types.WorkBlocked {
				continue
			}
			if other.HasDependency(workID) && allCompleted(items, other.DependsOn) {
				other.Status = types.WorkPending
				unblocked = append(unblocked, other.WorkID)
			}
		}
		return items, nil
	})
	if err != nil {
		return mapLockErr(err)
	}

	spanID := k.clock.NewSpanID().String()
	timer := k.telemetry.StartSpan(traceID, spanID, "", "coordination.complete")
	timer.SetAttr("work_id", workID)
	if durationNs > 0 {
		timer.SetAttr("duration_ns", fmt.Sprintf("%d", durationNs))
	}

	if err := k.recordEvent(ctx, types.EventCompleted, agentID, workID, map[string]string{"result": result}); err != nil {
		timer.End(types.SpanError)
		return err
	}
	for _, id := range unblocked {
		_ = k.recordEvent(ctx, types.EventProgressed, "", id, map[string]string{"unblocked_by": workID})
	}
	timer.End(types.SpanOK)
	return nil
}

// Fail returns a work item to pending by way of retrying (if retriable
// and under max_retries) or marks it failed (spec §4.4). Only the current claimant may
// fail a work item, except when agentID is empty — control loops such
// as the stale-claim reaper call Fail on behalf of an agent that has
// already lost its claim and so pass no agentID. A retriable fail that
// returns the item to pending emits a reassigned event, not failed
// (spec scenario S4); only a terminal fail emits failed.
func (k *Kernel) Fail(workID, agentID, reason string, retriable bool) error {
	ctx, cancel := k.ctx()
	defer cancel()

	var traceID string
	var finalStatus types.WorkStatus

	err := k.store.WithWorkItems(ctx, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		item := findWork(items, workID)
		if item == nil {
			return items, usageErrorf("unknown work_id %q", workID)
		}
		if agentID != "" && item.ClaimedBy != agentID {
			return items, NewError(KindNotClaimant, "only the current claimant may fail this work item").WithWorkID(workID).WithAgentID(agentID)
		}
		traceID = item.TraceID

		if retriable && item.RetryCount < k.cfg.MaxRetries {
			item.Status = types.WorkRetrying
			item.RetryCount++
			item.ClaimedBy = ""
			item.Status = types.WorkPending
			finalStatus = types.WorkPending
		} else {
			item.Status = types.WorkFailed
			finalStatus = types.WorkFailed
		}
		return items, nil
	})
	if err != nil {
		return mapLockErr(err)
	}

	spanID := k.clock.NewSpanID().String()
	timer := k.telemetry.StartSpan(traceID, spanID, "", "coordination.fail")
	timer.SetAttr("work_id", workID).SetAttr("reason", reason).SetAttr("retriable", fmt.Sprintf("%t", retriable))

	eventKind := types.EventFailed
	if finalStatus == types.WorkPending {
		eventKind = types.EventReassigned
	}
	if err := k.recordEvent(ctx, eventKind, agentID, workID, map[string]string{"reason": reason, "final_status": string(finalStatus)}); err != nil {
		timer.End(types.SpanError)
		return err
	}
	timer.End(types.SpanOK)
	return nil
}

// Heartbeat refreshes an agent's last_heartbeat_ns and promotes it out
// of unhealthy/recovering once a grace window elapses (spec §4.4).
func (k *Kernel) Heartbeat(agentID string) error {
	ctx, cancel := k.ctx()
	defer cancel()

	err := k.store.WithAgents(ctx, func(agents []*types.Agent) ([]*types.Agent, error) {
		agent := findAgent(agents, agentID)
		if agent == nil {
			return agents, usageErrorf("unknown agent_id %q", agentID)
		}
		now := k.clock.NowNs()
		const graceWindowNs = 30_000_000_000 // 30s, spec §4.4 default
		if agent.Status == types.AgentUnhealthy {
			agent.Status = types.AgentRecovering
		} else if agent.Status == types.AgentRecovering && now-agent.LastHeartbeatNs > graceWindowNs {
			agent.Status = types.AgentActive
		}
		agent.LastHeartbeatNs = now
		return agents, nil
	})
	if err != nil {
		return mapLockErr(err)
	}
	return nil
}

// MarkUnhealthy transitions an agent to unhealthy, independent of its own
// heartbeat call, for the health scan control loop to drive (spec §4.8).
func (k *Kernel) MarkUnhealthy(agentID string) error {
	ctx, cancel := k.ctx()
	defer cancel()

	err := k.store.WithAgents(ctx, func(agents []*types.Agent) ([]*types.Agent, error) {
		agent := findAgent(agents, agentID)
		if agent == nil {
			return agents, usageErrorf("unknown agent_id %q", agentID)
		}
		agent.Status = types.AgentUnhealthy
		return agents, nil
	})
	if err != nil {
		return mapLockErr(err)
	}

	return k.recordEvent(ctx, types.EventHealthReport, agentID, "", map[string]string{"status": string(types.AgentUnhealthy)})
}

// Reassign clears a work item's claim and either returns it to pending
// or claims it directly for newAgentID under the same lock (spec §4.4).
func (k *Kernel) Reassign(workID, newAgentID string) error {
	ctx, cancel := k.ctx()
	defer cancel()

	var traceID string
	err := k.store.WithWorkItems(ctx, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		item := findWork(items, workID)
		if item == nil {
			return items, usageErrorf("unknown work_id %q", workID)
		}
		traceID = item.TraceID
		item.ClaimedBy = ""
		item.Status = types.WorkPending

		if newAgentID != "" {
			item.Status = types.WorkClaimed
			item.ClaimedBy = newAgentID
			item.ClaimedAtNs = k.clock.NowNs()
		}
		return items, nil
	})
	if err != nil {
		return mapLockErr(err)
	}

	spanID := k.clock.NewSpanID().String()
	timer := k.telemetry.StartSpan(traceID, spanID, "", "coordination.reassign")
	timer.SetAttr("work_id", workID)

	if err := k.recordEvent(ctx, types.EventReassigned, newAgentID, workID, map[string]string{"new_agent_id": newAgentID}); err != nil {
		timer.End(types.SpanError)
		return err
	}
	timer.End(types.SpanOK)
	return nil
}

// Retarget moves a pending, unclaimed work item to a different team,
// for the rebalancer (spec §4.8). It refuses to touch a claimed or
// terminal item — only pending work is ever retargeted.
func (k *Kernel) Retarget(workID, newTeam string) error {
	ctx, cancel := k.ctx()
	defer cancel()

	err := k.store.WithWorkItems(ctx, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		item := findWork(items, workID)
		if item == nil {
			return items, usageErrorf("unknown work_id %q", workID)
		}
		if item.Status != types.WorkPending {
			return items, NewError(KindEligibilityViolation, "only pending work may be retargeted").WithWorkID(workID)
		}
		item.Team = newTeam
		return items, nil
	})
	if err != nil {
		return mapLockErr(err)
	}

	return k.recordEvent(ctx, types.EventReassigned, "", workID, map[string]string{"new_team": newTeam, "via": "rebalance"})
}

// ArchiveWorkItems removes the given terminal work items from the
// primary work_claims table, under the same lock that guards every
// other mutation, and records one archived event per item (spec §4.8).
// Callers are responsible for persisting the archived copies themselves
// before calling this.
func (k *Kernel) ArchiveWorkItems(workIDs []string) error {
	if len(workIDs) == 0 {
		return nil
	}
	ctx, cancel := k.ctx()
	defer cancel()

	remove := make(map[string]bool, len(workIDs))
	for _, id := range workIDs {
		remove[id] = true
	}

	err := k.store.WithWorkItems(ctx, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		kept := items[:0]
		for _, it := range items {
			if !remove[it.WorkID] {
				kept = append(kept, it)
			}
		}
		return kept, nil
	})
	if err != nil {
		return mapLockErr(err)
	}

	for _, id := range workIDs {
		if err := k.recordEvent(ctx, types.EventArchived, "", id, nil); err != nil {
			return err
		}
	}
	return nil
}

func validPriority(p types.Priority) bool {
	switch p {
	case types.PriorityCritical, types.PriorityHigh, types.PriorityMedium, types.PriorityLow:
		return true
	}
	return false
}

func allCompleted(items []*types.WorkItem, ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	byID := make(map[string]*types.WorkItem, len(items))
	for _, it := range items {
		byID[it.WorkID] = it
	}
	for _, id := range ids {
		dep, ok := byID[id]
		if !ok || dep.Status != types.WorkCompleted {
			return false
		}
	}
	return true
}

func findWork(items []*types.WorkItem, id string) *types.WorkItem {
	for _, it := range items {
		if it.WorkID == id {
			return it
		}
	}
	return nil
}

func findAgent(agents []*types.Agent, id string) *types.Agent {
	for _, a := range agents {
		if a.AgentID == id {
			return a
		}
	}
	return nil
}

func countInFlight(items []*types.WorkItem, agentID string) int {
	n := 0
	for _, it := range items {
		if it.ClaimedBy == agentID && (it.Status == types.WorkClaimed || it.Status == types.WorkInProgress) {
			n++
		}
	}
	return n
}

// eligibleItems returns pending items matching the agent's team and
// capabilities (I4, I7) and, if set, the selector's work_type/team.
func eligibleItems(items []*types.WorkItem, agent *types.Agent, sel Selector) []*types.WorkItem {
	var out []*types.WorkItem
	for _, it := range items {
		if it.Status != types.WorkPending {
			continue
		}
		if it.Team != "" && it.Team != agent.Team {
			continue
		}
		if !subsetOf(it.RequiredCapabilities, agent.Capabilities) {
			continue
		}
		if sel.WorkType != "" && it.WorkType != sel.WorkType {
			continue
		}
		if sel.Team != "" && it.Team != sel.Team {
			continue
		}
		out = append(out, it)
	}
	return out
}

func subsetOf(required, have []string) bool {
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

// sortByPriorityThenAge orders by critical>high>medium>low, oldest
// created_at_ns first, with the agent's own preferred item winning ties
// against equal-priority items (spec §4.4 step 2-3).
func sortByPriorityThenAge(items []*types.WorkItem, agentID string) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority.Less(b.Priority)
		}
		aPref := a.PreferredAgent == agentID
		bPref := b.PreferredAgent == agentID
		if aPref != bPref {
			return aPref
		}
		return a.CreatedAtNs < b.CreatedAtNs
	})
}
