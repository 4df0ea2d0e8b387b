package kernel

import (
	"github.com/swarmsh/swarmsh/pkg/storage"
)

// ClaimFast appends a single-line claim intent to the bounded
// append-only fast-path log and returns immediately with a provisional
// work_id (spec §4.5). The record is not yet visible in work_claims;
// ReplayFastPath, run by the compactor, replays it into the primary
// table later.
func (k *Kernel) ClaimFast(p ClaimParams, agentID string) (string, error) {
	if p.WorkType == "" || p.Description == "" {
		return "", usageErrorf("work_type and description are required")
	}
	if !validPriority(p.Priority) {
		return "", usageErrorf("invalid priority %q", p.Priority)
	}

	workID := k.clock.NewID("workfp")
	rec := &storage.FastPathClaim{
		ProvisionalWorkID:    workID,
		WorkType:             p.WorkType,
		Description:          p.Description,
		Priority:             p.Priority,
		Team:                 p.Team,
		RequiredCapabilities: p.RequiredCapabilities,
		PreferredAgent:       p.PreferredAgent,
		DependsOn:            p.DependsOn,
		AgentID:              agentID,
		TraceID:              k.clock.NewTraceID().String(),
		SubmittedAtNs:        k.clock.NowNs(),
	}
	if err := k.store.AppendFastPathClaim(rec); err != nil {
		return "", mapLockErr(err)
	}
	return workID, nil
}

// ReplayResult summarizes one compaction pass over the fast-path log.
type ReplayResult struct {
	Replayed int
	Rejected []RejectedClaim
}

// RejectedClaim records why a fast-path entry failed replay (spec §4.5:
// "items that violate an invariant on replay are rejected with a logged
// reason").
type RejectedClaim struct {
	ProvisionalWorkID string
	Reason            string
}

// ReplayFastPath replays the fast-path log into work_claims in order,
// through the same Claim/ClaimAs path as any other caller so every
// invariant is re-checked. A record that replays successfully is a
// work item now and is dropped from the log for good, so a record is
// claimed at most once (spec §8 P7); only records rejected this pass
// stay in the log, bounded to the configured most-recent suffix so a
// poison record can't grow it unbounded (spec §4.5/§4.8).
func (k *Kernel) ReplayFastPath(retain int) (*ReplayResult, error) {
	recs, err := k.store.ReadFastPathClaims()
	if err != nil {
		return nil, mapLockErr(err)
	}

	result := &ReplayResult{}
	var unreplayed []*storage.FastPathClaim
	for _, rec := range recs {
		workID, err := k.Claim(ClaimParams{
			WorkType:             rec.WorkType,
			Description:          rec.Description,
			Priority:             rec.Priority,
			Team:                 rec.Team,
			RequiredCapabilities: rec.RequiredCapabilities,
			PreferredAgent:       rec.PreferredAgent,
			DependsOn:            rec.DependsOn,
		})
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedClaim{
				ProvisionalWorkID: rec.ProvisionalWorkID,
				Reason:            err.Error(),
			})
			unreplayed = append(unreplayed, rec)
			continue
		}
		if rec.AgentID != "" {
			if _, err := k.ClaimAs(rec.AgentID, Selector{WorkType: rec.WorkType, Team: rec.Team}); err != nil {
				// the item was still created above; it just stays
				// pending for a regular claim_as to pick up later.
				k.log.Debug().Str("work_id", workID).Err(err).Msg("fast-path preferred-agent claim deferred")
			}
		}
		result.Replayed++
	}

	if retain < 0 {
		retain = 0
	}
	if len(unreplayed) > retain {
		unreplayed = unreplayed[len(unreplayed)-retain:]
	}
	if err := k.store.RewriteFastPathClaims(unreplayed); err != nil {
		return result, mapLockErr(err)
	}

	return result, nil
}
