package main

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/metrics"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// printJSONValue is the uniform read-projection output: every
// list/status command prints one JSON document to stdout (spec §4.9:
// "read projections (always lock-free)").
func printJSONValue(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var listWorkCmd = &cobra.Command{
	Use:   "list-work",
	Short: "List work items (lock-free read projection)",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		items, err := kc.store.ListWorkItems()
		if err != nil {
			return err
		}

		team, _ := cmd.Flags().GetString("team")
		status, _ := cmd.Flags().GetString("status")
		agent, _ := cmd.Flags().GetString("agent")

		var out []*types.WorkItem
		for _, it := range items {
			if team != "" && it.Team != team {
				continue
			}
			if status != "" && string(it.Status) != status {
				continue
			}
			if agent != "" && it.ClaimedBy != agent {
				continue
			}
			out = append(out, it)
		}
		return printJSONValue(out)
	},
}

func init() {
	listWorkCmd.Flags().String("team", "", "filter by team")
	listWorkCmd.Flags().String("status", "", "filter by status")
	listWorkCmd.Flags().String("agent", "", "filter by claiming agent_id")
}

var listAgentsCmd = &cobra.Command{
	Use:   "list-agents",
	Short: "List agents (lock-free read projection)",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		agents, err := kc.store.ListAgents()
		if err != nil {
			return err
		}

		team, _ := cmd.Flags().GetString("team")
		status, _ := cmd.Flags().GetString("status")

		var out []*types.Agent
		for _, a := range agents {
			if team != "" && a.Team != team {
				continue
			}
			if status != "" && string(a.Status) != status {
				continue
			}
			out = append(out, a)
		}
		return printJSONValue(out)
	},
}

func init() {
	listAgentsCmd.Flags().String("team", "", "filter by team")
	listAgentsCmd.Flags().String("status", "", "filter by status")
}

// dashboardView is the dashboard read projection's output shape (spec
// §4.9): counts by status/team/priority, the oldest in-progress items,
// and the latest health report if one exists.
type dashboardView struct {
	WorkByStatus     map[string]int          `json:"work_by_status"`
	WorkByTeam       map[string]int          `json:"work_by_team"`
	WorkByPriority   map[string]int          `json:"work_by_priority"`
	OldestInProgress []*types.WorkItem       `json:"oldest_in_progress"`
	Health           *types.HealthReport     `json:"health,omitempty"`
	Subsystems       metrics.SubsystemStatus `json:"subsystems"`
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Counts by status/team/priority, oldest in-progress items, health score",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		items, err := kc.store.ListWorkItems()
		if err != nil {
			return err
		}

		view := dashboardView{
			WorkByStatus:   map[string]int{},
			WorkByTeam:     map[string]int{},
			WorkByPriority: map[string]int{},
		}
		var inProgress []*types.WorkItem
		for _, it := range items {
			view.WorkByStatus[string(it.Status)]++
			if it.Team != "" {
				view.WorkByTeam[it.Team]++
			}
			view.WorkByPriority[string(it.Priority)]++
			if it.Status == types.WorkInProgress {
				inProgress = append(inProgress, it)
			}
		}
		sort.Slice(inProgress, func(i, j int) bool { return inProgress[i].StartedAtNs < inProgress[j].StartedAtNs })
		topN, _ := cmd.Flags().GetInt("top")
		if len(inProgress) > topN {
			inProgress = inProgress[:topN]
		}
		view.OldestInProgress = inProgress

		health, err := kc.store.ReadHealthReport()
		if err == nil {
			view.Health = health
		}

		metrics.NewCollector(kc.store).Collect()
		view.Subsystems = metrics.Status()

		return printJSONValue(view)
	},
}

func init() {
	dashboardCmd.Flags().Int("top", 10, "number of oldest in-progress items to include")
}

var swarmStatusCmd = &cobra.Command{
	Use:   "swarm-status",
	Short: "Per-agent and per-team health, load, throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		health, err := kc.store.ReadHealthReport()
		if err != nil {
			return err
		}

		metrics.NewCollector(kc.store).Collect()

		if health == nil {
			return printJSONValue(map[string]any{"status": "no health-scan has run yet", "subsystems": metrics.Status()})
		}
		return printJSONValue(struct {
			*types.HealthReport
			Subsystems metrics.SubsystemStatus `json:"subsystems"`
		}{health, metrics.Status()})
	},
}

// telemetryStatsView summarizes the telemetry journal over a window
// (spec §4.9): spans/min, error rate, top operations by count.
type telemetryStatsView struct {
	Window        string         `json:"window"`
	TotalSpans    int            `json:"total_spans"`
	SpansPerMin   float64        `json:"spans_per_min"`
	ErrorRate     float64        `json:"error_rate"`
	TopOperations map[string]int `json:"top_operations"`
}

var telemetryStatsCmd = &cobra.Command{
	Use:   "telemetry-stats",
	Short: "Telemetry journal summary: spans/min, error rate, top operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		spans, err := kc.store.ReadSpans()
		if err != nil {
			return err
		}

		windowStr, _ := cmd.Flags().GetString("window")
		cutoff := int64(0)
		now := kc.clock.NowNs()
		switch windowStr {
		case "24h":
			cutoff = now - (24 * time.Hour).Nanoseconds()
		case "7d":
			cutoff = now - (7 * 24 * time.Hour).Nanoseconds()
		case "all", "":
			cutoff = 0
		default:
			return kernel.NewError(kernel.KindUsageError, "window must be one of 24h|7d|all")
		}

		view := telemetryStatsView{Window: windowStr, TopOperations: map[string]int{}}
		var errored int
		var earliest, latest int64
		for _, s := range spans {
			if s.StartTimeNs < cutoff {
				continue
			}
			view.TotalSpans++
			view.TopOperations[s.OperationName]++
			if s.Status == types.SpanError {
				errored++
			}
			if earliest == 0 || s.StartTimeNs < earliest {
				earliest = s.StartTimeNs
			}
			if s.StartTimeNs > latest {
				latest = s.StartTimeNs
			}
		}
		if view.TotalSpans > 0 {
			view.ErrorRate = float64(errored) / float64(view.TotalSpans)
			spanMinutes := float64(latest-earliest) / float64(time.Minute.Nanoseconds())
			if spanMinutes > 0 {
				view.SpansPerMin = float64(view.TotalSpans) / spanMinutes
			}
		}
		return printJSONValue(view)
	},
}

func init() {
	telemetryStatsCmd.Flags().String("window", "all", "time window: 24h, 7d, or all")
}
