package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/log"
	"github.com/swarmsh/swarmsh/pkg/worker"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a worker agent process",
}

func init() {
	agentCmd.AddCommand(agentRunCmd)
	agentRunCmd.Flags().String("team", "", "agent team")
	agentRunCmd.Flags().String("specialization", "general", "agent specialization")
	agentRunCmd.Flags().Int("capacity", 1, "agent capacity")
	agentRunCmd.Flags().Int("max-concurrent-work", 1, "maximum concurrently claimed work items")
	agentRunCmd.Flags().String("capabilities", "", "comma-separated capability list")
	agentRunCmd.Flags().String("work-type", "", "restrict claim_as to a single work_type")
}

// agentRunCmd registers an agent and runs the worker loop (SPEC_FULL.md
// supplemented feature: spec.md §4.7 describes the worker runtime but
// leaves its process entry point unspecified). EchoHandler is the demo
// handler wired in for local smoke-testing; a real deployment would
// swap in a domain-specific worker.Handler.
var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register as an agent and run the claim/execute/complete loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		team, _ := cmd.Flags().GetString("team")
		specialization, _ := cmd.Flags().GetString("specialization")
		capacity, _ := cmd.Flags().GetInt("capacity")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent-work")
		caps, _ := cmd.Flags().GetString("capabilities")
		workType, _ := cmd.Flags().GetString("work-type")

		w := worker.New(kc.kernel, worker.NewEchoHandler(), worker.Config{
			Team:              team,
			Specialization:    specialization,
			Capacity:          capacity,
			MaxConcurrentWork: maxConcurrent,
			Capabilities:      splitCSV(caps),
			WorkType:          workType,
			PollInterval:      kc.cfg.PollInterval,
			HeartbeatInterval: kc.cfg.HeartbeatInterval,
		}, log.WithComponent("worker"))

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return w.Run(ctx)
	},
}
