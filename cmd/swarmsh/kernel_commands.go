package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var registerCmd = &cobra.Command{
	Use:   "register <team> <specialization>",
	Short: "Register a new agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		capacity, _ := cmd.Flags().GetInt("capacity")
		caps, _ := cmd.Flags().GetString("capabilities")

		agentID, err := kc.kernel.Register(args[0], args[1], capacity, 0, splitCSV(caps))
		if err != nil {
			return err
		}
		fmt.Println(agentID)
		return nil
	},
}

func init() {
	registerCmd.Flags().Int("capacity", 1, "agent capacity")
	registerCmd.Flags().String("capabilities", "", "comma-separated capability list")
}

func claimParamsFromArgs(cmd *cobra.Command, args []string) (kernel.ClaimParams, error) {
	priority := types.Priority(args[2])
	team, _ := cmd.Flags().GetString("team")
	requires, _ := cmd.Flags().GetString("requires")
	dependsOn, _ := cmd.Flags().GetString("depends-on")
	preferred, _ := cmd.Flags().GetString("preferred-agent")

	return kernel.ClaimParams{
		WorkType:             args[0],
		Description:          args[1],
		Priority:             priority,
		Team:                 team,
		RequiredCapabilities: splitCSV(requires),
		DependsOn:            splitCSV(dependsOn),
		PreferredAgent:       preferred,
	}, nil
}

func addClaimFlags(cmd *cobra.Command) {
	cmd.Flags().String("team", "", "restrict to a team")
	cmd.Flags().String("requires", "", "comma-separated required capabilities")
	cmd.Flags().String("depends-on", "", "comma-separated work_id dependencies")
	cmd.Flags().String("preferred-agent", "", "preferred agent_id")
}

var claimCmd = &cobra.Command{
	Use:   "claim <work_type> <description> <priority>",
	Short: "Create a new work item",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		p, err := claimParamsFromArgs(cmd, args)
		if err != nil {
			return err
		}
		workID, err := kc.kernel.Claim(p)
		if err != nil {
			return err
		}
		fmt.Println(workID)
		return nil
	},
}

var claimFastCmd = &cobra.Command{
	Use:   "claim-fast <work_type> <description> <priority>",
	Short: "Create a work item through the fast-path claim log",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		p, err := claimParamsFromArgs(cmd, args)
		if err != nil {
			return err
		}
		agentID, _ := cmd.Flags().GetString("as-agent")
		workID, err := kc.kernel.ClaimFast(p, agentID)
		if err != nil {
			return err
		}
		fmt.Println(workID)
		return nil
	},
}

func init() {
	addClaimFlags(claimCmd)
	addClaimFlags(claimFastCmd)
	claimFastCmd.Flags().String("as-agent", "", "agent_id submitting this fast-path claim")
}

var progressCmd = &cobra.Command{
	Use:   "progress <work_id> <pct> [phase]",
	Short: "Report progress on a claimed work item",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		pct, err := strconv.Atoi(args[1])
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, "pct must be an integer")
		}
		phase := ""
		if len(args) == 3 {
			phase = args[2]
		}
		agentID, _ := cmd.Flags().GetString("as-agent")
		return kc.kernel.Progress(args[0], agentID, pct, phase)
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <work_id> <result> [score]",
	Short: "Mark a work item complete",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		var score *int
		if len(args) == 3 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				return kernel.NewError(kernel.KindUsageError, "score must be an integer")
			}
			score = &n
		}
		agentID, _ := cmd.Flags().GetString("as-agent")
		return kc.kernel.Complete(args[0], agentID, args[1], score)
	},
}

var failCmd = &cobra.Command{
	Use:   "fail <work_id> <reason>",
	Short: "Mark a work item failed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		retriable, _ := cmd.Flags().GetBool("retriable")
		agentID, _ := cmd.Flags().GetString("as-agent")
		return kc.kernel.Fail(args[0], agentID, args[1], retriable)
	},
}

func init() {
	failCmd.Flags().Bool("retriable", false, "allow this failure to retry up to max_retries")
	progressCmd.Flags().String("as-agent", "", "claimant agent_id")
	completeCmd.Flags().String("as-agent", "", "claimant agent_id")
	failCmd.Flags().String("as-agent", "", "claimant agent_id")
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <agent_id>",
	Short: "Refresh an agent's heartbeat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()
		return kc.kernel.Heartbeat(args[0])
	},
}

var reassignCmd = &cobra.Command{
	Use:   "reassign <work_id> [new_agent_id]",
	Short: "Clear a claim or hand it directly to another agent",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		newAgent := ""
		if len(args) == 2 {
			newAgent = args[1]
		}
		return kc.kernel.Reassign(args[0], newAgent)
	},
}
