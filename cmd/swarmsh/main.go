// Command swarmsh is the coordination kernel's operator dispatcher
// (spec §4.9/§6): one binary exposing register/claim/claim-fast/
// progress/complete/fail/heartbeat/reassign, the read projections, and
// manual/daemon triggers for the four control loops.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/config"
	"github.com/swarmsh/swarmsh/pkg/events"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/log"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "swarmsh",
	Short:   "swarmsh is a file-backed multi-agent work coordination kernel",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("swarmsh version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(claimFastCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(failCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(reassignCmd)

	rootCmd.AddCommand(listWorkCmd)
	rootCmd.AddCommand(listAgentsCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(swarmStatusCmd)
	rootCmd.AddCommand(telemetryStatsCmd)

	rootCmd.AddCommand(healthScanCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(rebalanceCmd)
	rootCmd.AddCommand(reapStaleCmd)
	rootCmd.AddCommand(controldCmd)

	rootCmd.AddCommand(agentCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// exitCodeFor maps a returned error to the CLI exit code contract (spec
// §6/§7): 0 success, 1 non-retriable, 2 retriable, 3 usage error.
func exitCodeFor(err error) int {
	var kerr *kernel.Error
	if errors.As(err, &kerr) {
		return kerr.ExitCode
	}
	return 3
}

// kernelCtx bundles everything a command needs to construct a Kernel,
// built fresh per invocation since swarmsh is a one-shot CLI (spec §5:
// each worker/CLI invocation is its own OS process).
type kernelCtx struct {
	cfg    config.Config
	store  *storage.Store
	clock  *clock.Clock
	kernel *kernel.Kernel
	broker *events.Broker
	tel    *telemetry.Emitter
}

// emitter returns the Emitter shared with the Kernel, for control-loop
// commands that need to start their own spans (e.g. control.health_scan).
func (k *kernelCtx) emitter() *telemetry.Emitter { return k.tel }

func newKernelCtx() (*kernelCtx, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.CoordinationDir, cfg.LockMode, cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	clk := clock.New()
	broker := events.NewBroker()
	broker.Start()
	em := telemetry.New(store, clk, log.Logger, cfg.TelemetrySampleRate, cfg.ServiceName, cfg.ServiceVersion)
	k := kernel.New(store, clk, em, broker, cfg, log.Logger)
	return &kernelCtx{cfg: cfg, store: store, clock: clk, kernel: k, broker: broker, tel: em}, nil
}

func (k *kernelCtx) Close() {
	k.broker.Stop()
}
