package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/swarmsh/swarmsh/pkg/control"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/log"
	"github.com/swarmsh/swarmsh/pkg/metrics"
)

func (k *kernelCtx) healthScan() *control.HealthScan {
	return control.NewHealthScan(k.store, k.kernel, k.clock, k.emitter(), log.WithComponent("health_scan"), control.DefaultHealthScanConfig(), int64(k.cfg.HeartbeatInterval))
}

func (k *kernelCtx) compactor() *control.Compactor {
	return control.NewCompactor(k.store, k.kernel, k.clock, k.emitter(), log.WithComponent("compactor"), k.cfg.FastPathRetain, k.cfg.JournalSegmentSize, k.cfg.ArchiveRetention)
}

func (k *kernelCtx) rebalancer() *control.Rebalancer {
	return control.NewRebalancer(k.store, k.kernel, k.clock, k.emitter(), log.WithComponent("rebalancer"))
}

func (k *kernelCtx) reaper() *control.StaleClaimReaper {
	return control.NewStaleClaimReaper(k.store, k.kernel, k.clock, k.emitter(), log.WithComponent("reaper"), k.cfg.StaleClaimTimeout)
}

var healthScanCmd = &cobra.Command{
	Use:   "health-scan",
	Short: "Manually trigger one health scan cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()
		return kc.healthScan().Run()
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Manually trigger one compaction cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()
		return kc.compactor().Run()
	},
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Manually trigger one rebalance cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()
		actions, err := kc.rebalancer().Run()
		if err != nil {
			return err
		}
		return printJSONValue(actions)
	},
}

var reapStaleCmd = &cobra.Command{
	Use:   "reap-stale",
	Short: "Manually trigger one stale-claim reap cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()
		n, err := kc.reaper().Run()
		if err != nil {
			return err
		}
		return printJSONValue(map[string]int{"reaped": n})
	},
}

// controldCmd runs all four control loops on their own ticker intervals
// until interrupted, the long-running daemon form of the one-shot
// triggers above (SPEC_FULL.md's supplemented features).
var controldCmd = &cobra.Command{
	Use:   "controld",
	Short: "Run the health-scan, compactor, rebalancer, and stale-claim reaper loops continuously",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := newKernelCtx()
		if err != nil {
			return kernel.NewError(kernel.KindUsageError, err.Error())
		}
		defer kc.Close()

		metrics.SetVersion(Version)
		collector := metrics.NewCollector(kc.store)
		collector.Start()
		defer collector.Stop()

		healthLoop := control.NewLoop("health_scan", kc.cfg.HeartbeatInterval, log.WithComponent("health_scan"), kc.healthScan().Run)
		compactLoop := control.NewLoop("compactor", kc.cfg.PollInterval*10, log.WithComponent("compactor"), kc.compactor().Run)
		rebalanceLoop := control.NewLoop("rebalancer", kc.cfg.PollInterval*5, log.WithComponent("rebalancer"), func() error {
			_, err := kc.rebalancer().Run()
			return err
		})
		reapLoop := control.NewLoop("reaper", kc.cfg.StaleClaimTimeout/2, log.WithComponent("reaper"), func() error {
			_, err := kc.reaper().Run()
			return err
		})

		healthLoop.Start()
		compactLoop.Start()
		rebalanceLoop.Start()
		reapLoop.Start()
		log.Info("controld started all four control loops")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		healthLoop.Stop()
		compactLoop.Stop()
		rebalanceLoop.Stop()
		reapLoop.Stop()
		return nil
	},
}
