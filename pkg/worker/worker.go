// Package worker implements the worker runtime (spec §4.9): a process
// that registers as an agent, heartbeats on its own schedule, and runs
// up to max_concurrent_work claimed items at once through a pluggable
// Handler, each in its own cancelable goroutine — the same
// map-of-cancelFuncs shape the teacher's HealthMonitor uses to track
// per-task health check goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/swarmsh/swarmsh/pkg/kernel"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// ProgressFunc lets a Handler report incremental progress back through
// the kernel while it runs.
type ProgressFunc func(pct int, phase string) error

// Handler executes one claimed work item and returns its result. ctx is
// canceled if the worker is stopped.
type Handler interface {
	Execute(ctx context.Context, item *types.WorkItem, progress ProgressFunc) (result string, score *int, err error)
}

// Config configures one Worker instance.
type Config struct {
	Team              string
	Specialization    string
	Capacity          int
	MaxConcurrentWork int
	Capabilities      []string
	WorkType          string // optional claim_as selector narrowing
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Worker runs the claim/execute/complete loop for one agent identity.
type Worker struct {
	kernel  *kernel.Kernel
	handler Handler
	cfg     Config
	log     zerolog.Logger

	agentID string

	mu     sync.Mutex
	active map[string]context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Worker. It does not register or start until Run is
// called.
func New(k *kernel.Kernel, handler Handler, cfg Config, log zerolog.Logger) *Worker {
	if cfg.MaxConcurrentWork < 1 {
		cfg.MaxConcurrentWork = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Worker{
		kernel:  k,
		handler: handler,
		cfg:     cfg,
		log:     log,
		active:  make(map[string]context.CancelFunc),
	}
}

// AgentID returns the registered agent_id, valid once Run has started.
func (w *Worker) AgentID() string { return w.agentID }

// Run registers the agent and blocks, claiming and executing work,
// until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	agentID, err := w.kernel.Register(w.cfg.Team, w.cfg.Specialization, w.cfg.Capacity, w.cfg.MaxConcurrentWork, w.cfg.Capabilities)
	if err != nil {
		return err
	}
	w.agentID = agentID
	w.log = w.log.With().Str("agent_id", agentID).Logger()
	w.log.Info().Msg("worker registered")

	w.stopCh = make(chan struct{})
	w.wg.Add(2)
	go w.heartbeatLoop(ctx)
	go w.claimLoop(ctx)

	<-ctx.Done()
	close(w.stopCh)

	w.mu.Lock()
	for _, cancel := range w.active {
		cancel()
	}
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.kernel.Heartbeat(w.agentID); err != nil {
				w.log.Error().Err(err).Msg("heartbeat failed")
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.fillCapacity(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// fillCapacity claims items one at a time until max_concurrent_work is
// reached or no eligible work remains.
func (w *Worker) fillCapacity(ctx context.Context) {
	for {
		w.mu.Lock()
		n := len(w.active)
		w.mu.Unlock()
		if n >= w.cfg.MaxConcurrentWork {
			return
		}

		workID, err := w.kernel.ClaimAs(w.agentID, kernel.Selector{WorkType: w.cfg.WorkType})
		if err != nil {
			var kerr *kernel.Error
			if errors.As(err, &kerr) && kerr.Kind == kernel.KindNoEligibleWork {
				return
			}
			w.log.Error().Err(err).Msg("claim_as failed")
			return
		}

		itemCtx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.active[workID] = cancel
		w.mu.Unlock()

		w.wg.Add(1)
		go w.execute(itemCtx, workID)
	}
}

func (w *Worker) execute(ctx context.Context, workID string) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.active, workID)
		w.mu.Unlock()
	}()

	item := &types.WorkItem{WorkID: workID}
	progress := func(pct int, phase string) error {
		return w.kernel.Progress(workID, w.agentID, pct, phase)
	}

	result, score, err := w.handler.Execute(ctx, item, progress)
	if err != nil {
		retriable := !errors.Is(err, context.Canceled)
		if failErr := w.kernel.Fail(workID, w.agentID, err.Error(), retriable); failErr != nil {
			w.log.Error().Err(failErr).Str("work_id", workID).Msg("failed to record failure")
		}
		return
	}

	if err := w.kernel.Complete(workID, w.agentID, result, score); err != nil {
		w.log.Error().Err(err).Str("work_id", workID).Msg("failed to record completion")
	}
}
