package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmsh/swarmsh/pkg/types"
)

// EchoHandler is a demonstration Handler: it reports progress at fixed
// steps and completes with a result string describing the item it
// processed. Intended for smoke-testing a swarm without any real
// workload plugged in.
type EchoHandler struct {
	StepDelay time.Duration
}

// NewEchoHandler builds an EchoHandler with a default step delay.
func NewEchoHandler() *EchoHandler {
	return &EchoHandler{StepDelay: 200 * time.Millisecond}
}

func (h *EchoHandler) Execute(ctx context.Context, item *types.WorkItem, progress ProgressFunc) (string, *int, error) {
	steps := []int{25, 50, 75, 100}
	for _, pct := range steps {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(h.StepDelay):
		}
		if err := progress(pct, fmt.Sprintf("step_%d", pct)); err != nil {
			return "", nil, err
		}
	}
	score := 100
	return fmt.Sprintf("echoed work_id=%s", item.WorkID), &score, nil
}
