package control

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoopRunsUntilStopped(t *testing.T) {
	var calls int32
	loop := NewLoop("test", 10*time.Millisecond, zerolog.Nop(), func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	loop.Start()
	time.Sleep(55 * time.Millisecond)
	loop.Stop()

	seenAtStop := atomic.LoadInt32(&calls)
	assert.GreaterOrEqual(t, seenAtStop, int32(3))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seenAtStop, atomic.LoadInt32(&calls), "no further ticks after Stop")
}

func TestLoopSurvivesCycleError(t *testing.T) {
	var calls int32
	loop := NewLoop("test", 10*time.Millisecond, zerolog.Nop(), func() error {
		atomic.AddInt32(&calls, 1)
		return assert.AnError
	})

	loop.Start()
	time.Sleep(35 * time.Millisecond)
	loop.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2), "an erroring cycle must not stop the ticker")
}
