// Package telemetry implements the span emitter (spec §4.6): the
// kernel's Register, Claim, ClaimAs, Progress, Complete, Fail and
// Reassign calls and every control-loop cycle each produce one
// OpenTelemetry-shaped span, appended to the telemetry journal.
// Heartbeat, MarkUnhealthy, Retarget, ArchiveWorkItems and ClaimFast
// emit no span.
package telemetry

import (
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// criticalOps are always sampled regardless of the configured rate
// (spec §4.6: "critical operations ... are always sampled regardless").
var criticalOps = map[string]bool{
	"coordination.complete":       true,
	"coordination.fail":          true,
	"control.health_scan":        true,
	"control.corruption_detected": true,
}

// Emitter appends telemetry spans to the journal, applying a per-trace
// head sampling decision at span creation.
type Emitter struct {
	store       *storage.Store
	clock       *clock.Clock
	log         zerolog.Logger
	sampleRate  float64
	serviceName string
	serviceVer  string
}

// New returns an Emitter. sampleRate is the fraction of non-critical
// traces sampled (spec env var TELEMETRY_SAMPLE_RATE).
func New(store *storage.Store, clk *clock.Clock, log zerolog.Logger, sampleRate float64, serviceName, serviceVersion string) *Emitter {
	return &Emitter{
		store:       store,
		clock:       clk,
		log:         log,
		sampleRate:  sampleRate,
		serviceName: serviceName,
		serviceVer:  serviceVersion,
	}
}

// sampled is a per-trace head-sampling decision: deterministic on
// traceID, so every span within one trace is sampled or dropped
// together, matching spec's "head sampler (per-trace decision at
// creation)".
func (e *Emitter) sampled(traceID, operation string) bool {
	if criticalOps[operation] || e.sampleRate >= 1.0 {
		return true
	}
	if e.sampleRate <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(traceID))
	frac := float64(h.Sum32()%10000) / 10000.0
	return frac < e.sampleRate
}

// Span describes one completed operation to record.
type Span struct {
	TraceID       string
	SpanID        string
	ParentSpanID  string
	OperationName string
	StartTimeNs   int64
	DurationNs    int64
	Status        types.SpanStatus
	Attributes    map[string]string
}

// Emit appends a span if the per-trace sampling decision keeps it.
// Telemetry write errors are logged, never returned: observability is
// best-effort and must never fail the kernel operation it describes
// (spec §4.6).
func (e *Emitter) Emit(s Span) {
	if !e.sampled(s.TraceID, s.OperationName) {
		return
	}
	span := &types.TelemetrySpan{
		TraceID:       s.TraceID,
		SpanID:        s.SpanID,
		ParentSpanID:  s.ParentSpanID,
		OperationName: s.OperationName,
		StartTimeNs:   s.StartTimeNs,
		DurationNs:    s.DurationNs,
		Status:        s.Status,
		Attributes:    s.Attributes,
		Service: types.ServiceInfo{
			Name:    e.serviceName,
			Version: e.serviceVer,
		},
	}
	if err := e.store.AppendSpan(span); err != nil {
		e.log.Error().Err(err).Str("operation", s.OperationName).Msg("telemetry append failed")
	}
}

// Timer measures one operation's wall-clock duration and emits the
// resulting span on End, the same shape as the teacher's
// metrics.Timer/ObserveDuration helper.
type Timer struct {
	emitter   *Emitter
	traceID   string
	spanID    string
	parent    string
	operation string
	attrs     map[string]string
	startNs   int64
	started   time.Time
}

// StartSpan begins timing operation within trace/span/parent ids.
func (e *Emitter) StartSpan(traceID, spanID, parentSpanID, operation string) *Timer {
	return &Timer{
		emitter:   e,
		traceID:   traceID,
		spanID:    spanID,
		parent:    parentSpanID,
		operation: operation,
		attrs:     map[string]string{},
		startNs:   e.clock.NowNs(),
		started:   time.Now(),
	}
}

// SetAttr records a string attribute on the span.
func (t *Timer) SetAttr(key, value string) *Timer {
	t.attrs[key] = value
	return t
}

// End emits the span with the given status and the elapsed duration
// since StartSpan.
func (t *Timer) End(status types.SpanStatus) {
	t.emitter.Emit(Span{
		TraceID:       t.traceID,
		SpanID:        t.spanID,
		ParentSpanID:  t.parent,
		OperationName: t.operation,
		StartTimeNs:   t.startNs,
		DurationNs:    time.Since(t.started).Nanoseconds(),
		Status:        status,
		Attributes:    t.attrs,
	})
}
