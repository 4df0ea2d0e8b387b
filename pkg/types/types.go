// Package types holds the coordination kernel's data model: agents, work
// items, coordination events, and telemetry spans.
package types

// Agent is an autonomous worker process registered with the kernel.
type Agent struct {
	AgentID           string       `json:"agent_id"`
	Team              string       `json:"team"`
	Specialization    string       `json:"specialization"`
	Capacity          int          `json:"capacity"`
	MaxConcurrentWork int          `json:"max_concurrent_work"`
	Status            AgentStatus  `json:"status"`
	LastHeartbeatNs   int64        `json:"last_heartbeat_ns"`
	Capabilities      []string     `json:"capabilities"`
	CreatedAtNs       int64        `json:"created_at_ns"`
}

// AgentStatus is the agent lifecycle state.
type AgentStatus string

const (
	AgentPending    AgentStatus = "pending"
	AgentActive     AgentStatus = "active"
	AgentDegraded   AgentStatus = "degraded"
	AgentUnhealthy  AgentStatus = "unhealthy"
	AgentRecovering AgentStatus = "recovering"
	AgentShutdown   AgentStatus = "shutdown"
)

// Priority orders claim eligibility: critical > high > medium > low.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank gives a lower-is-more-urgent ordinal for sorting the
// eligible set in claim_as.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Less reports whether p is strictly more urgent than other.
func (p Priority) Less(other Priority) bool {
	return p.rank() < other.rank()
}

// WorkStatus is the work item lifecycle state.
type WorkStatus string

const (
	WorkPending    WorkStatus = "pending"
	WorkBlocked    WorkStatus = "blocked"
	WorkClaimed    WorkStatus = "claimed"
	WorkInProgress WorkStatus = "in_progress"
	WorkCompleted  WorkStatus = "completed"
	WorkFailed     WorkStatus = "failed"
	WorkRetrying   WorkStatus = "retrying"
)

// WorkItem is a unit of work claimable by one agent at a time.
type WorkItem struct {
	WorkID               string     `json:"work_id"`
	WorkType             string     `json:"work_type"`
	Description          string     `json:"description"`
	Priority             Priority   `json:"priority"`
	Team                 string     `json:"team,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	PreferredAgent       string     `json:"preferred_agent,omitempty"`
	DependsOn            []string   `json:"depends_on,omitempty"`
	Status               WorkStatus `json:"status"`
	ClaimedBy            string     `json:"claimed_by,omitempty"`
	ClaimedAtNs          int64      `json:"claimed_at_ns,omitempty"`
	StartedAtNs          int64      `json:"started_at_ns,omitempty"`
	CompletedAtNs        int64      `json:"completed_at_ns,omitempty"`
	ProgressPct          int        `json:"progress_pct"`
	Result               string     `json:"result,omitempty"`
	Score                *int       `json:"score,omitempty"`
	RetryCount           int        `json:"retry_count"`
	TraceID              string     `json:"trace_id"`
	CreatedAtNs          int64      `json:"created_at_ns"`

	// Provisional marks an item folded in from the unreplayed fast-path
	// suffix, for readers to label clearly. No code in this repository
	// folds fast-path records into a view, so nothing sets it.
	Provisional bool `json:"provisional,omitempty"`
}

// HasDependency reports whether id appears in the item's depends_on set.
func (w *WorkItem) HasDependency(id string) bool {
	for _, d := range w.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// EventKind enumerates CoordinationEvent.Kind values.
type EventKind string

const (
	EventRegistered  EventKind = "registered"
	EventClaimed     EventKind = "claimed"
	EventProgressed  EventKind = "progressed"
	EventCompleted   EventKind = "completed"
	EventFailed      EventKind = "failed"
	EventReassigned  EventKind = "reassigned"
	EventArchived    EventKind = "archived"
	EventHealthReport EventKind = "health_report"
	EventCompacted   EventKind = "compacted"
	EventCorruption  EventKind = "corruption_detected"
)

// CoordinationEvent is an append-only authoritative record of a state
// transition.
type CoordinationEvent struct {
	EventID      string            `json:"event_id"`
	TimestampNs  int64             `json:"timestamp_ns"`
	ActorAgentID string            `json:"actor_agent_id,omitempty"`
	Kind         EventKind         `json:"kind"`
	WorkID       string            `json:"work_id,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// SpanStatus is the terminal outcome of a telemetry span.
type SpanStatus string

const (
	SpanOK    SpanStatus = "ok"
	SpanError SpanStatus = "error"
)

// ServiceInfo identifies the emitting service in a telemetry span.
type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// TelemetrySpan is one OpenTelemetry-shaped record in the telemetry
// journal, produced by the kernel calls and control-loop cycles listed
// in pkg/telemetry's package doc.
type TelemetrySpan struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	OperationName string            `json:"operation_name"`
	StartTimeNs   int64             `json:"start_time_ns"`
	DurationNs    int64             `json:"duration_ns"`
	Status        SpanStatus        `json:"status"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Service       ServiceInfo       `json:"service"`
}

// HealthReport is the latest per-agent/per-team snapshot written by the
// health scan control loop.
type HealthReport struct {
	GeneratedAtNs int64               `json:"generated_at_ns"`
	Agents        []AgentHealth       `json:"agents"`
	Teams         map[string]float64  `json:"teams"`
}

// AgentHealth is one agent's computed health score and contributing
// factors, as of the most recent health scan.
type AgentHealth struct {
	AgentID        string  `json:"agent_id"`
	Score          float64 `json:"score"`
	ErrorRate      float64 `json:"error_rate"`
	LatencyP95Ms   float64 `json:"latency_p95_ms"`
	QueueDepth     int     `json:"queue_depth"`
	HeartbeatAgeMs int64   `json:"heartbeat_age_ms"`
	Status         AgentStatus `json:"status"`
}
