package kernel

import "fmt"

// Kind is the public error taxonomy (spec §7).
type Kind string

const (
	KindUsageError             Kind = "UsageError"
	KindNotClaimant            Kind = "NotClaimant"
	KindMonotonicityViolation  Kind = "MonotonicityViolation"
	KindEligibilityViolation   Kind = "EligibilityViolation"
	KindCapacityExceeded       Kind = "CapacityExceeded"
	KindLockTimeout            Kind = "LockTimeout"
	KindContention             Kind = "Contention"
	KindCorrupt                Kind = "Corrupt"
	KindNoEligibleWork         Kind = "NoEligibleWork"
)

// exitCodes maps each Kind to the CLI exit code from spec §6/§7.
var exitCodes = map[Kind]int{
	KindUsageError:            3,
	KindNotClaimant:           1,
	KindMonotonicityViolation: 1,
	KindEligibilityViolation:  1,
	KindCapacityExceeded:      2,
	KindLockTimeout:           2,
	KindContention:            2,
	KindCorrupt:               1,
	KindNoEligibleWork:        0,
}

// retriableKinds are surfaced to the caller with Retriable=true and a
// suggested minimum backoff (spec §7).
var retriableKinds = map[Kind]bool{
	KindCapacityExceeded: true,
	KindLockTimeout:      true,
	KindContention:       true,
}

// Error is the kernel's error value: every kernel and storage call
// returns one of these (or wraps it with %w), never a naked errors.New
// (spec §5.3 of SPEC_FULL.md).
type Error struct {
	Kind      Kind
	Message   string
	WorkID    string
	AgentID   string
	Retriable bool
	ExitCode  int
	// MinBackoffMs is a suggested minimum wait before retrying, in
	// milliseconds, set on retriable kinds only.
	MinBackoffMs int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("kind=%s; message=%s; work_id=%s", e.Kind, e.Message, e.WorkID)
}

// NewError constructs an *Error with the exit code and retriability
// implied by kind.
func NewError(kind Kind, message string) *Error {
	e := &Error{
		Kind:      kind,
		Message:   message,
		ExitCode:  exitCodes[kind],
		Retriable: retriableKinds[kind],
	}
	if e.Retriable {
		e.MinBackoffMs = 250
	}
	return e
}

// WithWorkID attaches a work_id for diagnostic context.
func (e *Error) WithWorkID(id string) *Error {
	e.WorkID = id
	return e
}

// WithAgentID attaches an agent_id for diagnostic context.
func (e *Error) WithAgentID(id string) *Error {
	e.AgentID = id
	return e
}

func usageErrorf(format string, args ...any) *Error {
	return NewError(KindUsageError, fmt.Sprintf(format, args...))
}
