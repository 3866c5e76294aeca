// Package domain defines the core domain models for run orchestration.
package domain

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateGated     RunState = "gated"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// IsTerminal reports whether no further events are accepted in this state.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// EventType is the wire tag of a RunEvent.
type EventType string

const (
	EventTypeLog        EventType = "log"
	EventTypeScreenshot EventType = "screenshot"
	EventTypeGate       EventType = "gate"
	EventTypeAuthGate   EventType = "authGate"
	EventTypeVNC        EventType = "vnc"
	EventTypeJD         EventType = "jd"
	EventTypeDone       EventType = "done"
)

// legacy tag emitted by older sandbox builds
const eventTypeAuthGateLegacy = "auth_gate"

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// FailureReason explains a done{ok:false} that the orchestrator synthesized.
type FailureReason string

const (
	FailureSandboxDisconnected FailureReason = "sandbox_disconnected"
	FailureGateTimeout         FailureReason = "gate_timeout"
	FailureRunTimeout          FailureReason = "run_timeout"
	FailureCancelled           FailureReason = "cancelled"
	FailureSandboxStartFailed  FailureReason = "sandbox_start_failed"
)

// Provider identifies the sign-in provider behind an authGate.
type Provider string

const (
	ProviderWorkday    Provider = "workday"
	ProviderTaleo      Provider = "taleo"
	ProviderICIMS      Provider = "icims"
	ProviderLever      Provider = "lever"
	ProviderGreenhouse Provider = "greenhouse"
	ProviderAshby      Provider = "ashby"
	ProviderGeneric    Provider = "generic"
)
