// Package fleeterr defines the fleet's semantic error taxonomy. Every
// component classifies its failures into one of the kinds below so the
// caller can decide between retrying, discarding the message, or exiting.
package fleeterr

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the semantic failure category.
type Kind string

const (
	// TransientBus covers bus disconnects and publish failures while the
	// broker is unreachable. Retryable; the bus adapter reconnects.
	TransientBus Kind = "transient_bus"
	// MalformedPayload covers undecodable or schema-violating messages.
	// Never retryable; the message is logged and dropped.
	MalformedPayload Kind = "malformed_payload"
	// PreconditionFailure covers operations refused in the current state
	// (e.g. preflight battery too low, no eligible drone for a tasking).
	PreconditionFailure Kind = "precondition_failure"
	// ResourceShortage covers degraded-but-continuing situations such as a
	// fleet with no available payload drone at search start.
	ResourceShortage Kind = "resource_shortage"
	// LocalOperatorOverride marks a drone leaving autonomous control. Not
	// an error in the usual sense, but it surfaces through error paths when
	// commands are refused during manual control.
	LocalOperatorOverride Kind = "local_operator_override"
	// FatalConfig covers unreadable, unparsable or invalid configuration.
	FatalConfig Kind = "fatal_config"
	// FatalBind covers listen/bind failures on startup sockets.
	FatalBind Kind = "fatal_bind"
)

// Error codes, grouped by kind.
const (
	CodeBusDisconnected = "FLT-1001"
	CodeBusPublish      = "FLT-1002"
	CodeBusSubscribe    = "FLT-1003"
	CodeBusTimeout      = "FLT-1004"

	CodeBadJSON      = "FLT-2001"
	CodeBadField     = "FLT-2002"
	CodeUnknownFrame = "FLT-2003"

	CodeBatteryLow      = "FLT-3001"
	CodeWrongPhase      = "FLT-3002"
	CodeNoEligibleDrone = "FLT-3003"
	CodeControllerBusy  = "FLT-3004"

	CodeNoPayloadDrone = "FLT-4001"
	CodeQueueSaturated = "FLT-4002"

	CodeManualControl = "FLT-5001"

	CodeConfigRead     = "FLT-6001"
	CodeConfigParse    = "FLT-6002"
	CodeConfigInvalid  = "FLT-6003"
	CodeBindFailed     = "FLT-7001"
	CodeBrokerUnreach  = "FLT-7002"
)

// Severity orders errors for logging and alerting.
type Severity int

const (
	SeverityFatal Severity = iota // process must exit
	SeverityError                 // operation failed, mission continues
	SeverityWarn                  // degraded, self-healing
)

// Error carries the kind, a stable code and a correlation id alongside the
// wrapped cause.
type Error struct {
	Kind          Kind          `json:"kind"`
	Code          string        `json:"code"`
	Message       string        `json:"message"`
	Severity      Severity      `json:"severity"`
	Retryable     bool          `json:"retryable"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
	CorrelationID string        `json:"correlation_id"`
	Timestamp     time.Time     `json:"timestamp"`
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// ShouldRetry reports whether the caller may retry the failed operation.
func (e *Error) ShouldRetry() bool {
	return e.Retryable && e.Severity != SeverityFatal
}

// New builds an Error of the given kind. Severity and retryability follow
// from the kind; callers override RetryAfter when a backoff hint exists.
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:          kind,
		Code:          code,
		Message:       message,
		Severity:      severityFor(kind),
		Retryable:     kind == TransientBus,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now(),
	}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	e := New(kind, code, message)
	e.cause = cause
	return e
}

func severityFor(kind Kind) Severity {
	switch kind {
	case FatalConfig, FatalBind:
		return SeverityFatal
	case TransientBus, ResourceShortage, LocalOperatorOverride:
		return SeverityWarn
	default:
		return SeverityError
	}
}

// KindOf returns the kind of err if it is (or wraps) an *Error, or "" when
// it carries no taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err requires process exit.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity == SeverityFatal
	}
	return false
}
