// Package errors defines the failure taxonomy of a deliberation run.
//
// Three categories exist and each one maps to a different propagation policy:
//
//   - ConfigurationError: the run cannot start (bad K, empty label set,
//     malformed initial distribution). Fatal before round 1.
//   - OracleTransientError: one oracle call failed (timeout, transport,
//     malformed or inconsistent payload). Retried, then absorbed and counted.
//   - ProtocolInvariantError: the experimental apparatus itself is broken
//     (stance outside the label set at commit, history length drift,
//     inconsistent change records). Fatal; the run is marked invalid.
//
// Each typed error unwraps to a sentinel so callers can use either form:
//
//	if errors.Is(err, errors.ErrProtocolInvariant) { ... }
//
//	var cfgErr *errors.ConfigurationError
//	if errors.As(err, &cfgErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-exported so callers only need this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinels for the three categories.
var (
	ErrInvalidConfig     = New("invalid configuration")
	ErrOracleTransient   = New("transient oracle failure")
	ErrProtocolInvariant = New("protocol invariant violated")
)

// ConfigurationError reports a configuration value that prevents a run from starting.
type ConfigurationError struct {
	Field  string
	Reason string
}

// NewConfigurationError creates a ConfigurationError for field.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfig }

// TransientKind classifies an oracle failure.
type TransientKind string

const (
	KindTimeout      TransientKind = "timeout"
	KindTransport    TransientKind = "transport"
	KindMalformed    TransientKind = "malformed"
	KindMissingField TransientKind = "missing_field"
	KindInconsistent TransientKind = "inconsistent"
)

// OracleTransientError is a retryable failure of a single oracle call.
type OracleTransientError struct {
	Kind    TransientKind
	Attempt int
	Err     error
}

// NewOracleError wraps err as a transient oracle failure of the given kind.
func NewOracleError(kind TransientKind, err error) *OracleTransientError {
	return &OracleTransientError{Kind: kind, Err: err}
}

// Malformed builds a KindMalformed error from a formatted message.
func Malformed(format string, args ...any) *OracleTransientError {
	return NewOracleError(KindMalformed, fmt.Errorf(format, args...))
}

// MissingField reports a required payload field that is absent.
func MissingField(field string) *OracleTransientError {
	return NewOracleError(KindMissingField, fmt.Errorf("missing required field %q", field))
}

// Inconsistent reports a payload whose fields contradict each other.
func Inconsistent(format string, args ...any) *OracleTransientError {
	return NewOracleError(KindInconsistent, fmt.Errorf(format, args...))
}

func (e *OracleTransientError) Error() string {
	var sb strings.Builder
	sb.WriteString("oracle ")
	sb.WriteString(string(e.Kind))
	if e.Attempt > 0 {
		fmt.Fprintf(&sb, " (attempt %d)", e.Attempt)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *OracleTransientError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrOracleTransient}
	}
	return []error{ErrOracleTransient, e.Err}
}

// ProtocolInvariantError reports a broken experimental invariant.
type ProtocolInvariantError struct {
	Invariant string
	Detail    string
}

// NewProtocolError creates a ProtocolInvariantError.
func NewProtocolError(invariant, format string, args ...any) *ProtocolInvariantError {
	return &ProtocolInvariantError{Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
}

func (e *ProtocolInvariantError) Error() string {
	return fmt.Sprintf("protocol invariant %s violated: %s", e.Invariant, e.Detail)
}

func (e *ProtocolInvariantError) Unwrap() error { return ErrProtocolInvariant }

// Names of the invariants checked at commit time.
const (
	InvariantHistoryLength      = "history_length"
	InvariantPopulationSize     = "population_size"
	InvariantStanceLabel        = "stance_label"
	InvariantReasonCode         = "reason_code"
	InvariantRoundIndex         = "round_index"
	InvariantSampleIndependence = "sample_independence"
)

// IsRetryable reports whether err is a transient oracle failure.
func IsRetryable(err error) bool {
	return Is(err, ErrOracleTransient)
}

// KindOf returns the transient kind of err, or "" if err is not an oracle failure.
func KindOf(err error) TransientKind {
	var oe *OracleTransientError
	if As(err, &oe) {
		return oe.Kind
	}
	return ""
}
