package core

import "errors"

// Error classes of the detection pipeline. Every failure the pipeline logs or counts wraps
// exactly one of these so operators can tell them apart.
var (
	// ErrRuleEvaluation is returned when a single detection rule fails or panics
	ErrRuleEvaluation = errors.New("rule evaluation failed")

	// ErrStateUnavailable is returned when the shared state store cannot serve a request
	ErrStateUnavailable = errors.New("state store unavailable")

	// ErrPersistence is returned when findings or incidents cannot be written
	ErrPersistence = errors.New("persistence failed")

	// ErrConfiguration is returned for invalid rule configuration at startup
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidEvent is returned when a raw record cannot be normalized
	ErrInvalidEvent = errors.New("invalid event")
)

// Error class labels used in logs and metrics
const (
	ErrorClassRuleEvaluation = "rule_evaluation"
	ErrorClassStateStore     = "state_store"
	ErrorClassPersistence    = "persistence"
	ErrorClassConfiguration  = "configuration"
	ErrorClassInvalidEvent   = "invalid_event"
	ErrorClassUnknown        = "unknown"
)

// ErrorClass maps an error chain onto its class label.
// State store failures win over rule failures since a rule error may wrap one.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStateUnavailable):
		return ErrorClassStateStore
	case errors.Is(err, ErrPersistence):
		return ErrorClassPersistence
	case errors.Is(err, ErrInvalidEvent):
		return ErrorClassInvalidEvent
	case errors.Is(err, ErrConfiguration):
		return ErrorClassConfiguration
	case errors.Is(err, ErrRuleEvaluation):
		return ErrorClassRuleEvaluation
	default:
		return ErrorClassUnknown
	}
}

// IsRetryable reports whether the delivery layer should redeliver the event that produced err
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrInvalidEvent) && !errors.Is(err, ErrConfiguration)
}
