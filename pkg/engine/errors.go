package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass string

const (
	// ErrorClassPrecondition indicates the run could not start.
	// Examples: no model instance set.
	ErrorClassPrecondition ErrorClass = "precondition"

	// ErrorClassTimeout indicates a blocking read on the data store expired
	// before any writer committed the key.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassConfiguration indicates a rule configuration was rejected
	// during the initialize pass.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassUnhandled indicates a lifecycle hook returned an error or panicked.
	ErrorClassUnhandled ErrorClass = "unhandled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Rule is the resolved name of the rule that caused the error, if applicable.
	Rule string `json:"rule,omitempty"`

	// Operation is the lifecycle hook or engine step being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Rule != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (rule=%s, operation=%s)", msg, e.Rule, e.Operation)
	case e.Rule != "":
		msg = fmt.Sprintf("%s (rule=%s)", msg, e.Rule)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when both class and code match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Sentinel values for errors.Is comparisons.
var (
	ErrNoInstance = &EngineError{Class: ErrorClassPrecondition, Code: ErrCodeNoInstance, Message: "instance not set"}
	ErrTimeout    = &EngineError{Class: ErrorClassTimeout, Code: ErrCodeStoreTimeout, Message: "timed out waiting for value"}
)

// NewNoInstanceError creates the error returned when a run starts without a model.
func NewNoInstanceError() *EngineError {
	return &EngineError{
		Class:   ErrorClassPrecondition,
		Message: "instance not set",
		Code:    ErrCodeNoInstance,
	}
}

// NewTimeoutError creates a data store timeout error for the given key.
func NewTimeoutError(key string, err error) *EngineError {
	return (&EngineError{
		Class:   ErrorClassTimeout,
		Message: fmt.Sprintf("timed out waiting for key %q", key),
		Code:    ErrCodeStoreTimeout,
		Err:     err,
	}).WithDetail("key", key)
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Code:    ErrCodeInvalidConfiguration,
		Err:     err,
	}
}

// NewUnhandledError creates an error for a failure escaping a rule hook.
func NewUnhandledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassUnhandled,
		Message: message,
		Code:    ErrCodeRuleFailed,
		Err:     err,
	}
}

// WithRule adds rule context to an error.
func (e *EngineError) WithRule(name string) *EngineError {
	e.Rule = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsNoInstance returns true if the run failed because no model was set.
func IsNoInstance(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPrecondition
}

// IsTimeout returns true if the error is a data store timeout.
func IsTimeout(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTimeout
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConfiguration
}

// IsUnhandled returns true if the error escaped a rule hook.
func IsUnhandled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassUnhandled
}

// Common error codes.
const (
	ErrCodeNoInstance           = "NO_INSTANCE"
	ErrCodeStoreTimeout         = "STORE_TIMEOUT"
	ErrCodeInvalidConfiguration = "INVALID_CONFIGURATION"
	ErrCodeCycle                = "CYCLE_DETECTED"
	ErrCodeRuleFailed           = "RULE_FAILED"
	ErrCodeRulePanicked         = "RULE_PANICKED"
	ErrCodeParallelFailed       = "PARALLEL_FAILED"
)
