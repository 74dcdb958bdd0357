package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass classifies a failure so the ledger, the reports and the tests
// can tell the three per-host failure modes apart.
type ErrorClass string

const (
	// ErrorClassStaging means the artifact could not be copied to the host.
	// No install is attempted and no cleanup is run.
	ErrorClassStaging ErrorClass = "staging"

	// ErrorClassInstall means the remote process ran and exited non-zero.
	ErrorClassInstall ErrorClass = "install"

	// ErrorClassExecution means the remote execution channel itself faulted:
	// unreachable host, authentication failure, timeout.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassValidation marks bad input detected before any host is touched.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPermanent marks a non-recoverable internal error.
	ErrorClassPermanent ErrorClass = "permanent"
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

	// Host is the host the error relates to, if any.
	Host string `json:"host,omitempty"`

	// Operation is the step being performed (stage, install, cleanup).
	Operation string `json:"operation,omitempty"`

	// ExitCode is the remote exit code for install failures.
	ExitCode int `json:"exit_code,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Class == ErrorClassInstall {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Host != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (host=%s, operation=%s)%s",
			e.Class, msg, e.Host, e.Operation, e.unwrapMessage())
	}
	if e.Host != "" {
		return fmt.Sprintf("[%s] %s (host=%s)%s", e.Class, msg, e.Host, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, msg, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewStagingError creates a staging failure.
func NewStagingError(message string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassStaging,
		Message:   message,
		Code:      ErrCodeCopyFailed,
		Operation: OpStage,
		Err:       err,
	}
}

// NewInstallError creates an install failure carrying the remote exit code.
func NewInstallError(exitCode int) *EngineError {
	return &EngineError{
		Class:     ErrorClassInstall,
		Message:   "installer exited with a non-zero code",
		Code:      ErrCodeNonZeroExit,
		Operation: OpInstall,
		ExitCode:  exitCode,
	}
}

// NewExecutionError creates an execution failure. Deadline errors are tagged
// with ErrCodeTimeout so timeouts stay distinguishable from channel faults.
func NewExecutionError(message string, err error) *EngineError {
	code := ErrCodeChannel
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	return &EngineError{
		Class:   ErrorClassExecution,
		Message: message,
		Code:    code,
		Err:     err,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithHost adds host context to an error.
func (e *EngineError) WithHost(host string) *EngineError {
	e.Host = host
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

// IsStagingFailure returns true if the error is classified as a staging failure.
func IsStagingFailure(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassStaging
}

// IsInstallFailure returns true if the error is classified as an install failure.
func IsInstallFailure(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassInstall
}

// IsExecutionFailure returns true if the error is classified as an execution failure.
func IsExecutionFailure(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassExecution
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassValidation
}

// ExitCodeOf extracts the remote exit code from an install failure.
func ExitCodeOf(err error) (int, bool) {
	var e *EngineError
	if errors.As(err, &e) && e.Class == ErrorClassInstall {
		return e.ExitCode, true
	}
	return 0, false
}

// Step names used in errors and events.
const (
	OpStage   = "stage"
	OpInstall = "install"
	OpCleanup = "cleanup"
)

// Common error codes.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeCopyFailed   = "COPY_FAILED"
	ErrCodeNonZeroExit  = "NON_ZERO_EXIT"
	ErrCodeChannel      = "CHANNEL_FAULT"
	ErrCodeInvariant    = "LEDGER_INVARIANT"
	ErrCodePolicyDenied = "POLICY_DENIED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
