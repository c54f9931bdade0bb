package pdfrender

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrToolUnavailable is returned when an external executable cannot be started.
	ErrToolUnavailable = errors.New("external tool is not available")
	// ErrTimeout is returned when an external tool exceeds its time bound.
	ErrTimeout = errors.New("external tool timed out")
	// ErrToolFailed is returned when an external tool exits with a non-zero code.
	ErrToolFailed = errors.New("external tool failed")
	// ErrOutputMissing is returned when the rasterizer exits cleanly without a usable file.
	ErrOutputMissing = errors.New("conversion output is missing or empty")
	// ErrRepairFailed is returned when the repair rewrite does not produce a usable file.
	ErrRepairFailed = errors.New("pdf could not be repaired")
	// ErrInvalidDPI is returned for a non-positive resolution.
	ErrInvalidDPI = errors.New("dpi must be positive")
	// ErrPathRequired is returned when a source or output path is empty.
	ErrPathRequired = errors.New("path cannot be empty")
	// ErrPDFZeroOrNegativePages is returned when a probe reports no pages.
	ErrPDFZeroOrNegativePages = errors.New("pdf has zero or a negative number of pages")
	// ErrGateClosed is returned when work is submitted to a stopped gate.
	ErrGateClosed = errors.New("concurrency gate is closed")
)

// Kind classifies a failed conversion.
type Kind string

// Failure kinds, from the user's point of view.
const (
	KindNone             Kind = ""
	KindInvalidInput     Kind = "invalid_input"
	KindToolUnavailable  Kind = "tool_unavailable"
	KindTimeout          Kind = "timeout"
	KindToolFailure      Kind = "tool_failure"
	KindIntegrityFailure Kind = "integrity_failure"
	KindUnexpected       Kind = "unexpected"
)

// ConversionError carries the failure kind, a short message safe to show the
// submitter and the technical detail that only goes to the logs and diagnostic.
type ConversionError struct {
	Kind        Kind
	UserMessage string
	Diagnostic  string
	Err         error
}

// Error implements the error interface.
func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.UserMessage, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
}

// Unwrap returns the underlying error.
func (e *ConversionError) Unwrap() error {
	return e.Err
}

func newConversionError(kind Kind, userMessage string, cause error) *ConversionError {
	diagnostic := ""

	var toolErr *ToolError
	if errors.As(cause, &toolErr) {
		diagnostic = toolErr.Stderr
	}

	if diagnostic == "" && cause != nil {
		diagnostic = cause.Error()
	}

	return &ConversionError{
		Kind:        kind,
		UserMessage: userMessage,
		Diagnostic:  diagnostic,
		Err:         cause,
	}
}

// KindOf maps any error produced by the pipeline to its failure kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var convErr *ConversionError
	if errors.As(err, &convErr) {
		return convErr.Kind
	}

	switch {
	case errors.Is(err, ErrToolUnavailable):
		return KindToolUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrToolFailed), errors.Is(err, ErrRepairFailed):
		return KindToolFailure
	case errors.Is(err, ErrOutputMissing):
		return KindIntegrityFailure
	default:
		return KindUnexpected
	}
}

// ToolError describes a failed external tool run.
type ToolError struct {
	Err      error
	Tool     string
	Stderr   string
	ExitCode int
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %v: %s", e.Tool, e.ExitCode, e.Err, e.Stderr)
	}

	return fmt.Sprintf("%s (exit %d): %v", e.Tool, e.ExitCode, e.Err)
}

// Unwrap returns the classification sentinel.
func (e *ToolError) Unwrap() error {
	return e.Err
}
