// Package errors provides structured error types for the refresh engine.
// All errors include a category, code, message, and retryable flag so the
// orchestration layer can convert them into notifications consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure domain.
type ErrorCategory string

const (
	ErrCategoryNetwork    ErrorCategory = "NETWORK"
	ErrCategoryParse      ErrorCategory = "PARSE"
	ErrCategoryBackend    ErrorCategory = "BACKEND"
	ErrCategoryDependency ErrorCategory = "DEPENDENCY"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Network codes
	CodeFetchFailed = "FETCH_FAILED"
	CodeBadStatus   = "BAD_STATUS"

	// Parse codes
	CodeUnparsableBody = "UNPARSABLE_BODY"

	// Backend codes
	CodeNoConnectionInfo = "NO_CONNECTION_INFO"
	CodeExecutionFailed  = "EXECUTION_FAILED"
	CodeSampleFailed     = "SAMPLE_FAILED"

	// Dependency codes
	CodeMissingInput = "MISSING_INPUT"

	// Store codes
	CodeTableNotFound = "TABLE_NOT_FOUND"
	CodeWriteFailed   = "WRITE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// RefreshError is the structured error type used throughout the engine.
type RefreshError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *RefreshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *RefreshError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *RefreshError) Is(target error) bool {
	var t *RefreshError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new RefreshError.
func New(category ErrorCategory, code, message string) *RefreshError {
	return &RefreshError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new RefreshError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *RefreshError {
	return &RefreshError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a RefreshError.
func GetCategory(err error) ErrorCategory {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a RefreshError.
func GetCode(err error) string {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// UserMessage returns the text suitable for a notification: the structured
// message for RefreshErrors, the raw error string otherwise.
func UserMessage(err error) string {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// isRetryable determines if an error code is retryable. A failed network
// fetch or backend sample may succeed on the next tick; a parse failure or
// missing dependency will not until the entity set changes.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryNetwork:
		return true
	case category == ErrCategoryBackend && code == CodeSampleFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewNetworkError(message string, cause error) *RefreshError {
	return Wrap(ErrCategoryNetwork, CodeFetchFailed, message, cause)
}

func NewParseError(message string) *RefreshError {
	return New(ErrCategoryParse, CodeUnparsableBody, message)
}

func NewNoConnectionError(message string) *RefreshError {
	return New(ErrCategoryBackend, CodeNoConnectionInfo, message)
}

func NewMissingInputError(message string) *RefreshError {
	return New(ErrCategoryDependency, CodeMissingInput, message)
}

func NewBackendError(code, message string, cause error) *RefreshError {
	return Wrap(ErrCategoryBackend, code, message, cause)
}

func NewInternalError(message string, cause error) *RefreshError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
