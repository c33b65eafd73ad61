package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatClaim      ErrorCategory = "claim"      // Could not take ownership of an item
	ErrCatWorkspace  ErrorCategory = "workspace"  // Workspace creation/cleanup failure
	ErrCatAgent      ErrorCategory = "agent"      // Agent invocation failure
	ErrCatValidation ErrorCategory = "validation" // Gate or commit hook rejection
	ErrCatConflict   ErrorCategory = "conflict"   // Merge conflict
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatRateLimit  ErrorCategory = "rate_limit" // Upstream API rate limited
	ErrCatShutdown   ErrorCategory = "shutdown"   // Cooperative shutdown in progress
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrClaim creates a claim error. Claim failures cost nothing and are
// never retried in place; the scheduler parks the item instead.
func ErrClaim(itemID, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatClaim,
		Code:      "CLAIM_FAILED",
		Message:   message,
		Retryable: false,
		Details:   map[string]interface{}{"item_id": itemID},
	}
}

// ErrWorkspace creates a workspace error.
func ErrWorkspace(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatWorkspace,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrAgent creates an agent invocation error.
func ErrAgent(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatAgent,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrConflict creates a merge conflict error carrying the conflicting files.
func ErrConflict(message string, files []string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeMergeConflict,
		Message:   message,
		Retryable: false,
		Details:   map[string]interface{}{"conflicted_files": files},
	}
}

// ErrTimeout creates a timeout error. Timeouts are deliberately not
// retryable: the underlying process may be stuck and retrying doubles
// the resource cost.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: false,
	}
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRateLimit,
		Code:      "RATE_LIMITED",
		Message:   message,
		Retryable: true,
	}
}

// ErrShutdown creates a shutdown error.
func ErrShutdown(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatShutdown,
		Code:      "SHUTDOWN",
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// ConflictedFiles extracts the conflicting file list from a conflict error.
func ConflictedFiles(err error) []string {
	var domErr *DomainError
	if !errors.As(err, &domErr) || domErr.Category != ErrCatConflict {
		return nil
	}
	files, _ := domErr.Details["conflicted_files"].([]string)
	return files
}

// Predefined error codes
const (
	CodeItemNotFound     = "ITEM_NOT_FOUND"
	CodeAlreadyClaimed   = "ALREADY_CLAIMED"
	CodeWorkspaceExists  = "WORKSPACE_EXISTS"
	CodeBranchExists     = "BRANCH_EXISTS"
	CodeDirtyTrunk       = "DIRTY_TRUNK"
	CodeDirtyWorkspace   = "DIRTY_WORKSPACE"
	CodeMergeConflict    = "MERGE_CONFLICT"
	CodePostMergeCheck   = "POST_MERGE_CHECK_FAILED"
	CodeAgentFailed      = "AGENT_FAILED"
	CodeAgentUnavailable = "AGENT_UNAVAILABLE"
	CodeCommitRejected   = "COMMIT_REJECTED"
	CodeGateRejected     = "GATE_REJECTED"
	CodeLockBusy         = "LOCK_BUSY"
	CodeLockTimeout      = "LOCK_TIMEOUT"
	CodePreflightFailed  = "PREFLIGHT_FAILED"
	CodeNotGitRepo       = "NOT_GIT_REPO"
)
