// Package flowerrors defines the structured error taxonomy shared by the
// workflow engine and its collaborators. Every error type implements the
// standard error interface and supports errors.Is/As so callers can branch on
// failure kinds without string matching, while ingress layers can map them to
// transport status codes.
package flowerrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrWorkflowInactive rejects execution requests against a deactivated
// workflow. Callers detect it with errors.Is.
var ErrWorkflowInactive = errors.New("workflow is inactive")

type (
	// NotFoundError reports a missing workflow, node, credential, webhook or
	// debug session. Kind names the entity class, ID the identifier looked up.
	NotFoundError struct {
		Kind string
		ID   string
	}

	// AuthError reports a webhook authentication failure. The reason is safe to
	// surface to clients.
	AuthError struct {
		Reason string
	}

	// RateLimitError reports a rejected webhook request. RetryAfter is the
	// duration until the caller may retry, Reset the instant the current window
	// ends.
	RateLimitError struct {
		RetryAfter time.Duration
		Reset      time.Time
	}

	// ValidationError reports save-time violations such as duplicate labels or
	// cycles. Violations holds one human-readable message per violation.
	ValidationError struct {
		Violations []string
	}

	// Diagnostic locates a single static-check failure in user code. Line and
	// Col are 1-based positions in the original source, before any wrapping the
	// sandbox applies.
	Diagnostic struct {
		Line    int
		Col     int
		Message string
	}

	// TypeValidationError reports static-check failures from the code sandbox.
	// The node fails with the full diagnostic list.
	TypeValidationError struct {
		Diagnostics []Diagnostic
	}

	// TimeoutError reports that a code node exceeded its wall-clock budget.
	TimeoutError struct {
		Limit time.Duration
	}

	// RuntimeError wraps an exception thrown during user-code execution. Cause
	// retains the underlying error when one exists.
	RuntimeError struct {
		Message string
		Cause   error
	}

	// SessionEndedError reports an operation against a debug session that has
	// already completed or been terminated.
	SessionEndedError struct {
		SessionID string
		Status    string
	}

	// QueueError reports a failure to enqueue a workflow job. The executor is
	// unaffected; ingress maps this to a 500 for the request at hand.
	QueueError struct {
		Cause error
	}
)

// NotFound constructs a NotFoundError for the given entity kind and id.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication failed"
	}
	return e.Reason
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("(%d,%d): %s", d.Line, d.Col, d.Message)
}

func (e *TypeValidationError) Error() string {
	msgs := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		msgs[i] = d.String()
	}
	return "type check failed: " + strings.Join(msgs, "; ")
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("code execution exceeded %s timeout", e.Limit)
}

func (e *RuntimeError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause so errors.Is/As traverse the chain.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

func (e *SessionEndedError) Error() string {
	return fmt.Sprintf("debug session %q already %s", e.SessionID, e.Status)
}

func (e *QueueError) Error() string {
	if e.Cause == nil {
		return "enqueue failed"
	}
	return fmt.Sprintf("enqueue failed: %v", e.Cause)
}

func (e *QueueError) Unwrap() error {
	return e.Cause
}
