// Package debugger provides step-wise execution over workflow plans. Session
// state is persisted on every pause so a client can drive one session across
// many RPC calls, and resuming needs no replay.
package debugger

import (
	"context"
	"time"

	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/execution"
)

// Status is the session lifecycle state.
type Status string

const (
	// StatusActive is a created session that has not started executing.
	StatusActive Status = "active"
	// StatusPaused is a session stopped at a breakpoint or after a step.
	StatusPaused Status = "paused"
	// StatusCompleted is a session whose execution finished.
	StatusCompleted Status = "completed"
	// StatusTerminated is a session stopped by the client or a node failure.
	StatusTerminated Status = "terminated"
)

// Ended reports whether the session accepts no further operations.
func (s Status) Ended() bool {
	return s == StatusCompleted || s == StatusTerminated
}

type (
	// Session is the durable debug-session row.
	Session struct {
		SessionID      string         `json:"sessionId"`
		OrganizationID string         `json:"organizationId"`
		WorkflowID     string         `json:"workflowId"`
		ExecutionID    string         `json:"executionId,omitempty"`
		Status         Status         `json:"status"`
		Breakpoints    []string       `json:"breakpoints,omitempty"`
		TriggerData    map[string]any `json:"triggerData,omitempty"`
		// CurrentNodeID is the node the session is paused before.
		CurrentNodeID string `json:"currentNodeId,omitempty"`
		// NextNodeIDs is the pending frontier, current node first.
		NextNodeIDs []string `json:"nextNodeIds,omitempty"`
		// State is the full scheduler state needed to resume.
		State engine.StepperState `json:"state"`
		// NodeResults mirrors the execution's per-node outcomes for display.
		NodeResults map[string]execution.NodeResult `json:"nodeResults,omitempty"`
		Error       string                          `json:"error,omitempty"`
		CreatedAt   time.Time                       `json:"createdAt"`
		UpdatedAt   time.Time                       `json:"updatedAt"`
	}

	// Store persists debug sessions.
	Store interface {
		Put(ctx context.Context, sess Session) error
		Load(ctx context.Context, sessionID string) (Session, error)
		List(ctx context.Context, organizationID, workflowID string) ([]Session, error)
	}
)
