// Package execution defines the record of one workflow run: its status
// lifecycle, per-node results, log entries, and the persistence interface the
// engine writes through.
package execution

import (
	"context"
	"time"

	"github.com/typeflow/typeflow/runtime/item"
)

// Status is the lifecycle state of an execution. Transitions are monotonic
// except that a running execution may be cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NodeStatus is the per-node state machine: pending, running, completed,
// failed or skipped (node was on an inactive branch).
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

type (
	// Record is one run of a workflow.
	Record struct {
		ExecutionID    string         `json:"executionId"`
		OrganizationID string         `json:"organizationId"`
		WorkflowID     string         `json:"workflowId"`
		Status         Status         `json:"status"`
		TriggerType    string         `json:"triggerType,omitempty"`
		TriggerData    map[string]any `json:"triggerData,omitempty"`
		// ParentExecutionID links a sub-workflow execution to its caller.
		ParentExecutionID string                `json:"parentExecutionId,omitempty"`
		NodeResults       map[string]NodeResult `json:"nodeResults,omitempty"`
		// Result is the final output item sequence of the run.
		Result      []item.Item   `json:"result,omitempty"`
		Error       string        `json:"error,omitempty"`
		StartedAt   time.Time     `json:"startedAt"`
		CompletedAt time.Time     `json:"completedAt,omitempty"`
		Duration    time.Duration `json:"duration,omitempty"`
	}

	// NodeResult records the outcome of a single node invocation.
	NodeResult struct {
		NodeID   string        `json:"nodeId"`
		Status   NodeStatus    `json:"status"`
		Output   []item.Item   `json:"output,omitempty"`
		Error    string        `json:"error,omitempty"`
		Duration time.Duration `json:"duration,omitempty"`
	}

	// LogEntry is one console or engine log line attached to an execution.
	LogEntry struct {
		ExecutionID string    `json:"executionId"`
		NodeID      string    `json:"nodeId,omitempty"`
		Level       string    `json:"level"`
		Message     string    `json:"message"`
		At          time.Time `json:"at"`
	}

	// Store persists executions and their logs.
	Store interface {
		Create(ctx context.Context, rec Record) error
		Load(ctx context.Context, executionID string) (Record, error)
		Update(ctx context.Context, rec Record) error
		// SetStatus updates only the status field. It is the cancellation
		// channel: the engine re-reads status at every frontier pop.
		SetStatus(ctx context.Context, executionID string, status Status) error
		List(ctx context.Context, organizationID, workflowID string) ([]Record, error)
		AddLog(ctx context.Context, entry LogEntry) error
		Logs(ctx context.Context, executionID string) ([]LogEntry, error)
	}
)

// New returns a running record for the given workflow and trigger.
func New(organizationID, workflowID, executionID, triggerType string, triggerData map[string]any) Record {
	return Record{
		ExecutionID:    executionID,
		OrganizationID: organizationID,
		WorkflowID:     workflowID,
		Status:         StatusRunning,
		TriggerType:    triggerType,
		TriggerData:    triggerData,
		NodeResults:    map[string]NodeResult{},
		StartedAt:      time.Now().UTC(),
	}
}

// Finish stamps the terminal status, completion time and duration.
func (r *Record) Finish(status Status) {
	r.Status = status
	r.CompletedAt = time.Now().UTC()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
}

// Fail marks the execution failed with the first failing node's message.
// Subsequent calls keep the original error.
func (r *Record) Fail(msg string) {
	if r.Error == "" {
		r.Error = msg
	}
	r.Finish(StatusFailed)
}
