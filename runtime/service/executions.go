package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/telemetry"
)

type (
	// ExecutionsOptions configures NewExecutions.
	ExecutionsOptions struct {
		Executor *engine.Executor
		Store    execution.Store
		Logger   telemetry.Logger
	}

	// Executions runs workflows and manages execution records.
	Executions struct {
		executor *engine.Executor
		store    execution.Store
		logger   telemetry.Logger
	}

	// RunRequest names the caller-facing inputs of Run and RunUntilNode.
	RunRequest struct {
		OrganizationID string
		WorkflowID     string
		TriggerType    string
		TriggerData    map[string]any
	}
)

// NewExecutions validates the options and returns the service.
func NewExecutions(opts ExecutionsOptions) (*Executions, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Store == nil {
		return nil, errors.New("execution store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executions{executor: opts.Executor, store: opts.Store, logger: logger}, nil
}

// Run executes the workflow to completion.
func (s *Executions) Run(ctx context.Context, req RunRequest) (engine.Outcome, error) {
	return s.run(ctx, req, "")
}

// RunUntilNode executes only the target node's ancestor subgraph, stopping
// after the target completes.
func (s *Executions) RunUntilNode(ctx context.Context, req RunRequest, nodeID string) (engine.Outcome, error) {
	if nodeID == "" {
		return engine.Outcome{}, errors.New("node id is required")
	}
	return s.run(ctx, req, nodeID)
}

func (s *Executions) run(ctx context.Context, req RunRequest, untilNodeID string) (engine.Outcome, error) {
	if req.OrganizationID == "" || req.WorkflowID == "" {
		return engine.Outcome{}, errors.New("organization id and workflow id are required")
	}
	trigger := req.TriggerType
	if trigger == "" {
		trigger = "manual"
	}
	out, err := s.executor.Execute(ctx, engine.Request{
		OrganizationID: req.OrganizationID,
		WorkflowID:     req.WorkflowID,
		TriggerType:    trigger,
		TriggerData:    req.TriggerData,
		UntilNodeID:    untilNodeID,
	})
	if err != nil {
		return engine.Outcome{}, err
	}
	s.logger.Info(ctx, "execution finished",
		"execution_id", out.ExecutionID,
		"workflow_id", req.WorkflowID,
		"status", string(out.Status))
	return out, nil
}

// GetByID returns the execution record.
func (s *Executions) GetByID(ctx context.Context, executionID string) (execution.Record, error) {
	return s.store.Load(ctx, executionID)
}

// List returns an organization's executions, optionally filtered by workflow.
func (s *Executions) List(ctx context.Context, organizationID, workflowID string) ([]execution.Record, error) {
	return s.store.List(ctx, organizationID, workflowID)
}

// UpdateStatus sets the execution status. Terminal records cannot change.
func (s *Executions) UpdateStatus(ctx context.Context, executionID string, status execution.Status) error {
	rec, err := s.store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("execution %s already %s", executionID, rec.Status)
	}
	return s.store.SetStatus(ctx, executionID, status)
}

// Cancel requests cancellation. The scheduler observes the status before each
// node execution, so nodes already running finish first.
func (s *Executions) Cancel(ctx context.Context, executionID string) error {
	return s.UpdateStatus(ctx, executionID, execution.StatusCancelled)
}

// AddLog appends a log entry to the execution.
func (s *Executions) AddLog(ctx context.Context, executionID, nodeID, level, message string) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	if level == "" {
		level = "info"
	}
	return s.store.AddLog(ctx, execution.LogEntry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Level:       level,
		Message:     message,
		At:          time.Now().UTC(),
	})
}

// Logs returns the execution's log entries.
func (s *Executions) Logs(ctx context.Context, executionID string) ([]execution.LogEntry, error) {
	return s.store.Logs(ctx, executionID)
}
