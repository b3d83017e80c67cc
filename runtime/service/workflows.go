// Package service is the RPC-facing facade. Each service wraps the runtime
// packages with input validation, identifier assignment and logging; transport
// bindings stay thin by delegating here.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/typeflow/typeflow/runtime/telemetry"
	"github.com/typeflow/typeflow/runtime/workflow"
)

type (
	// Scheduler keeps cron trigger registrations in sync with workflow
	// definitions. A workflow without an active schedule trigger is removed.
	Scheduler interface {
		Register(ctx context.Context, wf workflow.Workflow) error
	}

	// WorkflowsOptions configures NewWorkflows.
	WorkflowsOptions struct {
		Store workflow.Store
		// Scheduler is optional; when set, every write re-registers the
		// workflow's schedule.
		Scheduler Scheduler
		Logger    telemetry.Logger
	}

	// Workflows manages workflow definitions.
	Workflows struct {
		store     workflow.Store
		scheduler Scheduler
		logger    telemetry.Logger
	}
)

// NewWorkflows validates the options and returns the service.
func NewWorkflows(opts WorkflowsOptions) (*Workflows, error) {
	if opts.Store == nil {
		return nil, errors.New("workflow store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Workflows{store: opts.Store, scheduler: opts.Scheduler, logger: logger}, nil
}

// reschedule keeps the cron runner in sync after a write. Failures are logged,
// not returned: the workflow is already persisted.
func (s *Workflows) reschedule(ctx context.Context, wf workflow.Workflow) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Register(ctx, wf); err != nil {
		s.logger.Warn(ctx, "registering schedule",
			"workflow_id", wf.WorkflowID, "error", err.Error())
	}
}

// Create validates and stores a new workflow, assigning an id and version 1.
func (s *Workflows) Create(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	if wf.OrganizationID == "" {
		return workflow.Workflow{}, errors.New("organization id is required")
	}
	if wf.Name == "" {
		return workflow.Workflow{}, errors.New("workflow name is required")
	}
	if wf.WorkflowID == "" {
		wf.WorkflowID = uuid.NewString()
	}
	wf.Version = 1
	wf.CreatedAt = time.Now().UTC()
	wf.UpdatedAt = wf.CreatedAt
	if err := workflow.Validate(wf); err != nil {
		return workflow.Workflow{}, err
	}
	if err := s.store.Put(ctx, wf); err != nil {
		return workflow.Workflow{}, fmt.Errorf("store workflow: %w", err)
	}
	s.logger.Info(ctx, "workflow created", "workflow_id", wf.WorkflowID, "org_id", wf.OrganizationID)
	s.reschedule(ctx, wf)
	return wf, nil
}

// GetByID returns the workflow.
func (s *Workflows) GetByID(ctx context.Context, organizationID, workflowID string) (workflow.Workflow, error) {
	return s.store.Load(ctx, organizationID, workflowID)
}

// Update merges mutable top-level fields without touching the graph.
func (s *Workflows) Update(ctx context.Context, organizationID, workflowID string, name, description *string, active *bool) (workflow.Workflow, error) {
	wf, err := s.store.Load(ctx, organizationID, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if name != nil {
		wf.Name = *name
	}
	if description != nil {
		wf.Description = *description
	}
	if active != nil {
		wf.Active = *active
	}
	wf.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, wf); err != nil {
		return workflow.Workflow{}, fmt.Errorf("store workflow: %w", err)
	}
	s.reschedule(ctx, wf)
	return wf, nil
}

// Save validates and persists a full graph revision, bumping the version.
func (s *Workflows) Save(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	if wf.OrganizationID == "" || wf.WorkflowID == "" {
		return workflow.Workflow{}, errors.New("organization id and workflow id are required")
	}
	if err := workflow.Validate(wf); err != nil {
		return workflow.Workflow{}, err
	}
	prev, err := s.store.Load(ctx, wf.OrganizationID, wf.WorkflowID)
	if err == nil {
		wf.Version = prev.Version + 1
		wf.CreatedAt = prev.CreatedAt
	} else if wf.Version == 0 {
		wf.Version = 1
	}
	wf.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, wf); err != nil {
		return workflow.Workflow{}, fmt.Errorf("store workflow: %w", err)
	}
	s.logger.Info(ctx, "workflow saved", "workflow_id", wf.WorkflowID, "version", wf.Version)
	s.reschedule(ctx, wf)
	return wf, nil
}

// Delete removes the workflow and drops its schedule registration.
func (s *Workflows) Delete(ctx context.Context, organizationID, workflowID string) error {
	wf, err := s.store.Load(ctx, organizationID, workflowID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, organizationID, workflowID); err != nil {
		return err
	}
	wf.Active = false
	s.reschedule(ctx, wf)
	return nil
}

// List returns the organization's workflows.
func (s *Workflows) List(ctx context.Context, organizationID string) ([]workflow.Workflow, error) {
	return s.store.List(ctx, organizationID)
}
