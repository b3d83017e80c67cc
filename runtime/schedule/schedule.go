// Package schedule registers cron triggers for active workflows whose trigger
// node carries a schedule expression and submits a run on every tick.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/telemetry"
	"github.com/typeflow/typeflow/runtime/workflow"
)

type (
	// Options configures NewScheduler.
	Options struct {
		Workflows workflow.Store
		Executor  *engine.Executor
		Logger    telemetry.Logger
	}

	// Scheduler owns the cron runner and the per-workflow entries.
	Scheduler struct {
		workflows workflow.Store
		executor  *engine.Executor
		logger    telemetry.Logger
		cron      *cron.Cron

		mu      sync.Mutex
		entries map[string]cron.EntryID
	}
)

// NewScheduler validates the options and returns a stopped Scheduler.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Workflows == nil {
		return nil, errors.New("workflow store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{
		workflows: opts.Workflows,
		executor:  opts.Executor,
		logger:    opts.Logger,
		cron:      cron.New(),
		entries:   map[string]cron.EntryID{},
	}, nil
}

// Register adds or replaces the schedule of a workflow. A workflow without an
// active schedule trigger is removed from the runner.
func (s *Scheduler) Register(ctx context.Context, wf workflow.Workflow) error {
	key := wf.OrganizationID + "/" + wf.WorkflowID

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
		delete(s.entries, key)
	}

	spec := scheduleSpec(&wf)
	if spec == "" || !wf.Active {
		return nil
	}
	org, wfID := wf.OrganizationID, wf.WorkflowID
	id, err := s.cron.AddFunc(spec, func() {
		s.tick(org, wfID)
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.entries[key] = id
	s.logger.Info(ctx, "schedule registered", "workflow_id", wfID, "spec", spec)
	return nil
}

// RegisterAll loads an organization's workflows and registers each schedule.
func (s *Scheduler) RegisterAll(ctx context.Context, organizationID string) error {
	wfs, err := s.workflows.List(ctx, organizationID)
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		if err := s.Register(ctx, wf); err != nil {
			s.logger.Warn(ctx, "registering schedule",
				"workflow_id", wf.WorkflowID, "error", err.Error())
		}
	}
	return nil
}

// Start begins firing ticks.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the runner and waits for running ticks to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) tick(organizationID, workflowID string) {
	ctx := context.Background()
	out, err := s.executor.Execute(ctx, engine.Request{
		OrganizationID: organizationID,
		WorkflowID:     workflowID,
		TriggerType:    "schedule",
		TriggerData:    map[string]any{},
	})
	if err != nil {
		s.logger.Error(ctx, "scheduled run", "workflow_id", workflowID, "error", err.Error())
		return
	}
	s.logger.Info(ctx, "scheduled run finished",
		"workflow_id", workflowID, "execution_id", out.ExecutionID, "status", string(out.Status))
}

// scheduleSpec returns the cron expression of the workflow's trigger node, or
// "".
func scheduleSpec(wf *workflow.Workflow) string {
	for _, n := range wf.NodesByKind(workflow.KindTrigger) {
		if spec := n.ConfigString("schedule", ""); spec != "" {
			return spec
		}
	}
	return ""
}
