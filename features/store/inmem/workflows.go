// Package inmem provides mutex-protected in-memory implementations of every
// store interface. They back tests and single-process development servers.
package inmem

import (
	"context"
	"sync"

	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/workflow"
)

// WorkflowStore is an in-memory workflow.Store.
type WorkflowStore struct {
	mu  sync.RWMutex
	byK map[string]workflow.Workflow
}

// NewWorkflowStore returns an empty store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{byK: map[string]workflow.Workflow{}}
}

func wfKey(org, id string) string { return org + "/" + id }

// Put stores or replaces a workflow.
func (s *WorkflowStore) Put(_ context.Context, wf workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byK[wfKey(wf.OrganizationID, wf.WorkflowID)] = wf
	return nil
}

// Load returns the workflow or a NotFoundError.
func (s *WorkflowStore) Load(_ context.Context, organizationID, workflowID string) (workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.byK[wfKey(organizationID, workflowID)]
	if !ok {
		return workflow.Workflow{}, flowerrors.NotFound("workflow", workflowID)
	}
	return wf, nil
}

// Delete removes the workflow if present.
func (s *WorkflowStore) Delete(_ context.Context, organizationID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byK, wfKey(organizationID, workflowID))
	return nil
}

// List returns the organization's workflows.
func (s *WorkflowStore) List(_ context.Context, organizationID string) ([]workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.Workflow
	for _, wf := range s.byK {
		if wf.OrganizationID == organizationID {
			out = append(out, wf)
		}
	}
	return out, nil
}
