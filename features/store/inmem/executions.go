package inmem

import (
	"context"
	"sync"

	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/flowerrors"
)

// ExecutionStore is an in-memory execution.Store.
type ExecutionStore struct {
	mu   sync.RWMutex
	byID map[string]execution.Record
	logs map[string][]execution.LogEntry
}

// NewExecutionStore returns an empty store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		byID: map[string]execution.Record{},
		logs: map[string][]execution.LogEntry{},
	}
}

// Create inserts the record.
func (s *ExecutionStore) Create(_ context.Context, rec execution.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.ExecutionID] = rec
	return nil
}

// Load returns the record or a NotFoundError.
func (s *ExecutionStore) Load(_ context.Context, executionID string) (execution.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[executionID]
	if !ok {
		return execution.Record{}, flowerrors.NotFound("execution", executionID)
	}
	return rec, nil
}

// Update replaces the record.
func (s *ExecutionStore) Update(_ context.Context, rec execution.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ExecutionID]; !ok {
		return flowerrors.NotFound("execution", rec.ExecutionID)
	}
	s.byID[rec.ExecutionID] = rec
	return nil
}

// SetStatus updates only the status field.
func (s *ExecutionStore) SetStatus(_ context.Context, executionID string, status execution.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[executionID]
	if !ok {
		return flowerrors.NotFound("execution", executionID)
	}
	rec.Status = status
	s.byID[executionID] = rec
	return nil
}

// List returns an organization's executions, optionally filtered by workflow.
func (s *ExecutionStore) List(_ context.Context, organizationID, workflowID string) ([]execution.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []execution.Record
	for _, rec := range s.byID {
		if rec.OrganizationID != organizationID {
			continue
		}
		if workflowID != "" && rec.WorkflowID != workflowID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// AddLog appends a log entry.
func (s *ExecutionStore) AddLog(_ context.Context, entry execution.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], entry)
	return nil
}

// Logs returns an execution's log entries in append order.
func (s *ExecutionStore) Logs(_ context.Context, executionID string) ([]execution.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]execution.LogEntry(nil), s.logs[executionID]...), nil
}
