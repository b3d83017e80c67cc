package inmem

import (
	"context"
	"sync"

	"github.com/typeflow/typeflow/runtime/debugger"
	"github.com/typeflow/typeflow/runtime/flowerrors"
)

// SessionStore is an in-memory debugger.Store.
type SessionStore struct {
	mu   sync.RWMutex
	byID map[string]debugger.Session
}

// NewSessionStore returns an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{byID: map[string]debugger.Session{}}
}

// Put stores or replaces a session.
func (s *SessionStore) Put(_ context.Context, sess debugger.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.SessionID] = sess
	return nil
}

// Load returns the session or a NotFoundError.
func (s *SessionStore) Load(_ context.Context, sessionID string) (debugger.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return debugger.Session{}, flowerrors.NotFound("debug session", sessionID)
	}
	return sess, nil
}

// List returns the workflow's sessions.
func (s *SessionStore) List(_ context.Context, organizationID, workflowID string) ([]debugger.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []debugger.Session
	for _, sess := range s.byID {
		if sess.OrganizationID == organizationID && sess.WorkflowID == workflowID {
			out = append(out, sess)
		}
	}
	return out, nil
}
