package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/typeflow/typeflow/runtime/debugger"
	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/item"
)

const sessionsCollection = "debug_sessions"

// SessionStore implements debugger.Store on the debug_sessions collection.
type SessionStore struct {
	db   *DB
	coll *mongodriver.Collection
}

// NewSessionStore ensures the unique session_id index and returns the store.
func NewSessionStore(ctx context.Context, db *DB) (*SessionStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	coll := db.db.Collection(sessionsCollection)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &SessionStore{db: db, coll: coll}, nil
}

// Put upserts the session keyed by session_id.
func (s *SessionStore) Put(ctx context.Context, sess debugger.Session) error {
	if sess.SessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	doc := fromSession(sess)
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"created_at": doc.CreatedAt},
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"session_id": sess.SessionID}, update,
		options.Update().SetUpsert(true))
	return err
}

// Load returns the session or a NotFoundError.
func (s *SessionStore) Load(ctx context.Context, sessionID string) (debugger.Session, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var doc sessionDocument
	err := s.coll.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return debugger.Session{}, flowerrors.NotFound("debug session", sessionID)
		}
		return debugger.Session{}, err
	}
	return doc.toSession(), nil
}

// List returns an organization's sessions, optionally filtered by workflow.
func (s *SessionStore) List(ctx context.Context, organizationID, workflowID string) ([]debugger.Session, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"org_id": organizationID}
	if workflowID != "" {
		filter["workflow_id"] = workflowID
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []debugger.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	return out, cur.Err()
}

type (
	sessionDocument struct {
		SessionID      string                        `bson:"session_id"`
		OrganizationID string                        `bson:"org_id"`
		WorkflowID     string                        `bson:"workflow_id"`
		ExecutionID    string                        `bson:"execution_id,omitempty"`
		Status         string                        `bson:"status"`
		Breakpoints    []string                      `bson:"breakpoints,omitempty"`
		TriggerData    map[string]any                `bson:"trigger_data,omitempty"`
		CurrentNodeID  string                        `bson:"current_node_id,omitempty"`
		NextNodeIDs    []string                      `bson:"next_node_ids,omitempty"`
		State          stepperStateDocument          `bson:"state"`
		NodeResults    map[string]nodeResultDocument `bson:"node_results,omitempty"`
		Error          string                        `bson:"error,omitempty"`
		CreatedAt      time.Time                     `bson:"created_at"`
		UpdatedAt      time.Time                     `bson:"updated_at"`
	}

	stepperStateDocument struct {
		Frontier      []string               `bson:"frontier,omitempty"`
		Statuses      map[string]string      `bson:"statuses,omitempty"`
		Outputs       map[string][]item.Item `bson:"outputs,omitempty"`
		Order         []string               `bson:"order,omitempty"`
		ActiveHandles map[string]string      `bson:"active_handles,omitempty"`
		Result        []item.Item            `bson:"result,omitempty"`
	}
)

func fromSession(sess debugger.Session) sessionDocument {
	now := time.Now().UTC()
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}
	doc := sessionDocument{
		SessionID:      sess.SessionID,
		OrganizationID: sess.OrganizationID,
		WorkflowID:     sess.WorkflowID,
		ExecutionID:    sess.ExecutionID,
		Status:         string(sess.Status),
		Breakpoints:    sess.Breakpoints,
		TriggerData:    sess.TriggerData,
		CurrentNodeID:  sess.CurrentNodeID,
		NextNodeIDs:    sess.NextNodeIDs,
		State: stepperStateDocument{
			Frontier:      sess.State.Frontier,
			Outputs:       sess.State.Outputs,
			Order:         sess.State.Order,
			ActiveHandles: sess.State.ActiveHandles,
			Result:        sess.State.Result,
		},
		Error:     sess.Error,
		CreatedAt: created.UTC(),
		UpdatedAt: now,
	}
	if len(sess.State.Statuses) > 0 {
		doc.State.Statuses = make(map[string]string, len(sess.State.Statuses))
		for id, st := range sess.State.Statuses {
			doc.State.Statuses[id] = string(st)
		}
	}
	if len(sess.NodeResults) > 0 {
		doc.NodeResults = make(map[string]nodeResultDocument, len(sess.NodeResults))
		for id, nr := range sess.NodeResults {
			doc.NodeResults[id] = nodeResultDocument{
				NodeID:     nr.NodeID,
				Status:     string(nr.Status),
				Output:     nr.Output,
				Error:      nr.Error,
				DurationMs: nr.Duration.Milliseconds(),
			}
		}
	}
	return doc
}

func (doc sessionDocument) toSession() debugger.Session {
	sess := debugger.Session{
		SessionID:      doc.SessionID,
		OrganizationID: doc.OrganizationID,
		WorkflowID:     doc.WorkflowID,
		ExecutionID:    doc.ExecutionID,
		Status:         debugger.Status(doc.Status),
		Breakpoints:    doc.Breakpoints,
		TriggerData:    doc.TriggerData,
		CurrentNodeID:  doc.CurrentNodeID,
		NextNodeIDs:    doc.NextNodeIDs,
		State: engine.StepperState{
			Frontier:      doc.State.Frontier,
			Outputs:       doc.State.Outputs,
			Order:         doc.State.Order,
			ActiveHandles: doc.State.ActiveHandles,
			Result:        doc.State.Result,
		},
		Error:     doc.Error,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if len(doc.State.Statuses) > 0 {
		sess.State.Statuses = make(map[string]execution.NodeStatus, len(doc.State.Statuses))
		for id, st := range doc.State.Statuses {
			sess.State.Statuses[id] = execution.NodeStatus(st)
		}
	}
	if len(doc.NodeResults) > 0 {
		sess.NodeResults = make(map[string]execution.NodeResult, len(doc.NodeResults))
		for id, nr := range doc.NodeResults {
			sess.NodeResults[id] = execution.NodeResult{
				NodeID:   nr.NodeID,
				Status:   execution.NodeStatus(nr.Status),
				Output:   nr.Output,
				Error:    nr.Error,
				Duration: time.Duration(nr.DurationMs) * time.Millisecond,
			}
		}
	}
	return sess
}
