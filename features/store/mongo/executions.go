package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/item"
)

const (
	executionsCollection    = "executions"
	executionLogsCollection = "execution_logs"
)

// ExecutionStore implements execution.Store on the executions and
// execution_logs collections.
type ExecutionStore struct {
	db   *DB
	coll *mongodriver.Collection
	logs *mongodriver.Collection
}

// NewExecutionStore ensures the unique execution_id index and returns the
// store.
func NewExecutionStore(ctx context.Context, db *DB) (*ExecutionStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	coll := db.db.Collection(executionsCollection)
	logs := db.db.Collection(executionLogsCollection)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	_, err = logs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &ExecutionStore{db: db, coll: coll, logs: logs}, nil
}

// Create inserts the record.
func (s *ExecutionStore) Create(ctx context.Context, rec execution.Record) error {
	if rec.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromExecution(rec))
	return err
}

// Load returns the record or a NotFoundError.
func (s *ExecutionStore) Load(ctx context.Context, executionID string) (execution.Record, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var doc executionDocument
	err := s.coll.FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return execution.Record{}, flowerrors.NotFound("execution", executionID)
		}
		return execution.Record{}, err
	}
	return doc.toExecution(), nil
}

// Update replaces the record.
func (s *ExecutionStore) Update(ctx context.Context, rec execution.Record) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"execution_id": rec.ExecutionID}, fromExecution(rec))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return flowerrors.NotFound("execution", rec.ExecutionID)
	}
	return nil
}

// SetStatus updates only the status field.
func (s *ExecutionStore) SetStatus(ctx context.Context, executionID string, status execution.Status) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"execution_id": executionID},
		bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return flowerrors.NotFound("execution", executionID)
	}
	return nil
}

// List returns an organization's executions, optionally filtered by workflow.
func (s *ExecutionStore) List(ctx context.Context, organizationID, workflowID string) ([]execution.Record, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"org_id": organizationID}
	if workflowID != "" {
		filter["workflow_id"] = workflowID
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []execution.Record
	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toExecution())
	}
	return out, cur.Err()
}

// AddLog appends a log entry.
func (s *ExecutionStore) AddLog(ctx context.Context, entry execution.LogEntry) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.logs.InsertOne(ctx, logDocument{
		ExecutionID: entry.ExecutionID,
		NodeID:      entry.NodeID,
		Level:       entry.Level,
		Message:     entry.Message,
		At:          entry.At.UTC(),
	})
	return err
}

// Logs returns an execution's log entries in time order.
func (s *ExecutionStore) Logs(ctx context.Context, executionID string) ([]execution.LogEntry, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	cur, err := s.logs.Find(ctx, bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []execution.LogEntry
	for cur.Next(ctx) {
		var doc logDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, execution.LogEntry{
			ExecutionID: doc.ExecutionID,
			NodeID:      doc.NodeID,
			Level:       doc.Level,
			Message:     doc.Message,
			At:          doc.At,
		})
	}
	return out, cur.Err()
}

type (
	executionDocument struct {
		ExecutionID    string                        `bson:"execution_id"`
		OrganizationID string                        `bson:"org_id"`
		WorkflowID     string                        `bson:"workflow_id"`
		Status         string                        `bson:"status"`
		TriggerType    string                        `bson:"trigger_type,omitempty"`
		TriggerData    map[string]any                `bson:"trigger_data,omitempty"`
		ParentID       string                        `bson:"parent_execution_id,omitempty"`
		NodeResults    map[string]nodeResultDocument `bson:"node_results,omitempty"`
		Result         []item.Item                   `bson:"result,omitempty"`
		Error          string                        `bson:"error,omitempty"`
		StartedAt      time.Time                     `bson:"started_at"`
		CompletedAt    time.Time                     `bson:"completed_at,omitempty"`
		DurationMs     int64                         `bson:"duration_ms,omitempty"`
	}

	nodeResultDocument struct {
		NodeID     string      `bson:"node_id"`
		Status     string      `bson:"status"`
		Output     []item.Item `bson:"output,omitempty"`
		Error      string      `bson:"error,omitempty"`
		DurationMs int64       `bson:"duration_ms,omitempty"`
	}

	logDocument struct {
		ExecutionID string    `bson:"execution_id"`
		NodeID      string    `bson:"node_id,omitempty"`
		Level       string    `bson:"level"`
		Message     string    `bson:"message"`
		At          time.Time `bson:"at"`
	}
)

func fromExecution(rec execution.Record) executionDocument {
	doc := executionDocument{
		ExecutionID:    rec.ExecutionID,
		OrganizationID: rec.OrganizationID,
		WorkflowID:     rec.WorkflowID,
		Status:         string(rec.Status),
		TriggerType:    rec.TriggerType,
		TriggerData:    rec.TriggerData,
		ParentID:       rec.ParentExecutionID,
		Result:         rec.Result,
		Error:          rec.Error,
		StartedAt:      rec.StartedAt.UTC(),
		CompletedAt:    rec.CompletedAt.UTC(),
		DurationMs:     rec.Duration.Milliseconds(),
	}
	if len(rec.NodeResults) > 0 {
		doc.NodeResults = make(map[string]nodeResultDocument, len(rec.NodeResults))
		for id, nr := range rec.NodeResults {
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

func (doc executionDocument) toExecution() execution.Record {
	rec := execution.Record{
		ExecutionID:       doc.ExecutionID,
		OrganizationID:    doc.OrganizationID,
		WorkflowID:        doc.WorkflowID,
		Status:            execution.Status(doc.Status),
		TriggerType:       doc.TriggerType,
		TriggerData:       doc.TriggerData,
		ParentExecutionID: doc.ParentID,
		Result:            doc.Result,
		Error:             doc.Error,
		StartedAt:         doc.StartedAt,
		CompletedAt:       doc.CompletedAt,
		Duration:          time.Duration(doc.DurationMs) * time.Millisecond,
		NodeResults:       map[string]execution.NodeResult{},
	}
	for id, nr := range doc.NodeResults {
		rec.NodeResults[id] = execution.NodeResult{
			NodeID:   nr.NodeID,
			Status:   execution.NodeStatus(nr.Status),
			Output:   nr.Output,
			Error:    nr.Error,
			Duration: time.Duration(nr.DurationMs) * time.Millisecond,
		}
	}
	return rec
}
