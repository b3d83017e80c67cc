package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/workflow"
)

const workflowsCollection = "workflows"

// WorkflowStore implements workflow.Store on the workflows collection.
type WorkflowStore struct {
	db   *DB
	coll *mongodriver.Collection
}

// NewWorkflowStore ensures the unique (org_id, workflow_id) index and returns
// the store.
func NewWorkflowStore(ctx context.Context, db *DB) (*WorkflowStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	coll := db.db.Collection(workflowsCollection)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "workflow_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &WorkflowStore{db: db, coll: coll}, nil
}

// Put upserts the workflow keyed by (org_id, workflow_id).
func (s *WorkflowStore) Put(ctx context.Context, wf workflow.Workflow) error {
	if wf.OrganizationID == "" || wf.WorkflowID == "" {
		return errors.New("organization id and workflow id are required")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	doc := fromWorkflow(wf)
	filter := bson.M{"org_id": wf.OrganizationID, "workflow_id": wf.WorkflowID}
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"created_at": doc.CreatedAt},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Load returns the workflow or a NotFoundError.
func (s *WorkflowStore) Load(ctx context.Context, organizationID, workflowID string) (workflow.Workflow, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var doc workflowDocument
	err := s.coll.FindOne(ctx, bson.M{"org_id": organizationID, "workflow_id": workflowID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return workflow.Workflow{}, flowerrors.NotFound("workflow", workflowID)
		}
		return workflow.Workflow{}, err
	}
	return doc.toWorkflow(), nil
}

// Delete removes the workflow.
func (s *WorkflowStore) Delete(ctx context.Context, organizationID, workflowID string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"org_id": organizationID, "workflow_id": workflowID})
	return err
}

// List returns the organization's workflows.
func (s *WorkflowStore) List(ctx context.Context, organizationID string) ([]workflow.Workflow, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"org_id": organizationID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []workflow.Workflow
	for cur.Next(ctx) {
		var doc workflowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toWorkflow())
	}
	return out, cur.Err()
}

type (
	workflowDocument struct {
		OrganizationID string               `bson:"org_id"`
		WorkflowID     string               `bson:"workflow_id"`
		Name           string               `bson:"name"`
		Description    string               `bson:"description,omitempty"`
		Version        int                  `bson:"version"`
		Active         bool                 `bson:"active"`
		TypeDecls      string               `bson:"type_declarations,omitempty"`
		Breakpoints    []string             `bson:"breakpoints,omitempty"`
		MetadataExtra  map[string]any       `bson:"metadata_extra,omitempty"`
		Nodes          []nodeDocument       `bson:"nodes"`
		Connections    []connectionDocument `bson:"connections"`
		CreatedAt      time.Time            `bson:"created_at"`
		UpdatedAt      time.Time            `bson:"updated_at"`
	}

	nodeDocument struct {
		NodeID         string         `bson:"node_id"`
		Kind           string         `bson:"kind"`
		Label          string         `bson:"label"`
		Position       string         `bson:"position,omitempty"`
		Config         map[string]any `bson:"config,omitempty"`
		ExecutionOrder int            `bson:"execution_order,omitempty"`
	}

	connectionDocument struct {
		SourceNodeID string `bson:"source_node_id"`
		SourceHandle string `bson:"source_handle,omitempty"`
		TargetNodeID string `bson:"target_node_id"`
		TargetHandle string `bson:"target_handle,omitempty"`
	}
)

func fromWorkflow(wf workflow.Workflow) workflowDocument {
	now := time.Now().UTC()
	created := wf.CreatedAt
	if created.IsZero() {
		created = now
	}
	doc := workflowDocument{
		OrganizationID: wf.OrganizationID,
		WorkflowID:     wf.WorkflowID,
		Name:           wf.Name,
		Description:    wf.Description,
		Version:        wf.Version,
		Active:         wf.Active,
		TypeDecls:      wf.Metadata.TypeDeclarations,
		Breakpoints:    wf.Metadata.Breakpoints,
		MetadataExtra:  wf.Metadata.Extra,
		CreatedAt:      created.UTC(),
		UpdatedAt:      now,
	}
	for _, n := range wf.Nodes {
		doc.Nodes = append(doc.Nodes, nodeDocument{
			NodeID:         n.ID,
			Kind:           string(n.Kind),
			Label:          n.Label,
			Position:       string(n.Position),
			Config:         n.Config,
			ExecutionOrder: n.ExecutionOrder,
		})
	}
	for _, c := range wf.Connections {
		doc.Connections = append(doc.Connections, connectionDocument(c))
	}
	return doc
}

func (doc workflowDocument) toWorkflow() workflow.Workflow {
	wf := workflow.Workflow{
		OrganizationID: doc.OrganizationID,
		WorkflowID:     doc.WorkflowID,
		Name:           doc.Name,
		Description:    doc.Description,
		Version:        doc.Version,
		Active:         doc.Active,
		Metadata: workflow.Metadata{
			TypeDeclarations: doc.TypeDecls,
			Breakpoints:      doc.Breakpoints,
			Extra:            doc.MetadataExtra,
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, n := range doc.Nodes {
		wf.Nodes = append(wf.Nodes, workflow.Node{
			ID:             n.NodeID,
			Kind:           workflow.NodeKind(n.Kind),
			Label:          n.Label,
			Position:       json.RawMessage(n.Position),
			Config:         n.Config,
			ExecutionOrder: n.ExecutionOrder,
		})
	}
	for _, c := range doc.Connections {
		wf.Connections = append(wf.Connections, workflow.Connection(c))
	}
	return wf
}
