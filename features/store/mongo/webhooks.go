package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/webhook"
)

const (
	webhooksCollection        = "webhooks"
	webhookRequestsCollection = "webhook_requests"
)

// WebhookStore implements webhook.Store on the webhooks and webhook_requests
// collections.
type WebhookStore struct {
	db       *DB
	coll     *mongodriver.Collection
	requests *mongodriver.Collection
}

// NewWebhookStore ensures the unique (org_id, path) index and returns the
// store.
func NewWebhookStore(ctx context.Context, db *DB) (*WebhookStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	coll := db.db.Collection(webhooksCollection)
	requests := db.db.Collection(webhookRequestsCollection)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "path", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	_, err = requests.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "webhook_id", Value: 1}, {Key: "received_at", Value: -1}},
	})
	if err != nil {
		return nil, err
	}
	return &WebhookStore{db: db, coll: coll, requests: requests}, nil
}

// Put upserts the webhook keyed by (org_id, path).
func (s *WebhookStore) Put(ctx context.Context, wh webhook.Webhook) error {
	if wh.OrganizationID == "" || wh.Path == "" {
		return errors.New("organization id and path are required")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	doc := fromWebhook(wh)
	filter := bson.M{"org_id": wh.OrganizationID, "path": wh.Path}
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"created_at": doc.CreatedAt},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Load returns the webhook registered at (org_id, path) or a NotFoundError.
func (s *WebhookStore) Load(ctx context.Context, organizationID, path string) (webhook.Webhook, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var doc webhookDocument
	err := s.coll.FindOne(ctx, bson.M{"org_id": organizationID, "path": path}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return webhook.Webhook{}, flowerrors.NotFound("webhook", path)
		}
		return webhook.Webhook{}, err
	}
	return doc.toWebhook(), nil
}

// Delete removes the webhook by id.
func (s *WebhookStore) Delete(ctx context.Context, organizationID, webhookID string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"org_id": organizationID, "webhook_id": webhookID})
	return err
}

// List returns the organization's webhooks.
func (s *WebhookStore) List(ctx context.Context, organizationID string) ([]webhook.Webhook, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"org_id": organizationID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []webhook.Webhook
	for cur.Next(ctx) {
		var doc webhookDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toWebhook())
	}
	return out, cur.Err()
}

// AddRequest records a received webhook call.
func (s *WebhookStore) AddRequest(ctx context.Context, req webhook.Request) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.requests.InsertOne(ctx, fromRequest(req))
	return err
}

// LatestRequest returns the most recent request received by the webhook.
func (s *WebhookStore) LatestRequest(ctx context.Context, organizationID, webhookID string) (webhook.Request, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var doc requestDocument
	err := s.requests.FindOne(ctx,
		bson.M{"org_id": organizationID, "webhook_id": webhookID},
		options.FindOne().SetSort(bson.D{{Key: "received_at", Value: -1}})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return webhook.Request{}, flowerrors.NotFound("webhook request", webhookID)
		}
		return webhook.Request{}, err
	}
	return doc.toRequest(), nil
}

type (
	webhookDocument struct {
		WebhookID      string    `bson:"webhook_id"`
		OrganizationID string    `bson:"org_id"`
		Path           string    `bson:"path"`
		WorkflowID     string    `bson:"workflow_id"`
		Method         string    `bson:"method,omitempty"`
		Active         bool      `bson:"active"`
		RateLimit      int       `bson:"rate_limit,omitempty"`
		AuthType       string    `bson:"auth_type,omitempty"`
		AuthHeaderName string    `bson:"auth_header_name,omitempty"`
		AuthAPIKey     string    `bson:"auth_api_key,omitempty"`
		AuthToken      string    `bson:"auth_token,omitempty"`
		AuthUsername   string    `bson:"auth_username,omitempty"`
		AuthPassword   string    `bson:"auth_password,omitempty"`
		ResponseMode   string    `bson:"response_mode,omitempty"`
		CreatedAt      time.Time `bson:"created_at"`
		UpdatedAt      time.Time `bson:"updated_at"`
	}

	requestDocument struct {
		RequestID      string              `bson:"request_id"`
		WebhookID      string              `bson:"webhook_id"`
		OrganizationID string              `bson:"org_id"`
		Path           string              `bson:"path"`
		Method         string              `bson:"method"`
		URL            string              `bson:"url,omitempty"`
		Headers        map[string][]string `bson:"headers,omitempty"`
		Query          map[string][]string `bson:"query,omitempty"`
		Cookies        map[string]string   `bson:"cookies,omitempty"`
		Body           map[string]any      `bson:"body,omitempty"`
		RawBody        []byte              `bson:"raw_body,omitempty"`
		ContentType    string              `bson:"content_type,omitempty"`
		ReceivedAt     time.Time           `bson:"received_at"`
	}
)

func fromWebhook(wh webhook.Webhook) webhookDocument {
	now := time.Now().UTC()
	created := wh.CreatedAt
	if created.IsZero() {
		created = now
	}
	return webhookDocument{
		WebhookID:      wh.WebhookID,
		OrganizationID: wh.OrganizationID,
		Path:           wh.Path,
		WorkflowID:     wh.WorkflowID,
		Method:         wh.Method,
		Active:         wh.Active,
		RateLimit:      wh.RateLimit,
		AuthType:       string(wh.AuthType),
		AuthHeaderName: wh.AuthConfig.HeaderName,
		AuthAPIKey:     wh.AuthConfig.APIKey,
		AuthToken:      wh.AuthConfig.Token,
		AuthUsername:   wh.AuthConfig.Username,
		AuthPassword:   wh.AuthConfig.Password,
		ResponseMode:   string(wh.ResponseMode),
		CreatedAt:      created.UTC(),
		UpdatedAt:      now,
	}
}

func (doc webhookDocument) toWebhook() webhook.Webhook {
	return webhook.Webhook{
		WebhookID:      doc.WebhookID,
		OrganizationID: doc.OrganizationID,
		Path:           doc.Path,
		WorkflowID:     doc.WorkflowID,
		Method:         doc.Method,
		Active:         doc.Active,
		RateLimit:      doc.RateLimit,
		AuthType:       webhook.AuthType(doc.AuthType),
		AuthConfig: webhook.AuthConfig{
			HeaderName: doc.AuthHeaderName,
			APIKey:     doc.AuthAPIKey,
			Token:      doc.AuthToken,
			Username:   doc.AuthUsername,
			Password:   doc.AuthPassword,
		},
		ResponseMode: webhook.ResponseMode(doc.ResponseMode),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func fromRequest(req webhook.Request) requestDocument {
	return requestDocument{
		RequestID:      req.RequestID,
		WebhookID:      req.WebhookID,
		OrganizationID: req.OrganizationID,
		Path:           req.Path,
		Method:         req.Method,
		URL:            req.URL,
		Headers:        req.Headers,
		Query:          req.Query,
		Cookies:        req.Cookies,
		Body:           req.Body,
		RawBody:        req.RawBody,
		ContentType:    req.ContentType,
		ReceivedAt:     req.ReceivedAt.UTC(),
	}
}

func (doc requestDocument) toRequest() webhook.Request {
	return webhook.Request{
		RequestID:      doc.RequestID,
		WebhookID:      doc.WebhookID,
		OrganizationID: doc.OrganizationID,
		Path:           doc.Path,
		Method:         doc.Method,
		URL:            doc.URL,
		Headers:        doc.Headers,
		Query:          doc.Query,
		Cookies:        doc.Cookies,
		Body:           doc.Body,
		RawBody:        doc.RawBody,
		ContentType:    doc.ContentType,
		ReceivedAt:     doc.ReceivedAt,
	}
}
