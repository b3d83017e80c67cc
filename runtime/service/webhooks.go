package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/typeflow/typeflow/runtime/telemetry"
	"github.com/typeflow/typeflow/runtime/webhook"
)

type (
	// WebhooksOptions configures NewWebhooks.
	WebhooksOptions struct {
		Store  webhook.Store
		Logger telemetry.Logger
	}

	// Webhooks manages webhook registrations.
	Webhooks struct {
		store  webhook.Store
		logger telemetry.Logger
	}
)

// NewWebhooks validates the options and returns the service.
func NewWebhooks(opts WebhooksOptions) (*Webhooks, error) {
	if opts.Store == nil {
		return nil, errors.New("webhook store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Webhooks{store: opts.Store, logger: logger}, nil
}

// List returns the organization's webhooks.
func (s *Webhooks) List(ctx context.Context, organizationID string) ([]webhook.Webhook, error) {
	return s.store.List(ctx, organizationID)
}

// Create registers a webhook path, assigning an id and defaults.
func (s *Webhooks) Create(ctx context.Context, wh webhook.Webhook) (webhook.Webhook, error) {
	if wh.OrganizationID == "" {
		return webhook.Webhook{}, errors.New("organization id is required")
	}
	if wh.WorkflowID == "" {
		return webhook.Webhook{}, errors.New("workflow id is required")
	}
	wh.Path = strings.Trim(wh.Path, "/")
	if wh.Path == "" {
		return webhook.Webhook{}, errors.New("path is required")
	}
	if wh.WebhookID == "" {
		wh.WebhookID = uuid.NewString()
	}
	if wh.AuthType == "" {
		wh.AuthType = webhook.AuthNone
	}
	if wh.ResponseMode == "" {
		wh.ResponseMode = webhook.RespondImmediately
	}
	wh.CreatedAt = time.Now().UTC()
	wh.UpdatedAt = wh.CreatedAt
	if err := s.store.Put(ctx, wh); err != nil {
		return webhook.Webhook{}, fmt.Errorf("store webhook: %w", err)
	}
	s.logger.Info(ctx, "webhook created",
		"webhook_id", wh.WebhookID, "path", wh.Path, "workflow_id", wh.WorkflowID)
	return wh, nil
}

// Update replaces the webhook registered at the path.
func (s *Webhooks) Update(ctx context.Context, wh webhook.Webhook) (webhook.Webhook, error) {
	prev, err := s.store.Load(ctx, wh.OrganizationID, wh.Path)
	if err != nil {
		return webhook.Webhook{}, err
	}
	wh.WebhookID = prev.WebhookID
	wh.CreatedAt = prev.CreatedAt
	wh.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, wh); err != nil {
		return webhook.Webhook{}, fmt.Errorf("store webhook: %w", err)
	}
	return wh, nil
}

// Delete removes the webhook.
func (s *Webhooks) Delete(ctx context.Context, organizationID, webhookID string) error {
	return s.store.Delete(ctx, organizationID, webhookID)
}

// GetLatestRequest returns the most recent request received by the webhook.
func (s *Webhooks) GetLatestRequest(ctx context.Context, organizationID, webhookID string) (webhook.Request, error) {
	return s.store.LatestRequest(ctx, organizationID, webhookID)
}
