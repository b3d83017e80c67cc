package inmem

import (
	"context"
	"sync"

	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/webhook"
)

// WebhookStore is an in-memory webhook.Store.
type WebhookStore struct {
	mu       sync.RWMutex
	byPath   map[string]webhook.Webhook
	requests map[string][]webhook.Request
}

// NewWebhookStore returns an empty store.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		byPath:   map[string]webhook.Webhook{},
		requests: map[string][]webhook.Request{},
	}
}

func whKey(org, path string) string { return org + "/" + path }

// Put stores or replaces a webhook.
func (s *WebhookStore) Put(_ context.Context, wh webhook.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPath[whKey(wh.OrganizationID, wh.Path)] = wh
	return nil
}

// Load returns the webhook bound to (organizationID, path).
func (s *WebhookStore) Load(_ context.Context, organizationID, path string) (webhook.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wh, ok := s.byPath[whKey(organizationID, path)]
	if !ok {
		return webhook.Webhook{}, flowerrors.NotFound("webhook", path)
	}
	return wh, nil
}

// Delete removes a webhook by id.
func (s *WebhookStore) Delete(_ context.Context, organizationID, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, wh := range s.byPath {
		if wh.OrganizationID == organizationID && wh.WebhookID == webhookID {
			delete(s.byPath, key)
			return nil
		}
	}
	return flowerrors.NotFound("webhook", webhookID)
}

// List returns the organization's webhooks.
func (s *WebhookStore) List(_ context.Context, organizationID string) ([]webhook.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []webhook.Webhook
	for _, wh := range s.byPath {
		if wh.OrganizationID == organizationID {
			out = append(out, wh)
		}
	}
	return out, nil
}

// AddRequest appends a received request record.
func (s *WebhookStore) AddRequest(_ context.Context, req webhook.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.WebhookID] = append(s.requests[req.WebhookID], req)
	return nil
}

// LatestRequest returns the most recent request of a webhook.
func (s *WebhookStore) LatestRequest(_ context.Context, organizationID, webhookID string) (webhook.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reqs := s.requests[webhookID]
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].OrganizationID == organizationID {
			return reqs[i], nil
		}
	}
	return webhook.Request{}, flowerrors.NotFound("webhook request", webhookID)
}
