// Package webhook implements HTTP trigger ingress: webhook registration
// records, the request pipeline (lookup, rate limit, active checks, auth,
// method gate, body parse, persist, dispatch) and response shaping.
package webhook

import (
	"context"
	"time"
)

// AuthType selects how inbound requests authenticate.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// ResponseMode selects sync or queued dispatch.
type ResponseMode string

const (
	// RespondImmediately enqueues a job and answers 202 when the queue is
	// enabled.
	RespondImmediately ResponseMode = "respondImmediately"
	// RespondWithOutput executes inline and answers with the shaped output.
	RespondWithOutput ResponseMode = "respondWithOutput"
)

type (
	// Webhook binds an HTTP path to a workflow. Identity is
	// (OrganizationID, Path).
	Webhook struct {
		WebhookID      string `json:"webhookId"`
		OrganizationID string `json:"organizationId"`
		Path           string `json:"path"`
		WorkflowID     string `json:"workflowId"`
		// Method restricts the HTTP verb when non-empty.
		Method string `json:"method,omitempty"`
		Active bool   `json:"active"`
		// RateLimit is requests per minute; 0 disables limiting.
		RateLimit    int          `json:"rateLimit,omitempty"`
		AuthType     AuthType     `json:"authType,omitempty"`
		AuthConfig   AuthConfig   `json:"authConfig,omitempty"`
		ResponseMode ResponseMode `json:"responseMode,omitempty"`
		CreatedAt    time.Time    `json:"createdAt"`
		UpdatedAt    time.Time    `json:"updatedAt"`
	}

	// AuthConfig carries the per-type auth material.
	AuthConfig struct {
		// HeaderName overrides the api_key header (default x-api-key).
		HeaderName string `json:"headerName,omitempty"`
		APIKey     string `json:"apiKey,omitempty"`
		Token      string `json:"token,omitempty"`
		Username   string `json:"username,omitempty"`
		Password   string `json:"password,omitempty"`
	}

	// Request is the persisted record of one received webhook call.
	Request struct {
		RequestID      string              `json:"requestId"`
		WebhookID      string              `json:"webhookId"`
		OrganizationID string              `json:"organizationId"`
		Path           string              `json:"path"`
		Method         string              `json:"method"`
		URL            string              `json:"url,omitempty"`
		Headers        map[string][]string `json:"headers,omitempty"`
		Query          map[string][]string `json:"query,omitempty"`
		Cookies        map[string]string   `json:"cookies,omitempty"`
		Body           map[string]any      `json:"body,omitempty"`
		RawBody        []byte              `json:"rawBody,omitempty"`
		ContentType    string              `json:"contentType,omitempty"`
		ReceivedAt     time.Time           `json:"receivedAt"`
	}

	// Store persists webhooks and their received requests.
	Store interface {
		Put(ctx context.Context, wh Webhook) error
		Load(ctx context.Context, organizationID, path string) (Webhook, error)
		Delete(ctx context.Context, organizationID, webhookID string) error
		List(ctx context.Context, organizationID string) ([]Webhook, error)
		AddRequest(ctx context.Context, req Request) error
		LatestRequest(ctx context.Context, organizationID, webhookID string) (Request, error)
	}
)
