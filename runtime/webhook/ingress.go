package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/telemetry"
	"github.com/typeflow/typeflow/runtime/worker"
	"github.com/typeflow/typeflow/runtime/workflow"
)

type (
	// Enqueuer submits a workflow job to the queue, returning its job id.
	Enqueuer interface {
		Enqueue(ctx context.Context, job worker.Job) (string, error)
	}

	// IngressOptions configures NewIngress.
	IngressOptions struct {
		Webhooks  Store
		Workflows workflow.Store
		Executor  *engine.Executor
		// Queue enables 202 dispatch for respondImmediately webhooks. Nil
		// forces inline execution.
		Queue   Enqueuer
		Limiter RateLimiter
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Ingress is the webhook HTTP pipeline.
	Ingress struct {
		webhooks  Store
		workflows workflow.Store
		executor  *engine.Executor
		queue     Enqueuer
		limiter   RateLimiter
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}
)

// NewIngress validates the options and returns an Ingress.
func NewIngress(opts IngressOptions) (*Ingress, error) {
	if opts.Webhooks == nil {
		return nil, errors.New("webhook store is required")
	}
	if opts.Workflows == nil {
		return nil, errors.New("workflow store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Limiter == nil {
		opts.Limiter = NewMemoryLimiter()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Ingress{
		webhooks:  opts.Webhooks,
		workflows: opts.Workflows,
		executor:  opts.Executor,
		queue:     opts.Queue,
		limiter:   opts.Limiter,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Routes returns the chi router handling /{organizationID}/{path} for every
// HTTP method. Mount it under /api/webhooks.
func (i *Ingress) Routes() chi.Router {
	r := chi.NewRouter()
	r.HandleFunc("/{organizationID}/{path}", i.handle)
	return r
}

// handle runs the ingress pipeline, stopping at the first failing stage.
func (i *Ingress) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := chi.URLParam(r, "organizationID")
	path := chi.URLParam(r, "path")

	wh, err := i.webhooks.Load(ctx, org, path)
	if err != nil {
		var nf *flowerrors.NotFoundError
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "webhook not found"})
			return
		}
		i.fail(ctx, w, err)
		return
	}

	if err := i.limiter.Allow(ctx, org+"/"+path, wh.RateLimit); err != nil {
		var rl *flowerrors.RateLimitError
		if errors.As(err, &rl) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds()+0.999)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.Reset.Unix(), 10))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			i.metrics.IncCounter("typeflow.webhook.rate_limited", 1)
			return
		}
		i.fail(ctx, w, err)
		return
	}

	if !wh.Active {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "webhook is inactive"})
		return
	}
	wf, err := i.workflows.Load(ctx, org, wh.WorkflowID)
	if err != nil {
		i.fail(ctx, w, err)
		return
	}
	if !wf.Active {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "workflow is inactive"})
		return
	}

	if !authenticate(&wh, r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication failed"})
		return
	}

	if wh.Method != "" && !strings.EqualFold(wh.Method, r.Method) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	raw, body, contentType := parseBody(r)

	req := Request{
		RequestID:      uuid.NewString(),
		WebhookID:      wh.WebhookID,
		OrganizationID: org,
		Path:           path,
		Method:         r.Method,
		URL:            r.URL.String(),
		Headers:        r.Header,
		Query:          r.URL.Query(),
		Cookies:        cookieMap(r),
		Body:           body,
		RawBody:        raw,
		ContentType:    contentType,
		ReceivedAt:     time.Now().UTC(),
	}
	if err := i.webhooks.AddRequest(ctx, req); err != nil {
		i.fail(ctx, w, fmt.Errorf("persist webhook request: %w", err))
		return
	}

	payload := triggerPayload(&wh, &req, r)

	if wh.ResponseMode == RespondImmediately && i.queue != nil {
		jobID, err := i.queue.Enqueue(ctx, worker.Job{
			JobID:          uuid.NewString(),
			OrganizationID: org,
			WorkflowID:     wh.WorkflowID,
			Trigger:        "webhook",
			Input:          payload,
			WebhookPath:    path,
		})
		if err != nil {
			i.fail(ctx, w, &flowerrors.QueueError{Cause: err})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"jobId":   jobID,
			"status":  "queued",
		})
		return
	}

	out, err := i.executor.Execute(ctx, engine.Request{
		OrganizationID: org,
		WorkflowID:     wh.WorkflowID,
		TriggerType:    "webhook",
		TriggerData:    payload,
	})
	if err != nil {
		i.fail(ctx, w, err)
		return
	}
	if out.Status != execution.StatusCompleted {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": out.Error})
		return
	}
	writeJSON(w, http.StatusOK, shapeResponse(out.Output))
}

func (i *Ingress) fail(ctx context.Context, w http.ResponseWriter, err error) {
	i.logger.Error(ctx, "webhook ingress", "error", err.Error())
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

// authenticate applies the webhook's auth mode. An api_key webhook with no
// configured key allows everything.
func authenticate(wh *Webhook, r *http.Request) bool {
	switch wh.AuthType {
	case AuthAPIKey:
		if wh.AuthConfig.APIKey == "" {
			return true
		}
		header := wh.AuthConfig.HeaderName
		if header == "" {
			header = "x-api-key"
		}
		got := r.Header.Get(header)
		if got == "" {
			got = r.URL.Query().Get("api_key")
		}
		if got == "" {
			got = r.URL.Query().Get("apiKey")
		}
		return equal(got, wh.AuthConfig.APIKey)
	case AuthBearer:
		auth := r.Header.Get("Authorization")
		const prefix = "bearer "
		if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
			return false
		}
		return equal(strings.TrimSpace(auth[len(prefix):]), wh.AuthConfig.Token)
	case AuthBasic:
		auth := r.Header.Get("Authorization")
		const prefix = "basic "
		if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
			return false
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(prefix):]))
		if err != nil {
			return false
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return false
		}
		return equal(user, wh.AuthConfig.Username) && equal(pass, wh.AuthConfig.Password)
	default:
		return true
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// shapeResponse implements the output unwrap rule: a first item whose json is
// exactly {"value": v} returns v raw; otherwise the first item's json.
func shapeResponse(output []item.Item) any {
	if len(output) == 0 {
		return map[string]any{}
	}
	first := output[0].JSON
	if len(first) == 1 {
		if v, ok := first["value"]; ok {
			return v
		}
	}
	return first
}

func cookieMap(r *http.Request) map[string]string {
	cookies := map[string]string{}
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}
	return cookies
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
