package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/typeflow/typeflow/runtime/credential"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/service"
	"github.com/typeflow/typeflow/runtime/telemetry"
	"github.com/typeflow/typeflow/runtime/webhook"
	"github.com/typeflow/typeflow/runtime/workflow"
)

// api binds the service facade to a JSON REST surface. All routes are scoped
// under /orgs/{organizationID}; the wire shapes are the domain structs.
type api struct {
	workflows   *service.Workflows
	executions  *service.Executions
	debug       *service.Debug
	credentials *service.Credentials
	webhooks    *service.Webhooks
	packages    *service.Packages
	logger      telemetry.Logger
}

func (a *api) routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/orgs/{organizationID}", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", a.listWorkflows)
			r.Post("/", a.createWorkflow)
			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", a.getWorkflow)
				r.Patch("/", a.updateWorkflow)
				r.Put("/", a.saveWorkflow)
				r.Delete("/", a.deleteWorkflow)
				r.Post("/run", a.runWorkflow)
				r.Get("/breakpoints", a.getBreakpoints)
				r.Put("/breakpoints/{nodeID}", a.toggleBreakpoint)
			})
		})
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", a.listExecutions)
			r.Route("/{executionID}", func(r chi.Router) {
				r.Get("/", a.getExecution)
				r.Put("/status", a.updateExecutionStatus)
				r.Post("/cancel", a.cancelExecution)
				r.Get("/logs", a.getExecutionLogs)
				r.Post("/logs", a.addExecutionLog)
			})
		})
		r.Route("/debug/sessions", func(r chi.Router) {
			r.Get("/", a.listSessions)
			r.Post("/", a.createSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", a.getSessionState)
				r.Post("/start", a.sessionOp)
				r.Post("/continue", a.sessionOp)
				r.Post("/step", a.sessionOp)
				r.Post("/terminate", a.sessionOp)
			})
		})
		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", a.listCredentials)
			r.Post("/", a.createCredential)
			r.Route("/{credentialID}", func(r chi.Router) {
				r.Get("/", a.getCredential)
				r.Put("/", a.updateCredential)
				r.Delete("/", a.deleteCredential)
				r.Post("/test", a.testCredential)
			})
		})
		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", a.listWebhooks)
			r.Post("/", a.createWebhook)
			r.Put("/", a.updateWebhook)
			r.Delete("/{webhookID}", a.deleteWebhook)
			r.Get("/{webhookID}/latest-request", a.latestWebhookRequest)
		})
		r.Route("/packages", func(r chi.Router) {
			r.Get("/", a.listPackages)
			r.Post("/", a.installPackage)
			r.Delete("/{name}", a.uninstallPackage)
		})
	})
	return r
}

func orgID(r *http.Request) string { return chi.URLParam(r, "organizationID") }

func (a *api) listWorkflows(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.workflows.List(r.Context(), orgID(r))
	})
}

func (a *api) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if !a.decode(w, r, &wf) {
		return
	}
	wf.OrganizationID = orgID(r)
	a.respond(w, r, func() (any, error) {
		return a.workflows.Create(r.Context(), wf)
	})
}

func (a *api) getWorkflow(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.workflows.GetByID(r.Context(), orgID(r), chi.URLParam(r, "workflowID"))
	})
}

func (a *api) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Active      *bool   `json:"active"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	a.respond(w, r, func() (any, error) {
		return a.workflows.Update(r.Context(), orgID(r), chi.URLParam(r, "workflowID"),
			body.Name, body.Description, body.Active)
	})
}

func (a *api) saveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if !a.decode(w, r, &wf) {
		return
	}
	wf.OrganizationID = orgID(r)
	wf.WorkflowID = chi.URLParam(r, "workflowID")
	a.respond(w, r, func() (any, error) {
		return a.workflows.Save(r.Context(), wf)
	})
}

func (a *api) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	a.respondErr(w, r, a.workflows.Delete(r.Context(), orgID(r), chi.URLParam(r, "workflowID")))
}

func (a *api) runWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TriggerType string         `json:"triggerType"`
		TriggerData map[string]any `json:"triggerData"`
		NodeID      string         `json:"nodeId"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	req := service.RunRequest{
		OrganizationID: orgID(r),
		WorkflowID:     chi.URLParam(r, "workflowID"),
		TriggerType:    body.TriggerType,
		TriggerData:    body.TriggerData,
	}
	a.respond(w, r, func() (any, error) {
		if body.NodeID != "" {
			return a.executions.RunUntilNode(r.Context(), req, body.NodeID)
		}
		return a.executions.Run(r.Context(), req)
	})
}

func (a *api) listExecutions(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.executions.List(r.Context(), orgID(r), r.URL.Query().Get("workflowId"))
	})
}

func (a *api) getExecution(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.executions.GetByID(r.Context(), chi.URLParam(r, "executionID"))
	})
}

func (a *api) updateExecutionStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	a.respondErr(w, r, a.executions.UpdateStatus(r.Context(),
		chi.URLParam(r, "executionID"), execution.Status(body.Status)))
}

func (a *api) cancelExecution(w http.ResponseWriter, r *http.Request) {
	a.respondErr(w, r, a.executions.Cancel(r.Context(), chi.URLParam(r, "executionID")))
}

func (a *api) getExecutionLogs(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.executions.Logs(r.Context(), chi.URLParam(r, "executionID"))
	})
}

func (a *api) addExecutionLog(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID  string `json:"nodeId"`
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	a.respondErr(w, r, a.executions.AddLog(r.Context(),
		chi.URLParam(r, "executionID"), body.NodeID, body.Level, body.Message))
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.debug.ListSessions(r.Context(), orgID(r), r.URL.Query().Get("workflowId"))
	})
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID  string         `json:"workflowId"`
		Breakpoints []string       `json:"breakpoints"`
		TriggerData map[string]any `json:"triggerData"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	a.respond(w, r, func() (any, error) {
		return a.debug.CreateSession(r.Context(), orgID(r), body.WorkflowID,
			body.Breakpoints, body.TriggerData)
	})
}

func (a *api) getSessionState(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.debug.GetState(r.Context(), chi.URLParam(r, "sessionID"))
	})
}

// sessionOp dispatches start/continue/step/terminate based on the route tail.
func (a *api) sessionOp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	a.respond(w, r, func() (any, error) {
		switch routeTail(r) {
		case "start":
			return a.debug.Start(r.Context(), id)
		case "continue":
			return a.debug.Continue(r.Context(), id)
		case "step":
			return a.debug.StepOver(r.Context(), id)
		case "terminate":
			return a.debug.Terminate(r.Context(), id)
		default:
			return nil, errors.New("unknown session operation")
		}
	})
}

func (a *api) getBreakpoints(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.debug.GetBreakpoints(r.Context(), orgID(r), chi.URLParam(r, "workflowID"))
	})
}

func (a *api) toggleBreakpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	a.respondErr(w, r, a.debug.ToggleBreakpoint(r.Context(), orgID(r),
		chi.URLParam(r, "workflowID"), chi.URLParam(r, "nodeID"), body.Enabled))
}

// credentialsReady rejects credential routes when no encryption key was
// configured at startup.
func (a *api) credentialsReady(w http.ResponseWriter) bool {
	if a.credentials == nil {
		a.writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "credential service is not configured"})
		return false
	}
	return true
}

func (a *api) listCredentials(w http.ResponseWriter, r *http.Request) {
	if !a.credentialsReady(w) {
		return
	}
	a.respond(w, r, func() (any, error) {
		return a.credentials.List(r.Context(), orgID(r))
	})
}

func (a *api) getCredential(w http.ResponseWriter, r *http.Request) {
	if !a.credentialsReady(w) {
		return
	}
	a.respond(w, r, func() (any, error) {
		return a.credentials.Get(r.Context(), orgID(r), chi.URLParam(r, "credentialID"))
	})
}

func (a *api) createCredential(w http.ResponseWriter, r *http.Request) {
	if !a.credentialsReady(w) {
		return
	}
	var body struct {
		Name   string            `json:"name"`
		Type   credential.Type   `json:"type"`
		Config credential.Config `json:"config"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	a.respond(w, r, func() (any, error) {
		return a.credentials.Create(r.Context(), orgID(r), body.Name, body.Type, body.Config)
	})
}

func (a *api) updateCredential(w http.ResponseWriter, r *http.Request) {
	if !a.credentialsReady(w) {
		return
	}
	var body struct {
		Name   string            `json:"name"`
		Config credential.Config `json:"config"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	a.respond(w, r, func() (any, error) {
		return a.credentials.Update(r.Context(), orgID(r),
			chi.URLParam(r, "credentialID"), body.Name, body.Config)
	})
}

func (a *api) deleteCredential(w http.ResponseWriter, r *http.Request) {
	if !a.credentialsReady(w) {
		return
	}
	a.respondErr(w, r, a.credentials.Delete(r.Context(), orgID(r), chi.URLParam(r, "credentialID")))
}

func (a *api) testCredential(w http.ResponseWriter, r *http.Request) {
	if !a.credentialsReady(w) {
		return
	}
	err := a.credentials.TestConnection(r.Context(), orgID(r), chi.URLParam(r, "credentialID"))
	if err != nil {
		a.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *api) listWebhooks(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.webhooks.List(r.Context(), orgID(r))
	})
}

func (a *api) createWebhook(w http.ResponseWriter, r *http.Request) {
	var wh webhook.Webhook
	if !a.decode(w, r, &wh) {
		return
	}
	wh.OrganizationID = orgID(r)
	a.respond(w, r, func() (any, error) {
		return a.webhooks.Create(r.Context(), wh)
	})
}

func (a *api) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var wh webhook.Webhook
	if !a.decode(w, r, &wh) {
		return
	}
	wh.OrganizationID = orgID(r)
	a.respond(w, r, func() (any, error) {
		return a.webhooks.Update(r.Context(), wh)
	})
}

func (a *api) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	a.respondErr(w, r, a.webhooks.Delete(r.Context(), orgID(r), chi.URLParam(r, "webhookID")))
}

func (a *api) latestWebhookRequest(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		return a.webhooks.GetLatestRequest(r.Context(), orgID(r), chi.URLParam(r, "webhookID"))
	})
}

func (a *api) listPackages(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, func() (any, error) {
		if q := r.URL.Query().Get("q"); q != "" {
			return a.packages.Search(r.Context(), orgID(r), q)
		}
		return a.packages.List(r.Context(), orgID(r))
	})
}

func (a *api) installPackage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name             string `json:"name"`
		Version          string `json:"version"`
		TypeDeclarations string `json:"typeDeclarations"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	a.respond(w, r, func() (any, error) {
		return a.packages.Install(r.Context(), orgID(r), body.Name, body.Version, body.TypeDeclarations)
	})
}

func (a *api) uninstallPackage(w http.ResponseWriter, r *http.Request) {
	a.respondErr(w, r, a.packages.Uninstall(r.Context(), orgID(r), chi.URLParam(r, "name")))
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func (a *api) respond(w http.ResponseWriter, r *http.Request, fn func() (any, error)) {
	v, err := fn()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, v)
}

func (a *api) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	var (
		notFound   *flowerrors.NotFoundError
		validation *flowerrors.ValidationError
		ended      *flowerrors.SessionEndedError
	)
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &validation):
		status = http.StatusUnprocessableEntity
		body["violations"] = validation.Violations
	case errors.As(err, &ended):
		status = http.StatusConflict
	case errors.Is(err, flowerrors.ErrWorkflowInactive):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), "api request failed",
			"method", r.Method, "path", r.URL.Path, "error", err.Error())
	}
	a.writeJSON(w, status, body)
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// routeTail returns the final path segment of the matched route.
func routeTail(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	pattern := rctx.RoutePattern()
	for i := len(pattern) - 1; i >= 0; i-- {
		if pattern[i] == '/' {
			return pattern[i+1:]
		}
	}
	return pattern
}
