package mongo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/typeflow/typeflow/runtime/credential"
	"github.com/typeflow/typeflow/runtime/debugger"
	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/pkgmanifest"
	"github.com/typeflow/typeflow/runtime/webhook"
	"github.com/typeflow/typeflow/runtime/workflow"
)

// bsonRoundTrip exercises the document's bson tags the way the driver would.
// BSON datetimes carry millisecond precision, so fixtures use ms-aligned times.
func bsonRoundTrip[T any](t *testing.T, doc T) T {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var out T
	require.NoError(t, bson.Unmarshal(raw, &out))
	return out
}

var fixedAt = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func TestWorkflowDocumentRoundTrip(t *testing.T) {
	t.Parallel()
	wf := workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "pipeline",
		Description:    "nightly import",
		Version:        3,
		Active:         true,
		Metadata: workflow.Metadata{
			TypeDeclarations: "declare const $env: Record<string, string>;",
			Breakpoints:      []string{"b", "c"},
			Extra:            map[string]any{"color": "blue"},
		},
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start", Position: json.RawMessage(`{"x":10,"y":20}`)},
			{
				ID: "c", Kind: workflow.KindCode, Label: "Step",
				Position:       json.RawMessage(`{"x":200,"y":20}`),
				Config:         map[string]any{"code": "return $input"},
				ExecutionOrder: 2,
			},
		},
		Connections: []workflow.Connection{
			{SourceNodeID: "t", SourceHandle: "main", TargetNodeID: "c", TargetHandle: "in"},
		},
		CreatedAt: fixedAt,
	}

	got := bsonRoundTrip(t, fromWorkflow(wf)).toWorkflow()
	assert.Equal(t, wf.OrganizationID, got.OrganizationID)
	assert.Equal(t, wf.WorkflowID, got.WorkflowID)
	assert.Equal(t, wf.Name, got.Name)
	assert.Equal(t, wf.Description, got.Description)
	assert.Equal(t, wf.Version, got.Version)
	assert.Equal(t, wf.Active, got.Active)
	assert.Equal(t, wf.Metadata, got.Metadata)
	assert.Equal(t, wf.Nodes, got.Nodes)
	assert.Equal(t, wf.Connections, got.Connections)
	assert.Equal(t, fixedAt, got.CreatedAt)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSessionDocumentRoundTripPreservesStepperState(t *testing.T) {
	t.Parallel()
	paired := 1
	sess := debugger.Session{
		SessionID:      "s1",
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		ExecutionID:    "ex1",
		Status:         debugger.StatusPaused,
		Breakpoints:    []string{"b"},
		TriggerData:    map[string]any{"user": "ada"},
		CurrentNodeID:  "b",
		NextNodeIDs:    []string{"b", "d"},
		State: engine.StepperState{
			Frontier: []string{"b", "d"},
			Statuses: map[string]execution.NodeStatus{
				"t": execution.NodeCompleted,
				"a": execution.NodeCompleted,
				"x": execution.NodeSkipped,
			},
			Outputs: map[string][]item.Item{
				"a": {
					{JSON: map[string]any{"name": "ada"}},
					{JSON: map[string]any{"name": "grace"}, PairedItem: &paired},
				},
			},
			Order:         []string{"t", "a"},
			ActiveHandles: map[string]string{"if": "yes"},
			Result:        []item.Item{{JSON: map[string]any{"done": "yes"}}},
		},
		NodeResults: map[string]execution.NodeResult{
			"a": {
				NodeID:   "a",
				Status:   execution.NodeCompleted,
				Output:   []item.Item{{JSON: map[string]any{"name": "ada"}}},
				Duration: 1500 * time.Millisecond,
			},
		},
		Error:     "",
		CreatedAt: fixedAt,
	}

	got := bsonRoundTrip(t, fromSession(sess)).toSession()
	assert.Equal(t, sess.SessionID, got.SessionID)
	assert.Equal(t, sess.Status, got.Status)
	assert.Equal(t, sess.Breakpoints, got.Breakpoints)
	assert.Equal(t, sess.TriggerData, got.TriggerData)
	assert.Equal(t, sess.CurrentNodeID, got.CurrentNodeID)
	assert.Equal(t, sess.NextNodeIDs, got.NextNodeIDs)
	assert.Equal(t, sess.State, got.State)
	assert.Equal(t, sess.NodeResults, got.NodeResults)
	assert.Equal(t, fixedAt, got.CreatedAt)
}

func TestExecutionDocumentRoundTrip(t *testing.T) {
	t.Parallel()
	rec := execution.Record{
		ExecutionID:       "ex1",
		OrganizationID:    "org1",
		WorkflowID:        "wf1",
		Status:            execution.StatusCompleted,
		TriggerType:       "webhook",
		TriggerData:       map[string]any{"path": "hook"},
		ParentExecutionID: "ex0",
		NodeResults: map[string]execution.NodeResult{
			"c": {
				NodeID:   "c",
				Status:   execution.NodeFailed,
				Error:    "kaput",
				Duration: 250 * time.Millisecond,
			},
		},
		Result:      []item.Item{{JSON: map[string]any{"value": "ok"}}},
		Error:       "",
		StartedAt:   fixedAt,
		CompletedAt: fixedAt.Add(2 * time.Second),
		Duration:    2 * time.Second,
	}

	got := bsonRoundTrip(t, fromExecution(rec)).toExecution()
	assert.Equal(t, rec, got)
}

func TestWebhookDocumentRoundTrip(t *testing.T) {
	t.Parallel()
	wh := webhook.Webhook{
		WebhookID:      "wh1",
		OrganizationID: "org1",
		Path:           "hook",
		WorkflowID:     "wf1",
		Method:         "POST",
		Active:         true,
		RateLimit:      30,
		AuthType:       webhook.AuthBasic,
		AuthConfig: webhook.AuthConfig{
			HeaderName: "x-hook-key",
			APIKey:     "k1",
			Token:      "tok",
			Username:   "alice",
			Password:   "pw",
		},
		ResponseMode: webhook.RespondImmediately,
		CreatedAt:    fixedAt,
	}

	got := bsonRoundTrip(t, fromWebhook(wh)).toWebhook()
	assert.Equal(t, wh.AuthType, got.AuthType)
	assert.Equal(t, wh.AuthConfig, got.AuthConfig)
	assert.Equal(t, wh.Method, got.Method)
	assert.Equal(t, wh.RateLimit, got.RateLimit)
	assert.Equal(t, wh.ResponseMode, got.ResponseMode)
	assert.Equal(t, fixedAt, got.CreatedAt)
}

func TestRequestDocumentRoundTrip(t *testing.T) {
	t.Parallel()
	req := webhook.Request{
		RequestID:      "r1",
		WebhookID:      "wh1",
		OrganizationID: "org1",
		Path:           "hook",
		Method:         "POST",
		URL:            "/org1/hook?tag=a",
		Headers:        map[string][]string{"Content-Type": {"application/json"}},
		Query:          map[string][]string{"tag": {"a"}},
		Cookies:        map[string]string{"sid": "abc"},
		Body:           map[string]any{"user": "ada"},
		RawBody:        []byte(`{"user":"ada"}`),
		ContentType:    "application/json",
		ReceivedAt:     fixedAt,
	}

	got := bsonRoundTrip(t, fromRequest(req)).toRequest()
	assert.Equal(t, req, got)
}

func TestCredentialDocumentRoundTrip(t *testing.T) {
	t.Parallel()
	cred := credential.Credential{
		OrganizationID: "org1",
		CredentialID:   "cred1",
		Name:           "warehouse",
		Type:           credential.TypePostgres,
		Ciphertext:     []byte{0x01, 0x02, 0x03, 0xff},
		CreatedAt:      fixedAt,
	}

	got := bsonRoundTrip(t, fromCredential(cred)).toCredential()
	assert.Equal(t, cred.OrganizationID, got.OrganizationID)
	assert.Equal(t, cred.CredentialID, got.CredentialID)
	assert.Equal(t, cred.Name, got.Name)
	assert.Equal(t, cred.Type, got.Type)
	assert.Equal(t, cred.Ciphertext, got.Ciphertext)
	assert.Equal(t, fixedAt, got.CreatedAt)
}

func TestPackageDocumentRoundTrip(t *testing.T) {
	t.Parallel()
	pkg := pkgmanifest.Package{
		OrganizationID:   "org1",
		Name:             "lodash",
		Version:          "4.17.21",
		TypeDeclarations: "declare function chunk<T>(arr: T[], size: number): T[][];",
		InstalledAt:      fixedAt,
	}

	got := bsonRoundTrip(t, fromPackage(pkg)).toPackage()
	assert.Equal(t, pkg, got)
}
