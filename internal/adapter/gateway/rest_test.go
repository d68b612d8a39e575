package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afo-engine/internal/domain"
	"afo-engine/internal/infra/config"
	"afo-engine/internal/usecase/workflow"
)

func createGreeting(t *testing.T, e *testEnv) domain.WorkflowDefinition {
	t.Helper()
	status, body := e.do(t, "POST", "/api/v1/workflows", adminToken, greetingBody())
	require.Equal(t, http.StatusCreated, status, string(body))
	return decode[domain.WorkflowDefinition](t, body)
}

func TestRESTWorkflowCRUD(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})
	def := createGreeting(t, e)
	assert.NotEmpty(t, def.ID)
	assert.True(t, def.IsActive)
	assert.Len(t, def.Nodes, 2)

	status, body := e.do(t, "GET", "/api/v1/workflows/"+def.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Greeting", decode[domain.WorkflowDefinition](t, body).Name)

	status, body = e.do(t, "GET", "/api/v1/workflows?agent_id=agent-1", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[map[string][]domain.WorkflowDefinition](t, body)
	require.Len(t, list["workflows"], 1)

	status, body = e.do(t, "GET", "/api/v1/workflows?agent_id=nobody", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"workflows":[]}`, string(body))

	status, body = e.do(t, "PUT", "/api/v1/workflows/"+def.ID, adminToken, map[string]any{"name": "Renamed", "is_active": false})
	require.Equal(t, http.StatusOK, status, string(body))
	updated := decode[domain.WorkflowDefinition](t, body)
	assert.Equal(t, "Renamed", updated.Name)
	assert.False(t, updated.IsActive)
	assert.Len(t, updated.Nodes, 2)

	status, _ = e.do(t, "DELETE", "/api/v1/workflows/"+def.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = e.do(t, "GET", "/api/v1/workflows/"+def.ID, adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "WORKFLOW_NOT_FOUND", decode[ErrorBody](t, body).Code)

	status, _ = e.do(t, "DELETE", "/api/v1/workflows/"+def.ID, adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRESTListRequiresAgent(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})
	status, body := e.do(t, "GET", "/api/v1/workflows", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "RPC_INVALID_PAYLOAD", decode[ErrorBody](t, body).Code)
}

func TestRESTCreateSchema(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})

	tests := []struct {
		name string
		body any
	}{
		{"missing name", map[string]any{"agent_id": "a"}},
		{"empty agent", map[string]any{"agent_id": "", "name": "n"}},
		{"unknown field", map[string]any{"agent_id": "a", "name": "n", "owner": "x"}},
		{"node without id", map[string]any{"agent_id": "a", "name": "n", "nodes": []map[string]any{{"type": "message"}}}},
		{"nodes not array", map[string]any{"agent_id": "a", "name": "n", "nodes": "x"}},
		{"malformed", `{"agent_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := e.do(t, "POST", "/api/v1/workflows", adminToken, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "RPC_INVALID_PAYLOAD", decode[ErrorBody](t, body).Code)
		})
	}

	status, body := e.do(t, "PUT", "/api/v1/workflows/any", adminToken, map[string]any{"agent_id": "moved"})
	assert.Equal(t, http.StatusBadRequest, status, string(body))
}

func TestRESTAuth(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})

	status, body := e.do(t, "GET", "/api/v1/node-types", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "GATEWAY_AUTH", decode[ErrorBody](t, body).Code)

	status, _ = e.do(t, "GET", "/api/v1/node-types", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = e.do(t, "GET", "/api/v1/node-types?token="+viewerToken, "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = e.do(t, "POST", "/api/v1/workflows", viewerToken, greetingBody())
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "PERMISSION_DENIED", decode[ErrorBody](t, body).Code)

	status, _ = e.do(t, "POST", "/api/v1/workflows/validate", viewerToken, map[string]any{"workflow": greetingBody()})
	assert.Equal(t, http.StatusOK, status)
}

func TestRESTValidate(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})

	crm := map[string]any{
		"agent_id": "agent-1",
		"name":     "CRM",
		"nodes": []map[string]any{
			{"id": "start", "type": "trigger", "next": "crm"},
			{"id": "crm", "type": "crm_update"},
		},
	}
	status, body := e.do(t, "POST", "/api/v1/workflows/validate", adminToken, map[string]any{"workflow": crm})
	require.Equal(t, http.StatusOK, status)
	report := decode[domain.ValidationReport](t, body)
	assert.False(t, report.Valid)
	assert.False(t, report.CanSave)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, domain.IssueMissingIntegration, report.Errors[0].Code)

	status, body = e.do(t, "POST", "/api/v1/workflows/validate", adminToken, map[string]any{"workflow": crm, "user_id": "user-1"})
	require.Equal(t, http.StatusOK, status)
	report = decode[domain.ValidationReport](t, body)
	assert.True(t, report.Valid)
	assert.True(t, report.CanExecute)

	status, _ = e.do(t, "POST", "/api/v1/workflows/validate", adminToken, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	def := createGreeting(t, e)
	status, body = e.do(t, "POST", "/api/v1/workflows/"+def.ID+"/validate", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[domain.ValidationReport](t, body).Valid)

	status, _ = e.do(t, "POST", "/api/v1/workflows/missing/validate", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRESTExecute(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})
	def := createGreeting(t, e)

	status, body := e.do(t, "POST", "/api/v1/workflows/"+def.ID+"/execute", adminToken, map[string]any{
		"context": map[string]any{"name": "Ada"},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	rec := decode[domain.ExecutionRecord](t, body)
	assert.Equal(t, domain.ExecutionCompleted, rec.Status)
	assert.NotNil(t, rec.CompletedAt)
	hello, ok := rec.Results.Get("hello")
	require.True(t, ok)
	assert.Equal(t, "Hi Ada", hello["message_sent"])

	status, body = e.do(t, "GET", "/api/v1/executions/"+rec.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, rec.ID, decode[domain.ExecutionRecord](t, body).ID)

	status, body = e.do(t, "GET", "/api/v1/executions/missing", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "EXECUTION_NOT_FOUND", decode[ErrorBody](t, body).Code)

	status, body = e.do(t, "GET", "/api/v1/workflows/"+def.ID+"/executions?limit=10", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[map[string][]domain.ExecutionRecord](t, body)["executions"], 1)

	status, _ = e.do(t, "GET", "/api/v1/workflows/"+def.ID+"/executions?limit=abc", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = e.do(t, "GET", "/api/v1/workflows/"+def.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, decode[domain.WorkflowDefinition](t, body).ExecutionCount)

	status, _ = e.do(t, "POST", "/api/v1/workflows/missing/execute", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = e.do(t, "PUT", "/api/v1/workflows/"+def.ID, adminToken, map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, status)
	status, body = e.do(t, "POST", "/api/v1/workflows/"+def.ID+"/execute", adminToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "WORKFLOW_INACTIVE", decode[ErrorBody](t, body).Code)
}

func TestRESTExecuteAsyncAndCancel(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})
	def, err := e.svc.CreateWorkflow(t.Context(), workflow.CreateWorkflowInput{
		AgentID: "agent-1",
		Name:    "Slow",
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeTrigger, Next: "wait"},
			{ID: "wait", Type: domain.NodeDelay, Config: map[string]any{"seconds": 30}},
		},
	})
	require.NoError(t, err)

	status, body := e.do(t, "POST", "/api/v1/workflows/"+def.ID+"/execute", adminToken, map[string]any{"async": true})
	require.Equal(t, http.StatusAccepted, status, string(body))
	rec := decode[domain.ExecutionRecord](t, body)
	assert.Equal(t, domain.ExecutionRunning, rec.Status)

	status, _ = e.do(t, "POST", "/api/v1/executions/"+rec.ID+"/cancel", viewerToken, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = e.do(t, "POST", "/api/v1/executions/"+rec.ID+"/cancel", adminToken, nil)
	require.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		got, err := e.svc.GetExecution(t.Context(), rec.ID)
		return err == nil && got.Status == domain.ExecutionCancelled
	}, 3*time.Second, 10*time.Millisecond)

	status, body = e.do(t, "POST", "/api/v1/executions/"+rec.ID+"/cancel", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "EXECUTION_NOT_RUNNING", decode[ErrorBody](t, body).Code)
}

func TestRESTTrigger(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})
	def := createGreeting(t, e)
	other := greetingBody()
	other["trigger"] = "lead_qualified"
	status, _ := e.do(t, "POST", "/api/v1/workflows", adminToken, other)
	require.Equal(t, http.StatusCreated, status)

	status, body := e.do(t, "POST", "/api/v1/workflows/trigger", adminToken, map[string]any{
		"agent_id": "agent-1",
		"trigger":  "conversation_start",
		"context":  map[string]any{"name": "Bo"},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	resp := decode[TriggerResponse](t, body)
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, def.ID, resp.Executions[0].WorkflowID)
	assert.Empty(t, resp.Errors)

	status, _ = e.do(t, "POST", "/api/v1/workflows/trigger", adminToken, map[string]any{"agent_id": "agent-1"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRESTCatalog(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})

	status, body := e.do(t, "GET", "/api/v1/node-types", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	types := decode[map[string][]workflow.NodeTypeInfo](t, body)["node_types"]
	assert.Len(t, types, len(domain.KnownNodeTypes()))

	status, body = e.do(t, "GET", "/api/v1/templates", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[map[string][]workflow.WorkflowTemplate](t, body)["templates"], len(workflow.WorkflowTemplates()))
}

func TestRESTAgentIntegrations(t *testing.T) {
	e := newTestEnv(t, config.ServerConfig{})
	crm := greetingBody()
	crm["nodes"] = []map[string]any{{"id": "crm", "type": "crm_update"}}
	status, body := e.do(t, "POST", "/api/v1/workflows", adminToken, crm)
	require.Equal(t, http.StatusCreated, status)
	def := decode[domain.WorkflowDefinition](t, body)

	status, body = e.do(t, "GET", "/api/v1/agents/agent-1/integrations?user_id=user-1", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[map[domain.IntegrationType]domain.IntegrationStatus](t, body)
	require.Len(t, got, 3)
	assert.True(t, got[domain.IntegrationCRM].Configured)
	assert.Equal(t, "hubspot", got[domain.IntegrationCRM].Provider)
	assert.Equal(t, []string{def.ID}, got[domain.IntegrationCRM].RequiredBy)
	assert.False(t, got[domain.IntegrationCalendar].Configured)
	assert.Empty(t, got[domain.IntegrationCalendar].RequiredBy)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.NewSubSystemError("workflow", "op", domain.ErrInvalidInput, "x"), http.StatusBadRequest},
		{domain.ErrDisabled, http.StatusConflict},
		{domain.ErrDuplicate, http.StatusConflict},
		{domain.ErrLimitReached, http.StatusTooManyRequests},
		{domain.ErrGatewayAuthFailed, http.StatusUnauthorized},
		{domain.ErrPermissionDenied, http.StatusForbidden},
		{domain.ErrProviderError, http.StatusBadGateway},
		{fmt.Errorf("wrap: %w", domain.ErrTimeout), http.StatusGatewayTimeout},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
