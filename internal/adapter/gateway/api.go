package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"afo-engine/internal/domain"
	"afo-engine/internal/usecase/workflow"
)

// defaultListLimit caps execution listings when the caller gives no limit.
const defaultListLimit = 50

// API adapts the workflow service to gateway payloads. REST routes and RPC
// methods share it, so both transports validate and answer identically.
type API struct {
	svc     *workflow.Service
	schemas *bodySchemas
	logger  *slog.Logger
}

// NewAPI compiles the request schemas and binds svc.
func NewAPI(svc *workflow.Service, logger *slog.Logger) (*API, error) {
	schemas, err := compileBodySchemas()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{svc: svc, schemas: schemas, logger: logger}, nil
}

type idRequest struct {
	ID string `json:"id"`
}

type listWorkflowsRequest struct {
	AgentID string `json:"agent_id"`
}

type updateRequest struct {
	ID    string          `json:"id"`
	Patch json.RawMessage `json:"patch"`
}

type validateRequest struct {
	ID       string                     `json:"id,omitempty"`
	UserID   string                     `json:"user_id"`
	Workflow *domain.WorkflowDefinition `json:"workflow,omitempty"`
}

type executeRequest struct {
	ID               string         `json:"id"`
	Context          map[string]any `json:"context"`
	UserIntegrations map[string]any `json:"user_integrations"`
	Async            bool           `json:"async,omitempty"`
}

type triggerRequest struct {
	AgentID          string         `json:"agent_id"`
	Trigger          string         `json:"trigger"`
	Context          map[string]any `json:"context"`
	UserIntegrations map[string]any `json:"user_integrations"`
}

type listExecutionsRequest struct {
	WorkflowID string `json:"workflow_id"`
	Limit      int    `json:"limit,omitempty"`
}

type integrationsRequest struct {
	AgentID string `json:"agent_id"`
	UserID  string `json:"user_id"`
}

// TriggerResponse reports the runs started by a trigger dispatch.
type TriggerResponse struct {
	Executions []domain.ExecutionRecord `json:"executions"`
	Errors     []string                 `json:"errors"`
}

// ExecuteResult carries an execution record and whether the run is still in
// flight.
type ExecuteResult struct {
	Record *domain.ExecutionRecord
	Async  bool
}

func requireField(name, value string) error {
	if value == "" {
		return invalidPayload(name + " is required")
	}
	return nil
}

func (a *API) createWorkflow(ctx context.Context, raw []byte) (*domain.WorkflowDefinition, error) {
	var in workflow.CreateWorkflowInput
	if err := decodeChecked(a.schemas.create, raw, &in); err != nil {
		return nil, err
	}
	return a.svc.CreateWorkflow(ctx, in)
}

func (a *API) updateWorkflow(ctx context.Context, id string, raw []byte) (*domain.WorkflowDefinition, error) {
	if err := requireField("id", id); err != nil {
		return nil, err
	}
	var patch domain.WorkflowPatch
	if err := decodeChecked(a.schemas.patch, raw, &patch); err != nil {
		return nil, err
	}
	return a.svc.UpdateWorkflow(ctx, id, patch)
}

func (a *API) listWorkflows(ctx context.Context, agentID string) ([]domain.WorkflowDefinition, error) {
	if err := requireField("agent_id", agentID); err != nil {
		return nil, err
	}
	defs, err := a.svc.ListWorkflows(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if defs == nil {
		defs = []domain.WorkflowDefinition{}
	}
	return defs, nil
}

// validate checks an inline definition, or a stored one when req.ID is set.
func (a *API) validate(ctx context.Context, req validateRequest) (*domain.ValidationReport, error) {
	if req.ID != "" {
		return a.svc.ValidateStoredWorkflow(ctx, req.ID, req.UserID)
	}
	if req.Workflow == nil {
		return nil, invalidPayload("workflow is required")
	}
	return a.svc.ValidateWorkflow(ctx, *req.Workflow, req.UserID)
}

// execute runs a workflow. An engine fault yields the failed record with a nil
// error: the failure is reported through the record status.
func (a *API) execute(ctx context.Context, req executeRequest) (ExecuteResult, error) {
	if err := requireField("id", req.ID); err != nil {
		return ExecuteResult{}, err
	}
	if req.Async {
		rec, err := a.svc.StartWorkflow(ctx, req.ID, req.Context, req.UserIntegrations)
		return ExecuteResult{Record: rec, Async: true}, err
	}
	rec, err := a.svc.ExecuteWorkflow(ctx, req.ID, req.Context, req.UserIntegrations)
	if err != nil && rec != nil {
		a.logger.Warn("execution ended in failure", "workflow_id", req.ID, "execution_id", rec.ID, "error", err)
		return ExecuteResult{Record: rec}, nil
	}
	return ExecuteResult{Record: rec}, err
}

func (a *API) trigger(ctx context.Context, req triggerRequest) (*TriggerResponse, error) {
	recs, err := a.svc.TriggerWorkflows(ctx, req.AgentID, req.Trigger, req.Context, req.UserIntegrations)
	var runErrs joinedError
	if err != nil && !errors.As(err, &runErrs) {
		return nil, err
	}
	resp := &TriggerResponse{Executions: recs, Errors: []string{}}
	if resp.Executions == nil {
		resp.Executions = []domain.ExecutionRecord{}
	}
	if runErrs != nil {
		for _, e := range runErrs.Unwrap() {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	return resp, nil
}

// joinedError matches the result of errors.Join.
type joinedError interface{ Unwrap() []error }

func (a *API) listExecutions(ctx context.Context, req listExecutionsRequest) ([]domain.ExecutionRecord, error) {
	if err := requireField("workflow_id", req.WorkflowID); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if _, err := a.svc.GetWorkflow(ctx, req.WorkflowID); err != nil {
		return nil, err
	}
	recs, err := a.svc.ListExecutions(ctx, req.WorkflowID, req.Limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	return recs, nil
}

func (a *API) agentIntegrations(ctx context.Context, req integrationsRequest) (map[domain.IntegrationType]domain.IntegrationStatus, error) {
	if err := requireField("agent_id", req.AgentID); err != nil {
		return nil, err
	}
	return a.svc.GetAgentIntegrationStatus(ctx, req.AgentID, req.UserID)
}

// --- RPC ---

// requireWrite rejects clients without write access.
func requireWrite(h RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if !client.CanWrite() {
			return nil, domain.NewDomainError("gateway.rpc", domain.ErrPermissionDenied, "write access required")
		}
		return h(ctx, client, payload)
	}
}

// rpc adapts a typed call into an RPCHandler.
func rpc[Req, Resp any](call func(ctx context.Context, req Req) (Resp, error)) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, invalidPayload(fmt.Sprintf("decode payload: %v", err))
			}
		}
		resp, err := call(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

// RegisterRPC installs the workflow and execution methods on s.
func (a *API) RegisterRPC(s *Server) {
	s.RegisterHandler("workflow.create", requireWrite(func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		def, err := a.createWorkflow(ctx, payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(def)
	}))
	s.RegisterHandler("workflow.get", rpc(func(ctx context.Context, req idRequest) (*domain.WorkflowDefinition, error) {
		return a.svc.GetWorkflow(ctx, req.ID)
	}))
	s.RegisterHandler("workflow.list", rpc(func(ctx context.Context, req listWorkflowsRequest) (map[string]any, error) {
		defs, err := a.listWorkflows(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"workflows": defs}, nil
	}))
	s.RegisterHandler("workflow.update", requireWrite(rpc(func(ctx context.Context, req updateRequest) (*domain.WorkflowDefinition, error) {
		if len(req.Patch) == 0 {
			return nil, invalidPayload("patch is required")
		}
		return a.updateWorkflow(ctx, req.ID, req.Patch)
	})))
	s.RegisterHandler("workflow.delete", requireWrite(rpc(func(ctx context.Context, req idRequest) (map[string]bool, error) {
		if err := a.svc.DeleteWorkflow(ctx, req.ID); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil
	})))
	s.RegisterHandler("workflow.validate", rpc(a.validate))
	s.RegisterHandler("workflow.execute", requireWrite(rpc(func(ctx context.Context, req executeRequest) (*domain.ExecutionRecord, error) {
		res, err := a.execute(ctx, req)
		return res.Record, err
	})))
	s.RegisterHandler("workflow.trigger", requireWrite(rpc(a.trigger)))
	s.RegisterHandler("workflow.node_types", rpc(func(context.Context, struct{}) (map[string]any, error) {
		return map[string]any{"node_types": a.svc.ListNodeTypes()}, nil
	}))
	s.RegisterHandler("workflow.templates", rpc(func(context.Context, struct{}) (map[string]any, error) {
		return map[string]any{"templates": a.svc.ListWorkflowTemplates()}, nil
	}))
	s.RegisterHandler("execution.get", rpc(func(ctx context.Context, req idRequest) (*domain.ExecutionRecord, error) {
		return a.svc.GetExecution(ctx, req.ID)
	}))
	s.RegisterHandler("execution.list", rpc(func(ctx context.Context, req listExecutionsRequest) (map[string]any, error) {
		recs, err := a.listExecutions(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{"executions": recs}, nil
	}))
	s.RegisterHandler("execution.cancel", requireWrite(rpc(func(ctx context.Context, req idRequest) (map[string]bool, error) {
		if err := a.svc.CancelExecution(ctx, req.ID); err != nil {
			return nil, err
		}
		return map[string]bool{"cancelled": true}, nil
	})))
	s.RegisterHandler("agent.integrations", rpc(a.agentIntegrations))
}
