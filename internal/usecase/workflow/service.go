package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"afo-engine/internal/domain"
)

// CreateWorkflowInput is the payload for CreateWorkflow.
type CreateWorkflowInput struct {
	AgentID     string        `json:"agent_id" yaml:"agent_id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     string        `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Nodes       []domain.Node `json:"nodes" yaml:"nodes"`
	// IsActive defaults to true when nil.
	IsActive *bool `json:"is_active,omitempty" yaml:"is_active,omitempty"`
}

// Service is the workflow facade used by every transport.
type Service struct {
	workflows    domain.WorkflowStore
	executions   domain.ExecutionStore
	engine       *Engine
	integrations domain.IntegrationStatusProvider
	bus          domain.EventBus
	logger       *slog.Logger
}

// NewService wires the registry, engine and integration provider together.
// integrations and bus may be nil.
func NewService(
	workflows domain.WorkflowStore,
	executions domain.ExecutionStore,
	engine *Engine,
	integrations domain.IntegrationStatusProvider,
	bus domain.EventBus,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		workflows:    workflows,
		executions:   executions,
		engine:       engine,
		integrations: integrations,
		bus:          bus,
		logger:       logger,
	}
}

// CreateWorkflow stores a new active definition with a generated id.
func (s *Service) CreateWorkflow(ctx context.Context, in CreateWorkflowInput) (*domain.WorkflowDefinition, error) {
	if strings.TrimSpace(in.AgentID) == "" {
		return nil, domain.NewSubSystemError("workflow", "Service.CreateWorkflow", domain.ErrInvalidInput, "agent_id is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, domain.NewSubSystemError("workflow", "Service.CreateWorkflow", domain.ErrInvalidInput, "name is required")
	}

	now := time.Now().UTC()
	def := domain.WorkflowDefinition{
		ID:          NewID(now),
		AgentID:     in.AgentID,
		Name:        in.Name,
		Description: in.Description,
		Trigger:     in.Trigger,
		Nodes:       domain.CloneNodes(in.Nodes),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if def.Nodes == nil {
		def.Nodes = []domain.Node{}
	}
	if in.IsActive != nil {
		def.IsActive = *in.IsActive
	}
	if err := s.workflows.CreateWorkflow(ctx, def); err != nil {
		return nil, domain.WrapOp("Service.CreateWorkflow", err)
	}

	s.logger.Info("workflow created", "workflow_id", def.ID, "agent_id", def.AgentID, "nodes", len(def.Nodes))
	s.emit(ctx, domain.EventWorkflowCreated, def.ID, map[string]string{"agent_id": def.AgentID, "name": def.Name})
	return &def, nil
}

// GetWorkflow returns a definition or an ErrNotFound error.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	return s.workflows.GetWorkflow(ctx, id)
}

// ListWorkflows returns every definition owned by agentID.
func (s *Service) ListWorkflows(ctx context.Context, agentID string) ([]domain.WorkflowDefinition, error) {
	return s.workflows.ListWorkflows(ctx, agentID)
}

// UpdateWorkflow applies a partial update.
func (s *Service) UpdateWorkflow(ctx context.Context, id string, patch domain.WorkflowPatch) (*domain.WorkflowDefinition, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, domain.NewSubSystemError("workflow", "Service.UpdateWorkflow", domain.ErrInvalidInput, "name must not be empty")
	}
	def, err := s.workflows.UpdateWorkflow(ctx, id, patch)
	if err != nil {
		return nil, domain.WrapOp("Service.UpdateWorkflow", err)
	}
	s.logger.Info("workflow updated", "workflow_id", id)
	s.emit(ctx, domain.EventWorkflowUpdated, id, map[string]string{"agent_id": def.AgentID})
	return def, nil
}

// DeleteWorkflow removes a definition.
func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.workflows.DeleteWorkflow(ctx, id); err != nil {
		return domain.WrapOp("Service.DeleteWorkflow", err)
	}
	s.logger.Info("workflow deleted", "workflow_id", id)
	s.emit(ctx, domain.EventWorkflowDeleted, id, nil)
	return nil
}

// ValidateWorkflow checks a definition against the user's active integrations.
func (s *Service) ValidateWorkflow(ctx context.Context, def domain.WorkflowDefinition, userID string) (*domain.ValidationReport, error) {
	active, err := domain.ActiveIntegrationTypes(ctx, s.integrations, userID)
	if err != nil {
		return nil, domain.NewSubSystemError("integration", "Service.ValidateWorkflow", domain.ErrProviderError, err.Error())
	}
	report := Validate(def, active)
	return &report, nil
}

// ValidateStoredWorkflow validates a definition already in the registry.
func (s *Service) ValidateStoredWorkflow(ctx context.Context, id, userID string) (*domain.ValidationReport, error) {
	def, err := s.workflows.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ValidateWorkflow(ctx, *def, userID)
}

// ExecuteWorkflow runs a stored workflow to completion.
func (s *Service) ExecuteWorkflow(ctx context.Context, id string, vars, integrations map[string]any) (*domain.ExecutionRecord, error) {
	return s.engine.Execute(ctx, ExecuteRequest{WorkflowID: id, Context: vars, Integrations: integrations})
}

// StartWorkflow begins a run in the background and returns the running record.
func (s *Service) StartWorkflow(ctx context.Context, id string, vars, integrations map[string]any) (*domain.ExecutionRecord, error) {
	return s.engine.Start(ctx, ExecuteRequest{WorkflowID: id, Context: vars, Integrations: integrations})
}

// CancelExecution asks a running execution to stop.
func (s *Service) CancelExecution(ctx context.Context, executionID string) error {
	return s.engine.Cancel(ctx, executionID)
}

// GetExecution returns an execution record.
func (s *Service) GetExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	return s.executions.GetExecution(ctx, id)
}

// ListExecutions returns recent executions of a workflow, newest first.
func (s *Service) ListExecutions(ctx context.Context, workflowID string, limit int) ([]domain.ExecutionRecord, error) {
	return s.executions.ListExecutions(ctx, workflowID, limit)
}

// TriggerWorkflows runs every active workflow of agentID whose trigger tag
// matches. A failure of one workflow does not stop the others.
func (s *Service) TriggerWorkflows(ctx context.Context, agentID, trigger string, vars, integrations map[string]any) ([]domain.ExecutionRecord, error) {
	if agentID == "" || trigger == "" {
		return nil, domain.NewSubSystemError("workflow", "Service.TriggerWorkflows", domain.ErrInvalidInput, "agent_id and trigger are required")
	}
	defs, err := s.workflows.ListWorkflows(ctx, agentID)
	if err != nil {
		return nil, domain.WrapOp("Service.TriggerWorkflows", err)
	}

	var (
		out  []domain.ExecutionRecord
		errs []error
	)
	for _, def := range defs {
		if !def.IsActive || def.Trigger != trigger {
			continue
		}
		rec, err := s.engine.Execute(ctx, ExecuteRequest{WorkflowID: def.ID, Context: vars, Integrations: integrations})
		if rec != nil {
			out = append(out, *rec)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", def.ID, err))
		}
	}
	s.logger.Info("trigger dispatched", "agent_id", agentID, "trigger", trigger, "executions", len(out))
	return out, errors.Join(errs...)
}

// ListNodeTypes returns the static node type catalog.
func (s *Service) ListNodeTypes() []NodeTypeInfo { return NodeCatalog() }

// ListWorkflowTemplates returns the built-in example workflows.
func (s *Service) ListWorkflowTemplates() []WorkflowTemplate { return WorkflowTemplates() }

// GetAgentIntegrationStatus reports, per integration type, whether userID has
// it configured and which of agentID's workflows need it.
func (s *Service) GetAgentIntegrationStatus(ctx context.Context, agentID, userID string) (map[domain.IntegrationType]domain.IntegrationStatus, error) {
	status := make(map[domain.IntegrationType]domain.IntegrationStatus)
	for _, t := range domain.IntegrationTypes() {
		status[t] = domain.IntegrationStatus{RequiredBy: []string{}}
	}

	if s.integrations != nil && userID != "" {
		list, err := s.integrations.ListIntegrations(ctx, userID)
		if err != nil {
			return nil, domain.NewSubSystemError("integration", "Service.GetAgentIntegrationStatus", domain.ErrProviderError, err.Error())
		}
		for _, in := range list {
			st, ok := status[in.Type]
			if !ok || !in.Active || st.Configured {
				continue
			}
			st.Configured = true
			st.Provider = in.Provider
			status[in.Type] = st
		}
	}

	defs, err := s.workflows.ListWorkflows(ctx, agentID)
	if err != nil {
		return nil, domain.WrapOp("Service.GetAgentIntegrationStatus", err)
	}
	for _, def := range defs {
		needed := make(map[domain.IntegrationType]bool)
		for _, n := range def.Nodes {
			if t, ok := domain.RequiredIntegration(n.Type); ok {
				needed[t] = true
			}
		}
		for _, t := range domain.IntegrationTypes() {
			if needed[t] {
				st := status[t]
				st.RequiredBy = append(st.RequiredBy, def.ID)
				status[t] = st
			}
		}
	}
	return status, nil
}

func (s *Service) emit(ctx context.Context, eventType domain.EventType, workflowID string, payload any) {
	if s.bus == nil {
		return
	}
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	s.bus.Publish(ctx, domain.Event{
		Type:       eventType,
		Timestamp:  time.Now(),
		WorkflowID: workflowID,
		Payload:    data,
	})
}
