// Package mcpserver exposes workflow operations as MCP tools so agents can
// list, inspect, validate and run workflows.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"afo-engine/internal/domain"
	"afo-engine/internal/usecase/workflow"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// Server wraps an MCP server bound to the workflow service.
type Server struct {
	mcpServer *server.MCPServer
	svc       *workflow.Service
	logger    *slog.Logger
}

// New creates the MCP server and registers the workflow tools.
func New(svc *workflow.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"afo-engine",
			Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		svc:    svc,
		logger: logger,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath("/mcp"))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("list_workflows",
			mcp.WithDescription("List the workflows owned by an agent"),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent id")),
		),
		s.handleListWorkflows,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("get_workflow",
			mcp.WithDescription("Get a workflow definition by id"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Workflow id")),
		),
		s.handleGetWorkflow,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("validate_workflow",
			mcp.WithDescription("Validate a stored workflow, or an inline definition passed as JSON"),
			mcp.WithString("id", mcp.Description("Stored workflow id")),
			mcp.WithString("workflow", mcp.Description("Workflow definition as a JSON document")),
			mcp.WithString("user_id", mcp.Description("User whose integrations are checked")),
		),
		s.handleValidateWorkflow,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("execute_workflow",
			mcp.WithDescription("Run a workflow and return its execution record"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Workflow id")),
			mcp.WithObject("context", mcp.Description("Initial execution variables")),
			mcp.WithObject("user_integrations", mcp.Description("Integration settings such as crm_webhook_url")),
			mcp.WithBoolean("async", mcp.Description("Return immediately with the running record")),
		),
		s.handleExecuteWorkflow,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("get_execution",
			mcp.WithDescription("Get an execution record by id"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Execution id")),
		),
		s.handleGetExecution,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("list_node_types",
			mcp.WithDescription("List the node types a workflow may use, with their config schemas"),
		),
		s.handleListNodeTypes,
	)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func objectArg(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult reports err to the model as a tool error with its code.
func errorResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", domain.ErrorCodeOf(err), err)), nil
}

func (s *Server) handleListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := stringArg(req.GetArguments(), "agent_id")
	if agentID == "" {
		return mcp.NewToolResultError("missing required parameter: agent_id"), nil
	}
	defs, err := s.svc.ListWorkflows(ctx, agentID)
	if err != nil {
		return errorResult(err)
	}
	if defs == nil {
		defs = []domain.WorkflowDefinition{}
	}
	return jsonResult(map[string]any{"workflows": defs})
}

func (s *Server) handleGetWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(req.GetArguments(), "id")
	if id == "" {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	def, err := s.svc.GetWorkflow(ctx, id)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(def)
}

func (s *Server) handleValidateWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	userID := stringArg(args, "user_id")

	var (
		report *domain.ValidationReport
		err    error
	)
	switch id, doc := stringArg(args, "id"), stringArg(args, "workflow"); {
	case id != "":
		report, err = s.svc.ValidateStoredWorkflow(ctx, id, userID)
	case doc != "":
		var def domain.WorkflowDefinition
		if jerr := json.Unmarshal([]byte(doc), &def); jerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid workflow JSON: %v", jerr)), nil
		}
		report, err = s.svc.ValidateWorkflow(ctx, def, userID)
	default:
		return mcp.NewToolResultError("one of id or workflow is required"), nil
	}
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(report)
}

func (s *Server) handleExecuteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id := stringArg(args, "id")
	if id == "" {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	vars := objectArg(args, "context")
	integrations := objectArg(args, "user_integrations")

	if async, _ := args["async"].(bool); async {
		rec, err := s.svc.StartWorkflow(ctx, id, vars, integrations)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(rec)
	}

	rec, err := s.svc.ExecuteWorkflow(ctx, id, vars, integrations)
	if err != nil && rec == nil {
		return errorResult(err)
	}
	if err != nil {
		s.logger.Warn("mcp execution failed", "workflow_id", id, "execution_id", rec.ID, "error", err)
	}
	return jsonResult(rec)
}

func (s *Server) handleGetExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(req.GetArguments(), "id")
	if id == "" {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	rec, err := s.svc.GetExecution(ctx, id)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(rec)
}

func (s *Server) handleListNodeTypes(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"node_types": s.svc.ListNodeTypes()})
}
