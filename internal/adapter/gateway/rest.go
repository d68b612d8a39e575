package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"afo-engine/internal/domain"
)

// route binds a method+path pattern to a handler. write marks routes that
// change state and need write access.
type route struct {
	pattern string
	write   bool
	handler http.HandlerFunc
}

func (a *API) routes() []route {
	return []route{
		{"POST /api/v1/workflows", true, a.handleCreate},
		{"GET /api/v1/workflows", false, a.handleList},
		{"POST /api/v1/workflows/validate", false, a.handleValidate},
		{"POST /api/v1/workflows/trigger", true, a.handleTrigger},
		{"GET /api/v1/workflows/{id}", false, a.handleGet},
		{"PUT /api/v1/workflows/{id}", true, a.handleUpdate},
		{"DELETE /api/v1/workflows/{id}", true, a.handleDelete},
		{"POST /api/v1/workflows/{id}/validate", false, a.handleValidateStored},
		{"POST /api/v1/workflows/{id}/execute", true, a.handleExecute},
		{"GET /api/v1/workflows/{id}/executions", false, a.handleListExecutions},
		{"GET /api/v1/executions/{id}", false, a.handleGetExecution},
		{"POST /api/v1/executions/{id}/cancel", true, a.handleCancel},
		{"GET /api/v1/node-types", false, a.handleNodeTypes},
		{"GET /api/v1/templates", false, a.handleTemplates},
		{"GET /api/v1/agents/{agent_id}/integrations", false, a.handleAgentIntegrations},
	}
}

// authenticate wraps next with token authentication and, for write routes,
// a write-access check.
func authenticate(auth Authenticator, write bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := auth.Authenticate(tokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		if write && !client.CanWrite() {
			writeError(w, domain.NewDomainError("gateway.rest", domain.ErrPermissionDenied, "write access required"))
			return
		}
		next(w, r.WithContext(contextWithClient(r.Context(), client)))
	}
}

// decodeBody reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidPayload("malformed JSON: " + err.Error())
	}
	return nil
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	def, err := a.createWorkflow(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	defs, err := a.listWorkflows(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	def, err := a.svc.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	def, err := a.updateWorkflow(r.Context(), r.PathValue("id"), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "workflow deleted"})
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ID = ""
	a.writeReport(w, r, req)
}

func (a *API) handleValidateStored(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		req.UserID = r.URL.Query().Get("user_id")
	}
	req.ID = r.PathValue("id")
	a.writeReport(w, r, req)
}

func (a *API) writeReport(w http.ResponseWriter, r *http.Request, req validateRequest) {
	report, err := a.validate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ID = r.PathValue("id")
	res, err := a.execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Async {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res.Record)
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.trigger(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.CancelExecution(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	req := listExecutionsRequest{WorkflowID: r.PathValue("id")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, invalidPayload("limit must be a non-negative integer"))
			return
		}
		req.Limit = n
	}
	recs, err := a.listExecutions(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

func (a *API) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"node_types": a.svc.ListNodeTypes()})
}

func (a *API) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": a.svc.ListWorkflowTemplates()})
}

func (a *API) handleAgentIntegrations(w http.ResponseWriter, r *http.Request) {
	status, err := a.agentIntegrations(r.Context(), integrationsRequest{
		AgentID: r.PathValue("agent_id"),
		UserID:  r.URL.Query().Get("user_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
