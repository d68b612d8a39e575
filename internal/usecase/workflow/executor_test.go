package workflow

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afo-engine/internal/domain"
)

// fakeOutbound records requests and replies with a canned response.
type fakeOutbound struct {
	mu    sync.Mutex
	reqs  []domain.OutboundRequest
	resp  *domain.OutboundResponse
	err   error
	delay time.Duration
}

func (f *fakeOutbound) Do(ctx context.Context, req domain.OutboundRequest) (*domain.OutboundResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &domain.OutboundResponse{StatusCode: 200, Body: map[string]any{"ok": true}, JSON: true}, nil
}

func (f *fakeOutbound) requests() []domain.OutboundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OutboundRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

func newTestExecutor(out domain.OutboundHTTP) *Executor {
	return NewExecutor(out, ExecutorConfig{}, slog.Default())
}

func run(e *Executor, node domain.Node, vars map[string]any, integrations map[string]any) map[string]any {
	return e.Execute(context.Background(), NodeInput{Node: node, Vars: vars, Integrations: integrations})
}

func TestExecutorHandlesEveryKnownType(t *testing.T) {
	e := newTestExecutor(nil)
	for _, nt := range domain.KnownNodeTypes() {
		assert.True(t, e.Handles(nt), "no handler for %s", nt)
	}
}

func TestExecutorStaticNodes(t *testing.T) {
	e := newTestExecutor(nil)
	vars := map[string]any{"name": "Ada", "email": "ada@example.com"}

	tests := []struct {
		name string
		node domain.Node
		want map[string]any
	}{
		{"trigger", domain.Node{ID: "t", Type: domain.NodeTrigger},
			map[string]any{"node_type": "trigger", "executed": true}},
		{"message resolved", domain.Node{ID: "m", Type: domain.NodeMessage, Config: map[string]any{"text": "Hi {{name}}"}},
			map[string]any{"message_sent": "Hi Ada"}},
		{"message missing text", domain.Node{ID: "m", Type: domain.NodeMessage},
			map[string]any{"message_sent": nil}},
		{"collect_info", domain.Node{ID: "c", Type: domain.NodeCollectInfo, Config: map[string]any{"fields": []any{"name", "phone"}}},
			map[string]any{"collected_data": map[string]any{"name": "Ada", "phone": nil}}},
		{"schedule_meeting", domain.Node{ID: "s", Type: domain.NodeScheduleMeeting},
			map[string]any{"meeting_scheduled": true, "meeting_time": nil}},
		{"send_info", domain.Node{ID: "i", Type: domain.NodeSendInfo, Config: map[string]any{"content_type": "brochure"}},
			map[string]any{"info_sent": true}},
		{"email", domain.Node{ID: "e", Type: domain.NodeEmail, Config: map[string]any{"to": "{{email}}", "subject": "Hello {{name}}", "body": "x"}},
			map[string]any{"email_sent": true, "to": "ada@example.com", "subject": "Hello Ada"}},
		{"rag_query", domain.Node{ID: "r", Type: domain.NodeRAGQuery, Config: map[string]any{"agent_id": "a1", "query": "about {{name}}"}},
			map[string]any{"rag_results": []any{}, "query": "about Ada", "message": "RAG integration pending"}},
		{"rag_query no agent", domain.Node{ID: "r", Type: domain.NodeRAGQuery, Config: map[string]any{"query": "q"}},
			map[string]any{"error": "Agent ID not provided for RAG query"}},
		{"unrecognized", domain.Node{ID: "u", Type: "teleport"},
			map[string]any{"node_type": "teleport", "executed": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(e, tt.node, vars, nil))
		})
	}
}

func TestExecutorDecision(t *testing.T) {
	e := newTestExecutor(nil)
	node := domain.Node{ID: "d", Type: domain.NodeDecision, Config: map[string]any{
		"condition": "interested", "true_path": "A", "false_path": "B",
	}}
	assert.Equal(t, true, run(e, node, map[string]any{"interested": true}, nil)["condition_met"])
	assert.Equal(t, false, run(e, node, map[string]any{"interested": false}, nil)["condition_met"])
	assert.Equal(t, false, run(e, node, map[string]any{}, nil)["condition_met"])
}

func TestExecutorDoesNotMutateNodeConfig(t *testing.T) {
	e := newTestExecutor(&fakeOutbound{})
	node := domain.Node{ID: "w", Type: domain.NodeWebhook, Config: map[string]any{
		"url":     "https://hooks.example.com/x",
		"payload": map[string]any{"who": "{{name}}"},
	}}
	run(e, node, map[string]any{"name": "Ada"}, nil)
	assert.Equal(t, "{{name}}", node.Config["payload"].(map[string]any)["who"])
}

func TestExecutorAPICall(t *testing.T) {
	out := &fakeOutbound{}
	e := newTestExecutor(out)
	node := domain.Node{ID: "a", Type: domain.NodeAPICall, Config: map[string]any{
		"url":     "https://api.example.com/users/{{id}}",
		"headers": map[string]any{"X-Trace": "{{id}}"},
		"body":    map[string]any{"name": "{{name}}"},
	}}
	res := run(e, node, map[string]any{"id": 7, "name": "Ada"}, nil)

	assert.Equal(t, map[string]any{"ok": true}, res["api_response"])
	assert.Equal(t, 200, res["status_code"])

	reqs := out.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "POST", reqs[0].Method)
	assert.Equal(t, "https://api.example.com/users/7", reqs[0].URL)
	assert.Equal(t, map[string]string{"X-Trace": "7"}, reqs[0].Headers)
	assert.Equal(t, map[string]any{"name": "Ada"}, reqs[0].Body)
	assert.Equal(t, 30*time.Second, reqs[0].Timeout)
}

func TestExecutorAPICallMethods(t *testing.T) {
	out := &fakeOutbound{}
	e := newTestExecutor(out)

	for _, m := range []string{"get", "DELETE"} {
		run(e, domain.Node{ID: "a", Type: domain.NodeAPICall, Config: map[string]any{
			"url": "https://x", "method": m, "body": map[string]any{"a": 1},
		}}, nil, nil)
	}
	reqs := out.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "GET", reqs[0].Method)
	assert.Nil(t, reqs[0].Body)
	assert.Equal(t, "DELETE", reqs[1].Method)
	assert.Nil(t, reqs[1].Body)

	res := run(e, domain.Node{ID: "a", Type: domain.NodeAPICall, Config: map[string]any{
		"url": "https://x", "method": "PATCH",
	}}, nil, nil)
	assert.Equal(t, map[string]any{"error": "Unsupported HTTP method: PATCH"}, res)
	assert.Len(t, out.requests(), 2)
}

func TestExecutorAPICallNon200(t *testing.T) {
	out := &fakeOutbound{resp: &domain.OutboundResponse{StatusCode: 404, Body: map[string]any{"detail": "nope"}, JSON: true}}
	e := newTestExecutor(out)
	res := run(e, domain.Node{ID: "a", Type: domain.NodeAPICall, Config: map[string]any{"url": "https://x"}}, nil, nil)
	assert.Nil(t, res["api_response"])
	assert.Equal(t, 404, res["status_code"])
}

func TestExecutorNonJSONOKBodyIsText(t *testing.T) {
	out := &fakeOutbound{resp: &domain.OutboundResponse{StatusCode: 200, Body: "<html>ok</html>", ContentType: "text/html"}}
	e := newTestExecutor(out)

	res := run(e, domain.Node{ID: "a", Type: domain.NodeAPICall, Config: map[string]any{"url": "https://x"}}, nil, nil)
	assert.NotContains(t, res, "error")
	assert.Equal(t, "<html>ok</html>", res["api_response"])
	assert.Equal(t, 200, res["status_code"])

	res = run(e, domain.Node{ID: "w", Type: domain.NodeWebhook, Config: map[string]any{"url": "https://x"}}, nil, nil)
	assert.Equal(t, true, res["webhook_sent"])
	assert.Equal(t, "<html>ok</html>", res["response"])
}

func TestExecutorNetworkFailureIsData(t *testing.T) {
	out := &fakeOutbound{err: errors.New("connection refused")}
	e := newTestExecutor(out)

	for _, node := range []domain.Node{
		{ID: "a", Type: domain.NodeAPICall, Config: map[string]any{"url": "https://x"}},
		{ID: "w", Type: domain.NodeWebhook, Config: map[string]any{"url": "https://x"}},
		{ID: "c", Type: domain.NodeCRMUpdate, Config: map[string]any{"data": map[string]any{}}},
	} {
		res := run(e, node, nil, map[string]any{CRMWebhookKey: "https://crm"})
		assert.Equal(t, map[string]any{"error": "connection refused"}, res, node.ID)
	}
}

func TestExecutorMissingURL(t *testing.T) {
	out := &fakeOutbound{}
	e := newTestExecutor(out)
	res := run(e, domain.Node{ID: "w", Type: domain.NodeWebhook}, nil, nil)
	assert.Contains(t, res, "error")
	res = run(e, domain.Node{ID: "a", Type: domain.NodeAPICall, Config: map[string]any{"url": ""}}, nil, nil)
	assert.Contains(t, res, "error")
	assert.Empty(t, out.requests())
}

func TestExecutorNilOutbound(t *testing.T) {
	e := newTestExecutor(nil)
	res := run(e, domain.Node{ID: "w", Type: domain.NodeWebhook, Config: map[string]any{"url": "https://x"}}, nil, nil)
	assert.Contains(t, res, "error")
}

func TestExecutorWebhook(t *testing.T) {
	out := &fakeOutbound{resp: &domain.OutboundResponse{StatusCode: 202, Body: "accepted"}}
	e := newTestExecutor(out)
	res := run(e, domain.Node{ID: "w", Type: domain.NodeWebhook, Config: map[string]any{
		"url":     "https://hooks.example.com/{{id}}",
		"payload": map[string]any{"who": "{{name}}"},
	}}, map[string]any{"id": "h1", "name": "Ada"}, nil)

	assert.Equal(t, map[string]any{"webhook_sent": true, "status_code": 202, "response": nil}, res)
	reqs := out.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "POST", reqs[0].Method)
	assert.Equal(t, "https://hooks.example.com/h1", reqs[0].URL)
	assert.Equal(t, map[string]any{"who": "Ada"}, reqs[0].Body)
	assert.Equal(t, 10*time.Second, reqs[0].Timeout)
}

func TestExecutorCRMUpdate(t *testing.T) {
	out := &fakeOutbound{}
	e := newTestExecutor(out)
	node := domain.Node{ID: "c", Type: domain.NodeCRMUpdate, Config: map[string]any{
		"data": map[string]any{"lead": "{{name}}"},
	}}

	res := run(e, node, map[string]any{"name": "Ada"}, nil)
	assert.Equal(t, "CRM webhook URL not configured", res["error"])
	assert.Equal(t, "configuration_error", res["error_type"])
	assert.Empty(t, out.requests())

	res = run(e, node, map[string]any{"name": "Ada"}, map[string]any{CRMWebhookKey: "https://crm.example.com/hook"})
	assert.Equal(t, true, res["crm_updated"])
	assert.Equal(t, 200, res["status_code"])
	reqs := out.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://crm.example.com/hook", reqs[0].URL)
	assert.Equal(t, map[string]any{"lead": "Ada"}, reqs[0].Body)
}

func TestExecutorDelay(t *testing.T) {
	e := newTestExecutor(nil)
	start := time.Now()
	res := run(e, domain.Node{ID: "d", Type: domain.NodeDelay, Config: map[string]any{"seconds": 0.05}}, nil, nil)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, map[string]any{"delayed": true, "seconds": 0.05}, res)

	res = run(e, domain.Node{ID: "d", Type: domain.NodeDelay, Config: map[string]any{"seconds": "soon"}}, nil, nil)
	assert.Contains(t, res, "error")
}

func TestExecutorDelayRejectsBadValues(t *testing.T) {
	e := newTestExecutor(nil)
	for _, raw := range []any{"NaN", "+Inf", "-Inf", math.Inf(1), math.NaN(), -2, "-0.5"} {
		start := time.Now()
		res := run(e, domain.Node{ID: "d", Type: domain.NodeDelay, Config: map[string]any{"seconds": raw}}, nil, nil)
		assert.Contains(t, res, "error", "seconds=%v", raw)
		assert.NotContains(t, res, "delayed", "seconds=%v", raw)
		assert.Less(t, time.Since(start), time.Second)
	}
}

func TestExecutorDelayCapped(t *testing.T) {
	e := NewExecutor(nil, ExecutorConfig{MaxDelay: 30 * time.Millisecond}, slog.Default())
	start := time.Now()
	res := run(e, domain.Node{ID: "d", Type: domain.NodeDelay, Config: map[string]any{"seconds": 1e12}}, nil, nil)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, true, res["delayed"])
	assert.Equal(t, true, res["capped"])
	assert.InDelta(t, 0.03, res["applied_seconds"], 1e-9)
	assert.Equal(t, 1e12, res["seconds"])
}

func TestExecutorDelayInterrupted(t *testing.T) {
	e := newTestExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res := e.Execute(ctx, NodeInput{Node: domain.Node{ID: "d", Type: domain.NodeDelay, Config: map[string]any{"seconds": 30}}})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, true, res["interrupted"])
	assert.Equal(t, false, res["delayed"])
}

func TestExecutorDelayDoesNotBlockOthers(t *testing.T) {
	e := newTestExecutor(nil)
	done := make(chan struct{})
	go func() {
		run(e, domain.Node{ID: "d", Type: domain.NodeDelay, Config: map[string]any{"seconds": 0.3}}, nil, nil)
		close(done)
	}()

	start := time.Now()
	res := run(e, domain.Node{ID: "m", Type: domain.NodeMessage, Config: map[string]any{"text": "hi"}}, nil, nil)
	assert.Equal(t, "hi", res["message_sent"])
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	<-done
}
