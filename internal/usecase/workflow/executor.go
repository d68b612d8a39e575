package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"afo-engine/internal/domain"
)

// CRMWebhookKey is the user integration entry naming the CRM endpoint.
const CRMWebhookKey = "crm_webhook_url"

// ExecutorConfig holds timeouts for network nodes.
type ExecutorConfig struct {
	APICallTimeout time.Duration
	WebhookTimeout time.Duration
	MaxDelay       time.Duration
}

// DefaultExecutorConfig returns the stock node timeouts.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		APICallTimeout: 30 * time.Second,
		WebhookTimeout: 10 * time.Second,
		MaxDelay:       time.Hour,
	}
}

// NodeInput is everything a handler may read while running one node.
type NodeInput struct {
	Node         domain.Node
	Vars         map[string]any
	Integrations map[string]any
}

type nodeHandler func(ctx context.Context, in NodeInput) map[string]any

type handlerSpec struct {
	run nodeHandler
	// templated lists the config keys resolved against the context before run.
	templated []string
}

// Executor runs single nodes. It holds no per-run state and is safe for
// concurrent use by many executions.
type Executor struct {
	http     domain.OutboundHTTP
	cfg      ExecutorConfig
	logger   *slog.Logger
	handlers map[domain.NodeType]handlerSpec
}

// NewExecutor creates a node executor. outbound may be nil, in which case
// network nodes report an error result.
func NewExecutor(outbound domain.OutboundHTTP, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	def := DefaultExecutorConfig()
	if cfg.APICallTimeout <= 0 {
		cfg.APICallTimeout = def.APICallTimeout
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = def.WebhookTimeout
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{http: outbound, cfg: cfg, logger: logger}
	e.handlers = map[domain.NodeType]handlerSpec{
		domain.NodeTrigger:         {run: e.runTrigger},
		domain.NodeMessage:         {run: e.runMessage, templated: []string{"text"}},
		domain.NodeCollectInfo:     {run: e.runCollectInfo},
		domain.NodeDecision:        {run: e.runDecision},
		domain.NodeScheduleMeeting: {run: e.runScheduleMeeting},
		domain.NodeSendInfo:        {run: e.runSendInfo},
		domain.NodeAPICall:         {run: e.runAPICall, templated: []string{"url", "headers", "body"}},
		domain.NodeWebhook:         {run: e.runWebhook, templated: []string{"url", "payload"}},
		domain.NodeCRMUpdate:       {run: e.runCRMUpdate, templated: []string{"data"}},
		domain.NodeRAGQuery:        {run: e.runRAGQuery, templated: []string{"query"}},
		domain.NodeEmail:           {run: e.runEmail, templated: []string{"to", "subject", "body"}},
		domain.NodeDelay:           {run: e.runDelay},
	}
	return e
}

// Handles reports whether a dedicated handler exists for t.
func (e *Executor) Handles(t domain.NodeType) bool {
	_, ok := e.handlers[t]
	return ok
}

// Execute resolves the node's templated config fields and runs its handler.
// Failures of the node's own work are reported inside the result map.
func (e *Executor) Execute(ctx context.Context, in NodeInput) map[string]any {
	spec, ok := e.handlers[in.Node.Type]
	if !ok {
		e.logger.Warn("unrecognized node type, skipping", "node_id", in.Node.ID, "node_type", in.Node.Type)
		return map[string]any{"node_type": string(in.Node.Type), "executed": true}
	}
	in.Node.Config = resolveConfig(in.Node.Config, spec.templated, in.Vars)
	return spec.run(ctx, in)
}

func resolveConfig(cfg map[string]any, keys []string, vars map[string]any) map[string]any {
	out := domain.CloneMap(cfg)
	if out == nil {
		out = map[string]any{}
	}
	for _, k := range keys {
		if v, ok := out[k]; ok {
			out[k] = Resolve(v, vars)
		}
	}
	return out
}

func (e *Executor) runTrigger(_ context.Context, in NodeInput) map[string]any {
	return map[string]any{"node_type": string(domain.NodeTrigger), "executed": true}
}

// Message text is template-resolved before delivery.
func (e *Executor) runMessage(_ context.Context, in NodeInput) map[string]any {
	return map[string]any{"message_sent": in.Node.Config["text"]}
}

func (e *Executor) runCollectInfo(_ context.Context, in NodeInput) map[string]any {
	collected := make(map[string]any)
	for _, field := range stringList(in.Node.Config["fields"]) {
		collected[field] = in.Vars[field]
	}
	return map[string]any{"collected_data": collected}
}

func (e *Executor) runDecision(_ context.Context, in NodeInput) map[string]any {
	key := in.Node.ConfigString("condition")
	return map[string]any{"condition_met": evaluateCondition(key, in.Vars)}
}

func (e *Executor) runScheduleMeeting(_ context.Context, _ NodeInput) map[string]any {
	return map[string]any{"meeting_scheduled": true, "meeting_time": nil}
}

func (e *Executor) runSendInfo(_ context.Context, _ NodeInput) map[string]any {
	return map[string]any{"info_sent": true}
}

func (e *Executor) runAPICall(ctx context.Context, in NodeInput) map[string]any {
	cfg := in.Node.Config
	url := in.Node.ConfigString("url")
	if url == "" {
		return errorResult("url not configured")
	}
	method := strings.ToUpper(in.Node.ConfigString("method"))
	if method == "" {
		method = http.MethodPost
	}

	req := domain.OutboundRequest{
		Method:  method,
		URL:     url,
		Headers: stringMap(cfg["headers"]),
		Timeout: e.cfg.APICallTimeout,
	}
	switch method {
	case http.MethodGet, http.MethodDelete:
	case http.MethodPost, http.MethodPut:
		body, ok := cfg["body"]
		if !ok || body == nil {
			body = map[string]any{}
		}
		req.Body = body
	default:
		return errorResult(fmt.Sprintf("Unsupported HTTP method: %s", in.Node.ConfigString("method")))
	}

	resp, err := e.do(ctx, req)
	if err != nil {
		return errorResult(err.Error())
	}
	return map[string]any{
		"api_response": okBody(resp),
		"status_code":  resp.StatusCode,
	}
}

func (e *Executor) runWebhook(ctx context.Context, in NodeInput) map[string]any {
	url := in.Node.ConfigString("url")
	if url == "" {
		return errorResult("url not configured")
	}
	payload, ok := in.Node.Config["payload"]
	if !ok || payload == nil {
		payload = map[string]any{}
	}
	resp, err := e.do(ctx, domain.OutboundRequest{
		Method:  http.MethodPost,
		URL:     url,
		Body:    payload,
		Timeout: e.cfg.WebhookTimeout,
	})
	if err != nil {
		return errorResult(err.Error())
	}
	return map[string]any{
		"webhook_sent": true,
		"status_code":  resp.StatusCode,
		"response":     okBody(resp),
	}
}

func (e *Executor) runCRMUpdate(ctx context.Context, in NodeInput) map[string]any {
	url, _ := in.Integrations[CRMWebhookKey].(string)
	if url == "" {
		return map[string]any{"error": "CRM webhook URL not configured", "error_type": "configuration_error"}
	}
	data, ok := in.Node.Config["data"]
	if !ok || data == nil {
		data = map[string]any{}
	}
	resp, err := e.do(ctx, domain.OutboundRequest{
		Method:  http.MethodPost,
		URL:     url,
		Body:    data,
		Timeout: e.cfg.WebhookTimeout,
	})
	if err != nil {
		return errorResult(err.Error())
	}
	return map[string]any{
		"crm_updated": true,
		"status_code": resp.StatusCode,
		"response":    okBody(resp),
	}
}

func (e *Executor) runRAGQuery(_ context.Context, in NodeInput) map[string]any {
	query := Stringify(in.Node.Config["query"])
	if in.Node.ConfigString("agent_id") == "" {
		return errorResult("Agent ID not provided for RAG query")
	}
	return map[string]any{
		"rag_results": []any{},
		"query":       query,
		"message":     "RAG integration pending",
	}
}

func (e *Executor) runEmail(_ context.Context, in NodeInput) map[string]any {
	cfg := in.Node.Config
	return map[string]any{
		"email_sent": true,
		"to":         cfg["to"],
		"subject":    Stringify(cfg["subject"]),
	}
}

// runDelay suspends only the calling execution. A cancelled context ends the
// wait early and the result is marked interrupted. Requests above MaxDelay
// wait MaxDelay and are reported as capped with the applied duration.
func (e *Executor) runDelay(ctx context.Context, in NodeInput) map[string]any {
	raw, ok := in.Node.Config["seconds"]
	if !ok || raw == nil {
		raw = 1
	}
	seconds, ok := toFloat(raw)
	if !ok || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return errorResult(fmt.Sprintf("invalid delay seconds: %v", raw))
	}
	if seconds < 0 {
		return errorResult(fmt.Sprintf("delay seconds must not be negative: %v", raw))
	}

	// Compare in seconds so huge values never reach the int64 conversion.
	capped := seconds > e.cfg.MaxDelay.Seconds()
	d := e.cfg.MaxDelay
	if !capped {
		d = time.Duration(seconds * float64(time.Second))
	}

	result := map[string]any{"seconds": raw}
	if capped {
		result["capped"] = true
		result["applied_seconds"] = d.Seconds()
		e.logger.Warn("delay capped", "node_id", in.Node.ID, "requested", seconds, "max_delay", e.cfg.MaxDelay)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		result["delayed"] = true
	case <-ctx.Done():
		result["delayed"] = false
		result["interrupted"] = true
	}
	return result
}

func (e *Executor) do(ctx context.Context, req domain.OutboundRequest) (*domain.OutboundResponse, error) {
	if e.http == nil {
		return nil, fmt.Errorf("outbound http not configured")
	}
	return e.http.Do(ctx, req)
}

func errorResult(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// okBody returns the decoded body for a 200 response and nil otherwise.
func okBody(resp *domain.OutboundResponse) any {
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	return resp.Body
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

func stringMap(v any) map[string]string {
	switch t := v.(type) {
	case map[string]string:
		return t
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = Stringify(e)
		}
		return out
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
