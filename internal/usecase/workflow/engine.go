package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"afo-engine/internal/domain"
	"afo-engine/internal/infra/tracer"
)

// Entry point policies.
const (
	EntryFirst   = "first"
	EntryTrigger = "trigger"
)

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	// EntryPoint selects where a run starts: "first" (nodes[0]) or
	// "trigger" (first trigger node, falling back to nodes[0]).
	EntryPoint string
	// MaxSteps bounds the nodes visited by one run.
	MaxSteps int
	// MaxRunning bounds concurrent runs. 0 means unlimited.
	MaxRunning int
}

// DefaultEngineConfig returns the stock engine settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{EntryPoint: EntryFirst, MaxSteps: 1000, MaxRunning: 64}
}

// ExecuteRequest names the workflow to run and its runtime inputs.
type ExecuteRequest struct {
	WorkflowID   string
	Context      map[string]any
	Integrations map[string]any
}

// Engine walks workflow graphs. Runs are independent: each has its own
// record, cursor and cancel function.
type Engine struct {
	workflows  domain.WorkflowStore
	executions domain.ExecutionStore
	executor   *Executor
	bus        domain.EventBus
	logger     *slog.Logger
	cfg        EngineConfig

	running atomic.Int32
	cancels sync.Map // execution id -> context.CancelFunc
	async   sync.WaitGroup
}

// NewEngine creates an execution engine. bus may be nil.
func NewEngine(
	workflows domain.WorkflowStore,
	executions domain.ExecutionStore,
	executor *Executor,
	bus domain.EventBus,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	def := DefaultEngineConfig()
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = def.EntryPoint
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		workflows:  workflows,
		executions: executions,
		executor:   executor,
		bus:        bus,
		logger:     logger,
		cfg:        cfg,
	}
}

// Execute runs a workflow to a terminal state and returns the final record.
// Cancelling ctx cancels the run. When the run fails on an engine fault, the
// failed record is returned together with the error.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*domain.ExecutionRecord, error) {
	def, rec, err := e.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer e.running.Add(-1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancels.Store(rec.ID, cancel)
	defer e.cancels.Delete(rec.ID)

	return e.run(runCtx, def, rec, req.Integrations)
}

// Start begins a run in the background and returns the running record.
// The run outlives ctx; stop it with Cancel.
func (e *Engine) Start(ctx context.Context, req ExecuteRequest) (*domain.ExecutionRecord, error) {
	def, rec, err := e.begin(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancels.Store(rec.ID, cancel)
	snapshot := rec.Clone()

	e.async.Add(1)
	go func() {
		defer e.async.Done()
		defer e.running.Add(-1)
		defer e.cancels.Delete(rec.ID)
		defer cancel()
		if _, err := e.run(runCtx, def, rec, req.Integrations); err != nil {
			e.logger.Warn("background execution failed", "execution_id", rec.ID, "error", err)
		}
	}()
	return &snapshot, nil
}

// Cancel signals a running execution to stop at the next node boundary.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	if v, ok := e.cancels.Load(executionID); ok {
		v.(context.CancelFunc)()
		return nil
	}
	rec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	return domain.NewSubSystemError("execution", "Engine.Cancel", domain.ErrInvalidInput,
		fmt.Sprintf("execution %q is %s", rec.ID, rec.Status))
}

// Running returns the number of in-flight runs.
func (e *Engine) Running() int { return int(e.running.Load()) }

// Wait blocks until every background run has finished.
func (e *Engine) Wait() { e.async.Wait() }

// Shutdown cancels every in-flight run and waits for the background runs to
// record their final state. It returns ctx.Err() when ctx ends first.
func (e *Engine) Shutdown(ctx context.Context) error {
	n := 0
	e.cancels.Range(func(_, v any) bool {
		v.(context.CancelFunc)()
		n++
		return true
	})
	if n > 0 {
		e.logger.Info("cancelling in-flight executions", "count", n)
	}

	done := make(chan struct{})
	go func() {
		e.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin resolves the definition, reserves a run slot and persists the new record.
func (e *Engine) begin(ctx context.Context, req ExecuteRequest) (domain.WorkflowDefinition, *domain.ExecutionRecord, error) {
	def, err := e.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return domain.WorkflowDefinition{}, nil, domain.WrapOp("Engine.Execute", err)
	}
	if !def.IsActive {
		return domain.WorkflowDefinition{}, nil, domain.NewSubSystemError("workflow", "Engine.Execute", domain.ErrDisabled,
			fmt.Sprintf("workflow %q is inactive", def.ID))
	}

	if n := e.running.Add(1); e.cfg.MaxRunning > 0 && int(n) > e.cfg.MaxRunning {
		e.running.Add(-1)
		return domain.WorkflowDefinition{}, nil, domain.NewSubSystemError("workflow", "Engine.Execute", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d", n-1, e.cfg.MaxRunning))
	}

	now := time.Now().UTC()
	rec := &domain.ExecutionRecord{
		ID:         NewID(now),
		WorkflowID: def.ID,
		AgentID:    def.AgentID,
		Status:     domain.ExecutionRunning,
		StartedAt:  now,
		Context:    domain.CloneMap(req.Context),
		Errors:     []string{},
	}
	if rec.Context == nil {
		rec.Context = map[string]any{}
	}
	if err := e.executions.SaveExecution(ctx, *rec); err != nil {
		e.running.Add(-1)
		return domain.WorkflowDefinition{}, nil, domain.NewDomainError("Engine.Execute", domain.ErrStore, err.Error())
	}
	if err := e.workflows.IncrementExecutionCount(ctx, def.ID); err != nil {
		e.logger.Warn("increment execution count failed", "workflow_id", def.ID, "error", err)
	}

	e.logger.Info("execution started", "workflow_id", def.ID, "execution_id", rec.ID)
	e.emit(ctx, domain.EventExecutionStarted, rec, domain.ExecutionEventPayload{Status: domain.ExecutionRunning})
	return *def, rec, nil
}

// run walks the node graph. def is a private snapshot taken at run start.
func (e *Engine) run(ctx context.Context, def domain.WorkflowDefinition, rec *domain.ExecutionRecord, integrations map[string]any) (out *domain.ExecutionRecord, err error) {
	ctx, span := tracer.StartSpan(ctx, "workflow.execute", trace.WithAttributes(
		tracer.StringAttr("workflow.id", def.ID),
		tracer.StringAttr("execution.id", rec.ID),
		tracer.IntAttr("workflow.nodes", len(def.Nodes)),
	))
	defer span.End()

	// Recorded state must survive a caller whose context is already gone.
	storeCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = domain.NewDomainError("Engine.run", domain.ErrEngineFault, fmt.Sprintf("panic: %v", r))
			out = e.fail(storeCtx, rec, err)
		}
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
	}()

	index := make(map[string]domain.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, dup := index[n.ID]; !dup {
			index[n.ID] = n
		}
	}
	vars := domain.CloneMap(rec.Context)
	visited := make(map[string]bool)
	cursor := e.entryPoint(def)

	for steps := 0; cursor != ""; steps++ {
		node, ok := index[cursor]
		if !ok {
			break
		}
		if ctx.Err() != nil {
			return e.cancel(storeCtx, rec), nil
		}
		if visited[cursor] {
			err := domain.NewDomainError("Engine.run", domain.ErrCycleDetected, fmt.Sprintf("node %q revisited", cursor))
			return e.fail(storeCtx, rec, err), err
		}
		if steps >= e.cfg.MaxSteps {
			err := domain.NewDomainError("Engine.run", domain.ErrMaxSteps, fmt.Sprintf("%d steps", e.cfg.MaxSteps))
			return e.fail(storeCtx, rec, err), err
		}
		visited[cursor] = true

		rec.CurrentNode = cursor
		if err := e.executions.SaveExecution(storeCtx, *rec); err != nil {
			err = domain.NewDomainError("Engine.run", domain.ErrStore, err.Error())
			return e.fail(storeCtx, rec, err), err
		}
		result := e.runNode(ctx, rec, node, vars, integrations)
		rec.Results.Set(node.ID, result)
		if err := e.executions.SaveExecution(storeCtx, *rec); err != nil {
			err = domain.NewDomainError("Engine.run", domain.ErrStore, err.Error())
			return e.fail(storeCtx, rec, err), err
		}

		cursor = nextCursor(node, result)
	}

	if ctx.Err() != nil {
		return e.cancel(storeCtx, rec), nil
	}
	return e.complete(storeCtx, rec)
}

func (e *Engine) runNode(ctx context.Context, rec *domain.ExecutionRecord, node domain.Node, vars, integrations map[string]any) map[string]any {
	ctx, span := tracer.StartSpan(ctx, "workflow.node", trace.WithAttributes(
		tracer.StringAttr("node.id", node.ID),
		tracer.StringAttr("node.type", string(node.Type)),
	))
	defer span.End()

	start := time.Now()
	result := e.executor.Execute(ctx, NodeInput{Node: node, Vars: vars, Integrations: integrations})
	elapsed := time.Since(start)

	payload := domain.ExecutionEventPayload{
		Status:   domain.ExecutionRunning,
		NodeID:   node.ID,
		NodeType: node.Type,
		Duration: elapsed,
	}
	if msg, ok := result["error"].(string); ok {
		payload.Error = msg
		span.SetAttributes(tracer.StringAttr("node.error", msg))
		e.logger.Warn("node reported error", "execution_id", rec.ID, "node_id", node.ID, "node_type", node.Type, "error", msg)
	} else {
		e.logger.Debug("node executed", "execution_id", rec.ID, "node_id", node.ID, "node_type", node.Type, "elapsed", elapsed)
	}
	e.emit(ctx, domain.EventExecutionNode, rec, payload)
	return result
}

func nextCursor(node domain.Node, result map[string]any) string {
	if node.Type == domain.NodeDecision {
		if met, _ := result["condition_met"].(bool); met {
			return node.ConfigString("true_path")
		}
		return node.ConfigString("false_path")
	}
	return node.Next
}

func (e *Engine) entryPoint(def domain.WorkflowDefinition) string {
	if len(def.Nodes) == 0 {
		return ""
	}
	if e.cfg.EntryPoint == EntryTrigger {
		for _, n := range def.Nodes {
			if n.Type == domain.NodeTrigger {
				return n.ID
			}
		}
	}
	return def.Nodes[0].ID
}

func (e *Engine) complete(ctx context.Context, rec *domain.ExecutionRecord) (*domain.ExecutionRecord, error) {
	now := time.Now().UTC()
	rec.Status = domain.ExecutionCompleted
	rec.CompletedAt = &now
	if err := e.executions.SaveExecution(ctx, *rec); err != nil {
		err = domain.NewDomainError("Engine.run", domain.ErrStore, err.Error())
		return e.fail(ctx, rec, err), err
	}
	e.logger.Info("execution completed", "workflow_id", rec.WorkflowID, "execution_id", rec.ID, "nodes", rec.Results.Len())
	e.emit(ctx, domain.EventExecutionCompleted, rec, domain.ExecutionEventPayload{
		Status:   rec.Status,
		Duration: now.Sub(rec.StartedAt),
	})
	out := rec.Clone()
	return &out, nil
}

func (e *Engine) cancel(ctx context.Context, rec *domain.ExecutionRecord) *domain.ExecutionRecord {
	now := time.Now().UTC()
	rec.Status = domain.ExecutionCancelled
	rec.CancelledAt = &now
	if err := e.executions.SaveExecution(ctx, *rec); err != nil {
		e.logger.Error("save cancelled execution failed", "execution_id", rec.ID, "error", err)
	}
	e.logger.Info("execution cancelled", "workflow_id", rec.WorkflowID, "execution_id", rec.ID, "current_node", rec.CurrentNode)
	e.emit(ctx, domain.EventExecutionCancelled, rec, domain.ExecutionEventPayload{
		Status: rec.Status,
		NodeID: rec.CurrentNode,
	})
	out := rec.Clone()
	return &out
}

// fail moves rec to failed. Already-recorded results are kept.
func (e *Engine) fail(ctx context.Context, rec *domain.ExecutionRecord, cause error) *domain.ExecutionRecord {
	now := time.Now().UTC()
	rec.Status = domain.ExecutionFailed
	rec.CompletedAt = nil
	rec.FailedAt = &now
	rec.Errors = append(rec.Errors, cause.Error())
	if err := e.executions.SaveExecution(ctx, *rec); err != nil {
		e.logger.Error("save failed execution failed", "execution_id", rec.ID, "error", err)
	}
	e.logger.Error("execution failed", "workflow_id", rec.WorkflowID, "execution_id", rec.ID, "error", cause)
	e.emit(ctx, domain.EventExecutionFailed, rec, domain.ExecutionEventPayload{
		Status: rec.Status,
		NodeID: rec.CurrentNode,
		Error:  cause.Error(),
	})
	out := rec.Clone()
	return &out
}

func (e *Engine) emit(ctx context.Context, eventType domain.EventType, rec *domain.ExecutionRecord, payload any) {
	if e.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	e.bus.Publish(ctx, domain.Event{
		Type:        eventType,
		Timestamp:   time.Now(),
		WorkflowID:  rec.WorkflowID,
		ExecutionID: rec.ID,
		Payload:     data,
	})
}

// NewID returns a lexically sortable ULID string.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
