package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"afo-engine/internal/domain"
)

// DefaultRunTimeout bounds a single scheduled workflow run.
const DefaultRunTimeout = 5 * time.Minute

// Runner executes a stored workflow. *workflow.Service satisfies it.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, id string, vars, integrations map[string]any) (*domain.ExecutionRecord, error)
}

// Schedule runs one workflow on a recurring timetable.
type Schedule struct {
	Name       string
	WorkflowID string
	// Spec is a cron expression "*/5 * * * *", a descriptor "@hourly" or a
	// duration "30m".
	Spec         string
	Context      map[string]any
	Integrations map[string]any
	OneShot      bool
}

// Entry describes a registered schedule.
type Entry struct {
	Name       string    `json:"name"`
	WorkflowID string    `json:"workflow_id"`
	Spec       string    `json:"schedule"`
	Next       time.Time `json:"next"`
}

type registered struct {
	schedule Schedule
	entryID  cron.EntryID
}

// Scheduler fires workflow runs on cron expressions or fixed intervals.
// A schedule whose previous run is still going is skipped for that tick.
type Scheduler struct {
	cron       *cron.Cron
	runner     Runner
	bus        domain.EventBus
	logger     *slog.Logger
	runTimeout time.Duration

	mu      sync.Mutex
	entries map[string]registered
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. bus may be nil.
func NewScheduler(runner Runner, bus domain.EventBus, runTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		runner:     runner,
		bus:        bus,
		logger:     logger,
		runTimeout: runTimeout,
		entries:    make(map[string]registered),
	}
}

// Add registers a schedule. Names are unique.
func (s *Scheduler) Add(sc Schedule) error {
	if sc.Name == "" || sc.WorkflowID == "" {
		return domain.NewSubSystemError("workflow", "Scheduler.Add", domain.ErrInvalidInput, "schedule needs name and workflow_id")
	}
	spec, err := parseSchedule(sc.Spec)
	if err != nil {
		return domain.NewSubSystemError("workflow", "Scheduler.Add", domain.ErrInvalidInput,
			fmt.Sprintf("schedule %q: %v", sc.Name, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sc.Name]; exists {
		return domain.NewSubSystemError("workflow", "Scheduler.Add", domain.ErrDuplicate,
			fmt.Sprintf("schedule %q already exists", sc.Name))
	}

	sc.Context = domain.CloneMap(sc.Context)
	sc.Integrations = domain.CloneMap(sc.Integrations)
	id := s.cron.Schedule(spec, cron.FuncJob(func() { s.fire(sc) }))
	s.entries[sc.Name] = registered{schedule: sc, entryID: id}
	s.logger.Info("schedule added", "name", sc.Name, "workflow_id", sc.WorkflowID, "schedule", sc.Spec)
	return nil
}

// Remove unregisters a schedule by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.entries[name]
	if !ok {
		return domain.NewSubSystemError("workflow", "Scheduler.Remove", domain.ErrNotFound,
			fmt.Sprintf("schedule %q", name))
	}
	s.cron.Remove(reg.entryID)
	delete(s.entries, name)
	s.logger.Info("schedule removed", "name", name)
	return nil
}

// Entries lists registered schedules sorted by name. Next is zero until the
// scheduler has started.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, reg := range s.entries {
		out = append(out, Entry{
			Name:       reg.schedule.Name,
			WorkflowID: reg.schedule.WorkflowID,
			Spec:       reg.schedule.Spec,
			Next:       s.cron.Entry(reg.entryID).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing schedules. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels in-flight runs and waits for their jobs to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.ctx = nil
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) fire(sc Schedule) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping schedule", "name", sc.Name)
		return
	}

	if sc.OneShot {
		_ = s.Remove(sc.Name)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	s.publishFired(runCtx, sc)
	start := time.Now()
	rec, err := s.runner.ExecuteWorkflow(runCtx, sc.WorkflowID, sc.Context, sc.Integrations)
	switch {
	case err != nil:
		s.logger.Warn("scheduled run failed",
			"name", sc.Name,
			"workflow_id", sc.WorkflowID,
			"error", err,
			"duration", time.Since(start))
	default:
		s.logger.Info("scheduled run finished",
			"name", sc.Name,
			"workflow_id", sc.WorkflowID,
			"execution_id", rec.ID,
			"status", string(rec.Status),
			"duration", time.Since(start))
	}
}

func (s *Scheduler) publishFired(ctx context.Context, sc Schedule) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"schedule": sc.Name})
	s.bus.Publish(ctx, domain.Event{
		Type:       domain.EventScheduleFired,
		Timestamp:  time.Now(),
		WorkflowID: sc.WorkflowID,
		Payload:    payload,
	})
}

// ParseSchedule parses a cron expression first, then falls back to
// time.ParseDuration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// cronLogger routes robfig/cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
