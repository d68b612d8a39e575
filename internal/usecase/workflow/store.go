package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"afo-engine/internal/domain"
)

const defaultMaxExecutions = 1000

// MemoryStore implements domain.WorkflowStore and domain.ExecutionStore in
// memory. With a data directory it also persists workflows as one JSON file
// and every execution as its own file. Disk writes happen outside mu.
type MemoryStore struct {
	dir           string
	maxExecutions int

	mu         sync.RWMutex
	workflows  map[string]domain.WorkflowDefinition
	executions map[string]domain.ExecutionRecord
	wfGen      uint64 // bumped on every workflow mutation, guarded by mu

	wfFileMu  sync.Mutex
	wfWritten uint64 // generation on disk, guarded by wfFileMu
	execLocks [32]sync.Mutex
}

// NewMemoryStore creates an in-memory store. An empty dir disables persistence.
// maxExecutions <= 0 selects the default history bound.
func NewMemoryStore(dir string, maxExecutions int) (*MemoryStore, error) {
	if maxExecutions <= 0 {
		maxExecutions = defaultMaxExecutions
	}
	s := &MemoryStore{
		dir:           dir,
		maxExecutions: maxExecutions,
		workflows:     make(map[string]domain.WorkflowDefinition),
		executions:    make(map[string]domain.ExecutionRecord),
	}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Join(dir, executionsDir), 0700); err != nil {
		return nil, fmt.Errorf("workflowstore: create dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("workflowstore: load: %w", err)
	}
	return s, nil
}

func notFound(subsystem, op, id string) error {
	return domain.NewSubSystemError(subsystem, op, domain.ErrNotFound, fmt.Sprintf("%s %q", subsystem, id))
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, def domain.WorkflowDefinition) error {
	s.mu.Lock()

	if _, ok := s.workflows[def.ID]; ok {
		s.mu.Unlock()
		return domain.NewSubSystemError("workflow", "workflowstore.CreateWorkflow", domain.ErrDuplicate, def.ID)
	}
	s.workflows[def.ID] = def.Clone()
	return s.persistWorkflowsUnlock()
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.workflows[id]
	if !ok {
		return nil, notFound("workflow", "workflowstore.GetWorkflow", id)
	}
	cp := def.Clone()
	return &cp, nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, agentID string) ([]domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.WorkflowDefinition, 0, len(s.workflows))
	for _, def := range s.workflows {
		if agentID == "" || def.AgentID == agentID {
			out = append(out, def.Clone())
		}
	}
	sortWorkflows(out)
	return out, nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, id string, patch domain.WorkflowPatch) (*domain.WorkflowDefinition, error) {
	s.mu.Lock()
	def, ok := s.workflows[id]
	if !ok {
		s.mu.Unlock()
		return nil, notFound("workflow", "workflowstore.UpdateWorkflow", id)
	}
	def = def.Clone()
	patch.Apply(&def)
	def.UpdatedAt = time.Now().UTC()
	s.workflows[id] = def
	cp := def.Clone()

	if err := s.persistWorkflowsUnlock(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.workflows[id]; !ok {
		s.mu.Unlock()
		return notFound("workflow", "workflowstore.DeleteWorkflow", id)
	}
	delete(s.workflows, id)
	return s.persistWorkflowsUnlock()
}

func (s *MemoryStore) IncrementExecutionCount(_ context.Context, id string) error {
	s.mu.Lock()
	def, ok := s.workflows[id]
	if !ok {
		s.mu.Unlock()
		return notFound("workflow", "workflowstore.IncrementExecutionCount", id)
	}
	def.ExecutionCount++
	s.workflows[id] = def
	return s.persistWorkflowsUnlock()
}

func (s *MemoryStore) SaveExecution(_ context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	s.executions[rec.ID] = rec.Clone()
	var evicted []string
	if len(s.executions) > s.maxExecutions {
		evicted = s.evictOldest()
	}
	s.mu.Unlock()

	if err := s.syncExecution(rec.ID); err != nil {
		return err
	}
	for _, id := range evicted {
		if err := s.syncExecution(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.executions[id]
	if !ok {
		return nil, notFound("execution", "workflowstore.GetExecution", id)
	}
	cp := rec.Clone()
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, workflowID string, limit int) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ExecutionRecord, 0, len(s.executions))
	for _, rec := range s.executions {
		if workflowID == "" || rec.WorkflowID == workflowID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt) // newest first
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.executions[id]; !ok {
		s.mu.Unlock()
		return notFound("execution", "workflowstore.DeleteExecution", id)
	}
	delete(s.executions, id)
	s.mu.Unlock()
	return s.syncExecution(id)
}

func sortWorkflows(defs []domain.WorkflowDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if !defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].CreatedAt.Before(defs[j].CreatedAt)
		}
		return defs[i].ID < defs[j].ID
	})
}

// evictOldest removes the oldest terminal executions until count <= maxExecutions
// and returns their ids. Running executions are never evicted.
func (s *MemoryStore) evictOldest() []string {
	type entry struct {
		id      string
		started time.Time
	}
	var candidates []entry
	for id, r := range s.executions {
		if r.Status.Terminal() {
			candidates = append(candidates, entry{id, r.StartedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].started.Before(candidates[j].started)
	})
	var evicted []string
	for _, c := range candidates {
		if len(s.executions) <= s.maxExecutions {
			break
		}
		delete(s.executions, c.id)
		evicted = append(evicted, c.id)
	}
	return evicted
}

// --- persistence ---

const (
	workflowsFile = "workflows.json"
	executionsDir = "executions"
)

func (s *MemoryStore) load() error {
	var defs []domain.WorkflowDefinition
	if err := readJSON(filepath.Join(s.dir, workflowsFile), &defs); err != nil {
		return err
	}
	for _, d := range defs {
		s.workflows[d.ID] = d
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, executionsDir))
	if err != nil {
		return domain.WrapOp("read", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec domain.ExecutionRecord
		if err := readJSON(filepath.Join(s.dir, executionsDir, e.Name()), &rec); err != nil {
			return err
		}
		if rec.ID != "" {
			s.executions[rec.ID] = rec
		}
	}
	return nil
}

// persistWorkflowsUnlock snapshots the workflows, releases mu and writes the
// snapshot. A snapshot older than the one already on disk is dropped.
func (s *MemoryStore) persistWorkflowsUnlock() error {
	if s.dir == "" {
		s.mu.Unlock()
		return nil
	}
	s.wfGen++
	gen := s.wfGen
	defs := make([]domain.WorkflowDefinition, 0, len(s.workflows))
	for _, d := range s.workflows {
		defs = append(defs, d.Clone())
	}
	s.mu.Unlock()

	sortWorkflows(defs)
	s.wfFileMu.Lock()
	defer s.wfFileMu.Unlock()
	if gen <= s.wfWritten {
		return nil
	}
	if err := writeJSON(filepath.Join(s.dir, workflowsFile), defs); err != nil {
		return err
	}
	s.wfWritten = gen
	return nil
}

// syncExecution writes the current in-memory state of one execution to its
// file, or removes the file when the record is gone. Writers of the same id
// share a lock stripe, so the file always converges to the latest state.
func (s *MemoryStore) syncExecution(id string) error {
	if s.dir == "" {
		return nil
	}
	lock := s.execLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	rec, ok := s.executions[id]
	if ok {
		rec = rec.Clone()
	}
	s.mu.RUnlock()

	path := s.executionPath(id)
	if !ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return domain.WrapOp("remove", err)
		}
		return nil
	}
	return writeJSON(path, rec)
}

func (s *MemoryStore) execLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.execLocks[h.Sum32()%uint32(len(s.execLocks))]
}

func (s *MemoryStore) executionPath(id string) string {
	return filepath.Join(s.dir, executionsDir, url.PathEscape(id)+".json")
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}
