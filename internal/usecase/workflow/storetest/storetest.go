// Package storetest holds a conformance suite shared by every registry
// implementation (memory, SQLite, PostgreSQL).
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"afo-engine/internal/domain"
)

// Store is the combined registry surface under test.
type Store interface {
	domain.WorkflowStore
	domain.ExecutionStore
}

// NewWorkflow returns a small definition with nested config.
func NewWorkflow(id, agentID string) domain.WorkflowDefinition {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.WorkflowDefinition{
		ID:      id,
		AgentID: agentID,
		Name:    "wf " + id,
		Trigger: "conversation_start",
		Nodes: []domain.Node{
			{ID: "t", Type: domain.NodeTrigger, Next: "c"},
			{ID: "c", Type: domain.NodeCollectInfo, Config: map[string]any{"fields": []any{"name"}}, Next: "m"},
			{ID: "m", Type: domain.NodeMessage, Config: map[string]any{"text": "Hi {{name}}"}},
		},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewExecution returns a terminal record with two ordered results.
func NewExecution(id, workflowID string, started time.Time) domain.ExecutionRecord {
	done := started.Add(time.Second)
	rec := domain.ExecutionRecord{
		ID:          id,
		WorkflowID:  workflowID,
		Status:      domain.ExecutionCompleted,
		StartedAt:   started,
		CompletedAt: &done,
		Context:     map[string]any{"name": "Ada"},
		CurrentNode: "m",
		Errors:      []string{},
	}
	rec.Results.Set("t", map[string]any{"node_type": "trigger", "executed": true})
	rec.Results.Set("m", map[string]any{"message_sent": "Hi Ada"})
	return rec
}

// Run exercises the full registry contract against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateWorkflow(ctx, NewWorkflow("wf-1", "agent-1")); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		got, err := s.GetWorkflow(ctx, "wf-1")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.AgentID != "agent-1" || len(got.Nodes) != 3 || !got.IsActive {
			t.Errorf("unexpected workflow: %+v", got)
		}
		if got.Nodes[2].ConfigString("text") != "Hi {{name}}" {
			t.Errorf("config text = %q", got.Nodes[2].ConfigString("text"))
		}
		if err := s.CreateWorkflow(ctx, NewWorkflow("wf-1", "agent-1")); !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("duplicate create: got %v, want ErrDuplicate", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetWorkflow(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetWorkflow: got %v, want ErrNotFound", err)
		}
		if _, err := s.UpdateWorkflow(ctx, "nope", domain.WorkflowPatch{}); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("UpdateWorkflow: got %v, want ErrNotFound", err)
		}
		if err := s.DeleteWorkflow(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("DeleteWorkflow: got %v, want ErrNotFound", err)
		}
		if err := s.IncrementExecutionCount(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("IncrementExecutionCount: got %v, want ErrNotFound", err)
		}
		if _, err := s.GetExecution(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetExecution: got %v, want ErrNotFound", err)
		}
		if err := s.DeleteExecution(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("DeleteExecution: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListByAgent", func(t *testing.T) {
		s := newStore(t)
		for i, agent := range []string{"a", "b", "a"} {
			if err := s.CreateWorkflow(ctx, NewWorkflow(fmt.Sprintf("wf-%d", i), agent)); err != nil {
				t.Fatalf("CreateWorkflow: %v", err)
			}
		}
		got, err := s.ListWorkflows(ctx, "a")
		if err != nil {
			t.Fatalf("ListWorkflows: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d workflows, want 2", len(got))
		}
		all, _ := s.ListWorkflows(ctx, "")
		if len(all) != 3 {
			t.Errorf("got %d workflows for all agents, want 3", len(all))
		}
		none, _ := s.ListWorkflows(ctx, "zzz")
		if len(none) != 0 {
			t.Errorf("got %d workflows for unknown agent, want 0", len(none))
		}
	})

	t.Run("UpdatePatch", func(t *testing.T) {
		s := newStore(t)
		_ = s.CreateWorkflow(ctx, NewWorkflow("wf-1", "agent-1"))
		name := "renamed"
		inactive := false
		got, err := s.UpdateWorkflow(ctx, "wf-1", domain.WorkflowPatch{
			Name:     &name,
			IsActive: &inactive,
			Nodes:    []domain.Node{{ID: "only", Type: domain.NodeTrigger}},
		})
		if err != nil {
			t.Fatalf("UpdateWorkflow: %v", err)
		}
		if got.Name != "renamed" || got.IsActive || len(got.Nodes) != 1 {
			t.Errorf("unexpected patched workflow: %+v", got)
		}
		if got.Trigger != "conversation_start" {
			t.Errorf("trigger changed: %q", got.Trigger)
		}
		again, _ := s.GetWorkflow(ctx, "wf-1")
		if again.Name != "renamed" {
			t.Errorf("update not persisted: %q", again.Name)
		}
	})

	t.Run("ReadsAreCopies", func(t *testing.T) {
		s := newStore(t)
		_ = s.CreateWorkflow(ctx, NewWorkflow("wf-1", "agent-1"))
		got, _ := s.GetWorkflow(ctx, "wf-1")
		got.Nodes[0].ID = "mutated"
		got.Nodes[2].Config["text"] = "mutated"
		again, _ := s.GetWorkflow(ctx, "wf-1")
		if again.Nodes[0].ID != "t" || again.Nodes[2].ConfigString("text") != "Hi {{name}}" {
			t.Errorf("store returned aliased state: %+v", again.Nodes)
		}
	})

	t.Run("DeleteAndCount", func(t *testing.T) {
		s := newStore(t)
		_ = s.CreateWorkflow(ctx, NewWorkflow("wf-1", "agent-1"))
		for i := 0; i < 3; i++ {
			if err := s.IncrementExecutionCount(ctx, "wf-1"); err != nil {
				t.Fatalf("IncrementExecutionCount: %v", err)
			}
		}
		got, _ := s.GetWorkflow(ctx, "wf-1")
		if got.ExecutionCount != 3 {
			t.Errorf("ExecutionCount = %d, want 3", got.ExecutionCount)
		}
		if err := s.DeleteWorkflow(ctx, "wf-1"); err != nil {
			t.Fatalf("DeleteWorkflow: %v", err)
		}
		if _, err := s.GetWorkflow(ctx, "wf-1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("after delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Executions", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 3; i++ {
			rec := NewExecution(fmt.Sprintf("ex-%d", i), "wf-1", base.Add(time.Duration(i)*time.Minute))
			if err := s.SaveExecution(ctx, rec); err != nil {
				t.Fatalf("SaveExecution: %v", err)
			}
		}
		_ = s.SaveExecution(ctx, NewExecution("ex-other", "wf-2", base))

		got, err := s.GetExecution(ctx, "ex-1")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status != domain.ExecutionCompleted || got.CompletedAt == nil {
			t.Errorf("unexpected record: %+v", got)
		}
		keys := got.Results.Keys()
		if len(keys) != 2 || keys[0] != "t" || keys[1] != "m" {
			t.Errorf("result order = %v, want [t m]", keys)
		}
		if res, _ := got.Results.Get("m"); res["message_sent"] != "Hi Ada" {
			t.Errorf("message result = %v", res)
		}

		list, err := s.ListExecutions(ctx, "wf-1", 2)
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(list) != 2 || list[0].ID != "ex-2" {
			t.Errorf("ListExecutions newest first: got %d records, first %q", len(list), firstID(list))
		}

		// Replace on save.
		got.Status = domain.ExecutionFailed
		got.Errors = append(got.Errors, "boom")
		if err := s.SaveExecution(ctx, *got); err != nil {
			t.Fatalf("SaveExecution replace: %v", err)
		}
		again, _ := s.GetExecution(ctx, "ex-1")
		if again.Status != domain.ExecutionFailed || len(again.Errors) != 1 {
			t.Errorf("replace not applied: %+v", again)
		}

		if err := s.DeleteExecution(ctx, "ex-1"); err != nil {
			t.Fatalf("DeleteExecution: %v", err)
		}
		if _, err := s.GetExecution(ctx, "ex-1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("after delete: got %v, want ErrNotFound", err)
		}
	})
}

func firstID(recs []domain.ExecutionRecord) string {
	if len(recs) == 0 {
		return ""
	}
	return recs[0].ID
}
