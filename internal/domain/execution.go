package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// ResultSet maps node ids to their results, remembering execution order.
// It marshals to a JSON object whose keys appear in that order.
type ResultSet struct {
	order []string
	byID  map[string]map[string]any
}

// Set records the result for a node. A new node id is appended to the order.
func (r *ResultSet) Set(nodeID string, result map[string]any) {
	if r.byID == nil {
		r.byID = make(map[string]map[string]any)
	}
	if _, ok := r.byID[nodeID]; !ok {
		r.order = append(r.order, nodeID)
	}
	r.byID[nodeID] = result
}

// Get returns the result recorded for a node.
func (r ResultSet) Get(nodeID string) (map[string]any, bool) {
	res, ok := r.byID[nodeID]
	return res, ok
}

// Keys returns node ids in execution order.
func (r ResultSet) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of recorded results.
func (r ResultSet) Len() int { return len(r.order) }

// Clone returns a deep copy.
func (r ResultSet) Clone() ResultSet {
	out := ResultSet{order: make([]string, len(r.order))}
	copy(out.order, r.order)
	if r.byID != nil {
		out.byID = make(map[string]map[string]any, len(r.byID))
		for k, v := range r.byID {
			out.byID[k] = CloneMap(v)
		}
	}
	return out
}

// MarshalJSON encodes the set as an object in execution order.
func (r ResultSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.byID[id])
		if err != nil {
			return nil, fmt.Errorf("result %q: %w", id, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object, keeping the key order of the input.
func (r *ResultSet) UnmarshalJSON(data []byte) error {
	*r = ResultSet{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("results: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("results: expected string key, got %v", tok)
		}
		var val map[string]any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("result %q: %w", key, err)
		}
		r.Set(key, val)
	}
	_, err = dec.Token()
	return err
}

// ExecutionRecord is the observable state of one workflow run.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	AgentID     string          `json:"agent_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	Context     map[string]any  `json:"context"`
	CurrentNode string          `json:"current_node,omitempty"`
	Results     ResultSet       `json:"results"`
	Errors      []string        `json:"errors"`
}

// Clone returns a deep copy of the record.
func (r ExecutionRecord) Clone() ExecutionRecord {
	out := r
	out.Context = CloneMap(r.Context)
	out.Results = r.Results.Clone()
	if r.Errors != nil {
		out.Errors = make([]string, len(r.Errors))
		copy(out.Errors, r.Errors)
	}
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.FailedAt = cloneTime(r.FailedAt)
	out.CancelledAt = cloneTime(r.CancelledAt)
	return out
}

// FinishedAt returns the terminal timestamp, if any.
func (r ExecutionRecord) FinishedAt() *time.Time {
	switch {
	case r.CompletedAt != nil:
		return r.CompletedAt
	case r.FailedAt != nil:
		return r.FailedAt
	default:
		return r.CancelledAt
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	// SaveExecution creates or replaces a record.
	SaveExecution(ctx context.Context, rec ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	// ListExecutions returns the newest records first. workflowID "" lists all.
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]ExecutionRecord, error)
	DeleteExecution(ctx context.Context, id string) error
}
