package domain

import (
	"context"
	"encoding/json"
	"time"
)

// NodeType tags the behavior of a workflow node.
type NodeType string

const (
	NodeTrigger         NodeType = "trigger"
	NodeMessage         NodeType = "message"
	NodeCollectInfo     NodeType = "collect_info"
	NodeDecision        NodeType = "decision"
	NodeRAGQuery        NodeType = "rag_query"
	NodeAPICall         NodeType = "api_call"
	NodeWebhook         NodeType = "webhook"
	NodeScheduleMeeting NodeType = "schedule_meeting"
	NodeSendInfo        NodeType = "send_info"
	NodeCRMUpdate       NodeType = "crm_update"
	NodeEmail           NodeType = "email"
	NodeDelay           NodeType = "delay"
)

var knownNodeTypes = []NodeType{
	NodeTrigger, NodeMessage, NodeCollectInfo, NodeDecision, NodeRAGQuery,
	NodeAPICall, NodeWebhook, NodeScheduleMeeting, NodeSendInfo,
	NodeCRMUpdate, NodeEmail, NodeDelay,
}

// KnownNodeTypes returns the closed set of node types in catalog order.
func KnownNodeTypes() []NodeType {
	out := make([]NodeType, len(knownNodeTypes))
	copy(out, knownNodeTypes)
	return out
}

// Known reports whether t belongs to the closed node type set.
func (t NodeType) Known() bool {
	for _, k := range knownNodeTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Node is a single step of a workflow graph.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	// Next is ignored for decision nodes, which branch on config.true_path / config.false_path.
	Next string `json:"next,omitempty" yaml:"next,omitempty"`
}

// ConfigString returns config[key] when it is a string.
func (n Node) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}
	s, _ := n.Config[key].(string)
	return s
}

// Successors returns the node ids this node can hand control to.
func (n Node) Successors() []string {
	if n.Type == NodeDecision {
		var out []string
		for _, key := range []string{"true_path", "false_path"} {
			if id := n.ConfigString(key); id != "" {
				out = append(out, id)
			}
		}
		return out
	}
	if n.Next == "" {
		return nil
	}
	return []string{n.Next}
}

// WorkflowDefinition is a stored, executable node graph owned by an agent.
type WorkflowDefinition struct {
	ID             string    `json:"id" yaml:"id,omitempty"`
	AgentID        string    `json:"agent_id" yaml:"agent_id"`
	Name           string    `json:"name" yaml:"name"`
	Description    string    `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger        string    `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Nodes          []Node    `json:"nodes" yaml:"nodes"`
	IsActive       bool      `json:"is_active" yaml:"is_active"`
	ExecutionCount int64     `json:"execution_count" yaml:"-"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// NodeByID returns the node with the given id.
func (w *WorkflowDefinition) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Clone returns a deep copy so callers can never alias stored state.
func (w WorkflowDefinition) Clone() WorkflowDefinition {
	out := w
	out.Nodes = CloneNodes(w.Nodes)
	return out
}

// CloneNodes deep-copies a node list, including nested config values.
func CloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
		if n.Config != nil {
			out[i].Config = CloneMap(n.Config)
		}
	}
	return out
}

// CloneMap deep-copies a JSON-like map (nested maps and slices are copied).
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case json.RawMessage:
		out := make(json.RawMessage, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// WorkflowPatch carries a partial update. Nil fields are left unchanged.
type WorkflowPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Trigger     *string `json:"trigger,omitempty"`
	Nodes       []Node  `json:"nodes,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// Apply mutates w with the patch's non-nil fields.
func (p WorkflowPatch) Apply(w *WorkflowDefinition) {
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.Trigger != nil {
		w.Trigger = *p.Trigger
	}
	if p.Nodes != nil {
		w.Nodes = CloneNodes(p.Nodes)
	}
	if p.IsActive != nil {
		w.IsActive = *p.IsActive
	}
}

// WorkflowStore persists workflow definitions. Reads return copies.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, def WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, agentID string) ([]WorkflowDefinition, error)
	UpdateWorkflow(ctx context.Context, id string, patch WorkflowPatch) (*WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error
	IncrementExecutionCount(ctx context.Context, id string) error
}
