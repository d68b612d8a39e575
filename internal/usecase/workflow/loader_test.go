package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afo-engine/internal/domain"
)

const leadYAML = `id: wf-lead
agent_id: agent-1
name: Lead intake
trigger: conversation_start
nodes:
  - id: start
    type: trigger
    next: greet
  - id: greet
    type: message
    config:
      text: "Hi {{name}}"
    next: qualify
  - id: qualify
    type: decision
    config:
      condition: interested
      true_path: notify
      false_path: bye
  - id: notify
    type: webhook
    config:
      url: https://hooks.example.com/lead
      payload:
        name: "{{name}}"
        score: 3
  - id: bye
    type: message
    config:
      text: Goodbye
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseDefinition(t *testing.T) {
	f, err := ParseDefinition([]byte(leadYAML))
	require.NoError(t, err)
	assert.Equal(t, "wf-lead", f.ID)
	assert.Equal(t, "agent-1", f.AgentID)
	require.Len(t, f.Nodes, 5)
	assert.Equal(t, domain.NodeDecision, f.Nodes[2].Type)
	assert.Equal(t, "notify", f.Nodes[2].ConfigString("true_path"))

	payload, ok := f.Nodes[3].Config["payload"].(map[string]any)
	require.True(t, ok, "payload decoded as %T", f.Nodes[3].Config["payload"])
	assert.Equal(t, 3, payload["score"])

	def := f.Definition()
	assert.True(t, def.IsActive)
	r := Validate(def, nil)
	assert.True(t, r.CanExecute, "errors %v warnings %v", r.Errors, r.Warnings)
}

func TestParseDefinitionRejectsUnknownKeys(t *testing.T) {
	_, err := ParseDefinition([]byte("name: x\nnodez: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nodez")
}

func TestParseDefinitionInactive(t *testing.T) {
	f, err := ParseDefinition([]byte("agent_id: a\nname: off\nis_active: false\n"))
	require.NoError(t, err)
	def := f.Definition()
	assert.False(t, def.IsActive)
	assert.NotNil(t, def.Nodes)
}

func TestLoadDefinitionDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "id: wf-b\nagent_id: a\nname: b\n")
	writeFile(t, dir, "a.yaml", "id: wf-a\nagent_id: a\nname: a\n")
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755))

	files, err := LoadDefinitionDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "wf-a", files[0].ID)
	assert.Equal(t, "wf-b", files[1].ID)
}

func TestLoadDefinitionDirDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "id: same\nagent_id: a\nname: a\n")
	writeFile(t, dir, "b.yaml", "id: same\nagent_id: a\nname: b\n")
	_, err := LoadDefinitionDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate workflow id")
}

func TestLoadDefinitionFileErrors(t *testing.T) {
	_, err := LoadDefinitionFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dir := t.TempDir()
	path := writeFile(t, dir, "big.yaml", "name: "+strings.Repeat("x", maxDefinitionFileSize))
	_, err = LoadDefinitionFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")

	path = writeFile(t, dir, "bad.yaml", "nodes: [\n")
	_, err = LoadDefinitionFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestSeedWorkflowsIsIdempotent(t *testing.T) {
	svc, bus := newTestService(t, nil)
	ctx := context.Background()
	lead, err := ParseDefinition([]byte(leadYAML))
	require.NoError(t, err)
	anon := DefinitionFile{CreateWorkflowInput: CreateWorkflowInput{AgentID: "agent-1", Name: "generated"}}

	n, err := svc.SeedWorkflows(ctx, []DefinitionFile{lead, anon})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, bus.hasEvent(domain.EventWorkflowCreated))

	got, err := svc.GetWorkflow(ctx, "wf-lead")
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())

	n, err = svc.SeedWorkflows(ctx, []DefinitionFile{lead})
	require.NoError(t, err)
	assert.Zero(t, n)

	list, _ := svc.ListWorkflows(ctx, "agent-1")
	assert.Len(t, list, 2)
}

func TestSeedWorkflowsRequiresOwner(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.SeedWorkflows(context.Background(), []DefinitionFile{{ID: "x", CreateWorkflowInput: CreateWorkflowInput{Name: "n"}}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
