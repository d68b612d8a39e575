package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afo-engine/internal/domain"
	"afo-engine/internal/infra/config"
	"afo-engine/internal/usecase/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

const meetingFlow = `agent_id: agent-1
name: Book a demo
nodes:
  - id: start
    type: trigger
    next: book
  - id: book
    type: schedule_meeting
`

func TestConfigPath(t *testing.T) {
	t.Setenv("AFO_CONFIG", "")
	tests := []struct {
		args []string
		want string
	}{
		{nil, "config.yaml"},
		{[]string{"--config", "/etc/afo.yaml"}, "/etc/afo.yaml"},
		{[]string{"--config=/tmp/c.yaml"}, "/tmp/c.yaml"},
		{[]string{"--config"}, "config.yaml"},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Errorf("configPath(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}

	t.Setenv("AFO_CONFIG", "/env/config.yaml")
	if got := configPath(nil); got != "/env/config.yaml" {
		t.Errorf("configPath with env = %q", got)
	}
	if got := configPath([]string{"--config", "flag.yaml"}); got != "flag.yaml" {
		t.Errorf("flag should win over env, got %q", got)
	}
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meeting.yaml")
	writeTestFile(t, path, meetingFlow)

	var out bytes.Buffer
	code, err := runValidate([]string{path}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "FAIL")
	assert.Contains(t, out.String(), "missing_integration")

	out.Reset()
	code, err = runValidate([]string{"--integrations", "calendar, crm", path}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "OK (can_execute=true)")
}

func TestRunValidateWarnings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notrigger.yaml")
	writeTestFile(t, path, "agent_id: a\nname: n\nnodes:\n  - id: m\n    type: message\n    config:\n      text: hi\n")

	var out bytes.Buffer
	code, err := runValidate([]string{path}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "WARN")
	assert.Contains(t, out.String(), "no_trigger")
}

func TestRunValidateBadInput(t *testing.T) {
	_, err := runValidate(nil, &bytes.Buffer{})
	assert.Error(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	writeTestFile(t, bad, "nodes: [\n")
	var out bytes.Buffer
	code, err := runValidate([]string{bad, filepath.Join(dir, "missing.yaml")}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, 2, strings.Count(out.String(), "FAIL"))
}

func TestRunEncrypt(t *testing.T) {
	t.Setenv("AFO_CONFIG_KEY", "")
	err := runEncrypt(nil, strings.NewReader("s3cret"), &bytes.Buffer{})
	assert.ErrorContains(t, err, "AFO_CONFIG_KEY")

	t.Setenv("AFO_CONFIG_KEY", "passphrase")
	var out bytes.Buffer
	require.NoError(t, runEncrypt(nil, strings.NewReader("s3cret\n"), &out))
	enc := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(enc, config.SecretPrefix), enc)

	plain, err := config.DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)

	assert.Error(t, runEncrypt(nil, strings.NewReader("\n"), &bytes.Buffer{}))
}

func TestBuildComponentsMemory(t *testing.T) {
	dir := t.TempDir()
	flows := filepath.Join(dir, "flows")
	require.NoError(t, os.Mkdir(flows, 0o755))
	writeTestFile(t, filepath.Join(flows, "meeting.yaml"), "id: wf-meeting\n"+meetingFlow)

	cfg := config.Defaults()
	cfg.Store.DataDir = ""
	cfg.Engine.WorkflowDir = flows
	cfg.Integrations = []config.IntegrationConfig{{UserID: "user-1", Type: "calendar", Provider: "google"}}
	cfg.Schedules = []config.ScheduleConfig{{Name: "nightly", WorkflowID: "wf-meeting", Schedule: "@daily"}}

	ctx := context.Background()
	c, err := buildComponents(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer c.close(discardLogger())

	def, err := c.service.GetWorkflow(ctx, "wf-meeting")
	require.NoError(t, err)
	assert.Equal(t, "Book a demo", def.Name)

	report, err := c.service.ValidateStoredWorkflow(ctx, "wf-meeting", "user-1")
	require.NoError(t, err)
	assert.True(t, report.CanExecute)

	entries := c.scheduler.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "nightly", entries[0].Name)
}

func TestCloseCancelsBackgroundRuns(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.DataDir = ""
	cfg.Server.ShutdownTimeout = 2 * time.Second

	ctx := context.Background()
	c, err := buildComponents(ctx, cfg, discardLogger())
	require.NoError(t, err)

	def, err := c.service.CreateWorkflow(ctx, workflow.CreateWorkflowInput{
		AgentID: "agent-1",
		Name:    "Long wait",
		Nodes:   []domain.Node{{ID: "wait", Type: domain.NodeDelay, Config: map[string]any{"seconds": 3600}}},
	})
	require.NoError(t, err)
	started, err := c.service.StartWorkflow(ctx, def.ID, nil, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := c.service.GetExecution(ctx, started.ID)
		return err == nil && rec.CurrentNode == "wait"
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	c.close(discardLogger())
	assert.Less(t, time.Since(start), time.Second)

	rec, err := c.history.GetExecution(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, rec.Status)
}

func TestBuildComponentsSQLite(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DataDir = t.TempDir()
	cfg.MCP.Enabled = false
	cfg.Integrations = []config.IntegrationConfig{{UserID: "user-1", Type: "crm", Provider: "hubspot"}}

	ctx := context.Background()
	c, err := buildComponents(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer c.close(discardLogger())

	status, err := c.service.GetAgentIntegrationStatus(ctx, "agent-1", "user-1")
	require.NoError(t, err)
	assert.True(t, status["crm"].Configured)
}

func TestBuildComponentsBadSchedule(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.DataDir = ""
	cfg.Schedules = []config.ScheduleConfig{{Name: "broken", WorkflowID: "x", Schedule: "not a schedule"}}

	_, err := buildComponents(context.Background(), cfg, discardLogger())
	assert.ErrorContains(t, err, "broken")
}
