package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"afo-engine/internal/infra/config"
)

func TestCheckConfigFile_NotFound(t *testing.T) {
	fn := checkConfigFile("/nonexistent/path/config.yaml", nil)
	result := fn(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for missing config")
	}
}

func TestCheckConfigFile_LoadError(t *testing.T) {
	fn := checkConfigFile("config.yaml", errors.New("parse config: bad yaml"))
	if result := fn(nil); result.Status != StatusFail {
		t.Errorf("expected FAIL for load error, got %s", result.Status)
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeTestFile(t, cfgPath, "server:\n  addr: \":9090\"\n")

	result := checkConfigFile(cfgPath, nil)(nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS for valid config, got %s: %s", result.Status, result.Message)
	}
}

func TestChecksNilConfig(t *testing.T) {
	for name, fn := range map[string]func(*config.Config) CheckResult{
		"store":     checkStore,
		"workflows": checkWorkflowDir,
		"schedules": checkSchedules,
		"auth":      checkGatewayAuth,
		"outbound":  checkOutboundGuard,
	} {
		if got := fn(nil).Status; got != StatusFail {
			t.Errorf("%s(nil) = %s, want FAIL", name, got)
		}
	}
}

func TestCheckStore(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.DataDir = ""
	if got := checkStore(cfg).Status; got != StatusWarn {
		t.Errorf("memory without data dir = %s, want WARN", got)
	}

	cfg.Store.DataDir = filepath.Join(t.TempDir(), "data")
	if got := checkStore(cfg); got.Status != StatusPass {
		t.Errorf("memory with data dir = %s: %s", got.Status, got.Message)
	}

	cfg.Store.Driver = "sqlite"
	if got := checkStore(cfg); got.Status != StatusPass {
		t.Errorf("sqlite = %s: %s", got.Status, got.Message)
	}

	cfg.Store.Driver = "cassandra"
	if got := checkStore(cfg).Status; got != StatusFail {
		t.Errorf("unknown driver = %s, want FAIL", got)
	}
}

func TestCheckWorkflowDir(t *testing.T) {
	cfg := config.Defaults()
	if got := checkWorkflowDir(cfg).Status; got != StatusPass {
		t.Errorf("unset dir = %s, want PASS", got)
	}

	dir := t.TempDir()
	cfg.Engine.WorkflowDir = dir
	writeTestFile(t, filepath.Join(dir, "greet.yaml"), "agent_id: a\nname: greet\nnodes:\n  - id: start\n    type: trigger\n")
	if got := checkWorkflowDir(cfg); got.Status != StatusPass {
		t.Errorf("valid dir = %s: %s", got.Status, got.Message)
	}

	writeTestFile(t, filepath.Join(dir, "meeting.yaml"), meetingFlow)
	if got := checkWorkflowDir(cfg).Status; got != StatusWarn {
		t.Errorf("dir with invalid workflow = %s, want WARN", got)
	}

	cfg.Engine.WorkflowDir = filepath.Join(dir, "missing")
	if got := checkWorkflowDir(cfg).Status; got != StatusFail {
		t.Errorf("missing dir = %s, want FAIL", got)
	}
}

func TestCheckSchedules(t *testing.T) {
	cfg := config.Defaults()
	cfg.Schedules = []config.ScheduleConfig{{Name: "ok", WorkflowID: "w", Schedule: "*/5 * * * *"}}
	if got := checkSchedules(cfg).Status; got != StatusPass {
		t.Errorf("cron schedule = %s, want PASS", got)
	}
	cfg.Schedules = append(cfg.Schedules, config.ScheduleConfig{Name: "bad", WorkflowID: "w", Schedule: "whenever"})
	if got := checkSchedules(cfg).Status; got != StatusFail {
		t.Errorf("bad schedule = %s, want FAIL", got)
	}
}

func TestCheckGatewayAuthAndOutbound(t *testing.T) {
	cfg := config.Defaults()
	if got := checkGatewayAuth(cfg).Status; got != StatusWarn {
		t.Errorf("open auth = %s, want WARN", got)
	}
	cfg.Gateway.Auth = config.AuthConfig{Type: "static", Tokens: []config.TokenConfig{{Token: "t", Name: "n"}}}
	if got := checkGatewayAuth(cfg).Status; got != StatusPass {
		t.Errorf("static auth = %s, want PASS", got)
	}

	if got := checkOutboundGuard(cfg).Status; got != StatusWarn {
		t.Errorf("unguarded outbound = %s, want WARN", got)
	}
	cfg.Outbound.BlockPrivate = true
	if got := checkOutboundGuard(cfg).Status; got != StatusPass {
		t.Errorf("guarded outbound = %s, want PASS", got)
	}
}

func TestRunDoctor(t *testing.T) {
	for _, k := range []string{"AFO_CONFIG", "AFO_CONFIG_KEY", "AFO_STORE_DRIVER", "AFO_GATEWAY_TOKEN"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeTestFile(t, cfgPath, "store:\n  driver: memory\n  data_dir: "+filepath.Join(dir, "data")+"\n")

	var out bytes.Buffer
	if err := runDoctor([]string{"--config", cfgPath}, &out); err != nil {
		t.Fatalf("runDoctor: %v\n%s", err, out.String())
	}
	if !bytes.Contains(out.Bytes(), []byte("Results:")) {
		t.Errorf("missing summary:\n%s", out.String())
	}

	if err := os.Chmod(cfgPath, 0o666); err != nil {
		t.Fatal(err)
	}
	if err := runDoctor([]string{"--config", cfgPath}, &out); err == nil {
		t.Error("expected failure for world-writable config")
	}
}
