package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"afo-engine/internal/adapter/store"
	"afo-engine/internal/infra/config"
	"afo-engine/internal/usecase/scheduling"
	"afo-engine/internal/usecase/workflow"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor(args []string, out io.Writer) error {
	cfgPath := configPath(args)
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Store", Fn: checkStore},
		{Name: "Workflow directory", Fn: checkWorkflowDir},
		{Name: "Schedules", Fn: checkSchedules},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
		{Name: "Outbound guard", Fn: checkOutboundGuard},
	}

	fmt.Fprintln(out, "afo-engine doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config exists and loaded. A missing
// file is only a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the AFO_* environment variables",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or set AFO_CONFIG",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	switch cfg.Store.Driver {
	case "", "memory":
		if cfg.Store.DataDir == "" {
			return CheckResult{Status: StatusWarn, Message: "memory store without persistence", Fix: "Set store.data_dir to keep workflows across restarts"}
		}
		if err := checkWritable(cfg.Store.DataDir); err != nil {
			return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Make store.data_dir writable"}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("memory store persisted in %s", cfg.Store.DataDir)}
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check store.driver, store.dsn and store.data_dir"}
		}
		st.Close()
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s store reachable", cfg.Store.Driver)}
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("data dir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("data dir %s not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkWorkflowDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	dir := cfg.Engine.WorkflowDir
	if dir == "" {
		return CheckResult{Status: StatusPass, Message: "no workflow directory configured"}
	}
	files, err := workflow.LoadDefinitionDir(dir)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Run 'afo-engine validate' on the files in " + dir}
	}

	var invalid []string
	for _, f := range files {
		if report := workflow.Validate(f.Definition(), nil); !report.Valid {
			invalid = append(invalid, f.Name)
		}
	}
	if len(invalid) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d workflows have errors: %s", len(invalid), len(files), strings.Join(invalid, ", ")),
			Fix:     "Run 'afo-engine validate' on " + filepath.Join(dir, "*.yaml"),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d workflows in %s", len(files), dir)}
}

func checkSchedules(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	for _, sc := range cfg.Schedules {
		if _, err := scheduling.ParseSchedule(sc.Schedule); err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("schedule %q: %v", sc.Name, err)}
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d schedules", len(cfg.Schedules))}
}

func checkGatewayAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if cfg.Gateway.Auth.Type == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "gateway accepts unauthenticated requests",
			Fix:     "Set gateway.auth.type: static with tokens, or AFO_GATEWAY_TOKEN",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s auth with %d tokens", cfg.Gateway.Auth.Type, len(cfg.Gateway.Auth.Tokens))}
}

func checkOutboundGuard(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if !cfg.Outbound.BlockPrivate {
		return CheckResult{
			Status:  StatusWarn,
			Message: "api_call and webhook nodes may reach private addresses",
			Fix:     "Set outbound.block_private: true",
		}
	}
	return CheckResult{Status: StatusPass, Message: "private addresses blocked"}
}
