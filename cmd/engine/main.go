package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"afo-engine/internal/adapter/gateway"
	"afo-engine/internal/adapter/integration"
	"afo-engine/internal/adapter/mcpserver"
	"afo-engine/internal/adapter/outbound"
	"afo-engine/internal/adapter/store"
	"afo-engine/internal/domain"
	"afo-engine/internal/infra/config"
	"afo-engine/internal/infra/logger"
	"afo-engine/internal/infra/tracer"
	"afo-engine/internal/security"
	"afo-engine/internal/usecase/eventbus"
	"afo-engine/internal/usecase/scheduling"
	"afo-engine/internal/usecase/workflow"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage(os.Stdout)
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") || os.Args[1] == "serve" {
		args := os.Args[1:]
		if len(args) > 0 && args[0] == "serve" {
			args = args[1:]
		}
		if err := run(args); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "validate":
		code, err := runValidate(os.Args[2:], os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "validate: %v\n", err)
			os.Exit(2)
		}
		os.Exit(code)
	case "encrypt":
		if err := runEncrypt(os.Args[2:], os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'afo-engine --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `afo-engine - agent workflow orchestration engine

USAGE:
    afo-engine [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP, WebSocket and MCP server (default)
    validate    Validate YAML workflow definitions offline
                Flags: --integrations calendar,crm,email
    encrypt     Encrypt a config secret read from stdin (needs AFO_CONFIG_KEY)
    doctor      Run health checks on config, store and workflow directory
    help        Show this help message

FLAGS:
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml or $AFO_CONFIG
    Environment: AFO_* variables override config
    Secrets:     values prefixed "enc:" are decrypted with $AFO_CONFIG_KEY

EXAMPLES:
    afo-engine                                  # Serve with config.yaml
    afo-engine --config /etc/afo/config.yaml    # Serve with custom config
    afo-engine validate --integrations crm flows/*.yaml
    echo -n secret | AFO_CONFIG_KEY=k afo-engine encrypt`)
}

// configPath resolves the config file from --config, $AFO_CONFIG or the
// working directory default.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if env := os.Getenv("AFO_CONFIG"); env != "" {
		return env
	}
	return "config.yaml"
}

// components holds everything run() starts and later tears down.
type components struct {
	bus       *eventbus.Bus
	registry  domain.WorkflowStore
	history   domain.ExecutionStore
	closer    io.Closer
	engine    *workflow.Engine
	service   *workflow.Service
	scheduler *scheduling.Scheduler
	server    *gateway.Server
	metrics   *gateway.Metrics

	shutdownTimeout time.Duration
}

func run(args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	c, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close(log)

	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.server.Start(ctx); err != nil {
			errCh <- err
			stop()
		}
	}()

	log.Info("afo-engine started",
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Driver,
		"mcp", cfg.MCP.Enabled,
		"schedules", len(cfg.Schedules),
	)

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	default:
		return nil
	}
}

func buildComponents(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	c := &components{bus: eventbus.New(log), shutdownTimeout: cfg.Server.ShutdownTimeout}

	integrations, err := c.openStore(ctx, cfg)
	if err != nil {
		c.bus.Close()
		return nil, err
	}

	guard := security.NewGuard(cfg.Outbound.BlockPrivate, cfg.Outbound.AllowedHosts)
	client := outbound.New(cfg.Outbound, log, outbound.WithGuard(guard))

	exec := workflow.NewExecutor(client, workflow.ExecutorConfig{
		APICallTimeout: cfg.Engine.APICallTimeout,
		WebhookTimeout: cfg.Engine.WebhookTimeout,
		MaxDelay:       cfg.Engine.MaxDelay,
	}, log)
	c.engine = workflow.NewEngine(c.registry, c.history, exec, c.bus, workflow.EngineConfig{
		EntryPoint: cfg.Engine.EntryPoint,
		MaxSteps:   cfg.Engine.MaxSteps,
		MaxRunning: cfg.Engine.MaxRunning,
	}, log)
	c.service = workflow.NewService(c.registry, c.history, c.engine, integrations, c.bus, log)

	if dir := cfg.Engine.WorkflowDir; dir != "" {
		files, err := workflow.LoadDefinitionDir(dir)
		if err != nil {
			c.close(log)
			return nil, fmt.Errorf("load workflows: %w", err)
		}
		n, err := c.service.SeedWorkflows(ctx, files)
		if err != nil {
			c.close(log)
			return nil, fmt.Errorf("seed workflows: %w", err)
		}
		log.Info("workflows loaded", "dir", dir, "count", n)
	}

	c.scheduler = scheduling.NewScheduler(c.service, c.bus, scheduling.DefaultRunTimeout, log)
	for _, sc := range cfg.Schedules {
		if err := c.scheduler.Add(scheduling.Schedule{
			Name:         sc.Name,
			WorkflowID:   sc.WorkflowID,
			Spec:         sc.Schedule,
			Context:      sc.Context,
			Integrations: sc.Integrations,
			OneShot:      sc.OneShot,
		}); err != nil {
			c.close(log)
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
	}

	api, err := gateway.NewAPI(c.service, log)
	if err != nil {
		c.close(log)
		return nil, fmt.Errorf("init api: %w", err)
	}
	c.metrics = gateway.NewMetrics()
	c.metrics.Attach(c.bus)
	c.server = gateway.NewServer(api, c.bus, gateway.NewAuthenticator(cfg.Gateway.Auth), c.metrics, cfg.Server, log)
	if cfg.MCP.Enabled {
		c.server.Mount("/mcp", mcpserver.New(c.service, log).Handler())
	}
	return c, nil
}

// openStore selects the registry backend and returns the integration
// provider that goes with it.
func (c *components) openStore(ctx context.Context, cfg *config.Config) (domain.IntegrationStatusProvider, error) {
	if cfg.Store.Driver == "" || cfg.Store.Driver == "memory" {
		mem, err := workflow.NewMemoryStore(cfg.Store.DataDir, cfg.Store.MaxExecutions)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		c.registry, c.history = mem, mem
		return integration.NewStatic(cfg.Integrations), nil
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	for _, in := range cfg.Integrations {
		err := st.UpsertIntegration(ctx, domain.Integration{
			UserID:   in.UserID,
			Type:     domain.IntegrationType(in.Type),
			Provider: in.Provider,
			Active:   in.IsActive(),
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("seed integration %s/%s: %w", in.UserID, in.Type, err)
		}
	}
	c.registry, c.history, c.closer = st, st, st
	return st, nil
}

func (c *components) close(log *slog.Logger) {
	if c.scheduler != nil {
		if err := c.scheduler.Stop(); err != nil {
			log.Warn("scheduler stop", "error", err)
		}
	}
	if c.engine != nil {
		timeout := c.shutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.engine.Shutdown(ctx); err != nil {
			log.Warn("engine shutdown", "error", err)
		}
		cancel()
	}
	if c.metrics != nil {
		c.metrics.Detach()
	}
	c.bus.Close()
	if c.closer != nil {
		if err := c.closer.Close(); err != nil {
			log.Warn("store close", "error", err)
		}
	}
}

// runValidate checks YAML definitions against the given integration set.
// It returns exit code 1 when any file has validation errors.
func runValidate(args []string, out io.Writer) (int, error) {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(out)
	integrationsFlag := fs.String("integrations", "", "comma-separated active integration types (calendar,crm,email)")
	if err := fs.Parse(args); err != nil {
		return 0, err
	}
	if fs.NArg() == 0 {
		return 0, errors.New("no workflow files given")
	}

	active := make(map[domain.IntegrationType]bool)
	for _, t := range strings.Split(*integrationsFlag, ",") {
		if t = strings.TrimSpace(t); t != "" {
			active[domain.IntegrationType(t)] = true
		}
	}

	code := 0
	for _, path := range fs.Args() {
		file, err := workflow.LoadDefinitionFile(path)
		if err != nil {
			fmt.Fprintf(out, "%s: FAIL %v\n", path, err)
			code = 1
			continue
		}
		report := workflow.Validate(file.Definition(), active)
		status := "OK"
		switch {
		case !report.Valid:
			status = "FAIL"
			code = 1
		case len(report.Warnings) > 0:
			status = "WARN"
		}
		fmt.Fprintf(out, "%s: %s (can_execute=%t)\n", path, status, report.CanExecute)
		for _, is := range report.Errors {
			fmt.Fprintf(out, "  error   %s\n", formatIssue(is))
		}
		for _, is := range report.Warnings {
			fmt.Fprintf(out, "  warning %s\n", formatIssue(is))
		}
	}
	return code, nil
}

func formatIssue(is domain.ValidationIssue) string {
	if is.NodeID == "" {
		return fmt.Sprintf("[%s] %s", is.Code, is.Message)
	}
	return fmt.Sprintf("[%s] node %s: %s", is.Code, is.NodeID, is.Message)
}

// runEncrypt reads a plaintext secret from in and prints its enc: form.
func runEncrypt(_ []string, in io.Reader, out io.Writer) error {
	passphrase := os.Getenv("AFO_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("AFO_CONFIG_KEY is not set")
	}
	data, err := io.ReadAll(io.LimitReader(in, 64<<10))
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	plaintext := strings.TrimRight(string(data), "\r\n")
	if plaintext == "" {
		return errors.New("empty secret on stdin")
	}
	enc, err := config.EncryptValue(plaintext, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, enc)
	return nil
}
