package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loomrun/loom/internal/engine"
	"github.com/loomrun/loom/internal/expressions"
	"github.com/loomrun/loom/internal/handlers"
	"github.com/loomrun/loom/internal/logging"
	"github.com/loomrun/loom/internal/registry"
	"github.com/loomrun/loom/internal/scheduler"
	"github.com/loomrun/loom/internal/store"
	"github.com/loomrun/loom/internal/streaming"
	"github.com/loomrun/loom/internal/validation"
	"github.com/loomrun/loom/pkg/mcp"
	"github.com/loomrun/loom/pkg/schema"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			printVersion()
			return
		case "serve":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q (expected: serve, version)\n", os.Args[1])
			os.Exit(2)
		}
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Logs go to stderr: stdout is the MCP transport.
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	handlerReg := handlers.NewRegistry()
	compiler, err := expressions.NewCompiler()
	if err != nil {
		return fmt.Errorf("expression compiler: %w", err)
	}
	jsonSchema, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("schema validator: %w", err)
	}
	if err := handlers.RegisterBuiltins(handlerReg, jsonSchema, logger, handlers.HTTPConfig{}); err != nil {
		return fmt.Errorf("register builtin handlers: %w", err)
	}
	validator, err := validation.NewDocumentValidator(handlerReg, compiler)
	if err != nil {
		return fmt.Errorf("document validator: %w", err)
	}

	reg, err := registry.New(registry.Options{
		Store:     st,
		Handlers:  handlerReg,
		Compiler:  compiler,
		Validator: validator,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load stored definitions: %w", err)
	}
	if err := loadDefinitionFiles(ctx, reg, cfg.DefinitionsDir, logger); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()

	eng := engine.New(reg, engine.Options{
		Store:        st,
		Events:       hub,
		Validator:    validator,
		Logger:       logger,
		PoolSize:     cfg.PoolSize,
		MaxWalkSteps: cfg.MaxWalkSteps,
	})
	defer eng.Close()

	var sched *scheduler.Scheduler
	if cfg.Scheduler {
		sched = scheduler.NewScheduler(st, eng, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer sched.Stop()
	}

	deps := mcp.LoomServerDeps{
		Engine:   eng,
		Registry: reg,
		Hub:      hub,
		Logger:   logger,
	}
	if sched != nil {
		deps.Scheduler = sched
	}
	srv := mcp.NewLoomServer(deps)

	notifier := mcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions())
	go func() {
		if fwdErr := notifier.Forward(ctx, hub); fwdErr != nil {
			logger.Warn("event forwarder stopped", "error", fwdErr)
		}
	}()

	logger.Info("loom ready",
		"version", version,
		"db", cfg.DBPath,
		"definitions", len(reg.List()),
		"scheduler", cfg.Scheduler,
	)
	return srv.Serve(ctx)
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == "" || cfg.DBPath == ":memory:" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// loadDefinitionFiles registers every *.json definition document found in
// dir. Files that are already registered (same name and version) are
// skipped; anything else that fails to register aborts the boot so a broken
// definition is noticed immediately.
func loadDefinitionFiles(ctx context.Context, reg *registry.Registry, dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read definitions dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read definition %s: %w", path, readErr)
		}
		def, regErr := reg.RegisterJSON(ctx, raw)
		if regErr != nil {
			if schema.IsConflict(regErr) {
				logger.Debug("definition already registered", "file", entry.Name())
				continue
			}
			return fmt.Errorf("register definition %s: %w", path, regErr)
		}
		logger.Info("definition registered", "file", entry.Name(), "name", def.Name(), "version", def.Version())
	}
	return nil
}
