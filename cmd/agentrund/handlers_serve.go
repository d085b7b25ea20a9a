package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentrund/agentrund/internal/config"
	ctxmgr "github.com/agentrund/agentrund/internal/context"
	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/internal/metrics"
	"github.com/agentrund/agentrund/internal/migrate"
	"github.com/agentrund/agentrund/internal/orchestrator"
	"github.com/agentrund/agentrund/internal/providers"
	"github.com/agentrund/agentrund/internal/registry"
	"github.com/agentrund/agentrund/internal/rpc"
	"github.com/agentrund/agentrund/internal/subagent"
	"github.com/agentrund/agentrund/internal/sweep"
	"github.com/agentrund/agentrund/internal/toolexec"
	"github.com/agentrund/agentrund/internal/tracing"
)

// runServe wires every component the coordinator needs and serves until a
// shutdown signal arrives or a listener fails.
func runServe(ctx context.Context, configPath string, dev bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dev {
		cfg.Server.Dev = true
		if cfg.Server.Port == 8080 {
			cfg.Server.Port = 8082
		}
		if cfg.Server.HealthPort == 8081 {
			cfg.Server.HealthPort = 8083
		}
	}

	log := newLogger(cfg.Logging)
	slog.SetDefault(log)

	log.Info("starting agentrund",
		"version", version, "commit", commit,
		"db", cfg.Database.Path(),
		"rpc_port", cfg.Server.Port, "health_port", cfg.Server.HealthPort,
	)

	if err := runMigrationsAt(ctx, cfg.Database.Path(), log); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	store, err := eventstore.Open(cfg.Database.Path(), eventstore.Options{
		BusyTimeout: cfg.Database.BusyTimeout,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("startup: open event store: %w", err)
	}
	defer store.Close()

	reg := registry.New(store.DB(), store, log)
	provReg := registerProviders(cfg.Providers, log)

	ctxMgr := ctxmgr.NewManager(store, &providers.ChatSummarizer{
		Providers: provReg,
		ModelID:   cfg.Providers.DefaultModel,
	}, log)

	toolReg := toolexec.NewRegistry()
	promMetrics := metrics.New()
	tracer, shutdownTracer := tracing.New(tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	executor := toolexec.New(toolReg, toolexec.Config{
		Concurrency: cfg.Orchestrator.ToolConcurrency,
		Timeout:     cfg.Orchestrator.ToolTimeout,
	})
	executor.PromMetrics = promMetrics
	executor.Tracer = tracer

	fanout := rpc.NewFanout()

	orch := orchestrator.New(store, reg, ctxMgr, executor, provReg, fanout, log, orchestrator.Config{
		MaxTurns: cfg.Orchestrator.MaxTurns,
	})
	orch.Metrics = promMetrics
	orch.Tracer = tracer

	tracker := subagent.New(store, reg, orch, fanout, log)

	sw, err := sweep.New(store, reg, log, sweep.Config{
		Schedule:          cfg.Sweep.Schedule,
		ArchivedRetention: cfg.Sweep.ArchivedRetention,
	})
	if err != nil {
		return fmt.Errorf("startup: init sweep: %w", err)
	}
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if cfg.Sweep.Enabled != nil && *cfg.Sweep.Enabled {
		go sw.Run(sweepCtx)
	}

	server := rpc.NewServer(store, reg, orch, ctxMgr, provReg, tracker, fanout, log)
	server.Version = version

	verifier := rpc.NewTokenVerifier(cfg.Auth.SigningKey)

	rpcMux := http.NewServeMux()
	rpcMux.Handle("/", verifier.Wrap(server))
	rpcSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: rpcMux,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", server.HealthHandler())
	healthMux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	healthSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- serveOrNil(rpcSrv) }()
	go func() { errCh <- serveOrNil(healthSrv) }()

	log.Info("agentrund started",
		"rpc_addr", rpcSrv.Addr, "health_addr", healthSrv.Addr,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("startup: %w", err)
		}
	}
	log.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var shutdownErr error
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("rpc listener: %w", err))
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("health listener: %w", err))
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	log.Info("agentrund stopped gracefully")
	return nil
}

// runMigrationsAt applies pending migrations on a short-lived connection of
// its own, before eventstore.Open runs against the same file. Order
// matters: eventstore.Open self-bootstraps a fresh database straight to
// the current schema via CREATE TABLE/INDEX IF NOT EXISTS, which the
// migrator's own ALTER TABLE steps would collide with (duplicate column)
// if it ran second against a database Open had already touched.
func runMigrationsAt(ctx context.Context, path string, log *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()

	migrator, err := migrate.New(db)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, id := range applied {
		log.Info("applied migration", "id", id)
	}
	return nil
}

// serveOrNil runs srv and turns the expected post-Shutdown sentinel into a
// clean nil, the way the caller's errCh/select loop expects.
func serveOrNil(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// registerProviders binds every provider with non-empty credentials into a
// fresh registry, keyed by its own default model id. The provider whose
// default model matches cfg.DefaultModel is also bound as the fallback, so
// an unrecognized model id still resolves to something reasonable.
func registerProviders(cfg config.ProvidersConfig, log *slog.Logger) *providers.Registry {
	reg := providers.NewRegistry()

	register := func(modelID string, p providers.Provider, err error) {
		if err != nil {
			log.Warn("provider registration failed", "model", modelID, "error", err)
			return
		}
		reg.Register(modelID, p)
		if modelID == cfg.DefaultModel {
			reg.Register("", p)
		}
	}

	if cfg.Anthropic.APIKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.DefaultModel,
		})
		register(cfg.Anthropic.DefaultModel, p, err)
	}
	if cfg.OpenAI.APIKey != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.DefaultModel,
		})
		register(cfg.OpenAI.DefaultModel, p, err)
	}
	if cfg.Gemini.APIKey != "" {
		p, err := providers.NewGeminiProvider(context.Background(), providers.GeminiConfig{
			APIKey:       cfg.Gemini.APIKey,
			DefaultModel: cfg.Gemini.DefaultModel,
		})
		register(cfg.Gemini.DefaultModel, p, err)
	}
	if cfg.Bedrock.AccessKeyID != "" && cfg.Bedrock.SecretAccessKey != "" {
		p, err := providers.NewBedrockRuntimeProvider(context.Background(), providers.BedrockRuntimeConfig{
			Region:          cfg.Bedrock.Region,
			AccessKeyID:     cfg.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Bedrock.SecretAccessKey,
			SessionToken:    cfg.Bedrock.SessionToken,
			DefaultModel:    cfg.Bedrock.DefaultModel,
		})
		register(cfg.Bedrock.DefaultModel, p, err)
	}

	return reg
}

// newLogger builds the process-wide slog logger per the configured level
// and format, defaulting to JSON output the way the coordinator ships.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := config.ParseLevel(cfg.Level)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
