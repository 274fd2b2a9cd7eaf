// Firmdesk - autonomous task orchestration server for law firm workflows.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/firmdesk/internal/api"
	"github.com/ashureev/firmdesk/internal/config"
	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/middleware"
	"github.com/ashureev/firmdesk/internal/planner"
	"github.com/ashureev/firmdesk/internal/retention"
	"github.com/ashureev/firmdesk/internal/store"
	"github.com/ashureev/firmdesk/internal/stream"
	"github.com/ashureev/firmdesk/internal/task"
	"github.com/ashureev/firmdesk/internal/tools"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	port := pflag.String("port", "", "listen port (overrides PORT)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "policy_file", cfg.PolicyFile)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	reasoning, err := planner.NewGrpcClient(planner.GrpcClientConfig{
		Address:          cfg.Planner.Address,
		ConnectTimeout:   cfg.Planner.ConnectTimeout,
		RequestTimeout:   cfg.Orchestrator.PlannerTimeout,
		KeepaliveTime:    cfg.Planner.KeepaliveTime,
		KeepaliveTimeout: cfg.Planner.KeepaliveTimeout,
		HistoryWindow:    cfg.Planner.HistoryWindow,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize reasoning client", "error", err)
		os.Exit(1)
	}
	defer reasoning.Close()

	registry, err := tools.NewHTTPRegistry(tools.HTTPRegistryConfig{
		BaseURL:  cfg.Registry.BaseURL,
		Token:    cfg.Registry.Token,
		Timeout:  cfg.Registry.Timeout,
		CacheTTL: cfg.Registry.CacheTTL,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize tool registry", "error", err)
		os.Exit(1)
	}

	// Event hub with the optional transcript observer.
	var observers []stream.Observer
	transcripts := stream.NewTranscriptLogger(stream.TranscriptConfig{
		Enabled:   cfg.TranscriptLog.Enabled,
		Dir:       cfg.TranscriptLog.Dir,
		QueueSize: cfg.TranscriptLog.QueueSize,
		Compress:  cfg.TranscriptLog.Compress,
	}, logger)
	if transcripts != nil {
		observers = append(observers, transcripts)
		defer transcripts.Close()
	}

	hub := stream.NewHub(stream.HubConfig{
		RingSize:          cfg.Stream.RingSize,
		ReplayLimit:       cfg.Stream.ReplayLimit,
		ReconnectReplay:   cfg.Stream.ReconnectReplay,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		SweepInterval:     cfg.Stream.SweepInterval,
		Retention:         cfg.Stream.Retention,
	}, logger, observers...)

	allowedOrigin := cfg.FrontendURL
	if len(cfg.AllowedOrigins) == 1 {
		allowedOrigin = cfg.AllowedOrigins[0]
	}
	transport := stream.NewTransport(hub, stream.TransportConfig{
		RetryDelay:    cfg.Stream.RetryDelay,
		SinkBuffer:    cfg.Stream.SinkBuffer,
		AllowedOrigin: allowedOrigin,
		IsDev:         cfg.IsDevelopment(),
	}, logger)

	// Initialize services.
	o := cfg.Orchestrator
	orch := task.New(task.Config{
		StepBudgets: map[domain.Complexity]int{
			domain.ComplexitySimple:   o.StepBudgetSimple,
			domain.ComplexityModerate: o.StepBudgetModerate,
			domain.ComplexityComplex:  o.StepBudgetComplex,
		},
		MaxGoalLength:           o.MaxGoalLength,
		MaxStepsLimit:           o.MaxSteps,
		PlannerTimeout:          o.PlannerTimeout,
		ToolTimeout:             o.ToolTimeout,
		MaxPlannerFailures:      o.MaxPlannerFailures,
		MaxCompletionRejections: o.MaxCompletionRejections,
		MinCompletionConfidence: o.MinCompletionConfidence,
		MemoryLimit:             o.MemoryLimit,
	}, repo, reasoning, registry, hub, logger)

	if _, err := orch.Recover(context.Background()); err != nil {
		slog.Error("Failed to recover interrupted tasks", "error", err)
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.StartRequests, cfg.RateLimit.Window)

	handler := api.NewHandler(orch, repo, hub, transport, reasoning, limiter, api.Config{
		IngestToken:    cfg.IngestToken,
		DevQueryAuth:   cfg.IsDevelopment(),
		HealthTimeout:  cfg.Timeout.HealthCheck,
		HistoryDefault: cfg.Stream.ReplayLimit,
		HistoryMax:     cfg.Stream.RingSize,
	}, logger)
	if cfg.IngestToken == "" {
		slog.Warn("INGEST_TOKEN not set, event ingestion is unauthenticated")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	handler.RegisterRoutes(r)

	// Streams are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: cfg.Timeout.ReadHeader,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background workers.
	hub.Start(ctx)
	go limiter.Run(ctx)
	if cfg.Retention.Enabled {
		retention.NewWorker(repo, retention.Config{
			Interval:   cfg.Retention.Interval,
			MinApplied: cfg.Retention.MinAppliedToDeactivate,
		}, logger).Start(ctx)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	// Loops persist their terminal state and publish it before streams close.
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Error("Task loops did not stop in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	hub.Stop()

	slog.Info("Server stopped successfully")
}
