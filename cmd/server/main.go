// Oral exam server: records spoken answers, has them transcribed and
// evaluated, and tracks session progression.
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

	"github.com/aeroling/oralexam/internal/api"
	"github.com/aeroling/oralexam/internal/capture"
	"github.com/aeroling/oralexam/internal/config"
	"github.com/aeroling/oralexam/internal/evaluator"
	"github.com/aeroling/oralexam/internal/exam"
	"github.com/aeroling/oralexam/internal/identity"
	"github.com/aeroling/oralexam/internal/middleware"
	"github.com/aeroling/oralexam/internal/progression"
	"github.com/aeroling/oralexam/internal/ratelimit"
	"github.com/aeroling/oralexam/internal/store"
	"github.com/aeroling/oralexam/internal/stream"
	"github.com/aeroling/oralexam/internal/telemetry"
	"github.com/aeroling/oralexam/internal/upload"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "ai_mode", cfg.AI.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	var limitStore ratelimit.Store
	switch cfg.RateLimit.Backend {
	case "sqlite":
		limitStore, err = ratelimit.NewSQLiteStore(ctx, repo.DB())
		if err != nil {
			slog.Error("Failed to initialize rate limit store", "error", err)
			os.Exit(1)
		}
	default:
		limitStore = ratelimit.NewMemoryStore(cfg.RateLimit.MemoryCapacity)
	}
	limiter := ratelimit.New(limitStore, ratelimit.WithSweepProbability(cfg.RateLimit.SweepProbability))
	slog.Info("Rate limiter ready", "backend", cfg.RateLimit.Backend,
		"transcribe", cfg.RateLimit.Transcribe, "evaluate", cfg.RateLimit.Evaluate, "window", cfg.RateLimit.Window)

	engines, err := evaluator.NewEngines(ctx, evaluator.Config{
		Mode:             evaluator.Mode(cfg.AI.Mode),
		TranscriptionURL: cfg.AI.TranscriptionURL,
		EvaluationURL:    cfg.AI.EvaluationURL,
		GRPCAddress:      cfg.AI.GRPCAddr,
		APIKey:           cfg.AI.APIKey,
		Language:         cfg.AI.Language,
		Timeout:          cfg.AI.Timeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize AI engines", "error", err)
		os.Exit(1)
	}
	defer engines.Close()

	guard := evaluator.NewGuard(limiter, evaluator.Limits{
		Transcribe: cfg.RateLimit.Transcribe,
		Evaluate:   cfg.RateLimit.Evaluate,
		Window:     cfg.RateLimit.Window,
	}, engines.Transcriber, engines.Evaluator)

	table, err := config.LoadSessionTable(cfg.SessionTablePath)
	if err != nil {
		slog.Error("Failed to load session table", "error", err)
		os.Exit(1)
	}

	uploadCfg := upload.DefaultConfig()
	uploadCfg.MaxAttempts = cfg.Upload.MaxAttempts
	uploadCfg.AttemptTimeout = cfg.Upload.AttemptTimeout
	uploadCfg.InitialBackoff = cfg.Upload.InitialBackoff
	uploadCfg.MaxBackoff = cfg.Upload.MaxBackoff
	uploadCfg.AIBackoffFactor = cfg.Upload.AIBackoffFactor

	captureCfg := capture.DefaultConfig()
	captureCfg.MaxDuration = cfg.Recording.MaxDuration
	captureCfg.MaxBytes = cfg.Recording.MaxBytes

	svc := exam.NewService(repo, progression.NewTracker(table), guard, guard, exam.Config{Upload: uploadCfg})

	svc.StartPendingReaper(ctx, cfg.PendingAnswerTTL)
	slog.Info("Pending answer reaper started", "ttl", cfg.PendingAnswerTTL)

	// Initialize handlers.
	checks := map[string]api.Pinger{"database": repo}
	if g, ok := engines.Evaluator.(*evaluator.GRPCEvaluator); ok {
		checks["evaluator"] = api.PingFunc(g.Health)
	}
	healthHandler := api.NewHealthHandler(checks)
	examHandler := api.NewExamHandler(svc, captureCfg, uploadCfg)
	streamHandler := stream.NewHandler(svc, captureCfg, cfg.AllowedOrigins())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins(), middleware.CORSOptions{
		AllowHeaders: []string{api.HeaderRecordingDuration, cfg.UserHeader},
		ExposeHeaders: []string{
			api.HeaderRateLimitLimit,
			api.HeaderRateLimitRemaining,
			api.HeaderRateLimitReset,
			"Retry-After",
		},
	}))
	r.Use(identity.Middleware(cfg.UserHeader))

	// Public routes.
	healthHandler.RegisterHealth(r)

	examHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)

	// Create server.
	// Note: recording sockets stay open for a whole question (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for recording sockets
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streamHandler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
