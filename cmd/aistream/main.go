package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	aihttp "github.com/yyup/aistream/internal/adapter/http"
	"github.com/yyup/aistream/internal/adapter/mcp"
	"github.com/yyup/aistream/internal/adapter/memory"
	ainats "github.com/yyup/aistream/internal/adapter/nats"
	"github.com/yyup/aistream/internal/adapter/natskv"
	"github.com/yyup/aistream/internal/adapter/openai"
	aiotel "github.com/yyup/aistream/internal/adapter/otel"
	"github.com/yyup/aistream/internal/adapter/postgres"
	"github.com/yyup/aistream/internal/adapter/ristretto"
	"github.com/yyup/aistream/internal/adapter/tiered"
	"github.com/yyup/aistream/internal/adapter/ws"
	"github.com/yyup/aistream/internal/config"
	"github.com/yyup/aistream/internal/logger"
	"github.com/yyup/aistream/internal/middleware"
	"github.com/yyup/aistream/internal/port/cache"
	"github.com/yyup/aistream/internal/port/database"
	"github.com/yyup/aistream/internal/port/messagequeue"
	"github.com/yyup/aistream/internal/resilience"
	"github.com/yyup/aistream/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	var err error
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		err = run()
	case "probe":
		err = runProbe(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "hash-token":
		err = runHashToken(os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
	default:
		printHelp()
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		slog.Error("fatal", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: aistream <command> [options]

Commands:
  serve        Run the stream-chat server (default)
  probe        Send one message and validate the returned event stream
  watch        Print finished-turn summaries published on NATS
  migrate      Apply or roll back history migrations (up|down|version)
  hash-token   Print a bcrypt hash for an auth token
  help         Show this help message

Examples:
  aistream probe --url http://localhost:8080 --message 你好
  aistream probe --message 查询学生总数 --expect "connected thinking_start tool_call_start tool_call_complete thinking_complete answer+ complete"
  aistream migrate up
  aistream hash-token --user 42
`)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"provider", cfg.Provider.BaseURL,
		"namespaces", len(cfg.Namespaces),
		"parallel_tools", cfg.Stream.ParallelTools,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	tel, err := aiotel.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := aiotel.NewMetrics(tel.MeterProvider)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	checks := make(map[string]aihttp.HealthCheck)

	var (
		historyStore database.HistoryStore
		stats        database.StatsReader
	)
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		slog.Info("postgres connected")

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")

		historyStore = postgres.NewStore(pool)
		stats = postgres.NewStatsReader(pool, cfg.Tools.Queries)
		checks["postgres"] = pool.Ping
	} else {
		slog.Warn("postgres dsn not set, conversation history is kept in memory")
		historyStore = memory.NewHistoryStore(0)
	}

	var (
		queue        messagequeue.Queue
		historyCache cache.Cache = l1
	)
	if cfg.NATS.URL != "" {
		q, err := ainats.Connect(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := q.Drain(); err != nil {
				slog.Warn("nats drain", "error", err)
			}
		}()
		queue = q

		kv, err := q.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.HistoryTTL)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		historyCache = tiered.New(l1, natskv.New(kv), cfg.Cache.L1MaxTTL)

		checks["nats"] = func(context.Context) error {
			if !q.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}

	// --- Services ---

	var origins []string
	if cfg.Server.CORSOrigin != "" {
		origins = append(origins, cfg.Server.CORSOrigin)
	}
	hub := ws.NewHub(origins...)
	defer hub.Close()

	tools := mcp.NewServer(mcp.ServerConfig{Name: "aistream", Version: version}, mcp.ServerDeps{
		Stats:      stats,
		Components: cfg.Tools.Components,
	})

	llm := openai.NewClient(cfg.Provider)
	llm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	checks["provider"] = llm.Ping

	history := service.NewHistoryService(historyStore, historyCache, cfg.Cache.HistoryTTL, cfg.Stream.HistoryLimit)
	orch, err := service.NewStreamOrchestrator(cfg, service.OrchestratorDeps{
		Provider: llm,
		Tools:    tools,
		History:  history,
		Pool:     resilience.NewPool(cfg.Provider.MaxConns),
		Hub:      hub,
		Queue:    queue,
		Metrics:  metrics,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	// --- HTTP ---

	handlers := &aihttp.Handlers{
		Orchestrator:      orch,
		History:           history,
		AuthEnabled:       cfg.Auth.Enabled,
		DefaultUserID:     cfg.Auth.DefaultUserID,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		MaxBodySize:       cfg.Server.MaxRequestBodySize,
		Checks:            checks,
		Version:           version,
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(aiotel.HTTPMiddleware(cfg.Telemetry.ServiceName))
	r.Use(aihttp.CORS(cfg.Server.CORSOrigin))
	r.Use(aihttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(limiter.Handler)
	r.Use(middleware.Auth(middleware.NewAuthenticator(cfg.Auth, l1, cfg.Cache.AuthTTL)))

	r.Handle("/metrics", tel.MetricsHandler())
	r.Get("/ws", hub.HandleWS)
	r.Handle("/mcp", tools.Handler())

	aihttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	// No WriteTimeout: event streams stay open for the whole turn.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
