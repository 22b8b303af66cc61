package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yourorg/orgbridge/internal/dingtalk"
	"github.com/yourorg/orgbridge/internal/handler"
	"github.com/yourorg/orgbridge/internal/infrastructure/logger"
	"github.com/yourorg/orgbridge/internal/infrastructure/redis"
	"github.com/yourorg/orgbridge/internal/login"
	"github.com/yourorg/orgbridge/internal/observability/metrics"
	"github.com/yourorg/orgbridge/internal/observability/tracing"
	"github.com/yourorg/orgbridge/internal/reliability/retry"
	"github.com/yourorg/orgbridge/internal/repository"
	"github.com/yourorg/orgbridge/internal/security/audit"
	"github.com/yourorg/orgbridge/internal/security/auth"
	"github.com/yourorg/orgbridge/internal/security/middleware"
	"github.com/yourorg/orgbridge/internal/security/ratelimit"
	syncpkg "github.com/yourorg/orgbridge/internal/sync"
	"github.com/yourorg/orgbridge/internal/worker"
	"github.com/yourorg/orgbridge/pkg/config"
	"github.com/yourorg/orgbridge/pkg/database"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Info("starting OrgBridge server", slog.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize tracing
	shutdownTracing, err := tracing.Init(ctx, log, "orgbridge", cfg.Environment)
	if err != nil {
		log.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Initialize Redis client
	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	// 5. Initialize Postgres connection pool
	pool, err := database.NewConnectionPool(ctx, &database.Config{URL: cfg.DatabaseURL}, log)
	if err != nil {
		log.Error("failed to connect to Postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()
	db := pool.GetDB()

	// 6. Initialize repositories
	appRepo := repository.NewPostgresAppRepository(db, log)
	dirStore := repository.NewPostgresDirectoryStore(db, log)
	runRepo := repository.NewPostgresSyncRunRepository(db, log)

	// 7. Initialize remote platform client
	client := dingtalk.NewClient(dingtalk.Options{
		BaseURL:           cfg.PlatformBaseURL,
		NewAPIBaseURL:     cfg.PlatformNewAPIBase,
		TokenSafetyMargin: cfg.TokenSafetyMargin,
		RatePerSecond:     cfg.RemoteRatePerSecond,
		RateBurst:         cfg.RemoteRateBurst,
		Retry: &retry.Config{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryBaseDelay,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2,
		},
	}, log)

	// 8. Initialize sync engine
	gate := syncpkg.NewGate()
	broadcaster := syncpkg.NewBroadcaster()
	applier := syncpkg.NewApplier(client, dirStore, log)
	engine := syncpkg.NewEngine(client, dirStore, runRepo, gate, applier, broadcaster, log, cfg.SyncFanout, cfg.SyncMemberPageSize)

	// 9. Initialize login flow
	tokenManager := auth.NewTokenManager(cfg.SessionJWTSecret, "orgbridge")
	ticketStore := login.NewRedisTicketStore(redisClient)
	loginFlow := login.NewFlow(client, dirStore, ticketStore, tokenManager, cfg.TicketTTL, cfg.SessionTTL, cfg.LoginConfirmURL, log)

	// 10. Initialize handlers
	callbackHandler := handler.NewCallbackHandler(appRepo, engine, log)
	loginHandler := handler.NewLoginHandler(appRepo, loginFlow, cfg.TicketTTL, log)
	syncHandler := handler.NewSyncHandler(appRepo, runRepo, engine, log)
	streamHandler := handler.NewSyncStreamHandler(broadcaster, log)
	messagesHandler := handler.NewMessagesHandler(appRepo, client, log)
	healthHandler := handler.NewHealthHandler(db, redisClient, log)

	// 10a. Initialize security components
	rateLimiter := ratelimit.NewLimiter(100, time.Minute) // 100 requests per minute per account
	auditLogger := audit.NewLogger(log)

	// 11. Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback/{appKey}", callbackHandler.Handshake)
	mux.Handle("POST /callback/{appKey}", callbackHandler)
	mux.HandleFunc("POST /api/login/qr", loginHandler.Begin)
	mux.HandleFunc("GET /api/login/qr/{ticketID}", loginHandler.Poll)
	mux.HandleFunc("DELETE /api/login/qr/{ticketID}", loginHandler.Cancel)
	mux.HandleFunc("GET /login/confirm", loginHandler.Confirm)
	mux.HandleFunc("POST /api/sync/{appKey}", syncHandler.Start)
	mux.HandleFunc("DELETE /api/sync/runs/{runID}", syncHandler.Cancel)
	mux.HandleFunc("GET /api/sync/runs/{runID}", syncHandler.Get)
	mux.HandleFunc("GET /api/sync/runs", syncHandler.List)
	mux.Handle("GET /ws/sync/{runID}", streamHandler)
	mux.HandleFunc("POST /api/apps/{appKey}/messages", messagesHandler.Send)
	mux.HandleFunc("POST /api/apps/{appKey}/media", messagesHandler.UploadMedia)
	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Readiness)
	mux.Handle("/metrics", promhttp.Handler())

	instrumented := metrics.HTTPMetricsMiddleware(mux)

	// Chain middleware: request ID -> audit -> rate limit -> JWT
	rootHandler := withRequestID(
		middleware.AuditMiddleware(auditLogger)(
			middleware.RateLimitMiddleware(rateLimiter, log)(
				middleware.JWTMiddleware(tokenManager, log)(instrumented),
			),
		),
		log,
	)

	// 12. Start periodic sync worker in background
	syncWorker := worker.NewSyncWorker(appRepo, engine, log, cfg.SyncWorkerInterval)
	go syncWorker.Start(ctx)

	// 13. Start HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      rootHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.ServerPort),
		slog.String("auth", "jwt"),
		slog.Int("sync_fanout", cfg.SyncFanout),
		slog.Duration("sync_worker_interval", cfg.SyncWorkerInterval),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	cancel() // Stop sync worker and in-flight runs
	rateLimiter.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
}

type requestIDKey struct{}

// withRequestID attaches a request ID to the context and response headers for traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := generateRequestID()
		w.Header().Set("X-Request-ID", reqID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Info("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration_ms", time.Since(start)),
		)
	})
}

func generateRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}
