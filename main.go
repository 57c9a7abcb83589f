package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/activities"
	"github.com/concierge-ai/concierge/internal/agents"
	authpkg "github.com/concierge-ai/concierge/internal/auth"
	"github.com/concierge-ai/concierge/internal/backend"
	"github.com/concierge-ai/concierge/internal/circuitbreaker"
	"github.com/concierge-ai/concierge/internal/config"
	"github.com/concierge-ai/concierge/internal/db"
	"github.com/concierge-ai/concierge/internal/health"
	"github.com/concierge-ai/concierge/internal/httpapi"
	"github.com/concierge-ai/concierge/internal/orchestrator"
	"github.com/concierge-ai/concierge/internal/policy"
	"github.com/concierge-ai/concierge/internal/registry"
	"github.com/concierge-ai/concierge/internal/session"
	"github.com/concierge-ai/concierge/internal/streaming"
	"github.com/concierge-ai/concierge/internal/temporal"
	"github.com/concierge-ai/concierge/internal/tools"
	"github.com/concierge-ai/concierge/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Service failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	// Session store.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisWrapper := circuitbreaker.NewRedisWrapper(redisClient, logger)
	sessions := session.NewManagerWithClient(redisWrapper, logger)
	defer sessions.Close()

	// Domain catalogs.
	reg := registry.NewRegistry(logger)
	if err := reg.LoadDirectory(cfg.Registry.Path); err != nil {
		return fmt.Errorf("load registry %s: %w", cfg.Registry.Path, err)
	}
	if cfg.Registry.Watch {
		go func() {
			if err := reg.Watch(ctx); err != nil {
				logger.Warn("Registry watch stopped", zap.Error(err))
			}
		}()
	}

	// Trajectory persistence. Non-fatal: the engine runs without it.
	var store *db.Store
	if cfg.Database.DSN != "" {
		store, err = db.Open(cfg.Database, logger)
		if err != nil {
			logger.Warn("Trajectory persistence unavailable", zap.Error(err))
			store = nil
		} else {
			defer store.Close()
		}
	}

	// Tool gate policy.
	policyEngine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	// Agents.
	channel := agents.NewSimulatedChannel()
	authOpts := []agents.AuthenticatorOption{agents.WithAuthCache(redisWrapper)}
	if store != nil {
		authOpts = append(authOpts, agents.WithAuditRecorder(store))
	}
	verifier := agents.NewAuthenticator(channel, logger, authOpts...)

	backendClient := backend.NewOpenAIClient(cfg.Backend, logger)
	personalizer := agents.NewPersonalizer(backendClient, logger,
		agents.WithPersonalizerCache(redisWrapper))

	executor := newToolExecutor(cfg.Tools, logger)
	fulfiller := agents.NewFulfiller(executor, logger,
		agents.WithToolGate(policy.NewToolGate(policyEngine)))

	events := streaming.NewManager(cfg.Streaming.Capacity)

	deps := orchestrator.Dependencies{
		Registry:     reg,
		Sessions:     sessions,
		Verifier:     verifier,
		Personalizer: personalizer,
		Fulfiller:    fulfiller,
		InfoExecutor: executor,
		Events:       events,
	}
	if store != nil {
		deps.Store = store
	}
	engine, err := orchestrator.NewEngine(deps, cfg.Orchestrator, logger)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	// Durable execution mode.
	var durable *temporal.Service
	if cfg.Temporal.Enabled {
		acts := activities.New(reg, sessions, verifier, personalizer, fulfiller, executor, deps.Store, logger)
		svc, err := temporal.NewService(temporal.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			TaskQueue: cfg.Temporal.TaskQueue,
		}, acts, logger)
		if err != nil {
			return fmt.Errorf("temporal: %w", err)
		}
		if err := svc.Start(); err != nil {
			return fmt.Errorf("temporal worker: %w", err)
		}
		defer svc.Stop()
		durable = svc
		logger.Info("Durable execution mode enabled",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue))
	}

	// Admin surface: health, readiness, metrics.
	healthMgr := health.NewManager(logger)
	healthMgr.Register(health.NewRedisChecker(redisWrapper))
	if store != nil {
		healthMgr.Register(health.NewDatabaseChecker(store))
	}

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/health", healthMgr.Handler())
	adminMux.HandleFunc("/readiness", healthMgr.ReadinessHandler())
	adminMux.Handle("/metrics", promhttp.Handler())
	adminSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.AdminPort),
		Handler: adminMux,
	}
	go func() {
		logger.Info("Admin server listening", zap.Int("port", cfg.Service.AdminPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	// API surface.
	jwtManager := authpkg.NewJWTManager(signingKey(cfg), cfg.Auth.TokenExpiry)
	credentials := authpkg.NewCredentialStore(cfg.Auth.Users)
	api := httpapi.NewServer(engine, sessions, store, events, jwtManager, credentials, logger)
	if durable != nil {
		api.EnableDurableMode(durable)
	}
	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler: api.Routes(),
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Service.HTTPPort))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	return nil
}

func newToolExecutor(cfg config.ToolsConfig, logger *zap.Logger) tools.Executor {
	if cfg.Endpoint == "" {
		logger.Warn("No tool endpoint configured; using simulated executor")
		return tools.WithMetrics(tools.NewSimulatedExecutor())
	}
	return tools.WithMetrics(tools.NewHTTPExecutor(cfg.Endpoint, cfg.Timeout, logger))
}

func signingKey(cfg *config.Config) string {
	if cfg.Auth.SigningKey != "" {
		return cfg.Auth.SigningKey
	}
	if key := os.Getenv("CONCIERGE_AUTH_SIGNING_KEY"); key != "" {
		return key
	}
	return "dev-only-signing-key"
}
