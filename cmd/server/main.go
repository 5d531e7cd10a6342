// Concierge session router server.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/power100/concierge/internal/agent"
	"github.com/power100/concierge/internal/api"
	"github.com/power100/concierge/internal/concierge"
	"github.com/power100/concierge/internal/config"
	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/eventctx"
	"github.com/power100/concierge/internal/fsm"
	"github.com/power100/concierge/internal/identity"
	"github.com/power100/concierge/internal/manager"
	"github.com/power100/concierge/internal/metrics"
	"github.com/power100/concierge/internal/middleware"
	"github.com/power100/concierge/internal/notify"
	"github.com/power100/concierge/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"db_driver", cfg.Store.Driver,
		"timezone", cfg.Routing.Timezone)

	// Initialize dependencies.
	repo, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		DatabaseURL: cfg.Store.DatabaseURL,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.Timeout.HealthCheck)
	err = repo.Ping(pingCtx)
	cancelPing()
	if err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize services.
	m := metrics.New()
	hub := notify.NewHub(cfg.TransitionHistorySize)
	policy := cfg.Policy()

	mgr := manager.New(repo,
		manager.WithPolicy(policy),
		manager.WithLogger(logger),
		manager.WithObserver(fsm.Observers{m, hub}),
		manager.WithInstrumentation(m),
		manager.WithOptimisticLocking(cfg.Machine.OptimisticLocking),
	)
	defer mgr.Close()

	provider := eventctx.NewRepositoryProvider(repo, policy, cfg.Routing.ProviderStatuses)
	agents := buildAgents(cfg)

	router := concierge.NewRouter(mgr, repo, provider, agents,
		concierge.WithRouteObserver(m),
		concierge.WithSessionCloser(hub),
		concierge.WithLogger(logger),
	)

	// Initialize handlers.
	conciergeHandler := api.NewHandler(router,
		api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		cfg.MaxRequestBodySize)
	defer conciergeHandler.Close()
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)
	wsHandler := notify.NewWebSocketHandler(hub, mgr, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())

	// Contractor routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment(), cfg.DevContractorID))
		conciergeHandler.RegisterRoutes(r)
		r.Get("/ws/sessions/{sessionID}", wsHandler.ServeHTTP)
	})

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start idle machine evictor.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.StartIdleEvictor(ctx, mgr, cfg.Machine.IdleTTL, cfg.Machine.SweepInterval, hub)
	slog.Info("Idle evictor started", "idle_ttl", cfg.Machine.IdleTTL, "interval", cfg.Machine.SweepInterval)

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// buildAgents registers an HTTP agent for every persona with a configured
// upstream and the scripted stand-in for the rest.
func buildAgents(cfg *config.Config) *agent.Registry {
	registry := agent.NewRegistry(agent.DefaultScripted()...)
	client := &http.Client{Timeout: cfg.Agents.Timeout}

	upstreams := map[domain.AgentID]string{
		domain.AgentStandard: cfg.Agents.StandardURL,
		domain.AgentEvent:    cfg.Agents.EventURL,
	}
	for id, url := range upstreams {
		if url == "" {
			slog.Info("Using scripted agent", "agent", id)
			continue
		}
		registry.Register(agent.NewHTTPAgent(id, url,
			agent.WithHTTPClient(client),
			agent.WithAPIKey(cfg.Agents.APIKey)))
		slog.Info("Using upstream agent", "agent", id, "url", url)
	}
	slog.Info("Agents registered", "agents", registry.IDs())
	return registry
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
