package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"communityhub/internal/api"
	"communityhub/internal/cache"
	"communityhub/internal/config"
	"communityhub/internal/database"
	"communityhub/internal/hub"
	"communityhub/internal/metrics"
	"communityhub/internal/presence"
	"communityhub/internal/router"
	"communityhub/internal/session"
	"communityhub/internal/websocket"
	"communityhub/pkg/auth"
	pkgdatabase "communityhub/pkg/database"
	"communityhub/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	dbManager  *database.Manager
	store      interfaces.MessageStore
	metrics    *metrics.Metrics
	groups     *websocket.Groups
	registry   *presence.Registry
	sessions   *session.Manager
	router     *router.Router
	messageHub *hub.Hub
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
	stopHub    context.CancelFunc
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Cache → Groups → Registry → Session → Router → Hub → Transport → API → HTTP
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Initialize database manager (foundation layer)
	if dir := filepath.Dir(cfg.Database.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dbManager, err := database.NewManager(cfg.Database, logger.With("component", "database"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 1.5: Apply database migrations to ensure schema is up to date
	migrationManager := pkgdatabase.NewMigrationManager(dbManager.GetDB(), cfg.Database.MigrationsPath)
	if err := migrationManager.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema is invalid: %w", err)
	}
	logger.Info("db.migrated", "path", cfg.Database.DatabasePath)

	m := metrics.New()

	// STEP 2: Optional Redis history cache in front of the store
	var store interfaces.MessageStore = dbManager
	if cfg.Redis.Enabled {
		store = newHistoryCache(cfg.Redis, dbManager, m, logger)
	}

	// STEP 3: Transport groups, presence and lifecycle
	groups := websocket.NewGroups(logger.With("component", "groups"))
	registry := presence.NewRegistry(presence.NewNotifier(groups, logger.With("component", "presence")))
	sessions := session.NewManager(groups, registry, logger.With("component", "session"))

	// STEP 4: Message pipeline
	messageRouter := router.NewRouter(groups, store, logger.With("component", "router"),
		router.WithRateLimit(cfg.Chat.RateLimit, cfg.Chat.RateWindow),
		router.WithMaxContentLength(cfg.Chat.MaxContentLength),
		router.WithObserver(m),
	)

	// STEP 5: Hub event loop
	messageHub := hub.NewHub(sessions, messageRouter, m, logger.With("component", "hub"), hub.Config{
		EventBuffer:     cfg.Chat.EventBuffer,
		CleanupInterval: cfg.Chat.CleanupInterval,
	})

	// STEP 6: WebSocket transport
	wsHandler := websocket.NewHandler(messageHub, websocket.Config{
		AllowedOrigins:   cfg.HTTP.Origins(),
		PingInterval:     cfg.WebSocket.PingInterval,
		PongWait:         cfg.WebSocket.PongWait,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		SendBuffer:       cfg.WebSocket.SendBuffer,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
	}, m, logger.With("component", "ws"))

	// STEP 7: HTTP API
	var verifier *auth.JWT
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.New(cfg.Auth.JWTSecret)
	} else {
		logger.Warn("auth.disabled", "reason", "JWT_SECRET is empty, message history is public")
	}
	apiServer := api.NewServer(store, registry, groups, sessions, verifier, api.Config{
		AllowedOrigins:      cfg.HTTP.Origins(),
		DefaultHistoryLimit: cfg.Chat.HistoryLimit,
		MaxHistoryLimit:     cfg.Chat.HistoryMaxLimit,
		HealthTimeout:       5 * time.Second,
	}, logger.With("component", "api"))

	// Gauges read at scrape time
	for name, source := range map[string]metrics.StatsFunc{
		"presence":    registry.GetStats,
		"sessions":    sessions.Stats,
		"connections": groups.GetStats,
	} {
		if err := m.RegisterStats(name, "Point-in-time "+name+" counters.", source); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to register %s metrics: %w", name, err)
		}
	}

	// STEP 8: Setup HTTP server with API, WebSocket and metrics endpoints
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		dbManager:  dbManager,
		store:      store,
		metrics:    m,
		groups:     groups,
		registry:   registry,
		sessions:   sessions,
		router:     messageRouter,
		messageHub: messageHub,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func newHistoryCache(cfg *config.RedisConfig, next interfaces.MessageStore, m *metrics.Metrics, logger *slog.Logger) *cache.HistoryStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// reads fall through to the store until Redis answers
		logger.Warn("cache.unreachable", "addr", cfg.Addr, "error", err)
	}

	history := cache.NewHistoryStore(next, client, cfg.Prefix, cfg.TTL, logger.With("component", "cache"))
	_ = m.RegisterStats("history_cache", "Redis history cache counters.", func() map[string]int {
		s := history.GetStats()
		return map[string]int{
			"hits":          int(s.Hits),
			"misses":        int(s.Misses),
			"invalidations": int(s.Invalidations),
			"errors":        int(s.Errors),
		}
	})
	logger.Info("cache.enabled", "addr", cfg.Addr, "ttl", cfg.TTL)
	return history
}

// Start begins application execution
// Hub starts first to handle events, then the HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	// STEP 1: Start hub (background event processing). Its lifetime is owned
	// by Stop, not by the caller's context, so shutdown keeps a working hub
	// until connections are closed.
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	if err := app.messageHub.Start(hubCtx); err != nil {
		stopHub()
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	app.stopHub = stopHub

	// STEP 2: Bind before returning so callers can use GetAddr immediately
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		stopHub()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("http.serve_failed", "error", err)
		}
	}()

	app.logger.Info("app.started", "addr", listener.Addr().String())
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → WebSockets → Hub → Store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("app.stopping")
	var errs []error

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: Hijacked sockets are not covered by Shutdown
	closed := app.groups.CloseAll()

	// STEP 3: Stop event processing, waiting for in-flight persists
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}
	if app.stopHub != nil {
		app.stopHub()
	}

	// STEP 4: Close store (and cache client)
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	app.logger.Info("app.stopped", "closed_connections", closed)
	return errors.Join(errs...)
}

// GetAddr returns the bound listener address, or the configured one before Start.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}
