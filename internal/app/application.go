package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"arena/internal/api"
	"arena/internal/auth"
	"arena/internal/config"
	"arena/internal/database"
	"arena/internal/registry"
	"arena/internal/room"
	"arena/internal/router"
	"arena/internal/scoring"
	"arena/internal/websocket"
	pkgdatabase "arena/pkg/database"
)

const (
	Project = "arena"

	rateLimiterSweep = time.Minute
)

// Version is set at build time with -ldflags.
var Version = "dev"

// Application owns every component and their lifecycle.
type Application struct {
	config        *config.Config
	log           *logrus.Entry
	dbManager     *database.Manager
	table         *websocket.Table
	registry      *registry.Registry
	rateLimiter   *router.RateLimiter
	httpLimiter   *router.RateLimiter
	messageRouter *router.Router
	authenticator *auth.Authenticator
	wsHandler     *websocket.Handler
	apiServer     *api.Server
	httpServer    *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	errCh    chan error
}

// NewApplication builds all components in dependency order:
// Database → Connection Table → Registry → Router → WebSocket/API → HTTP.
func NewApplication(cfg *config.Config, logger *logrus.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		var err error
		if logger, err = cfg.Log.NewLogger(); err != nil {
			return nil, err
		}
	}
	entry := logger.WithField("project", Project)

	dbManager, err := database.NewManager(databaseConfig(cfg), entry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if cfg.Database.SeedPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
		_, err := dbManager.LoadSeedFile(ctx, cfg.Database.SeedPath)
		cancel()
		if err != nil {
			_ = dbManager.Close()
			return nil, err
		}
	}

	strategy, err := scoring.NewLinearDecay(cfg.Arena.BasePoints, cfg.Arena.FloorPoints)
	if err != nil {
		_ = dbManager.Close()
		return nil, err
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		_ = dbManager.Close()
		return nil, err
	}

	table := websocket.NewTable(entry)

	reg := registry.New(registryConfig(cfg), registry.Deps{
		Questions: dbManager,
		Results:   dbManager,
		Transport: table,
		Strategy:  strategy,
		Clock:     clock.New(),
		Logger:    entry,
	})

	rateLimiter := router.NewRateLimiter(cfg.Arena.RateLimit, cfg.Arena.RateWindow, nil)
	messageRouter := router.NewRouter(reg, rateLimiter, nil, entry)

	wsHandler := websocket.NewHandler(authenticator, messageRouter, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, entry)

	httpLimiter := router.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateWindow, nil)
	apiServer := api.NewServer(reg, dbManager, authenticator, wsHandler, http.HandlerFunc(wsHandler.HandleWebSocket),
		api.Options{
			Info:           api.BuildInfo{Project: Project, Version: Version, Environment: cfg.Environment},
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			RateLimiter:    httpLimiter,
			Channels:       table,
		}, entry)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:        cfg,
		log:           entry.WithField("component", "app"),
		dbManager:     dbManager,
		table:         table,
		registry:      reg,
		rateLimiter:   rateLimiter,
		httpLimiter:   httpLimiter,
		messageRouter: messageRouter,
		authenticator: authenticator,
		wsHandler:     wsHandler,
		apiServer:     apiServer,
		httpServer:    httpServer,
		errCh:         make(chan error, 1),
	}, nil
}

func databaseConfig(cfg *config.Config) *pkgdatabase.Config {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteTimeout = cfg.Database.Timeout
	dbConfig.SeedPath = cfg.Database.SeedPath
	return dbConfig
}

func registryConfig(cfg *config.Config) registry.Config {
	a := cfg.Arena
	return registry.Config{
		MaxRooms:               a.MaxRooms,
		CodeAttempts:           a.CodeAttempts,
		MaxParticipantsCap:     a.MaxParticipants,
		DefaultMinParticipants: a.MinParticipants,
		DefaultTimeLimit:       a.DefaultTimeLimit,
		MinTimeLimit:           a.MinTimeLimit,
		MaxTimeLimit:           a.MaxTimeLimit,
		Settings: room.Settings{
			ReconnectGrace:   a.ReconnectGrace,
			EmptyRoomGrace:   a.EmptyRoomGrace,
			InterRoundPause:  a.InterRoundPause,
			ResultsRetention: a.ResultsRetention,
			SaveTimeout:      cfg.Database.Timeout,
		},
	}
}

// Start binds the listener and serves in the background. Serve failures
// are reported on Errors.
func (app *Application) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.mu.Lock()
	app.listener = listener
	app.cancel = cancel
	app.mu.Unlock()

	go app.rateLimiter.Run(bgCtx, rateLimiterSweep)
	go app.httpLimiter.Run(bgCtx, rateLimiterSweep)

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"version":     Version,
		"environment": app.config.Environment,
	}).Info("Arena server started")
	return nil
}

// Errors reports fatal serve errors after Start.
func (app *Application) Errors() <-chan error {
	return app.errCh
}

// Stop shuts down in reverse dependency order: HTTP, rooms (which notify
// their participants), websocket connections, database.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("Shutting down arena server")
	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	if err := app.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}

	if err := app.wsHandler.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}

	app.mu.Lock()
	if app.cancel != nil {
		app.cancel()
	}
	app.mu.Unlock()

	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		app.log.WithError(err).Warn("Arena server shutdown incomplete")
		return err
	}
	app.log.Info("Arena server shutdown complete")
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Authenticator exposes token issuing for tooling and tests.
func (app *Application) Authenticator() *auth.Authenticator {
	return app.authenticator
}

// Database exposes the database manager for seeding.
func (app *Application) Database() *database.Manager {
	return app.dbManager
}
