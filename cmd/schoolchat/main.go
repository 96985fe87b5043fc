package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schoolchat/internal/api"
	"schoolchat/internal/auth"
	"schoolchat/internal/config"
	"schoolchat/internal/database"
	"schoolchat/internal/messages"
	"schoolchat/internal/ratelimit"
	"schoolchat/internal/rooms"
	"schoolchat/internal/router"
	socket "schoolchat/internal/websocket"
	pkgdatabase "schoolchat/pkg/database"
)

// Application coordinates the messaging core's components with explicit
// dependency order: database, then the domain services that consume it,
// then the routing and transport layers on top.
type Application struct {
	config    *config.Config
	dbManager *database.Manager
	limiter   *ratelimit.Limiter
	registry  *socket.Registry
	apiServer *api.Server

	limiterStop chan struct{}
}

func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Database manager (foundation layer).
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}
	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 2: Domain services over the stores.
	resolver := auth.NewResolver(cfg.Auth.JWTSecret, dbManager)
	directory := rooms.NewDirectory(dbManager, dbManager, dbManager)
	msgService := messages.NewService(dbManager)

	// STEP 3: Rate limiter shared by handshake and event dispatch.
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)

	// STEP 4: Connection registry for room fan-out.
	registry := socket.NewRegistry()

	// STEP 5: Event router.
	eventRouter := router.NewRouter(registry, directory, msgService, limiter, cfg.WebSocket.HistoryPageSize)

	// STEP 6: WebSocket transport.
	wsHandler := socket.NewHandler(resolver, limiter, registry, eventRouter, socket.HandlerConfig{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	})

	// STEP 7: HTTP server with REST and WebSocket endpoints.
	apiServer := api.NewServer(api.Config{
		Host:            cfg.HTTP.Host,
		Port:            cfg.HTTP.Port,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		HistoryPageSize: cfg.WebSocket.HistoryPageSize,
	}, resolver, directory, msgService, dbManager, registry, wsHandler)

	return &Application{
		config:    cfg,
		dbManager: dbManager,
		limiter:   limiter,
		registry:  registry,
		apiServer: apiServer,
	}, nil
}

func (app *Application) Start() error {
	// Periodic sweep of idle rate-limit buckets.
	app.limiterStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(app.config.RateLimit.Window * 5)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				app.limiter.Cleanup()
			case <-app.limiterStop:
				return
			}
		}
	}()

	return app.apiServer.Start()
}

func (app *Application) Stop(ctx context.Context) error {
	log.Info().Msg("shutting down")

	if err := app.apiServer.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
	if app.limiterStop != nil {
		close(app.limiterStop)
	}
	if err := app.dbManager.Close(); err != nil {
		log.Warn().Err(err).Msg("database shutdown error")
	}

	log.Info().Msg("shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

func run() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("SCHOOLCHAT_PRETTY_LOGS") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load(os.Getenv("SCHOOLCHAT_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	appErrCh := make(chan error, 1)
	go func() {
		if err := app.Start(); err != nil {
			appErrCh <- err
		}
	}()

	select {
	case err := <-appErrCh:
		return fmt.Errorf("application error: %w", err)
	case sig := <-signalCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return app.Stop(shutdownCtx)
	}
}
