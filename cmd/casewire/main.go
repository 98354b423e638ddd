package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"casewire/internal/auth"
	"casewire/internal/config"
	"casewire/internal/hub"
	"casewire/internal/relay"
	"casewire/internal/room"
	"casewire/internal/store"
	"casewire/internal/websocket"
	"casewire/pkg/interfaces"
)

// application bundles the wired components. Initialization order follows
// the dependency chain: store, auth, rooms, registry, hub, relay, HTTP.
type application struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *store.Manager
	redisRelay *relay.Redis
	msgHub     *hub.Hub
	httpServer *http.Server
}

func newApplication(cfg *config.Config, logger *zap.Logger) (*application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	storeManager, err := store.NewManager(store.Config{
		Path:           cfg.Database.Path,
		MaxConnections: cfg.Database.MaxConnections,
		WriteTimeout:   cfg.Database.WriteTimeout,
	}, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	directory := auth.NewStaticDirectory(cfg.Staff)
	gate := auth.NewGate(storeManager, directory, logger.Named("auth"))

	rooms := room.NewRouter(logger.Named("room"))
	registry := websocket.NewRegistry(rooms, logger.Named("registry"))
	rooms.OnDeadConnection(registry.Unregister)

	var (
		relayImpl  interfaces.Relay
		redisRelay *relay.Redis
	)
	if cfg.Redis.Enabled {
		redisRelay = relay.NewRedis(relay.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Channel:  cfg.Redis.Channel,
		}, logger.Named("relay"))
		relayImpl = redisRelay
	} else {
		relayImpl = relay.Noop{}
	}

	msgHub := hub.NewHub(gate, rooms, storeManager, relayImpl, logger.Named("hub"))

	wsHandler := websocket.NewHandler(registry, msgHub, websocket.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	}, logger.Named("ws"))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", wsHandler.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := storeManager.HealthCheck(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisRelay != nil {
			if err := redisRelay.HealthCheck(ctx); err != nil {
				http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &application{
		cfg:        cfg,
		logger:     logger,
		store:      storeManager,
		redisRelay: redisRelay,
		msgHub:     msgHub,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
			Handler:      r,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
	}, nil
}

func (app *application) start(ctx context.Context) error {
	if app.redisRelay != nil {
		if err := app.redisRelay.Start(ctx, app.msgHub.DeliverRemote); err != nil {
			return fmt.Errorf("start relay consumer: %w", err)
		}
	}

	app.logger.Info("listening", zap.String("addr", app.httpServer.Addr))
	if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (app *application) stop(ctx context.Context) {
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("http shutdown", zap.Error(err))
	}
	if app.redisRelay != nil {
		if err := app.redisRelay.Close(); err != nil {
			app.logger.Warn("relay close", zap.Error(err))
		}
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn("store close", zap.Error(err))
	}
	app.logger.Info("shutdown complete")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	app, err := newApplication(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- app.start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		app.stop(shutdownCtx)
		return nil
	}
}
