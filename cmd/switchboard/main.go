package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"switchboard/internal/auth"
	"switchboard/internal/call"
	"switchboard/internal/config"
	"switchboard/internal/gateway"
	"switchboard/internal/lifecycle"
	"switchboard/internal/notify"
	"switchboard/internal/presence"
	"switchboard/internal/sharedstate"
	"switchboard/internal/store"
	"switchboard/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("switchboard failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:  "switchboard",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     true,
		Stdout:       cfg.OTelStdout,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()

	checks := map[string]gateway.Pinger{}

	var (
		members  presence.MembershipSource
		lastSeen lifecycle.LastSeenRecorder
		users    auth.UserLookup
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{MaxOpenConns: cfg.DBMaxConns})
		if err != nil {
			return err
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		logger.Info("Migrations applied", "versions", applied)

		pg := store.NewPostgresStore(db)
		members, lastSeen, users = pg, pg, pg
		checks["database"] = pg
	} else {
		logger.Warn("No DATABASE_URL set; room membership and last seen are disabled")
	}

	var state sharedstate.Store
	stateOpts := []sharedstate.Option{
		sharedstate.WithLogger(logger),
		sharedstate.WithBroadcast(cfg.StateBroadcast),
		sharedstate.WithMaxRetries(cfg.StateMaxRetries),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisState, err := sharedstate.NewRedis(ctx, cfg.RedisURL, cfg.StateKey, stateOpts...)
		if err != nil {
			return err
		}
		checks["shared_state"] = redisState
		state = redisState
		logger.Info("Using Redis shared state", "key", redisState.Key())
	} else {
		state = sharedstate.NewMemory(stateOpts...)
		logger.Info("Using in-memory shared state")
	}
	defer state.Close()

	hub := gateway.NewHub(logger)
	var sink notify.Sink = notify.Local{Deliverer: hub}
	if strings.TrimSpace(cfg.NATSURL) != "" {
		nc, err := notify.Connect(ctx, notify.ConnectOptions{
			URL:      cfg.NATSURL,
			User:     cfg.NATSUser,
			Password: cfg.NATSPass,
			Name:     "switchboard",
		}, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		sub, err := notify.Relay(nc, cfg.EventsSubject, hub, logger)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		sink = notify.NewNATSSink(nc, cfg.EventsSubject)
		checks["nats"] = gateway.PingFunc(func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	registry := presence.NewRegistry(state, members)
	calls := call.NewManager(state)
	controller, err := lifecycle.New(lifecycle.Options{
		RequiredScope: cfg.RequiredScope,
		Identity:      auth.NewResolver([]byte(cfg.JWTSecret), users),
		LastSeen:      lastSeen,
		Registry:      registry,
		Calls:         calls,
		Sink:          sink,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	gw, err := gateway.NewServer(gateway.Options{
		Controller:       controller,
		Calls:            calls,
		Hub:              hub,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Checks:           checks,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Switchboard listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	// Websockets are hijacked, so they are drained separately before the
	// shared state closes.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket drain incomplete", "error", err)
	}
	return nil
}
