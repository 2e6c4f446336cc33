package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/access"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/accounts"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/api"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/config"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/db"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/persist"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/presence"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/registry"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/session"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store/mongostore"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store/redisstore"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/sweeper"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/ws"
)

const closedShutdown = "shutdown"

// server holds every long-lived component of a running process.
type server struct {
	cfg      *config.Config
	logger   *zap.Logger
	projects store.Store
	accounts *accounts.Directory
	registry *registry.Registry
	saver    *persist.Scheduler
	hub      *ws.Hub
	sweeper  *sweeper.Service
	handler  http.Handler
	stopAPI  func()
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return db.New(cfg.SQLitePath, logger)
	case "redis":
		return redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPrefix)
	case "mongo":
		return mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case "memory":
		logger.Warn("using in-memory project store; projects are lost on exit")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openAccounts(cfg config.AccountsConfig) (*accounts.Directory, error) {
	if cfg.Driver == "sqlite" && !strings.HasPrefix(cfg.DSN, "file:") && cfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0755); err != nil {
			return nil, err
		}
	}
	gdb, err := accounts.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open accounts database: %w", err)
	}
	dir := accounts.NewDirectory(gdb, cfg.JWTSecret, cfg.TokenTTL)
	if err := dir.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate accounts: %w", err)
	}
	return dir, nil
}

// newServer wires the session engine, websocket transport and HTTP API
// over the configured stores.
func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server, error) {
	projects, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}
	dir, err := openAccounts(cfg.Accounts)
	if err != nil {
		projects.Close()
		return nil, err
	}

	tracker := presence.NewTracker()
	reg := registry.New(projects, logger)
	saver := persist.New(reg, projects, persist.Config{
		Debounce: cfg.Session.SaveDebounce,
		MaxWait:  cfg.Session.SaveMaxWait,
		Timeout:  cfg.Session.SaveTimeout,
	}, logger)
	hub := ws.NewHub(tracker, logger)

	engine := session.NewEngine(access.NewGate(projects), reg, tracker, hub, saver, logger)
	hub.SetDropHandler(engine.Detach)

	wsHandler := ws.NewHandler(hub, engine, ws.Options{
		SendBuffer:        cfg.WS.SendBuffer,
		MaxMessageBytes:   cfg.WS.MaxMessageBytes,
		MessagesPerSecond: cfg.WS.MessagesPerSecond,
		MessageBurst:      cfg.WS.MessageBurst,
		MaxViolations:     cfg.WS.MaxViolations,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, logger)

	handler, stopAPI := api.New(api.Deps{
		Projects: projects,
		Sessions: reg,
		Saves:    saver,
		Rooms:    hub,
		Presence: tracker,
		Accounts: dir,
		Logger:   logger,
	}).Router(wsHandler, api.RouterConfig{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		RequestBurst:      cfg.Server.RequestBurst,
	})

	return &server{
		cfg:      cfg,
		logger:   logger,
		projects: projects,
		accounts: dir,
		registry: reg,
		saver:    saver,
		hub:      hub,
		sweeper: sweeper.New(reg, saver.Pending, sweeper.Config{
			TTL:      cfg.Session.IdleTTL,
			Schedule: cfg.Session.SweepSchedule,
		}, logger),
		handler: handler,
		stopAPI: stopAPI,
	}, nil
}

// run serves until ctx is cancelled, then stops the sweeper, drains HTTP,
// disconnects websocket clients and flushes pending saves.
func (s *server) run(ctx context.Context) error {
	if err := s.sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			zap.String("addr", s.cfg.Server.Addr),
			zap.String("store", s.cfg.Store.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.logger.Info("shutting down")
	s.sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := s.drain(shutdownCtx); err != nil {
		s.logger.Error("pending saves were not flushed", zap.Error(err))
	}
	return serveErr
}

// drain disconnects every websocket client, since hijacked connections
// outlive http.Server.Shutdown, then writes out pending saves.
func (s *server) drain(ctx context.Context) error {
	s.hub.CloseAll(closedShutdown)
	return s.saver.Flush(ctx)
}

func (s *server) close() {
	s.stopAPI()
	if err := s.projects.Close(); err != nil {
		s.logger.Warn("close project store", zap.Error(err))
	}
}
