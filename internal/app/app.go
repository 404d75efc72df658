// Package app wires configuration into a running Bakeoff process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"bakeoff/internal/blob"
	"bakeoff/internal/config"
	"bakeoff/internal/db"
	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
	"bakeoff/internal/engine/auth"
	"bakeoff/internal/migrate"
	"bakeoff/internal/notify"
	"bakeoff/internal/payment"
	"bakeoff/internal/ratelimit"
	"bakeoff/internal/research"
	"bakeoff/internal/server"
)

const (
	expireInterval = time.Minute
	expireBatch    = 100
	shutdownGrace  = 10 * time.Second
)

// App holds the collaborators of one process.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Engine     engine.Engine
	Gateway    payment.Gateway
	Dispatcher *notify.Dispatcher
	Logger     *slog.Logger

	memStore *ratelimit.MemoryStore
	sqlStore *ratelimit.SQLStore
	limits   server.Limits
	files    http.Handler
}

// OpenDB opens the configured database and applies pending migrations.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Path: cfg.Database.Path, BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// New builds the engine and its collaborators from cfg. The caller owns
// Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Logger: logger}

	e := engine.New(conn, cfg)
	e.Logger = logger
	if cfg.Storage.Dir != "" {
		store, err := blob.NewDir(cfg.Storage.Dir, cfg.Storage.PublicBaseURL)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		e.Blobs = store
		a.files = store.Handler()
	}

	a.Gateway = gateway(cfg)
	e.OnUserRefund = func(ctx context.Context, t domain.Task) {
		if err := a.Gateway.Refund(ctx, t); err != nil {
			logger.Error("refund failed", "task_id", t.ID, "err", err)
		}
	}
	if cfg.Research.Enabled {
		p := pipeline(cfg, e, logger)
		e.OnPublished = p.Enrich
	}
	a.Engine = e

	a.Dispatcher = &notify.Dispatcher{
		Repo:      e.Repo,
		Mailer:    notify.FromConfig(cfg.Mail.Provider, cfg.Mail.Endpoint, cfg.Mail.APIKey, cfg.Mail.From, logger),
		Logger:    logger,
		Interval:  cfg.Mail.PollInterval,
		PublicURL: cfg.Server.PublicURL,
	}

	var store ratelimit.Store
	if cfg.Limits.Store == "sql" {
		a.sqlStore = &ratelimit.SQLStore{DB: conn}
		store = a.sqlStore
	} else {
		a.memStore = ratelimit.NewMemoryStore()
		store = a.memStore
	}
	a.limits = server.Limits{
		Registration: ratelimit.FixedWindow{
			Store: store, Limit: cfg.Limits.Registration.Limit, Window: cfg.Limits.Registration.Window, Prefix: "register:",
		},
		AgentAPI: ratelimit.FixedWindow{
			Store: store, Limit: cfg.Limits.AgentAPI.Limit, Window: cfg.Limits.AgentAPI.Window, Prefix: "agent:",
		},
	}
	return a, nil
}

func gateway(cfg *config.Config) payment.Gateway {
	if cfg.Payment.Provider == "stripe" {
		return payment.Stripe{
			APIBase:    cfg.Payment.APIBase,
			SecretKey:  cfg.Payment.SecretKey,
			Currency:   cfg.Payment.Currency,
			SuccessURL: cfg.Payment.SuccessURL,
			CancelURL:  cfg.Payment.CancelURL,
		}
	}
	return payment.None{}
}

func pipeline(cfg *config.Config, e engine.Engine, logger *slog.Logger) *research.Pipeline {
	client := research.Client{APIKey: cfg.Research.APIKey, HTTP: &http.Client{Timeout: cfg.Research.Timeout}}
	p := &research.Pipeline{
		Store:     e,
		Completer: research.HTTPCompleter{Client: client, URL: cfg.Research.LLMURL},
		Logger:    logger,
		Timeout:   cfg.Research.Timeout,
	}
	if cfg.Research.ParserURL != "" {
		p.Parser = research.HTTPParser{Client: client, URL: cfg.Research.ParserURL}
	}
	if cfg.Research.SearchURL != "" {
		p.Searcher = research.HTTPSearcher{Client: client, URL: cfg.Research.SearchURL}
	}
	return p
}

// Handler returns the HTTP API for this process.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine: a.Engine,
		Sessions: auth.Sessions{
			Secret: a.Config.Auth.JWTSecret,
			TTL:    a.Config.Auth.SessionTTL,
		},
		Gateway:       a.Gateway,
		WebhookSecret: a.Config.Payment.WebhookSecret,
		Limits:        a.limits,
		Files:         a.files,
		CORSOrigins:   a.Config.Server.CORSOrigins,
		TrustProxy:    a.Config.Server.TrustProxy,
		SecureCookie:  a.Config.Auth.SecureCookie,
		Logger:        a.Logger,
	})
}

// Serve runs the HTTP server and the background loops until ctx is done
// or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.Dispatcher.Run(ctx) })
	g.Go(func() error { return a.sweepLimits(ctx) })
	g.Go(func() error { return a.expireLoop(ctx) })
	return g.Wait()
}

func (a *App) sweepLimits(ctx context.Context) error {
	if a.memStore != nil {
		return a.memStore.Run(ctx, a.Config.Limits.SweepInterval, a.Logger)
	}
	interval := a.Config.Limits.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := a.sqlStore.Sweep(ctx, now)
			if err != nil && ctx.Err() == nil {
				a.Logger.Warn("rate limit sweep", "err", err)
			} else if n > 0 {
				a.Logger.Debug("rate limit sweep", "evicted", n)
			}
		}
	}
}

func (a *App) expireLoop(ctx context.Context) error {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.Logger.Warn("expire overdue tasks", "err", err)
			}
		}
	}
}

// Sweep expires overdue tasks until none remain and returns the total.
func (a *App) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := a.Engine.ExpireOverdue(ctx, expireBatch)
		total += n
		if err != nil || n < expireBatch {
			if total > 0 {
				a.Logger.Info("expired overdue tasks", "count", total)
			}
			return total, err
		}
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}
