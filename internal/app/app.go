// Package app is the main orchestrator that ties all creditd components
// together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inkwell-labs/creditd/internal/activity"
	"github.com/inkwell-labs/creditd/internal/api"
	"github.com/inkwell-labs/creditd/internal/auth"
	"github.com/inkwell-labs/creditd/internal/billing"
	"github.com/inkwell-labs/creditd/internal/config"
	"github.com/inkwell-labs/creditd/internal/ledger"
	"github.com/inkwell-labs/creditd/internal/metrics"
	"github.com/inkwell-labs/creditd/internal/notify"
	"github.com/inkwell-labs/creditd/internal/payos"
	"github.com/inkwell-labs/creditd/internal/ratelimit"
	"github.com/inkwell-labs/creditd/internal/store"
)

const (
	purgeInterval   = time.Hour
	expiryInterval  = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// App is the creditd process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	activity     *activity.Recorder
	ledger       *ledger.Ledger
	billing      *billing.Service
	bus          *notify.Bus
	metrics      *metrics.Metrics
	userLimiter  ratelimit.Limiter
	ipLimiter    ratelimit.Limiter
	redis        *redis.Client
	api          *api.Server
	logger       *slog.Logger
}

// New creates the app from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	a := &App{
		cfg:    cfg,
		store:  db,
		bus:    notify.New(),
		logger: logger.With("component", "app"),
	}
	if err := a.init(ctx, logger); err != nil {
		a.close()
		return nil, err
	}
	a.warnWeakConfig()
	return a, nil
}

func (a *App) init(ctx context.Context, logger *slog.Logger) error {
	cfg := a.cfg

	authProvider, err := auth.NewProvider(ctx, cfg.Auth, a.store)
	if err != nil {
		return fmt.Errorf("init auth provider: %w", err)
	}
	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap auth: %w", err)
	}
	a.authProvider = authProvider

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	if !cfg.Metrics.Disabled {
		a.metrics = metrics.New("creditd")
	}

	a.activity = activity.NewRecorder(a.store, logger)
	a.ledger = ledger.New(a.store, ledger.Options{
		InitialCredits: cfg.Credits.InitialCredits,
		DefaultPlan:    cfg.Credits.DefaultPlan,
		DefaultCost:    cfg.Credits.DefaultCost,
		Costs:          cfg.Credits.Costs,
	}, a.activity, a.bus, a.metrics, logger)

	var gateway billing.Gateway
	if cfg.PayOS.Enabled {
		client, err := payos.NewClient(payos.Options{
			ClientID:    cfg.PayOS.ClientID,
			APIKey:      cfg.PayOS.APIKey,
			ChecksumKey: cfg.PayOS.ChecksumKey,
			BaseURL:     cfg.PayOS.BaseURL,
			Timeout:     cfg.PayOS.Timeout.Duration,
		})
		if err != nil {
			return fmt.Errorf("init payos: %w", err)
		}
		gateway = client
	}
	a.billing = billing.New(a.store, gateway, billing.Options{
		Plans:     billing.PlansFromConfig(cfg.Plans),
		FreePlan:  cfg.Credits.DefaultPlan,
		ReturnURL: cfg.PayOS.ReturnURL,
		CancelURL: cfg.PayOS.CancelURL,
		LinkTTL:   cfg.PayOS.LinkTTL.Duration,
	}, a.activity, a.bus, a.metrics, logger)

	if err := a.initLimiters(ctx); err != nil {
		return err
	}

	a.api = api.NewServer(a.store, authProvider, loginProvider, api.Services{
		Ledger:      a.ledger,
		Billing:     a.billing,
		Activity:    a.activity,
		Bus:         a.bus,
		Metrics:     a.metrics,
		UserLimiter: a.userLimiter,
		IPLimiter:   a.ipLimiter,
	}, cfg, logger)
	return nil
}

func (a *App) initLimiters(ctx context.Context) error {
	rl := a.cfg.RateLimit
	if rl.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     rl.RedisAddr,
			Password: rl.RedisPassword,
			DB:       rl.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", rl.RedisAddr, err)
		}
	}

	var err error
	a.userLimiter, err = ratelimit.New(ratelimit.Options{
		Backend: rl.Backend,
		Limit:   rl.Limit,
		Window:  rl.Window.Duration,
		Prefix:  rl.RedisPrefix,
		Redis:   a.redis,
	})
	if err != nil {
		return fmt.Errorf("init user rate limiter: %w", err)
	}
	a.ipLimiter, err = ratelimit.New(ratelimit.Options{
		Backend: rl.Backend,
		Limit:   rl.IPLimit,
		Window:  rl.IPWindow.Duration,
		Prefix:  rl.RedisPrefix,
		Redis:   a.redis,
	})
	if err != nil {
		return fmt.Errorf("init ip rate limiter: %w", err)
	}
	return nil
}

func (a *App) warnWeakConfig() {
	cfg := a.cfg
	if a.authProvider.Name() == "builtin" && cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		a.logger.Warn("default admin credentials detected (admin/admin), change them before going live")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			a.logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if !cfg.PayOS.Enabled {
		a.logger.Warn("payos disabled, checkout and webhooks are unavailable")
	}
	if cfg.RateLimit.Backend == "memory" {
		a.logger.Info("rate limits are per instance (memory backend)")
	}
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run starts the HTTP server and background loops, and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.startBackground(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("creditd listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Close streams first; Shutdown does not wait for hijacked connections.
		a.bus.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		a.close()
		return err
	}
}

// startBackground launches the periodic loops. They stop with ctx.
func (a *App) startBackground(ctx context.Context) {
	if retention := a.cfg.Storage.ActivityRetention.Duration; retention > 0 {
		go a.activity.RunPurger(ctx, retention, purgeInterval)
	}

	// Catch up on plans that expired while the process was down.
	if _, err := a.billing.ExpirePlans(ctx); err != nil {
		a.logger.Warn("initial plan expiry failed", "error", err)
	}
	go a.billing.RunExpiry(ctx, expiryInterval)
	if a.billing.Enabled() {
		go a.billing.RunReconcile(ctx, a.cfg.PayOS.ReconcileInterval.Duration, a.cfg.PayOS.ReconcileAfter.Duration)
	}

	for _, l := range []ratelimit.Limiter{a.userLimiter, a.ipLimiter} {
		if m, ok := l.(*ratelimit.Memory); ok {
			m.StartCleanup(ctx, cleanupInterval)
		}
	}
}

func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
	}
	a.logger.Info("closing store")
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}
