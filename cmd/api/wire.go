package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"coursegate/internal/access"
	"coursegate/internal/api/handlers"
	"coursegate/internal/auth"
	"coursegate/internal/billing"
	"coursegate/internal/catalog"
	"coursegate/internal/config"
	"coursegate/internal/core"
	"coursegate/internal/db"
	"coursegate/internal/external"
	"coursegate/internal/metrics"
	"coursegate/internal/session"
	"coursegate/internal/types"
)

const (
	janitorInterval  = time.Minute
	purgeInterval    = time.Hour
	securityRetained = 30 * 24 * time.Hour
)

// authTx adapts db.TxManager to auth.AuthTxManager.
type authTx struct {
	tx *db.TxManager
}

func (a authTx) RunInTx(ctx context.Context, fn func(ctx context.Context, users auth.UserRepo, sessions auth.SessionRepo) error) error {
	return a.tx.RunInTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		return fn(ctx, db.NewUserRepository(tx), db.NewSessionRepository(tx))
	})
}

// paymentTx adapts db.TxManager to billing.PaymentTxManager.
type paymentTx struct {
	tx *db.TxManager
}

func (p paymentTx) RunLocked(ctx context.Context, key string, fn func(ctx context.Context, store billing.PaymentStore) error) error {
	return p.tx.RunLocked(ctx, key, func(ctx context.Context, tx db.DBTX) error {
		return fn(ctx, db.NewPaymentRepository(tx))
	})
}

// app is the wired service: the HTTP server plus the background loops
// that must run beside it.
type app struct {
	srv  *core.Server
	jobs []func(ctx context.Context) error
}

// buildApp wires every component over pool. Nothing is started.
func buildApp(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*app, error) {
	clock := types.RealClock{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	txm := db.NewTxManager(pool)
	payments := db.NewPaymentRepository(pool)
	securityRepo := db.NewSecurityRepository(pool)
	clients := external.NewClientRegistry(cfg, logger)

	sessionSvc := auth.NewSessionService(
		db.NewSessionRepository(pool),
		nil,
		auth.SessionConfig{SessionDuration: cfg.Auth.SessionDuration, TouchInterval: time.Minute},
		clock,
		logger,
	)
	securitySvc := auth.NewSecurityService(securityRepo, auth.DefaultSecurityConfig(), clock, logger)

	authSvc := auth.NewService(auth.ServiceConfig{
		UserRepo:       db.NewUserRepository(pool),
		SessionService: sessionSvc,
		Protector:      auth.NewBruteForceProtector(securitySvc),
		TxManager:      authTx{tx: txm},
		Tokens:         auth.NewTokenSigner(cfg.Auth.SessionKey.Unmask(), clock),
		Mailer:         clients.Mailer,
		Newsletter:     clients.Newsletter,
		OAuth:          clients.OAuth,
		Clock:          clock,
		Logger:         logger,

		PublicURL:                cfg.Server.PublicURL,
		VerifyTemplateID:         cfg.Email.VerifyTemplateID,
		ResetTemplateID:          cfg.Email.ResetTemplateID,
		EmailTokenTTL:            cfg.Auth.EmailTokenTTL,
		NewsletterTimeout:        cfg.Email.NewsletterTimeout,
		RequireEmailVerification: cfg.Auth.RequireEmailVerify,
	})

	oracle := billing.NewOracle(payments, collector, logger)
	registry := session.NewRegistry(oracle, cfg.Access.SessionIdleTTL, clock, logger).WithMetrics(collector)

	paths := access.Paths{
		Signup:        cfg.Access.SignupPath,
		Pricing:       cfg.Access.PricingPath,
		CourseEntry:   cfg.Access.CourseEntry,
		PaymentReturn: access.DefaultPaths().PaymentReturn,
	}
	policy := access.NewPolicy(nil, paths, access.NewAllowList(cfg.Access.AdminAllowList...), collector)

	checkout := billing.NewCheckout(clients.Payments, payments, billing.CheckoutConfig{
		PublicURL:   cfg.Server.PublicURL,
		ReturnPath:  paths.PaymentReturn,
		PricingPath: paths.Pricing,
		AmountCents: cfg.Billing.PriceCents,
		Currency:    cfg.Billing.Currency,
	}, clock, collector, logger)

	reconciler := billing.NewReconciler(billing.ReconcilerConfig{
		Store:     payments,
		TxManager: paymentTx{tx: txm},
		Processor: clients.Payments,
		Sink:      registry,
		Clock:     clock,
		Metrics:   collector,
		Logger:    logger,
		Currency:  cfg.Billing.Currency,
	})

	cat, err := catalog.Default()
	if err != nil {
		return nil, fmt.Errorf("loading course catalog: %w", err)
	}

	limiter := core.NewMemoryRateLimitStore(cfg.Security.RateLimitPerMinute, cfg.Security.RateLimitBurst, clock)

	srv.Authenticator = authSvc
	srv.Sessions = registry
	srv.Policy = policy
	srv.SecurityService = securitySvc
	srv.RateLimitStore = limiter
	srv.Metrics = collector
	srv.MetricsHandler = metrics.Handler(reg)
	srv.HealthProbes = append(srv.HealthProbes, core.HealthProbeFunc{ProbeName: "database", Fn: pool.Ping})

	authH := handlers.NewAuthHandler(authSvc, registry, policy, srv.Validator, srv.SecureCookies(), logger)
	sessionH := handlers.NewSessionHandler(policy, cfg.Access.ReadyTimeout, logger)
	courseH := handlers.NewCourseHandler(cat, srv.RequireAccess, paths.CourseEntry, logger)
	billingH := handlers.NewBillingHandler(checkout, reconciler, policy, srv.Validator, cfg.Access.ReadyTimeout, logger)
	webhookH := handlers.NewStripeWebhookHandler(clients.Webhooks, reconciler, cfg.Billing.StripeWebhookSecret.Unmask(), logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		authH.RegisterRoutes,
		sessionH.RegisterRoutes,
		courseH.RegisterRoutes,
		billingH.RegisterRoutes,
	)
	srv.RootRouteRegistrars = append(srv.RootRouteRegistrars, webhookH.RegisterRoutes)

	srv.OnShutdown(func(context.Context) error {
		authSvc.Wait()
		return nil
	})
	srv.OnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})

	srv.MountRoutes()

	return &app{
		srv: srv,
		jobs: []func(ctx context.Context) error{
			func(ctx context.Context) error { return registry.Run(ctx, janitorInterval) },
			func(ctx context.Context) error { return limiter.Run(ctx, janitorInterval) },
			every(purgeInterval, logger, "purge expired sessions", func(ctx context.Context) (int64, error) {
				return sessionSvc.PurgeExpired(ctx)
			}),
			every(purgeInterval, logger, "purge security events", func(ctx context.Context) (int64, error) {
				return securityRepo.DeleteBefore(ctx, clock.Now().Add(-securityRetained))
			}),
		},
	}, nil
}

// every returns a loop that calls fn on each tick until ctx ends. Failures
// are logged and the loop keeps going.
func every(interval time.Duration, logger *slog.Logger, name string, fn func(ctx context.Context) (int64, error)) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := fn(ctx)
				if err != nil {
					logger.Warn("janitor failed", "job", name, "error", err)
					continue
				}
				if n > 0 {
					logger.Info("janitor ran", "job", name, "deleted", n)
				}
			}
		}
	}
}
