// Package main is the entry point for the coursegate API server.
//
// It loads configuration, opens the database pool, wires the identity
// provider, the session registry, the billing components and the access
// policy into the HTTP chassis, and serves requests.
//
// Outside Lambda it runs as a standard HTTP server on the configured port
// with graceful shutdown on SIGINT/SIGTERM. Inside Lambda it serves API
// Gateway HTTP API events through the same handler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"golang.org/x/sync/errgroup"

	"coursegate/internal/config"
	"coursegate/internal/db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(secretProvider(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("coursegate API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	if cfg.Database.MigrateOnStart {
		if err := db.RunMigrations(cfg.Database.URL.Unmask()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	a, err := buildApp(cfg, pool, logger)
	if err != nil {
		pool.Close()
		return err
	}

	if isLambdaEnvironment() {
		return runLambda(ctx, a, logger)
	}
	return runHTTPServer(ctx, a, cfg, logger)
}

// secretProvider returns the SSM provider outside local runs.
func secretProvider(env, region string) config.SecretProvider {
	if env == "local" || env == "" {
		return nil
	}
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMProvider(region)
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda serves API Gateway events. The background jobs run for the
// lifetime of the execution environment.
func runLambda(ctx context.Context, a *app, logger *slog.Logger) error {
	for _, job := range a.jobs {
		go func() {
			if err := job(ctx); err != nil {
				logger.Error("background job stopped", "error", err)
			}
		}()
	}

	logger.Info("serving in Lambda mode")
	lambda.StartWithOptions(newLambdaHandler(a.srv.Handler()).ProxyWithContext,
		lambda.WithContext(ctx),
		lambda.WithEnableSIGTERM(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = a.srv.Shutdown(shutdownCtx)
		}),
	)
	return nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(ctx context.Context, a *app, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           a.srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	for _, job := range a.jobs {
		g.Go(func() error { return job(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
