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

	"github.com/poiesic/curupira"
	"github.com/poiesic/curupira/api"
	"github.com/urfave/cli/v2"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the HTTP API",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides HTTP_ADDR)",
			},
		},
	}
}

func serve(c *cli.Context) error {
	cfg, err := loadedConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("addr") {
		cfg.HTTPAddr = c.String("addr")
	}

	return withDatabase(cfg, func(db *curupira.Database) error {
		srv, err := api.NewServer(db.Orchestrator(), db.Retriever(),
			api.WithHealthChecker(db),
			api.WithMetrics(db.Metrics()),
			api.WithRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitTrustProxy),
			api.WithLogger(slog.Default()))
		if err != nil {
			return err
		}

		httpServer := &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      srv.Handler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second, // embedding a query can be slow
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("HTTP API listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case sig := <-quit:
			slog.Info("shutting down server...", "signal", sig.String())
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}

		slog.Info("server stopped")
		return nil
	})
}
