package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/opsgate/pkg/api"
	"github.com/Mindburn-Labs/opsgate/pkg/config"
)

const shutdownTimeout = 15 * time.Second

// runServer serves the API until SIGINT or SIGTERM, running the sweeper
// and the auto-execute pass in the background.
func runServer(cfg *config.Config, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	limiter := api.NewRateLimiter(cfg.APIRPS, cfg.APIBurst)
	srv := api.NewServer(a.svc,
		api.WithRateLimiter(limiter),
		api.WithResponseCache(a.responseCache()),
		api.WithCORSOrigins(cfg.CORSOrigins),
	)

	go limiter.RunCleanup(ctx)
	go a.svc.Sweeper().Run(ctx, cfg.SweepInterval)
	go a.runAutoExecute(ctx, cfg.SweepInterval)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.telemetry.HTTPMiddleware(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Execute waits on the handler.
		WriteTimeout: cfg.HandlerTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.InfoContext(ctx, "opsgate listening", "addr", httpServer.Addr, "lite_mode", cfg.LiteMode())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	code := 0
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			a.logger.Error("server failed", "error", err)
			code = 1
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	a.close(shutdownCtx)
	return code
}

// runAutoExecute picks up approved auto-execute actions that missed their
// synchronous dispatch.
func (a *app) runAutoExecute(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := a.svc.RunAutoExecutePass(ctx)
			if err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "auto-execute pass failed", "error", err)
				continue
			}
			if rep.Scanned > 0 {
				a.logger.InfoContext(ctx, "auto-execute pass", "scanned", rep.Scanned, "executed", rep.Executed, "failed", rep.Failed)
			}
		}
	}
}
