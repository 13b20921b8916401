package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/labtat/labtat/internal/domain/tat"
	"github.com/labtat/labtat/internal/platform/db"
	"github.com/labtat/labtat/internal/platform/middleware"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline on an interval and expose health, metrics and run status",
		RunE: func(cmd *cobra.Command, args []string) error {
			noSchedule, _ := cmd.Flags().GetBool("no-schedule")
			return runServer(noSchedule)
		},
	}
	cmd.Flags().Bool("no-schedule", false, "Only serve HTTP; runs are triggered with POST /runs")
	return cmd
}

func runServer(noSchedule bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, "serve")
	if err != nil {
		return err
	}
	defer a.close(ctx)
	logger := a.log.Logger

	svc, err := a.service(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(30 * time.Second))

	e.GET("/health", db.HealthHandler(a.pool))
	e.GET("/metrics", a.metrics.PrometheusHandler())
	tat.NewHandler(svc).RegisterRoutes(e.Group(""))

	if !noSchedule {
		go schedule(ctx, svc, a.cfg.RunInterval, a)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%s", a.cfg.Port)
		logger.Info().Str("addr", addr).Dur("interval", a.cfg.RunInterval).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// schedule runs the pipeline immediately and then every interval until ctx
// is cancelled. A tick that lands on a run still in progress is skipped.
func schedule(ctx context.Context, svc *tat.Service, interval time.Duration, a *app) {
	logger := a.log.Logger
	runOnce := func() {
		if _, err := svc.Run(ctx); err != nil {
			if errors.Is(err, tat.ErrRunInProgress) {
				logger.Info().Msg("previous run still in progress, skipping tick")
				return
			}
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("scheduled run failed")
			}
		}
		if a.cfg.MetricsTextfile != "" {
			if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
				logger.Warn().Err(err).Msg("metrics textfile not written")
			}
		}
	}

	runOnce()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
