package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/7and1/youtube-subtitle-api/internal/app"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the extraction worker runtime",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer application.Close()

			// Metrics for the worker process live on their own port.
			metricsServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
				Handler:           metrics.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					application.Logger.Warn("metrics server failed", zap.Error(err))
				}
			}()
			defer func() { _ = metricsServer.Close() }()

			application.Dispatcher.Start(ctx)
			application.Logger.Info("worker runtime starting",
				zap.Int("concurrency", cfg.Worker.Concurrency),
			)

			application.NewWorker().Run(ctx)
			application.Dispatcher.Wait()
			application.Logger.Info("worker runtime stopped")
			return nil
		},
	}
}
