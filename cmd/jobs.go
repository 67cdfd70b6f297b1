package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serpco/ms-go-fulfillment/app/service"
	"github.com/serpco/ms-go-fulfillment/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	workerMode bool
)

var entitlementsCmd = &cobra.Command{
	Use:   "entitlements",
	Short: "Run entitlement related commands",
}

var entitlementsRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-grant entitlements for paid orders whose grant previously failed",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"entitlements_retry",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.EntitlementsRetryInterval },
			func(s *service.FulfillmentService, ctx context.Context) error {
				return s.RunEntitlementsRetryBatch(ctx)
			},
		)
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run expiration-related commands",
}

var expireStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "Mark long-running pending checkout sessions as failed",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"expire_stale",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ExpireStaleInterval },
			func(s *service.FulfillmentService, ctx context.Context) error {
				return s.RunExpireStaleBatch(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(entitlementsCmd)
	rootCmd.AddCommand(expireCmd)
	entitlementsCmd.AddCommand(entitlementsRetryCmd)
	expireCmd.AddCommand(expireStaleCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(
	name string,
	intervalResolver func(cfg *config.Config) time.Duration,
	fn func(s *service.FulfillmentService, ctx context.Context) error,
) {
	cfg, fulfillmentService, cleanup := mustCreateFulfillmentService()
	defer cleanup()

	if workerMode {
		runWorker(name, intervalResolver(cfg), fulfillmentService, fn)
		return
	}

	ctx := context.Background()
	runJob(name, func() error { return fn(fulfillmentService, ctx) })
}

func runWorker(
	name string,
	interval time.Duration,
	fulfillmentService *service.FulfillmentService,
	fn func(s *service.FulfillmentService, ctx context.Context) error,
) {
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runJob(name, func() error { return fn(fulfillmentService, ctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, func() error { return fn(fulfillmentService, ctx) })
		}
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	err := fn()
	latency := time.Since(start)
	if err != nil {
		logrus.WithError(err).WithField("job", name).WithField("latency", latency.String()).Error("job_failed")
		return
	}
	logrus.WithField("job", name).WithField("latency", latency.String()).Info("job_completed")
}
