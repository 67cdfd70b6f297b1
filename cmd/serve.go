package cmd

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/serpco/ms-go-fulfillment/app/controller"
	"github.com/serpco/ms-go-fulfillment/app/entitlements"
	"github.com/serpco/ms-go-fulfillment/app/ghl"
	"github.com/serpco/ms-go-fulfillment/app/httpclient"
	"github.com/serpco/ms-go-fulfillment/app/license"
	"github.com/serpco/ms-go-fulfillment/app/offers"
	"github.com/serpco/ms-go-fulfillment/app/provider"
	"github.com/serpco/ms-go-fulfillment/app/repository"
	"github.com/serpco/ms-go-fulfillment/app/service"
	"github.com/serpco/ms-go-fulfillment/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  "Start the HTTP (Echo) server handling provider webhooks and checkout confirmation.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, fulfillmentService, cleanup := mustCreateFulfillmentService()
	defer cleanup()

	registry := buildProviderRegistry(cfg)
	webhookController := controller.NewWebhookController(registry, fulfillmentService, cfg.App.ServiceName)

	e := setupHTTPServer(webhookController)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}

	logrus.Info("Server stopped")
}

func setupHTTPServer(webhookController *controller.WebhookController) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(ensureRequestID())

	e.GET("/health", webhookController.Health)

	webhooks := e.Group("/webhooks")
	webhooks.POST("/:provider", webhookController.HandleProviderWebhook)

	checkout := e.Group("/checkout")
	checkout.POST("/confirm", webhookController.ConfirmCheckout)

	return e
}

// Provider deliveries arrive without a request id, so one is assigned
// rather than required.
func ensureRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
			if requestID == "" {
				requestID = uuid.NewString()
				ctx.Request().Header.Set(echo.HeaderXRequestID, requestID)
			}
			ctx.Response().Header().Set(echo.HeaderXRequestID, requestID)
			return next(ctx)
		}
	}
}

func buildProviderRegistry(cfg *config.Config) *provider.Registry {
	stripeProvider := provider.NewStripeProvider(provider.StripeConfig{
		WebhookSecret:             cfg.Stripe.WebhookSecret,
		AccountWebhookSecrets:     cfg.Stripe.AccountWebhookSecrets,
		SignatureToleranceSeconds: cfg.Stripe.SignatureToleranceSeconds,
	})
	paypalProvider := provider.NewPayPalProvider(provider.PayPalConfig{
		WebhookSecret: cfg.PayPal.WebhookSecret,
	})
	ghlProvider := provider.NewGHLProvider(provider.GHLConfig{
		WebhookSecret: cfg.GHL.WebhookSecret,
	})

	return provider.NewRegistry(stripeProvider, paypalProvider, ghlProvider)
}

func mustCreateFulfillmentService() (*config.Config, *service.FulfillmentService, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	sessionRepo := repository.NewCheckoutSessionRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	webhookRepo := repository.NewWebhookLogRepository(db)

	crmClient := ghl.NewClient(ghl.Config{
		BaseURL:               cfg.GHL.BaseURL,
		ContactAPIRoot:        cfg.GHL.ContactAPIRoot,
		LocationID:            cfg.GHL.LocationID,
		AuthToken:             cfg.GHL.AuthToken,
		APIVersion:            cfg.GHL.APIVersion,
		AffiliateFieldID:      cfg.GHL.AffiliateFieldID,
		PurchaseMetadataField: cfg.GHL.PurchaseMetadataField,
		LicenseKeysField:      cfg.GHL.LicenseKeysField,
		HTTPTimeout:           cfg.GHL.HTTPTimeout,
	}, logrus.WithField("module", "ghl"))

	licenseClient := license.NewClient(license.Config{
		AdminURL: cfg.License.AdminURL,
		Token:    cfg.License.Token,
	}, httpclient.New(httpclient.Options{
		AttemptTimeout: cfg.License.HTTPTimeout,
		Logger:         logrus.WithField("module", "license"),
	}), logrus.WithField("module", "license"))

	entitlementClient := entitlements.NewClient(entitlements.Config{
		BaseURL:        cfg.Entitlements.BaseURL,
		InternalSecret: cfg.Entitlements.InternalSecret,
	}, httpclient.New(httpclient.Options{
		AttemptTimeout: cfg.Entitlements.HTTPTimeout,
		Logger:         logrus.WithField("module", "entitlements"),
	}), logrus.WithField("module", "entitlements"))

	offerStore, err := offers.NewStoreFromFile(cfg.Offers.ConfigPath)
	if err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to load offer catalog")
	}

	alerts := service.NewOpsAlerter(cfg.Alerts.WebhookURL, httpclient.New(httpclient.Options{
		MaxAttempts:    1,
		AttemptTimeout: cfg.Alerts.HTTPTimeout,
	}), logrus.WithField("module", "alerts"))

	fulfillmentService := service.NewFulfillmentService(
		sessionRepo,
		orderRepo,
		webhookRepo,
		crmClient,
		licenseClient,
		entitlementClient,
		offerStore,
		alerts,
		cfg.Fulfillment,
		logrus.WithField("module", "fulfillment"),
	)

	cleanup := func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return cfg, fulfillmentService, cleanup
}

func configureLogging(cfg *config.Config) error {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	return nil
}
