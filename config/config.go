package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App          AppConfig
	HTTP         ServerConfig
	MySQL        MySQLConfig
	Log          LogConfig
	Stripe       StripeConfig
	PayPal       PayPalConfig
	GHL          GHLConfig
	License      LicenseConfig
	Entitlements EntitlementsConfig
	Fulfillment  FulfillmentConfig
	Offers       OffersConfig
	Alerts       AlertsConfig
	Jobs         JobsConfig
}

type AppConfig struct {
	ServiceName string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type StripeConfig struct {
	WebhookSecret             string
	AccountWebhookSecrets     []string
	SignatureToleranceSeconds int64
}

type PayPalConfig struct {
	WebhookSecret string
}

type GHLConfig struct {
	BaseURL               string
	ContactAPIRoot        string
	LocationID            string
	AuthToken             string
	APIVersion            string
	WebhookSecret         string
	AffiliateFieldID      string
	PurchaseMetadataField string
	LicenseKeysField      string
	HTTPTimeout           time.Duration
}

type LicenseConfig struct {
	AdminURL    string
	Token       string
	HTTPTimeout time.Duration
}

type EntitlementsConfig struct {
	BaseURL        string
	InternalSecret string
	HTTPTimeout    time.Duration
}

type FulfillmentConfig struct {
	SyncMaxAttempts   int
	SyncRetryDelay    time.Duration
	OpsAlertThreshold int32
	StaleAfter        time.Duration
	JobBatchSize      int32
}

type OffersConfig struct {
	ConfigPath string
}

type AlertsConfig struct {
	WebhookURL  string
	HTTPTimeout time.Duration
}

type JobsConfig struct {
	EntitlementsRetryInterval time.Duration
	ExpireStaleInterval       time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "fulfillment-service"),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Stripe: StripeConfig{
			WebhookSecret:             getEnv("STRIPE_WEBHOOK_SECRET", ""),
			AccountWebhookSecrets:     getListEnv("STRIPE_ACCOUNT_WEBHOOK_SECRETS"),
			SignatureToleranceSeconds: int64(getIntEnv("STRIPE_SIGNATURE_TOLERANCE_SECONDS", 300)),
		},
		PayPal: PayPalConfig{
			WebhookSecret: getEnv("PAYPAL_WEBHOOK_SECRET", ""),
		},
		GHL: GHLConfig{
			BaseURL:               getEnv("GHL_API_BASE_URL", "https://services.leadconnectorhq.com"),
			ContactAPIRoot:        getEnv("GHL_CONTACT_API_ROOT", ""),
			LocationID:            getEnv("GHL_LOCATION_ID", ""),
			AuthToken:             getEnv("GHL_AUTH_TOKEN", ""),
			APIVersion:            getEnv("GHL_API_VERSION", "2021-07-28"),
			WebhookSecret:         getEnv("GHL_WEBHOOK_SECRET", ""),
			AffiliateFieldID:      getEnv("GHL_AFFILIATE_FIELD_ID", ""),
			PurchaseMetadataField: getEnv("GHL_CUSTOM_FIELD_PURCHASE_METADATA", "contact.purchase_metadata"),
			LicenseKeysField:      getEnv("GHL_CUSTOM_FIELD_LICENSE_KEYS", "contact.license_keys_v2"),
			HTTPTimeout:           getSecondsEnv("GHL_HTTP_TIMEOUT_SECONDS", 5*time.Second),
		},
		License: LicenseConfig{
			AdminURL:    getEnv("LICENSE_ADMIN_URL", ""),
			Token:       getEnv("LICENSE_ADMIN_TOKEN", ""),
			HTTPTimeout: getSecondsEnv("LICENSE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Entitlements: EntitlementsConfig{
			BaseURL:        getEnv("AUTH_SERVICE_BASE_URL", ""),
			InternalSecret: getEnv("AUTH_INTERNAL_SECRET", ""),
			HTTPTimeout:    getSecondsEnv("ENTITLEMENTS_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Fulfillment: FulfillmentConfig{
			SyncMaxAttempts:   getIntEnv("FULFILLMENT_SYNC_MAX_ATTEMPTS", 3),
			SyncRetryDelay:    getMillisEnv("FULFILLMENT_SYNC_RETRY_DELAY_MS", 250*time.Millisecond),
			OpsAlertThreshold: int32(getIntEnv("FULFILLMENT_OPS_ALERT_THRESHOLD", 3)),
			StaleAfter:        getMinutesEnv("FULFILLMENT_STALE_AFTER_MINUTES", 60*time.Minute),
			JobBatchSize:      int32(getIntEnv("FULFILLMENT_JOB_BATCH_SIZE", 100)),
		},
		Offers: OffersConfig{
			ConfigPath: getEnv("OFFERS_CONFIG_PATH", ""),
		},
		Alerts: AlertsConfig{
			WebhookURL:  getEnv("OPS_ALERT_WEBHOOK_URL", ""),
			HTTPTimeout: getSecondsEnv("OPS_ALERT_HTTP_TIMEOUT_SECONDS", 5*time.Second),
		},
		Jobs: JobsConfig{
			EntitlementsRetryInterval: getMinutesEnv("JOBS_ENTITLEMENTS_RETRY_INTERVAL_MINUTES", 5*time.Minute),
			ExpireStaleInterval:       getMinutesEnv("JOBS_EXPIRE_STALE_INTERVAL_MINUTES", 10*time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if millis, err := strconv.Atoi(value); err == nil {
			return time.Duration(millis) * time.Millisecond
		}
	}
	return defaultValue
}
