// Package config defines the process configuration for the EmpowerHer
// billing service. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"empowerher/internal/types"
)

// SecretString is an alias for types.SecretString so config structs can be
// declared without importing types everywhere.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Components receive only the sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"empowerher-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Paystack      PaystackConfig
	IntaSend      IntaSendConfig
	Stripe        StripeConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build metadata is injected via ldflags, not the environment.
	Build BuildInfo
}

// IsDevelopment reports whether detailed internal error messages may be
// returned to clients.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "local" || c.Environment == "dev"
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs without a trailing slash.
	APIExternalURL string        `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
	FrontendURL    string        `envconfig:"FRONTEND_URL" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	ConnectRetries    int           `envconfig:"DB_CONNECT_RETRIES" default:"3"`
	RunMigrations     bool          `envconfig:"DB_RUN_MIGRATIONS" default:"false"`
}

// RedisConfig holds the connection used for rate limiting and webhook replay
// suppression. An empty URL disables both (in-memory fallbacks are used).
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL"`
	ConnectRetries int           `envconfig:"REDIS_CONNECT_RETRIES" default:"3"`
	RetryInterval  time.Duration `envconfig:"REDIS_RETRY_INTERVAL" default:"2s"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"10s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-west-1"`

	// BillingEventsQueue receives subscription change messages for the
	// notification senders. Empty disables publishing.
	BillingEventsQueue string `envconfig:"SQS_BILLING_EVENTS" validate:"omitempty,url"`
	// ReconcileQueue receives verified payment events when
	// Billing.ReconcileMode is "queue".
	ReconcileQueue string `envconfig:"SQS_RECONCILE" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds gateway-agnostic billing settings.
type BillingConfig struct {
	// DefaultGateway handles initiate-payment and the unqualified webhook route.
	DefaultGateway types.GatewayName `envconfig:"BILLING_GATEWAY" default:"paystack" validate:"oneof=paystack intasend stripe"`
	CallbackURL    string            `envconfig:"BILLING_CALLBACK_URL" validate:"omitempty,url"`
	GatewayTimeout time.Duration     `envconfig:"BILLING_GATEWAY_TIMEOUT" default:"15s"`
	// FreeReportsFallback applies when the free plan's cap is missing or zero.
	FreeReportsFallback int    `envconfig:"BILLING_FREE_REPORTS_FALLBACK" default:"3" validate:"min=1"`
	Currency            string `envconfig:"BILLING_CURRENCY" default:"KES" validate:"len=3"`
	// ReconcileMode is "inline" (webhook handler reconciles) or "queue"
	// (webhook handler enqueues; reconcile-worker applies).
	ReconcileMode string `envconfig:"RECONCILE_MODE" default:"inline" validate:"oneof=inline queue"`
}

// PaystackConfig holds Paystack credentials. WebhookSecret falls back to the
// secret key, which is how Paystack signs webhooks.
type PaystackConfig struct {
	SecretKey     SecretString `envconfig:"PAYSTACK_SECRET_KEY"`
	PublicKey     string       `envconfig:"PAYSTACK_PUBLIC_KEY"`
	WebhookSecret SecretString `envconfig:"PAYSTACK_WEBHOOK_SECRET"`
	BaseURL       string       `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co" validate:"url"`
}

// IntaSendConfig holds IntaSend credentials.
type IntaSendConfig struct {
	PublishableKey string       `envconfig:"INTASEND_PUBLISHABLE_KEY"`
	SecretKey      SecretString `envconfig:"INTASEND_SECRET_KEY"`
	WebhookSecret  SecretString `envconfig:"INTASEND_WEBHOOK_SECRET"`
	BaseURL        string       `envconfig:"INTASEND_BASE_URL" default:"https://payment.intasend.com" validate:"url"`
}

// StripeConfig holds Stripe credentials for card checkout.
type StripeConfig struct {
	SecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	BaseURL       string       `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`
}

// SecurityConfig holds CORS and rate limiting settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	PaymentRateLimit   int           `envconfig:"PAYMENT_RATE_LIMIT" default:"5" validate:"min=1"`
	PaymentRateWindow  time.Duration `envconfig:"PAYMENT_RATE_WINDOW" default:"1m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"EmpowerHer"`

	// EnableMetrics publishes to CloudWatch.
	EnableMetrics bool `envconfig:"ENABLE_METRICS" default:"false"`

	// PrometheusEnabled exposes /metrics on the HTTP server.
	PrometheusEnabled bool `envconfig:"PROMETHEUS_ENABLED" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
