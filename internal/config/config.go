// Package config defines the global configuration structure for the plan
// service. Configuration is loaded once at process initialization (Lambda
// cold start) and is immutable thereafter. It follows 12-Factor App
// principles by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> SecretProvider (Lowest)
//
// Any missing required value or invalid format causes the application to
// fail immediately on startup (fail fast).
package config

import (
	"time"

	"planguard/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the plan service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"planguard"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Providers     ProvidersConfig
	Identity      IdentityConfig
	Email         EmailConfig
	Security      SecurityConfig
	Sweeper       SweeperConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string `envconfig:"PORT" default:"8080"`
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"omitempty,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// EventQueue is the SQS queue decoupling webhook receipt from
	// processing. When empty, events are processed inline after the
	// provider is acknowledged (single-process deployments).
	EventQueue string `envconfig:"SQS_EVENTS" validate:"omitempty,url"`
	DlqURL     string `envconfig:"SQS_DLQ" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ProvidersConfig holds per-provider webhook verification material and
// plan mapping configuration.
type ProvidersConfig struct {
	StripeSecretKey SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`

	// Webhook secrets may be left unset only for providers listed in
	// PermissiveProviders; the verifier then runs in logged pass-through.
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	HotmartToken        SecretString `envconfig:"HOTMART_HOTTOK"`
	MercadoPagoSecret   SecretString `envconfig:"MERCADOPAGO_WEBHOOK_SECRET"`

	// Permissive mode accepts unverifiable notifications for a provider
	// whose secret is deliberately unset. Never enabled by default.
	PermissiveProviders []string `envconfig:"PERMISSIVE_PROVIDERS"`

	// Catalog is a JSON mapping of provider plan/price references to tiers.
	// Example: {"price_1Pro": "pro", "hotmart:12345": "plus"}
	// Empty means the built-in catalog is used alone.
	Catalog string `envconfig:"PLAN_CATALOG_JSON" validate:"omitempty,json"`
}

// IdentityConfig holds the upstream user-identity service settings used to
// resolve provider references and buyer emails to internal user IDs.
type IdentityConfig struct {
	BaseURL string       `envconfig:"IDENTITY_BASE_URL" validate:"required,url"`
	APIKey  SecretString `envconfig:"IDENTITY_API_KEY" validate:"required"`
	Timeout time.Duration `envconfig:"IDENTITY_TIMEOUT" default:"5s"`
}

// EmailConfig holds email delivery provider credentials.
type EmailConfig struct {
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@planguard.io"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"Planguard Billing"`
	WelcomeTemplate string      `envconfig:"EMAIL_WELCOME_TEMPLATE"`
	Enabled        bool         `envconfig:"FEATURE_ENABLE_EMAIL" default:"true"`
}

// SecurityConfig holds admin access and CORS settings.
type SecurityConfig struct {
	AdminAPIKey        SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// SweeperConfig holds expiration sweep tuning parameters.
type SweeperConfig struct {
	BatchSize   int `envconfig:"SWEEP_BATCH_SIZE" default:"500"`
	Concurrency int `envconfig:"SWEEP_CONCURRENCY" default:"8"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Planguard"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a failure when fetching secrets from the provider.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
