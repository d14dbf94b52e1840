// Package config reads the service configuration from the environment
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
)

var validate *validator.Validate = validator.New()

// Config is the typed service configuration
type Config struct {
	Environment string `env:"API_ENV" envDefault:"development" validate:"oneof=development production"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":42069"`
	SentryDSN   string `env:"SENTRY_DSN"`

	PostgresURI   string `env:"POSTGRES_URI,required" validate:"required"`
	RedisURI      string `env:"REDIS_URI"`
	RedisPassword string `env:"REDIS_PW"`
	AMQPURI       string `env:"AMQP_URI" validate:"omitempty,url"` // Lifecycle notifications are not published when empty

	JWTSigningKey string   `env:"JWT_SIGNING_KEY,required" validate:"min=16"`
	CORSOrigins   []string `env:"CORS_ORIGINS" envSeparator:","`

	StripeLiveSecretKey      string        `env:"STRIPE_LIVE_SECRET_KEY" validate:"required_without=StripeTestSecretKey"`
	StripeTestSecretKey      string        `env:"STRIPE_TEST_SECRET_KEY"`
	StripeLiveWebhookSecret  string        `env:"STRIPE_LIVE_WEBHOOK_SECRET" validate:"required_with=StripeLiveSecretKey"`
	StripeTestWebhookSecret  string        `env:"STRIPE_TEST_WEBHOOK_SECRET"`
	StripeDebugWebhookSecret string        `env:"STRIPE_DEBUG_WEBHOOK_SECRET"` // Secret of a local `stripe listen`, overrides the test secret
	WebhookTolerance         time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m" validate:"gte=0"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"noreply@localhost" validate:"required"`
	SiteName     string `env:"SITE_NAME" envDefault:"recur"`
	SiteURL      string `env:"SITE_URL" validate:"omitempty,url"`
}

// DotFile returns the .env file read for environment
func DotFile(environment string) string {
	if environment == "production" {
		return ".env.production"
	}
	return ".env.development"
}

// Load reads dotFile into the environment, if it exists, and parses the configuration.
// Variables already set in the environment take precedence over the file.
func Load(dotFile string) (*Config, error) {
	if err := godotenv.Load(dotFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, extErrors.Wrapf(err, "Cannot load configurations from %s", dotFile)
	}
	return Parse()
}

// Parse reads the configuration from the environment only
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, extErrors.Wrap(err, "Cannot parse configurations")
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, extErrors.Wrap(err, "Invalid configurations")
	}
	if len(cfg.StripeTestSecretKey) > 0 && len(cfg.StripeTestWebhookSecret) == 0 && len(cfg.StripeDebugWebhookSecret) == 0 {
		return nil, fmt.Errorf("STRIPE_TEST_WEBHOOK_SECRET or STRIPE_DEBUG_WEBHOOK_SECRET is required with STRIPE_TEST_SECRET_KEY")
	}
	return &cfg, nil
}

// IsProduction returns true when running with API_ENV=production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SMTPHostname returns host:port of the mail server
func (c *Config) SMTPHostname() string {
	return fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)
}

// LoginEnabled reports whether customers can sign in with an emailed PIN. Outside production
// the PIN is logged, so only redis is needed.
func (c *Config) LoginEnabled() bool {
	if len(c.RedisURI) == 0 {
		return false
	}
	return !c.IsProduction() || len(c.SMTPHost) > 0
}

// LoginLink returns the link mailed to customers
func (c *Config) LoginLink(uid, token string) string {
	return fmt.Sprintf("%s/customers/%s/%s", c.SiteURL, uid, token)
}
