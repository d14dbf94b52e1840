package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("POSTGRES_URI", "postgres://recur@localhost/recur")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef")
	t.Setenv("STRIPE_TEST_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_TEST_WEBHOOK_SECRET", "whsec_test")
}

func TestParseDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("CORS_ORIGINS", "https://shop.example.com,https://admin.example.com")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, ":42069", cfg.ListenAddr)
	assert.Equal(t, time.Minute*5, cfg.WebhookTolerance)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, []string{"https://shop.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
	assert.False(t, cfg.LoginEnabled())
}

func TestParseRejectsIncompleteConfig(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_SIGNING_KEY", "short")
	_, err := Parse()
	assert.Error(t, err)

	setRequired(t)
	t.Setenv("STRIPE_TEST_WEBHOOK_SECRET", "")
	_, err = Parse()
	assert.Error(t, err)

	t.Setenv("STRIPE_DEBUG_WEBHOOK_SECRET", "whsec_cli")
	_, err = Parse()
	assert.NoError(t, err)

	t.Setenv("STRIPE_LIVE_SECRET_KEY", "sk_live_123")
	_, err = Parse()
	assert.Error(t, err, "a live key needs a live webhook secret")
}

func TestLoginEnabled(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_URI", "localhost:6379")
	cfg, err := Parse()
	require.NoError(t, err)
	assert.True(t, cfg.LoginEnabled())

	t.Setenv("API_ENV", "production")
	cfg, err = Parse()
	require.NoError(t, err)
	assert.False(t, cfg.LoginEnabled())

	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_FROM", "billing@example.com")
	cfg, err = Parse()
	require.NoError(t, err)
	assert.True(t, cfg.LoginEnabled())
	assert.Equal(t, "smtp.example.com:587", cfg.SMTPHostname())
}

func TestLoadDotFile(t *testing.T) {
	setRequired(t)
	dotFile := filepath.Join(t.TempDir(), ".env.development")
	require.NoError(t, os.WriteFile(dotFile, []byte("SITE_URL=https://shop.example.com\nLISTEN_ADDR=:8080\n"), 0o600))
	t.Setenv("LISTEN_ADDR", ":9090")
	// godotenv does not override variables that are already set, so clean up SITE_URL it adds
	t.Cleanup(func() {
		os.Unsetenv("SITE_URL")
	})

	cfg, err := Load(dotFile)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", cfg.SiteURL)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "https://shop.example.com/customers/uid/token", cfg.LoginLink("uid", "token"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)

	assert.Equal(t, ".env.production", DotFile("production"))
	assert.Equal(t, ".env.development", DotFile(""))
}
