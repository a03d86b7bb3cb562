package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "wapp.db", cfg.DBPath)
	assert.Equal(t, 168, cfg.TokenTTL)
	assert.False(t, cfg.AllowReset)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.JWTSecret)
	assert.Empty(t, cfg.ResetOperator)
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := Load()
	assert.ErrorIs(t, cfg.Validate(), ErrMissingSecret)

	t.Setenv("WAPP_JWT_SECRET", "s3cret")
	cfg = Load()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WAPP_PORT", "9000")
	t.Setenv("WAPP_DB_PATH", "/tmp/x.db")
	t.Setenv("WAPP_ALLOW_RESET", "true")
	t.Setenv("WAPP_ALLOWED_ORIGINS", "http://a.example, http://b.example ,")
	t.Setenv("WAPP_LOG_LEVEL", "debug")
	t.Setenv("WAPP_RESET_OPERATOR", "100")
	t.Setenv("WAPP_READ_TIMEOUT", "not-a-number")

	cfg := Load()

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.True(t, cfg.AllowReset)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 60, cfg.ReadTimeout)
	assert.Equal(t, "100", cfg.ResetOperator)
}
