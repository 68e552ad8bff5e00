package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("UPLOAD_DIR", filepath.Join(t.TempDir(), "uploads"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("UPLOAD_DIR", filepath.Join(t.TempDir(), "uploads"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "zing-server", cfg.AppName)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.NotEmpty(t, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("UPLOAD_DIR", filepath.Join(t.TempDir(), "uploads"))
	t.Setenv("HTTP_PORT", "9001")
	t.Setenv("TOKEN_TTL_MINUTES", "30")
	t.Setenv("CORS_ORIGINS", "https://zing.example, https://admin.zing.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.TokenTTL)
	assert.Equal(t, []string{"https://zing.example", "https://admin.zing.example"}, cfg.CORSOrigins)
}
