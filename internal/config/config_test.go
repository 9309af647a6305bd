package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"APP_PORT", "REACTOR_BUS", "REACTOR_RESULT_TTL", "TYPING_STOP_TIMEOUT_MS", "JWT_SECRET", "GO_ENV"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "", cfg.App.Port, "a set but empty variable wins over the default")
	assert.Equal(t, "", cfg.Reactor.Bus)
	assert.Equal(t, 5*time.Minute, cfg.Reactor.ResultTTL)
	assert.Equal(t, time.Second, cfg.Typing.StopTimeout)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("APP_PORT", "8080")
	t.Setenv("GO_ENV", "production")
	t.Setenv("REACTOR_BUS", "NATS")
	t.Setenv("REACTOR_RESULT_TTL", "30s")
	t.Setenv("TYPING_STOP_TIMEOUT_MS", "250")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg := Load()

	assert.Equal(t, "8080", cfg.App.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, BusNats, cfg.Reactor.Bus)
	assert.Equal(t, 30*time.Second, cfg.Reactor.ResultTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Typing.StopTimeout)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestGetEnvAsIntFallsBack(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	assert.Equal(t, 7, getEnvAsInt("SOME_INT", 7))
	t.Setenv("SOME_INT", "12")
	assert.Equal(t, 12, getEnvAsInt("SOME_INT", 7))
}
