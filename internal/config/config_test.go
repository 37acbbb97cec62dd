package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	t.Run("non-existent config file", func(t *testing.T) {
		cfg, err := Load("invalid/path/to/config.yml")

		assert.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Nil(t, cfg)
	})

	t.Run("invalid config file", func(t *testing.T) {
		data := `http_server:
  port: not number
postgres:
  user: test
  password: test
  db: test`

		f := createTempFile(t, []byte(data))
		cfg, err := Load(f.Name())

		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("success", func(t *testing.T) {
		data := `postgres:
  user: test
  password: test
  db: test
redis:
  addr: localhost:6379
rate_limit:
  max_attempts: 10
  window: 1m
  block_duration: 15m`

		f := createTempFile(t, []byte(data))
		cfg, err := Load(f.Name())

		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		var wantCfg Config
		setDefaults(&wantCfg)

		wantCfg.Postgres.User = "test"
		wantCfg.Postgres.Password = "test"
		wantCfg.Postgres.DB = "test"
		wantCfg.Redis.Addr = "localhost:6379"
		wantCfg.RateLimit.MaxAttempts = 10
		wantCfg.RateLimit.Window = time.Minute
		wantCfg.RateLimit.BlockDuration = 15 * time.Minute

		assert.Equal(t, wantCfg, *cfg)
	})

	t.Run("api key from environment", func(t *testing.T) {
		t.Setenv("TESTGEN_API_KEY", "secret")

		f := createTempFile(t, []byte(`env: prod`))
		cfg, err := Load(f.Name())

		assert.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, "secret", cfg.TestGen.APIKey)
	})
}

func createTempFile(t testing.TB, data []byte) *os.File {
	t.Helper()

	f, err := os.CreateTemp("", "config.yml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	t.Cleanup(func() {
		f.Close()
		os.Remove(f.Name())
	})

	if _, err := f.Write(data); err != nil {
		t.Fatalf("Failed to write to file: %v", err)
	}

	return f
}
