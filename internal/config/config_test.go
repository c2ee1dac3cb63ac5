package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "LeoPrime-Chain/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "leoprime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEMO_MODE", "true")

	path := writeConfig(t, `
server:
  address: ":9090"
paywall:
  prices:
    voyage: 0.25
agent:
  verify_delay: 250ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "s3cret", cfg.Paywall.JWTSecret)
	assert.Equal(t, "sk-test", cfg.Reasoner.OpenAI.APIKey)
	assert.True(t, cfg.Agent.DemoMode)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent.VerifyDelay)
	assert.Equal(t, 5, cfg.Agent.TopK)
	assert.Equal(t, 500, cfg.Agent.PreviewChars)
	assert.Equal(t, 24*time.Hour, cfg.Paywall.TokenTTL)
	assert.Equal(t, "leo-prime", cfg.Paywall.Issuer)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, "local", cfg.Paywall.Lock.Driver)
	assert.InDelta(t, 0.25, cfg.Paywall.PriceFor("voyage"), 1e-9)
	assert.InDelta(t, 0.5, cfg.Paywall.PriceFor("mongodb"), 1e-9)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
}

func TestLoadFailsFastWithoutSigningSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	_, err := Load(writeConfig(t, "server:\n  address: \":8080\"\n"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cases := map[string]string{
		"mysql without dsn":  "storage:\n  driver: mysql\n",
		"redis queue":        "queue:\n  driver: redis\n",
		"unknown memory":     "memory:\n  backend: faiss\n",
		"negative price":     "paywall:\n  prices:\n    voyage: -1\n",
		"web3 without chain": "web3:\n  enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
		})
	}
}

func TestRedisEnablesDistributedLock(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Paywall.Lock.Driver)
}
