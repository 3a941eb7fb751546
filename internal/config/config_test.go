package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.QueueName)
	assert.Equal(t, 5, cfg.Concurrency)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.StalledTimeout)
	assert.Equal(t, time.Second, cfg.BaseRetryDelay)
	assert.Equal(t, 60*time.Second, cfg.JobTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, "redis", cfg.IndexBackend)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONCURRENCY", "12")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("INDEX_BACKEND", "memory")
	t.Setenv("QUEUE_NAME", "emails")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "memory", cfg.IndexBackend)
	assert.Equal(t, "emails", cfg.QueueName)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"STORE_BACKEND": "mysql",
		"INDEX_BACKEND": "kafka",
		"CONCURRENCY":   "0",
		"MAX_ATTEMPTS":  "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestSplitDeploymentNeedsSharedIndex(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("INDEX_BACKEND", "memory")
	cfg, err := Load()
	require.NoError(t, err, "jobctl and embedded use may keep a memory index")
	assert.Error(t, cfg.ValidateSplitDeployment())

	t.Setenv("INDEX_BACKEND", "redis")
	cfg, err = Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateSplitDeployment())
}
