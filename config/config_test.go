package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "AIReview:", cfg.Redis.InstancePrefix)
	assert.Equal(t, 30, cfg.Locks.TTLSeconds)
	assert.Equal(t, 5, cfg.Locks.HeartbeatIntervalSeconds)
	assert.Equal(t, 15, cfg.Locks.LivenessWindowSeconds)
	assert.Equal(t, 300, cfg.Locks.DedupWindowSeconds)
	assert.Equal(t, 30, cfg.Jobs.ExecutionTimeoutMinutes)
	assert.Equal(t, 8, cfg.LLM.PerProviderConcurrency)
	assert.Equal(t, 500, cfg.LLM.Retry.BaseMs)
	assert.Equal(t, 15000, cfg.LLM.Retry.CapMs)
	assert.Equal(t, 4, cfg.LLM.Retry.MaxAttempts)
	assert.Equal(t, 3000, cfg.Chunker.TargetTokens)
	assert.Equal(t, 4, cfg.Review.ChunkParallelism)
}

func TestValidate_CrossFieldConstraints(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "lock ttl too small for heartbeat",
			mutate: func(c *Config) {
				c.Locks.TTLSeconds = 15
				c.Locks.HeartbeatIntervalSeconds = 5
			},
			wantErr: "must exceed 3x",
		},
		{
			name: "lock ttl exceeds job timeout",
			mutate: func(c *Config) {
				c.Locks.TTLSeconds = 7200
				c.Locks.HeartbeatIntervalSeconds = 60
				c.Locks.LivenessWindowSeconds = 120
			},
			wantErr: "must not exceed jobs.executionTimeoutMinutes",
		},
		{
			name: "retry cap below base",
			mutate: func(c *Config) {
				c.LLM.Retry.BaseMs = 2000
				c.LLM.Retry.CapMs = 1000
			},
			wantErr: "capMs",
		},
		{
			name: "default provider unknown",
			mutate: func(c *Config) {
				c.LLM.DefaultProvider = "nope"
			},
			wantErr: "no entry in llm.providers",
		},
		{
			name: "fallback provider without model",
			mutate: func(c *Config) {
				c.LLM.FallbackProvider = "openai"
				c.LLM.FallbackModel = ""
			},
			wantErr: "fallbackModel is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
redis:
  connectionString: redis://redis.internal:6379/1
  instancePrefix: "Staging:"
locks:
  ttlSeconds: 60
  heartbeatIntervalSeconds: 10
  livenessWindowSeconds: 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://redis.internal:6379/1", cfg.Redis.ConnectionString)
	assert.Equal(t, "Staging:", cfg.Redis.InstancePrefix)
	assert.Equal(t, 60*time.Second, cfg.Locks.TTL())
	// Untouched sections keep defaults.
	assert.Equal(t, 3000, cfg.Chunker.TargetTokens)
	assert.Equal(t, 4, cfg.Review.ChunkParallelism)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Redis.InstancePrefix, cfg.Redis.InstancePrefix)
}

func TestLoad_InvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("locks:\n  ttlSeconds: 1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("AIREVIEW_TEST_KEY", "sk-secret")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"set variable", "apiKey: ${AIREVIEW_TEST_KEY}", "apiKey: sk-secret"},
		{"unset with default", "addr: ${AIREVIEW_TEST_UNSET:-localhost:6379}", "addr: localhost:6379"},
		{"set wins over default", "apiKey: ${AIREVIEW_TEST_KEY:-fallback}", "apiKey: sk-secret"},
		{"unset without default", "x: ${AIREVIEW_TEST_UNSET}", "x: "},
		{"no references", "plain: value", "plain: value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnv(tt.in))
		})
	}
}
