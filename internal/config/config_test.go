package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, time.Second, cfg.Outbox.SweepInterval)
	require.Equal(t, 500, cfg.Outbox.BatchSize)
	require.Equal(t, 300_000, cfg.Outbox.MaxBackoffMillis)
	require.Equal(t, 10*time.Second, cfg.Outbox.StuckThreshold)
	require.Equal(t, 32, cfg.Outbox.FastPathConcurrency)
	require.Equal(t, 60*time.Second, cfg.Consumer.HandlerLease)
	require.Equal(t, 3, cfg.Consumer.MaxRetries)
	require.Equal(t, []string{"timeout", "connection", "temporary", "deadlock"},
		cfg.Consumer.TransientErrorPatterns)
	require.Equal(t, 3, cfg.Process.MaxRetriesDefault)
	require.Equal(t, 2*time.Second, cfg.Process.ReplyWaitTTL)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "unknown broker kind",
			mutate:  func(c *Config) { c.Broker.Kind = "kafka" },
			wantErr: "broker.kind",
		},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Broker.Kind = "redis"
				c.Broker.RedisAddr = ""
			},
			wantErr: "redis_addr",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.Outbox.SweepInterval = 0 },
			wantErr: "sweep_interval",
		},
		{
			name:    "negative batch size",
			mutate:  func(c *Config) { c.Outbox.BatchSize = -1 },
			wantErr: "batch_size",
		},
		{
			name:    "zero fastpath concurrency",
			mutate:  func(c *Config) { c.Outbox.FastPathConcurrency = 0 },
			wantErr: "fastpath_concurrency",
		},
		{
			name:    "zero handler lease",
			mutate:  func(c *Config) { c.Consumer.HandlerLease = 0 },
			wantErr: "handler_lease",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
