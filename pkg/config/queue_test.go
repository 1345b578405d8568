package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()

	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 4, cfg.WorkspaceConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.TurnTimeout)
	assert.Equal(t, 10*time.Minute, cfg.GracefulShutdownTimeout)
	assert.Equal(t, 64, cfg.QueueDepth)
}

func TestValidateQueue(t *testing.T) {
	base := func() *Config {
		return &Config{
			Providers: NewProviderRegistry(nil, ""),
			Sampling:  DefaultSamplingConfig(),
			Queue:     DefaultQueueConfig(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(*Config) {},
		},
		{
			name:    "worker count zero",
			mutate:  func(c *Config) { c.Queue.WorkerCount = 0 },
			wantErr: "worker_count",
		},
		{
			name:    "workspace concurrency negative",
			mutate:  func(c *Config) { c.Queue.WorkspaceConcurrency = -1 },
			wantErr: "workspace_concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			err := validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
