package config

import "time"

// QueueConfig contains the background turn runner configuration.
type QueueConfig struct {
	// WorkerCount is the number of turn worker goroutines.
	WorkerCount int `yaml:"worker_count"`

	// WorkspaceConcurrency caps concurrent tasks dispatched within a single
	// workspace's turn.
	WorkspaceConcurrency int `yaml:"workspace_concurrency"`

	// TurnTimeout is the maximum wall-clock time for a background turn.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// GracefulShutdownTimeout is the max time to wait for active turns to
	// complete during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// QueueDepth is the buffered submission channel size. Submissions beyond
	// this are rejected with 503 rather than blocking the HTTP handler.
	QueueDepth int `yaml:"queue_depth"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             4,
		WorkspaceConcurrency:    4,
		TurnTimeout:             10 * time.Minute,
		GracefulShutdownTimeout: 10 * time.Minute,
		QueueDepth:              64,
	}
}
