// Package config loads and validates the process configuration: LLM
// providers, hook policy, sampling gate limits, queue sizing, storage paths
// and the playbook discovery roots. Configuration is a read-mostly snapshot
// built once at startup; runtime workspace settings live in the store.
package config

import "time"

// Config is the fully resolved process configuration.
type Config struct {
	configDir string

	// ChatModel is the default model identifier for conversation and plan
	// generation. May be overridden by the chat_model system setting in the
	// store; absence of both is a hard error on the first provider call.
	ChatModel string

	// Providers is the merged LLM provider registry.
	Providers *ProviderRegistry

	// Hooks controls the event-hook runner allow-set.
	Hooks HooksConfig

	// Sampling controls the sampling gate.
	Sampling SamplingConfig

	// Queue controls the background turn runner.
	Queue *QueueConfig

	// Playbooks controls playbook discovery.
	Playbooks PlaybooksConfig

	// Retention controls event log pruning.
	Retention RetentionConfig

	// UploadsDir is the file storage root for uploads.
	UploadsDir string

	// AllowedOrigins is the CORS allow-list for the HTTP API.
	AllowedOrigins []string
}

// HooksConfig holds the event-hook runner policy.
type HooksConfig struct {
	// Enabled is the hook allow-set. Hooks outside this set are skipped
	// without running. Overridable via the ENABLED_HOOKS env key.
	Enabled []string `yaml:"enabled,omitempty"`
}

// SamplingConfig holds the sampling gate policy.
type SamplingConfig struct {
	// AllowedTemplates is the closed template allowlist. Overridable via
	// the ALLOWED_TEMPLATES env key.
	AllowedTemplates []string `yaml:"allowed_templates,omitempty"`

	// RateLimit is the max sampling requests per workspace per window.
	RateLimit int `yaml:"rate_limit,omitempty"`

	// RateWindow is the sliding rate-limit window.
	RateWindow time.Duration `yaml:"rate_window,omitempty"`

	// Timeout bounds a single sampling call.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// PlaybooksConfig holds playbook discovery settings.
type PlaybooksConfig struct {
	// PacksDir is the root directory scanned for capability pack manifests.
	// Empty disables pack discovery.
	PacksDir string `yaml:"packs_dir,omitempty"`
}

// RetentionConfig controls background event pruning.
type RetentionConfig struct {
	// EventTTLDays is how long non-message events are kept. Zero disables
	// pruning.
	EventTTLDays int `yaml:"event_ttl_days,omitempty"`

	// SweepInterval is how often the pruning ticker fires.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// HookEnabled reports whether a hook type is in the allow-set.
func (c *Config) HookEnabled(hookType string) bool {
	for _, h := range c.Hooks.Enabled {
		if h == hookType {
			return true
		}
	}
	return false
}

// TemplateAllowed reports whether a sampling template is in the allowlist.
func (c *Config) TemplateAllowed(template string) bool {
	for _, t := range c.Sampling.AllowedTemplates {
		if t == template {
			return true
		}
	}
	return false
}
