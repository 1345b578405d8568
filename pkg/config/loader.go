package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// stationdYAMLConfig mirrors the stationd.yaml file structure.
type stationdYAMLConfig struct {
	ChatModel       string                     `yaml:"chat_model"`
	DefaultProvider string                     `yaml:"default_provider"`
	LLMProviders    map[string]*ProviderConfig `yaml:"llm_providers"`
	Hooks           *HooksConfig               `yaml:"hooks"`
	Sampling        *SamplingConfig            `yaml:"sampling"`
	Queue           *QueueConfig               `yaml:"queue"`
	Playbooks       *PlaybooksConfig           `yaml:"playbooks"`
	Retention       *RetentionConfig           `yaml:"retention"`
	UploadsDir      string                     `yaml:"uploads_dir"`
	AllowedOrigins  []string                   `yaml:"allowed_origins"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load stationd.yaml from configDir (missing file yields pure defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user config over built-in defaults
//  4. Apply process env overrides (ENABLED_HOOKS, ALLOWED_TEMPLATES,
//     RATE_LIMIT, RATE_WINDOW_SECONDS, UPLOADS_DIR)
//  5. Validate and return
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	raw, err := loadYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg, err := resolve(configDir, raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"providers", len(cfg.Providers.Names()),
		"enabled_hooks", cfg.Hooks.Enabled,
		"chat_model", cfg.ChatModel)

	return cfg, nil
}

// loadYAML reads and parses stationd.yaml. A missing file is not an error:
// the process can run on defaults plus environment overrides.
func loadYAML(configDir string) (*stationdYAMLConfig, error) {
	path := filepath.Join(configDir, "stationd.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No stationd.yaml found, using built-in defaults", "path", path)
			return &stationdYAMLConfig{}, nil
		}
		return nil, NewLoadError("stationd.yaml", err)
	}

	expanded := ExpandEnv(data)

	var raw stationdYAMLConfig
	if err := yaml.Unmarshal(expanded, &raw); err != nil {
		return nil, NewLoadError("stationd.yaml", fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &raw, nil
}

// resolve merges user YAML over built-in defaults into a Config.
func resolve(configDir string, raw *stationdYAMLConfig) (*Config, error) {
	sampling := DefaultSamplingConfig()
	if raw.Sampling != nil {
		if err := mergo.Merge(&sampling, raw.Sampling, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge sampling config: %w", err)
		}
	}

	queue := DefaultQueueConfig()
	if raw.Queue != nil {
		if err := mergo.Merge(queue, raw.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	retention := DefaultRetentionConfig()
	if raw.Retention != nil {
		if err := mergo.Merge(&retention, raw.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	hooks := HooksConfig{Enabled: DefaultEnabledHooks()}
	if raw.Hooks != nil && len(raw.Hooks.Enabled) > 0 {
		hooks.Enabled = raw.Hooks.Enabled
	}

	providers := make(map[string]*ProviderConfig, len(raw.LLMProviders))
	for name, p := range raw.LLMProviders {
		if p == nil {
			continue
		}
		resolved := *p
		if resolved.APIKey == "" && resolved.APIKeyEnv != "" {
			resolved.APIKey = os.Getenv(resolved.APIKeyEnv)
		}
		providers[name] = &resolved
	}

	defaultProvider := raw.DefaultProvider
	if defaultProvider == "" && len(providers) == 1 {
		for name := range providers {
			defaultProvider = name
		}
	}

	playbooks := PlaybooksConfig{}
	if raw.Playbooks != nil {
		playbooks = *raw.Playbooks
	}

	uploadsDir := raw.UploadsDir
	if uploadsDir == "" {
		uploadsDir = filepath.Join(os.TempDir(), "stationd-uploads")
	}

	return &Config{
		configDir:      configDir,
		ChatModel:      raw.ChatModel,
		Providers:      NewProviderRegistry(providers, defaultProvider),
		Hooks:          hooks,
		Sampling:       sampling,
		Queue:          queue,
		Playbooks:      playbooks,
		Retention:      retention,
		UploadsDir:     uploadsDir,
		AllowedOrigins: raw.AllowedOrigins,
	}, nil
}

// applyEnvOverrides applies the closed set of process env keys on top of the
// resolved configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENABLED_HOOKS"); v != "" {
		cfg.Hooks.Enabled = splitCSV(v)
	}
	if v := os.Getenv("ALLOWED_TEMPLATES"); v != "" {
		cfg.Sampling.AllowedTemplates = splitCSV(v)
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sampling.RateLimit = n
		} else {
			slog.Warn("Ignoring invalid RATE_LIMIT", "value", v)
		}
	}
	if v := os.Getenv("RATE_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sampling.RateWindow = time.Duration(n) * time.Second
		} else {
			slog.Warn("Ignoring invalid RATE_WINDOW_SECONDS", "value", v)
		}
	}
	if v := os.Getenv("UPLOADS_DIR"); v != "" {
		cfg.UploadsDir = v
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// validate performs eager validation on the resolved configuration.
func validate(cfg *Config) error {
	for _, name := range cfg.Providers.Names() {
		p, _ := cfg.Providers.Get(name)
		switch p.Type {
		case ProviderOpenAI, ProviderAnthropic:
		default:
			return &ValidationError{Component: "llm_provider", ID: name, Field: "type",
				Err: fmt.Errorf("%w: %q", ErrInvalidValue, p.Type)}
		}
		if p.APIKey == "" {
			return &ValidationError{Component: "llm_provider", ID: name, Field: "api_key",
				Err: ErrMissingRequiredField}
		}
	}
	if cfg.Sampling.RateLimit <= 0 {
		return &ValidationError{Component: "sampling", ID: "gate", Field: "rate_limit",
			Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	if cfg.Sampling.RateWindow <= 0 {
		return &ValidationError{Component: "sampling", ID: "gate", Field: "rate_window",
			Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	if cfg.Queue.WorkerCount <= 0 {
		return &ValidationError{Component: "queue", ID: "runner", Field: "worker_count",
			Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	if cfg.Queue.WorkspaceConcurrency <= 0 {
		return &ValidationError{Component: "queue", ID: "runner", Field: "workspace_concurrency",
			Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	return nil
}
