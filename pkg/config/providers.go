package config

import (
	"fmt"
	"os"
)

// ProviderType is the closed set of supported LLM provider kinds.
type ProviderType string

// Provider types.
const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
)

// ProviderConfig describes one configured LLM provider.
type ProviderConfig struct {
	Type ProviderType `yaml:"type"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// APIKey is the resolved key (after env expansion). Never logged.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the vendor endpoint (proxies, compatible gateways).
	BaseURL string `yaml:"base_url,omitempty"`

	// DefaultModel is used when a request does not name a model.
	DefaultModel string `yaml:"default_model,omitempty"`

	// MaxTokens caps completion length when a request does not set one.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Temperature is the default sampling temperature.
	Temperature float64 `yaml:"temperature,omitempty"`
}

// ResolveAPIKey returns the configured key, falling back to the environment
// variable named by APIKeyEnv.
func (p *ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// ProviderRegistry is an immutable name → provider config lookup.
type ProviderRegistry struct {
	providers map[string]*ProviderConfig
	defaultID string
}

// NewProviderRegistry builds a registry from merged provider configs.
func NewProviderRegistry(providers map[string]*ProviderConfig, defaultID string) *ProviderRegistry {
	return &ProviderRegistry{providers: providers, defaultID: defaultID}
}

// Get returns a provider config by name.
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return p, nil
}

// Default returns the configured default provider.
func (r *ProviderRegistry) Default() (*ProviderConfig, error) {
	if r.defaultID == "" {
		return nil, fmt.Errorf("%w: no default provider configured", ErrProviderNotFound)
	}
	return r.Get(r.defaultID)
}

// DefaultID returns the name of the default provider.
func (r *ProviderRegistry) DefaultID() string { return r.defaultID }

// Names returns all configured provider names.
func (r *ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
