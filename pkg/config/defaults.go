package config

import "time"

// Hook types known to the event-hook runner.
const (
	HookIntentExtract  = "intent_extract"
	HookStewardAnalyze = "steward_analyze"
)

// Sampling templates known to the sampling gate.
const (
	TemplateIntentExtract     = "intent_extract"
	TemplateStewardAnalyze    = "steward_analyze"
	TemplatePlanBuild         = "plan_build"
	TemplateAgentTaskDispatch = "agent_task_dispatch"
)

// DefaultEnabledHooks is the built-in hook allow-set.
func DefaultEnabledHooks() []string {
	return []string{HookIntentExtract, HookStewardAnalyze}
}

// DefaultAllowedTemplates is the built-in sampling template allowlist.
func DefaultAllowedTemplates() []string {
	return []string{
		TemplateIntentExtract,
		TemplateStewardAnalyze,
		TemplatePlanBuild,
		TemplateAgentTaskDispatch,
	}
}

// Sampling gate defaults.
const (
	DefaultSamplingRateLimit = 10
	DefaultSamplingWindow    = 60 * time.Second
	DefaultSamplingTimeout   = 30 * time.Second
)

// DefaultSamplingConfig returns the built-in sampling gate settings.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		AllowedTemplates: DefaultAllowedTemplates(),
		RateLimit:        DefaultSamplingRateLimit,
		RateWindow:       DefaultSamplingWindow,
		Timeout:          DefaultSamplingTimeout,
	}
}

// DefaultRetentionConfig returns the built-in retention settings.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		EventTTLDays:  30,
		SweepInterval: 6 * time.Hour,
	}
}

// modelInputBudgets maps model identifiers to their advertised input token
// budgets. Models absent from the table fall back to DefaultInputBudget.
var modelInputBudgets = map[string]int{
	"gpt-3.5-turbo":       12000,
	"gpt-4o":              120000,
	"gpt-4o-mini":         120000,
	"gpt-4.1":             120000,
	"claude-sonnet-4-5":   180000,
	"claude-haiku-4-5":    180000,
	"claude-opus-4-1":     180000,
	"deepseek-chat":       60000,
	"qwen-plus":           120000,
	"gemini-2.0-flash":    120000,
	"glm-4-plus":          120000,
	"llama-3.3-70b":       120000,
	"mistral-large-24-11": 120000,
}

// DefaultInputBudget is the safe fallback input budget for unknown models.
const DefaultInputBudget = 8000

// ModelInputBudget returns the advertised input token budget for a model,
// falling back to DefaultInputBudget for unknown identifiers.
func ModelInputBudget(model string) int {
	if budget, ok := modelInputBudgets[model]; ok {
		return budget
	}
	return DefaultInputBudget
}
