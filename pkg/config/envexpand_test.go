package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "api_key: {{.STATIOND_TEST_API_KEY}}",
			env:   map[string]string{"STATIOND_TEST_API_KEY": "sk-secret123"},
			want:  "api_key: sk-secret123",
		},
		{
			name:  "literal ${VAR} is NOT expanded (no collision)",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "regex anchors with $ are preserved",
			input: `trigger: "^invoice.*\\.pdf$"`,
			env:   map[string]string{},
			want:  `trigger: "^invoice.*\\.pdf$"`,
		},
		{
			name:  "multiple substitutions in one line",
			input: "base_url: {{.STATIOND_TEST_SCHEME}}://{{.STATIOND_TEST_HOST}}:{{.STATIOND_TEST_PORT}}",
			env: map[string]string{
				"STATIOND_TEST_SCHEME": "https",
				"STATIOND_TEST_HOST":   "gateway.internal",
				"STATIOND_TEST_PORT":   "8443",
			},
			want: "base_url: https://gateway.internal:8443",
		},
		{
			name:  "missing variable expands to empty",
			input: "api_key: {{.STATIOND_TEST_MISSING}}",
			env:   map[string]string{},
			want:  "api_key: ",
		},
		{
			name:  "mixed present and missing variables",
			input: "url: {{.STATIOND_TEST_SCHEME}}://{{.STATIOND_TEST_MISSING}}:{{.STATIOND_TEST_PORT}}",
			env: map[string]string{
				"STATIOND_TEST_SCHEME": "https",
				"STATIOND_TEST_PORT":   "8443",
			},
			want: "url: https://:8443",
		},
		{
			name:  "no substitution when no variables",
			input: "chat_model: gpt-4o",
			env:   map[string]string{"STATIOND_TEST_UNUSED": "value"},
			want:  "chat_model: gpt-4o",
		},
		{
			name:  "variables in YAML array",
			input: "allowed_origins:\n  - {{.STATIOND_TEST_ORIGIN1}}\n  - {{.STATIOND_TEST_ORIGIN2}}",
			env: map[string]string{
				"STATIOND_TEST_ORIGIN1": "http://localhost:3000",
				"STATIOND_TEST_ORIGIN2": "https://station.example.com",
			},
			want: "allowed_origins:\n  - http://localhost:3000\n  - https://station.example.com",
		},
		{
			name:  "variables in nested YAML structure",
			input: "llm_providers:\n  main:\n    api_key: {{.STATIOND_TEST_KEY}}\n    base_url: {{.STATIOND_TEST_URL}}",
			env: map[string]string{
				"STATIOND_TEST_KEY": "sk-abc",
				"STATIOND_TEST_URL": "https://proxy.internal/v1",
			},
			want: "llm_providers:\n  main:\n    api_key: sk-abc\n    base_url: https://proxy.internal/v1",
		},
		{
			name:  "special characters in expanded value",
			input: "api_key: {{.STATIOND_TEST_SPECIAL}}",
			env:   map[string]string{"STATIOND_TEST_SPECIAL": "p@ssw0rd!#$%"},
			want:  "api_key: p@ssw0rd!#$%",
		},
		{
			name:  "literal dollar in value is preserved",
			input: "uploads_dir: /srv/$tenant/uploads",
			env:   map[string]string{},
			want:  "uploads_dir: /srv/$tenant/uploads",
		},
		{
			name:  "variable in quoted string",
			input: `packs_dir: "{{.STATIOND_TEST_PACKS}}"`,
			env:   map[string]string{"STATIOND_TEST_PACKS": "/opt/packs"},
			want:  `packs_dir: "/opt/packs"`,
		},
		{
			name:  "empty string variable",
			input: "chat_model: {{.STATIOND_TEST_EMPTY}}",
			env:   map[string]string{"STATIOND_TEST_EMPTY": ""},
			want:  "chat_model: ",
		},
		{
			name:  "adjacent variables without separator",
			input: "{{.STATIOND_TEST_A}}{{.STATIOND_TEST_B}}",
			env: map[string]string{
				"STATIOND_TEST_A": "hello",
				"STATIOND_TEST_B": "world",
			},
			want: "helloworld",
		},
		{
			name: "complex YAML with multiple variables",
			input: `
llm_providers:
  main:
    type: openai
    api_key: {{.STATIOND_TEST_KEY}}
    default_model: {{.STATIOND_TEST_MODEL}}
`,
			env: map[string]string{
				"STATIOND_TEST_KEY":   "sk-xyz",
				"STATIOND_TEST_MODEL": "gpt-4o-mini",
			},
			want: `
llm_providers:
  main:
    type: openai
    api_key: sk-xyz
    default_model: gpt-4o-mini
`,
		},
		{
			name:  "malformed template syntax passes through unchanged",
			input: "api_key: {{.UNCLOSED",
			env:   map[string]string{"UNCLOSED": "nope"},
			want:  "api_key: {{.UNCLOSED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

func TestExpandEnvPreservesOriginalWhenNoVariables(t *testing.T) {
	input := `
# Workstation defaults
chat_model: gpt-4o
sampling:
  rate_limit: 10
  rate_window: 60s
allowed_origins:
  - http://localhost:3000
`

	result := ExpandEnv([]byte(input))
	assert.Equal(t, input, string(result), "content without variables should be unchanged")
}

func TestExpandEnvWithEmptyInput(t *testing.T) {
	result := ExpandEnv([]byte(""))
	assert.Equal(t, "", string(result))
}
