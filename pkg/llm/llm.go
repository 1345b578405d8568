// Package llm defines the provider abstraction used by the orchestration
// core and its OpenAI and Anthropic adapters. Adapters translate vendor
// error shapes into a closed error set so callers can make uniform
// retry/fallback decisions.
package llm

import (
	"context"
	"io"
	"unicode/utf8"

	"github.com/stationd/stationd/pkg/config"
)

// Role identifies the author of a chat message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a synchronous chat completion.
type Completion struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Request describes one chat completion call.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
}

// Stream is a finite, non-restartable sequence of text deltas. Recv returns
// io.EOF when the provider has finished; Close releases the underlying
// connection and stops further reads promptly.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider is the capability surface the core depends on.
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (*Completion, error)
	ChatCompletionStream(ctx context.Context, req Request) (Stream, error)
	ProviderType() config.ProviderType
}

// NewProvider constructs the adapter matching the provider configuration.
func NewProvider(name string, cfg *config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case config.ProviderOpenAI:
		return NewOpenAI(name, cfg)
	case config.ProviderAnthropic:
		return NewAnthropic(name, cfg)
	default:
		return nil, &ProviderError{Kind: ErrInvalidModel, Provider: name,
			Message: "unknown provider type " + string(cfg.Type)}
	}
}

// chunkedStream adapts a completed text into the Stream contract, emitting
// fixed-size segments. Used when a provider lacks true streaming.
type chunkedStream struct {
	remaining string
	size      int
}

// NewChunkedStream wraps text in a Stream that yields size-byte segments.
func NewChunkedStream(text string, size int) Stream {
	if size <= 0 {
		size = 64
	}
	return &chunkedStream{remaining: text, size: size}
}

func (s *chunkedStream) Recv() (string, error) {
	if s.remaining == "" {
		return "", io.EOF
	}
	if s.size >= len(s.remaining) {
		chunk := s.remaining
		s.remaining = ""
		return chunk, nil
	}
	// Never cut mid-rune: back up to the nearest rune start, or widen to
	// cover a rune longer than the segment size.
	n := s.size
	for n > 0 && !utf8.RuneStart(s.remaining[n]) {
		n--
	}
	if n == 0 {
		_, w := utf8.DecodeRuneInString(s.remaining)
		n = w
	}
	chunk := s.remaining[:n]
	s.remaining = s.remaining[n:]
	return chunk, nil
}

func (s *chunkedStream) Close() error {
	s.remaining = ""
	return nil
}
