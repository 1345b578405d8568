package e2e

import (
	"context"
	"sync"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/llm"
)

// Benign defaults returned once a script queue is exhausted. The JSON object
// parses cleanly in every structured layer; the stream text stands in for an
// ordinary assistant reply.
const (
	defaultCompletionText = "{}"
	defaultStreamText     = "Understood. Let me take a look."
)

// ScriptedProvider implements llm.Provider with two consume-in-order queues,
// one per call shape. Structured pipeline layers, the plan builder and the
// steward use ChatCompletion; the streaming executor uses
// ChatCompletionStream. Exhausted queues fall back to benign defaults so a
// test only scripts the calls it asserts on.
type ScriptedProvider struct {
	mu          sync.Mutex
	completions []string
	streams     []string

	completionReqs []llm.Request
	streamReqs     []llm.Request
}

// NewScriptedProvider creates an empty scripted provider.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{}
}

// AddCompletion queues one ChatCompletion response.
func (p *ScriptedProvider) AddCompletion(text string) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, text)
	return p
}

// AddStream queues one ChatCompletionStream response.
func (p *ScriptedProvider) AddStream(text string) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, text)
	return p
}

// ChatCompletion implements llm.Provider.
func (p *ScriptedProvider) ChatCompletion(_ context.Context, req llm.Request) (*llm.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completionReqs = append(p.completionReqs, req)

	text := defaultCompletionText
	if len(p.completions) > 0 {
		text = p.completions[0]
		p.completions = p.completions[1:]
	}
	return &llm.Completion{
		Text:  text,
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// ChatCompletionStream implements llm.Provider.
func (p *ScriptedProvider) ChatCompletionStream(_ context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamReqs = append(p.streamReqs, req)

	text := defaultStreamText
	if len(p.streams) > 0 {
		text = p.streams[0]
		p.streams = p.streams[1:]
	}
	return llm.NewChunkedStream(text, 16), nil
}

// ProviderType implements llm.Provider.
func (p *ScriptedProvider) ProviderType() config.ProviderType { return config.ProviderOpenAI }

// CompletionCalls reports how many ChatCompletion calls were made.
func (p *ScriptedProvider) CompletionCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completionReqs)
}

// StreamCalls reports how many ChatCompletionStream calls were made.
func (p *ScriptedProvider) StreamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streamReqs)
}
