package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/stationd/stationd/pkg/config"
)

const defaultAnthropicMaxTokens = 4096

// anthropicMessages captures the subset of the Anthropic SDK used by the
// adapter. Satisfied by *sdk.MessageService; tests pass a mock.
type anthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Anthropic implements Provider via the Claude Messages API.
type Anthropic struct {
	name         string
	msg          anthropicMessages
	defaultModel string
	maxTokens    int
	temperature  float64
}

// NewAnthropic builds an Anthropic-backed provider from configuration.
func NewAnthropic(name string, cfg *config.ProviderConfig) (*Anthropic, error) {
	apiKey := cfg.ResolveAPIKey()
	if apiKey == "" {
		return nil, &ProviderError{Kind: ErrAuthFailed, Provider: name, Message: "api key is not set"}
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return &Anthropic{
		name:         name,
		msg:          &client.Messages,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
	}, nil
}

// ProviderType identifies the token-framing path for the streaming executor.
func (a *Anthropic) ProviderType() config.ProviderType { return config.ProviderAnthropic }

// buildParams separates system messages into the dedicated system prompt
// field the Messages API expects.
func (a *Anthropic) buildParams(req Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, &ProviderError{
			Kind: ErrBadResponse, Provider: a.name, Message: "messages are required"}
	}
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = a.temperature
	}

	var system []string
	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: sdk.Float(temperature),
	}
	if len(system) > 0 {
		params.System = []sdk.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	return params, nil
}

// ChatCompletion issues a synchronous Messages.New request.
func (a *Anthropic) ChatCompletion(ctx context.Context, req Request) (*Completion, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Completion{
		Text: text.String(),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

// ChatCompletionStream opens a streaming Messages request and returns the
// text delta sequence.
func (a *Anthropic) ChatCompletionStream(ctx context.Context, req Request) (Stream, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := a.msg.NewStreaming(ctx, params)
	return newAnthropicStream(ctx, stream, a.translateError), nil
}

func (a *Anthropic) translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Kind:     classifyStatus(apiErr.StatusCode),
			Provider: a.name,
			Message:  "request failed",
			Cause:    err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{Kind: ErrTransport, Provider: a.name, Message: "request failed", Cause: err}
}

// anthropicStream pumps SSE events into a channel so Recv honours caller
// cancellation between deltas.
type anthropicStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	deltas chan string

	errMu    sync.Mutex
	finalErr error
}

func newAnthropicStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], translate func(error) error) *anthropicStream {
	cctx, cancel := context.WithCancel(ctx)
	s := &anthropicStream{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		deltas: make(chan string, 32),
	}
	go s.run(translate)
	return s
}

func (s *anthropicStream) run(translate func(error) error) {
	defer close(s.deltas)
	defer func() { _ = s.stream.Close() }()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(translate(err))
			}
			return
		}
		event := s.stream.Current()
		deltaEvent, ok := event.AsAny().(sdk.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		textDelta, ok := deltaEvent.Delta.AsAny().(sdk.TextDelta)
		if !ok || textDelta.Text == "" {
			continue
		}
		delta := textDelta.Text
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case s.deltas <- delta:
		}
	}
}

func (s *anthropicStream) Recv() (string, error) {
	select {
	case delta, ok := <-s.deltas:
		if ok {
			return delta, nil
		}
		if err := s.err(); err != nil {
			return "", err
		}
		return "", io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return "", err
	}
}

func (s *anthropicStream) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *anthropicStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.finalErr == nil {
		s.finalErr = err
	}
}

func (s *anthropicStream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
