package llm

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stationd/stationd/pkg/config"
)

// openAIChatClient captures the subset of the go-openai client used by the
// adapter. Satisfied by *openai.Client; tests pass a mock.
type openAIChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAI implements Provider via the OpenAI Chat Completions API.
type OpenAI struct {
	name         string
	chat         openAIChatClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// NewOpenAI builds an OpenAI-backed provider from configuration.
func NewOpenAI(name string, cfg *config.ProviderConfig) (*OpenAI, error) {
	apiKey := cfg.ResolveAPIKey()
	if apiKey == "" {
		return nil, &ProviderError{Kind: ErrAuthFailed, Provider: name, Message: "api key is not set"}
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		name:         name,
		chat:         openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
	}, nil
}

// ProviderType identifies the token-framing path for the streaming executor.
func (o *OpenAI) ProviderType() config.ProviderType { return config.ProviderOpenAI }

func (o *OpenAI) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, &ProviderError{
			Kind: ErrBadResponse, Provider: o.name, Message: "messages are required"}
	}
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = o.temperature
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(temperature),
		MaxTokens:   maxTokens,
	}, nil
}

// ChatCompletion issues a synchronous chat completion.
func (o *OpenAI) ChatCompletion(ctx context.Context, req Request) (*Completion, error) {
	request, err := o.buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := o.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, o.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Kind: ErrBadResponse, Provider: o.name, Message: "no choices in response"}
	}
	return &Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatCompletionStream opens a streaming completion and returns the delta
// sequence.
func (o *OpenAI) ChatCompletionStream(ctx context.Context, req Request) (Stream, error) {
	request, err := o.buildRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	stream, err := o.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, o.translateError(err)
	}
	return &openAIStream{name: o.name, stream: stream, translate: o.translateError}, nil
}

func (o *OpenAI) translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Kind:     classifyStatus(apiErr.HTTPStatusCode),
			Provider: o.name,
			Message:  apiErr.Message,
			Cause:    err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{
			Kind:     classifyStatus(reqErr.HTTPStatusCode),
			Provider: o.name,
			Message:  "request failed",
			Cause:    err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{Kind: ErrTransport, Provider: o.name, Message: "request failed", Cause: err}
}

type openAIStream struct {
	name      string
	stream    *openai.ChatCompletionStream
	translate func(error) error
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", s.translate(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return delta, nil
	}
}

func (s *openAIStream) Close() error { return s.stream.Close() }
