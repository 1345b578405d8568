package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/llm"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
)

// chunkSize is the fixed segment length for the non-streaming fallback.
const chunkSize = 64

// SettingChatModel is the system setting that overrides the file-configured
// chat model.
const SettingChatModel = "chat_model"

// ErrModelNotConfigured reports that no chat model was resolvable from the
// request, the chat_model system setting, or the file configuration. It is a
// configuration fault: never retried, always surfaced to the caller.
var ErrModelNotConfigured = errors.New("chat model not configured")

// Executor runs the streaming completion leg of a turn: prompt budgeting,
// provider dispatch, chunk emission, and the terminal assistant event.
type Executor struct {
	logger   *slog.Logger
	cfg      *config.Config
	store    store.Store
	provider llm.Provider
	counter  TokenCounter
	newID    func() string
	now      func() time.Time
}

// NewExecutor builds a streaming executor.
func NewExecutor(logger *slog.Logger, cfg *config.Config, st store.Store, provider llm.Provider) *Executor {
	return &Executor{
		logger:   logger.With("component", "stream_executor"),
		cfg:      cfg,
		store:    st,
		provider: provider,
		counter:  NewTokenCounter(),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// WithTokenCounter swaps the token counter. The default loads the model's
// BPE tables; callers that cannot do that inject their own estimate.
func (e *Executor) WithTokenCounter(c TokenCounter) *Executor {
	e.counter = c
	return e
}

// CompletionRequest is one streaming completion leg.
type CompletionRequest struct {
	WorkspaceID string
	ThreadID    string
	ProfileID   string
	MessageID   string
	Model       string
	Context     PromptContext

	// BeforeComplete, when set, runs after the assistant event is committed
	// and just before the complete envelope. Callers use it to close out
	// turn-level envelopes that must precede complete, such as execution
	// results for tasks dispatched earlier in the turn.
	BeforeComplete func(turn *Turn)
}

// StreamCompletion budgets the prompt, streams the completion as chunk
// envelopes, commits the assistant event, and emits complete. On client
// cancellation it stops at the next delta and emits nothing further. The
// returned event id is empty when the turn did not complete.
func (e *Executor) StreamCompletion(ctx context.Context, turn *Turn, req CompletionRequest) (string, error) {
	model, err := e.resolveModel(ctx, req.Model)
	if err != nil {
		turn.Emit(Envelope{Type: EventError, Message: err.Error()})
		return "", err
	}
	built := req.Context.Build(e.counter, model)
	if len(built.Truncated) > 0 {
		e.logger.Info("prompt truncated to fit model budget",
			"workspace_id", req.WorkspaceID, "model", model,
			"sections", built.Truncated, "context_tokens", built.ContextTokens)
	}

	llmReq := llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: built.System},
			{Role: llm.RoleUser, Content: built.User},
		},
		Model: model,
	}

	text, err := e.streamChunks(ctx, turn, req.MessageID, llmReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			turn.Abandon()
			return "", err
		}
		turn.Emit(Envelope{Type: EventError, Message: err.Error()})
		return "", err
	}

	eventID, err := e.commitAssistantEvent(ctx, req, text, built.ContextTokens)
	if err != nil {
		turn.Emit(Envelope{Type: EventError, Message: "failed to persist assistant response"})
		return "", err
	}
	if req.BeforeComplete != nil {
		req.BeforeComplete(turn)
	}
	turn.Emit(Envelope{
		Type:          EventComplete,
		EventID:       eventID,
		ContextTokens: built.ContextTokens,
		IsFinal:       true,
	})
	return eventID, nil
}

// resolveModel picks the model for a completion: the request override wins,
// then the chat_model system setting, then the file config. No model anywhere
// is a hard error before the provider is touched.
func (e *Executor) resolveModel(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if v, err := e.store.GetSystemSetting(ctx, SettingChatModel); err == nil {
		if m, ok := v.(string); ok && m != "" {
			return m, nil
		}
	}
	if e.cfg.ChatModel != "" {
		return e.cfg.ChatModel, nil
	}
	return "", ErrModelNotConfigured
}

// streamChunks prefers the provider's native stream and falls back to a
// chunked synchronous completion.
func (e *Executor) streamChunks(ctx context.Context, turn *Turn, messageID string, req llm.Request) (string, error) {
	s, err := e.provider.ChatCompletionStream(ctx, req)
	if err != nil {
		e.logger.Warn("stream open failed, using chunked completion",
			"error", err)
		comp, cerr := e.provider.ChatCompletion(ctx, req)
		if cerr != nil {
			return "", cerr
		}
		s = llm.NewChunkedStream(comp.Text, chunkSize)
	}
	defer s.Close()

	var full strings.Builder
	for {
		if ctx.Err() != nil {
			return "", context.Canceled
		}
		delta, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		full.WriteString(delta)
		turn.Emit(Envelope{Type: EventChunk, Content: delta, MessageID: messageID})
	}
	return full.String(), nil
}

func (e *Executor) commitAssistantEvent(ctx context.Context, req CompletionRequest, text string, contextTokens int) (string, error) {
	evt := &models.Event{
		ID:          e.newID(),
		Timestamp:   e.now().UTC(),
		Actor:       models.ActorAssistant,
		EventType:   models.EventTypeMessage,
		WorkspaceID: req.WorkspaceID,
		ThreadID:    req.ThreadID,
		ProfileID:   req.ProfileID,
		Payload: map[string]any{
			"content":    text,
			"message_id": req.MessageID,
		},
		Metadata: map[string]any{
			"context_tokens": contextTokens,
		},
	}
	return e.store.AppendEvent(ctx, evt)
}

// MarkUnstartedSkipped transitions every task in the plan that has not
// reported started_at to skipped. Running tasks are left to reach their own
// terminal state.
func (e *Executor) MarkUnstartedSkipped(ctx context.Context, executionID string) {
	tasks, err := e.store.GetTasksByExecutionID(ctx, executionID)
	if err != nil {
		e.logger.Error("failed to load tasks for cancellation",
			"execution_id", executionID, "error", err)
		return
	}
	for _, t := range tasks {
		if t.StartedAt != nil || t.Status.IsTerminal() {
			continue
		}
		now := e.now().UTC()
		err := e.store.UpdateTaskStatus(ctx, t.ID, models.TaskStatusSkipped, store.TaskStatusUpdate{
			CompletedAt: &now,
		})
		if err != nil {
			e.logger.Error("failed to skip task", "task_id", t.ID, "error", err)
		}
	}
}
