package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/llm"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
)

// wordCounter estimates one token per whitespace-separated word. Keeps the
// tests hermetic; the real counter loads BPE tables.
type wordCounter struct{}

func (wordCounter) Count(_, text string) int { return len(strings.Fields(text)) }

type fakeProvider struct {
	deltas    []string
	streamErr error
	syncText  string
	syncErr   error
	syncCalls int
}

func (f *fakeProvider) ChatCompletion(context.Context, llm.Request) (*llm.Completion, error) {
	f.syncCalls++
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &llm.Completion{Text: f.syncText}, nil
}

func (f *fakeProvider) ChatCompletionStream(context.Context, llm.Request) (llm.Stream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &sliceStream{deltas: f.deltas}, nil
}

func (f *fakeProvider) ProviderType() config.ProviderType { return config.ProviderOpenAI }

type sliceStream struct {
	deltas []string
	pos    int
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos >= len(s.deltas) {
		return "", io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *sliceStream) Close() error { return nil }

func newTestExecutor(provider llm.Provider) (*Executor, *store.Memory) {
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	e := NewExecutor(logger, &config.Config{ChatModel: "gpt-4o-mini"}, st, provider)
	e.counter = wordCounter{}
	return e, st
}

func collect(t *Turn) []Envelope {
	var out []Envelope
	for env := range t.Events() {
		out = append(out, env)
	}
	return out
}

func TestTurn_OrderingContract(t *testing.T) {
	turn := NewTurn(16)

	assert.False(t, turn.Emit(Envelope{Type: EventUserMessage}), "user_message before connected")
	assert.True(t, turn.Emit(Envelope{Type: EventConnected, WorkspaceID: "ws-1"}))
	assert.False(t, turn.Emit(Envelope{Type: EventConnected}), "second connected")
	assert.True(t, turn.Emit(Envelope{Type: EventUserMessage, EventID: "e1"}))
	assert.True(t, turn.Emit(Envelope{Type: EventPipelineStage, Stage: StageIntentExtraction}))
	assert.True(t, turn.Emit(Envelope{Type: EventPipelineStage, Stage: StageContextBuilding}))
	assert.True(t, turn.Emit(Envelope{Type: EventExecutionPlan, Plan: &models.ExecutionPlan{ID: "p1"}}))
	assert.False(t, turn.Emit(Envelope{Type: EventPipelineStage, Stage: StageExecutionStart}),
		"pipeline_stage after execution_plan")
	assert.True(t, turn.Emit(Envelope{Type: EventTaskUpdate, TaskEvent: TaskEventCreated}))
	assert.True(t, turn.Emit(Envelope{Type: EventChunk, Content: "hi"}))
	assert.False(t, turn.Emit(Envelope{Type: EventExecutionPlan}), "second execution_plan")
	assert.True(t, turn.Emit(Envelope{Type: EventExecutionResults}))
	assert.False(t, turn.Emit(Envelope{Type: EventChunk, Content: "late"}), "chunk after results")
	assert.True(t, turn.Emit(Envelope{Type: EventPlaybookTriggered, PlaybookCode: "pb"}))
	assert.False(t, turn.Emit(Envelope{Type: EventAgentModeParsed}), "second dispatch marker")
	assert.True(t, turn.Emit(Envelope{Type: EventComplete, EventID: "e2", IsFinal: true}))
	assert.False(t, turn.Emit(Envelope{Type: EventError}), "after complete")

	events := collect(turn)
	assert.Equal(t, EventConnected, events[0].Type)
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestTurn_ErrorTerminates(t *testing.T) {
	turn := NewTurn(4)
	require.True(t, turn.Emit(Envelope{Type: EventConnected}))
	require.True(t, turn.Emit(Envelope{Type: EventError, Message: "boom"}))
	assert.False(t, turn.Emit(Envelope{Type: EventComplete}))

	events := collect(turn)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
}

func TestPromptContext_NoTruncationUnderBudget(t *testing.T) {
	ctxt := PromptContext{
		SystemPrefix: "You are the workspace assistant.",
		Conversation: "user: hi\nassistant: hello",
		UserMessage:  "what now?",
	}
	res := ctxt.Build(wordCounter{}, "gpt-4o-mini")
	assert.Empty(t, res.Truncated)
	assert.Contains(t, res.System, headerConversation)
}

func TestPromptContext_TruncatesConversationFirst(t *testing.T) {
	// gpt-3.5-turbo has a 12000-token budget; the conversation section alone
	// blows it while everything else fits.
	ctxt := PromptContext{
		SystemPrefix:     "You are the workspace assistant.",
		WorkspaceContext: "workspace alpha",
		ActiveIntents:    "ship the proposal",
		Conversation:     strings.Repeat("word ", 14000),
		Timeline:         "small timeline",
		UserMessage:      "summarize please",
	}

	res := ctxt.Build(wordCounter{}, "gpt-3.5-turbo")
	assert.Equal(t, []string{"conversation"}, res.Truncated)
	assert.LessOrEqual(t, res.ContextTokens, config.ModelInputBudget("gpt-3.5-turbo"))
	assert.Contains(t, res.System, conversationPlaceholder)
	assert.Contains(t, res.System, "small timeline")
	assert.Equal(t, "summarize please", res.User)

	// Same inputs, same output.
	again := ctxt.Build(wordCounter{}, "gpt-3.5-turbo")
	assert.Equal(t, res, again)
}

func TestPromptContext_CollapsesWhenStillOver(t *testing.T) {
	ctxt := PromptContext{
		SystemPrefix:     "prefix",
		WorkspaceContext: strings.Repeat("ctx ", 9000),
		Conversation:     strings.Repeat("conv ", 9000),
		Timeline:         strings.Repeat("tl ", 9000),
		UserMessage:      "go",
	}

	res := ctxt.Build(wordCounter{}, "unknown-model")
	assert.Equal(t, []string{"conversation", "timeline", "collapse"}, res.Truncated)
	assert.NotContains(t, res.System, conversationPlaceholder)
	assert.Contains(t, res.System, headerWorkspace)
	assert.Equal(t, "go", res.User)
}

func TestStreamCompletion_EmitsChunksAndComplete(t *testing.T) {
	provider := &fakeProvider{deltas: []string{"Hello", " there", "!"}}
	e, st := newTestExecutor(provider)
	turn := NewTurn(16)
	require.True(t, turn.Emit(Envelope{Type: EventConnected, WorkspaceID: "ws-1"}))
	require.True(t, turn.Emit(Envelope{Type: EventUserMessage, EventID: "e1"}))

	eventID, err := e.StreamCompletion(context.Background(), turn, CompletionRequest{
		WorkspaceID: "ws-1", MessageID: "msg-1",
		Context: PromptContext{SystemPrefix: "assistant", UserMessage: "hi"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, eventID)

	events := collect(turn)
	var chunks []string
	for _, env := range events {
		if env.Type == EventChunk {
			chunks = append(chunks, env.Content)
		}
	}
	assert.Equal(t, []string{"Hello", " there", "!"}, chunks)

	last := events[len(events)-1]
	assert.Equal(t, EventComplete, last.Type)
	assert.Equal(t, eventID, last.EventID)
	assert.True(t, last.IsFinal)

	stored, err := st.ListEvents(context.Background(), store.EventQuery{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.ActorAssistant, stored[0].Actor)
	assert.Equal(t, "Hello there!", stored[0].Payload["content"])
}

func TestStreamCompletion_ChunkedFallback(t *testing.T) {
	provider := &fakeProvider{
		streamErr: errors.New("streaming unsupported"),
		syncText:  strings.Repeat("a", 100),
	}
	e, _ := newTestExecutor(provider)
	turn := NewTurn(16)
	require.True(t, turn.Emit(Envelope{Type: EventConnected}))
	require.True(t, turn.Emit(Envelope{Type: EventUserMessage}))

	_, err := e.StreamCompletion(context.Background(), turn, CompletionRequest{
		WorkspaceID: "ws-1", MessageID: "msg-1",
		Context: PromptContext{SystemPrefix: "assistant", UserMessage: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.syncCalls)

	events := collect(turn)
	var chunks int
	for _, env := range events {
		if env.Type == EventChunk {
			chunks++
			assert.LessOrEqual(t, len(env.Content), chunkSize)
		}
	}
	assert.Equal(t, 2, chunks)
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestStreamCompletion_NoModelAnywhereIsHardError(t *testing.T) {
	provider := &fakeProvider{deltas: []string{"never sent"}}
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	e := NewExecutor(logger, &config.Config{}, st, provider)
	e.counter = wordCounter{}
	turn := NewTurn(16)
	require.True(t, turn.Emit(Envelope{Type: EventConnected}))
	require.True(t, turn.Emit(Envelope{Type: EventUserMessage}))

	_, err := e.StreamCompletion(context.Background(), turn, CompletionRequest{
		WorkspaceID: "ws-1", MessageID: "msg-1",
		Context: PromptContext{SystemPrefix: "assistant", UserMessage: "hi"},
	})
	require.ErrorIs(t, err, ErrModelNotConfigured)

	// The turn ends with an error envelope; nothing was streamed and no
	// assistant event exists.
	events := collect(turn)
	require.NotEmpty(t, events)
	assert.Equal(t, EventError, events[len(events)-1].Type)
	for _, env := range events {
		assert.NotEqual(t, EventChunk, env.Type)
	}
	stored, err := st.ListEvents(context.Background(), store.EventQuery{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestStreamCompletion_ModelFromSystemSetting(t *testing.T) {
	provider := &fakeProvider{deltas: []string{"hi!"}}
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	e := NewExecutor(logger, &config.Config{}, st, provider)
	e.counter = wordCounter{}
	require.NoError(t, st.SetSystemSetting(context.Background(), SettingChatModel, "gpt-4o-mini"))

	turn := NewTurn(16)
	require.True(t, turn.Emit(Envelope{Type: EventConnected}))
	require.True(t, turn.Emit(Envelope{Type: EventUserMessage}))

	eventID, err := e.StreamCompletion(context.Background(), turn, CompletionRequest{
		WorkspaceID: "ws-1", MessageID: "msg-1",
		Context: PromptContext{SystemPrefix: "assistant", UserMessage: "hi"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)
	events := collect(turn)
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestStreamCompletion_BeforeCompleteRunsAheadOfComplete(t *testing.T) {
	provider := &fakeProvider{deltas: []string{"done"}}
	e, _ := newTestExecutor(provider)
	turn := NewTurn(16)
	require.True(t, turn.Emit(Envelope{Type: EventConnected}))
	require.True(t, turn.Emit(Envelope{Type: EventUserMessage}))

	_, err := e.StreamCompletion(context.Background(), turn, CompletionRequest{
		WorkspaceID: "ws-1", MessageID: "msg-1",
		Context: PromptContext{SystemPrefix: "assistant", UserMessage: "hi"},
		BeforeComplete: func(tn *Turn) {
			tn.Emit(Envelope{Type: EventExecutionResults})
		},
	})
	require.NoError(t, err)

	types := make([]EventType, 0, 8)
	for _, env := range collect(turn) {
		types = append(types, env.Type)
	}
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, EventExecutionResults, types[len(types)-2])
	assert.Equal(t, EventComplete, types[len(types)-1])
}

func TestStreamCompletion_CancellationEmitsNothingFurther(t *testing.T) {
	provider := &fakeProvider{deltas: []string{"one", "two", "three"}}
	e, st := newTestExecutor(provider)
	turn := NewTurn(16)
	require.True(t, turn.Emit(Envelope{Type: EventConnected}))
	require.True(t, turn.Emit(Envelope{Type: EventUserMessage}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.StreamCompletion(ctx, turn, CompletionRequest{
		WorkspaceID: "ws-1", MessageID: "msg-1",
		Context: PromptContext{SystemPrefix: "assistant", UserMessage: "hi"},
	})
	require.ErrorIs(t, err, context.Canceled)

	events := collect(turn)
	for _, env := range events {
		assert.NotEqual(t, EventComplete, env.Type)
		assert.NotEqual(t, EventError, env.Type)
	}

	// No assistant event was committed.
	stored, err := st.ListEvents(context.Background(), store.EventQuery{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestMarkUnstartedSkipped(t *testing.T) {
	e, st := newTestExecutor(&fakeProvider{})
	ctx := context.Background()

	mk := func(id string, status models.TaskStatus, started bool) *models.Task {
		task := &models.Task{
			ID: id, WorkspaceID: "ws-1", ExecutionID: "ex-1",
			PackID: "content_drafting", TaskType: "draft", Status: models.TaskStatusPending,
		}
		require.NoError(t, st.CreateTask(ctx, task))
		if started {
			now := e.now()
			require.NoError(t, st.UpdateTaskStatus(ctx, id, models.TaskStatusRunning,
				store.TaskStatusUpdate{StartedAt: &now}))
		}
		if status.IsTerminal() {
			require.NoError(t, st.UpdateTaskStatus(ctx, id, status, store.TaskStatusUpdate{}))
		}
		return task
	}
	mk("t-pending", models.TaskStatusPending, false)
	mk("t-running", models.TaskStatusRunning, true)
	mk("t-done", models.TaskStatusSucceeded, true)

	e.MarkUnstartedSkipped(ctx, "ex-1")

	pending, err := st.GetTask(ctx, "t-pending")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSkipped, pending.Status)

	running, err := st.GetTask(ctx, "t-running")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, running.Status)

	done, err := st.GetTask(ctx, "t-done")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, done.Status)
}
