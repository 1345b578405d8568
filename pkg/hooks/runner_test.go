package hooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
)

type stubExtractor struct {
	signals []*models.IntentSignal
	err     error
	calls   int
}

func (s *stubExtractor) ExtractSignals(context.Context, string, string, string, string) ([]*models.IntentSignal, error) {
	s.calls++
	return s.signals, s.err
}

type stubSteward struct {
	summary map[string]any
	err     error
	calls   int
}

func (s *stubSteward) AnalyzeTurn(context.Context, string, string) (map[string]any, error) {
	s.calls++
	return s.summary, s.err
}

func newTestRunner(extractor *stubExtractor, steward *stubSteward) (*Runner, *store.Memory) {
	st := store.NewMemory()
	cfg := &config.Config{Hooks: config.HooksConfig{Enabled: config.DefaultEnabledHooks()}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRunner(logger, cfg, st, extractor, steward), st
}

func signalsFixture(n int) []*models.IntentSignal {
	out := make([]*models.IntentSignal, n)
	for i := range out {
		out[i] = &models.IntentSignal{ID: "sig", Label: "write a proposal", Confidence: 0.8}
	}
	return out
}

func TestIdempotencyKey(t *testing.T) {
	key := IdempotencyKey("ws-1", "msg-1", "intent_extract")
	assert.Len(t, key, 48)

	sum := sha256.Sum256([]byte("ws-1:msg-1:intent_extract"))
	assert.Equal(t, hex.EncodeToString(sum[:])[:48], key)

	// Any component changing changes the key.
	assert.NotEqual(t, key, IdempotencyKey("ws-2", "msg-1", "intent_extract"))
	assert.NotEqual(t, key, IdempotencyKey("ws-1", "msg-2", "intent_extract"))
	assert.NotEqual(t, key, IdempotencyKey("ws-1", "msg-1", "steward_analyze"))
}

func TestEvaluateReceipt_RuleOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	validHash := "abcdef0123456789"

	tests := []struct {
		name      string
		receipts  []models.Receipt
		shouldRun bool
		reason    models.ReceiptReason
	}{
		{
			"no receipt",
			nil,
			true, models.ReasonNoReceipt,
		},
		{
			"receipt for another step only",
			[]models.Receipt{{Step: "steward_analyze", TraceID: "t", OutputHash: validHash}},
			true, models.ReasonNoReceipt,
		},
		{
			"missing trace id",
			[]models.Receipt{{Step: "intent_extract", OutputHash: validHash}},
			true, models.ReasonMissingTraceID,
		},
		{
			"hash too short",
			[]models.Receipt{{Step: "intent_extract", TraceID: "t", OutputHash: "abc123"}},
			true, models.ReasonInvalidOutputHash,
		},
		{
			"uppercase hash is normalized and accepted",
			[]models.Receipt{{Step: "intent_extract", TraceID: "t", OutputHash: "ABCDEF0123456789"}},
			false, models.ReasonReceiptAccepted,
		},
		{
			"non-hex hash",
			[]models.Receipt{{Step: "intent_extract", TraceID: "t", OutputHash: "zzzzzzzzzzzzzzzz"}},
			true, models.ReasonInvalidOutputHash,
		},
		{
			"future completed_at",
			[]models.Receipt{{Step: "intent_extract", TraceID: "t", OutputHash: validHash,
				CompletedAt: now.Add(time.Hour).Format(time.RFC3339)}},
			true, models.ReasonFutureCompletedAt,
		},
		{
			"unparseable completed_at is ignored",
			[]models.Receipt{{Step: "intent_extract", TraceID: "t", OutputHash: validHash,
				CompletedAt: "yesterday-ish"}},
			false, models.ReasonReceiptAccepted,
		},
		{
			"valid receipt",
			[]models.Receipt{{Step: "intent_extract", TraceID: "t", OutputHash: validHash,
				CompletedAt: now.Add(-time.Hour).Format(time.RFC3339)}},
			false, models.ReasonReceiptAccepted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := EvaluateReceipt(tt.receipts, "intent_extract", now)
			assert.Equal(t, tt.shouldRun, d.ShouldRun)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluateReceipt_NormalizesHashCase(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := EvaluateReceipt([]models.Receipt{
		{Step: "intent_extract", TraceID: "t", OutputHash: "ABCdef0123456789"},
	}, "intent_extract", now)
	assert.False(t, d.ShouldRun)
	assert.Equal(t, "abcdef0123456789", d.ReceiptOutputHash)
}

func TestRunner_RunsPipelineOnce(t *testing.T) {
	extractor := &stubExtractor{signals: signalsFixture(2)}
	steward := &stubSteward{summary: map[string]any{"phase": "observation"}}
	r, st := newTestRunner(extractor, steward)
	ctx := context.Background()

	req := Request{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "plan my launch", MessageID: "msg-1"}
	results := r.OnChatSynced(ctx, req)

	require.NotNil(t, results.IntentExtract)
	assert.True(t, results.IntentExtract.Ran)
	assert.Equal(t, 2, signalCount(results.IntentExtract))
	require.NotNil(t, results.StewardAnalyze)
	assert.True(t, results.StewardAnalyze.Ran)
	assert.Equal(t, 1, extractor.calls)
	assert.Equal(t, 1, steward.calls)

	// Re-delivery of the same message returns stored summaries without
	// executing again.
	again := r.OnChatSynced(ctx, req)
	assert.Equal(t, 1, extractor.calls)
	assert.Equal(t, 1, steward.calls)
	assert.True(t, again.IntentExtract.FromLedger)
	assert.Equal(t, 2, signalCount(again.IntentExtract))

	run, err := st.GetHookRun(ctx, IdempotencyKey("ws-1", "msg-1", config.HookIntentExtract))
	require.NoError(t, err)
	assert.Equal(t, models.HookRunCompleted, run.Status)
}

func TestRunner_StewardGatedOnSignals(t *testing.T) {
	extractor := &stubExtractor{signals: nil}
	steward := &stubSteward{}
	r, _ := newTestRunner(extractor, steward)

	results := r.OnChatSynced(context.Background(), Request{
		WorkspaceID: "ws-1", ProfileID: "p-1", Message: "hi", MessageID: "msg-1",
	})

	assert.Equal(t, 0, steward.calls)
	require.NotNil(t, results.StewardAnalyze)
	assert.Equal(t, "no_signals", results.StewardAnalyze.SkipReason)
}

func TestRunner_FailureRecordedNotPropagated(t *testing.T) {
	extractor := &stubExtractor{err: errors.New("llm down")}
	steward := &stubSteward{}
	r, st := newTestRunner(extractor, steward)
	ctx := context.Background()

	results := r.OnChatSynced(ctx, Request{
		WorkspaceID: "ws-1", ProfileID: "p-1", Message: "hi", MessageID: "msg-1",
	})

	require.NotNil(t, results.IntentExtract)
	assert.False(t, results.IntentExtract.Ran)
	assert.Nil(t, results.IntentExtract.Summary)

	run, err := st.GetHookRun(ctx, IdempotencyKey("ws-1", "msg-1", config.HookIntentExtract))
	require.NoError(t, err)
	assert.Equal(t, models.HookRunFailed, run.Status)

	// A failed run is also idempotent: the extractor is not retried.
	r.OnChatSynced(ctx, Request{
		WorkspaceID: "ws-1", ProfileID: "p-1", Message: "hi", MessageID: "msg-1",
	})
	assert.Equal(t, 1, extractor.calls)
}

func TestRunner_AcceptedReceiptSkipsAndEmitsEvent(t *testing.T) {
	extractor := &stubExtractor{signals: signalsFixture(1)}
	steward := &stubSteward{}
	r, st := newTestRunner(extractor, steward)
	ctx := context.Background()

	fullHash := strings.Repeat("a", 32)
	results := r.OnChatSynced(ctx, Request{
		WorkspaceID: "ws-1", ProfileID: "p-1", Message: "hi", MessageID: "msg-1",
		Receipts: []models.Receipt{{
			Step:       config.HookIntentExtract,
			TraceID:    "trace-1",
			OutputHash: fullHash,
		}},
	})

	assert.Equal(t, 0, extractor.calls)
	assert.False(t, results.IntentExtract.Ran)
	assert.Equal(t, string(models.ReasonReceiptAccepted), results.IntentExtract.SkipReason)

	// Skipped extraction means no signals, so the steward is gated off too.
	assert.Equal(t, 0, steward.calls)

	events, err := st.ListEvents(ctx, store.EventQuery{
		WorkspaceID: "ws-1",
		Types:       []models.EventType{models.EventTypeReceiptAccepted},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, config.HookIntentExtract, events[0].Payload["step"])

	// The event carries only the 8-char hash prefix, never the full hash.
	assert.Equal(t, "aaaaaaaa", events[0].Payload["receipt_hash_prefix"])
	assert.NotContains(t, events[0].Payload, "receipt_output_hash")
}

func TestRunner_ValidReceiptTwiceEmitsTwoEventsZeroRuns(t *testing.T) {
	extractor := &stubExtractor{signals: signalsFixture(1)}
	steward := &stubSteward{}
	r, st := newTestRunner(extractor, steward)
	ctx := context.Background()

	req := Request{
		WorkspaceID: "ws-1", ProfileID: "p-1", Message: "hi", MessageID: "msg-1",
		Receipts: []models.Receipt{{
			Step:       config.HookIntentExtract,
			TraceID:    "trace-1",
			OutputHash: strings.Repeat("a", 32),
		}},
	}
	r.OnChatSynced(ctx, req)
	r.OnChatSynced(ctx, req)

	// Receipt evaluation happens before the ledger, so each call emits its
	// own acceptance event while the hook body never runs.
	assert.Equal(t, 0, extractor.calls)

	events, err := st.ListEvents(ctx, store.EventQuery{
		WorkspaceID: "ws-1",
		Types:       []models.EventType{models.EventTypeReceiptAccepted},
	})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRunner_RejectedReceiptEmitsEventAndRuns(t *testing.T) {
	extractor := &stubExtractor{signals: signalsFixture(1)}
	steward := &stubSteward{summary: map[string]any{}}
	r, st := newTestRunner(extractor, steward)
	ctx := context.Background()

	r.OnChatSynced(ctx, Request{
		WorkspaceID: "ws-1", ProfileID: "p-1", Message: "hi", MessageID: "msg-1",
		Receipts: []models.Receipt{{
			Step:       config.HookIntentExtract,
			TraceID:    "trace-1",
			OutputHash: "not-a-hash",
		}},
	})

	assert.Equal(t, 1, extractor.calls)
	events, err := st.ListEvents(ctx, store.EventQuery{
		WorkspaceID: "ws-1",
		Types:       []models.EventType{models.EventTypeReceiptRejected},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(models.ReasonInvalidOutputHash), events[0].Payload["reason"])
}

func TestRunner_DisabledHookSkipped(t *testing.T) {
	extractor := &stubExtractor{signals: signalsFixture(1)}
	steward := &stubSteward{}
	st := store.NewMemory()
	cfg := &config.Config{Hooks: config.HooksConfig{Enabled: []string{config.HookStewardAnalyze}}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r := NewRunner(logger, cfg, st, extractor, steward)

	results := r.OnChatSynced(context.Background(), Request{
		WorkspaceID: "ws-1", ProfileID: "p-1", Message: "hi", MessageID: "msg-1",
	})

	assert.Equal(t, 0, extractor.calls)
	assert.Equal(t, "hook_disabled", results.IntentExtract.SkipReason)
}
