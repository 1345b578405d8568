// Package hooks implements the idempotent event-hook runner invoked after a
// chat turn is synced: receipt evaluation, policy gating, an at-most-once
// ledger, and the fixed intent_extract → steward_analyze pipeline.
package hooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
)

// IdempotencyKey derives the ledger key for one hook execution.
func IdempotencyKey(workspaceID, messageID, step string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", workspaceID, messageID, step)))
	return hex.EncodeToString(sum[:])[:48]
}

// Request carries one synced chat turn into the hook pipeline.
type Request struct {
	WorkspaceID string
	ProfileID   string
	Message     string
	MessageID   string
	TraceID     string
	ThreadID    string
	Receipts    []models.Receipt
}

// Outcome describes what happened to a single hook.
type Outcome struct {
	Ran        bool                    `json:"ran"`
	FromLedger bool                    `json:"from_ledger"`
	SkipReason string                  `json:"skip_reason,omitempty"`
	Summary    map[string]any          `json:"summary,omitempty"`
	Decision   *models.ReceiptDecision `json:"decision,omitempty"`
}

// Results is the hook pipeline outcome returned to the caller. Individual
// hook failures leave the matching field's Summary unset; they never fail
// the pipeline.
type Results struct {
	IntentExtract  *Outcome `json:"intent_extract,omitempty"`
	StewardAnalyze *Outcome `json:"steward_analyze,omitempty"`
}

// IntentExtractor produces intent signals for a synced message.
type IntentExtractor interface {
	ExtractSignals(ctx context.Context, workspaceID, profileID, message, messageID string) ([]*models.IntentSignal, error)
}

// StewardAnalyzer runs the post-turn intent steward analysis.
type StewardAnalyzer interface {
	AnalyzeTurn(ctx context.Context, workspaceID, profileID string) (map[string]any, error)
}

// Runner executes the fixed hook pipeline with receipt short-circuiting and
// at-most-once semantics.
type Runner struct {
	logger    *slog.Logger
	cfg       *config.Config
	store     store.Store
	extractor IntentExtractor
	steward   StewardAnalyzer
	now       func() time.Time
}

// NewRunner builds a hook runner.
func NewRunner(logger *slog.Logger, cfg *config.Config, st store.Store, extractor IntentExtractor, steward StewardAnalyzer) *Runner {
	return &Runner{
		logger:    logger.With("component", "hook_runner"),
		cfg:       cfg,
		store:     st,
		extractor: extractor,
		steward:   steward,
		now:       time.Now,
	}
}

// OnChatSynced runs the hook pipeline for one synced turn. Hook execution
// failures are recorded in the ledger and logged, never propagated.
func (r *Runner) OnChatSynced(ctx context.Context, req Request) *Results {
	results := &Results{}

	results.IntentExtract = r.runHook(ctx, req, config.HookIntentExtract, func(ctx context.Context) (map[string]any, error) {
		signals, err := r.extractor.ExtractSignals(ctx, req.WorkspaceID, req.ProfileID, req.Message, req.MessageID)
		if err != nil {
			return nil, err
		}
		labels := make([]string, 0, len(signals))
		for _, s := range signals {
			labels = append(labels, s.Label)
		}
		return map[string]any{
			"signal_count": len(signals),
			"labels":       labels,
		}, nil
	})

	// steward_analyze runs only when intent extraction yielded signals and
	// its own receipt allows it.
	if signalCount(results.IntentExtract) > 0 {
		results.StewardAnalyze = r.runHook(ctx, req, config.HookStewardAnalyze, func(ctx context.Context) (map[string]any, error) {
			return r.steward.AnalyzeTurn(ctx, req.WorkspaceID, req.ProfileID)
		})
	} else {
		results.StewardAnalyze = &Outcome{SkipReason: "no_signals"}
	}

	return results
}

func signalCount(o *Outcome) int {
	if o == nil || o.Summary == nil {
		return 0
	}
	switch v := o.Summary["signal_count"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// runHook applies receipt evaluation, the policy gate, and the idempotency
// ledger around a hook body.
func (r *Runner) runHook(ctx context.Context, req Request, step string, body func(context.Context) (map[string]any, error)) *Outcome {
	decision := EvaluateReceipt(req.Receipts, step, r.now())
	outcome := &Outcome{Decision: &decision}

	if decision.Reason != models.ReasonNoReceipt {
		r.emitReceiptEvent(ctx, req, decision)
	}
	if !decision.ShouldRun {
		outcome.SkipReason = string(models.ReasonReceiptAccepted)
		return outcome
	}

	if !r.cfg.HookEnabled(step) {
		outcome.SkipReason = "hook_disabled"
		return outcome
	}

	key := IdempotencyKey(req.WorkspaceID, req.MessageID, step)
	if prior, err := r.store.GetHookRun(ctx, key); err == nil {
		outcome.FromLedger = true
		if prior.Status == models.HookRunCompleted {
			outcome.Summary = prior.ResultSummary
		}
		return outcome
	}

	summary, err := body(ctx)
	status := models.HookRunCompleted
	if err != nil {
		status = models.HookRunFailed
		summary = nil
		r.logger.Warn("hook execution failed",
			"hook", step, "workspace_id", req.WorkspaceID, "error", err)
	}

	run := &models.HookRun{
		IdempotencyKey: key,
		HookType:       step,
		WorkspaceID:    req.WorkspaceID,
		Status:         status,
		ResultSummary:  summary,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.store.CreateHookRun(ctx, run); err != nil {
		// Lost the race to a concurrent runner: first writer wins.
		if prior, getErr := r.store.GetHookRun(ctx, key); getErr == nil {
			outcome.FromLedger = true
			if prior.Status == models.HookRunCompleted {
				outcome.Summary = prior.ResultSummary
			}
			return outcome
		}
		r.logger.Error("failed to persist hook run",
			"hook", step, "workspace_id", req.WorkspaceID, "error", err)
	}

	outcome.Ran = status == models.HookRunCompleted
	outcome.Summary = summary
	return outcome
}

func (r *Runner) emitReceiptEvent(ctx context.Context, req Request, decision models.ReceiptDecision) {
	eventType := models.EventTypeReceiptRejected
	if decision.Reason == models.ReasonReceiptAccepted {
		eventType = models.EventTypeReceiptAccepted
	}
	_, err := r.store.AppendEvent(ctx, &models.Event{
		ID:          uuid.NewString(),
		Timestamp:   r.now().UTC(),
		Actor:       models.ActorSystem,
		EventType:   eventType,
		WorkspaceID: req.WorkspaceID,
		ThreadID:    req.ThreadID,
		ProfileID:   req.ProfileID,
		Payload: map[string]any{
			"step":                decision.Step,
			"should_run":          decision.ShouldRun,
			"reason":              string(decision.Reason),
			"receipt_trace_id":    decision.ReceiptTraceID,
			"receipt_hash_prefix": hashPrefix(decision.ReceiptOutputHash),
			"trace_id":            req.TraceID,
		},
	})
	if err != nil {
		r.logger.Error("failed to append receipt event",
			"step", decision.Step, "workspace_id", req.WorkspaceID, "error", err)
	}
}

// hashPrefix shortens an output hash to its first 8 hex chars for event
// payloads; the full hash never leaves the decision.
func hashPrefix(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
