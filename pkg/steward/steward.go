// Package steward implements the post-turn IntentSteward: it observes recent
// conversation and candidate signals, proposes a layout plan over the
// long-lived intent card set, and executes it only when the workspace has
// opted in to automatic layout.
package steward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/llm"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/sampling"
	"github.com/stationd/stationd/pkg/store"
)

// Input collection bounds.
const (
	recentMessageWindow = 10
	signalLookback      = 24 * time.Hour
	visibleCardLimit    = 10
	maxSurvivingSignals = 20
	minSignalConfidence = 0.7
)

// AutoLayoutSettingKey is the workspace setting that arms plan execution.
const AutoLayoutSettingKey = "auto_intent_layout"

// Audit phases written to the intent log.
const (
	PhaseObservation = "phase1_observation"
	PhaseExecution   = "phase2_execution"
)

// CardSourceAuto marks cards the steward created on its own.
const CardSourceAuto = "intent_steward_auto"

// Completer is the provider surface the steward needs.
type Completer interface {
	ChatCompletion(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

// Steward runs the analyze-turn pipeline.
type Steward struct {
	logger   *slog.Logger
	cfg      *config.Config
	store    store.Store
	provider Completer
	newID    func() string
	now      func() time.Time
}

// New builds a steward.
func New(logger *slog.Logger, cfg *config.Config, st store.Store, provider Completer) *Steward {
	return &Steward{
		logger:   logger.With("component", "intent_steward"),
		cfg:      cfg,
		store:    st,
		provider: provider,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// AnalyzeTurn satisfies the hook runner's StewardAnalyzer contract. The
// returned summary is what lands in the HookRun ledger.
func (s *Steward) AnalyzeTurn(ctx context.Context, workspaceID, profileID string) (map[string]any, error) {
	plan, executed, err := s.Analyze(ctx, workspaceID, profileID)
	if err != nil {
		return nil, err
	}
	creates, updates := plan.CountOps()
	return map[string]any{
		"creates":   creates,
		"updates":   updates,
		"ephemeral": len(plan.EphemeralTasks),
		"executed":  executed,
	}, nil
}

// Analyze collects inputs, produces a layout plan, executes it when the
// workspace allows, and writes the audit log. The returned bool reports
// whether execution happened.
func (s *Steward) Analyze(ctx context.Context, workspaceID, profileID string) (*models.IntentLayoutPlan, bool, error) {
	messages, err := s.recentMessages(ctx, workspaceID)
	if err != nil {
		return nil, false, fmt.Errorf("collect messages: %w", err)
	}
	signals, err := s.store.ListCandidateSignals(ctx, workspaceID, s.now().Add(-signalLookback))
	if err != nil {
		return nil, false, fmt.Errorf("collect signals: %w", err)
	}
	cards, err := s.store.ListIntentCards(ctx, store.IntentCardQuery{
		ProfileID:  profileID,
		Statuses:   []models.IntentCardStatus{models.IntentCardActive},
		Priorities: []models.IntentPriority{models.PriorityHigh, models.PriorityMedium},
		Limit:      visibleCardLimit,
	})
	if err != nil {
		return nil, false, fmt.Errorf("collect cards: %w", err)
	}

	surviving := Prefilter(signals)

	plan := s.buildPlan(ctx, workspaceID, messages, surviving, cards)
	clampPlan(plan)

	phase := PhaseObservation
	executed := false
	if s.autoLayoutEnabled(ctx, workspaceID) {
		if err := s.execute(ctx, workspaceID, profileID, plan, surviving, cards); err != nil {
			s.logger.Error("layout plan execution failed",
				"workspace_id", workspaceID, "error", err)
		} else {
			executed = true
			phase = PhaseExecution
		}
	}

	s.audit(ctx, workspaceID, profileID, plan, phase, len(surviving))
	return plan, executed, nil
}

// Prefilter keeps confident, well-formed, unique signals, capped at
// maxSurvivingSignals. Order is preserved.
func Prefilter(signals []*models.IntentSignal) []*models.IntentSignal {
	seen := make(map[string]bool, len(signals))
	out := make([]*models.IntentSignal, 0, len(signals))
	for _, sig := range signals {
		if sig.Confidence < minSignalConfidence {
			continue
		}
		label := strings.TrimSpace(sig.Label)
		if n := utf8.RuneCountInString(label); n < 3 || n > 200 {
			continue
		}
		key := strings.ToLower(label)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, sig)
		if len(out) == maxSurvivingSignals {
			break
		}
	}
	return out
}

func (s *Steward) recentMessages(ctx context.Context, workspaceID string) ([]string, error) {
	events, err := s.store.ListEvents(ctx, store.EventQuery{
		WorkspaceID: workspaceID,
		Types:       []models.EventType{models.EventTypeMessage},
		Limit:       recentMessageWindow,
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(events))
	for _, e := range events {
		if content, ok := e.Payload["content"].(string); ok && content != "" {
			out = append(out, content)
		}
	}
	return out, nil
}

// buildPlan asks the provider for a layout plan and falls back to the
// deterministic heuristic on any parse or transport failure.
func (s *Steward) buildPlan(ctx context.Context, workspaceID string, messages []string, signals []*models.IntentSignal, cards []*models.IntentCard) *models.IntentLayoutPlan {
	prompt := sampling.BuildStewardAnalyzePrompt(messages, signals, cards)

	comp, err := s.provider.ChatCompletion(ctx, llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt.Text}},
		Model:     s.cfg.ChatModel,
		MaxTokens: 1024,
	})
	if err == nil {
		var plan models.IntentLayoutPlan
		err = decodePlan(comp.Text, &plan)
		if err == nil {
			return &plan
		}
	}

	s.logger.Warn("llm layout analysis failed, using heuristic",
		"workspace_id", workspaceID, "error", err)
	return HeuristicPlan(signals, cards)
}

func decodePlan(raw string, plan *models.IntentLayoutPlan) error {
	raw = strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(raw), plan); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("repair layout plan: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), plan); err != nil {
		return fmt.Errorf("parse layout plan: %w", err)
	}
	return nil
}

// clampPlan drops operations beyond the per-plan caps, keeping the earliest.
func clampPlan(plan *models.IntentLayoutPlan) {
	creates, updates := 0, 0
	kept := plan.LongTermIntents[:0]
	for _, op := range plan.LongTermIntents {
		switch op.Type {
		case models.IntentOpCreate:
			if creates == models.MaxLayoutCreates {
				continue
			}
			creates++
		case models.IntentOpUpdate:
			if updates == models.MaxLayoutUpdates {
				continue
			}
			updates++
		default:
			continue
		}
		kept = append(kept, op)
	}
	plan.LongTermIntents = kept
}

func (s *Steward) autoLayoutEnabled(ctx context.Context, workspaceID string) bool {
	v, err := s.store.GetWorkspaceSetting(ctx, workspaceID, AutoLayoutSettingKey)
	if err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "on"
	case float64:
		return t != 0
	}
	return false
}

// execute applies the plan: creates new cards, updates existing ones with a
// rollback snapshot, and marks mapped signals accepted.
func (s *Steward) execute(ctx context.Context, workspaceID, profileID string, plan *models.IntentLayoutPlan, signals []*models.IntentSignal, cards []*models.IntentCard) error {
	byID := make(map[string]*models.IntentCard, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}

	for i, op := range plan.LongTermIntents {
		switch op.Type {
		case models.IntentOpCreate:
			card := cardFromOp(op)
			card.ID = s.newID()
			card.ProfileID = profileID
			card.Status = models.IntentCardActive
			card.CreatedAt = s.now().UTC()
			card.UpdatedAt = card.CreatedAt
			if card.Metadata == nil {
				card.Metadata = map[string]any{}
			}
			card.Metadata["source"] = CardSourceAuto
			card.Metadata["workspace_id"] = workspaceID
			if err := s.store.CreateIntentCard(ctx, card); err != nil {
				return fmt.Errorf("create card: %w", err)
			}
			plan.LongTermIntents[i].IntentID = card.ID
			for _, sigID := range op.RelationSignals {
				plan.SignalMapping = append(plan.SignalMapping, models.SignalMapping{
					SignalID:       sigID,
					Action:         "attached",
					TargetIntentID: card.ID,
				})
				if err := s.store.UpdateSignalStatus(ctx, sigID, models.SignalAccepted); err != nil {
					s.logger.Warn("failed to accept signal",
						"signal_id", sigID, "error", err)
				}
			}

		case models.IntentOpUpdate:
			card := byID[op.IntentID]
			if card == nil {
				existing, err := s.store.GetIntentCard(ctx, op.IntentID)
				if err != nil {
					s.logger.Warn("update target not found",
						"intent_id", op.IntentID, "workspace_id", workspaceID)
					continue
				}
				card = existing
			}
			applyUpdate(card, op.Data, s.now().UTC())
			if err := s.store.UpdateIntentCard(ctx, card); err != nil {
				return fmt.Errorf("update card %s: %w", card.ID, err)
			}
		}
	}
	return nil
}

func cardFromOp(op models.IntentOperation) *models.IntentCard {
	card := &models.IntentCard{Priority: models.PriorityMedium}
	if v, ok := op.Data["title"].(string); ok {
		card.Title = v
	}
	if v, ok := op.Data["description"].(string); ok {
		card.Description = v
	}
	if v, ok := op.Data["priority"].(string); ok {
		card.Priority = models.IntentPriority(v)
	}
	if v, ok := op.Data["category"].(string); ok {
		card.Category = v
	}
	return card
}

// applyUpdate snapshots the mutable fields into metadata.rollback_data before
// overwriting them.
func applyUpdate(card *models.IntentCard, data map[string]any, now time.Time) {
	if card.Metadata == nil {
		card.Metadata = map[string]any{}
	}
	card.Metadata["rollback_data"] = map[string]any{
		"title":       card.Title,
		"description": card.Description,
		"priority":    string(card.Priority),
		"status":      string(card.Status),
		"metadata":    cloneMap(card.Metadata),
	}

	if v, ok := data["title"].(string); ok && v != "" {
		card.Title = v
	}
	if v, ok := data["description"].(string); ok {
		card.Description = v
	}
	if v, ok := data["priority"].(string); ok && v != "" {
		card.Priority = models.IntentPriority(v)
	}
	if v, ok := data["status"].(string); ok && v != "" {
		card.Status = models.IntentCardStatus(v)
	}
	card.UpdatedAt = now
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "rollback_data" {
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Steward) audit(ctx context.Context, workspaceID, profileID string, plan *models.IntentLayoutPlan, phase string, signalCount int) {
	creates, updates := plan.CountOps()
	executedOps := make([]map[string]any, 0, len(plan.LongTermIntents))
	for _, op := range plan.LongTermIntents {
		executedOps = append(executedOps, map[string]any{
			"type":      string(op.Type),
			"intent_id": op.IntentID,
		})
	}
	err := s.store.CreateIntentLog(ctx, &models.IntentLog{
		ID:          s.newID(),
		WorkspaceID: workspaceID,
		ProfileID:   profileID,
		Phase:       phase,
		FinalDecision: map[string]any{
			"creates":      creates,
			"updates":      updates,
			"ephemeral":    len(plan.EphemeralTasks),
			"signal_count": signalCount,
			"operations":   executedOps,
		},
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to write steward audit log",
			"workspace_id", workspaceID, "error", err)
	}
}
