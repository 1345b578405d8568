// Package intent implements the three-layer intent pipeline: interaction
// type, task domain, and playbook selection, with a coordinator arbitrating
// rule-based and LLM-based matchers. Every analysis writes an append-only
// decision log for offline accuracy evaluation.
package intent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/llm"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
)

// Method identifies which matcher produced a decision.
type Method string

// Decision methods.
const (
	MethodRuleBased    Method = "rule_based"
	MethodLLMBased     Method = "llm_based"
	MethodRuleFallback Method = "rule_based_fallback"
	MethodNone         Method = "none"
)

// Settings control matcher arbitration for one analysis.
type Settings struct {
	// UseLLM enables the LLM matchers. Off means rules only.
	UseLLM bool

	// RulePriority makes a Layer-1 rule hit final; the LLM matcher then
	// runs only when no rule fired.
	RulePriority bool

	// Locale selects the playbook set; empty means "en".
	Locale string
}

// Input is one message submitted for analysis.
type Input struct {
	WorkspaceID string
	ProfileID   string
	Message     string
	Channel     string
	MessageID   string
}

// Analysis is the pipeline outcome for one input.
type Analysis struct {
	InteractionType      InteractionType     `json:"interaction_type"`
	TaskDomain           TaskDomain          `json:"task_domain"`
	SelectedPlaybookCode string              `json:"selected_playbook_code,omitempty"`
	Confidence           float64             `json:"confidence"`
	Method               Method              `json:"method"`
	Layer                int                 `json:"layer"`
	MultiStep            bool                `json:"multi_step"`
	Workflow             *models.HandoffPlan `json:"workflow,omitempty"`
	PipelineSteps        map[string]any      `json:"pipeline_steps"`
	LogID                string              `json:"log_id,omitempty"`
}

// Completer is the single-call provider surface the pipeline matchers need.
type Completer interface {
	ChatCompletion(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

// Catalog lists the effective playbook set layer 3 selects from.
type Catalog interface {
	List(ctx context.Context, workspaceID, locale string, source models.PlaybookSource) ([]models.PlaybookMetadata, error)
}

// Pipeline runs the layered analysis and records every decision.
type Pipeline struct {
	logger   *slog.Logger
	cfg      *config.Config
	store    store.IntentStore
	registry Catalog
	provider Completer
	newID    func() string
	now      func() time.Time
}

// NewPipeline builds an intent pipeline.
func NewPipeline(logger *slog.Logger, cfg *config.Config, st store.IntentStore, registry Catalog, provider Completer) *Pipeline {
	return &Pipeline{
		logger:   logger.With("component", "intent_pipeline"),
		cfg:      cfg,
		store:    st,
		registry: registry,
		provider: provider,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Analyze classifies one input and writes the decision log. Matcher failures
// degrade to fallbacks; only the log write can fail the call.
func (p *Pipeline) Analyze(ctx context.Context, in Input, s Settings) (*Analysis, error) {
	a := p.analyze(ctx, in, s)
	if err := p.writeLog(ctx, in, a); err != nil {
		return a, err
	}
	return a, nil
}

// Replay re-runs the layers for a stored decision log without writing a new
// one. Used by the offline evaluation harness.
func (p *Pipeline) Replay(ctx context.Context, log *models.IntentLog, s Settings) *Analysis {
	return p.analyze(ctx, Input{
		WorkspaceID: log.WorkspaceID,
		ProfileID:   log.ProfileID,
		Message:     log.RawInput,
		Channel:     log.Channel,
	}, s)
}

func (p *Pipeline) analyze(ctx context.Context, in Input, s Settings) *Analysis {
	a := &Analysis{
		InteractionType: InteractionUnknown,
		TaskDomain:      DomainUnknown,
		Method:          MethodNone,
		Layer:           1,
		PipelineSteps:   map[string]any{},
	}

	p.layer1(ctx, in, s, a)
	if a.InteractionType == InteractionStartPlaybook {
		p.layer2(ctx, in, s, a)
		p.layer3(ctx, in, s, a)
		if a.SelectedPlaybookCode != "" {
			p.detectMultiStep(ctx, in, s, a)
		}
	}
	return a
}

// layer1 arbitrates the interaction-type matchers. A rule hit is final under
// rule priority; otherwise the LLM matcher gets the first word and the rule
// hit becomes its fallback.
func (p *Pipeline) layer1(ctx context.Context, in Input, s Settings, a *Analysis) {
	ruleHit := MatchInteraction(in.Message, in.Channel)

	decide := func(it InteractionType, m Method, conf float64) {
		a.InteractionType = it
		a.Method = m
		a.Confidence = conf
		a.Layer = 1
		a.PipelineSteps["layer1"] = map[string]any{
			"result":     string(it),
			"method":     string(m),
			"confidence": conf,
		}
	}

	if ruleHit != InteractionUnknown && s.RulePriority {
		decide(ruleHit, MethodRuleBased, RuleHitConfidence)
		return
	}

	if s.UseLLM {
		it, conf, err := p.classifyInteraction(ctx, in.Message)
		if err == nil && it != InteractionUnknown {
			decide(it, MethodLLMBased, conf)
			return
		}
		if err != nil {
			p.logger.Warn("layer1 llm matcher failed",
				"workspace_id", in.WorkspaceID, "error", err)
		}
		if ruleHit != InteractionUnknown {
			decide(ruleHit, MethodRuleFallback, RuleHitConfidence)
			return
		}
	} else if ruleHit != InteractionUnknown {
		decide(ruleHit, MethodRuleBased, RuleHitConfidence)
		return
	}

	decide(InteractionUnknown, MethodNone, 0)
}

// layer2 classifies the task domain. LLM-first with few-shot examples from
// the profile's active intent cards, keyword rules as the fallback.
func (p *Pipeline) layer2(ctx context.Context, in Input, s Settings, a *Analysis) {
	decide := func(d TaskDomain, m Method, conf float64) {
		a.TaskDomain = d
		a.PipelineSteps["layer2"] = map[string]any{
			"result":     string(d),
			"method":     string(m),
			"confidence": conf,
		}
	}

	if s.UseLLM {
		cards, err := p.store.ListIntentCards(ctx, store.IntentCardQuery{
			ProfileID: in.ProfileID,
			Statuses:  []models.IntentCardStatus{models.IntentCardActive},
			Limit:     10,
		})
		if err != nil {
			p.logger.Warn("layer2 card lookup failed",
				"workspace_id", in.WorkspaceID, "error", err)
		}
		d, conf, llmErr := p.classifyDomain(ctx, in.Message, cards)
		if llmErr == nil && d != DomainUnknown {
			decide(d, MethodLLMBased, conf)
			return
		}
		if llmErr != nil {
			p.logger.Warn("layer2 llm matcher failed",
				"workspace_id", in.WorkspaceID, "error", llmErr)
		}
	}

	if d := MatchDomain(in.Message); d != DomainUnknown {
		decide(d, MethodRuleFallback, DomainFallbackScore)
		return
	}
	decide(DomainUnknown, MethodNone, 0)
}

// layer3 picks one playbook from the effective set. Any code outside the set
// is treated as no selection.
func (p *Pipeline) layer3(ctx context.Context, in Input, s Settings, a *Analysis) {
	locale := s.Locale
	if locale == "" {
		locale = "en"
	}

	decide := func(code string, m Method, conf float64) {
		a.SelectedPlaybookCode = code
		a.Method = m
		a.Confidence = conf
		a.Layer = 3
		a.PipelineSteps["layer3"] = map[string]any{
			"result":     code,
			"method":     string(m),
			"confidence": conf,
		}
	}

	metas, err := p.registry.List(ctx, in.WorkspaceID, locale, "")
	if err != nil || len(metas) == 0 {
		if err != nil {
			p.logger.Warn("layer3 registry lookup failed",
				"workspace_id", in.WorkspaceID, "error", err)
		}
		decide("", MethodNone, 0)
		return
	}
	legal := make(map[string]bool, len(metas))
	for _, md := range metas {
		legal[md.PlaybookCode] = true
	}

	if s.UseLLM {
		code, llmErr := p.selectPlaybook(ctx, in.Message, a.TaskDomain, metas)
		if llmErr == nil {
			if legal[code] {
				decide(code, MethodLLMBased, LegalPickConfidence)
				return
			}
			// The model picked outside the list; treat as no selection.
			decide("", MethodNone, 0)
			return
		}
		p.logger.Warn("layer3 llm matcher failed",
			"workspace_id", in.WorkspaceID, "error", llmErr)
	}

	// Rule fallback: domains are named after their canonical playbook.
	if legal[string(a.TaskDomain)] {
		decide(string(a.TaskDomain), MethodRuleFallback, LegalPickConfidence)
		return
	}
	decide("", MethodNone, 0)
}

func (p *Pipeline) detectMultiStep(ctx context.Context, in Input, s Settings, a *Analysis) {
	if !s.UseLLM {
		return
	}
	plan, multi, err := p.detectWorkflow(ctx, in.Message, a.SelectedPlaybookCode)
	if err != nil {
		p.logger.Warn("multi-step detection failed",
			"workspace_id", in.WorkspaceID, "error", err)
		return
	}
	if !multi || plan == nil || len(plan.Steps) < 2 {
		return
	}
	a.MultiStep = true
	a.Workflow = plan
	a.PipelineSteps["multi_step"] = map[string]any{
		"step_count":        len(plan.Steps),
		"step_dependencies": plan.StepDependencies,
	}
}

func (p *Pipeline) writeLog(ctx context.Context, in Input, a *Analysis) error {
	log := &models.IntentLog{
		ID:            p.newID(),
		WorkspaceID:   in.WorkspaceID,
		ProfileID:     in.ProfileID,
		RawInput:      in.Message,
		Channel:       in.Channel,
		PipelineSteps: a.PipelineSteps,
		FinalDecision: map[string]any{
			"interaction_type":       string(a.InteractionType),
			"task_domain":            string(a.TaskDomain),
			"selected_playbook_code": a.SelectedPlaybookCode,
			"method":                 string(a.Method),
			"confidence":             a.Confidence,
			"layer":                  a.Layer,
			"multi_step":             a.MultiStep,
		},
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.CreateIntentLog(ctx, log); err != nil {
		p.logger.Error("failed to write intent log",
			"workspace_id", in.WorkspaceID, "error", err)
		return err
	}
	a.LogID = log.ID
	return nil
}
