// Package plan implements the per-turn execution plan builder: an LLM-backed
// structured planner with a deterministic rule fallback. Tasks the model
// assigns to playbooks outside the effective set are rewritten onto the
// content drafting fallback.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/llm"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/sampling"
)

// FallbackPackID is the substitute playbook for tasks whose pack is outside
// the effective set.
const FallbackPackID = "content_drafting"

const planMaxTokens = 1024

// Completer is the provider surface the builder needs.
type Completer interface {
	ChatCompletion(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

// Request carries one turn into the plan builder.
type Request struct {
	WorkspaceID string
	ProfileID   string
	MessageID   string
	ProjectID   string
	Message     string

	// FileMIMEs maps submitted file ids to their MIME types; the rule
	// fallback plans from the MIME groups.
	FileMIMEs map[string]string

	// UseLLM disables the provider call when false.
	UseLLM bool

	// Playbooks is the effective playbook set for this turn.
	Playbooks []models.PlaybookMetadata

	// ExpectedArtifacts comes from the workspace settings; the rule
	// fallback plans toward them.
	ExpectedArtifacts []string
}

// Builder produces execution plans.
type Builder struct {
	logger   *slog.Logger
	cfg      *config.Config
	provider Completer
	newID    func() string
}

// NewBuilder builds a plan builder.
func NewBuilder(logger *slog.Logger, cfg *config.Config, provider Completer) *Builder {
	return &Builder{
		logger:   logger.With("component", "plan_builder"),
		cfg:      cfg,
		provider: provider,
		newID:    uuid.NewString,
	}
}

// Build produces the execution plan for one turn. The LLM path is preferred;
// any provider or parse failure degrades to the rule planner, which may
// legitimately return a plan with zero tasks.
func (b *Builder) Build(ctx context.Context, req Request) (*models.ExecutionPlan, error) {
	if req.UseLLM && b.provider != nil {
		p, err := b.buildLLM(ctx, req)
		if err == nil {
			return p, nil
		}
		b.logger.Warn("llm planning failed, using rule planner",
			"workspace_id", req.WorkspaceID, "error", err)
	}
	return b.buildRules(req), nil
}

// llmTask mirrors the model's task shape. AutoExecute and RequiresCTA are
// pointers so an explicit override is distinguishable from absence.
type llmTask struct {
	PackID          string         `json:"pack_id"`
	TaskType        string         `json:"task_type"`
	Params          map[string]any `json:"params"`
	SideEffectLevel string         `json:"side_effect_level"`
	AutoExecute     *bool          `json:"auto_execute"`
	RequiresCTA     *bool          `json:"requires_cta"`
}

type llmPlan struct {
	Steps              []models.PlanStep `json:"steps"`
	Tasks              []llmTask         `json:"tasks"`
	AITeamMembers      []string          `json:"ai_team_members"`
	PlanSummary        string            `json:"plan_summary"`
	UserRequestSummary string            `json:"user_request_summary"`
}

func (b *Builder) buildLLM(ctx context.Context, req Request) (*models.ExecutionPlan, error) {
	prompt := sampling.BuildPlanBuildPrompt(req.Message, req.Playbooks)
	comp, err := b.provider.ChatCompletion(ctx, llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt.Text}},
		Model:     b.cfg.ChatModel,
		MaxTokens: planMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	var raw llmPlan
	if err := decodePlan(comp.Text, &raw); err != nil {
		return nil, err
	}

	legal := make(map[string]bool, len(req.Playbooks))
	for _, md := range req.Playbooks {
		legal[md.PlaybookCode] = true
	}

	p := b.newPlan(req)
	p.Steps = raw.Steps
	p.AITeamMembers = raw.AITeamMembers
	p.PlanSummary = raw.PlanSummary
	p.UserRequestSummary = raw.UserRequestSummary
	for _, t := range raw.Tasks {
		packID := t.PackID
		if !legal[packID] {
			b.logger.Info("task pack outside effective set, substituting fallback",
				"pack_id", packID, "workspace_id", req.WorkspaceID)
			packID = FallbackPackID
		}
		p.Tasks = append(p.Tasks, finishTask(models.TaskPlan{
			PackID:          packID,
			TaskType:        t.TaskType,
			Params:          t.Params,
			SideEffectLevel: models.SideEffectLevel(t.SideEffectLevel),
		}, t.AutoExecute, t.RequiresCTA))
	}
	return p, nil
}

func (b *Builder) newPlan(req Request) *models.ExecutionPlan {
	return &models.ExecutionPlan{
		ID:          b.newID(),
		WorkspaceID: req.WorkspaceID,
		MessageID:   req.MessageID,
		ProjectID:   req.ProjectID,
	}
}

// finishTask applies the side-effect defaults: readonly tasks auto-execute,
// everything else waits for a CTA, unless the plan explicitly overrides.
func finishTask(t models.TaskPlan, autoExecute, requiresCTA *bool) models.TaskPlan {
	switch t.SideEffectLevel {
	case models.SideEffectReadonly, models.SideEffectSoftWrite, models.SideEffectExternalWrite:
	default:
		t.SideEffectLevel = models.SideEffectSoftWrite
	}
	t.AutoExecute = t.SideEffectLevel == models.SideEffectReadonly
	t.RequiresCTA = t.SideEffectLevel != models.SideEffectReadonly
	if autoExecute != nil {
		t.AutoExecute = *autoExecute
	}
	if requiresCTA != nil {
		t.RequiresCTA = *requiresCTA
	}
	return t
}

func decodePlan(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("repair plan output: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("parse plan output: %w", err)
	}
	return nil
}
