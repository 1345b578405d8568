package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/stationd/stationd/pkg/llm"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/sampling"
)

const matcherMaxTokens = 512

// decodeJSON parses a model response, repairing common JSON defects such as
// markdown fences, trailing commas, and single quotes.
func decodeJSON(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("repair model output: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("parse model output: %w", err)
	}
	return nil
}

func (p *Pipeline) complete(ctx context.Context, system, user string) (string, error) {
	comp, err := p.provider.ChatCompletion(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		Model:     p.cfg.ChatModel,
		MaxTokens: matcherMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return comp.Text, nil
}

func (p *Pipeline) classifyInteraction(ctx context.Context, message string) (InteractionType, float64, error) {
	system := "Classify the user's message into one interaction type: " +
		"qa, start_playbook, manage_settings, or unknown.\n" +
		"Return JSON: {\"interaction_type\": string, \"confidence\": number}."
	text, err := p.complete(ctx, system, sampling.Redact(message))
	if err != nil {
		return InteractionUnknown, 0, err
	}

	var out struct {
		InteractionType string  `json:"interaction_type"`
		Confidence      float64 `json:"confidence"`
	}
	if err := decodeJSON(text, &out); err != nil {
		return InteractionUnknown, 0, err
	}
	switch it := InteractionType(out.InteractionType); it {
	case InteractionQA, InteractionStartPlaybook, InteractionManageSettings:
		return it, clamp01(out.Confidence), nil
	}
	return InteractionUnknown, 0, nil
}

func (p *Pipeline) classifyDomain(ctx context.Context, message string, cards []*models.IntentCard) (TaskDomain, float64, error) {
	var b strings.Builder
	b.WriteString("Classify the user's request into one task domain: ")
	b.WriteString("proposal_writing, yearly_review, habit_learning, project_planning, content_writing, or unknown.\n")
	b.WriteString("Return JSON: {\"task_domain\": string, \"confidence\": number}.\n")
	if len(cards) > 0 {
		b.WriteString("\nThe user's active goals, for context:\n")
		for _, c := range cards {
			fmt.Fprintf(&b, "- %s", sampling.Redact(c.Title))
			if c.Category != "" {
				fmt.Fprintf(&b, " (%s)", c.Category)
			}
			b.WriteString("\n")
		}
	}
	text, err := p.complete(ctx, b.String(), sampling.Redact(message))
	if err != nil {
		return DomainUnknown, 0, err
	}

	var out struct {
		TaskDomain string  `json:"task_domain"`
		Confidence float64 `json:"confidence"`
	}
	if err := decodeJSON(text, &out); err != nil {
		return DomainUnknown, 0, err
	}
	switch d := TaskDomain(out.TaskDomain); d {
	case DomainProposalWriting, DomainYearlyReview, DomainHabitLearning,
		DomainProjectPlanning, DomainContentWriting:
		return d, clamp01(out.Confidence), nil
	}
	return DomainUnknown, 0, nil
}

func (p *Pipeline) selectPlaybook(ctx context.Context, message string, domain TaskDomain, metas []models.PlaybookMetadata) (string, error) {
	var b strings.Builder
	b.WriteString("Pick the single best playbook for the user's request, or \"\" if none fits.\n")
	b.WriteString("Return JSON: {\"playbook_code\": string}. The code must come from this list:\n")
	for _, md := range metas {
		fmt.Fprintf(&b, "- %s: %s (%s) tags=%s\n",
			md.PlaybookCode, md.Name, md.Description, strings.Join(md.Tags, ","))
	}
	if domain != DomainUnknown {
		fmt.Fprintf(&b, "\nThe request's task domain is %s.\n", domain)
	}
	text, err := p.complete(ctx, b.String(), sampling.Redact(message))
	if err != nil {
		return "", err
	}

	var out struct {
		PlaybookCode string `json:"playbook_code"`
	}
	if err := decodeJSON(text, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.PlaybookCode), nil
}

func (p *Pipeline) detectWorkflow(ctx context.Context, message, selected string) (*models.HandoffPlan, bool, error) {
	system := fmt.Sprintf(
		"The user's request was matched to the %q playbook. Decide whether it actually "+
			"needs a sequence of playbooks.\n"+
			"Return JSON: {\"multi_step\": bool, \"steps\": [{\"playbook_code\": string, "+
			"\"inputs\": object}], \"step_dependencies\": {\"<step index>\": [<indices it depends on>]}}.\n"+
			"For a single-playbook request return {\"multi_step\": false}.", selected)
	text, err := p.complete(ctx, system, sampling.Redact(message))
	if err != nil {
		return nil, false, err
	}

	var out struct {
		MultiStep        bool                  `json:"multi_step"`
		Steps            []models.WorkflowStep `json:"steps"`
		StepDependencies map[string][]int      `json:"step_dependencies"`
	}
	if err := decodeJSON(text, &out); err != nil {
		return nil, false, err
	}
	if !out.MultiStep {
		return nil, false, nil
	}
	return &models.HandoffPlan{
		Steps:            out.Steps,
		StepDependencies: out.StepDependencies,
	}, true, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
