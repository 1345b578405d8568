package sampling

import (
	"fmt"
	"strings"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/models"
)

// Prompt is a template-bound, redacted prompt ready for a sampling call.
// Builders return the template name alongside the text so callers cannot
// drift from the allowlist.
type Prompt struct {
	Template string
	Text     string
}

// BuildIntentExtractPrompt asks for intent signals in a user message.
func BuildIntentExtractPrompt(message string) Prompt {
	var b strings.Builder
	b.WriteString("Extract the user's intents from the message below.\n")
	b.WriteString("Return JSON: {\"signals\": [{\"label\": string, \"confidence\": number}]}.\n")
	b.WriteString("Labels are short free text (3-200 chars); confidence in [0,1].\n\n")
	b.WriteString("Message:\n")
	b.WriteString(Redact(message))
	return Prompt{Template: config.TemplateIntentExtract, Text: b.String()}
}

// BuildStewardAnalyzePrompt asks for an intent layout plan over recent
// signals and the active card set.
func BuildStewardAnalyzePrompt(messages []string, signals []*models.IntentSignal, cards []*models.IntentCard) Prompt {
	var b strings.Builder
	b.WriteString("You maintain the user's long-lived intent cards.\n")
	b.WriteString("Given recent conversation, candidate signals, and active cards, propose a layout plan.\n")
	b.WriteString("Return JSON: {\"long_term_intents\": [{\"type\": \"CREATE_INTENT_CARD\"|\"UPDATE_INTENT_CARD\", ")
	b.WriteString("\"intent_id\": string?, \"data\": object, \"confidence\": number, \"reasoning\": string}], ")
	b.WriteString("\"ephemeral_tasks\": [string], \"signal_mapping\": [{\"signal_id\": string, \"action\": string, \"target_intent_id\": string?}]}.\n")
	fmt.Fprintf(&b, "At most %d creates and %d updates.\n\n", models.MaxLayoutCreates, models.MaxLayoutUpdates)

	b.WriteString("Recent messages:\n")
	for _, m := range messages {
		b.WriteString("- ")
		b.WriteString(Redact(m))
		b.WriteString("\n")
	}
	b.WriteString("\nCandidate signals:\n")
	for _, s := range signals {
		fmt.Fprintf(&b, "- [%s] %s (confidence %.2f)\n", s.ID, Redact(s.Label), s.Confidence)
	}
	b.WriteString("\nActive intent cards:\n")
	for _, c := range cards {
		fmt.Fprintf(&b, "- [%s] %s (%s/%s)\n", c.ID, Redact(c.Title), c.Status, c.Priority)
	}
	return Prompt{Template: config.TemplateStewardAnalyze, Text: b.String()}
}

// BuildPlanBuildPrompt asks for an execution plan over the effective
// playbook set.
func BuildPlanBuildPrompt(message string, playbooks []models.PlaybookMetadata) Prompt {
	var b strings.Builder
	b.WriteString("Plan how to serve the user's request using only the playbooks listed.\n")
	b.WriteString("Return JSON: {\"steps\": [{\"step_id\": string, \"pack_id\": string, \"goal\": string}], ")
	b.WriteString("\"tasks\": [{\"pack_id\": string, \"task_type\": string, \"params\": object, ")
	b.WriteString("\"side_effect_level\": \"readonly\"|\"soft_write\"|\"external_write\"}], ")
	b.WriteString("\"ai_team_members\": [string], \"plan_summary\": string, \"user_request_summary\": string}.\n\n")

	b.WriteString("Available playbooks:\n")
	for _, md := range playbooks {
		fmt.Fprintf(&b, "- %s: %s (%s) tags=%s\n",
			md.PlaybookCode, md.Name, md.Description, strings.Join(md.Tags, ","))
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(Redact(message))
	return Prompt{Template: config.TemplatePlanBuild, Text: b.String()}
}

// BuildAgentTaskDispatchPrompt asks for a two-part agent response with
// executable tasks.
func BuildAgentTaskDispatchPrompt(message string, playbooks []models.PlaybookMetadata) Prompt {
	var b strings.Builder
	b.WriteString("Answer the user and, separately, list the executable tasks their request implies.\n")
	b.WriteString("Return JSON: {\"part1\": string, \"part2\": string, ")
	b.WriteString("\"executable_tasks\": [{\"pack_id\": string, \"task_type\": string, \"params\": object}]}.\n\n")

	b.WriteString("Available playbooks:\n")
	for _, md := range playbooks {
		fmt.Fprintf(&b, "- %s: %s\n", md.PlaybookCode, md.Name)
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(Redact(message))
	return Prompt{Template: config.TemplateAgentTaskDispatch, Text: b.String()}
}
