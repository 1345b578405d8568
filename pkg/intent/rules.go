package intent

import (
	"regexp"
	"strings"
)

// InteractionType is the Layer-1 classification of a user message.
type InteractionType string

// Interaction types.
const (
	InteractionQA             InteractionType = "qa"
	InteractionStartPlaybook  InteractionType = "start_playbook"
	InteractionManageSettings InteractionType = "manage_settings"
	InteractionUnknown        InteractionType = "unknown"
)

// TaskDomain is the Layer-2 classification of a start_playbook message.
type TaskDomain string

// Task domains.
const (
	DomainProposalWriting TaskDomain = "proposal_writing"
	DomainYearlyReview    TaskDomain = "yearly_review"
	DomainHabitLearning   TaskDomain = "habit_learning"
	DomainProjectPlanning TaskDomain = "project_planning"
	DomainContentWriting  TaskDomain = "content_writing"
	DomainUnknown         TaskDomain = "unknown"
)

// Matcher confidence constants. Rule hits carry a fixed confidence; a legal
// Layer-3 playbook pick always scores 0.8 regardless of matcher.
const (
	RuleHitConfidence   = 0.9
	LegalPickConfidence = 0.8
	DomainFallbackScore = 0.5
)

var (
	startPattern = regexp.MustCompile(
		`(?i)\b(start|run|launch|kick off|begin)\b.*\b(playbook|workflow|proposal|review|plan|planning|draft)\b`)
	settingsPattern = regexp.MustCompile(
		`(?i)\b(settings?|preferences?|configure|configuration)\b|\b(enable|disable)\b.*\b(hook|sampling|feature|auto)\b`)
	questionPattern = regexp.MustCompile(
		`(?i)^(what|how|why|when|where|who|which|can|could|do|does|is|are|should|tell me|explain)\b`)
)

// commandVerbs maps slash-command verbs to interaction types.
var commandVerbs = map[string]InteractionType{
	"start":    InteractionStartPlaybook,
	"run":      InteractionStartPlaybook,
	"playbook": InteractionStartPlaybook,
	"settings": InteractionManageSettings,
	"config":   InteractionManageSettings,
}

// commandChannels are the channels where a leading slash is an explicit
// command. Passive channels (email ingest, voice transcripts) never carry
// commands, so a slash there is just text.
var commandChannels = map[string]bool{
	"":         true,
	"api":      true,
	"chat_app": true,
	"web":      true,
}

// MatchInteraction applies the closed Layer-1 rule set. InteractionUnknown
// means no rule fired.
func MatchInteraction(message, channel string) InteractionType {
	trimmed := strings.TrimSpace(message)

	if strings.HasPrefix(trimmed, "/") && commandChannels[channel] {
		fields := strings.Fields(trimmed[1:])
		if len(fields) > 0 {
			if it, ok := commandVerbs[strings.ToLower(fields[0])]; ok {
				return it
			}
		}
		return InteractionUnknown
	}

	if settingsPattern.MatchString(trimmed) {
		return InteractionManageSettings
	}
	if startPattern.MatchString(trimmed) {
		return InteractionStartPlaybook
	}
	if questionPattern.MatchString(trimmed) || strings.HasSuffix(trimmed, "?") {
		return InteractionQA
	}
	return InteractionUnknown
}

// domainKeywords is the deterministic Layer-2 fallback, checked in order.
// First hit wins.
var domainKeywords = []struct {
	domain  TaskDomain
	pattern *regexp.Regexp
}{
	{DomainProposalWriting, regexp.MustCompile(`(?i)\b(proposal|pitch|rfp)\b`)},
	{DomainYearlyReview, regexp.MustCompile(`(?i)\b(yearly|annual|year.end)\b.*\breview\b|\bretrospective\b`)},
	{DomainHabitLearning, regexp.MustCompile(`(?i)\b(habit|routine)\b`)},
	{DomainProjectPlanning, regexp.MustCompile(`(?i)\bproject\b.*\b(plan|planning|roadmap|milestone)\b`)},
	{DomainContentWriting, regexp.MustCompile(`(?i)\b(blog|post|article|content|newsletter|draft)\b`)},
}

// MatchDomain is the rule fallback for Layer 2, used when the LLM matcher is
// disabled or fails.
func MatchDomain(message string) TaskDomain {
	for _, k := range domainKeywords {
		if k.pattern.MatchString(message) {
			return k.domain
		}
	}
	return DomainUnknown
}
