package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchInteraction(t *testing.T) {
	tests := []struct {
		name    string
		message string
		channel string
		want    InteractionType
	}{
		{"slash start command", "/start proposal", "api", InteractionStartPlaybook},
		{"slash run command", "/run weekly review", "chat_app", InteractionStartPlaybook},
		{"slash settings command", "/settings", "chat_app", InteractionManageSettings},
		{"unknown slash command", "/frobnicate", "api", InteractionUnknown},
		{"slash on passive channel is plain text", "/start proposal", "email", InteractionStartPlaybook},
		{"settings phrase", "change my notification preferences", "api", InteractionManageSettings},
		{"start phrase", "please start the proposal workflow", "api", InteractionStartPlaybook},
		{"kick off phrase", "kick off the project planning playbook", "", InteractionStartPlaybook},
		{"question word", "how does the event log work", "api", InteractionQA},
		{"trailing question mark", "the report is due tomorrow?", "api", InteractionQA},
		{"no rule fires", "thanks, looks good", "api", InteractionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchInteraction(tt.message, tt.channel))
		})
	}
}

func TestMatchInteraction_PassiveChannelSlash(t *testing.T) {
	// On a passive channel the slash is not a command, so only the phrase
	// rules apply. A bare unknown command stays unknown.
	assert.Equal(t, InteractionUnknown, MatchInteraction("/frobnicate", "email"))
}

func TestMatchDomain(t *testing.T) {
	tests := []struct {
		message string
		want    TaskDomain
	}{
		{"draft an rfp for the client", DomainProposalWriting},
		{"annual review of my year", DomainYearlyReview},
		{"build a morning routine", DomainHabitLearning},
		{"project plan with milestones", DomainProjectPlanning},
		{"write a blog post about Go", DomainContentWriting},
		{"hello there", DomainUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchDomain(tt.message), tt.message)
	}
}
