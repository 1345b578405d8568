package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationd/stationd/pkg/models"
)

func evalLog(decision, override map[string]any) *models.IntentLog {
	return &models.IntentLog{FinalDecision: decision, UserOverride: override}
}

func TestEvaluate(t *testing.T) {
	logs := []*models.IntentLog{
		// Fully correct.
		evalLog(
			map[string]any{
				"interaction_type":       "start_playbook",
				"task_domain":            "proposal_writing",
				"selected_playbook_code": "proposal_writing",
			},
			map[string]any{
				"interaction_type":       "start_playbook",
				"task_domain":            "proposal_writing",
				"selected_playbook_code": "proposal_writing",
			},
		),
		// Wrong playbook only.
		evalLog(
			map[string]any{
				"interaction_type":       "start_playbook",
				"task_domain":            "content_writing",
				"selected_playbook_code": "content_drafting",
			},
			map[string]any{
				"interaction_type":       "start_playbook",
				"selected_playbook_code": "proposal_writing",
			},
		),
		// No override: counted, not scored.
		evalLog(map[string]any{"interaction_type": "qa"}, nil),
	}

	report := Evaluate(logs)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Evaluated)
	assert.InDelta(t, 0.5, report.Overall, 1e-9)

	interaction := report.PerLayer[EvalLayerInteraction]
	assert.Equal(t, 2, interaction.Total)
	assert.Equal(t, 2, interaction.Correct)
	assert.InDelta(t, 1.0, interaction.Accuracy, 1e-9)

	// The second log's override does not name task_domain, so that layer
	// only sees the first log.
	domain := report.PerLayer[EvalLayerDomain]
	assert.Equal(t, 1, domain.Total)

	pb := report.PerLayer[EvalLayerPlaybook]
	assert.Equal(t, 2, pb.Total)
	assert.Equal(t, 1, pb.Correct)
	require.Contains(t, pb.Confusion, "proposal_writing")
	assert.Equal(t, 1, pb.Confusion["proposal_writing"]["content_drafting"])
	assert.Equal(t, 1, pb.Confusion["proposal_writing"]["proposal_writing"])
}

func TestEvaluate_Empty(t *testing.T) {
	report := Evaluate(nil)
	assert.Zero(t, report.Total)
	assert.Zero(t, report.Evaluated)
	assert.Zero(t, report.Overall)
}
