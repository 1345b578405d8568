package intent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/llm"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/playbook"
	"github.com/stationd/stationd/pkg/store"
)

// scriptedCompleter returns canned responses in call order.
type scriptedCompleter struct {
	responses []string
	err       error
	calls     int
}

func (c *scriptedCompleter) ChatCompletion(_ context.Context, req llm.Request) (*llm.Completion, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &llm.Completion{Text: "{}"}, nil
	}
	text := c.responses[0]
	c.responses = c.responses[1:]
	return &llm.Completion{Text: text}, nil
}

func newTestPipeline(t *testing.T, provider Completer) (*Pipeline, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	registry, err := playbook.NewRegistry(logger, st, "")
	require.NoError(t, err)
	cfg := &config.Config{ChatModel: "gpt-4o-mini"}
	return NewPipeline(logger, cfg, st, registry, provider), st
}

func TestPipeline_ExplicitCommandRulePriority(t *testing.T) {
	// Layer 1 resolves via rule; layers 2 and 3 go to the LLM, then the
	// multi-step check declines.
	provider := &scriptedCompleter{responses: []string{
		`{"task_domain": "proposal_writing", "confidence": 0.85}`,
		`{"playbook_code": "proposal_writing"}`,
		`{"multi_step": false}`,
	}}
	p, st := newTestPipeline(t, provider)

	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "/start proposal", Channel: "api", MessageID: "msg-1"},
		Settings{UseLLM: true, RulePriority: true})
	require.NoError(t, err)

	assert.Equal(t, InteractionStartPlaybook, a.InteractionType)
	assert.Equal(t, DomainProposalWriting, a.TaskDomain)
	assert.Equal(t, "proposal_writing", a.SelectedPlaybookCode)
	assert.Equal(t, MethodLLMBased, a.Method)
	assert.InDelta(t, LegalPickConfidence, a.Confidence, 1e-9)
	assert.Equal(t, 3, a.Layer)
	assert.False(t, a.MultiStep)

	layer1 := a.PipelineSteps["layer1"].(map[string]any)
	assert.Equal(t, string(MethodRuleBased), layer1["method"])
	assert.InDelta(t, RuleHitConfidence, layer1["confidence"].(float64), 1e-9)

	logs, err := st.ListIntentLogs(context.Background(), "ws-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "/start proposal", logs[0].RawInput)
	assert.Equal(t, "proposal_writing", logs[0].FinalDecision["selected_playbook_code"])
}

func TestPipeline_RulesOnly(t *testing.T) {
	// With the LLM off, layer 2 uses keywords and layer 3 picks the
	// playbook named after the domain.
	p, _ := newTestPipeline(t, &scriptedCompleter{err: errors.New("must not be called")})

	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "start my yearly review workflow"},
		Settings{UseLLM: false, RulePriority: true})
	require.NoError(t, err)

	assert.Equal(t, InteractionStartPlaybook, a.InteractionType)
	assert.Equal(t, DomainYearlyReview, a.TaskDomain)
	assert.Equal(t, "yearly_review", a.SelectedPlaybookCode)
	assert.Equal(t, MethodRuleFallback, a.Method)
	assert.InDelta(t, LegalPickConfidence, a.Confidence, 1e-9)
}

func TestPipeline_QARuleStopsAtLayer1(t *testing.T) {
	provider := &scriptedCompleter{}
	p, _ := newTestPipeline(t, provider)

	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "how do threads work?"},
		Settings{UseLLM: true, RulePriority: true})
	require.NoError(t, err)

	assert.Equal(t, InteractionQA, a.InteractionType)
	assert.Equal(t, MethodRuleBased, a.Method)
	assert.Equal(t, 1, a.Layer)
	assert.Empty(t, a.SelectedPlaybookCode)
	assert.Equal(t, 0, provider.calls)
}

func TestPipeline_LLMWinsWithoutRulePriority(t *testing.T) {
	provider := &scriptedCompleter{responses: []string{
		`{"interaction_type": "qa", "confidence": 0.7}`,
	}}
	p, _ := newTestPipeline(t, provider)

	// The rule would say manage_settings, but rule priority is off.
	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "what are my settings"},
		Settings{UseLLM: true, RulePriority: false})
	require.NoError(t, err)

	assert.Equal(t, InteractionQA, a.InteractionType)
	assert.Equal(t, MethodLLMBased, a.Method)
	assert.InDelta(t, 0.7, a.Confidence, 1e-9)
}

func TestPipeline_LLMFailureFallsBackToRule(t *testing.T) {
	provider := &scriptedCompleter{err: errors.New("provider down")}
	p, _ := newTestPipeline(t, provider)

	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "update my preferences"},
		Settings{UseLLM: true, RulePriority: false})
	require.NoError(t, err)

	assert.Equal(t, InteractionManageSettings, a.InteractionType)
	assert.Equal(t, MethodRuleFallback, a.Method)
	assert.InDelta(t, RuleHitConfidence, a.Confidence, 1e-9)
}

func TestPipeline_IllegalPickIsNoSelection(t *testing.T) {
	provider := &scriptedCompleter{responses: []string{
		`{"task_domain": "proposal_writing", "confidence": 0.9}`,
		`{"playbook_code": "rm_rf_everything"}`,
	}}
	p, _ := newTestPipeline(t, provider)

	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "/start proposal", Channel: "api"},
		Settings{UseLLM: true, RulePriority: true})
	require.NoError(t, err)

	assert.Empty(t, a.SelectedPlaybookCode)
	assert.Equal(t, MethodNone, a.Method)
	assert.Zero(t, a.Confidence)
	assert.Equal(t, 3, a.Layer)
	assert.False(t, a.MultiStep)
}

// emptyCatalog simulates a workspace whose effective playbook set is empty.
type emptyCatalog struct{}

func (emptyCatalog) List(context.Context, string, string, models.PlaybookSource) ([]models.PlaybookMetadata, error) {
	return nil, nil
}

func TestPipeline_EmptyEffectiveSetYieldsNoSelection(t *testing.T) {
	provider := &scriptedCompleter{responses: []string{
		`{"task_domain": "proposal_writing", "confidence": 0.9}`,
	}}
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	p := NewPipeline(logger, &config.Config{ChatModel: "gpt-4o-mini"}, st, emptyCatalog{}, provider)

	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "/start proposal", Channel: "api"},
		Settings{UseLLM: true, RulePriority: true})
	require.NoError(t, err)

	assert.Equal(t, InteractionStartPlaybook, a.InteractionType)
	assert.Empty(t, a.SelectedPlaybookCode)
	assert.Zero(t, a.Confidence)
	assert.Equal(t, MethodNone, a.Method)
}

func TestPipeline_MultiStepWorkflow(t *testing.T) {
	provider := &scriptedCompleter{responses: []string{
		`{"task_domain": "project_planning", "confidence": 0.9}`,
		`{"playbook_code": "project_planning"}`,
		`{"multi_step": true,
		  "steps": [
		    {"playbook_code": "project_planning"},
		    {"playbook_code": "content_drafting"}
		  ],
		  "step_dependencies": {"1": [0]}}`,
	}}
	p, _ := newTestPipeline(t, provider)

	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "/start project plan then draft the announcement", Channel: "api"},
		Settings{UseLLM: true, RulePriority: true})
	require.NoError(t, err)

	assert.True(t, a.MultiStep)
	require.NotNil(t, a.Workflow)
	require.Len(t, a.Workflow.Steps, 2)
	assert.Equal(t, "content_drafting", a.Workflow.Steps[1].PlaybookCode)
	assert.Equal(t, []int{0}, a.Workflow.StepDependencies["1"])
}

func TestPipeline_RepairedJSONAccepted(t *testing.T) {
	// Markdown fences and trailing commas are repaired before parsing.
	provider := &scriptedCompleter{responses: []string{
		"```json\n{\"task_domain\": \"content_writing\", \"confidence\": 0.8,}\n```",
		`{"playbook_code": "content_drafting"}`,
		`{"multi_step": false}`,
	}}
	p, _ := newTestPipeline(t, provider)

	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "/start content draft", Channel: "api"},
		Settings{UseLLM: true, RulePriority: true})
	require.NoError(t, err)

	assert.Equal(t, DomainContentWriting, a.TaskDomain)
	assert.Equal(t, "content_drafting", a.SelectedPlaybookCode)
}

func TestPipeline_ReplayMatchesOriginal(t *testing.T) {
	settings := Settings{UseLLM: false, RulePriority: true}
	p, st := newTestPipeline(t, &scriptedCompleter{})

	a, err := p.Analyze(context.Background(),
		Input{WorkspaceID: "ws-1", ProfileID: "p-1", Message: "start my yearly review workflow"},
		settings)
	require.NoError(t, err)

	logs, err := st.ListIntentLogs(context.Background(), "ws-1", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	replayed := p.Replay(context.Background(), logs[0], settings)
	assert.Equal(t, a.SelectedPlaybookCode, replayed.SelectedPlaybookCode)
	assert.Equal(t, a.InteractionType, replayed.InteractionType)

	// Replay does not append a second log.
	logs, err = st.ListIntentLogs(context.Background(), "ws-1", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
