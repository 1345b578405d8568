package orchestrator

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/playbook"
)

// Identity is the execution context a turn runs under.
type Identity struct {
	ActorID     string
	WorkspaceID string
	Tags        []string
}

// IdentityPort resolves who is acting. Pluggable so hosted deployments can
// attach a real identity provider.
type IdentityPort interface {
	Resolve(ctx context.Context, workspaceID, profileID string) (Identity, error)
}

// LocalIdentity is the single-user local implementation.
type LocalIdentity struct{}

// Resolve returns a fixed single-user context for the workspace.
func (LocalIdentity) Resolve(_ context.Context, workspaceID, profileID string) (Identity, error) {
	actor := profileID
	if actor == "" {
		actor = "local-user"
	}
	return Identity{ActorID: actor, WorkspaceID: workspaceID, Tags: []string{"local"}}, nil
}

// IntentSeeds is the pre-pipeline extraction surfaced as a timeline card.
type IntentSeeds struct {
	Intents    []string `json:"intents"`
	Themes     []string `json:"themes"`
	Confidence float64  `json:"confidence"`
}

// IntentRegistryPort resolves a raw message into coarse intents and themes
// before the full pipeline runs. Failures are non-blocking.
type IntentRegistryPort interface {
	ResolveSeeds(ctx context.Context, workspaceID, message string) (*IntentSeeds, error)
}

// ScopeResolver returns the effective playbook set for a turn.
type ScopeResolver interface {
	EffectivePlaybooks(ctx context.Context, workspaceID, profileID, projectID, locale string) ([]models.PlaybookMetadata, error)
}

// registryScope resolves scope straight from the playbook registry; project
// and profile do not narrow the set in the local deployment.
type registryScope struct {
	registry *playbook.Registry
}

// NewRegistryScope builds the registry-backed scope resolver.
func NewRegistryScope(registry *playbook.Registry) ScopeResolver {
	return &registryScope{registry: registry}
}

func (s *registryScope) EffectivePlaybooks(ctx context.Context, workspaceID, _, _, locale string) ([]models.PlaybookMetadata, error) {
	return s.registry.List(ctx, workspaceID, locale, "")
}

// WorkflowRunner executes a multi-step handoff plan. It is an external
// collaborator; the orchestrator only consumes its summary.
type WorkflowRunner interface {
	RunHandoff(ctx context.Context, workspaceID string, plan *models.HandoffPlan) (summary string, err error)
}

// PlaybookDispatcher starts an asynchronous structured playbook execution
// and returns its execution id.
type PlaybookDispatcher interface {
	Dispatch(ctx context.Context, workspaceID string, run *models.PlaybookRun) (executionID string, err error)
}

// TaskRunner executes one dispatched task and returns its result payload.
type TaskRunner interface {
	Run(ctx context.Context, task *models.Task) (map[string]any, error)
}

// StewardPort is the post-turn analyzer.
type StewardPort interface {
	AnalyzeTurn(ctx context.Context, workspaceID, profileID string) (map[string]any, error)
}

// echoTaskRunner is the local no-op runner: it acknowledges readonly tasks
// without external effects. Real capability packs replace it.
type echoTaskRunner struct {
	logger *slog.Logger
}

// NewEchoTaskRunner builds the local task runner.
func NewEchoTaskRunner(logger *slog.Logger) TaskRunner {
	return &echoTaskRunner{logger: logger.With("component", "task_runner")}
}

func (r *echoTaskRunner) Run(_ context.Context, task *models.Task) (map[string]any, error) {
	r.logger.Info("executing task",
		"task_id", task.ID, "pack_id", task.PackID, "task_type", task.TaskType)
	return map[string]any{
		"pack_id":   task.PackID,
		"task_type": task.TaskType,
		"status":    "acknowledged",
	}, nil
}

// seedKeywords map message words to coarse themes for the local seed
// resolver.
var seedKeywords = []struct {
	pattern *regexp.Regexp
	word    string
	theme   string
}{
	{regexp.MustCompile(`(?i)\bproposal\b`), "proposal", "proposal_writing"},
	{regexp.MustCompile(`(?i)\breview\b`), "review", "yearly_review"},
	{regexp.MustCompile(`(?i)\bhabit\b`), "habit", "habit_learning"},
	{regexp.MustCompile(`(?i)\bproject\b`), "project", "project_planning"},
	{regexp.MustCompile(`(?i)\b(write|draft)\b`), "write", "content_writing"},
	{regexp.MustCompile(`(?i)\bplan\b`), "plan", "planning"},
}

// ruleSeeds is the local IntentRegistryPort: keyword themes, no LLM.
type ruleSeeds struct{}

// NewRuleSeeds builds the rule-based seed resolver.
func NewRuleSeeds() IntentRegistryPort { return ruleSeeds{} }

func (ruleSeeds) ResolveSeeds(_ context.Context, _ string, message string) (*IntentSeeds, error) {
	seeds := &IntentSeeds{Confidence: 0.4}
	for _, kw := range seedKeywords {
		if kw.pattern.MatchString(message) {
			seeds.Intents = append(seeds.Intents, kw.word)
			seeds.Themes = appendUnique(seeds.Themes, kw.theme)
		}
	}
	return seeds, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
