// Package orchestrator routes one chat turn through the conversation
// pipeline: file normalisation, the durable USER event, project assignment,
// identity and scope resolution, intent seeding, the intent pipeline, plan
// building and task dispatch, playbook execution, the streaming QA fallback,
// and the post-turn steward.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/intent"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/plan"
	"github.com/stationd/stationd/pkg/playbook"
	"github.com/stationd/stationd/pkg/store"
	"github.com/stationd/stationd/pkg/stream"
)

// Workspace settings consulted per turn.
const (
	SettingUseLLM            = "use_llm"
	SettingRulePriority      = "rule_priority"
	SettingExpectedArtifacts = "expected_artifacts"
	SettingLocale            = "locale"
)

// ErrEmptyMessage is returned for a blank message outside the welcome case.
var ErrEmptyMessage = errors.New("message is required")

// Turn modes.
const (
	ModeChat      = "chat"
	ModeAgent     = "agent"
	ModeExecution = "execution"
)

// RouteRequest is one client-initiated turn.
type RouteRequest struct {
	WorkspaceID string
	ProfileID   string
	ThreadID    string
	ProjectID   string
	Message     string
	FileIDs     []string
	Mode        string
	Channel     string
}

// RouteResult is what the caller gets back after the turn settles.
type RouteResult struct {
	WorkspaceID       string                            `json:"workspace_id"`
	ThreadID          string                            `json:"thread_id"`
	UserEventID       string                            `json:"user_event_id"`
	AssistantEventID  string                            `json:"assistant_event_id,omitempty"`
	DisplayEvents     []*models.Event                   `json:"display_events"`
	TriggeredPlaybook *models.PlaybookMetadata          `json:"triggered_playbook,omitempty"`
	PendingTasks      []*models.Task                    `json:"pending_tasks,omitempty"`
	ExecutedTasks     []*models.Task                    `json:"executed_tasks,omitempty"`
	SuggestionCards   []*models.TimelineItem            `json:"suggestion_cards,omitempty"`
	ProjectAssignment *models.ProjectAssignmentDecision `json:"project_assignment,omitempty"`
}

// Orchestrator is the top-level turn router.
type Orchestrator struct {
	logger   *slog.Logger
	cfg      *config.Config
	store    store.Store
	registry *playbook.Registry
	pipeline *intent.Pipeline
	builder  *plan.Builder
	executor *stream.Executor

	identity   IdentityPort
	seeds      IntentRegistryPort
	scope      ScopeResolver
	workflow   WorkflowRunner
	dispatcher PlaybookDispatcher
	tasks      TaskRunner
	steward    StewardPort

	newID func() string
	now   func() time.Time
}

// Options carries the pluggable collaborators. Nil fields get local
// defaults; Workflow and Dispatcher may stay nil, disabling those branches.
type Options struct {
	Identity   IdentityPort
	Seeds      IntentRegistryPort
	Scope      ScopeResolver
	Workflow   WorkflowRunner
	Dispatcher PlaybookDispatcher
	Tasks      TaskRunner
	Steward    StewardPort
}

// New builds an orchestrator.
func New(logger *slog.Logger, cfg *config.Config, st store.Store, registry *playbook.Registry,
	pipeline *intent.Pipeline, builder *plan.Builder, executor *stream.Executor, opts Options) *Orchestrator {
	o := &Orchestrator{
		logger:     logger.With("component", "orchestrator"),
		cfg:        cfg,
		store:      st,
		registry:   registry,
		pipeline:   pipeline,
		builder:    builder,
		executor:   executor,
		identity:   opts.Identity,
		seeds:      opts.Seeds,
		scope:      opts.Scope,
		workflow:   opts.Workflow,
		dispatcher: opts.Dispatcher,
		tasks:      opts.Tasks,
		steward:    opts.Steward,
		newID:      uuid.NewString,
		now:        time.Now,
	}
	if o.identity == nil {
		o.identity = LocalIdentity{}
	}
	if o.seeds == nil {
		o.seeds = NewRuleSeeds()
	}
	if o.scope == nil {
		o.scope = NewRegistryScope(registry)
	}
	if o.tasks == nil {
		o.tasks = NewEchoTaskRunner(logger)
	}
	return o
}

// Route runs one turn end to end, emitting the envelope sequence on turn.
// The caller owns the turn channel and must drain it.
func (o *Orchestrator) Route(ctx context.Context, turn *stream.Turn, req RouteRequest) (*RouteResult, error) {
	result := &RouteResult{WorkspaceID: req.WorkspaceID}
	turn.Emit(stream.Envelope{Type: stream.EventConnected, WorkspaceID: req.WorkspaceID})

	thread, err := o.ensureThread(ctx, req.WorkspaceID, req.ThreadID)
	if err != nil {
		return o.fail(turn, result, fmt.Errorf("resolve thread: %w", err))
	}
	result.ThreadID = thread.ID

	// A blank first message on an empty workspace is the welcome turn.
	if strings.TrimSpace(req.Message) == "" {
		if welcomed, werr := o.welcomeTurn(ctx, turn, req, thread, result); welcomed || werr != nil {
			return result, werr
		}
		return o.fail(turn, result, ErrEmptyMessage)
	}

	// 1. File normalisation. Missing ids are reported, never fatal.
	fileMIMEs := o.resolveFiles(ctx, req.WorkspaceID, req.FileIDs)

	// 3 and 6 are computed early so the durable USER event carries the
	// project assignment and the seeded intents in its metadata.
	assignment := o.assignProject(ctx, req)
	result.ProjectAssignment = assignment
	seeds := o.resolveSeeds(ctx, req)

	// 2. USER event append. The only fatal store write before dispatch.
	userEventID, err := o.appendUserEvent(ctx, req, thread.ID, assignment, seeds)
	if err != nil {
		return o.fail(turn, result, fmt.Errorf("append user event: %w", err))
	}
	result.UserEventID = userEventID
	turn.Emit(stream.Envelope{Type: stream.EventUserMessage, EventID: userEventID})
	o.touchThread(ctx, thread)

	// 4. Identity context.
	identity, err := o.identity.Resolve(ctx, req.WorkspaceID, req.ProfileID)
	if err != nil {
		return o.fail(turn, result, fmt.Errorf("resolve identity: %w", err))
	}

	settings := o.turnSettings(ctx, req.WorkspaceID)

	// 5. Effective playbook resolution.
	effective, err := o.scope.EffectivePlaybooks(ctx, req.WorkspaceID, req.ProfileID, assignment.ProjectID, settings.Locale)
	if err != nil {
		o.logger.Warn("scope resolution failed, continuing with empty set",
			"workspace_id", req.WorkspaceID, "error", err)
		effective = nil
	}

	// 6. Surface the pre-pipeline intent seeds. Non-blocking.
	o.publishIntentSeeds(ctx, turn, req, userEventID, seeds)

	// 7. Intent pipeline. Non-fatal: on failure proceed to QA.
	analysis := o.runPipeline(ctx, turn, req, settings)

	// 8. Multi-step branch.
	if analysis != nil && analysis.MultiStep && o.workflow != nil {
		if done := o.runWorkflow(ctx, turn, req, thread.ID, analysis, result); done {
			o.postTurn(ctx, req, identity)
			o.refineThreadTitle(ctx, thread)
			return result, nil
		}
	}

	if analysis == nil || analysis.SelectedPlaybookCode == "" {
		turn.Emit(stream.Envelope{
			Type:  stream.EventPipelineStage,
			Stage: stream.StageNoPlaybookFound,
			RunID: userEventID,
		})
	}

	// 9. Plan builder + task dispatch. The execution results envelope is
	// deferred so any chunks streamed later in the turn precede it.
	resultsHook := func(*stream.Turn) {}
	if o.dispatchPlan(ctx, turn, req, settings, fileMIMEs, effective, userEventID, thread.ID, result) {
		resultsHook = func(t *stream.Turn) { o.emitResults(t, result) }
	}

	// 10. Playbook branch.
	if analysis != nil && analysis.SelectedPlaybookCode != "" {
		if done := o.runPlaybook(ctx, turn, req, thread.ID, settings.Locale, analysis, result, resultsHook); done {
			o.postTurn(ctx, req, identity)
			o.refineThreadTitle(ctx, thread)
			return result, nil
		}
	}

	// 11. QA fallback.
	assistantEventID, err := o.respondQA(ctx, turn, req, thread.ID, resultsHook)
	if err != nil {
		o.logger.Error("qa response failed", "workspace_id", req.WorkspaceID, "error", err)
		return result, err
	}
	result.AssistantEventID = assistantEventID

	// 12. Post-turn steward, observation-only by default.
	o.postTurn(ctx, req, identity)

	o.refineThreadTitle(ctx, thread)
	o.collectDisplayEvents(ctx, req.WorkspaceID, thread.ID, result)
	return result, nil
}

func (o *Orchestrator) fail(turn *stream.Turn, result *RouteResult, err error) (*RouteResult, error) {
	turn.Emit(stream.Envelope{Type: stream.EventError, Message: err.Error()})
	return result, err
}

// turnSettings is the per-turn snapshot of workspace settings.
type turnSettings struct {
	UseLLM            bool
	RulePriority      bool
	Locale            string
	ExpectedArtifacts []string
}

func (o *Orchestrator) turnSettings(ctx context.Context, workspaceID string) turnSettings {
	s := turnSettings{UseLLM: true, RulePriority: true, Locale: "en"}
	if v, err := o.store.GetWorkspaceSetting(ctx, workspaceID, SettingUseLLM); err == nil {
		if b, ok := v.(bool); ok {
			s.UseLLM = b
		}
	}
	if v, err := o.store.GetWorkspaceSetting(ctx, workspaceID, SettingRulePriority); err == nil {
		if b, ok := v.(bool); ok {
			s.RulePriority = b
		}
	}
	if v, err := o.store.GetWorkspaceSetting(ctx, workspaceID, SettingLocale); err == nil {
		if loc, ok := v.(string); ok && loc != "" {
			s.Locale = loc
		}
	}
	if v, err := o.store.GetWorkspaceSetting(ctx, workspaceID, SettingExpectedArtifacts); err == nil {
		switch t := v.(type) {
		case []string:
			s.ExpectedArtifacts = t
		case []any:
			for _, item := range t {
				if str, ok := item.(string); ok {
					s.ExpectedArtifacts = append(s.ExpectedArtifacts, str)
				}
			}
		}
	}
	return s
}

// resolveFiles maps submitted file ids to their MIME types by scanning recent
// artifact events. Unknown ids are logged and dropped.
func (o *Orchestrator) resolveFiles(ctx context.Context, workspaceID string, fileIDs []string) map[string]string {
	if len(fileIDs) == 0 {
		return nil
	}
	events, err := o.store.ListEvents(ctx, store.EventQuery{
		WorkspaceID: workspaceID,
		Types:       []models.EventType{models.EventTypeArtifactCreated},
		Limit:       200,
	})
	if err != nil {
		o.logger.Warn("file resolution scan failed", "workspace_id", workspaceID, "error", err)
		return nil
	}

	known := map[string]string{}
	for _, e := range events {
		fileID, _ := e.Payload["file_id"].(string)
		if fileID == "" {
			continue
		}
		mime, _ := e.Payload["mime_type"].(string)
		known[fileID] = mime
	}

	out := make(map[string]string, len(fileIDs))
	for _, id := range fileIDs {
		mime, ok := known[id]
		if !ok {
			o.logger.Warn("submitted file id not found", "workspace_id", workspaceID, "file_id", id)
			continue
		}
		out[id] = mime
	}
	return out
}

// assignProject is deterministic: a UI-supplied project wins; otherwise the
// detector scans recent activity; otherwise none.
func (o *Orchestrator) assignProject(ctx context.Context, req RouteRequest) *models.ProjectAssignmentDecision {
	if req.ProjectID != "" {
		return &models.ProjectAssignmentDecision{
			ProjectID:  req.ProjectID,
			Relation:   "user_assigned",
			Confidence: 1.0,
		}
	}

	events, err := o.store.ListEvents(ctx, store.EventQuery{
		WorkspaceID: req.WorkspaceID,
		Limit:       50,
	})
	if err != nil {
		return &models.ProjectAssignmentDecision{Relation: "none"}
	}
	counts := map[string]int{}
	for _, e := range events {
		if e.ProjectID != "" {
			counts[e.ProjectID]++
		}
	}
	best, bestCount := "", 0
	for id, n := range counts {
		if n > bestCount || (n == bestCount && id < best) {
			best, bestCount = id, n
		}
	}
	if best == "" {
		return &models.ProjectAssignmentDecision{Relation: "none"}
	}
	confidence := float64(bestCount) / float64(len(events))
	return &models.ProjectAssignmentDecision{
		ProjectID:              best,
		Relation:               "detected",
		Confidence:             confidence,
		RequiresUIConfirmation: confidence < 0.5,
	}
}

// appendUserEvent writes the durable USER event. It is the only mutation the
// turn makes to the user's message; the assignment and seeds ride along as
// metadata.
func (o *Orchestrator) appendUserEvent(ctx context.Context, req RouteRequest, threadID string,
	assignment *models.ProjectAssignmentDecision, seeds *IntentSeeds) (string, error) {
	evt := &models.Event{
		ID:          o.newID(),
		Timestamp:   o.now().UTC(),
		Actor:       models.ActorUser,
		EventType:   models.EventTypeMessage,
		WorkspaceID: req.WorkspaceID,
		ThreadID:    threadID,
		ProjectID:   assignment.ProjectID,
		ProfileID:   req.ProfileID,
		Payload: map[string]any{
			"content": req.Message,
			"mode":    req.Mode,
			"channel": req.Channel,
		},
		Metadata: map[string]any{
			"project_assignment": map[string]any{
				"project_id":               assignment.ProjectID,
				"relation":                 assignment.Relation,
				"confidence":               assignment.Confidence,
				"requires_ui_confirmation": assignment.RequiresUIConfirmation,
			},
		},
	}
	if seeds != nil && len(seeds.Intents) > 0 {
		evt.Metadata["intents"] = seeds.Intents
		evt.Metadata["themes"] = seeds.Themes
	}
	if len(req.FileIDs) > 0 {
		evt.Payload["file_ids"] = req.FileIDs
	}
	return o.store.AppendEvent(ctx, evt)
}

// resolveSeeds runs the coarse pre-pipeline intent extraction. Failures are
// logged and yield nil; the turn proceeds without seeds.
func (o *Orchestrator) resolveSeeds(ctx context.Context, req RouteRequest) *IntentSeeds {
	seeds, err := o.seeds.ResolveSeeds(ctx, req.WorkspaceID, req.Message)
	if err != nil {
		o.logger.Warn("intent seeding failed", "workspace_id", req.WorkspaceID, "error", err)
		return nil
	}
	return seeds
}

// publishIntentSeeds surfaces the resolved seeds as a pipeline stage and a
// timeline card.
func (o *Orchestrator) publishIntentSeeds(ctx context.Context, turn *stream.Turn, req RouteRequest, runID string, seeds *IntentSeeds) {
	turn.Emit(stream.Envelope{
		Type:    stream.EventPipelineStage,
		Stage:   stream.StageIntentExtraction,
		RunID:   runID,
		Message: "extracting intents",
	})

	if seeds == nil || len(seeds.Intents) == 0 {
		return
	}
	item := &models.TimelineItem{
		ID:          o.newID(),
		WorkspaceID: req.WorkspaceID,
		MessageID:   runID,
		Type:        models.TimelineItemIntentSeeds,
		Title:       "Detected intents",
		Data: map[string]any{
			"intents":    seeds.Intents,
			"themes":     seeds.Themes,
			"confidence": seeds.Confidence,
		},
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.CreateTimelineItem(ctx, item); err != nil {
		o.logger.Warn("failed to create intent seeds card",
			"workspace_id", req.WorkspaceID, "error", err)
	}
}

func (o *Orchestrator) runPipeline(ctx context.Context, turn *stream.Turn, req RouteRequest, settings turnSettings) *intent.Analysis {
	analysis, err := o.pipeline.Analyze(ctx, intent.Input{
		WorkspaceID: req.WorkspaceID,
		ProfileID:   req.ProfileID,
		Message:     req.Message,
		Channel:     req.Channel,
	}, intent.Settings{
		UseLLM:       settings.UseLLM,
		RulePriority: settings.RulePriority,
		Locale:       settings.Locale,
	})
	if err != nil {
		o.logger.Warn("intent pipeline failed, falling through to qa",
			"workspace_id", req.WorkspaceID, "error", err)
	}
	if analysis != nil && analysis.SelectedPlaybookCode != "" {
		turn.Emit(stream.Envelope{
			Type:     stream.EventPipelineStage,
			Stage:    stream.StagePlaybookSelection,
			Message:  "playbook selected",
			Metadata: map[string]any{"playbook_code": analysis.SelectedPlaybookCode},
		})
	}
	return analysis
}

// runWorkflow hands a multi-step plan to the workflow orchestrator and
// summarises the outcome into an assistant event. Returns true when the turn
// is fully handled.
func (o *Orchestrator) runWorkflow(ctx context.Context, turn *stream.Turn, req RouteRequest, threadID string, analysis *intent.Analysis, result *RouteResult) bool {
	summary, err := o.workflow.RunHandoff(ctx, req.WorkspaceID, analysis.Workflow)
	if err != nil {
		o.logger.Error("workflow execution failed",
			"workspace_id", req.WorkspaceID, "error", err)
		turn.Emit(stream.Envelope{
			Type:    stream.EventPipelineStage,
			Stage:   stream.StageExecutionError,
			Message: "workflow execution failed",
		})
		return false
	}

	eventID, err := o.appendAssistantEvent(ctx, req, threadID, summary, map[string]any{
		"workflow_steps": len(analysis.Workflow.Steps),
	})
	if err != nil {
		o.fail(turn, result, fmt.Errorf("persist workflow summary: %w", err))
		return true
	}
	result.AssistantEventID = eventID
	turn.Emit(stream.Envelope{Type: stream.EventComplete, EventID: eventID, IsFinal: true})
	o.collectDisplayEvents(ctx, req.WorkspaceID, threadID, result)
	return true
}

// runPlaybook dispatches a structured playbook asynchronously or surfaces a
// conversational one. resultsHook closes out any plan dispatched earlier in
// the turn; it runs before the dispatch marker on the structured path and
// just before complete on the streaming path. Returns true when the turn is
// fully handled.
func (o *Orchestrator) runPlaybook(ctx context.Context, turn *stream.Turn, req RouteRequest, threadID, locale string,
	analysis *intent.Analysis, result *RouteResult, resultsHook func(*stream.Turn)) bool {
	run, err := o.registry.LoadRun(ctx, analysis.SelectedPlaybookCode, locale, req.WorkspaceID)
	if err != nil || run == nil {
		o.logger.Warn("selected playbook failed to load",
			"playbook_code", analysis.SelectedPlaybookCode, "error", err)
		return false
	}
	result.TriggeredPlaybook = &run.PlaybookMetadata

	if run.HasJSON() && o.dispatcher != nil {
		executionID, err := o.dispatcher.Dispatch(ctx, req.WorkspaceID, run)
		if err != nil {
			o.logger.Error("playbook dispatch failed",
				"playbook_code", run.PlaybookCode, "error", err)
			turn.Emit(stream.Envelope{
				Type:    stream.EventPipelineStage,
				Stage:   stream.StageExecutionError,
				Message: "playbook dispatch failed",
			})
			return false
		}
		resultsHook(turn)
		envType := stream.EventExecutionModeExecuted
		if req.Mode == ModeAgent {
			envType = stream.EventAgentModeExecuted
		}
		turn.Emit(stream.Envelope{
			Type:         envType,
			PlaybookCode: run.PlaybookCode,
			ExecutionID:  executionID,
		})

		eventID, err := o.appendAssistantEvent(ctx, req, threadID,
			fmt.Sprintf("Started the %s playbook.", run.Name), map[string]any{
				"playbook_code": run.PlaybookCode,
				"execution_id":  executionID,
			})
		if err != nil {
			o.fail(turn, result, fmt.Errorf("persist playbook ack: %w", err))
			return true
		}
		result.AssistantEventID = eventID
		turn.Emit(stream.Envelope{Type: stream.EventComplete, EventID: eventID, IsFinal: true})
		o.collectDisplayEvents(ctx, req.WorkspaceID, threadID, result)
		return true
	}

	// Conversation-only playbook: its body becomes the system context for
	// the streaming response.
	eventID, err := o.streamWithContext(ctx, turn, req, threadID, run.Body, resultsHook)
	if err != nil {
		return true
	}
	result.AssistantEventID = eventID
	o.collectDisplayEvents(ctx, req.WorkspaceID, threadID, result)
	return true
}

func (o *Orchestrator) respondQA(ctx context.Context, turn *stream.Turn, req RouteRequest, threadID string, resultsHook func(*stream.Turn)) (string, error) {
	return o.streamWithContext(ctx, turn, req, threadID, "", resultsHook)
}

func (o *Orchestrator) appendAssistantEvent(ctx context.Context, req RouteRequest, threadID, content string, metadata map[string]any) (string, error) {
	return o.store.AppendEvent(ctx, &models.Event{
		ID:          o.newID(),
		Timestamp:   o.now().UTC(),
		Actor:       models.ActorAssistant,
		EventType:   models.EventTypeMessage,
		WorkspaceID: req.WorkspaceID,
		ThreadID:    threadID,
		ProfileID:   req.ProfileID,
		Payload:     map[string]any{"content": content},
		Metadata:    metadata,
	})
}

func (o *Orchestrator) postTurn(ctx context.Context, req RouteRequest, identity Identity) {
	if o.steward == nil {
		return
	}
	if _, err := o.steward.AnalyzeTurn(ctx, req.WorkspaceID, req.ProfileID); err != nil {
		o.logger.Warn("post-turn steward failed",
			"workspace_id", req.WorkspaceID, "actor_id", identity.ActorID, "error", err)
	}
}

func (o *Orchestrator) collectDisplayEvents(ctx context.Context, workspaceID, threadID string, result *RouteResult) {
	events, err := o.store.ListEvents(ctx, store.EventQuery{
		WorkspaceID: workspaceID,
		ThreadID:    threadID,
		Types:       []models.EventType{models.EventTypeMessage},
		Limit:       20,
	})
	if err != nil {
		o.logger.Warn("failed to collect display events",
			"workspace_id", workspaceID, "error", err)
		return
	}
	result.DisplayEvents = events
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
