package orchestrator

import (
	"context"
	"fmt"

	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/plan"
	"github.com/stationd/stationd/pkg/store"
	"github.com/stationd/stationd/pkg/stream"
)

// dispatchPlan runs the plan builder and, when the plan carries tasks,
// dispatches them: task rows are created, auto-executable tasks run inline,
// and gated tasks become suggestion cards. The execution results envelope is
// deferred to the end of the turn so streamed chunks stay ahead of it.
// Returns true when tasks were dispatched.
func (o *Orchestrator) dispatchPlan(ctx context.Context, turn *stream.Turn, req RouteRequest,
	settings turnSettings, fileMIMEs map[string]string, effective []models.PlaybookMetadata,
	userEventID, threadID string, result *RouteResult) bool {

	projectID := ""
	if result.ProjectAssignment != nil {
		projectID = result.ProjectAssignment.ProjectID
	}

	p, err := o.builder.Build(ctx, plan.Request{
		WorkspaceID:       req.WorkspaceID,
		ProfileID:         req.ProfileID,
		MessageID:         userEventID,
		ProjectID:         projectID,
		Message:           req.Message,
		FileMIMEs:         fileMIMEs,
		UseLLM:            settings.UseLLM,
		Playbooks:         effective,
		ExpectedArtifacts: settings.ExpectedArtifacts,
	})
	if err != nil {
		o.logger.Warn("plan build failed", "workspace_id", req.WorkspaceID, "error", err)
		return false
	}
	if p == nil || len(p.Tasks) == 0 {
		turn.Emit(stream.Envelope{
			Type:  stream.EventPipelineStage,
			Stage: stream.StageNoActionNeeded,
			RunID: userEventID,
		})
		return false
	}

	p.ProjectAssignmentDecision = result.ProjectAssignment
	turn.Emit(stream.Envelope{
		Type:  stream.EventPipelineStage,
		Stage: stream.StageExecutionStart,
		RunID: userEventID,
	})
	o.appendPlanEvent(ctx, req, threadID, userEventID, p)
	turn.Emit(stream.Envelope{Type: stream.EventExecutionPlan, Plan: p})

	var executed, pending []*models.Task
	var cards []*models.TimelineItem
	for _, tp := range p.Tasks {
		task := o.createTask(ctx, req.WorkspaceID, userEventID, p.ID, tp)
		if task == nil {
			continue
		}
		turn.Emit(stream.Envelope{
			Type:      stream.EventTaskUpdate,
			TaskEvent: stream.TaskEventCreated,
			Task:      task,
		})

		if !task.AutoExecute || task.RequiresCTA {
			pending = append(pending, task)
			if card := o.createSuggestionCard(ctx, req.WorkspaceID, userEventID, task); card != nil {
				cards = append(cards, card)
			}
			continue
		}
		executed = append(executed, o.executeTask(ctx, turn, task))
	}

	result.PendingTasks = pending
	result.ExecutedTasks = executed
	result.SuggestionCards = cards
	return true
}

// emitResults closes out a dispatched plan with its execution_results
// envelope. Must run after every chunk of the turn and before complete.
func (o *Orchestrator) emitResults(turn *stream.Turn, result *RouteResult) {
	turn.Emit(stream.Envelope{
		Type:            stream.EventExecutionResults,
		ExecutedTasks:   result.ExecutedTasks,
		SuggestionCards: result.SuggestionCards,
	})
}

func (o *Orchestrator) createTask(ctx context.Context, workspaceID, messageID, executionID string, tp models.TaskPlan) *models.Task {
	task := &models.Task{
		ID:              o.newID(),
		WorkspaceID:     workspaceID,
		MessageID:       messageID,
		ExecutionID:     executionID,
		PackID:          tp.PackID,
		TaskType:        tp.TaskType,
		Status:          models.TaskStatusPending,
		Params:          tp.Params,
		SideEffectLevel: tp.SideEffectLevel,
		AutoExecute:     tp.AutoExecute,
		RequiresCTA:     tp.RequiresCTA,
		CreatedAt:       o.now().UTC(),
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		o.logger.Error("failed to create task",
			"pack_id", tp.PackID, "task_type", tp.TaskType, "error", err)
		return nil
	}
	return task
}

// executeTask runs one auto-executable task inline and walks its status
// transitions, emitting a task_update per transition.
func (o *Orchestrator) executeTask(ctx context.Context, turn *stream.Turn, task *models.Task) *models.Task {
	started := o.now().UTC()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &started
	if err := o.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, store.TaskStatusUpdate{StartedAt: &started}); err != nil {
		o.logger.Error("failed to mark task running", "task_id", task.ID, "error", err)
	}
	turn.Emit(stream.Envelope{
		Type:      stream.EventTaskUpdate,
		TaskEvent: stream.TaskEventStarted,
		Task:      task,
	})

	res, runErr := o.tasks.Run(ctx, task)
	completed := o.now().UTC()
	task.CompletedAt = &completed
	if runErr != nil {
		task.Status = models.TaskStatusFailed
		task.Error = runErr.Error()
		upd := store.TaskStatusUpdate{Error: runErr.Error(), CompletedAt: &completed}
		if err := o.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, upd); err != nil {
			o.logger.Error("failed to mark task failed", "task_id", task.ID, "error", err)
		}
		turn.Emit(stream.Envelope{
			Type:      stream.EventTaskUpdate,
			TaskEvent: stream.TaskEventFailed,
			Task:      task,
		})
		return task
	}

	task.Status = models.TaskStatusSucceeded
	task.Result = res
	upd := store.TaskStatusUpdate{Result: res, CompletedAt: &completed}
	if err := o.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusSucceeded, upd); err != nil {
		o.logger.Error("failed to mark task succeeded", "task_id", task.ID, "error", err)
	}
	turn.Emit(stream.Envelope{
		Type:      stream.EventTaskUpdate,
		TaskEvent: stream.TaskEventSucceeded,
		Task:      task,
	})
	return task
}

// createSuggestionCard surfaces a CTA-gated task on the timeline with an
// explicit confirmation action.
func (o *Orchestrator) createSuggestionCard(ctx context.Context, workspaceID, messageID string, task *models.Task) *models.TimelineItem {
	card := &models.TimelineItem{
		ID:          o.newID(),
		WorkspaceID: workspaceID,
		MessageID:   messageID,
		TaskID:      task.ID,
		Type:        models.TimelineItemSuggestion,
		Title:       fmt.Sprintf("Run %s", task.TaskType),
		Summary:     fmt.Sprintf("The %s pack wants to run %s.", task.PackID, task.TaskType),
		Data: map[string]any{
			"task_id":           task.ID,
			"side_effect_level": string(task.SideEffectLevel),
		},
		CTA: []models.CTAAction{
			{Label: "Run", Action: "execute_task", PackID: task.PackID},
			{Label: "Dismiss", Action: "skip_task"},
		},
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.CreateTimelineItem(ctx, card); err != nil {
		o.logger.Error("failed to create suggestion card", "task_id", task.ID, "error", err)
		return nil
	}
	return card
}

func (o *Orchestrator) appendPlanEvent(ctx context.Context, req RouteRequest, threadID, userEventID string, p *models.ExecutionPlan) {
	_, err := o.store.AppendEvent(ctx, &models.Event{
		ID:          o.newID(),
		Timestamp:   o.now().UTC(),
		Actor:       models.ActorSystem,
		EventType:   models.EventTypeExecutionPlan,
		WorkspaceID: req.WorkspaceID,
		ThreadID:    threadID,
		ProfileID:   req.ProfileID,
		Payload: map[string]any{
			"execution_id": p.ID,
			"message_id":   userEventID,
			"task_count":   len(p.Tasks),
			"plan_summary": p.PlanSummary,
		},
	})
	if err != nil {
		o.logger.Warn("failed to persist plan event",
			"workspace_id", req.WorkspaceID, "error", err)
	}
}
