package orchestrator

import (
	"context"
	"fmt"

	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
)

// CTA actions understood by the core.
const (
	CTAExecuteTask = "execute_task"
	CTASkipTask    = "skip_task"
)

// CTARequest is a follow-up action on a timeline card.
type CTARequest struct {
	WorkspaceID    string
	ProfileID      string
	TimelineItemID string
	Action         string
	Params         map[string]any
	Confirm        bool
}

// CTAResult reports the outcome of a CTA turn.
type CTAResult struct {
	WorkspaceID string       `json:"workspace_id"`
	Task        *models.Task `json:"task,omitempty"`
	Status      string       `json:"status"`
}

// ExecuteCTA resolves a timeline card action against its gated task. The CTA
// itself is the confirmation for non-readonly tasks; no external effect
// happens before it arrives.
func (o *Orchestrator) ExecuteCTA(ctx context.Context, req CTARequest) (*CTAResult, error) {
	item, err := o.store.GetTimelineItem(ctx, req.TimelineItemID)
	if err != nil {
		return nil, fmt.Errorf("load timeline item: %w", err)
	}
	if item.WorkspaceID != req.WorkspaceID {
		return nil, fmt.Errorf("timeline item %s: %w", req.TimelineItemID, store.ErrNotFound)
	}
	if item.TaskID == "" {
		return nil, fmt.Errorf("timeline item %s has no task attached", req.TimelineItemID)
	}
	task, err := o.store.GetTask(ctx, item.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	switch req.Action {
	case CTASkipTask:
		now := o.now().UTC()
		if err := o.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusSkipped, store.TaskStatusUpdate{CompletedAt: &now}); err != nil {
			return nil, err
		}
		task.Status = models.TaskStatusSkipped
		task.CompletedAt = &now
		o.appendTaskEvent(ctx, req.WorkspaceID, req.ProfileID, task, "skipped")
		return &CTAResult{WorkspaceID: req.WorkspaceID, Task: task, Status: "skipped"}, nil

	case CTAExecuteTask:
		if task.Status.IsTerminal() {
			return &CTAResult{WorkspaceID: req.WorkspaceID, Task: task, Status: string(task.Status)}, nil
		}
		for k, v := range req.Params {
			if task.Params == nil {
				task.Params = map[string]any{}
			}
			task.Params[k] = v
		}
		done := o.runConfirmedTask(ctx, req, task)
		return &CTAResult{WorkspaceID: req.WorkspaceID, Task: done, Status: string(done.Status)}, nil

	default:
		return nil, fmt.Errorf("unknown cta action %q", req.Action)
	}
}

func (o *Orchestrator) runConfirmedTask(ctx context.Context, req CTARequest, task *models.Task) *models.Task {
	started := o.now().UTC()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &started
	if err := o.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, store.TaskStatusUpdate{StartedAt: &started}); err != nil {
		o.logger.Error("failed to mark cta task running", "task_id", task.ID, "error", err)
	}
	o.appendTaskEvent(ctx, req.WorkspaceID, req.ProfileID, task, "started")

	res, runErr := o.tasks.Run(ctx, task)
	completed := o.now().UTC()
	task.CompletedAt = &completed
	if runErr != nil {
		task.Status = models.TaskStatusFailed
		task.Error = runErr.Error()
		upd := store.TaskStatusUpdate{Error: runErr.Error(), CompletedAt: &completed}
		if err := o.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, upd); err != nil {
			o.logger.Error("failed to mark cta task failed", "task_id", task.ID, "error", err)
		}
		o.appendTaskEvent(ctx, req.WorkspaceID, req.ProfileID, task, "failed")
		return task
	}

	task.Status = models.TaskStatusSucceeded
	task.Result = res
	upd := store.TaskStatusUpdate{Result: res, CompletedAt: &completed}
	if err := o.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusSucceeded, upd); err != nil {
		o.logger.Error("failed to mark cta task succeeded", "task_id", task.ID, "error", err)
	}
	o.appendTaskEvent(ctx, req.WorkspaceID, req.ProfileID, task, "succeeded")
	return task
}

func (o *Orchestrator) appendTaskEvent(ctx context.Context, workspaceID, profileID string, task *models.Task, kind string) {
	_, err := o.store.AppendEvent(ctx, &models.Event{
		ID:          o.newID(),
		Timestamp:   o.now().UTC(),
		Actor:       models.ActorSystem,
		EventType:   models.EventTypeTaskUpdate,
		WorkspaceID: workspaceID,
		ProfileID:   profileID,
		EntityIDs:   []string{task.ID},
		Payload: map[string]any{
			"event_type": kind,
			"task": map[string]any{
				"id":        task.ID,
				"pack_id":   task.PackID,
				"task_type": task.TaskType,
				"status":    string(task.Status),
			},
		},
	})
	if err != nil {
		o.logger.Warn("failed to append task event", "task_id", task.ID, "error", err)
	}
}

// SuggestionMessage turns a dynamic suggestion action into the message a
// normal turn routes on.
func SuggestionMessage(action string, params map[string]any) string {
	if msg, ok := params["message"].(string); ok && msg != "" {
		return msg
	}
	return action
}
