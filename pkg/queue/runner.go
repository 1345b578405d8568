// Package queue runs fire-and-forget turns. A submission is acknowledged
// immediately with a task id; the full turn executes on a background
// goroutine bounded by a per-workspace concurrency cap, and every stage it
// produces lands in the event log exactly as in the synchronous path.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/orchestrator"
	"github.com/stationd/stationd/pkg/store"
	"github.com/stationd/stationd/pkg/stream"
)

// DefaultWorkspaceConcurrency caps concurrent background turns per workspace.
const DefaultWorkspaceConcurrency = 4

// turnBuffer sizes the discarded envelope channel of a background turn.
const turnBuffer = 256

// TurnRouter executes one full turn. Satisfied by orchestrator.Orchestrator.
type TurnRouter interface {
	Route(ctx context.Context, turn *stream.Turn, req orchestrator.RouteRequest) (*orchestrator.RouteResult, error)
}

// Accepted is the immediate acknowledgement of a background submission.
type Accepted struct {
	Status      string `json:"status"`
	TaskID      string `json:"task_id"`
	EventID     string `json:"event_id"`
	WorkspaceID string `json:"workspace_id"`
}

// Runner is the background turn executor.
type Runner struct {
	logger *slog.Logger
	store  store.EventLog
	router TurnRouter
	limit  int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
	wg   sync.WaitGroup

	newID func() string
	now   func() time.Time
}

// NewRunner builds a runner. A non-positive concurrency falls back to the
// default cap.
func NewRunner(logger *slog.Logger, st store.EventLog, router TurnRouter, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultWorkspaceConcurrency
	}
	return &Runner{
		logger: logger.With("component", "background_runner"),
		store:  st,
		router: router,
		limit:  int64(concurrency),
		sems:   make(map[string]*semaphore.Weighted),
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Submit records the acceptance in the event log and schedules the turn. The
// returned acknowledgement is the 202 body; the turn itself runs detached
// from the caller's context. Turns are never retried by the runner.
func (r *Runner) Submit(ctx context.Context, req orchestrator.RouteRequest) (*Accepted, error) {
	taskID := r.newID()
	eventID, err := r.store.AppendEvent(ctx, &models.Event{
		ID:          r.newID(),
		Timestamp:   r.now().UTC(),
		Actor:       models.ActorSystem,
		EventType:   models.EventTypeRunStateChanged,
		WorkspaceID: req.WorkspaceID,
		ProfileID:   req.ProfileID,
		Payload: map[string]any{
			"status":  "accepted",
			"task_id": taskID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("record acceptance: %w", err)
	}

	r.wg.Add(1)
	go r.run(context.WithoutCancel(ctx), taskID, req)

	return &Accepted{
		Status:      "accepted",
		TaskID:      taskID,
		EventID:     eventID,
		WorkspaceID: req.WorkspaceID,
	}, nil
}

func (r *Runner) run(ctx context.Context, taskID string, req orchestrator.RouteRequest) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("background turn panicked",
				"workspace_id", req.WorkspaceID, "task_id", taskID, "panic", rec)
			r.writeErrorEvent(ctx, req, taskID, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	sem := r.workspaceSem(req.WorkspaceID)
	if err := sem.Acquire(ctx, 1); err != nil {
		r.writeErrorEvent(ctx, req, taskID, "turn scheduling aborted")
		return
	}
	defer sem.Release(1)

	turn := stream.NewTurn(turnBuffer)
	go func() {
		// Nobody is attached to a background turn; the envelopes are
		// drained so emission never blocks.
		for range turn.Events() {
		}
	}()

	if _, err := r.router.Route(ctx, turn, req); err != nil {
		r.logger.Error("background turn failed",
			"workspace_id", req.WorkspaceID, "task_id", taskID, "error", err)
		r.writeErrorEvent(ctx, req, taskID, err.Error())
	}
}

func (r *Runner) workspaceSem(workspaceID string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.sems[workspaceID]
	if !ok {
		sem = semaphore.NewWeighted(r.limit)
		r.sems[workspaceID] = sem
	}
	return sem
}

func (r *Runner) writeErrorEvent(ctx context.Context, req orchestrator.RouteRequest, taskID, message string) {
	_, err := r.store.AppendEvent(ctx, &models.Event{
		ID:          r.newID(),
		Timestamp:   r.now().UTC(),
		Actor:       models.ActorSystem,
		EventType:   models.EventTypeMessage,
		WorkspaceID: req.WorkspaceID,
		ProfileID:   req.ProfileID,
		Payload: map[string]any{
			"content": message,
			"task_id": taskID,
		},
		Metadata: map[string]any{"is_error": true},
	})
	if err != nil {
		r.logger.Error("failed to write background error event",
			"workspace_id", req.WorkspaceID, "task_id", taskID, "error", err)
	}
}

// Wait blocks until every submitted turn has finished. Used on shutdown and
// in tests.
func (r *Runner) Wait() { r.wg.Wait() }

// Shutdown waits for in-flight turns up to the context deadline.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
