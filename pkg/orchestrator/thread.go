package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
	"github.com/stationd/stationd/pkg/stream"
)

const (
	defaultThreadTitle = "New conversation"

	// titleRefineAfter is the assistant message count at which the default
	// thread title is replaced with a derived one.
	titleRefineAfter = 3

	// Context assembly limits for the streaming leg.
	conversationWindow = 20
	timelineWindow     = 10
	intentCardWindow   = 5
)

const systemPrefix = "You are the workspace assistant. Answer from the workspace " +
	"context below. Be concise and concrete; say so when the context does not " +
	"cover the question."

var welcomeSuggestions = []string{
	"Draft a proposal for a new client",
	"Plan a project from a rough idea",
	"Start a yearly review",
	"Just chat about what you're working on",
}

// ensureThread resolves the target thread: the given id, else the workspace
// default, created on first touch.
func (o *Orchestrator) ensureThread(ctx context.Context, workspaceID, threadID string) (*models.Thread, error) {
	if threadID != "" {
		return o.store.GetThread(ctx, threadID)
	}
	thread, err := o.store.GetDefaultThread(ctx, workspaceID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	thread = &models.Thread{
		ID:          o.newID(),
		WorkspaceID: workspaceID,
		Title:       defaultThreadTitle,
		IsDefault:   true,
	}
	if err := o.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	o.logger.Info("created default thread", "workspace_id", workspaceID, "thread_id", thread.ID)
	return thread, nil
}

func (o *Orchestrator) touchThread(ctx context.Context, thread *models.Thread) {
	if err := o.store.TouchThread(ctx, thread.ID, o.now().UTC()); err != nil {
		o.logger.Warn("failed to touch thread", "thread_id", thread.ID, "error", err)
	}
}

// welcomeTurn handles the cold-start case: a blank message against a
// workspace with no events yields a welcome assistant event with starter
// suggestions. Returns false when the workspace already has history.
func (o *Orchestrator) welcomeTurn(ctx context.Context, turn *stream.Turn, req RouteRequest, thread *models.Thread, result *RouteResult) (bool, error) {
	eventID, created, err := o.writeWelcome(ctx, req.WorkspaceID, req.ProfileID, thread.ID)
	if err != nil {
		_, ferr := o.fail(turn, result, fmt.Errorf("welcome turn: %w", err))
		return true, ferr
	}
	if !created {
		return false, nil
	}
	result.AssistantEventID = eventID
	turn.Emit(stream.Envelope{Type: stream.EventComplete, EventID: eventID, IsFinal: true})
	o.collectDisplayEvents(ctx, req.WorkspaceID, thread.ID, result)
	return true, nil
}

// EnsureWelcome writes the welcome event for an empty workspace, creating the
// default thread if needed. Reports whether an event was written; a workspace
// with any history is left alone.
func (o *Orchestrator) EnsureWelcome(ctx context.Context, workspaceID, profileID string) (bool, error) {
	thread, err := o.ensureThread(ctx, workspaceID, "")
	if err != nil {
		return false, err
	}
	_, created, err := o.writeWelcome(ctx, workspaceID, profileID, thread.ID)
	return created, err
}

func (o *Orchestrator) writeWelcome(ctx context.Context, workspaceID, profileID, threadID string) (string, bool, error) {
	events, err := o.store.ListEvents(ctx, store.EventQuery{WorkspaceID: workspaceID, Limit: 1})
	if err != nil {
		return "", false, fmt.Errorf("check workspace history: %w", err)
	}
	if len(events) > 0 {
		return "", false, nil
	}

	eventID, err := o.store.AppendEvent(ctx, &models.Event{
		ID:          o.newID(),
		Timestamp:   o.now().UTC(),
		Actor:       models.ActorAssistant,
		EventType:   models.EventTypeMessage,
		WorkspaceID: workspaceID,
		ThreadID:    threadID,
		ProfileID:   profileID,
		Payload: map[string]any{
			"content":     "Welcome! Tell me what you're working on, or pick a starting point.",
			"is_welcome":  true,
			"suggestions": welcomeSuggestions,
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("append welcome event: %w", err)
	}
	return eventID, true, nil
}

// refineThreadTitle derives a title from the first user message once the
// conversation has enough assistant turns to be worth naming.
func (o *Orchestrator) refineThreadTitle(ctx context.Context, thread *models.Thread) {
	if thread.Title != defaultThreadTitle {
		return
	}
	count, err := o.store.CountMessagesByThread(ctx, thread.WorkspaceID, thread.ID)
	if err != nil || count < titleRefineAfter {
		return
	}
	events, err := o.store.ListEvents(ctx, store.EventQuery{
		WorkspaceID: thread.WorkspaceID,
		ThreadID:    thread.ID,
		Types:       []models.EventType{models.EventTypeMessage},
		Limit:       conversationWindow,
	})
	if err != nil {
		return
	}
	for _, e := range events {
		if e.Actor != models.ActorUser {
			continue
		}
		content, _ := e.Payload["content"].(string)
		title := firstWords(content, 8)
		if title == "" {
			continue
		}
		if err := o.store.UpdateThreadTitle(ctx, thread.ID, title); err != nil {
			o.logger.Warn("failed to refine thread title", "thread_id", thread.ID, "error", err)
			return
		}
		thread.Title = title
		return
	}
}

// streamWithContext assembles the prompt context from the event log, the
// timeline, and the active intent cards, then streams the completion. The
// systemExtra carries a conversational playbook body when one is selected;
// beforeComplete runs after the last chunk, before the complete envelope.
func (o *Orchestrator) streamWithContext(ctx context.Context, turn *stream.Turn, req RouteRequest,
	threadID, systemExtra string, beforeComplete func(*stream.Turn)) (string, error) {
	turn.Emit(stream.Envelope{
		Type:    stream.EventPipelineStage,
		Stage:   stream.StageContextBuilding,
		Message: "assembling context",
	})

	pc := stream.PromptContext{
		SystemPrefix:     systemPrefix,
		WorkspaceContext: systemExtra,
		ActiveIntents:    o.renderActiveIntents(ctx, req.ProfileID),
		CurrentTasks:     o.renderPendingTasks(ctx, req.WorkspaceID),
		Conversation:     o.renderConversation(ctx, req.WorkspaceID, threadID),
		Timeline:         o.renderTimeline(ctx, req.WorkspaceID),
		UserMessage:      req.Message,
	}

	return o.executor.StreamCompletion(ctx, turn, stream.CompletionRequest{
		WorkspaceID:    req.WorkspaceID,
		ThreadID:       threadID,
		ProfileID:      req.ProfileID,
		MessageID:      o.newID(),
		Context:        pc,
		BeforeComplete: beforeComplete,
	})
}

func (o *Orchestrator) renderConversation(ctx context.Context, workspaceID, threadID string) string {
	events, err := o.store.ListEvents(ctx, store.EventQuery{
		WorkspaceID: workspaceID,
		ThreadID:    threadID,
		Types:       []models.EventType{models.EventTypeMessage},
		Limit:       conversationWindow,
	})
	if err != nil {
		o.logger.Warn("failed to load conversation context", "workspace_id", workspaceID, "error", err)
		return ""
	}
	var b strings.Builder
	for _, e := range events {
		content, _ := e.Payload["content"].(string)
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", e.Actor, content)
	}
	return strings.TrimSpace(b.String())
}

func (o *Orchestrator) renderTimeline(ctx context.Context, workspaceID string) string {
	items, err := o.store.ListTimelineByWorkspace(ctx, workspaceID, timelineWindow)
	if err != nil {
		o.logger.Warn("failed to load timeline context", "workspace_id", workspaceID, "error", err)
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", item.Type, item.Title)
	}
	return strings.TrimSpace(b.String())
}

func (o *Orchestrator) renderActiveIntents(ctx context.Context, profileID string) string {
	cards, err := o.store.ListIntentCards(ctx, store.IntentCardQuery{
		ProfileID: profileID,
		Statuses:  []models.IntentCardStatus{models.IntentCardActive},
		Limit:     intentCardWindow,
	})
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, c := range cards {
		fmt.Fprintf(&b, "- %s (%s)\n", c.Title, c.Priority)
	}
	return strings.TrimSpace(b.String())
}

func (o *Orchestrator) renderPendingTasks(ctx context.Context, workspaceID string) string {
	tasks, err := o.store.ListPendingTasks(ctx, workspaceID)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for i, t := range tasks {
		if i >= timelineWindow {
			break
		}
		fmt.Fprintf(&b, "- %s/%s (%s)\n", t.PackID, t.TaskType, t.Status)
	}
	return strings.TrimSpace(b.String())
}
