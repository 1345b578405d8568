package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stationd/stationd/pkg/models"
)

// Memory is an in-process Store used by tests and local development. All
// methods are safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	events    []*models.Event
	threads   map[string]*models.Thread
	tasks     map[string]*models.Task
	taskOrder []string
	timeline  map[string]*models.TimelineItem
	timeOrder []string
	hookRuns  map[string]*models.HookRun

	intentCards   map[string]*models.IntentCard
	intentSignals map[string]*models.IntentSignal
	signalOrder   []string
	intentLogs    map[string]*models.IntentLog
	logOrder      []string

	userPlaybooks map[string]*models.PlaybookRun // key: workspace|locale|code

	systemSettings    map[string]any
	workspaceSettings map[string]any // key: workspace|key
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		threads:           make(map[string]*models.Thread),
		tasks:             make(map[string]*models.Task),
		timeline:          make(map[string]*models.TimelineItem),
		hookRuns:          make(map[string]*models.HookRun),
		intentCards:       make(map[string]*models.IntentCard),
		intentSignals:     make(map[string]*models.IntentSignal),
		intentLogs:        make(map[string]*models.IntentLog),
		userPlaybooks:     make(map[string]*models.PlaybookRun),
		systemSettings:    make(map[string]any),
		workspaceSettings: make(map[string]any),
	}
}

var _ Store = (*Memory)(nil)

// --- EventLog ---

func (m *Memory) AppendEvent(_ context.Context, evt *models.Event) (string, error) {
	if evt.ID == "" {
		return "", fmt.Errorf("event id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.events {
		if existing.ID == evt.ID {
			return "", fmt.Errorf("%w: event %s", ErrDuplicateKey, evt.ID)
		}
	}

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].WorkspaceID == evt.WorkspaceID {
			if !evt.Timestamp.After(m.events[i].Timestamp) {
				evt.Timestamp = m.events[i].Timestamp.Add(time.Microsecond)
			}
			break
		}
	}

	cp := *evt
	m.events = append(m.events, &cp)
	return evt.ID, nil
}

func (m *Memory) matchEvents(q EventQuery) []*models.Event {
	var cutoff *models.Event
	if q.BeforeID != "" {
		for _, evt := range m.events {
			if evt.ID == q.BeforeID {
				cutoff = evt
				break
			}
		}
	}

	var out []*models.Event
	for idx, evt := range m.events {
		if evt.WorkspaceID != q.WorkspaceID {
			continue
		}
		if q.ThreadID != "" && evt.ThreadID != q.ThreadID {
			continue
		}
		if len(q.Types) > 0 && !containsType(q.Types, evt.EventType) {
			continue
		}
		if q.StartTime != nil && evt.Timestamp.Before(*q.StartTime) {
			continue
		}
		if q.EndTime != nil && evt.Timestamp.After(*q.EndTime) {
			continue
		}
		if cutoff != nil {
			cutoffIdx := indexOfEvent(m.events, cutoff.ID)
			if idx >= cutoffIdx {
				continue
			}
		}
		out = append(out, evt)
	}
	return out
}

func indexOfEvent(events []*models.Event, id string) int {
	for i, evt := range events {
		if evt.ID == id {
			return i
		}
	}
	return len(events)
}

func containsType(types []models.EventType, t models.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func (m *Memory) GetEvent(_ context.Context, id string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, evt := range m.events {
		if evt.ID == id {
			cp := *evt
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListEvents(_ context.Context, q EventQuery) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := m.matchEvents(q)
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	out := make([]*models.Event, len(matched))
	for i, evt := range matched {
		cp := *evt
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) CountEvents(_ context.Context, q EventQuery) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q.Limit = 0
	q.BeforeID = ""
	return len(m.matchEvents(q)), nil
}

func (m *Memory) CountMessagesByThread(_ context.Context, workspaceID, threadID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, evt := range m.events {
		if evt.WorkspaceID == workspaceID && evt.ThreadID == threadID && evt.EventType == models.EventTypeMessage {
			count++
		}
	}
	return count, nil
}

func (m *Memory) PruneEvents(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	removed := 0
	for _, evt := range m.events {
		if evt.Timestamp.Before(olderThan) && evt.EventType != models.EventTypeMessage {
			removed++
			continue
		}
		kept = append(kept, evt)
	}
	m.events = kept
	return removed, nil
}

// --- ThreadStore ---

func (m *Memory) CreateThread(_ context.Context, t *models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[t.ID]; ok {
		return fmt.Errorf("%w: thread %s", ErrDuplicateKey, t.ID)
	}
	if t.IsDefault {
		for _, existing := range m.threads {
			if existing.WorkspaceID == t.WorkspaceID && existing.IsDefault {
				return fmt.Errorf("%w: default thread for workspace %s", ErrDuplicateKey, t.WorkspaceID)
			}
		}
	}
	cp := *t
	m.threads[t.ID] = &cp
	return nil
}

func (m *Memory) GetThread(_ context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetDefaultThread(_ context.Context, workspaceID string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.threads {
		if t.WorkspaceID == workspaceID && t.IsDefault {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateThreadTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.Title = title
	return nil
}

func (m *Memory) TouchThread(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.LastMessageAt = at
	t.MessageCount++
	return nil
}

// --- TaskStore ---

func (m *Memory) CreateTask(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("%w: task %s", ErrDuplicateKey, t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	cp := *t
	m.tasks[t.ID] = &cp
	m.taskOrder = append(m.taskOrder, t.ID)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetTasksByExecutionID(_ context.Context, executionID string) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Task
	for _, id := range m.taskOrder {
		if t := m.tasks[id]; t.ExecutionID == executionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListPendingTasks(ctx context.Context, workspaceID string) ([]*models.Task, error) {
	return m.listTasksByStatus(workspaceID, models.TaskStatusPending)
}

func (m *Memory) ListRunningTasks(ctx context.Context, workspaceID string) ([]*models.Task, error) {
	return m.listTasksByStatus(workspaceID, models.TaskStatusRunning)
}

func (m *Memory) listTasksByStatus(workspaceID string, status models.TaskStatus) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Task
	for _, id := range m.taskOrder {
		if t := m.tasks[id]; t.WorkspaceID == workspaceID && t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, taskID string, status models.TaskStatus, upd TaskStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status.IsTerminal() {
		return nil
	}
	switch status {
	case models.TaskStatusRunning:
		if t.Status != models.TaskStatusPending {
			return nil
		}
	case models.TaskStatusSucceeded, models.TaskStatusFailed, models.TaskStatusSkipped:
	default:
		return fmt.Errorf("invalid target task status %q", status)
	}

	t.Status = status
	if upd.Result != nil {
		t.Result = upd.Result
	}
	if upd.Error != "" {
		t.Error = upd.Error
	}
	if status == models.TaskStatusRunning {
		started := time.Now().UTC()
		if upd.StartedAt != nil {
			started = *upd.StartedAt
		}
		t.StartedAt = &started
	}
	if status.IsTerminal() {
		completed := time.Now().UTC()
		if upd.CompletedAt != nil {
			completed = *upd.CompletedAt
		}
		t.CompletedAt = &completed
	}
	return nil
}

// --- TimelineStore ---

func (m *Memory) CreateTimelineItem(_ context.Context, item *models.TimelineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timeline[item.ID]; ok {
		return fmt.Errorf("%w: timeline item %s", ErrDuplicateKey, item.ID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	cp := *item
	m.timeline[item.ID] = &cp
	m.timeOrder = append(m.timeOrder, item.ID)
	return nil
}

func (m *Memory) GetTimelineItem(_ context.Context, id string) (*models.TimelineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.timeline[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *Memory) ListTimelineByWorkspace(_ context.Context, workspaceID string, limit int) ([]*models.TimelineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.TimelineItem
	for _, id := range m.timeOrder {
		if item := m.timeline[id]; item.WorkspaceID == workspaceID {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListTimelineByMessage(_ context.Context, messageID string) ([]*models.TimelineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TimelineItem
	for _, id := range m.timeOrder {
		if item := m.timeline[id]; item.MessageID == messageID {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdateTimelineItem(_ context.Context, itemID string, data map[string]any, cta []models.CTAAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.timeline[itemID]
	if !ok {
		return ErrNotFound
	}
	if data != nil {
		item.Data = data
	}
	if cta != nil {
		item.CTA = cta
	}
	return nil
}

// --- HookRunStore ---

func (m *Memory) GetHookRun(_ context.Context, idempotencyKey string) (*models.HookRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.hookRuns[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) CreateHookRun(_ context.Context, run *models.HookRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hookRuns[run.IdempotencyKey]; ok {
		return fmt.Errorf("%w: hook run %s", ErrDuplicateKey, run.IdempotencyKey)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := *run
	m.hookRuns[run.IdempotencyKey] = &cp
	return nil
}

// --- IntentStore ---

func (m *Memory) CreateIntentCard(_ context.Context, card *models.IntentCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intentCards[card.ID]; ok {
		return fmt.Errorf("%w: intent card %s", ErrDuplicateKey, card.ID)
	}
	now := time.Now().UTC()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.UpdatedAt = now
	cp := *card
	m.intentCards[card.ID] = &cp
	return nil
}

func (m *Memory) GetIntentCard(_ context.Context, id string) (*models.IntentCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	card, ok := m.intentCards[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *card
	return &cp, nil
}

func (m *Memory) UpdateIntentCard(_ context.Context, card *models.IntentCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.intentCards[card.ID]
	if !ok {
		return ErrNotFound
	}
	card.CreatedAt = existing.CreatedAt
	card.UpdatedAt = time.Now().UTC()
	cp := *card
	m.intentCards[card.ID] = &cp
	return nil
}

func (m *Memory) ListIntentCards(_ context.Context, q IntentCardQuery) ([]*models.IntentCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.IntentCard
	for _, card := range m.intentCards {
		if card.ProfileID != q.ProfileID {
			continue
		}
		if len(q.Statuses) > 0 && !containsStatus(q.Statuses, card.Status) {
			continue
		}
		if len(q.Priorities) > 0 && !containsPriority(q.Priorities, card.Priority) {
			continue
		}
		cp := *card
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func containsStatus(statuses []models.IntentCardStatus, s models.IntentCardStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func containsPriority(priorities []models.IntentPriority, p models.IntentPriority) bool {
	for _, candidate := range priorities {
		if candidate == p {
			return true
		}
	}
	return false
}

func (m *Memory) CreateIntentSignal(_ context.Context, sig *models.IntentSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intentSignals[sig.ID]; ok {
		return fmt.Errorf("%w: intent signal %s", ErrDuplicateKey, sig.ID)
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	if sig.Status == "" {
		sig.Status = models.SignalCandidate
	}
	cp := *sig
	m.intentSignals[sig.ID] = &cp
	m.signalOrder = append(m.signalOrder, sig.ID)
	return nil
}

func (m *Memory) ListCandidateSignals(_ context.Context, workspaceID string, since time.Time) ([]*models.IntentSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.IntentSignal
	for _, id := range m.signalOrder {
		sig := m.intentSignals[id]
		if sig.WorkspaceID != workspaceID || sig.Status != models.SignalCandidate {
			continue
		}
		if sig.CreatedAt.Before(since) {
			continue
		}
		cp := *sig
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateSignalStatus(_ context.Context, signalID string, status models.SignalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.intentSignals[signalID]
	if !ok {
		return ErrNotFound
	}
	sig.Status = status
	return nil
}

func (m *Memory) CreateIntentLog(_ context.Context, log *models.IntentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intentLogs[log.ID]; ok {
		return fmt.Errorf("%w: intent log %s", ErrDuplicateKey, log.ID)
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	cp := *log
	m.intentLogs[log.ID] = &cp
	m.logOrder = append(m.logOrder, log.ID)
	return nil
}

func (m *Memory) ListIntentLogs(_ context.Context, workspaceID string, limit int) ([]*models.IntentLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.IntentLog
	for _, id := range m.logOrder {
		if log := m.intentLogs[id]; log.WorkspaceID == workspaceID {
			cp := *log
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetIntentLogOverride(_ context.Context, logID string, override map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.intentLogs[logID]
	if !ok {
		return ErrNotFound
	}
	log.UserOverride = override
	return nil
}

// --- PlaybookStore ---

func playbookKey(workspaceID, locale, code string) string {
	if locale == "" {
		locale = "en"
	}
	return workspaceID + "|" + locale + "|" + code
}

func (m *Memory) ListUserPlaybooks(_ context.Context, workspaceID, locale string) ([]*models.PlaybookRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := playbookKey(workspaceID, locale, "")
	var out []*models.PlaybookRun
	for key, run := range m.userPlaybooks {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		cp := *run
		cp.Source = models.PlaybookSourceUser
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PlaybookCode < out[j].PlaybookCode
	})
	return out, nil
}

func (m *Memory) UpsertUserPlaybook(_ context.Context, workspaceID, locale string, run *models.PlaybookRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.userPlaybooks[playbookKey(workspaceID, locale, run.PlaybookCode)] = &cp
	return nil
}

// --- SettingsStore ---

func (m *Memory) GetSystemSetting(_ context.Context, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.systemSettings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetSystemSetting(_ context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemSettings[key] = value
	return nil
}

func (m *Memory) GetWorkspaceSetting(_ context.Context, workspaceID, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.workspaceSettings[workspaceID+"|"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetWorkspaceSetting(_ context.Context, workspaceID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaceSettings[workspaceID+"|"+key] = value
	return nil
}
