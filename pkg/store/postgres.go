package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stationd/stationd/pkg/models"
)

// Postgres implements Store on a PostgreSQL connection pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres store over an existing pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint errors.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func unmarshalStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var s []string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return s
}

// --- EventLog ---

// AppendEvent appends an event inside a transaction, adjusting the stored
// timestamp forward when needed so timestamps never decrease within a
// workspace.
func (p *Postgres) AppendEvent(ctx context.Context, evt *models.Event) (string, error) {
	if evt.ID == "" {
		return "", fmt.Errorf("event id is required")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	payload, err := marshalJSON(orEmptyMap(evt.Payload))
	if err != nil {
		return "", err
	}
	entityIDs, err := marshalJSON(orEmptySlice(evt.EntityIDs))
	if err != nil {
		return "", err
	}
	metadata, err := marshalJSON(orEmptyMap(evt.Metadata))
	if err != nil {
		return "", err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM events WHERE workspace_id = $1`, evt.WorkspaceID,
	).Scan(&last)
	if err != nil {
		return "", fmt.Errorf("failed to read last event timestamp: %w", err)
	}
	if last.Valid && !evt.Timestamp.After(last.Time) {
		evt.Timestamp = last.Time.Add(time.Microsecond)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, ts, actor, event_type, workspace_id, thread_id, project_id, profile_id, payload, entity_ids, metadata)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11)`,
		evt.ID, evt.Timestamp, string(evt.Actor), string(evt.EventType),
		evt.WorkspaceID, evt.ThreadID, evt.ProjectID, evt.ProfileID,
		payload, entityIDs, metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: event %s", ErrDuplicateKey, evt.ID)
		}
		return "", fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit event append: %w", err)
	}
	return evt.ID, nil
}

func buildEventWhere(q EventQuery, args *[]any) string {
	var conds []string
	add := func(cond string, vals ...any) {
		for _, v := range vals {
			*args = append(*args, v)
		}
		conds = append(conds, cond)
	}

	add(fmt.Sprintf("workspace_id = $%d", len(*args)+1), q.WorkspaceID)
	if q.ThreadID != "" {
		add(fmt.Sprintf("thread_id = $%d", len(*args)+1), q.ThreadID)
	}
	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			*args = append(*args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(*args))
		}
		conds = append(conds, fmt.Sprintf("event_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if q.StartTime != nil {
		add(fmt.Sprintf("ts >= $%d", len(*args)+1), *q.StartTime)
	}
	if q.EndTime != nil {
		add(fmt.Sprintf("ts <= $%d", len(*args)+1), *q.EndTime)
	}
	if q.BeforeID != "" {
		add(fmt.Sprintf("(ts, seq) < (SELECT ts, seq FROM events WHERE id = $%d)", len(*args)+1), q.BeforeID)
	}
	return strings.Join(conds, " AND ")
}

// GetEvent returns one event by id.
func (p *Postgres) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, ts, actor, event_type, workspace_id,
			COALESCE(thread_id, ''), COALESCE(project_id, ''), COALESCE(profile_id, ''),
			payload, entity_ids, metadata
		FROM events WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return scanEvent(rows)
}

// ListEvents returns matching events in chronological order.
func (p *Postgres) ListEvents(ctx context.Context, q EventQuery) ([]*models.Event, error) {
	var args []any
	where := buildEventWhere(q, &args)

	query := `SELECT id, ts, actor, event_type, workspace_id,
			COALESCE(thread_id, ''), COALESCE(project_id, ''), COALESCE(profile_id, ''),
			payload, entity_ids, metadata
		FROM events WHERE ` + where + ` ORDER BY ts, seq`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		// Cursor pagination walks backwards from the cursor; take the newest
		// Limit rows of the filtered range, then flip back to chronological.
		query = `SELECT * FROM (` +
			`SELECT id, ts, actor, event_type, workspace_id,
				COALESCE(thread_id, ''), COALESCE(project_id, ''), COALESCE(profile_id, ''),
				payload, entity_ids, metadata
			FROM events WHERE ` + where + fmt.Sprintf(` ORDER BY ts DESC, seq DESC LIMIT $%d`, len(args)) +
			`) sub ORDER BY ts, seq`
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*models.Event, error) {
	var (
		evt                         models.Event
		actor, eventType            string
		payload, entityIDs, rawMeta []byte
	)
	if err := rows.Scan(&evt.ID, &evt.Timestamp, &actor, &eventType, &evt.WorkspaceID,
		&evt.ThreadID, &evt.ProjectID, &evt.ProfileID,
		&payload, &entityIDs, &rawMeta); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	evt.Actor = models.Actor(actor)
	evt.EventType = models.EventType(eventType)
	evt.Payload = unmarshalMap(payload)
	evt.EntityIDs = unmarshalStrings(entityIDs)
	evt.Metadata = unmarshalMap(rawMeta)
	return &evt, nil
}

// CountEvents counts events matching the query, ignoring Limit and BeforeID.
func (p *Postgres) CountEvents(ctx context.Context, q EventQuery) (int, error) {
	q.BeforeID = ""
	q.Limit = 0
	var args []any
	where := buildEventWhere(q, &args)

	var count int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// CountMessagesByThread counts message events in a thread.
func (p *Postgres) CountMessagesByThread(ctx context.Context, workspaceID, threadID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE workspace_id = $1 AND thread_id = $2 AND event_type = $3`,
		workspaceID, threadID, string(models.EventTypeMessage),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count thread messages: %w", err)
	}
	return count, nil
}

// PruneEvents deletes non-message events older than the cutoff.
func (p *Postgres) PruneEvents(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM events WHERE ts < $1 AND event_type <> $2`,
		olderThan, string(models.EventTypeMessage),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- ThreadStore ---

func (p *Postgres) CreateThread(ctx context.Context, t *models.Thread) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO threads (id, workspace_id, title, is_default, last_message_at, message_count)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.WorkspaceID, t.Title, t.IsDefault, nullTime(t.LastMessageAt), t.MessageCount,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: thread %s", ErrDuplicateKey, t.ID)
		}
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

func (p *Postgres) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	return p.queryThread(ctx, `SELECT id, workspace_id, title, is_default, last_message_at, message_count
		FROM threads WHERE id = $1`, id)
}

func (p *Postgres) GetDefaultThread(ctx context.Context, workspaceID string) (*models.Thread, error) {
	return p.queryThread(ctx, `SELECT id, workspace_id, title, is_default, last_message_at, message_count
		FROM threads WHERE workspace_id = $1 AND is_default`, workspaceID)
}

func (p *Postgres) queryThread(ctx context.Context, query string, args ...any) (*models.Thread, error) {
	var (
		t    models.Thread
		last sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, query, args...).Scan(
		&t.ID, &t.WorkspaceID, &t.Title, &t.IsDefault, &last, &t.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	if last.Valid {
		t.LastMessageAt = last.Time
	}
	return &t, nil
}

func (p *Postgres) UpdateThreadTitle(ctx context.Context, id, title string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE threads SET title = $2 WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("failed to update thread title: %w", err)
	}
	return requireAffected(res)
}

func (p *Postgres) TouchThread(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE threads SET last_message_at = $2, message_count = message_count + 1 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	return requireAffected(res)
}

// --- TaskStore ---

func (p *Postgres) CreateTask(ctx context.Context, t *models.Task) error {
	params, err := marshalJSON(orEmptyMap(t.Params))
	if err != nil {
		return err
	}
	result, err := marshalJSON(t.Result)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO tasks (id, workspace_id, message_id, execution_id, pack_id, task_type, status,
			params, result, side_effect_level, auto_execute, requires_cta, created_at, started_at, completed_at, error)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULLIF($16, ''))`,
		t.ID, t.WorkspaceID, t.MessageID, t.ExecutionID, t.PackID, t.TaskType, string(t.Status),
		params, result, string(t.SideEffectLevel), t.AutoExecute, t.RequiresCTA,
		t.CreatedAt, t.StartedAt, t.CompletedAt, t.Error,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task %s", ErrDuplicateKey, t.ID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

const taskColumns = `id, workspace_id, COALESCE(message_id, ''), COALESCE(execution_id, ''),
	pack_id, task_type, status, params, result, side_effect_level, auto_execute, requires_cta,
	created_at, started_at, completed_at, COALESCE(error, '')`

func (p *Postgres) GetTask(ctx context.Context, id string) (*models.Task, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return tasks[0], nil
}

func (p *Postgres) GetTasksByExecutionID(ctx context.Context, executionID string) ([]*models.Task, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tasks by execution: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (p *Postgres) ListPendingTasks(ctx context.Context, workspaceID string) ([]*models.Task, error) {
	return p.listTasksByStatus(ctx, workspaceID, models.TaskStatusPending)
}

func (p *Postgres) ListRunningTasks(ctx context.Context, workspaceID string) ([]*models.Task, error) {
	return p.listTasksByStatus(ctx, workspaceID, models.TaskStatusRunning)
}

func (p *Postgres) listTasksByStatus(ctx context.Context, workspaceID string, status models.TaskStatus) ([]*models.Task, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workspace_id = $1 AND status = $2 ORDER BY created_at`,
		workspaceID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var out []*models.Task
	for rows.Next() {
		var (
			t               models.Task
			status, level   string
			params, result  []byte
			started, compAt sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.MessageID, &t.ExecutionID,
			&t.PackID, &t.TaskType, &status, &params, &result, &level,
			&t.AutoExecute, &t.RequiresCTA, &t.CreatedAt, &started, &compAt, &t.Error); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Status = models.TaskStatus(status)
		t.SideEffectLevel = models.SideEffectLevel(level)
		t.Params = unmarshalMap(params)
		t.Result = unmarshalMap(result)
		if started.Valid {
			st := started.Time
			t.StartedAt = &st
		}
		if compAt.Valid {
			ct := compAt.Time
			t.CompletedAt = &ct
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus applies a monotonic transition. Tasks already terminal
// are left untouched; unknown ids return ErrNotFound.
func (p *Postgres) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, upd TaskStatusUpdate) error {
	var allowedFrom []string
	switch status {
	case models.TaskStatusRunning:
		allowedFrom = []string{string(models.TaskStatusPending)}
	case models.TaskStatusSucceeded, models.TaskStatusFailed, models.TaskStatusSkipped:
		allowedFrom = []string{string(models.TaskStatusPending), string(models.TaskStatusRunning)}
	default:
		return fmt.Errorf("invalid target task status %q", status)
	}

	result, err := marshalJSON(upd.Result)
	if err != nil {
		return err
	}

	startedAt := upd.StartedAt
	if status == models.TaskStatusRunning && startedAt == nil {
		now := time.Now().UTC()
		startedAt = &now
	}
	completedAt := upd.CompletedAt
	if status.IsTerminal() && completedAt == nil {
		now := time.Now().UTC()
		completedAt = &now
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status = $2,
			result = COALESCE($3, result),
			error = COALESCE(NULLIF($4, ''), error),
			started_at = COALESCE($5, started_at),
			completed_at = COALESCE($6, completed_at)
		 WHERE id = $1 AND status = ANY($7)`,
		taskID, string(status), nullableJSON(result, upd.Result == nil), upd.Error,
		startedAt, completedAt, pgTextArray(allowedFrom),
	)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the task does not exist or it is already terminal.
		if _, err := p.GetTask(ctx, taskID); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// --- TimelineStore ---

func (p *Postgres) CreateTimelineItem(ctx context.Context, item *models.TimelineItem) error {
	data, err := marshalJSON(orEmptyMap(item.Data))
	if err != nil {
		return err
	}
	cta, err := marshalJSON(orEmptyCTA(item.CTA))
	if err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO timeline_items (id, workspace_id, message_id, task_id, item_type, title, summary, data, cta, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10)`,
		item.ID, item.WorkspaceID, item.MessageID, item.TaskID, string(item.Type),
		item.Title, item.Summary, data, cta, item.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: timeline item %s", ErrDuplicateKey, item.ID)
		}
		return fmt.Errorf("failed to create timeline item: %w", err)
	}
	return nil
}

const timelineColumns = `id, workspace_id, COALESCE(message_id, ''), COALESCE(task_id, ''),
	item_type, title, summary, data, cta, created_at`

func (p *Postgres) GetTimelineItem(ctx context.Context, id string) (*models.TimelineItem, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+timelineColumns+` FROM timeline_items WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get timeline item: %w", err)
	}
	defer rows.Close()
	items, err := scanTimelineItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

func (p *Postgres) ListTimelineByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*models.TimelineItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+timelineColumns+` FROM timeline_items WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2`,
		workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline items: %w", err)
	}
	defer rows.Close()
	return scanTimelineItems(rows)
}

func (p *Postgres) ListTimelineByMessage(ctx context.Context, messageID string) ([]*models.TimelineItem, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+timelineColumns+` FROM timeline_items WHERE message_id = $1 ORDER BY created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline items by message: %w", err)
	}
	defer rows.Close()
	return scanTimelineItems(rows)
}

func scanTimelineItems(rows *sql.Rows) ([]*models.TimelineItem, error) {
	var out []*models.TimelineItem
	for rows.Next() {
		var (
			item      models.TimelineItem
			itemType  string
			data, cta []byte
		)
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.MessageID, &item.TaskID,
			&itemType, &item.Title, &item.Summary, &data, &cta, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline item: %w", err)
		}
		item.Type = models.TimelineItemType(itemType)
		item.Data = unmarshalMap(data)
		if len(cta) > 0 {
			_ = json.Unmarshal(cta, &item.CTA)
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateTimelineItem(ctx context.Context, itemID string, data map[string]any, cta []models.CTAAction) error {
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return err
	}
	ctaJSON, err := marshalJSON(cta)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE timeline_items SET
			data = COALESCE($2, data),
			cta = COALESCE($3, cta)
		 WHERE id = $1`,
		itemID, nullableJSON(dataJSON, data == nil), nullableJSON(ctaJSON, cta == nil))
	if err != nil {
		return fmt.Errorf("failed to update timeline item: %w", err)
	}
	return requireAffected(res)
}

// --- HookRunStore ---

func (p *Postgres) GetHookRun(ctx context.Context, idempotencyKey string) (*models.HookRun, error) {
	var (
		run     models.HookRun
		status  string
		summary []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT idempotency_key, hook_type, workspace_id, status, result_summary, created_at
		 FROM hook_runs WHERE idempotency_key = $1`, idempotencyKey,
	).Scan(&run.IdempotencyKey, &run.HookType, &run.WorkspaceID, &status, &summary, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hook run: %w", err)
	}
	run.Status = models.HookRunStatus(status)
	run.ResultSummary = unmarshalMap(summary)
	return &run, nil
}

func (p *Postgres) CreateHookRun(ctx context.Context, run *models.HookRun) error {
	summary, err := marshalJSON(orEmptyMap(run.ResultSummary))
	if err != nil {
		return err
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO hook_runs (idempotency_key, hook_type, workspace_id, status, result_summary, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.IdempotencyKey, run.HookType, run.WorkspaceID, string(run.Status), summary, run.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: hook run %s", ErrDuplicateKey, run.IdempotencyKey)
		}
		return fmt.Errorf("failed to create hook run: %w", err)
	}
	return nil
}

// --- IntentStore ---

func (p *Postgres) CreateIntentCard(ctx context.Context, card *models.IntentCard) error {
	return p.writeIntentCard(ctx, card, true)
}

func (p *Postgres) UpdateIntentCard(ctx context.Context, card *models.IntentCard) error {
	return p.writeIntentCard(ctx, card, false)
}

func (p *Postgres) writeIntentCard(ctx context.Context, card *models.IntentCard, create bool) error {
	tags, err := marshalJSON(orEmptySlice(card.Tags))
	if err != nil {
		return err
	}
	children, err := marshalJSON(orEmptySlice(card.ChildIntentIDs))
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(orEmptyMap(card.Metadata))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	card.UpdatedAt = now

	if create {
		if card.CreatedAt.IsZero() {
			card.CreatedAt = now
		}
		_, err = p.db.ExecContext(ctx,
			`INSERT INTO intent_cards (id, profile_id, title, description, status, priority, tags, category,
				progress_percentage, parent_intent_id, child_intent_ids, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14)`,
			card.ID, card.ProfileID, card.Title, card.Description, string(card.Status), string(card.Priority),
			tags, card.Category, card.ProgressPercentage, card.ParentIntentID, children, metadata,
			card.CreatedAt, card.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: intent card %s", ErrDuplicateKey, card.ID)
			}
			return fmt.Errorf("failed to create intent card: %w", err)
		}
		return nil
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE intent_cards SET title = $2, description = $3, status = $4, priority = $5, tags = $6,
			category = $7, progress_percentage = $8, parent_intent_id = NULLIF($9, ''),
			child_intent_ids = $10, metadata = $11, updated_at = $12
		 WHERE id = $1`,
		card.ID, card.Title, card.Description, string(card.Status), string(card.Priority), tags,
		card.Category, card.ProgressPercentage, card.ParentIntentID, children, metadata, card.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update intent card: %w", err)
	}
	return requireAffected(res)
}

const intentCardColumns = `id, profile_id, title, description, status, priority, tags, category,
	progress_percentage, COALESCE(parent_intent_id, ''), child_intent_ids, metadata, created_at, updated_at`

func (p *Postgres) GetIntentCard(ctx context.Context, id string) (*models.IntentCard, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+intentCardColumns+` FROM intent_cards WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get intent card: %w", err)
	}
	defer rows.Close()
	cards, err := scanIntentCards(rows)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, ErrNotFound
	}
	return cards[0], nil
}

func (p *Postgres) ListIntentCards(ctx context.Context, q IntentCardQuery) ([]*models.IntentCard, error) {
	args := []any{q.ProfileID}
	query := `SELECT ` + intentCardColumns + ` FROM intent_cards WHERE profile_id = $1`
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pgTextArray(statuses))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if len(q.Priorities) > 0 {
		priorities := make([]string, len(q.Priorities))
		for i, pr := range q.Priorities {
			priorities[i] = string(pr)
		}
		args = append(args, pgTextArray(priorities))
		query += fmt.Sprintf(" AND priority = ANY($%d)", len(args))
	}
	query += " ORDER BY updated_at DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intent cards: %w", err)
	}
	defer rows.Close()
	return scanIntentCards(rows)
}

func scanIntentCards(rows *sql.Rows) ([]*models.IntentCard, error) {
	var out []*models.IntentCard
	for rows.Next() {
		var (
			card                     models.IntentCard
			status, priority         string
			tags, children, metadata []byte
		)
		if err := rows.Scan(&card.ID, &card.ProfileID, &card.Title, &card.Description,
			&status, &priority, &tags, &card.Category, &card.ProgressPercentage,
			&card.ParentIntentID, &children, &metadata, &card.CreatedAt, &card.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intent card: %w", err)
		}
		card.Status = models.IntentCardStatus(status)
		card.Priority = models.IntentPriority(priority)
		card.Tags = unmarshalStrings(tags)
		card.ChildIntentIDs = unmarshalStrings(children)
		card.Metadata = unmarshalMap(metadata)
		out = append(out, &card)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateIntentSignal(ctx context.Context, sig *models.IntentSignal) error {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	if sig.Status == "" {
		sig.Status = models.SignalCandidate
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO intent_signals (id, workspace_id, profile_id, label, confidence, source, message_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		sig.ID, sig.WorkspaceID, sig.ProfileID, sig.Label, sig.Confidence,
		string(sig.Source), sig.MessageID, string(sig.Status), sig.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: intent signal %s", ErrDuplicateKey, sig.ID)
		}
		return fmt.Errorf("failed to create intent signal: %w", err)
	}
	return nil
}

func (p *Postgres) ListCandidateSignals(ctx context.Context, workspaceID string, since time.Time) ([]*models.IntentSignal, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, workspace_id, profile_id, label, confidence, source, COALESCE(message_id, ''), status, created_at
		 FROM intent_signals
		 WHERE workspace_id = $1 AND status = $2 AND created_at >= $3
		 ORDER BY created_at DESC`,
		workspaceID, string(models.SignalCandidate), since)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate signals: %w", err)
	}
	defer rows.Close()

	var out []*models.IntentSignal
	for rows.Next() {
		var (
			sig            models.IntentSignal
			source, status string
		)
		if err := rows.Scan(&sig.ID, &sig.WorkspaceID, &sig.ProfileID, &sig.Label,
			&sig.Confidence, &source, &sig.MessageID, &status, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intent signal: %w", err)
		}
		sig.Source = models.SignalSource(source)
		sig.Status = models.SignalStatus(status)
		out = append(out, &sig)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSignalStatus(ctx context.Context, signalID string, status models.SignalStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE intent_signals SET status = $2 WHERE id = $1`, signalID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}
	return requireAffected(res)
}

func (p *Postgres) CreateIntentLog(ctx context.Context, log *models.IntentLog) error {
	steps, err := marshalJSON(orEmptyMap(log.PipelineSteps))
	if err != nil {
		return err
	}
	decision, err := marshalJSON(orEmptyMap(log.FinalDecision))
	if err != nil {
		return err
	}
	override, err := marshalJSON(log.UserOverride)
	if err != nil {
		return err
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO intent_logs (id, workspace_id, profile_id, raw_input, channel, pipeline_steps, final_decision, user_override, phase, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		log.ID, log.WorkspaceID, log.ProfileID, log.RawInput, log.Channel,
		steps, decision, nullableJSON(override, log.UserOverride == nil), log.Phase, log.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: intent log %s", ErrDuplicateKey, log.ID)
		}
		return fmt.Errorf("failed to create intent log: %w", err)
	}
	return nil
}

func (p *Postgres) ListIntentLogs(ctx context.Context, workspaceID string, limit int) ([]*models.IntentLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, workspace_id, profile_id, raw_input, channel, pipeline_steps, final_decision, user_override, phase, created_at
		 FROM intent_logs WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2`,
		workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list intent logs: %w", err)
	}
	defer rows.Close()

	var out []*models.IntentLog
	for rows.Next() {
		var (
			log                       models.IntentLog
			steps, decision, override []byte
		)
		if err := rows.Scan(&log.ID, &log.WorkspaceID, &log.ProfileID, &log.RawInput, &log.Channel,
			&steps, &decision, &override, &log.Phase, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intent log: %w", err)
		}
		log.PipelineSteps = unmarshalMap(steps)
		log.FinalDecision = unmarshalMap(decision)
		log.UserOverride = unmarshalMap(override)
		out = append(out, &log)
	}
	return out, rows.Err()
}

func (p *Postgres) SetIntentLogOverride(ctx context.Context, logID string, override map[string]any) error {
	data, err := marshalJSON(orEmptyMap(override))
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE intent_logs SET user_override = $2 WHERE id = $1`, logID, data)
	if err != nil {
		return fmt.Errorf("failed to set intent log override: %w", err)
	}
	return requireAffected(res)
}

// --- PlaybookStore ---

func (p *Postgres) ListUserPlaybooks(ctx context.Context, workspaceID, locale string) ([]*models.PlaybookRun, error) {
	if locale == "" {
		locale = "en"
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT playbook_code, name, description, tags, output_types, kind, interaction_mode, body, workflow_json
		 FROM user_playbooks WHERE workspace_id = $1 AND locale = $2 ORDER BY playbook_code`,
		workspaceID, locale)
	if err != nil {
		return nil, fmt.Errorf("failed to list user playbooks: %w", err)
	}
	defer rows.Close()

	var out []*models.PlaybookRun
	for rows.Next() {
		var (
			run                            models.PlaybookRun
			kind                           string
			tags, outputs, modes, workflow []byte
		)
		if err := rows.Scan(&run.PlaybookCode, &run.Name, &run.Description,
			&tags, &outputs, &kind, &modes, &run.Body, &workflow); err != nil {
			return nil, fmt.Errorf("failed to scan user playbook: %w", err)
		}
		run.Kind = models.PlaybookKind(kind)
		run.Tags = unmarshalStrings(tags)
		run.OutputTypes = unmarshalStrings(outputs)
		run.Source = models.PlaybookSourceUser
		if len(modes) > 0 {
			_ = json.Unmarshal(modes, &run.InteractionMode)
		}
		if len(workflow) > 0 && string(workflow) != "null" {
			var hp models.HandoffPlan
			if err := json.Unmarshal(workflow, &hp); err == nil {
				run.WorkflowJSON = &hp
			}
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertUserPlaybook(ctx context.Context, workspaceID, locale string, run *models.PlaybookRun) error {
	if locale == "" {
		locale = "en"
	}
	tags, err := marshalJSON(orEmptySlice(run.Tags))
	if err != nil {
		return err
	}
	outputs, err := marshalJSON(orEmptySlice(run.OutputTypes))
	if err != nil {
		return err
	}
	modes, err := marshalJSON(run.InteractionMode)
	if err != nil {
		return err
	}
	workflow, err := marshalJSON(run.WorkflowJSON)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO user_playbooks (playbook_code, workspace_id, name, description, tags, output_types, kind, interaction_mode, body, workflow_json, locale)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (workspace_id, playbook_code) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, tags = EXCLUDED.tags,
			output_types = EXCLUDED.output_types, kind = EXCLUDED.kind,
			interaction_mode = EXCLUDED.interaction_mode, body = EXCLUDED.body,
			workflow_json = EXCLUDED.workflow_json, locale = EXCLUDED.locale`,
		run.PlaybookCode, workspaceID, run.Name, run.Description, tags, outputs,
		string(run.Kind), modes, run.Body, workflow, locale,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user playbook: %w", err)
	}
	return nil
}

// --- SettingsStore ---

func (p *Postgres) GetSystemSetting(ctx context.Context, key string) (any, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get system setting: %w", err)
	}
	return decodeSettingValue(raw)
}

func (p *Postgres) SetSystemSetting(ctx context.Context, key string, value any) error {
	data, err := marshalJSON(value)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO system_settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, data)
	if err != nil {
		return fmt.Errorf("failed to set system setting: %w", err)
	}
	return nil
}

func (p *Postgres) GetWorkspaceSetting(ctx context.Context, workspaceID, key string) (any, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM workspace_settings WHERE workspace_id = $1 AND key = $2`,
		workspaceID, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace setting: %w", err)
	}
	return decodeSettingValue(raw)
}

func (p *Postgres) SetWorkspaceSetting(ctx context.Context, workspaceID, key string, value any) error {
	data, err := marshalJSON(value)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workspace_settings (workspace_id, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (workspace_id, key) DO UPDATE SET value = EXCLUDED.value`,
		workspaceID, key, data)
	if err != nil {
		return fmt.Errorf("failed to set workspace setting: %w", err)
	}
	return nil
}

func decodeSettingValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode setting value: %w", err)
	}
	return v, nil
}

// --- helpers ---

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyCTA(s []models.CTAAction) []models.CTAAction {
	if s == nil {
		return []models.CTAAction{}
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// nullableJSON returns nil when the source value was absent so COALESCE in
// the UPDATE keeps the stored column.
func nullableJSON(data []byte, absent bool) any {
	if absent {
		return nil
	}
	return data
}

// pgTextArray renders a []string as a PostgreSQL text array literal for use
// with = ANY($n).
func pgTextArray(vals []string) string {
	escaped := make([]string, len(vals))
	for i, v := range vals {
		escaped[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}
