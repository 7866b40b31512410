package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const taskColumns = `id, kind, priority, status, account_id, payload, scheduled_at, started_at, completed_at,
	attempts, max_attempts, last_error, result, worker_id, created_at, updated_at`

// CreateTask inserts a task row.
func (s *Store) CreateTask(ctx context.Context, t models.Task) error {
	payloadJSON, lastErrJSON, resultJSON, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, string(t.Kind), int(t.Priority), string(t.Status), t.AccountID, payloadJSON,
		t.ScheduledAt, t.StartedAt, t.CompletedAt, t.Attempts, t.MaxAttempts, lastErrJSON,
		resultJSON, t.WorkerID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

// ListTasks pages through tasks matching filter, oldest first.
func (s *Store) ListTasks(ctx context.Context, filter models.TaskFilter, page models.Page) (models.PaginationResult[models.Task], error) {
	page = page.Normalize()
	where, args := taskWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return models.PaginationResult[models.Task]{}, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, page.PageSize, page.Offset())
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return models.PaginationResult[models.Task]{}, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var items []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return models.PaginationResult[models.Task]{}, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return models.PaginationResult[models.Task]{}, fmt.Errorf("iterate tasks: %w", err)
	}
	return models.NewPaginationResult(items, total, page), nil
}

func taskWhere(f models.TaskFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.CreatedBefore != nil {
		add("created_at < $%d", *f.CreatedBefore)
	}
	if f.CreatedAfter != nil {
		add("created_at > $%d", *f.CreatedAfter)
	}
	if f.UpdatedBefore != nil {
		add("updated_at < $%d", *f.UpdatedBefore)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// UpdateTask locks the row, applies fn and writes the result back in one transaction.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*models.Task) error) (models.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Task{}, err
	}
	if err := fn(&t); err != nil {
		return models.Task{}, err
	}
	t.ID = id

	payloadJSON, lastErrJSON, resultJSON, err := encodeTaskJSON(t)
	if err != nil {
		return models.Task{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks
		SET priority = $2, status = $3, account_id = $4, payload = $5, scheduled_at = $6,
		    started_at = $7, completed_at = $8, attempts = $9, max_attempts = $10,
		    last_error = $11, result = $12, worker_id = $13, updated_at = $14
		WHERE id = $1
	`, id, int(t.Priority), string(t.Status), t.AccountID, payloadJSON, t.ScheduledAt,
		t.StartedAt, t.CompletedAt, t.Attempts, t.MaxAttempts, lastErrJSON, resultJSON,
		t.WorkerID, t.UpdatedAt)
	if err != nil {
		return models.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// DeleteTerminalBefore removes completed and failed tasks that finished before cutoff.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed') AND completed_at < $1
		RETURNING id
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("collect deleted ids: %w", err)
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM task_events WHERE task_id = ANY($1)`, ids); err != nil {
			return 0, fmt.Errorf("delete task events: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int64(len(ids)), nil
}

// TaskStats counts tasks per status.
func (s *Store) TaskStats(ctx context.Context) (models.TaskStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return models.TaskStats{}, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	stats := models.TaskStats{ByStatus: make(map[models.TaskStatus]int64)}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return models.TaskStats{}, fmt.Errorf("scan task stats: %w", err)
		}
		stats.ByStatus[models.TaskStatus(status)] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, ev models.TaskEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (task_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, ev.TaskID, ev.Event, ev.Detail, ev.Recorded)
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail of a task in insertion order.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, event, detail, recorded_at FROM task_events WHERE task_id = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TaskEvent, error) {
		var ev models.TaskEvent
		err := row.Scan(&ev.TaskID, &ev.Event, &ev.Detail, &ev.Recorded)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan task events: %w", err)
	}
	return events, nil
}

func encodeTaskJSON(t models.Task) (payload, lastErr, result []byte, err error) {
	payload, err = json.Marshal(t.Payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	if t.LastError != nil {
		if lastErr, err = json.Marshal(t.LastError); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal last error: %w", err)
		}
	}
	if t.Result != nil {
		if result, err = json.Marshal(t.Result); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return payload, lastErr, result, nil
}

func scanTask(row pgx.Row) (models.Task, error) {
	var (
		t                            models.Task
		kind, status                 string
		priority                     int
		accountID, workerID          pgtype.Text
		payloadJSON, lastErr, result []byte
	)
	err := row.Scan(&t.ID, &kind, &priority, &status, &accountID, &payloadJSON, &t.ScheduledAt,
		&t.StartedAt, &t.CompletedAt, &t.Attempts, &t.MaxAttempts, &lastErr, &result, &workerID,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Kind = models.Kind(kind)
	t.Priority = models.Priority(priority)
	t.Status = models.TaskStatus(status)
	t.AccountID = textPtr(accountID)
	t.WorkerID = textPtr(workerID)
	if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(lastErr) > 0 {
		t.LastError = &models.Failure{}
		if err := json.Unmarshal(lastErr, t.LastError); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal last error: %w", err)
		}
	}
	if len(result) > 0 {
		t.Result = &models.TaskResult{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return t, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
