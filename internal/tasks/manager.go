// Package tasks owns the task lifecycle: creation, operator transitions, and the
// activation and reporting steps the worker takes while executing a task.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/lock"
	"upload-dispatcher/internal/models"
	"upload-dispatcher/internal/telemetry"
)

// Repository persists tasks. UpdateTask must apply fn under a row lock (or equivalent) so
// read-modify-write cycles never interleave.
type Repository interface {
	CreateTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter, page models.Page) (models.PaginationResult[models.Task], error)
	UpdateTask(ctx context.Context, id string, fn func(*models.Task) error) (models.Task, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	TaskStats(ctx context.Context) (models.TaskStats, error)
	AppendEvent(ctx context.Context, ev models.TaskEvent) error
	ListEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error)
}

// Queue is the part of the dispatch queue the lifecycle manager drives.
type Queue interface {
	Enqueue(ctx context.Context, id string, priority models.Priority, runAt time.Time) error
	Reschedule(ctx context.Context, id string, runAt time.Time) (bool, error)
	Remove(ctx context.Context, id string) error
	Contains(ctx context.Context, id string) (bool, error)
}

// CreateSpec is a validated request for a new task.
type CreateSpec struct {
	Kind        models.Kind
	Priority    models.Priority
	Payload     models.Payload
	ScheduledAt *time.Time
	MaxAttempts int
}

// Manager enforces the task state machine on top of a Repository and the dispatch queue.
type Manager struct {
	repo        Repository
	queue       Queue
	locker      lock.Locker
	log         *zap.Logger
	maxAttempts int
	lockTTL     time.Duration
	now         func() time.Time
}

// NewManager wires a lifecycle manager. lockTTL bounds the execution lock and must exceed
// the longest driver run.
func NewManager(repo Repository, q Queue, locker lock.Locker, log *zap.Logger, cfg config.TasksConfig, lockTTL time.Duration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{
		repo:        repo,
		queue:       q,
		locker:      locker,
		log:         log.Named("tasks"),
		maxAttempts: maxAttempts,
		lockTTL:     lockTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func transition(t *models.Task, to models.TaskStatus) error {
	if !models.IsValidTransition(t.Status, to) {
		return fmt.Errorf("task %s %s -> %s: %w", t.ID, t.Status, to, apperr.ErrInvalidStateTransition)
	}
	t.Status = to
	return nil
}

// Create validates spec, persists a pending task and hands it to the dispatch queue.
// When the queue is unreachable the task stays pending and the reconciler enqueues it later.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (models.Task, error) {
	if spec.Priority == 0 {
		spec.Priority = models.PriorityNormal
	}
	if !spec.Priority.Valid() {
		return models.Task{}, apperr.Validationf("priority %d out of range", spec.Priority)
	}
	if err := spec.Payload.Validate(spec.Kind); err != nil {
		return models.Task{}, err
	}
	if spec.MaxAttempts < 0 {
		return models.Task{}, apperr.Validationf("max_attempts must not be negative")
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = m.maxAttempts
	}

	now := m.now()
	t := models.Task{
		ID:          uuid.NewString(),
		Kind:        spec.Kind,
		Priority:    spec.Priority,
		Status:      models.StatusPending,
		Payload:     spec.Payload.Clone(),
		ScheduledAt: spec.ScheduledAt,
		Attempts:    1,
		MaxAttempts: spec.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.repo.CreateTask(ctx, t); err != nil {
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}
	telemetry.TasksCreated.WithLabelValues(string(t.Kind)).Inc()
	m.record(ctx, t.ID, "created", fmt.Sprintf("kind=%s priority=%s", t.Kind, t.Priority))

	return m.enqueuePending(ctx, t), nil
}

// enqueuePending pushes a pending task to the queue and marks it queued. Failures leave the
// task pending for the reconciler.
func (m *Manager) enqueuePending(ctx context.Context, t models.Task) models.Task {
	if err := m.queue.Enqueue(ctx, t.ID, t.Priority, t.RunAt()); err != nil {
		m.log.Warn("enqueue failed, task left pending", zap.String("task_id", t.ID), zap.Error(err))
		return t
	}
	telemetry.TasksEnqueued.Inc()
	updated, err := m.repo.UpdateTask(ctx, t.ID, func(cur *models.Task) error {
		if err := transition(cur, models.StatusQueued); err != nil {
			return err
		}
		cur.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		// Cancelled (or otherwise moved) between insert and enqueue: take it back out.
		if rmErr := m.queue.Remove(ctx, t.ID); rmErr != nil {
			m.log.Warn("remove after failed enqueue transition", zap.String("task_id", t.ID), zap.Error(rmErr))
		}
		if cur, getErr := m.repo.GetTask(ctx, t.ID); getErr == nil {
			return cur
		}
		return t
	}
	return updated
}

func (m *Manager) Get(ctx context.Context, id string) (models.Task, error) {
	return m.repo.GetTask(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter models.TaskFilter, page models.Page) (models.PaginationResult[models.Task], error) {
	return m.repo.ListTasks(ctx, filter, page)
}

// Events returns the audit trail of a task.
func (m *Manager) Events(ctx context.Context, id string) ([]models.TaskEvent, error) {
	if _, err := m.repo.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListEvents(ctx, id)
}

func (m *Manager) Stats(ctx context.Context) (models.TaskStats, error) {
	return m.repo.TaskStats(ctx)
}

// Update edits a task that is not executing and not finished.
func (m *Manager) Update(ctx context.Context, id string, patch models.TaskPatch) (models.Task, error) {
	if patch.Priority != nil && !patch.Priority.Valid() {
		return models.Task{}, apperr.Validationf("priority %d out of range", *patch.Priority)
	}
	if patch.MaxAttempts != nil && *patch.MaxAttempts <= 0 {
		return models.Task{}, apperr.Validationf("max_attempts must be positive")
	}

	var requeue bool
	updated, err := m.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		switch t.Status {
		case models.StatusPending, models.StatusQueued, models.StatusPaused, models.StatusFailed:
		default:
			return fmt.Errorf("update task %s in status %s: %w", id, t.Status, apperr.ErrInvalidStateTransition)
		}
		if patch.Payload != nil {
			if err := patch.Payload.Validate(t.Kind); err != nil {
				return err
			}
			t.Payload = patch.Payload.Clone()
		}
		if patch.Priority != nil && *patch.Priority != t.Priority {
			t.Priority = *patch.Priority
			requeue = t.Status == models.StatusQueued
		}
		if patch.MaxAttempts != nil {
			t.MaxAttempts = *patch.MaxAttempts
		}
		t.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	if requeue {
		if err := m.queue.Enqueue(ctx, id, updated.Priority, updated.RunAt()); err != nil {
			m.log.Warn("re-enqueue after priority change", zap.String("task_id", id), zap.Error(err))
		}
	}
	m.record(ctx, id, "updated", "")
	return updated, nil
}

// Cancel stops a task. Pending, queued and paused tasks are removed from the queue and will
// never start. An active task is only marked: the running driver call is not interrupted and
// the worker skips reporting and retries when it finishes.
func (m *Manager) Cancel(ctx context.Context, id string) (models.Task, error) {
	var prev models.TaskStatus
	updated, err := m.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		prev = t.Status
		if err := transition(t, models.StatusCancelled); err != nil {
			return err
		}
		now := m.now()
		t.CompletedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	if prev != models.StatusActive {
		if err := m.queue.Remove(ctx, id); err != nil {
			m.log.Warn("remove cancelled task from queue", zap.String("task_id", id), zap.Error(err))
		}
	}
	m.log.Info("task cancelled", zap.String("task_id", id), zap.String("from", string(prev)))
	m.record(ctx, id, "cancelled", "from "+string(prev))
	return updated, nil
}

// Retry re-runs a failed task as a new attempt. It fails with apperr.ErrNotRetryable once
// the attempt budget is spent.
func (m *Manager) Retry(ctx context.Context, id string) (models.Task, error) {
	return m.retry(ctx, id, nil)
}

// RetryAfter is Retry with the next attempt delayed by delay.
func (m *Manager) RetryAfter(ctx context.Context, id string, delay time.Duration) (models.Task, error) {
	at := m.now().Add(delay)
	return m.retry(ctx, id, &at)
}

func (m *Manager) retry(ctx context.Context, id string, runAt *time.Time) (models.Task, error) {
	updated, err := m.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		if t.Status == models.StatusFailed && t.Attempts >= t.MaxAttempts {
			return fmt.Errorf("task %s used %d of %d attempts: %w", id, t.Attempts, t.MaxAttempts, apperr.ErrNotRetryable)
		}
		if err := transition(t, models.StatusPending); err != nil {
			return err
		}
		t.Attempts++
		t.LastError = nil
		t.Result = nil
		t.AccountID = nil
		t.WorkerID = nil
		t.StartedAt = nil
		t.CompletedAt = nil
		if runAt != nil {
			at := *runAt
			t.ScheduledAt = &at
		}
		t.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	m.record(ctx, id, "retried", fmt.Sprintf("attempt %d of %d", updated.Attempts, updated.MaxAttempts))
	return m.enqueuePending(ctx, updated), nil
}

// Pause holds a queued task out of dispatch. Pausing an active task is best effort: the
// running attempt finishes and its result is recorded, but the task stays paused.
func (m *Manager) Pause(ctx context.Context, id string) (models.Task, error) {
	var prev models.TaskStatus
	updated, err := m.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		prev = t.Status
		if err := transition(t, models.StatusPaused); err != nil {
			return err
		}
		t.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	if prev == models.StatusQueued {
		if err := m.queue.Remove(ctx, id); err != nil {
			m.log.Warn("remove paused task from queue", zap.String("task_id", id), zap.Error(err))
		}
	}
	m.record(ctx, id, "paused", "from "+string(prev))
	return updated, nil
}

// Resume re-enqueues a paused task. Pausing does not stop a run already in progress: a
// task paused mid-upload keeps the run's Result, and resuming it runs the upload again.
func (m *Manager) Resume(ctx context.Context, id string) (models.Task, error) {
	updated, err := m.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		if err := transition(t, models.StatusQueued); err != nil {
			return err
		}
		t.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	if err := m.queue.Enqueue(ctx, id, updated.Priority, updated.RunAt()); err != nil {
		m.log.Warn("enqueue resumed task, reconciler will retry", zap.String("task_id", id), zap.Error(err))
	} else {
		telemetry.TasksEnqueued.Inc()
	}
	m.record(ctx, id, "resumed", "")
	return updated, nil
}

// Schedule moves the earliest dispatch time of a task that has not started.
func (m *Manager) Schedule(ctx context.Context, id string, at time.Time) (models.Task, error) {
	if at.IsZero() {
		return models.Task{}, apperr.Validationf("schedule time is required")
	}
	updated, err := m.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		switch t.Status {
		case models.StatusPending, models.StatusQueued, models.StatusPaused:
		default:
			return fmt.Errorf("schedule task %s in status %s: %w", id, t.Status, apperr.ErrInvalidStateTransition)
		}
		at := at.UTC()
		t.ScheduledAt = &at
		t.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	if updated.Status == models.StatusQueued {
		moved, err := m.queue.Reschedule(ctx, id, at)
		if err != nil {
			return models.Task{}, err
		}
		if !moved {
			// Either leased by a worker, which re-checks the run time, or lost from the queue.
			known, err := m.queue.Contains(ctx, id)
			if err != nil {
				return models.Task{}, err
			}
			if !known {
				if err := m.queue.Enqueue(ctx, id, updated.Priority, at); err != nil {
					return models.Task{}, err
				}
			}
		}
	}
	m.record(ctx, id, "scheduled", at.UTC().Format(time.RFC3339))
	return updated, nil
}

// Clean deletes completed and failed tasks that finished more than grace ago.
func (m *Manager) Clean(ctx context.Context, grace time.Duration) (int64, error) {
	if grace < 0 {
		return 0, apperr.Validationf("grace must not be negative")
	}
	n, err := m.repo.DeleteTerminalBefore(ctx, m.now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("clean tasks: %w", err)
	}
	telemetry.TasksCleaned.Add(float64(n))
	if n > 0 {
		m.log.Info("cleaned terminal tasks", zap.Int64("count", n), zap.Duration("grace", grace))
	}
	return n, nil
}

// Reconcile re-enqueues tasks that are pending, or queued but unknown to the queue, and have
// not changed for at least olderThan. It repairs crashes between a state change and the
// matching queue write.
func (m *Manager) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)
	page, err := m.repo.ListTasks(ctx, models.TaskFilter{
		Statuses:      []models.TaskStatus{models.StatusPending, models.StatusQueued},
		UpdatedBefore: &cutoff,
	}, models.Page{Page: 1, PageSize: models.MaxPageSize})
	if err != nil {
		return 0, fmt.Errorf("list stranded tasks: %w", err)
	}

	fixed := 0
	for _, t := range page.Items {
		known, err := m.queue.Contains(ctx, t.ID)
		if err != nil {
			return fixed, err
		}
		switch {
		case t.Status == models.StatusPending:
			// Enqueue moves an existing copy instead of duplicating it.
			if after := m.enqueuePending(ctx, t); after.Status == models.StatusQueued {
				fixed++
			}
		case !known:
			if err := m.queue.Enqueue(ctx, t.ID, t.Priority, t.RunAt()); err != nil {
				return fixed, err
			}
			fixed++
		}
	}
	if fixed > 0 {
		m.log.Info("reconciled stranded tasks", zap.Int("count", fixed))
	}
	return fixed, nil
}

func (m *Manager) record(ctx context.Context, id, event, detail string) {
	err := m.repo.AppendEvent(ctx, models.TaskEvent{TaskID: id, Event: event, Detail: detail, Recorded: m.now()})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("append task event", zap.String("task_id", id), zap.String("event", event), zap.Error(err))
	}
}
