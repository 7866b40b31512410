package tasks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/models"
)

func executionKey(id string) string { return "task:" + id }

// Execution is the exclusive right to run one attempt of a task. It is backed by a resource
// lock so a second activation of the same task fails while the first is alive.
type Execution struct {
	Task   models.Task
	m      *Manager
	token  string
	expiry time.Duration
}

// Extend keeps the execution lock alive while the driver runs.
func (e *Execution) Extend(ctx context.Context) error {
	return e.m.locker.Extend(ctx, executionKey(e.Task.ID), e.token, e.expiry)
}

// Finish releases the execution lock. It is safe to call more than once.
func (e *Execution) Finish(ctx context.Context) error {
	if e.token == "" {
		return nil
	}
	err := e.m.locker.Release(ctx, executionKey(e.Task.ID), e.token)
	e.token = ""
	return err
}

// Activate moves a queued task to active for accountID on behalf of workerID. The move is a
// compare-and-set on the queued status taken while holding the execution lock, so a cancelled
// or already running task can never be activated.
func (m *Manager) Activate(ctx context.Context, id, accountID, workerID string) (*Execution, error) {
	token, err := m.locker.Acquire(ctx, executionKey(id), m.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("activate task %s: %w", id, err)
	}
	t, err := m.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		if err := transition(t, models.StatusActive); err != nil {
			return err
		}
		now := m.now()
		acc, worker := accountID, workerID
		t.AccountID = &acc
		t.WorkerID = &worker
		t.StartedAt = &now
		t.CompletedAt = nil
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		_ = m.locker.Release(context.WithoutCancel(ctx), executionKey(id), token)
		return nil, err
	}
	m.record(ctx, id, "activated", fmt.Sprintf("account=%s worker=%s attempt=%d", accountID, workerID, t.Attempts))
	return &Execution{Task: t, m: m, token: token, expiry: m.lockTTL}, nil
}

// Complete records a successful run. A task cancelled or paused while it ran keeps that
// status and only stores the result.
func (m *Manager) Complete(ctx context.Context, id string, result models.TaskResult) (models.Task, error) {
	t, err := m.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		r := result
		now := m.now()
		switch t.Status {
		case models.StatusActive:
			if err := transition(t, models.StatusCompleted); err != nil {
				return err
			}
			t.CompletedAt = &now
			t.LastError = nil
		case models.StatusCancelled, models.StatusPaused:
		default:
			return fmt.Errorf("complete task %s in status %s: %w", id, t.Status, apperr.ErrInvalidStateTransition)
		}
		t.Result = &r
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	if t.Status == models.StatusPaused {
		m.log.Warn("paused task finished its upload, resuming it uploads again",
			zap.String("task_id", id),
			zap.String("external_id", result.ExternalID),
		)
	}
	m.record(ctx, id, "completed", result.Outcome)
	return t, nil
}

// Fail records a failed run. A task cancelled or paused while it ran keeps that status and
// only stores the failure.
func (m *Manager) Fail(ctx context.Context, id string, failure models.Failure, result *models.TaskResult) (models.Task, error) {
	t, err := m.repo.UpdateTask(ctx, id, func(t *models.Task) error {
		now := m.now()
		switch t.Status {
		case models.StatusActive:
			if err := transition(t, models.StatusFailed); err != nil {
				return err
			}
			t.CompletedAt = &now
		case models.StatusCancelled, models.StatusPaused:
		default:
			return fmt.Errorf("fail task %s in status %s: %w", id, t.Status, apperr.ErrInvalidStateTransition)
		}
		f := failure
		t.LastError = &f
		if result != nil {
			r := *result
			t.Result = &r
		}
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	m.log.Info("task failed",
		zap.String("task_id", id),
		zap.String("category", string(failure.Category)),
		zap.String("message", failure.Message),
		zap.Int("attempt", t.Attempts),
	)
	m.record(ctx, id, "failed", failure.String())
	return t, nil
}

// RecoverLost fails an active task whose worker disappeared. It only succeeds when nobody
// holds the execution lock, which expires after the lock TTL once its holder stops
// extending it.
func (m *Manager) RecoverLost(ctx context.Context, id string) (models.Task, error) {
	token, err := m.locker.Acquire(ctx, executionKey(id), m.lockTTL)
	if err != nil {
		return models.Task{}, fmt.Errorf("recover task %s: %w", id, err)
	}
	defer func() { _ = m.locker.Release(context.WithoutCancel(ctx), executionKey(id), token) }()

	now := m.now()
	failure := models.Failure{
		Category:  apperr.CategoryExecutionLost,
		Message:   "worker stopped before reporting",
		Retryable: apperr.CategoryExecutionLost.Retryable(),
		At:        now,
	}
	if t, err := m.repo.GetTask(ctx, id); err == nil && t.WorkerID != nil {
		failure.Message = fmt.Sprintf("worker %s stopped before reporting", *t.WorkerID)
	}
	return m.Fail(ctx, id, failure, nil)
}
