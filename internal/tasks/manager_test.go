package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/lock"
	"upload-dispatcher/internal/memstore"
	"upload-dispatcher/internal/models"
	"upload-dispatcher/internal/queue"
)

type fixture struct {
	m    *Manager
	repo *memstore.Store
	q    *queue.RedisQueue
	mr   *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := memstore.New()
	q := queue.NewRedisQueue(client, config.QueueConfig{VisibilityTimeout: time.Minute})
	locker := lock.NewRedisLocker(client, "lock:")
	m := NewManager(repo, q, locker, zaptest.NewLogger(t), config.TasksConfig{MaxAttempts: 3}, time.Hour)
	return &fixture{m: m, repo: repo, q: q, mr: mr}
}

func uploadSpec() CreateSpec {
	return CreateSpec{
		Kind:     models.KindUpload,
		Priority: models.PriorityNormal,
		Payload: models.Payload{Upload: &models.UploadPayload{
			Title:     "launch trailer",
			VideoPath: "/media/trailer.mp4",
		}},
	}
}

func (f *fixture) inQueue(t *testing.T, id string) bool {
	t.Helper()
	ok, err := f.q.Contains(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func TestCreateEnqueuesTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.True(t, f.inQueue(t, task.ID))

	id, err := f.q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, id)
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	spec := uploadSpec()
	spec.Kind = models.KindComment
	_, err := f.m.Create(ctx, spec)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	spec = uploadSpec()
	spec.Priority = 9
	_, err = f.m.Create(ctx, spec)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	stats, err := f.m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total, "invalid specs never reach the store")
}

func TestCancelBeforeStartNeverActivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)

	cancelled, err := f.m.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.False(t, f.inQueue(t, task.ID))

	_, err = f.m.Activate(ctx, task.ID, "acc-1", "w-1")
	assert.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))

	got, err := f.m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestSecondActivationFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)

	exec, err := f.m.Activate(ctx, task.ID, "acc-1", "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, exec.Task.Status)
	require.NotNil(t, exec.Task.AccountID)
	assert.Equal(t, "acc-1", *exec.Task.AccountID)

	_, err = f.m.Activate(ctx, task.ID, "acc-2", "w-2")
	assert.True(t, errors.Is(err, apperr.ErrLockUnavailable))

	require.NoError(t, exec.Finish(ctx))
	require.NoError(t, exec.Finish(ctx))
	_, err = f.m.Activate(ctx, task.ID, "acc-2", "w-2")
	assert.True(t, errors.Is(err, apperr.ErrInvalidStateTransition), "status CAS still rejects a second run")
}

func TestRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		exec, err := f.m.Activate(ctx, task.ID, "acc-1", "w-1")
		require.NoError(t, err)
		assert.Equal(t, attempt, exec.Task.Attempts)

		failed, err := f.m.Fail(ctx, task.ID, models.FailureFromError(apperr.New(apperr.CategoryDriverFailure, "upload button missing"), time.Now()), nil)
		require.NoError(t, err)
		require.NoError(t, exec.Finish(ctx))
		assert.Equal(t, models.StatusFailed, failed.Status)
		require.NotNil(t, failed.LastError)
		assert.True(t, failed.LastError.Retryable)

		if attempt < 3 {
			retried, err := f.m.Retry(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusQueued, retried.Status)
			assert.Nil(t, retried.LastError)
		}
	}

	_, err = f.m.Retry(ctx, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotRetryable))

	got, err := f.m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestRetryRequiresFailedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)
	_, err = f.m.Retry(ctx, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)

	paused, err := f.m.Pause(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)
	assert.False(t, f.inQueue(t, task.ID))

	_, err = f.m.Pause(ctx, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))

	resumed, err := f.m.Resume(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, resumed.Status)
	assert.True(t, f.inQueue(t, task.ID))

	_, err = f.m.Resume(ctx, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))
}

func TestCancelActiveKeepsStatusAtReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)
	exec, err := f.m.Activate(ctx, task.ID, "acc-1", "w-1")
	require.NoError(t, err)
	defer exec.Finish(ctx)

	_, err = f.m.Cancel(ctx, task.ID)
	require.NoError(t, err)

	done, err := f.m.Complete(ctx, task.ID, models.TaskResult{Outcome: "success", ExternalID: "v123"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "v123", done.Result.ExternalID)
}

func TestScheduleQueuedTaskDelaysDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)

	at := time.Now().Add(time.Hour)
	scheduled, err := f.m.Schedule(ctx, task.ID, at)
	require.NoError(t, err)
	require.NotNil(t, scheduled.ScheduledAt)

	depth, err := f.q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	delayed, err := f.q.ScheduledDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	exec, err := f.m.Activate(ctx, task.ID, "acc-1", "w-1")
	require.NoError(t, err)
	defer exec.Finish(ctx)
	_, err = f.m.Schedule(ctx, task.ID, at)
	assert.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))
}

func TestUpdatePatchesWaitingTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)

	urgent := models.PriorityUrgent
	attempts := 5
	updated, err := f.m.Update(ctx, task.ID, models.TaskPatch{Priority: &urgent, MaxAttempts: &attempts})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityUrgent, updated.Priority)
	assert.Equal(t, 5, updated.MaxAttempts)

	wrong := models.Payload{Comment: &models.CommentPayload{ExternalID: "x", Text: "hi"}}
	_, err = f.m.Update(ctx, task.ID, models.TaskPatch{Payload: &wrong})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestCleanRemovesOnlyOldTerminalTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.m.now = func() time.Time { return base }

	done, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)
	exec, err := f.m.Activate(ctx, done.ID, "acc-1", "w-1")
	require.NoError(t, err)
	_, err = f.m.Complete(ctx, done.ID, models.TaskResult{Outcome: "success"})
	require.NoError(t, err)
	require.NoError(t, exec.Finish(ctx))

	waiting, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)

	f.m.now = func() time.Time { return base.Add(48 * time.Hour) }
	n, err := f.m.Clean(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "inside grace period")

	n, err = f.m.Clean(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.m.Get(ctx, done.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = f.m.Get(ctx, waiting.ID)
	assert.NoError(t, err)
}

func TestRecoverLostExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)
	_, err = f.m.Activate(ctx, task.ID, "acc-1", "w-crashed")
	require.NoError(t, err)

	_, err = f.m.RecoverLost(ctx, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrLockUnavailable), "live execution must not be recovered")

	f.mr.FastForward(2 * time.Hour)

	recovered, err := f.m.RecoverLost(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, recovered.Status)
	require.NotNil(t, recovered.LastError)
	assert.Equal(t, apperr.CategoryExecutionLost, recovered.LastError.Category)
	assert.Contains(t, recovered.LastError.Message, "w-crashed")
}

func TestReconcileEnqueuesStrandedPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old := time.Now().UTC().Add(-time.Hour)
	stranded := models.Task{
		ID:          "stranded",
		Kind:        models.KindUpload,
		Priority:    models.PriorityHigh,
		Status:      models.StatusPending,
		Payload:     uploadSpec().Payload,
		Attempts:    1,
		MaxAttempts: 3,
		CreatedAt:   old,
		UpdatedAt:   old,
	}
	require.NoError(t, f.repo.CreateTask(ctx, stranded))

	n, err := f.m.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.m.Get(ctx, "stranded")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.True(t, f.inQueue(t, "stranded"))

	n, err = f.m.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEventsTrail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)
	_, err = f.m.Cancel(ctx, task.ID)
	require.NoError(t, err)

	events, err := f.m.Events(ctx, task.ID)
	require.NoError(t, err)
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{"created", "cancelled"}, names)

	_, err = f.m.Events(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestSuccessAfterPauseKeepsPausedAndWarns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	core, logs := observer.New(zap.WarnLevel)
	f.m.log = zap.New(core)

	task, err := f.m.Create(ctx, uploadSpec())
	require.NoError(t, err)
	exec, err := f.m.Activate(ctx, task.ID, "acc-1", "w-1")
	require.NoError(t, err)
	_, err = f.m.Pause(ctx, task.ID)
	require.NoError(t, err)

	done, err := f.m.Complete(ctx, task.ID, models.TaskResult{Outcome: "success", ExternalID: "v77"})
	require.NoError(t, err)
	require.NoError(t, exec.Finish(ctx))
	assert.Equal(t, models.StatusPaused, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "v77", done.Result.ExternalID)

	warned := logs.FilterMessageSnippet("uploads again").All()
	require.Len(t, warned, 1)
	assert.Equal(t, task.ID, warned[0].ContextMap()["task_id"])
}
