package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/models"
)

func newMaintenance(t *testing.T, f *fixture) *Maintenance {
	t.Helper()
	cfg := f.cfg
	cfg.Maintenance.DailyResetCron = "0 0 * * *"
	cfg.Maintenance.CleanCron = "@every 1h"
	cfg.Maintenance.ReconcileCron = "@every 1m"
	m, err := NewMaintenance(cfg, f.locker, f.tm, f.reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func TestMaintenanceDailyReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, succeed("x"), nil)
	acct := f.account(t, "creator-01", 90)
	_, err := f.reg.RecordOutcome(ctx, acct.ID, models.OutcomeSuccess)
	require.NoError(t, err)

	m := newMaintenance(t, f)
	assert.Equal(t, []string{JobClean, JobDailyReset, JobReconcile}, m.Jobs())
	require.NoError(t, m.RunJob(ctx, JobDailyReset))

	a, err := f.reg.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Zero(t, a.DailyCount)
}

func TestMaintenanceDailyResetRunsOncePerDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, succeed("x"), nil)
	acct := f.account(t, "creator-01", 90)
	day := time.Date(2026, 10, 15, 0, 0, 0, 0, time.Local)

	first := newMaintenance(t, f)
	first.now = func() time.Time { return day }
	require.NoError(t, first.RunJob(ctx, JobDailyReset))

	// A second node firing a moment later must not wipe work done since the reset.
	_, err := f.reg.RecordOutcome(ctx, acct.ID, models.OutcomeSuccess)
	require.NoError(t, err)
	late := newMaintenance(t, f)
	late.now = func() time.Time { return day.Add(400 * time.Millisecond) }
	require.NoError(t, late.RunJob(ctx, JobDailyReset))

	a, err := f.reg.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, a.DailyCount)

	late.now = func() time.Time { return day.Add(24 * time.Hour) }
	require.NoError(t, late.RunJob(ctx, JobDailyReset))
	a, err = f.reg.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Zero(t, a.DailyCount)
}

func TestMaintenanceSkipsWhenLockedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, succeed("x"), nil)
	acct := f.account(t, "creator-01", 90)
	_, err := f.reg.RecordOutcome(ctx, acct.ID, models.OutcomeSuccess)
	require.NoError(t, err)

	_, err = f.locker.Acquire(ctx, "maintenance:"+JobDailyReset, time.Minute)
	require.NoError(t, err)

	m := newMaintenance(t, f)
	require.NoError(t, m.RunJob(ctx, JobDailyReset))

	a, err := f.reg.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, a.DailyCount)
}

func TestMaintenanceUnknownJob(t *testing.T) {
	f := newFixture(t, succeed("x"), nil)
	err := newMaintenance(t, f).RunJob(context.Background(), "vacuum")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestMaintenanceRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, succeed("x"), nil)
	cfg := f.cfg
	cfg.Maintenance.CleanCron = "every tuesday"
	_, err := NewMaintenance(cfg, f.locker, f.tm, f.reg, nil)
	assert.Error(t, err)
}

func TestMaintenanceReconcileEnqueuesStrandedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, succeed("x"), func(c *config.Config) { c.Maintenance.StrandedAfter = 0 })
	task := f.task(t, 0)
	// Simulate a crash between the state change and the queue write.
	require.NoError(t, f.q.Remove(ctx, task.ID))
	require.False(t, f.queued(t, task.ID))

	require.NoError(t, newMaintenance(t, f).RunJob(ctx, JobReconcile))
	assert.True(t, f.queued(t, task.ID))
}
