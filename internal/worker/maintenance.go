package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"upload-dispatcher/internal/accounts"
	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/lock"
	"upload-dispatcher/internal/tasks"
)

// Maintenance job names.
const (
	JobDailyReset = "daily-reset"
	JobClean      = "clean"
	JobReconcile  = "reconcile"
)

const maintenanceLockTTL = 10 * time.Minute

// dailyMarkerTTL outlives the day a daily marker names, so a late node still sees it.
const dailyMarkerTTL = 48 * time.Hour

// Maintenance runs periodic housekeeping on a cron schedule. Every node schedules the
// jobs; a resource lock per job makes sure only one node runs each occurrence.
type Maintenance struct {
	cron   *cron.Cron
	locker lock.Locker
	log    *zap.Logger
	jobs   map[string]func(context.Context) error
	daily  map[string]bool
	ctx    context.Context
	now    func() time.Time
}

func NewMaintenance(cfg config.Config, locker lock.Locker, tm *tasks.Manager, reg *accounts.Registry, log *zap.Logger) (*Maintenance, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Maintenance{
		cron:   cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		locker: locker,
		log:    log.Named("maintenance"),
		daily:  map[string]bool{JobDailyReset: true},
		ctx:    context.Background(),
		now:    time.Now,
	}
	m.jobs = map[string]func(context.Context) error{
		JobDailyReset: func(ctx context.Context) error {
			_, err := reg.ResetDailyCounters(ctx)
			return err
		},
		JobClean: func(ctx context.Context) error {
			_, err := tm.Clean(ctx, cfg.Tasks.RetentionGrace)
			return err
		},
		JobReconcile: func(ctx context.Context) error {
			_, err := tm.Reconcile(ctx, cfg.Maintenance.StrandedAfter)
			return err
		},
	}

	schedules := map[string]string{
		JobDailyReset: cfg.Maintenance.DailyResetCron,
		JobClean:      cfg.Maintenance.CleanCron,
		JobReconcile:  cfg.Maintenance.ReconcileCron,
	}
	for name, spec := range schedules {
		if spec == "" {
			continue
		}
		if _, err := m.cron.AddFunc(spec, func() { _ = m.RunJob(m.ctx, name) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
	}
	return m, nil
}

// Jobs lists the job names RunJob accepts.
func (m *Maintenance) Jobs() []string {
	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob runs one job now. It is a no-op when another node holds the job's lock.
func (m *Maintenance) RunJob(ctx context.Context, name string) error {
	job, ok := m.jobs[name]
	if !ok {
		return apperr.Validationf("unknown maintenance job %q", name)
	}
	if m.daily[name] {
		job = m.oncePerDay(name, job)
	}
	err := lock.WithLock(ctx, m.locker, "maintenance:"+name, maintenanceLockTTL, job)
	switch {
	case errors.Is(err, apperr.ErrLockUnavailable):
		m.log.Debug("job running on another node", zap.String("job", name))
		return nil
	case err != nil:
		m.log.Error("maintenance job failed", zap.String("job", name), zap.Error(err))
		return err
	}
	m.log.Debug("maintenance job done", zap.String("job", name))
	return nil
}

// oncePerDay wraps job so it runs at most once per local calendar day across all nodes.
// The day's marker is kept on success and dropped on failure so a later attempt can retry.
func (m *Maintenance) oncePerDay(name string, job func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		day := m.now().Format("2006-01-02")
		key := "maintenance:" + name + ":" + day
		token, err := m.locker.Acquire(ctx, key, dailyMarkerTTL)
		if errors.Is(err, apperr.ErrLockUnavailable) {
			m.log.Info("job already ran today", zap.String("job", name), zap.String("day", day))
			return nil
		}
		if err != nil {
			return err
		}
		if err := job(ctx); err != nil {
			if rerr := m.locker.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
				m.log.Warn("drop daily marker", zap.String("job", name), zap.Error(rerr))
			}
			return err
		}
		return nil
	}
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for running jobs.
func (m *Maintenance) Run(ctx context.Context) error {
	m.ctx = ctx
	m.cron.Start()
	<-ctx.Done()
	<-m.cron.Stop().Done()
	return nil
}
