package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"upload-dispatcher/internal/accounts"
	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/driver"
	"upload-dispatcher/internal/media"
	"upload-dispatcher/internal/models"
	"upload-dispatcher/internal/pool"
	"upload-dispatcher/internal/queue"
	"upload-dispatcher/internal/ratelimit"
	"upload-dispatcher/internal/tasks"
	"upload-dispatcher/internal/telemetry"
)

const pendingRecheck = time.Second

// Deps are the collaborators a Processor drives. Limiter and Media are optional.
type Deps struct {
	Queue    *queue.RedisQueue
	Tasks    *tasks.Manager
	Accounts *accounts.Registry
	Pool     *pool.Pool
	Driver   driver.Driver
	Limiter  *ratelimit.TokenBucket
	Media    *media.Stager
}

// Processor drives the worker execution loop: each slot takes one delivery at a time
// through admission, browser acquisition, the driver and reporting.
type Processor struct {
	cfg      config.Config
	deps     Deps
	log      *zap.Logger
	workerID string
	now      func() time.Time
}

func NewProcessor(cfg config.Config, deps Deps, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	id := cfg.Worker.ID
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = time.Second
	}
	return &Processor{
		cfg:      cfg,
		deps:     deps,
		log:      log.Named("worker").With(zap.String("worker_id", id)),
		workerID: id,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ID is the worker id recorded on the tasks this processor runs.
func (p *Processor) ID() string { return p.workerID }

// Run starts the queue pump and the worker slots and blocks until ctx is cancelled.
// In-flight runs finish their report before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pump(ctx) })
	for i := 0; i < p.cfg.Worker.Concurrency; i++ {
		slot := fmt.Sprintf("%s/%d", p.workerID, i)
		g.Go(func() error { return p.runSlot(ctx, slot) })
	}
	p.log.Info("worker started", zap.Int("slots", p.cfg.Worker.Concurrency))
	err := g.Wait()
	p.log.Info("worker stopped")
	return err
}

func (p *Processor) runSlot(ctx context.Context, slot string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := p.ProcessNext(ctx, slot)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("dequeue failed", zap.String("slot", slot), zap.Error(err))
		}
		if !worked {
			sleep(ctx, p.cfg.Queue.PollInterval)
		}
	}
}

// ProcessNext takes one delivery from the queue and sees it through. It reports false when
// the queue had nothing ready.
func (p *Processor) ProcessNext(ctx context.Context, slot string) (bool, error) {
	id, err := p.deps.Queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}
	telemetry.TasksDequeued.Inc()
	p.dispatch(ctx, slot, id)
	return true, nil
}

// dispatch decides what a delivery means given the task's current state. Every path ends
// with the delivery acked or returned to the queue.
func (p *Processor) dispatch(ctx context.Context, slot, id string) {
	log := p.log.With(zap.String("task_id", id), zap.String("slot", slot))
	t, err := p.deps.Tasks.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Warn("dropping delivery for unknown task")
			p.ack(ctx, id, log)
			return
		}
		log.Warn("load task", zap.Error(err))
		p.requeue(ctx, id, "store", p.cfg.Worker.BackoffInitial, log)
		return
	}

	switch t.Status {
	case models.StatusQueued:
	case models.StatusActive:
		p.recoverLost(ctx, t, log)
		return
	case models.StatusPending:
		// Enqueued a moment before its status flipped to queued.
		p.requeue(ctx, id, "pending", pendingRecheck, log)
		return
	default:
		log.Info("dropping stale delivery", zap.String("status", string(t.Status)))
		p.ack(ctx, id, log)
		return
	}

	if wait := t.RunAt().Sub(p.now()); wait > 0 {
		p.requeue(ctx, id, "not_due", wait, log)
		return
	}
	p.execute(ctx, slot, t, log)
}

// recoverLost handles a redelivered active task. If its execution lock is free, the worker
// that ran it is gone and the attempt is failed as lost.
func (p *Processor) recoverLost(ctx context.Context, t models.Task, log *zap.Logger) {
	failed, err := p.deps.Tasks.RecoverLost(ctx, t.ID)
	if errors.Is(err, apperr.ErrLockUnavailable) {
		log.Info("task still running elsewhere, checking back later")
		p.requeue(ctx, t.ID, "running_elsewhere", p.deps.Queue.VisibilityTimeout(), log)
		return
	}
	if err != nil {
		log.Warn("recover lost execution", zap.Error(err))
		p.requeue(ctx, t.ID, "store", p.cfg.Worker.BackoffInitial, log)
		return
	}
	log.Warn("recovered lost execution", zap.Int("attempt", failed.Attempts))
	telemetry.TasksFailed.WithLabelValues(string(apperr.CategoryExecutionLost)).Inc()
	p.ack(ctx, t.ID, log)
	p.afterFailure(ctx, failed, log)
}

func (p *Processor) execute(ctx context.Context, slot string, t models.Task, log *zap.Logger) {
	acct, err := p.deps.Accounts.SelectEligible(ctx, slot)
	if err != nil {
		p.deferDelivery(ctx, t.ID, err, log)
		return
	}
	log = log.With(zap.String("account_id", acct.ID))
	binding := acct.ResourceBinding

	allowed, wait, err := p.deps.Limiter.Allow(ctx, binding)
	if err != nil || !allowed {
		p.releaseAccount(ctx, acct.ID, slot, log)
		if err != nil {
			log.Warn("rate limiter", zap.Error(err))
			p.requeue(ctx, t.ID, "rate_limiter_error", p.admissionDelay(), log)
			return
		}
		telemetry.RateLimitRejects.Inc()
		delay := p.admissionDelay()
		if wait > delay {
			delay = wait
		}
		p.requeue(ctx, t.ID, "rate_limited", delay, log)
		return
	}
	abort := func() {
		if err := p.deps.Limiter.Refund(ctx, binding); err != nil {
			log.Warn("refund rate limit token", zap.Error(err))
		}
		p.releaseAccount(ctx, acct.ID, slot, log)
	}

	inst, err := p.deps.Pool.Acquire(ctx, binding, slot, 0)
	if err != nil {
		abort()
		p.deferDelivery(ctx, t.ID, err, log)
		return
	}
	log = log.With(zap.String("pool_id", inst.PoolID))

	exec, err := p.deps.Tasks.Activate(ctx, t.ID, acct.ID, slot)
	if err != nil {
		if rerr := p.deps.Pool.Release(ctx, inst.PoolID); rerr != nil {
			log.Warn("release browser", zap.Error(rerr))
		}
		abort()
		if errors.Is(err, apperr.ErrInvalidStateTransition) {
			log.Info("task changed before activation, dropping delivery", zap.Error(err))
			p.ack(ctx, t.ID, log)
			return
		}
		p.deferDelivery(ctx, t.ID, err, log)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	log.Info("task started", zap.Int("attempt", exec.Task.Attempts))
	rep := p.run(ctx, slot, exec, acct.ID, inst, log)
	p.report(ctx, slot, exec, acct, inst, rep, log)
}

// deferDelivery returns a delivery that hit resource contention to the queue.
func (p *Processor) deferDelivery(ctx context.Context, id string, err error, log *zap.Logger) {
	cat := apperr.CategoryOf(err)
	reason := string(cat)
	if !cat.Transient() {
		log.Warn("dispatch error", zap.Error(err))
		reason = "error"
	} else {
		log.Debug("dispatch deferred", zap.Error(err))
	}
	p.requeue(ctx, id, reason, p.admissionDelay(), log)
}

func (p *Processor) admissionDelay() time.Duration {
	return backoffWithJitter(p.cfg.Worker.AdmissionBackoff, p.cfg.Worker.BackoffMax, 1)
}

func (p *Processor) releaseAccount(ctx context.Context, id, holder string, log *zap.Logger) {
	if err := p.deps.Accounts.Release(context.WithoutCancel(ctx), id, holder); err != nil {
		log.Warn("release account", zap.Error(err))
	}
}

func (p *Processor) requeue(ctx context.Context, id, reason string, delay time.Duration, log *zap.Logger) {
	if err := p.deps.Queue.Nack(context.WithoutCancel(ctx), id, delay); err != nil {
		log.Error("requeue delivery", zap.String("reason", reason), zap.Error(err))
		return
	}
	telemetry.TasksRequeued.WithLabelValues(reason).Inc()
}

func (p *Processor) ack(ctx context.Context, id string, log *zap.Logger) {
	if err := p.deps.Queue.Ack(context.WithoutCancel(ctx), id); err != nil {
		log.Error("ack delivery", zap.Error(err))
	}
}

// afterFailure retries a retryable failure with backoff, or dead-letters it once the
// attempt budget is spent.
func (p *Processor) afterFailure(ctx context.Context, t models.Task, log *zap.Logger) {
	if !p.cfg.Tasks.AutoRetry || t.Status != models.StatusFailed || t.LastError == nil || !t.LastError.Retryable {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if t.Attempts >= t.MaxAttempts {
		if err := p.deps.Queue.DLQPush(ctx, t.ID); err != nil {
			log.Error("dead-letter task", zap.Error(err))
		}
		telemetry.TasksDeadLetter.Inc()
		log.Warn("retry budget exhausted", zap.Int("attempts", t.Attempts))
		return
	}
	delay := backoffWithJitter(p.cfg.Worker.BackoffInitial, p.cfg.Worker.BackoffMax, t.Attempts)
	if _, err := p.deps.Tasks.RetryAfter(ctx, t.ID, delay); err != nil {
		log.Error("schedule retry", zap.Error(err))
		return
	}
	log.Info("retry scheduled", zap.Duration("delay", delay), zap.Int("next_attempt", t.Attempts+1))
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
