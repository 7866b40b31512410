package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/driver"
	"upload-dispatcher/internal/models"
	"upload-dispatcher/internal/tasks"
	"upload-dispatcher/internal/telemetry"
)

// runReport is what happened to one driver run.
type runReport struct {
	result      driver.Result
	err         error
	stageErr    error
	timedOut    bool
	interrupted bool
}

type driverReply struct {
	result driver.Result
	err    error
}

// run stages media and runs the driver under the upload timeout while a heartbeat keeps
// the queue lease, the account reservation and both locks alive. A driver that ignores
// cancellation is abandoned.
func (p *Processor) run(ctx context.Context, slot string, exec *tasks.Execution, accountID string, inst models.BrowserInstance, log *zap.Logger) runReport {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Worker.UploadTimeout)
	defer cancel()
	stop := p.heartbeat(runCtx, slot, exec, accountID, inst.PoolID, log)
	defer stop()

	payload := exec.Task.Payload
	if p.deps.Media != nil {
		staged, err := p.deps.Media.Prepare(runCtx, exec.Task.ID, payload)
		if err != nil {
			return runReport{stageErr: err}
		}
		defer staged.Cleanup()
		payload = staged.Payload
	}

	start := time.Now()
	replies := make(chan driverReply, 1)
	go func() {
		res, err := p.deps.Driver.Run(runCtx, inst.Endpoint, payload, func(stage string, percent int) {
			log.Debug("driver progress", zap.String("stage", stage), zap.Int("percent", percent))
		})
		replies <- driverReply{result: res, err: err}
	}()

	var rep runReport
	select {
	case r := <-replies:
		rep.result, rep.err = r.result, r.err
	case <-runCtx.Done():
		rep.err = runCtx.Err()
	}
	if rep.err != nil {
		switch {
		case ctx.Err() != nil:
			rep.interrupted = true
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			rep.timedOut = true
		}
	}

	label := string(rep.result.Outcome)
	switch {
	case rep.timedOut:
		label = "timeout"
	case rep.err != nil:
		label = "error"
	}
	telemetry.DriverDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return rep
}

// heartbeat extends the queue lease, the account reservation held by slot, the instance
// lock and the execution lock until the returned stop function is called.
func (p *Processor) heartbeat(ctx context.Context, slot string, exec *tasks.Execution, accountID, poolID string, log *zap.Logger) func() {
	interval := p.cfg.Worker.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ok, err := p.deps.Queue.ExtendLease(ctx, exec.Task.ID, p.deps.Queue.VisibilityTimeout()); err != nil || !ok {
					log.Warn("extend queue lease", zap.Bool("leased", ok), zap.Error(err))
				}
				if _, err := p.deps.Accounts.Extend(ctx, accountID, slot); err != nil {
					log.Warn("extend account reservation", zap.Error(err))
				}
				if err := p.deps.Pool.Touch(ctx, poolID); err != nil {
					log.Warn("extend instance lock", zap.Error(err))
				}
				if err := exec.Extend(ctx); err != nil {
					log.Warn("extend execution lock", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// verdict maps a run to the task failure (nil on success) and the account outcome. An
// empty outcome means the account is not to blame and only loses its reservation.
func (p *Processor) verdict(rep runReport) (*models.Failure, models.Outcome) {
	now := p.now()
	fail := func(cat apperr.Category, msg string, retryable bool) *models.Failure {
		return &models.Failure{Category: cat, Message: msg, Retryable: retryable, At: now}
	}
	switch {
	case rep.stageErr != nil:
		cat := apperr.CategoryDriverFailure
		if errors.Is(rep.stageErr, apperr.ErrValidation) {
			cat = apperr.CategoryValidation
		}
		return fail(cat, "stage media: "+apperr.MessageOf(rep.stageErr), cat.Retryable()), ""
	case rep.interrupted:
		return fail(apperr.CategoryExecutionLost, "worker shut down during the run", true), ""
	case rep.timedOut:
		msg := fmt.Sprintf("driver did not finish within %s", p.cfg.Worker.UploadTimeout)
		return fail(apperr.CategoryDriverTimeout, msg, true), models.OutcomeFailure
	case rep.err != nil:
		return fail(apperr.CategoryDriverFailure, rep.err.Error(), true), models.OutcomeFailure
	case rep.result.Outcome == driver.OutcomeSuccess:
		return nil, models.OutcomeSuccess
	}

	detail := rep.result.Detail
	if detail == "" {
		detail = "driver reported failure"
	}
	switch rep.result.Code {
	case driver.CodeQuotaExceeded:
		return fail(apperr.CategoryQuotaExceeded, detail, true), models.OutcomeQuotaExceeded
	case driver.CodeAccountBanned:
		return fail(apperr.CategoryFatal, "account banned: "+detail, false), models.OutcomeBanned
	default:
		if rep.result.Code != "" {
			detail = rep.result.Code + ": " + detail
		}
		return fail(apperr.CategoryDriverFailure, detail, true), models.OutcomeFailure
	}
}

// report records the run on the task and the account, then gives back the browser, the
// execution lock and the delivery. It runs to completion even when ctx is cancelled.
func (p *Processor) report(ctx context.Context, slot string, exec *tasks.Execution, acct models.Account, inst models.BrowserInstance, rep runReport, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	id := exec.Task.ID
	failure, outcome := p.verdict(rep)

	var (
		final models.Task
		err   error
	)
	if failure == nil {
		final, err = p.deps.Tasks.Complete(ctx, id, rep.result.TaskResult())
	} else {
		var result *models.TaskResult
		if rep.result.Outcome != "" {
			r := rep.result.TaskResult()
			result = &r
		}
		final, err = p.deps.Tasks.Fail(ctx, id, *failure, result)
	}

	if outcome != "" {
		if _, oerr := p.deps.Accounts.RecordOutcome(ctx, acct.ID, outcome); oerr != nil {
			log.Error("record account outcome", zap.String("outcome", string(outcome)), zap.Error(oerr))
		}
	} else {
		p.releaseAccount(ctx, acct.ID, slot, log)
	}
	if rerr := p.deps.Pool.Release(ctx, inst.PoolID); rerr != nil {
		log.Warn("release browser", zap.Error(rerr))
	}
	if ferr := exec.Finish(ctx); ferr != nil {
		log.Warn("release execution lock", zap.Error(ferr))
	}

	if err != nil {
		// The attempt stays active; the redelivery finds the execution lock free and
		// recovers it as lost.
		log.Error("report task", zap.Error(err))
		p.requeue(ctx, id, "report_failed", p.cfg.Worker.BackoffInitial, log)
		return
	}
	p.ack(ctx, id, log)

	if failure == nil {
		if final.Status == models.StatusCompleted {
			telemetry.TasksCompleted.Inc()
		}
		log.Info("task finished", zap.String("status", string(final.Status)), zap.String("external_id", rep.result.ExternalID))
		return
	}
	telemetry.TasksFailed.WithLabelValues(string(failure.Category)).Inc()
	p.afterFailure(ctx, final, log)
}
