package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"upload-dispatcher/internal/telemetry"
)

// pump moves due scheduled deliveries into the ready queues, reclaims expired leases and
// refreshes the queue gauges.
func (p *Processor) pump(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Queue.PollInterval)
	defer ticker.Stop()
	for {
		p.PumpOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Processor) PumpOnce(ctx context.Context) {
	now := time.Now()
	promoteBatch := int64(p.cfg.Queue.PromoteBatchSize)
	if promoteBatch <= 0 {
		promoteBatch = 100
	}
	reclaimBatch := int64(p.cfg.Queue.ReclaimBatchSize)
	if reclaimBatch <= 0 {
		reclaimBatch = 100
	}

	if _, err := p.deps.Queue.PromoteScheduled(ctx, now, promoteBatch); err != nil && ctx.Err() == nil {
		p.log.Warn("promote scheduled", zap.Error(err))
	}
	reclaimed, err := p.deps.Queue.RequeueExpired(ctx, now, reclaimBatch)
	if err != nil && ctx.Err() == nil {
		p.log.Warn("reclaim expired leases", zap.Error(err))
	}
	if len(reclaimed) > 0 {
		telemetry.TasksRequeued.WithLabelValues("lease_expired").Add(float64(len(reclaimed)))
		p.log.Warn("reclaimed expired leases", zap.Strings("task_ids", reclaimed))
	}
	if depth, err := p.deps.Queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}
