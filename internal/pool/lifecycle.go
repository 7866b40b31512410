package pool

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"upload-dispatcher/internal/models"
)

// Snapshot returns a copy of this node's pool state.
func (p *Pool) Snapshot() models.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := models.PoolSnapshot{Owner: p.owner, Max: p.cfg.MaxInstances}
	for _, e := range p.entries {
		snap.Size++
		switch e.inst.Status {
		case models.InstanceBusy:
			snap.Busy++
		case models.InstanceIdle:
			snap.Idle++
		case models.InstanceError:
			snap.Errored++
		}
		snap.Instances = append(snap.Instances, cloneInstance(e.inst))
	}
	sort.Slice(snap.Instances, func(i, j int) bool { return snap.Instances[i].PoolID < snap.Instances[j].PoolID })
	return snap
}

// Prewarm opens instances for the configured prewarm bindings until the pool holds
// MinInstances. It returns how many instances it opened.
func (p *Pool) Prewarm(ctx context.Context) int {
	opened := 0
	for _, binding := range p.cfg.PrewarmBindings {
		if p.Snapshot().Size >= p.cfg.MinInstances {
			break
		}
		inst, err := p.Acquire(ctx, binding, "prewarm", p.cfg.AcquireTimeout)
		if err != nil {
			p.log.Warn("prewarm failed", zap.String("binding", binding), zap.Error(err))
			continue
		}
		if err := p.Release(ctx, inst.PoolID); err != nil {
			p.log.Warn("prewarm release", zap.String("pool_id", inst.PoolID), zap.Error(err))
		}
		opened++
	}
	return opened
}

// Recover reloads the bookkeeping this node persisted before a restart. Healthy instances
// come back idle, broken persistent ones come back detached, and the rest are destroyed.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, nil
	}
	rows, err := p.store.ListInstances(ctx, p.owner)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, row := range rows {
		healthy := row.Endpoint != "" && p.provider.Probe(ctx, row.ResourceBinding, row.Endpoint) == nil
		if !healthy && !row.Persistent {
			p.destroyIdle(ctx, &entry{inst: row}, "recovery")
			continue
		}
		inst := row
		if !healthy {
			inst.Endpoint = ""
		}
		inst.Persistent = inst.Persistent || p.persistent[inst.ResourceBinding]
		inst.Owner = p.owner

		p.mu.Lock()
		e := &entry{inst: inst}
		p.markIdleLocked(e)
		p.entries[inst.PoolID] = e
		p.notifyLocked()
		p.mu.Unlock()
		p.persist(ctx, inst.PoolID)
		recovered++
	}
	if recovered > 0 {
		p.log.Info("recovered pool instances", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Run drives the health-check and idle-eviction sweeps until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := p.CheckHealth(ctx); n > 0 {
				p.log.Info("health sweep destroyed instances", zap.Int("count", n))
			}
			if n := p.EvictIdle(ctx); n > 0 {
				p.log.Info("idle sweep evicted instances", zap.Int("count", n))
			}
		}
	}
}

// Close stops handing out instances and destroys idle non-persistent ones. Busy instances
// are left to their holders, whose Release still works.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	var victims []*entry
	for id, e := range p.entries {
		if e.inst.Status == models.InstanceIdle && !e.inst.Persistent {
			delete(p.entries, id)
			victims = append(victims, e)
		}
	}
	p.notifyLocked()
	p.mu.Unlock()

	for _, e := range victims {
		p.destroyIdle(ctx, e, "shutdown")
	}
}
