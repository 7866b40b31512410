// Package pool manages a bounded set of exclusive remote browser sessions. Each instance is
// bound to one browser profile; cross-process exclusivity comes from a resource lock keyed by
// the instance's pool id.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/lock"
	"upload-dispatcher/internal/models"
	"upload-dispatcher/internal/telemetry"
)

const (
	defaultRetryInterval = 250 * time.Millisecond
	openBackoff          = 200 * time.Millisecond
	destroyLockTTL       = time.Minute
)

var errClosed = errors.New("browser pool closed")

// Provider opens, probes and closes the remote browser behind a resource binding.
type Provider interface {
	Open(ctx context.Context, binding string) (endpoint string, err error)
	Close(ctx context.Context, binding string) error
	Probe(ctx context.Context, binding, endpoint string) error
}

// InstanceStore mirrors pool bookkeeping for crash recovery.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst models.BrowserInstance) error
	DeleteInstance(ctx context.Context, poolID string) error
	ListInstances(ctx context.Context, owner string) ([]models.BrowserInstance, error)
}

// PoolID is the pool key of the instance bound to binding.
func PoolID(binding string) string { return "browser:" + binding }

type entry struct {
	inst      models.BrowserInstance
	token     string
	releasing bool
}

// Pool is safe for concurrent use by many worker slots.
type Pool struct {
	cfg      config.PoolConfig
	owner    string
	provider Provider
	locker   lock.Locker
	store    InstanceStore
	log      *zap.Logger
	opens    *semaphore.Weighted
	now      func() time.Time

	retryInterval time.Duration

	mu         sync.Mutex
	entries    map[string]*entry
	opening    map[string]bool
	persistent map[string]bool
	changed    chan struct{}
	closed     bool

	saveMu sync.Mutex
}

// New builds a pool for this node. store may be nil to skip persistence.
func New(cfg config.PoolConfig, owner string, provider Provider, locker lock.Locker, store InstanceStore, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 1
	}
	if cfg.CreateRetries <= 0 {
		cfg.CreateRetries = 1
	}
	if cfg.MaxErrorCount <= 0 {
		cfg.MaxErrorCount = 3
	}
	concurrency := cfg.OpenConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	persistent := make(map[string]bool, len(cfg.PersistentBindings))
	for _, b := range cfg.PersistentBindings {
		persistent[b] = true
	}
	return &Pool{
		cfg:           cfg,
		owner:         owner,
		provider:      provider,
		locker:        locker,
		store:         store,
		log:           log.Named("pool"),
		opens:         semaphore.NewWeighted(int64(concurrency)),
		now:           func() time.Time { return time.Now().UTC() },
		retryInterval: defaultRetryInterval,
		entries:       make(map[string]*entry),
		opening:       make(map[string]bool),
		persistent:    persistent,
		changed:       make(chan struct{}),
	}
}

// Acquire hands out the instance bound to binding, creating it on demand. It blocks until
// the instance is free or timeout elapses and then fails with apperr.ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, binding, requester string, timeout time.Duration) (models.BrowserInstance, error) {
	if binding == "" {
		return models.BrowserInstance{}, apperr.Validationf("resource binding is required")
	}
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poolID := PoolID(binding)
	for {
		inst, wait, err := p.tryAcquire(waitCtx, binding, poolID, requester)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return models.BrowserInstance{}, fmt.Errorf("acquire %s: %w", binding, apperr.ErrPoolExhausted)
			}
			return models.BrowserInstance{}, err
		}
		if inst != nil {
			telemetry.PoolAcquireTime.Observe(time.Since(start).Seconds())
			p.log.Debug("instance acquired", zap.String("pool_id", poolID), zap.String("requester", requester))
			return *inst, nil
		}
		select {
		case <-wait:
		case <-time.After(p.retryInterval):
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return models.BrowserInstance{}, ctx.Err()
			}
			return models.BrowserInstance{}, fmt.Errorf("acquire %s within %s: %w", binding, timeout, apperr.ErrPoolExhausted)
		}
	}
}

// tryAcquire makes one attempt. It returns the instance on success, or a channel that is
// closed on the next pool change when the caller should wait.
func (p *Pool) tryAcquire(ctx context.Context, binding, poolID, requester string) (*models.BrowserInstance, <-chan struct{}, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, errClosed
	}
	wait := p.changed
	e := p.entries[poolID]
	switch {
	case e != nil:
		if e.inst.Status != models.InstanceIdle {
			p.mu.Unlock()
			return nil, wait, nil
		}
		e.inst.Status = models.InstanceBusy
		e.inst.AcquiredBy = &requester
		e.inst.IdleSince = nil
		p.mu.Unlock()
		return p.claim(ctx, e, binding, poolID)

	case p.opening[binding]:
		p.mu.Unlock()
		return nil, wait, nil

	case len(p.entries)+len(p.opening) < p.cfg.MaxInstances:
		p.opening[binding] = true
		p.mu.Unlock()
		return p.create(ctx, binding, poolID, requester)

	default:
		victim := p.lruIdleLocked()
		if victim == nil {
			p.mu.Unlock()
			return nil, wait, nil
		}
		delete(p.entries, victim.inst.PoolID)
		p.notifyLocked()
		p.mu.Unlock()
		p.destroyIdle(ctx, victim, "evicted")
		return nil, wait, nil
	}
}

// claim takes the resource lock for an idle entry already marked busy by the caller.
func (p *Pool) claim(ctx context.Context, e *entry, binding, poolID string) (*models.BrowserInstance, <-chan struct{}, error) {
	token, err := p.locker.Acquire(ctx, poolID, p.cfg.LockTTL)
	if err != nil {
		p.mu.Lock()
		p.markIdleLocked(e)
		p.mu.Unlock()
		if errors.Is(err, apperr.ErrLockUnavailable) {
			// Held by another process; poll instead of waiting for a local change.
			return nil, nil, nil
		}
		return nil, nil, err
	}

	p.mu.Lock()
	endpoint := e.inst.Endpoint
	p.mu.Unlock()
	if endpoint == "" {
		// Detached persistent instance: reattach an automation session.
		endpoint, err = p.open(ctx, binding)
		if err != nil {
			p.mu.Lock()
			e.inst.ErrorCount++
			p.markIdleLocked(e)
			p.notifyLocked()
			p.mu.Unlock()
			_ = p.locker.Release(context.WithoutCancel(ctx), poolID, token)
			return nil, nil, fmt.Errorf("reopen %s: %w: %w", binding, apperr.ErrPoolExhausted, err)
		}
	}

	p.mu.Lock()
	e.token = token
	e.inst.Endpoint = endpoint
	e.inst.UsageCount++
	e.inst.LastActivityAt = p.now()
	inst := cloneInstance(e.inst)
	p.notifyLocked()
	p.mu.Unlock()
	p.persist(ctx, poolID)
	return &inst, nil, nil
}

func (p *Pool) create(ctx context.Context, binding, poolID, requester string) (*models.BrowserInstance, <-chan struct{}, error) {
	abandon := func() {
		p.mu.Lock()
		delete(p.opening, binding)
		p.notifyLocked()
		p.mu.Unlock()
	}

	token, err := p.locker.Acquire(ctx, poolID, p.cfg.LockTTL)
	if err != nil {
		abandon()
		if errors.Is(err, apperr.ErrLockUnavailable) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	endpoint, err := p.open(ctx, binding)
	if err != nil {
		_ = p.locker.Release(context.WithoutCancel(ctx), poolID, token)
		abandon()
		return nil, nil, fmt.Errorf("open %s: %w: %w", binding, apperr.ErrPoolExhausted, err)
	}

	now := p.now()
	e := &entry{
		token: token,
		inst: models.BrowserInstance{
			PoolID:          poolID,
			ResourceBinding: binding,
			Endpoint:        endpoint,
			Status:          models.InstanceBusy,
			LastActivityAt:  now,
			UsageCount:      1,
			AcquiredBy:      &requester,
			Persistent:      p.persistent[binding],
			Owner:           p.owner,
			CreatedAt:       now,
		},
	}
	p.mu.Lock()
	delete(p.opening, binding)
	p.entries[poolID] = e
	inst := cloneInstance(e.inst)
	p.notifyLocked()
	p.mu.Unlock()

	p.log.Info("instance created", zap.String("pool_id", poolID), zap.Bool("persistent", inst.Persistent))
	p.persist(ctx, poolID)
	return &inst, nil, nil
}

// open calls the provider within the creation retry budget.
func (p *Pool) open(ctx context.Context, binding string) (string, error) {
	if err := p.opens.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.opens.Release(1)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.CreateRetries; attempt++ {
		endpoint, err := p.provider.Open(ctx, binding)
		if err == nil {
			return endpoint, nil
		}
		lastErr = err
		p.log.Warn("open browser failed",
			zap.String("binding", binding),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == p.cfg.CreateRetries {
			break
		}
		select {
		case <-time.After(openBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// Release returns an instance to the idle set after a health probe. Unhealthy instances
// are destroyed, except persistent ones which only lose their automation session. Calling
// Release on an instance that is not held is a no-op.
func (p *Pool) Release(ctx context.Context, poolID string) error {
	p.mu.Lock()
	e := p.entries[poolID]
	if e == nil || e.inst.Status != models.InstanceBusy || e.token == "" || e.releasing {
		p.mu.Unlock()
		return nil
	}
	e.releasing = true
	binding, endpoint, token, persistent := e.inst.ResourceBinding, e.inst.Endpoint, e.token, e.inst.Persistent
	p.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var probeErr error
	if endpoint != "" {
		probeErr = p.provider.Probe(ctx, binding, endpoint)
	}

	if probeErr != nil && !persistent {
		p.log.Warn("instance unhealthy on release, destroying", zap.String("pool_id", poolID), zap.Error(probeErr))
		p.mu.Lock()
		delete(p.entries, poolID)
		p.mu.Unlock()
		p.teardown(ctx, poolID, binding, token, "unhealthy")
		return nil
	}

	if err := p.locker.Release(ctx, poolID, token); err != nil {
		p.log.Warn("release instance lock", zap.String("pool_id", poolID), zap.Error(err))
	}
	now := p.now()
	p.mu.Lock()
	e.releasing = false
	e.token = ""
	e.inst.LastActivityAt = now
	if probeErr != nil {
		p.log.Warn("persistent instance unhealthy, detaching session", zap.String("pool_id", poolID), zap.Error(probeErr))
		e.inst.Endpoint = ""
		e.inst.ErrorCount++
	} else {
		e.inst.ErrorCount = 0
	}
	p.markIdleLocked(e)
	p.notifyLocked()
	p.mu.Unlock()
	p.persist(ctx, poolID)
	return nil
}

// Touch extends the resource lock of a held instance.
func (p *Pool) Touch(ctx context.Context, poolID string) error {
	p.mu.Lock()
	e := p.entries[poolID]
	if e == nil || e.token == "" {
		p.mu.Unlock()
		return fmt.Errorf("touch %s: %w", poolID, apperr.ErrNotFound)
	}
	token := e.token
	e.inst.LastActivityAt = p.now()
	p.mu.Unlock()
	return p.locker.Extend(ctx, poolID, token, p.cfg.LockTTL)
}

// CheckHealth probes every instance that is not in use and returns how many were destroyed.
// Failing instances are marked error (never handed out) and destroyed after MaxErrorCount
// consecutive failures; persistent ones only have their session detached.
func (p *Pool) CheckHealth(ctx context.Context) int {
	p.mu.Lock()
	var targets []models.BrowserInstance
	for _, e := range p.entries {
		if e.inst.Status == models.InstanceBusy || e.inst.Endpoint == "" {
			continue
		}
		targets = append(targets, cloneInstance(e.inst))
	}
	p.mu.Unlock()

	destroyed := 0
	for _, inst := range targets {
		probeErr := p.provider.Probe(ctx, inst.ResourceBinding, inst.Endpoint)

		p.mu.Lock()
		e := p.entries[inst.PoolID]
		if e == nil || e.inst.Status == models.InstanceBusy || e.inst.Endpoint != inst.Endpoint {
			p.mu.Unlock()
			continue
		}
		var victim *entry
		switch {
		case probeErr == nil:
			e.inst.ErrorCount = 0
			if e.inst.Status == models.InstanceError {
				p.markIdleLocked(e)
			}
		case e.inst.Persistent:
			e.inst.ErrorCount++
			e.inst.Endpoint = ""
			p.markIdleLocked(e)
		default:
			e.inst.ErrorCount++
			if e.inst.ErrorCount >= p.cfg.MaxErrorCount {
				delete(p.entries, inst.PoolID)
				victim = e
			} else {
				e.inst.Status = models.InstanceError
				e.inst.IdleSince = nil
			}
		}
		p.notifyLocked()
		p.mu.Unlock()

		if probeErr != nil {
			p.log.Warn("health probe failed", zap.String("pool_id", inst.PoolID), zap.Error(probeErr))
		}
		if victim != nil {
			p.destroyIdle(ctx, victim, "unhealthy")
			destroyed++
			continue
		}
		p.persist(ctx, inst.PoolID)
	}
	return destroyed
}

// EvictIdle destroys non-persistent instances idle for longer than IdleTimeout, oldest
// first, while the pool stays at or above MinInstances.
func (p *Pool) EvictIdle(ctx context.Context) int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := p.now()
	p.mu.Lock()
	var candidates []*entry
	for _, e := range p.entries {
		if e.inst.Status != models.InstanceIdle || e.inst.Persistent || e.inst.IdleSince == nil {
			continue
		}
		if now.Sub(*e.inst.IdleSince) >= p.cfg.IdleTimeout {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].inst.IdleSince.Before(*candidates[j].inst.IdleSince)
	})
	var victims []*entry
	size := len(p.entries)
	for _, e := range candidates {
		if size <= p.cfg.MinInstances {
			break
		}
		delete(p.entries, e.inst.PoolID)
		victims = append(victims, e)
		size--
	}
	if len(victims) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, e := range victims {
		p.destroyIdle(ctx, e, "idle")
	}
	return len(victims)
}

// lruIdleLocked picks the least recently used idle non-persistent instance.
func (p *Pool) lruIdleLocked() *entry {
	var victim *entry
	for _, e := range p.entries {
		if e.inst.Status != models.InstanceIdle || e.inst.Persistent {
			continue
		}
		if victim == nil || e.inst.LastActivityAt.Before(victim.inst.LastActivityAt) {
			victim = e
		}
	}
	return victim
}

// destroyIdle tears down an instance already removed from the pool. The remote window is
// only closed when this node can take its lock; otherwise another process is using it.
func (p *Pool) destroyIdle(ctx context.Context, e *entry, reason string) {
	ctx = context.WithoutCancel(ctx)
	poolID, binding := e.inst.PoolID, e.inst.ResourceBinding
	token, err := p.locker.Acquire(ctx, poolID, destroyLockTTL)
	if err != nil {
		p.log.Info("instance in use elsewhere, dropping local entry only", zap.String("pool_id", poolID), zap.Error(err))
		p.deleteRecord(ctx, poolID)
		telemetry.PoolDestroyed.WithLabelValues(reason).Inc()
		return
	}
	p.teardown(ctx, poolID, binding, token, reason)
}

// teardown closes the remote browser, drops the record and finally gives up the lock.
func (p *Pool) teardown(ctx context.Context, poolID, binding, token, reason string) {
	if err := p.provider.Close(ctx, binding); err != nil {
		p.log.Warn("close browser", zap.String("pool_id", poolID), zap.Error(err))
	}
	p.deleteRecord(ctx, poolID)
	if err := p.locker.Release(ctx, poolID, token); err != nil {
		p.log.Warn("release lock after destroy", zap.String("pool_id", poolID), zap.Error(err))
	}
	p.mu.Lock()
	p.notifyLocked()
	p.mu.Unlock()
	telemetry.PoolDestroyed.WithLabelValues(reason).Inc()
	p.log.Info("instance destroyed", zap.String("pool_id", poolID), zap.String("reason", reason))
}

func (p *Pool) markIdleLocked(e *entry) {
	now := p.now()
	e.inst.Status = models.InstanceIdle
	e.inst.AcquiredBy = nil
	e.inst.IdleSince = &now
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	busy := 0
	for _, e := range p.entries {
		if e.inst.Status == models.InstanceBusy {
			busy++
		}
	}
	telemetry.PoolSize.Set(float64(len(p.entries)))
	telemetry.PoolBusy.Set(float64(busy))
}

// persist writes the current view of poolID, or deletes the record when the entry is gone.
func (p *Pool) persist(ctx context.Context, poolID string) {
	if p.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	e, ok := p.entries[poolID]
	var inst models.BrowserInstance
	if ok {
		inst = cloneInstance(e.inst)
	}
	p.mu.Unlock()

	var err error
	if ok {
		err = p.store.SaveInstance(ctx, inst)
	} else {
		err = p.store.DeleteInstance(ctx, poolID)
	}
	if err != nil {
		p.log.Warn("persist instance", zap.String("pool_id", poolID), zap.Error(err))
	}
}

func (p *Pool) deleteRecord(ctx context.Context, poolID string) {
	if p.store == nil {
		return
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	if err := p.store.DeleteInstance(ctx, poolID); err != nil {
		p.log.Warn("delete instance record", zap.String("pool_id", poolID), zap.Error(err))
	}
}

func cloneInstance(i models.BrowserInstance) models.BrowserInstance {
	if i.AcquiredBy != nil {
		v := *i.AcquiredBy
		i.AcquiredBy = &v
	}
	if i.IdleSince != nil {
		v := *i.IdleSince
		i.IdleSince = &v
	}
	return i
}
