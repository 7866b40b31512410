// Package memstore keeps tasks, accounts and pool bookkeeping in process memory. It backs
// tests and single-node development runs (store.driver=memory).
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/models"
)

// Store is safe for concurrent use. A single mutex guards every table, which also makes
// account select-and-reserve atomic.
type Store struct {
	mu        sync.Mutex
	tasks     map[string]models.Task
	events    map[string][]models.TaskEvent
	accounts  map[string]models.Account
	instances map[string]models.BrowserInstance
}

func New() *Store {
	return &Store{
		tasks:     make(map[string]models.Task),
		events:    make(map[string][]models.TaskEvent),
		accounts:  make(map[string]models.Account),
		instances: make(map[string]models.BrowserInstance),
	}
}

// CreateTask inserts t. The id must be unused.
func (s *Store) CreateTask(_ context.Context, t models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("insert task %s: duplicate id", t.ID)
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	return cloneTask(t), nil
}

func (s *Store) ListTasks(_ context.Context, filter models.TaskFilter, page models.Page) (models.PaginationResult[models.Task], error) {
	s.mu.Lock()
	var matched []models.Task
	for _, t := range s.tasks {
		if filter.Matches(t) {
			matched = append(matched, cloneTask(t))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return models.Paginate(matched, page), nil
}

// UpdateTask applies fn to a copy of the task and stores the result when fn succeeds.
func (s *Store) UpdateTask(_ context.Context, id string, fn func(*models.Task) error) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	next := cloneTask(cur)
	if err := fn(&next); err != nil {
		return models.Task{}, err
	}
	next.ID = id
	s.tasks[id] = next
	return cloneTask(next), nil
}

// DeleteTerminalBefore removes completed and failed tasks that finished before cutoff.
func (s *Store) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status != models.StatusCompleted && t.Status != models.StatusFailed {
			continue
		}
		if t.CompletedAt == nil || !t.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.tasks, id)
		delete(s.events, id)
		n++
	}
	return n, nil
}

func (s *Store) TaskStats(_ context.Context) (models.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.TaskStats{ByStatus: make(map[models.TaskStatus]int64)}
	for _, t := range s.tasks {
		stats.Total++
		stats.ByStatus[t.Status]++
	}
	return stats, nil
}

func (s *Store) AppendEvent(_ context.Context, ev models.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.TaskID] = append(s.events[ev.TaskID], ev)
	return nil
}

func (s *Store) ListEvents(_ context.Context, taskID string) ([]models.TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TaskEvent(nil), s.events[taskID]...), nil
}

func (s *Store) CreateAccount(_ context.Context, a models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("insert account %s: duplicate id", a.ID)
	}
	s.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %s: %w", id, apperr.ErrNotFound)
	}
	return cloneAccount(a), nil
}

func (s *Store) ListAccounts(_ context.Context, filter models.AccountFilter, page models.Page) (models.PaginationResult[models.Account], error) {
	s.mu.Lock()
	var matched []models.Account
	for _, a := range s.accounts {
		if filter.Matches(a) {
			matched = append(matched, cloneAccount(a))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return models.Paginate(matched, page), nil
}

func (s *Store) UpdateAccount(_ context.Context, id string, fn func(*models.Account) error) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %s: %w", id, apperr.ErrNotFound)
	}
	next := cloneAccount(cur)
	if err := fn(&next); err != nil {
		return models.Account{}, err
	}
	next.ID = id
	s.accounts[id] = next
	return cloneAccount(next), nil
}

// ReserveAccount picks the best eligible account and reserves it for holder until the
// given deadline, all under the store mutex.
func (s *Store) ReserveAccount(_ context.Context, c models.AccountCriteria, holder string, until time.Time) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Account
	for id := range s.accounts {
		a := s.accounts[id]
		if !c.Eligible(a) {
			continue
		}
		if best == nil || better(a, *best) {
			cp := a
			best = &cp
		}
	}
	if best == nil {
		return models.Account{}, apperr.ErrNoEligibleAccount
	}
	h := holder
	u := until
	best.ReservedBy = &h
	best.ReservedUntil = &u
	best.UpdatedAt = c.Now
	s.accounts[best.ID] = *best
	return cloneAccount(*best), nil
}

func better(a, b models.Account) bool {
	if a.HealthScore != b.HealthScore {
		return a.HealthScore > b.HealthScore
	}
	if a.DailyCount != b.DailyCount {
		return a.DailyCount < b.DailyCount
	}
	return a.ID < b.ID
}

// ResetDailyCounts zeroes every daily counter and lifts quota limits.
func (s *Store) ResetDailyCounts(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.accounts {
		if a.RemovedAt != nil {
			continue
		}
		a.DailyCount = 0
		if a.Status == models.AccountLimited {
			a.RecomputeStatus()
		}
		a.UpdatedAt = now
		s.accounts[id] = a
		n++
	}
	return n, nil
}

func (s *Store) AccountStats(_ context.Context, now time.Time) (models.AccountStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.AccountStats{ByStatus: make(map[models.AccountStatus]int64)}
	var health int64
	for _, a := range s.accounts {
		if a.RemovedAt != nil {
			continue
		}
		stats.Total++
		stats.ByStatus[a.Status]++
		health += int64(a.HealthScore)
		stats.UsedToday += int64(a.DailyCount)
		if a.Reserved(now) {
			stats.Reserved++
		}
	}
	if stats.Total > 0 {
		stats.AverageHealth = float64(health) / float64(stats.Total)
	}
	return stats, nil
}

func (s *Store) SaveInstance(_ context.Context, inst models.BrowserInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.PoolID] = cloneInstance(inst)
	return nil
}

func (s *Store) DeleteInstance(_ context.Context, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, poolID)
	return nil
}

// ListInstances returns the instances recorded for owner, or all of them when owner is empty.
func (s *Store) ListInstances(_ context.Context, owner string) ([]models.BrowserInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BrowserInstance
	for _, inst := range s.instances {
		if owner == "" || inst.Owner == owner {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out, nil
}

func cloneTask(t models.Task) models.Task {
	t.AccountID = cloneString(t.AccountID)
	t.WorkerID = cloneString(t.WorkerID)
	t.ScheduledAt = cloneTime(t.ScheduledAt)
	t.StartedAt = cloneTime(t.StartedAt)
	t.CompletedAt = cloneTime(t.CompletedAt)
	if t.LastError != nil {
		f := *t.LastError
		t.LastError = &f
	}
	if t.Result != nil {
		r := *t.Result
		t.Result = &r
	}
	t.Payload = t.Payload.Clone()
	return t
}

func cloneAccount(a models.Account) models.Account {
	a.LastUsedAt = cloneTime(a.LastUsedAt)
	a.ReservedBy = cloneString(a.ReservedBy)
	a.ReservedUntil = cloneTime(a.ReservedUntil)
	a.RemovedAt = cloneTime(a.RemovedAt)
	return a
}

func cloneInstance(i models.BrowserInstance) models.BrowserInstance {
	i.AcquiredBy = cloneString(i.AcquiredBy)
	i.IdleSince = cloneTime(i.IdleSince)
	return i
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
