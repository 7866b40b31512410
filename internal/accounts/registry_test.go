package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/memstore"
	"upload-dispatcher/internal/models"
)

func newRegistry(t *testing.T, resolver BindingResolver) (*Registry, *memstore.Store) {
	t.Helper()
	repo := memstore.New()
	r := NewRegistry(repo, resolver, zaptest.NewLogger(t), config.AccountsConfig{
		MinHealthThreshold: 70,
		DailyLimitDefault:  10,
	})
	return r, repo
}

func register(t *testing.T, r *Registry, binding string, health, limit int) models.Account {
	t.Helper()
	a, err := r.Register(context.Background(), RegisterSpec{
		Identity:        "cred:" + binding,
		ResourceBinding: binding,
		DailyLimit:      limit,
		HealthScore:     &health,
	})
	require.NoError(t, err)
	return a
}

func setDailyCount(t *testing.T, repo *memstore.Store, id string, n int) {
	t.Helper()
	_, err := repo.UpdateAccount(context.Background(), id, func(a *models.Account) error {
		a.DailyCount = n
		a.RecomputeStatus()
		return nil
	})
	require.NoError(t, err)
}

func TestHealthClampsAtMaximum(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)
	a := register(t, r, "profile-a", 95, 100)

	var err error
	for i := 0; i < 3; i++ {
		a, err = r.RecordOutcome(ctx, a.ID, models.OutcomeSuccess)
		require.NoError(t, err)
	}
	assert.Equal(t, 100, a.HealthScore)
	assert.Equal(t, 3, a.DailyCount)
	assert.NotNil(t, a.LastUsedAt)
}

func TestFailuresSuspendAndClampAtZero(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)
	a := register(t, r, "profile-a", 35, 10)

	a, err := r.RecordOutcome(ctx, a.ID, models.OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, 25, a.HealthScore)
	assert.Equal(t, models.AccountSuspended, a.Status)

	for i := 0; i < 5; i++ {
		a, err = r.RecordOutcome(ctx, a.ID, models.OutcomeFailure)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, a.HealthScore)
}

func TestAdmissionScenario(t *testing.T) {
	ctx := context.Background()
	r, repo := newRegistry(t, nil)

	a := register(t, r, "profile-a", 90, 10)
	setDailyCount(t, repo, a.ID, 9)
	b := register(t, r, "profile-b", 60, 10)
	require.Equal(t, models.AccountActive, b.Status)

	picked, err := r.SelectEligible(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, picked.ID)

	after, err := r.RecordOutcome(ctx, a.ID, models.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, 10, after.DailyCount)
	assert.Equal(t, models.AccountLimited, after.Status)

	_, err = r.SelectEligible(ctx, "worker-1")
	assert.True(t, errors.Is(err, apperr.ErrNoEligibleAccount))
	assert.Equal(t, apperr.CategoryAdmission, apperr.CategoryOf(err))
}

func TestSelectPrefersHealthThenLowestDailyCount(t *testing.T) {
	ctx := context.Background()
	r, repo := newRegistry(t, nil)

	busy := register(t, r, "busy", 90, 10)
	setDailyCount(t, repo, busy.ID, 5)
	fresh := register(t, r, "fresh", 90, 10)
	register(t, r, "weaker", 80, 10)

	picked, err := r.SelectEligible(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, picked.ID)

	picked, err = r.SelectEligible(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, busy.ID, picked.ID, "reserved account is skipped")
}

func TestConcurrentSelectNeverDoubleBooks(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)
	for i := 0; i < 5; i++ {
		register(t, r, fmt.Sprintf("profile-%d", i), 90, 10)
	}

	var (
		mu    sync.Mutex
		ids   = map[string]int{}
		none  int
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			a, err := r.SelectEligible(ctx, fmt.Sprintf("worker-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, apperr.ErrNoEligibleAccount) {
				none++
				return
			}
			if err == nil {
				ids[a.ID]++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Len(t, ids, 5)
	for id, n := range ids {
		assert.Equal(t, 1, n, "account %s handed out twice", id)
	}
	assert.Equal(t, 1, none)
}

type stubResolver map[string]bool

func (s stubResolver) Resolve(_ context.Context, binding string) (string, error) {
	if s[binding] {
		return "id-" + binding, nil
	}
	return "", fmt.Errorf("profile %q not found", binding)
}

func TestSelectSkipsUnresolvableBinding(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, stubResolver{"good": true})

	register(t, r, "ghost", 100, 10)
	good := register(t, r, "good", 80, 10)

	picked, err := r.SelectEligible(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, good.ID, picked.ID)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Reserved, "reservation on the ghost binding was released")
}

func TestReleaseOnlyDropsOwnReservation(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)
	a := register(t, r, "p", 90, 10)

	_, err := r.SelectEligible(ctx, "owner")
	require.NoError(t, err)

	require.NoError(t, r.Release(ctx, a.ID, "someone-else"))
	_, err = r.SelectEligible(ctx, "other")
	assert.True(t, errors.Is(err, apperr.ErrNoEligibleAccount))

	require.NoError(t, r.Release(ctx, a.ID, "owner"))
	_, err = r.SelectEligible(ctx, "other")
	assert.NoError(t, err)
}

func TestQuotaAndBanOutcomes(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)
	a := register(t, r, "p", 88, 10)

	limited, err := r.RecordOutcome(ctx, a.ID, models.OutcomeQuotaExceeded)
	require.NoError(t, err)
	assert.Equal(t, models.AccountLimited, limited.Status)
	assert.Equal(t, 88, limited.HealthScore)

	banned, err := r.RecordOutcome(ctx, a.ID, models.OutcomeBanned)
	require.NoError(t, err)
	assert.Equal(t, models.AccountError, banned.Status)

	still, err := r.RecordOutcome(ctx, a.ID, models.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, models.AccountError, still.Status, "error needs an operator")

	_, err = r.RecordOutcome(ctx, a.ID, models.Outcome("weird"))
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestResetDailyCountersReadmitsLimited(t *testing.T) {
	ctx := context.Background()
	r, repo := newRegistry(t, nil)
	a := register(t, r, "p", 90, 2)
	setDailyCount(t, repo, a.ID, 2)

	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountLimited, got.Status)

	n, err := r.ResetDailyCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountActive, got.Status)
	assert.Zero(t, got.DailyCount)
}

func TestSuspendAndReactivate(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)
	a := register(t, r, "p", 40, 10)

	suspended, err := r.Suspend(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountSuspended, suspended.Status)
	_, err = r.SelectEligible(ctx, "w")
	assert.True(t, errors.Is(err, apperr.ErrNoEligibleAccount))

	active, err := r.Reactivate(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountActive, active.Status)
	assert.Equal(t, 70, active.HealthScore)

	picked, err := r.SelectEligible(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, a.ID, picked.ID)
}

func TestRemoveIsSoft(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)
	a := register(t, r, "p", 90, 10)

	removed, err := r.Remove(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, removed.RemovedAt)

	_, err = r.SelectEligible(ctx, "w")
	assert.True(t, errors.Is(err, apperr.ErrNoEligibleAccount))

	_, err = r.Get(ctx, a.ID)
	assert.NoError(t, err, "removed accounts stay readable")

	_, err = r.Suspend(ctx, a.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	page, err := r.List(ctx, models.AccountFilter{}, models.Page{})
	require.NoError(t, err)
	assert.Zero(t, page.TotalItems)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)

	_, err := r.Register(ctx, RegisterSpec{Identity: " "})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	bad := 101
	_, err = r.Register(ctx, RegisterSpec{Identity: "x", HealthScore: &bad})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	a, err := r.Register(ctx, RegisterSpec{Identity: "x", ResourceBinding: "p"})
	require.NoError(t, err)
	assert.Equal(t, 10, a.DailyLimit)
	assert.Equal(t, 100, a.HealthScore)
}

func TestExtendKeepsReservationPastItsPeriod(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)
	clock := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	a := register(t, r, "creator-01", 90, 10)

	got, err := r.SelectEligible(ctx, "slot-1")
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)

	clock = clock.Add(40 * time.Minute)
	_, err = r.Extend(ctx, a.ID, "slot-1")
	require.NoError(t, err)

	clock = clock.Add(10 * time.Minute)
	_, err = r.SelectEligible(ctx, "slot-2")
	assert.ErrorIs(t, err, apperr.ErrNoEligibleAccount)

	_, err = r.Extend(ctx, a.ID, "slot-2")
	assert.ErrorIs(t, err, apperr.ErrLockUnavailable)
}

func TestExtendFailsOnceReservationLapsed(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t, nil)
	clock := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	a := register(t, r, "creator-01", 90, 10)

	_, err := r.SelectEligible(ctx, "slot-1")
	require.NoError(t, err)

	clock = clock.Add(46 * time.Minute)
	_, err = r.Extend(ctx, a.ID, "slot-1")
	assert.ErrorIs(t, err, apperr.ErrLockUnavailable)

	got, err := r.SelectEligible(ctx, "slot-2")
	require.NoError(t, err)
	assert.Equal(t, "slot-2", *got.ReservedBy)
}
