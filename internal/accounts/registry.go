// Package accounts implements the account registry and the health engine that drives
// admission control.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/models"
	"upload-dispatcher/internal/telemetry"
)

const (
	successBonus   = 2
	failurePenalty = 10
	maxSelectTries = 8
)

// Repository persists accounts. ReserveAccount must pick and reserve atomically so two
// concurrent callers never get the same account.
type Repository interface {
	CreateAccount(ctx context.Context, a models.Account) error
	GetAccount(ctx context.Context, id string) (models.Account, error)
	ListAccounts(ctx context.Context, filter models.AccountFilter, page models.Page) (models.PaginationResult[models.Account], error)
	UpdateAccount(ctx context.Context, id string, fn func(*models.Account) error) (models.Account, error)
	ReserveAccount(ctx context.Context, c models.AccountCriteria, holder string, until time.Time) (models.Account, error)
	ResetDailyCounts(ctx context.Context, now time.Time) (int64, error)
	AccountStats(ctx context.Context, now time.Time) (models.AccountStats, error)
}

// BindingResolver checks that a resource binding names a browser profile that exists.
type BindingResolver interface {
	Resolve(ctx context.Context, binding string) (string, error)
}

// RegisterSpec describes a new account.
type RegisterSpec struct {
	Identity        string
	ResourceBinding string
	DailyLimit      int
	HealthScore     *int
}

type Registry struct {
	repo      Repository
	resolver  BindingResolver
	log       *zap.Logger
	minHealth int
	limit     int
	reserve   time.Duration
	now       func() time.Time
}

// NewRegistry builds a registry. resolver may be nil, in which case any non-empty binding
// counts as resolvable.
func NewRegistry(repo Repository, resolver BindingResolver, log *zap.Logger, cfg config.AccountsConfig) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	limit := cfg.DailyLimitDefault
	if limit <= 0 {
		limit = 10
	}
	reserve := cfg.ReservationTTL
	if reserve <= 0 {
		reserve = 45 * time.Minute
	}
	return &Registry{
		repo:      repo,
		resolver:  resolver,
		log:       log.Named("accounts"),
		minHealth: cfg.MinHealthThreshold,
		limit:     limit,
		reserve:   reserve,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SelectEligible reserves the healthiest eligible account for holder, preferring the lowest
// daily count on ties. It returns apperr.ErrNoEligibleAccount instead of blocking.
func (r *Registry) SelectEligible(ctx context.Context, holder string, exclude ...string) (models.Account, error) {
	excluded := append([]string(nil), exclude...)
	for try := 0; try < maxSelectTries; try++ {
		now := r.now()
		a, err := r.repo.ReserveAccount(ctx, models.AccountCriteria{
			MinHealth:  r.minHealth,
			ExcludeIDs: excluded,
			Now:        now,
		}, holder, now.Add(r.reserve))
		if errors.Is(err, apperr.ErrNoEligibleAccount) {
			telemetry.AdmissionMisses.Inc()
			return models.Account{}, apperr.Wrap(apperr.CategoryAdmission, err, "select account")
		}
		if err != nil {
			return models.Account{}, err
		}
		if r.resolvable(ctx, a) {
			return a, nil
		}
		if err := r.Release(ctx, a.ID, holder); err != nil {
			return models.Account{}, err
		}
		excluded = append(excluded, a.ID)
	}
	telemetry.AdmissionMisses.Inc()
	return models.Account{}, apperr.Wrap(apperr.CategoryAdmission, apperr.ErrNoEligibleAccount, "no account with a resolvable binding")
}

func (r *Registry) resolvable(ctx context.Context, a models.Account) bool {
	if r.resolver == nil {
		return a.ResourceBinding != ""
	}
	if _, err := r.resolver.Resolve(ctx, a.ResourceBinding); err != nil {
		r.log.Warn("account binding does not resolve",
			zap.String("account_id", a.ID),
			zap.String("binding", a.ResourceBinding),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Release drops holder's reservation without recording an outcome.
func (r *Registry) Release(ctx context.Context, id, holder string) error {
	_, err := r.repo.UpdateAccount(ctx, id, func(a *models.Account) error {
		if a.ReservedBy == nil || *a.ReservedBy != holder {
			return nil
		}
		a.ReservedBy = nil
		a.ReservedUntil = nil
		a.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("release account %s: %w", id, err)
	}
	return nil
}

// Extend pushes holder's reservation out by a full reservation period. It fails with
// apperr.ErrLockUnavailable when the reservation has lapsed or moved to another holder.
func (r *Registry) Extend(ctx context.Context, id, holder string) (models.Account, error) {
	now := r.now()
	a, err := r.repo.UpdateAccount(ctx, id, func(a *models.Account) error {
		if a.ReservedBy == nil || *a.ReservedBy != holder || !a.Reserved(now) {
			return apperr.Wrap(apperr.CategoryLockUnavailable, apperr.ErrLockUnavailable, "account reservation lost")
		}
		until := now.Add(r.reserve)
		a.ReservedUntil = &until
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Account{}, fmt.Errorf("extend account %s: %w", id, err)
	}
	return a, nil
}

// RecordOutcome applies the health rules for one execution and clears the reservation.
func (r *Registry) RecordOutcome(ctx context.Context, id string, outcome models.Outcome) (models.Account, error) {
	now := r.now()
	a, err := r.repo.UpdateAccount(ctx, id, func(a *models.Account) error {
		if err := applyOutcome(a, outcome, now); err != nil {
			return err
		}
		a.ReservedBy = nil
		a.ReservedUntil = nil
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}
	telemetry.AccountOutcomes.WithLabelValues(string(outcome)).Inc()
	r.log.Debug("outcome recorded",
		zap.String("account_id", id),
		zap.String("outcome", string(outcome)),
		zap.Int("health", a.HealthScore),
		zap.Int("daily_count", a.DailyCount),
		zap.String("status", string(a.Status)),
	)
	return a, nil
}

func applyOutcome(a *models.Account, outcome models.Outcome, now time.Time) error {
	switch outcome {
	case models.OutcomeSuccess:
		a.HealthScore = models.ClampHealth(a.HealthScore + successBonus)
		a.DailyCount++
		a.LastUsedAt = &now
		a.RecomputeStatus()
	case models.OutcomeFailure:
		a.HealthScore = models.ClampHealth(a.HealthScore - failurePenalty)
		a.RecomputeStatus()
	case models.OutcomeQuotaExceeded:
		if a.Status != models.AccountError {
			a.Status = models.AccountLimited
		}
	case models.OutcomeBanned:
		a.Status = models.AccountError
	default:
		return apperr.Validationf("unknown outcome %q", outcome)
	}
	return nil
}

// ResetDailyCounters zeroes every daily counter and re-admits accounts that were limited.
func (r *Registry) ResetDailyCounters(ctx context.Context) (int64, error) {
	n, err := r.repo.ResetDailyCounts(ctx, r.now())
	if err != nil {
		return 0, err
	}
	telemetry.DailyResets.Inc()
	r.log.Info("daily counters reset", zap.Int64("accounts", n))
	return n, nil
}

func (r *Registry) Register(ctx context.Context, spec RegisterSpec) (models.Account, error) {
	if strings.TrimSpace(spec.Identity) == "" {
		return models.Account{}, apperr.Validationf("identity is required")
	}
	if spec.DailyLimit < 0 {
		return models.Account{}, apperr.Validationf("daily_limit must not be negative")
	}
	if spec.DailyLimit == 0 {
		spec.DailyLimit = r.limit
	}
	health := models.MaxHealth
	if spec.HealthScore != nil {
		if *spec.HealthScore < models.MinHealth || *spec.HealthScore > models.MaxHealth {
			return models.Account{}, apperr.Validationf("health_score must be within [%d, %d]", models.MinHealth, models.MaxHealth)
		}
		health = *spec.HealthScore
	}

	now := r.now()
	a := models.Account{
		ID:              uuid.NewString(),
		Identity:        spec.Identity,
		Status:          models.AccountActive,
		HealthScore:     health,
		DailyLimit:      spec.DailyLimit,
		ResourceBinding: strings.TrimSpace(spec.ResourceBinding),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	a.RecomputeStatus()
	if err := r.repo.CreateAccount(ctx, a); err != nil {
		return models.Account{}, fmt.Errorf("register account: %w", err)
	}
	r.log.Info("account registered", zap.String("account_id", a.ID), zap.String("binding", a.ResourceBinding))
	return a, nil
}

func (r *Registry) Get(ctx context.Context, id string) (models.Account, error) {
	return r.repo.GetAccount(ctx, id)
}

func (r *Registry) List(ctx context.Context, filter models.AccountFilter, page models.Page) (models.PaginationResult[models.Account], error) {
	return r.repo.ListAccounts(ctx, filter, page)
}

func (r *Registry) Stats(ctx context.Context) (models.AccountStats, error) {
	return r.repo.AccountStats(ctx, r.now())
}

// Update edits operator fields. Quota-derived status follows a changed daily limit.
func (r *Registry) Update(ctx context.Context, id string, patch models.AccountPatch) (models.Account, error) {
	if patch.Identity != nil && strings.TrimSpace(*patch.Identity) == "" {
		return models.Account{}, apperr.Validationf("identity must not be empty")
	}
	if patch.DailyLimit != nil && *patch.DailyLimit <= 0 {
		return models.Account{}, apperr.Validationf("daily_limit must be positive")
	}
	return r.mutate(ctx, id, func(a *models.Account) error {
		if patch.Identity != nil {
			a.Identity = *patch.Identity
		}
		if patch.ResourceBinding != nil {
			a.ResourceBinding = strings.TrimSpace(*patch.ResourceBinding)
		}
		if patch.DailyLimit != nil {
			a.DailyLimit = *patch.DailyLimit
			if a.Status == models.AccountActive || a.Status == models.AccountLimited {
				a.RecomputeStatus()
			}
		}
		return nil
	})
}

// Suspend takes an account out of rotation until reactivated or recalculated by an outcome.
func (r *Registry) Suspend(ctx context.Context, id string) (models.Account, error) {
	a, err := r.mutate(ctx, id, func(a *models.Account) error {
		a.Status = models.AccountSuspended
		return nil
	})
	if err == nil {
		r.log.Info("account suspended", zap.String("account_id", id))
	}
	return a, err
}

// Reactivate forces an account back to active, lifting its health to the admission
// threshold when it had fallen below.
func (r *Registry) Reactivate(ctx context.Context, id string) (models.Account, error) {
	a, err := r.mutate(ctx, id, func(a *models.Account) error {
		a.Status = models.AccountActive
		if a.HealthScore < r.minHealth {
			a.HealthScore = models.ClampHealth(r.minHealth)
		}
		return nil
	})
	if err == nil {
		r.log.Info("account reactivated", zap.String("account_id", id), zap.Int("health", a.HealthScore))
	}
	return a, err
}

// Remove soft-deletes an account so historical tasks keep their reference.
func (r *Registry) Remove(ctx context.Context, id string) (models.Account, error) {
	return r.repo.UpdateAccount(ctx, id, func(a *models.Account) error {
		if a.RemovedAt != nil {
			return nil
		}
		now := r.now()
		a.RemovedAt = &now
		a.ReservedBy = nil
		a.ReservedUntil = nil
		a.UpdatedAt = now
		return nil
	})
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*models.Account) error) (models.Account, error) {
	return r.repo.UpdateAccount(ctx, id, func(a *models.Account) error {
		if a.RemovedAt != nil {
			return fmt.Errorf("account %s was removed: %w", id, apperr.ErrNotFound)
		}
		if err := fn(a); err != nil {
			return err
		}
		a.UpdatedAt = r.now()
		return nil
	})
}
