package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/models"
)

const accountColumns = `id, identity, status, health_score, daily_count, daily_limit, last_used_at,
	resource_binding, reserved_by, reserved_until, removed_at, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, a models.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.Identity, string(a.Status), a.HealthScore, a.DailyCount, a.DailyLimit, a.LastUsedAt,
		a.ResourceBinding, a.ReservedBy, a.ReservedUntil, a.RemovedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", id, apperr.ErrNotFound)
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context, filter models.AccountFilter, page models.Page) (models.PaginationResult[models.Account], error) {
	page = page.Normalize()
	where := " WHERE removed_at IS NULL"
	if filter.IncludeRemoved {
		where = " WHERE TRUE"
	}
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where += " AND status = ANY($1)"
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`+where, args...).Scan(&total); err != nil {
		return models.PaginationResult[models.Account]{}, fmt.Errorf("count accounts: %w", err)
	}

	args = append(args, page.PageSize, page.Offset())
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM accounts%s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		accountColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return models.PaginationResult[models.Account]{}, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var items []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return models.PaginationResult[models.Account]{}, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return models.PaginationResult[models.Account]{}, fmt.Errorf("iterate accounts: %w", err)
	}
	return models.NewPaginationResult(items, total, page), nil
}

// UpdateAccount row-locks the account, applies fn and persists the result.
func (s *Store) UpdateAccount(ctx context.Context, id string, fn func(*models.Account) error) (models.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Account{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Account{}, err
	}
	if err := fn(&a); err != nil {
		return models.Account{}, err
	}
	a.ID = id

	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET identity = $2, status = $3, health_score = $4, daily_count = $5, daily_limit = $6,
		    last_used_at = $7, resource_binding = $8, reserved_by = $9, reserved_until = $10,
		    removed_at = $11, updated_at = $12
		WHERE id = $1
	`, id, a.Identity, string(a.Status), a.HealthScore, a.DailyCount, a.DailyLimit, a.LastUsedAt,
		a.ResourceBinding, a.ReservedBy, a.ReservedUntil, a.RemovedAt, a.UpdatedAt)
	if err != nil {
		return models.Account{}, fmt.Errorf("update account: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Account{}, fmt.Errorf("commit: %w", err)
	}
	return a, nil
}

// ReserveAccount selects the healthiest eligible account and reserves it in one statement.
// Rows locked by concurrent selectors are skipped, so parallel callers never receive the
// same account.
func (s *Store) ReserveAccount(ctx context.Context, c models.AccountCriteria, holder string, until time.Time) (models.Account, error) {
	exclude := c.ExcludeIDs
	if exclude == nil {
		exclude = []string{}
	}
	a, err := scanAccount(s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET reserved_by = $1, reserved_until = $2, updated_at = $3
		WHERE id = (
			SELECT id FROM accounts
			WHERE removed_at IS NULL
			  AND status = 'active'
			  AND daily_count < daily_limit
			  AND health_score >= $4
			  AND resource_binding <> ''
			  AND (reserved_until IS NULL OR reserved_until <= $3)
			  AND NOT (id = ANY($5))
			ORDER BY health_score DESC, daily_count ASC, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+accountColumns, holder, until, c.Now, c.MinHealth, exclude))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, apperr.ErrNoEligibleAccount
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("reserve account: %w", err)
	}
	return a, nil
}

// ResetDailyCounts zeroes daily counters and lifts quota limits.
func (s *Store) ResetDailyCounts(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET daily_count = 0,
		    status = CASE
		        WHEN status = 'limited' AND health_score < $2 THEN 'suspended'
		        WHEN status = 'limited' THEN 'active'
		        ELSE status
		    END,
		    updated_at = $1
		WHERE removed_at IS NULL
	`, now, models.SuspendBelowHealth)
	if err != nil {
		return 0, fmt.Errorf("reset daily counts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) AccountStats(ctx context.Context, now time.Time) (models.AccountStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(health_score), 0), COALESCE(SUM(daily_count), 0),
		       COUNT(*) FILTER (WHERE reserved_until > $1)
		FROM accounts
		WHERE removed_at IS NULL
		GROUP BY status
	`, now)
	if err != nil {
		return models.AccountStats{}, fmt.Errorf("account stats: %w", err)
	}
	defer rows.Close()

	stats := models.AccountStats{ByStatus: make(map[models.AccountStatus]int64)}
	var health int64
	for rows.Next() {
		var status string
		var n, h, used, reserved int64
		if err := rows.Scan(&status, &n, &h, &used, &reserved); err != nil {
			return models.AccountStats{}, fmt.Errorf("scan account stats: %w", err)
		}
		stats.ByStatus[models.AccountStatus(status)] = n
		stats.Total += n
		stats.UsedToday += used
		stats.Reserved += reserved
		health += h
	}
	if err := rows.Err(); err != nil {
		return models.AccountStats{}, err
	}
	if stats.Total > 0 {
		stats.AverageHealth = float64(health) / float64(stats.Total)
	}
	return stats, nil
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var (
		a          models.Account
		status     string
		reservedBy pgtype.Text
	)
	err := row.Scan(&a.ID, &a.Identity, &status, &a.HealthScore, &a.DailyCount, &a.DailyLimit,
		&a.LastUsedAt, &a.ResourceBinding, &reservedBy, &a.ReservedUntil, &a.RemovedAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, err
		}
		return models.Account{}, fmt.Errorf("scan account: %w", err)
	}
	a.Status = models.AccountStatus(status)
	a.ReservedBy = textPtr(reservedBy)
	return a, nil
}
