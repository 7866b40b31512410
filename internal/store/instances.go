package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"upload-dispatcher/internal/models"
)

// SaveInstance upserts the pool bookkeeping row so a restarted node can recover it.
func (s *Store) SaveInstance(ctx context.Context, inst models.BrowserInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO browser_instances (pool_id, resource_binding, endpoint, status, last_activity_at,
			error_count, usage_count, acquired_by, idle_since, persistent, owner, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (pool_id) DO UPDATE SET
			resource_binding = EXCLUDED.resource_binding,
			endpoint = EXCLUDED.endpoint,
			status = EXCLUDED.status,
			last_activity_at = EXCLUDED.last_activity_at,
			error_count = EXCLUDED.error_count,
			usage_count = EXCLUDED.usage_count,
			acquired_by = EXCLUDED.acquired_by,
			idle_since = EXCLUDED.idle_since,
			persistent = EXCLUDED.persistent,
			owner = EXCLUDED.owner
	`, inst.PoolID, inst.ResourceBinding, inst.Endpoint, string(inst.Status), inst.LastActivityAt,
		inst.ErrorCount, inst.UsageCount, inst.AcquiredBy, inst.IdleSince, inst.Persistent,
		inst.Owner, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("save browser instance %s: %w", inst.PoolID, err)
	}
	return nil
}

func (s *Store) DeleteInstance(ctx context.Context, poolID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM browser_instances WHERE pool_id = $1`, poolID); err != nil {
		return fmt.Errorf("delete browser instance %s: %w", poolID, err)
	}
	return nil
}

// ListInstances returns the rows owned by owner, or every row when owner is empty.
func (s *Store) ListInstances(ctx context.Context, owner string) ([]models.BrowserInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pool_id, resource_binding, endpoint, status, last_activity_at, error_count,
		       usage_count, acquired_by, idle_since, persistent, owner, created_at
		FROM browser_instances
		WHERE $1 = '' OR owner = $1
		ORDER BY pool_id
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list browser instances: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.BrowserInstance, error) {
		var inst models.BrowserInstance
		var status string
		var acquiredBy pgtype.Text
		err := row.Scan(&inst.PoolID, &inst.ResourceBinding, &inst.Endpoint, &status, &inst.LastActivityAt,
			&inst.ErrorCount, &inst.UsageCount, &acquiredBy, &inst.IdleSince, &inst.Persistent,
			&inst.Owner, &inst.CreatedAt)
		inst.Status = models.InstanceStatus(status)
		inst.AcquiredBy = textPtr(acquiredBy)
		return inst, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan browser instances: %w", err)
	}
	return out, nil
}
