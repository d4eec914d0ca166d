package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresQuotaStore implements QuotaStore using PostgreSQL.
type PostgresQuotaStore struct {
	db *sql.DB
}

func NewPostgresQuotaStore(db *sql.DB) *PostgresQuotaStore {
	return &PostgresQuotaStore{db: db}
}

func (s *PostgresQuotaStore) Get(ctx context.Context, tenantID string) (*Quota, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT tenant_id, allowance, used, window_start FROM fuel_quotas WHERE tenant_id = $1",
		tenantID)

	var q Quota
	err := row.Scan(&q.TenantID, &q.Allowance, &q.Used, &q.WindowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // not found is valid, the enforcer will initialize
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return &q, nil
}

func (s *PostgresQuotaStore) Set(ctx context.Context, q *Quota) error {
	query := `
		INSERT INTO fuel_quotas (tenant_id, allowance, used, window_start)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET allowance = $2, used = $3, window_start = $4`
	_, err := s.db.ExecContext(ctx, query, q.TenantID, q.Allowance, q.Used, q.WindowStart)
	if err != nil {
		return fmt.Errorf("failed to set quota: %w", err)
	}
	return nil
}

func (s *PostgresQuotaStore) Allowance(ctx context.Context, tenantID string) (uint64, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT allowance FROM fuel_quotas WHERE tenant_id = $1", tenantID)

	var allowance uint64
	err := row.Scan(&allowance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // no configured allowance means unlimited
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get allowance: %w", err)
	}
	return allowance, nil
}

func (s *PostgresQuotaStore) SetAllowance(ctx context.Context, tenantID string, allowance uint64) error {
	query := `
		INSERT INTO fuel_quotas (tenant_id, allowance, used, window_start)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET allowance = $2`
	_, err := s.db.ExecContext(ctx, query, tenantID, allowance)
	if err != nil {
		return fmt.Errorf("failed to set allowance: %w", err)
	}
	return nil
}
