package reputation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const serviceColumns = `service_id, owner, ok, late, disputed, bond_balance,
        ewma_latency_ms, p95_est_ms, latency_samples, created_at, updated_at`

func (r *PGRepository) GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, serviceID string) (Record, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO services (service_id) VALUES ($1) ON CONFLICT (service_id) DO NOTHING`, serviceID); err != nil {
		return Record{}, fmt.Errorf("reputation: ensure service: %w", err)
	}

	query := `SELECT ` + serviceColumns + ` FROM services WHERE service_id = $1 FOR UPDATE`
	record, err := scanRecord(tx.QueryRow(ctx, query, serviceID))
	if err != nil {
		return Record{}, fmt.Errorf("reputation: fetch service: %w", err)
	}
	return record, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, record Record) error {
	const query = `
		UPDATE services
		SET owner = $1,
		    ok = $2,
		    late = $3,
		    disputed = $4,
		    bond_balance = $5,
		    ewma_latency_ms = $6,
		    p95_est_ms = $7,
		    latency_samples = $8,
		    updated_at = NOW()
		WHERE service_id = $9
	`
	tag, err := tx.Exec(ctx, query,
		record.Owner,
		record.OK,
		record.Late,
		record.Disputed,
		record.BondBalance,
		record.EWMALatencyMs,
		record.P95EstMs,
		record.LatencySamples,
		record.ServiceID,
	)
	if err != nil {
		return fmt.Errorf("reputation: update service: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, serviceID string) (Record, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE service_id = $1`
	record, err := scanRecord(r.pool.QueryRow(ctx, query, serviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrServiceNotFound
		}
		return Record{}, fmt.Errorf("reputation: get service: %w", err)
	}
	return record, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var record Record
	err := row.Scan(
		&record.ServiceID,
		&record.Owner,
		&record.OK,
		&record.Late,
		&record.Disputed,
		&record.BondBalance,
		&record.EWMALatencyMs,
		&record.P95EstMs,
		&record.LatencySamples,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return record, nil
}
