package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides access to escrow_calls and the outbox table. Mutations
// take the operation's active transaction; reads go through the pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const callColumns = `call_id, payer, provider, service_id, amount, start_ts, sla_ms, dispute_window_s,
        total_units, units_released, status::text, delivered_ts, response_hash, disputed, provider_sig,
        created_at, updated_at`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, call Call) (Call, error) {
	const query = `
		INSERT INTO escrow_calls (call_id, payer, provider, service_id, amount, start_ts, sla_ms,
		        dispute_window_s, total_units, units_released, status, response_hash, provider_sig)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::escrow_call_status,$12,$13)
		RETURNING ` + callColumns

	row := tx.QueryRow(ctx, query,
		call.CallID,
		call.Payer,
		call.Provider,
		call.ServiceID,
		call.Amount,
		call.StartTS,
		call.SLAMs,
		call.DisputeWindowS,
		call.TotalUnits,
		call.UnitsReleased,
		call.Status,
		call.ResponseHash[:],
		call.ProviderSig,
	)
	created, err := scanCall(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Call{}, ErrCallExists
		}
		return Call{}, fmt.Errorf("escrow: insert call: %w", err)
	}
	return created, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, callID string) (Call, error) {
	query := `SELECT ` + callColumns + ` FROM escrow_calls WHERE call_id = $1 FOR UPDATE`
	call, err := scanCall(tx.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Call{}, ErrCallNotFound
		}
		return Call{}, fmt.Errorf("escrow: fetch call: %w", err)
	}
	return call, nil
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, call Call) error {
	const query = `
		UPDATE escrow_calls
		SET units_released = $1,
		    status = $2::escrow_call_status,
		    delivered_ts = $3,
		    response_hash = $4,
		    disputed = $5,
		    provider_sig = $6,
		    updated_at = NOW()
		WHERE call_id = $7
	`
	tag, err := tx.Exec(ctx, query,
		call.UnitsReleased,
		call.Status,
		call.DeliveredTS,
		call.ResponseHash[:],
		call.Disputed,
		call.ProviderSig,
		call.CallID,
	)
	if err != nil {
		return fmt.Errorf("escrow: update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, tx pgx.Tx, callID string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM escrow_calls WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("escrow: delete call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, callID string) (Call, error) {
	query := `SELECT ` + callColumns + ` FROM escrow_calls WHERE call_id = $1`
	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Call{}, ErrCallNotFound
		}
		return Call{}, fmt.Errorf("escrow: get call: %w", err)
	}
	return call, nil
}

func scanCall(row pgx.Row) (Call, error) {
	var (
		call         Call
		responseHash []byte
	)
	err := row.Scan(
		&call.CallID,
		&call.Payer,
		&call.Provider,
		&call.ServiceID,
		&call.Amount,
		&call.StartTS,
		&call.SLAMs,
		&call.DisputeWindowS,
		&call.TotalUnits,
		&call.UnitsReleased,
		&call.Status,
		&call.DeliveredTS,
		&responseHash,
		&call.Disputed,
		&call.ProviderSig,
		&call.CreatedAt,
		&call.UpdatedAt,
	)
	if err != nil {
		return Call{}, err
	}
	copy(call.ResponseHash[:], responseHash)
	return call, nil
}

// Outbox writes notification rows in the same transaction as the state they
// announce. Delivery to external consumers happens out of band.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (id, topic, payload) VALUES ($1,$2,$3::jsonb)`,
		uuid.NewString(), topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}
