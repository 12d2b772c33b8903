// Package actors hosts the concurrent workers driven by the stress harness.
// Each actor loops one operation against the live services until stopped;
// domain errors from racing siblings are expected and swallowed.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"assured/escrow"
	"assured/reputation"
)

// Env bundles the shared services and the fixed participant identities the
// actors operate as.
type Env struct {
	Pool       *pgxpool.Pool
	Escrow     *escrow.Service
	Reputation *reputation.Service

	Payer     string
	Provider  string
	ServiceID string
	Owner     string
	Authority string
	Recipient string
}

var callSeq atomic.Int64

// Payer opens escrowed calls with randomized amounts and unit counts. The SLA
// is generous and the dispute window short so later settlements exercise both
// outcomes.
func Payer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = env.Escrow.Open(ctx, escrow.OpenParams{
			CallID:         fmt.Sprintf("call-%d", callSeq.Add(1)),
			Payer:          env.Payer,
			Provider:       env.Provider,
			ServiceID:      env.ServiceID,
			Amount:         int64(50 + rand.Intn(1000)),
			SLAMs:          1 << 40,
			DisputeWindowS: int64(rand.Intn(100)),
			TotalUnits:     int64(1 + rand.Intn(8)),
		})
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Provider picks a live call and fulfills it, partially most of the time and
// in one shot otherwise.
func Provider(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			callID    string
			total     int64
			released  int64
			remaining int64
		)
		err := env.Pool.QueryRow(ctx, `SELECT call_id, total_units, units_released FROM escrow_calls
                                       WHERE provider=$1 AND status='init' ORDER BY random() LIMIT 1`,
			env.Provider).Scan(&callID, &total, &released)
		if err == nil {
			remaining = total - released
			ts := time.Now().UnixMilli()
			var hash [32]byte
			rand.Read(hash[:])
			sig := make([]byte, 64)
			rand.Read(sig)
			if remaining > 0 && rand.Intn(4) != 0 {
				units := int64(1 + rand.Intn(int(remaining)))
				_, _ = env.Escrow.FulfillPartial(ctx, callID, env.Provider, hash, units, ts, sig)
			} else {
				_, _ = env.Escrow.FulfillFull(ctx, callID, env.Provider, hash, ts, sig)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Disputer occasionally flags a live call, always as the payer.
func Disputer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(5) == 0 {
			var callID string
			err := env.Pool.QueryRow(ctx, `SELECT call_id FROM escrow_calls
                                           WHERE payer=$1 AND disputed=false ORDER BY random() LIMIT 1`,
				env.Payer).Scan(&callID)
			if err == nil {
				var reason [32]byte
				rand.Read(reason[:])
				_ = env.Escrow.RaiseDispute(ctx, callID, env.Payer, uint8(rand.Intn(4)), reason)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Settler cranks settlement on random live calls. Races with the provider and
// other settlers are expected; losing a race surfaces as a domain error.
func Settler(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var callID string
		err := env.Pool.QueryRow(ctx, `SELECT call_id FROM escrow_calls ORDER BY random() LIMIT 1`).Scan(&callID)
		if err == nil {
			_, _ = env.Escrow.Settle(ctx, callID, env.Payer, env.Provider)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// BondManager churns deposits and withdrawals as the service owner.
func BondManager(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(2) == 0 {
			_ = env.Reputation.BondDeposit(ctx, env.ServiceID, env.Owner, int64(10+rand.Intn(200)))
		} else {
			_ = env.Reputation.BondWithdraw(ctx, env.ServiceID, env.Owner, int64(1+rand.Intn(100)))
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Slasher forfeits random slices of the bond as the settlement authority.
func Slasher(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(4) == 0 {
			_, _ = env.Reputation.BondSlash(ctx, env.ServiceID, env.Authority, env.Recipient, int64(rand.Intn(150)))
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// LatencyReporter feeds latency samples and weighted outcomes into the
// reputation aggregates.
func LatencyReporter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_ = env.Reputation.UpdateLatency(ctx, env.ServiceID, int64(rand.Intn(5000)))
		_ = env.Reputation.UpdateOutcome(ctx, env.ServiceID, uint8(rand.Intn(3)), rand.Float64())
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox rows with SKIP LOCKED, registering an
// idempotency key for each delivery in the same transaction it marks the row
// processed.
func OutboxWorker(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := env.Pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE processed_at IS NULL
                                    ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `INSERT INTO idempotency_keys (key) VALUES ($1) ON CONFLICT DO NOTHING`, id)
			_, _ = tx.Exec(ctx, `UPDATE outbox SET processed_at=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
