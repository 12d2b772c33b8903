package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_units_bounded",
			SQL: `SELECT call_id, units_released, total_units FROM escrow_calls
                  WHERE units_released < 0 OR units_released > total_units`,
		},
		{
			Name: "O2_balances_non_negative",
			SQL:  `SELECT id, balance FROM accounts WHERE balance < 0`,
		},
		{
			Name: "O3_custody_conservation",
			SQL: `SELECT c.call_id, a.balance, c.amount FROM escrow_calls c
                  JOIN accounts a ON a.id = 'call:' || c.call_id
                  WHERE a.balance <> c.amount - COALESCE((
                      SELECT SUM((o.payload->>'payout')::bigint) FROM outbox o
                      WHERE o.topic = 'escrow.partial_released'
                        AND o.payload->>'call_id' = c.call_id), 0)`,
		},
		{
			Name: "O4_live_call_has_custody",
			SQL: `SELECT c.call_id FROM escrow_calls c
                  WHERE NOT EXISTS (SELECT 1 FROM accounts a WHERE a.id = 'call:' || c.call_id)`,
		},
		{
			Name: "O5_settled_custody_closed",
			SQL: `SELECT a.id FROM accounts a
                  WHERE a.id LIKE 'call:%'
                    AND NOT EXISTS (SELECT 1 FROM escrow_calls c WHERE 'call:' || c.call_id = a.id)`,
		},
		{
			Name: "O6_outbox_liveness",
			SQL: `SELECT id, topic FROM outbox
                  WHERE processed_at IS NULL AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_owner_immutable",
			SQL:  `SELECT service_id, old_owner, new_owner FROM services_owner_audit WHERE old_owner <> ''`,
		},
		{
			Name: "O8_bond_matches_custody",
			SQL: `SELECT s.service_id, s.bond_balance, COALESCE(a.balance, 0) FROM services s
                  LEFT JOIN accounts a ON a.id = 'bond:' || s.service_id
                  WHERE COALESCE(a.balance, 0) <> s.bond_balance`,
		},
		{
			Name: "O9_reputation_non_negative",
			SQL: `SELECT service_id FROM services
                  WHERE bond_balance < 0 OR latency_samples < 0
                     OR ewma_latency_ms < 0 OR p95_est_ms < 0
                     OR ok < 0 OR late < 0 OR disputed < 0`,
		},
		{
			Name: "O10_processed_has_idempotency",
			SQL: `SELECT o.id FROM outbox o
                  WHERE o.processed_at IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM idempotency_keys k WHERE k.key = o.id::text)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
