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
			Name: "O1_fee_conservation",
			SQL: `SELECT id, amount, platform_fee, developer_payout FROM escrow_transactions
                  WHERE platform_fee + developer_payout <> amount`,
		},
		{
			Name: "O2_single_live_transaction",
			SQL: `SELECT milestone_id, COUNT(*) FROM escrow_transactions
                  WHERE status <> 'failed'
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_milestone_escrow_linkage",
			SQL: `SELECT m.id, m.status, t.status FROM milestones m
                  JOIN escrow_transactions t ON t.milestone_id = m.id AND t.status <> 'failed'
                  WHERE (m.status = 'approved'  AND t.status <> 'released')
                     OR (m.status = 'rejected'  AND t.status <> 'refunded')
                     OR (m.status = 'disputed'  AND t.status <> 'held_in_escrow')
                     OR (m.status = 'ready_for_review' AND t.status NOT IN ('held_in_escrow'))`,
		},
		{
			Name: "O4_started_milestone_has_escrow",
			SQL: `SELECT m.id, m.status FROM milestones m
                  WHERE m.status NOT IN ('pending')
                    AND NOT EXISTS (
                        SELECT 1 FROM escrow_transactions t
                        WHERE t.milestone_id = m.id AND t.status <> 'failed')`,
		},
		{
			Name: "O5_unique_active_dispute",
			SQL: `SELECT milestone_id, COUNT(*) FROM disputes
                  WHERE status IN ('open','in_review')
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_dispute_milestone_agreement",
			SQL: `SELECT d.id, d.status, m.status FROM disputes d
                  JOIN milestones m ON m.id = d.milestone_id
                  WHERE (d.status IN ('open','in_review') AND m.status <> 'disputed')
                     OR (d.status = 'resolved_developer_wins' AND m.status <> 'approved')
                     OR (d.status = 'resolved_client_wins'    AND m.status <> 'rejected')`,
		},
		{
			Name: "O7_terminal_timestamps",
			SQL: `SELECT id, status FROM milestones
                  WHERE (status = 'approved' AND approved_at IS NULL)
                     OR (status = 'rejected' AND rejected_at IS NULL)`,
		},
		{
			Name: "O8_timeline_seq_unique",
			SQL: `SELECT project_id, seq, COUNT(*) FROM timeline_events
                  GROUP BY project_id, seq HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_scope_bar_sum",
			SQL: `SELECT p.id, SUM(m.percentage) FROM projects p
                  JOIN milestones m ON m.project_id = p.id
                  WHERE p.status IN ('in_progress','completed')
                  GROUP BY p.id HAVING ABS(SUM(m.percentage) - 100) > 0.01`,
		},
		{
			Name: "O10_completed_project_terminal_milestones",
			SQL: `SELECT p.id FROM projects p
                  WHERE p.status = 'completed'
                    AND EXISTS (
                        SELECT 1 FROM milestones m
                        WHERE m.project_id = p.id
                          AND m.status NOT IN ('approved','rejected'))`,
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
