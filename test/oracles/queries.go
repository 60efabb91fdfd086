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

// All lists queries that must return no rows at any point in time.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_history_contiguous",
			SQL: `SELECT assignment_id, seq FROM (
                      SELECT assignment_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY assignment_id ORDER BY seq) AS rn
                      FROM gate_events) s
                  WHERE seq <> rn`,
		},
		{
			Name: "O2_version_tracks_history",
			SQL: `SELECT a.id, a.version, COUNT(e.seq) FROM assignments a
                  LEFT JOIN gate_events e ON e.assignment_id = a.id
                  GROUP BY a.id, a.version
                  HAVING a.version <> COUNT(e.seq) + 1`,
		},
		{
			Name: "O3_single_open_request",
			SQL: `SELECT assignment_id, COUNT(*) FROM gate_events
                  WHERE kind = 'request_info' AND NOT answered
                  GROUP BY assignment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_info_requested_matches_open_request",
			SQL: `SELECT a.id, a.state FROM assignments a
                  WHERE (a.state = 'info_requested') <> EXISTS (
                      SELECT 1 FROM gate_events e
                      WHERE e.assignment_id = a.id AND e.kind = 'request_info' AND NOT e.answered)`,
		},
		{
			Name: "O5_placement_iff_hired",
			SQL: `SELECT a.id, a.state, p.assignment_id FROM assignments a
                  FULL JOIN placements p ON p.assignment_id = a.id
                  WHERE (a.state = 'terminal_hired') IS DISTINCT FROM (p.assignment_id IS NOT NULL)`,
		},
		{
			Name: "O6_terminal_stage",
			SQL: `SELECT id, state, stage FROM assignments
                  WHERE (state = 'terminal_hired' AND stage <> 'hired')
                     OR (state = 'terminal_rejected' AND stage <> 'rejected')`,
		},
		{
			Name: "O7_nothing_after_terminal",
			SQL: `SELECT e.assignment_id, e.seq FROM gate_events e
                  JOIN gate_events t ON t.assignment_id = e.assignment_id AND t.seq < e.seq
                  WHERE t.kind = 'deny'
                     OR (t.kind = 'approve' AND t.payload->>'salary' IS NOT NULL)`,
		},
		{
			Name: "O8_outbox_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
