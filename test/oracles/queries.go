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

// All lists the invariants checked while the actors run. Each query returns
// offending rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_stage",
			SQL: `WITH latest AS (
                      SELECT DISTINCT ON (folder_id, stage_name) folder_id, stage_name, event_type
                      FROM stage_events
                      ORDER BY folder_id, stage_name, seq DESC)
                  SELECT folder_id, COUNT(*) FROM latest
                  WHERE event_type = 'start'
                  GROUP BY folder_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_stage_seq_contiguous",
			SQL: `SELECT folder_id, seq FROM (
                      SELECT folder_id, seq, ROW_NUMBER() OVER (PARTITION BY folder_id ORDER BY seq) AS rn
                      FROM stage_events) s
                  WHERE seq <> rn`,
		},
		{
			Name: "O3_status_seq_contiguous",
			SQL: `SELECT folder_id, seq FROM (
                      SELECT folder_id, seq, ROW_NUMBER() OVER (PARTITION BY folder_id ORDER BY seq) AS rn
                      FROM status_history) s
                  WHERE seq <> rn`,
		},
		{
			Name: "O4_end_follows_start",
			SQL: `SELECT e.folder_id, e.seq, e.stage_name FROM stage_events e
                  LEFT JOIN stage_events p
                    ON p.folder_id = e.folder_id AND p.seq = e.seq - 1
                  WHERE e.event_type = 'end'
                    AND (p.id IS NULL OR p.event_type <> 'start' OR p.stage_name <> e.stage_name)`,
		},
		{
			Name: "O5_stage_projection",
			SQL: `WITH latest AS (
                      SELECT DISTINCT ON (folder_id) folder_id, stage_name, event_type
                      FROM stage_events
                      ORDER BY folder_id, seq DESC)
                  SELECT f.id, f.current_stage, l.stage_name, l.event_type
                  FROM folders f LEFT JOIN latest l ON l.folder_id = f.id
                  WHERE (l.event_type = 'start' AND f.current_stage IS DISTINCT FROM l.stage_name)
                     OR (COALESCE(l.event_type, 'end') = 'end' AND f.current_stage IS NOT NULL)`,
		},
		{
			Name: "O6_status_chain",
			SQL: `SELECT folder_id, seq FROM (
                      SELECT folder_id, seq, previous_status,
                             LAG(new_status) OVER (PARTITION BY folder_id ORDER BY seq) AS prev_new
                      FROM status_history) h
                  WHERE prev_new IS NOT NULL AND previous_status IS DISTINCT FROM prev_new`,
		},
		{
			Name: "O7_status_projection",
			SQL: `WITH latest AS (
                      SELECT DISTINCT ON (folder_id) folder_id, new_status
                      FROM status_history
                      ORDER BY folder_id, seq DESC)
                  SELECT f.id, f.status, l.new_status
                  FROM folders f JOIN latest l ON l.folder_id = f.id
                  WHERE f.status <> l.new_status`,
		},
		{
			Name: "O8_no_self_transition",
			SQL:  `SELECT id FROM status_history WHERE previous_status = new_status`,
		},
		{
			Name: "O9_outbox_backlog",
			SQL: `SELECT id::text FROM outbox
                  WHERE published_at IS NULL AND now() - created_at > interval '5 minutes'`,
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
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
