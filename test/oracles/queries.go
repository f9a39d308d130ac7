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
			// assigned_tutor_id is non-null exactly while the class is in a
			// post-claim, non-cancelled state.
			Name: "O1_assignment_invariant",
			SQL: `SELECT id, status, assigned_tutor_id FROM class_requests
                  WHERE (assigned_tutor_id IS NOT NULL)
                        <> (status IN ('pending_payment','in_progress','completed'))`,
		},
		{
			// however many claims raced, at most one won.
			Name: "O2_single_winner",
			SQL: `SELECT class_id, COUNT(*) FROM class_events
                  WHERE type = 'CLASS_ASSIGNED'
                  GROUP BY class_id HAVING COUNT(*) > 1`,
		},
		{
			// materialization over overlapping horizons never duplicates an
			// occurrence.
			Name: "O3_session_dedupe",
			SQL: `SELECT class_id, scheduled_at, COUNT(*) FROM class_sessions
                  GROUP BY class_id, scheduled_at HAVING COUNT(*) > 1`,
		},
		{
			// sessions exist only for classes that won a claim.
			Name: "O4_no_sessions_before_claim",
			SQL: `SELECT s.id FROM class_sessions s
                  JOIN class_requests c ON c.id = s.class_id
                  WHERE c.status = 'open'`,
		},
		{
			// a disputed session always has exactly one dispute record.
			Name: "O5_disputed_has_record",
			SQL: `SELECT s.id FROM class_sessions s
                  LEFT JOIN disputes d ON d.session_id = s.id
                  WHERE s.status = 'disputed' AND d.id IS NULL`,
		},
		{
			// an unresolved dispute pins its session in disputed; a resolved
			// one leaves it terminal.
			Name: "O6_dispute_session_consistent",
			SQL: `SELECT d.id, s.status, d.resolved_at FROM disputes d
                  JOIN class_sessions s ON s.id = d.session_id
                  WHERE (d.resolved_at IS NULL AND s.status <> 'disputed')
                     OR (d.resolved_at IS NOT NULL AND s.status NOT IN ('completed','absent','cancelled'))`,
		},
		{
			// past-scheduled statuses always carry the tutor's report.
			Name: "O7_pending_has_report",
			SQL: `SELECT id, status FROM class_sessions
                  WHERE status IN ('pending_confirmation','disputed','completed','absent')
                    AND tutor_reported_attendance IS NULL`,
		},
		{
			// the unconfirmed flag marks only auto-finalized terminal sessions.
			Name: "O8_unconfirmed_is_terminal",
			SQL: `SELECT id, status FROM class_sessions
                  WHERE unconfirmed AND status NOT IN ('completed','absent')`,
		},
		{
			// the outbox drains: nothing pending for minutes, nothing stuck
			// between states.
			Name: "O9_outbox_staleness",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
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
