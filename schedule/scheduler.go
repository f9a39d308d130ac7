package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"classflow/classreq"
	"classflow/metrics"
)

var (
	// ErrEmptySchedule signals a caller error: assigning a class with no
	// preferred schedule entries.
	ErrEmptySchedule = errors.New("schedule: class has no schedule entries")
	// ErrClassNotAssigned signals the class is not in a state that carries
	// sessions (it was never claimed, or it is already terminal).
	ErrClassNotAssigned = errors.New("schedule: class not assigned")
)

// ClassGetter is the slice of the class store the scheduler reads.
type ClassGetter interface {
	Get(ctx context.Context, id string) (classreq.Request, error)
}

// Scheduler materializes recurring session rows from a class's preferred
// schedule.
type Scheduler struct {
	pool    *pgxpool.Pool
	classes ClassGetter
	log     *zap.Logger
	now     func() time.Time
}

func NewScheduler(pool *pgxpool.Pool, classes ClassGetter, log *zap.Logger) *Scheduler {
	return &Scheduler{
		pool:    pool,
		classes: classes,
		log:     log,
		now:     time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Materialize expands the class's weekly schedule over the horizon and
// inserts the missing session rows. The (class_id, scheduled_at) unique key
// makes overlapping horizons converge on the same session set, so callers may
// retry freely. Returns only the sessions created by this call.
func (s *Scheduler) Materialize(ctx context.Context, classID string, horizonWeeks int) ([]Session, error) {
	class, err := s.classes.Get(ctx, classID)
	if err != nil {
		return nil, err
	}
	switch class.Status {
	case classreq.StatusPendingPayment, classreq.StatusInProgress:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrClassNotAssigned, classID, class.Status)
	}
	if len(class.PreferredSchedule) == 0 {
		return nil, ErrEmptySchedule
	}

	occurrences, err := Expand(class.PreferredSchedule, s.now(), horizonWeeks)
	if err != nil {
		return nil, err
	}

	const insertSQL = `
		INSERT INTO class_sessions (class_id, scheduled_at, duration_minutes)
		VALUES ($1, $2, $3)
		ON CONFLICT (class_id, scheduled_at) DO NOTHING
		RETURNING id, class_id, scheduled_at, duration_minutes, status,
			tutor_reported_attendance, counterparty_confirmation, unconfirmed,
			resolution, notes, topic, created_at, updated_at
	`

	created := make([]Session, 0, len(occurrences))
	for _, occ := range occurrences {
		sess, err := scanSession(s.pool.QueryRow(ctx, insertSQL, classID, occ.At, int(occ.Duration.Minutes())))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Already materialized by an earlier, overlapping horizon.
				continue
			}
			return created, fmt.Errorf("schedule: insert session at %s: %w", occ.At, err)
		}
		created = append(created, sess)
	}

	metrics.SessionsMaterialized.Add(float64(len(created)))
	return created, nil
}

// TopUp keeps every running class stocked with sessions for the horizon.
// Run periodically; materialization is idempotent so overlap between runs is
// harmless.
func (s *Scheduler) TopUp(ctx context.Context, horizonWeeks int) error {
	rows, err := s.pool.Query(ctx, `SELECT id FROM class_requests WHERE status = 'in_progress'`)
	if err != nil {
		return fmt.Errorf("schedule: list running classes: %w", err)
	}
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("schedule: scan class id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schedule: iterate classes: %w", err)
	}

	var failed int
	for _, id := range ids {
		if _, err := s.Materialize(ctx, id, horizonWeeks); err != nil {
			failed++
			s.log.Warn("top-up materialize failed", zap.String("class_id", id), zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("schedule: top-up failed for %d of %d classes", failed, len(ids))
	}
	return nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess    Session
		minutes int
	)
	err := row.Scan(
		&sess.ID,
		&sess.ClassID,
		&sess.ScheduledAt,
		&minutes,
		&sess.Status,
		&sess.TutorReportedAttendance,
		&sess.CounterpartyConfirmation,
		&sess.Unconfirmed,
		&sess.Resolution,
		&sess.Notes,
		&sess.Topic,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	sess.Duration = time.Duration(minutes) * time.Minute
	return sess, nil
}
