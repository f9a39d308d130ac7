package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classflow/schedule"
)

const sessionColumns = `
	s.id, s.class_id, s.scheduled_at, s.duration_minutes, s.status,
	s.tutor_reported_attendance, s.counterparty_confirmation, s.unconfirmed,
	s.resolution, s.notes, s.topic, s.created_at, s.updated_at`

// LockedSession is a session row locked FOR UPDATE together with the
// ownership facts from its class needed for authorization checks.
type LockedSession struct {
	Session         schedule.Session
	AssignedTutorID *string
	StudentID       string
}

// PGRepository handles session mutations for the attendance workflow. All
// status writes are guarded by the expected current status so concurrent
// reports and confirmations serialize on the row, not on application locks.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// LockSession loads the session and its class ownership FOR UPDATE inside the
// caller's transaction.
func (r *PGRepository) LockSession(ctx context.Context, tx pgx.Tx, sessionID string) (LockedSession, error) {
	query := `
		SELECT ` + sessionColumns + `, c.assigned_tutor_id, c.student_id
		FROM class_sessions s
		JOIN class_requests c ON c.id = s.class_id
		WHERE s.id = $1
		FOR UPDATE OF s`

	var (
		locked  LockedSession
		minutes int
	)
	err := tx.QueryRow(ctx, query, sessionID).Scan(
		&locked.Session.ID,
		&locked.Session.ClassID,
		&locked.Session.ScheduledAt,
		&minutes,
		&locked.Session.Status,
		&locked.Session.TutorReportedAttendance,
		&locked.Session.CounterpartyConfirmation,
		&locked.Session.Unconfirmed,
		&locked.Session.Resolution,
		&locked.Session.Notes,
		&locked.Session.Topic,
		&locked.Session.CreatedAt,
		&locked.Session.UpdatedAt,
		&locked.AssignedTutorID,
		&locked.StudentID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LockedSession{}, ErrNotFound
		}
		return LockedSession{}, fmt.Errorf("attendance: lock session: %w", err)
	}
	locked.Session.Duration = time.Duration(minutes) * time.Minute
	return locked, nil
}

// ApplyReport writes the tutor's attendance claim and moves the session out
// of scheduled. Zero rows means the status changed underfoot.
func (r *PGRepository) ApplyReport(ctx context.Context, tx pgx.Tx, sessionID string, attended bool, notes string, next schedule.SessionStatus) error {
	const query = `
		UPDATE class_sessions
		SET tutor_reported_attendance = $2, notes = $3, status = $4, updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
	`
	tag, err := tx.Exec(ctx, query, sessionID, attended, notes, next)
	if err != nil {
		return fmt.Errorf("attendance: apply report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// ApplyConfirmation writes the counterparty's response and moves the session
// out of pending_confirmation.
func (r *PGRepository) ApplyConfirmation(ctx context.Context, tx pgx.Tx, sessionID string, agrees bool, next schedule.SessionStatus) error {
	const query = `
		UPDATE class_sessions
		SET counterparty_confirmation = $2, status = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending_confirmation'
	`
	tag, err := tx.Exec(ctx, query, sessionID, agrees, next)
	if err != nil {
		return fmt.Errorf("attendance: apply confirmation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// FinalizeExpired auto-resolves sessions that sat in pending_confirmation
// past the cutoff to the tutor-reported value, flagged unconfirmed. Returns
// how many sessions were finalized.
func (r *PGRepository) FinalizeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		UPDATE class_sessions
		SET status = CASE WHEN tutor_reported_attendance THEN 'completed' ELSE 'absent' END,
		    unconfirmed = TRUE,
		    updated_at = now()
		WHERE status = 'pending_confirmation' AND updated_at < $1
	`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("attendance: finalize expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
