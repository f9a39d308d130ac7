package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"classflow/classreq"
	"classflow/dispute"
	"classflow/metrics"
	"classflow/outbox"
	"classflow/schedule"
)

var (
	// ErrNotFound signals the session does not exist.
	ErrNotFound = errors.New("attendance: session not found")
	// ErrInvalidState signals the session's current status does not permit
	// the requested transition. Callers surface it, never retry it.
	ErrInvalidState = errors.New("attendance: invalid session state")
	// ErrForbidden signals the actor is not the party allowed to perform
	// this step on this session.
	ErrForbidden = errors.New("attendance: actor not permitted")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the session data access the workflow needs.
type Repository interface {
	LockSession(ctx context.Context, tx pgx.Tx, sessionID string) (LockedSession, error)
	ApplyReport(ctx context.Context, tx pgx.Tx, sessionID string, attended bool, notes string, next schedule.SessionStatus) error
	ApplyConfirmation(ctx context.Context, tx pgx.Tx, sessionID string, agrees bool, next schedule.SessionStatus) error
	FinalizeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// GuardianDirectory resolves the guardian linked to a student, nil when the
// student confirms their own sessions.
type GuardianDirectory interface {
	GuardianOf(ctx context.Context, studentID string) (*string, error)
}

// DisputeOpener records a disagreement inside the workflow's transaction.
type DisputeOpener interface {
	Open(ctx context.Context, tx pgx.Tx, params dispute.OpenParams) (dispute.Record, error)
}

// Workflow drives a session from scheduled through reporting, confirmation
// and, on disagreement, escalation. Transitions are serialized per session by
// the row lock plus status guards; the workflow holds no locks of its own.
type Workflow struct {
	pool      TxBeginner
	repo      Repository
	guardians GuardianDirectory
	disputes  DisputeOpener
	log       *zap.Logger
	now       func() time.Time
}

func NewWorkflow(pool TxBeginner, repo Repository, guardians GuardianDirectory, disputes DisputeOpener, log *zap.Logger) *Workflow {
	return &Workflow{
		pool:      pool,
		repo:      repo,
		guardians: guardians,
		disputes:  disputes,
		log:       log,
		now:       time.Now,
	}
}

// ReportAttendance files the assigned tutor's claim for a session that has
// already taken place. Students with a linked guardian get a confirmation
// step; everyone else the report is final.
func (w *Workflow) ReportAttendance(ctx context.Context, sessionID, reporterID string, attended bool, notes string) (schedule.Session, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return schedule.Session{}, fmt.Errorf("attendance: begin report tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := w.repo.LockSession(ctx, tx, sessionID)
	if err != nil {
		return schedule.Session{}, err
	}
	sess := locked.Session

	if sess.Status != schedule.SessionScheduled {
		return schedule.Session{}, ErrInvalidState
	}
	if sess.ScheduledAt.After(w.now()) {
		return schedule.Session{}, ErrInvalidState
	}
	if locked.AssignedTutorID == nil || *locked.AssignedTutorID != reporterID {
		return schedule.Session{}, ErrForbidden
	}

	guardianID, err := w.guardians.GuardianOf(ctx, locked.StudentID)
	if err != nil {
		return schedule.Session{}, fmt.Errorf("attendance: resolve guardian: %w", err)
	}

	next := schedule.SessionPendingConfirmation
	if guardianID == nil {
		next = schedule.SessionCompleted
		if !attended {
			next = schedule.SessionAbsent
		}
	}

	if err := w.repo.ApplyReport(ctx, tx, sessionID, attended, notes, next); err != nil {
		return schedule.Session{}, err
	}
	if err := classreq.AppendEvent(ctx, tx, sess.ClassID, classreq.EventSessionChange, &reporterID, map[string]any{
		"session_id": sessionID,
		"from":       string(sess.Status),
		"to":         string(next),
		"attended":   attended,
	}); err != nil {
		return schedule.Session{}, err
	}
	if err := outbox.Enqueue(ctx, tx, "session.reported", map[string]any{
		"session_id": sessionID,
		"class_id":   sess.ClassID,
		"status":     string(next),
		"attended":   attended,
	}); err != nil {
		return schedule.Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return schedule.Session{}, fmt.Errorf("attendance: commit report: %w", err)
	}

	sess.Status = next
	sess.TutorReportedAttendance = &attended
	sess.Notes = notes
	w.log.Info("attendance reported",
		zap.String("session_id", sessionID),
		zap.String("tutor_id", reporterID),
		zap.Bool("attended", attended),
		zap.String("status", string(next)))
	return sess, nil
}

// ConfirmAttendance records the guardian's response to a reported session.
// Agreement finalizes the tutor's value; disagreement opens a dispute and
// parks the session until office staff resolve it.
func (w *Workflow) ConfirmAttendance(ctx context.Context, sessionID, confirmerID string, agrees bool) (schedule.Session, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return schedule.Session{}, fmt.Errorf("attendance: begin confirm tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := w.repo.LockSession(ctx, tx, sessionID)
	if err != nil {
		return schedule.Session{}, err
	}
	sess := locked.Session

	if sess.Status != schedule.SessionPendingConfirmation {
		return schedule.Session{}, ErrInvalidState
	}
	if sess.TutorReportedAttendance == nil {
		return schedule.Session{}, ErrInvalidState
	}

	guardianID, err := w.guardians.GuardianOf(ctx, locked.StudentID)
	if err != nil {
		return schedule.Session{}, fmt.Errorf("attendance: resolve guardian: %w", err)
	}
	if guardianID == nil || *guardianID != confirmerID {
		return schedule.Session{}, ErrForbidden
	}

	reported := *sess.TutorReportedAttendance

	var next schedule.SessionStatus
	if agrees {
		next = schedule.SessionCompleted
		if !reported {
			next = schedule.SessionAbsent
		}
	} else {
		next = schedule.SessionDisputed
	}

	if err := w.repo.ApplyConfirmation(ctx, tx, sessionID, agrees, next); err != nil {
		return schedule.Session{}, err
	}

	if !agrees {
		// dispute.Open writes the audit event and the office-queue outbox
		// message itself.
		if _, err := w.disputes.Open(ctx, tx, dispute.OpenParams{
			SessionID:         sessionID,
			ClassID:           sess.ClassID,
			TutorClaim:        reported,
			CounterpartyClaim: !reported,
			RaisedBy:          confirmerID,
		}); err != nil {
			return schedule.Session{}, err
		}
	} else {
		if err := classreq.AppendEvent(ctx, tx, sess.ClassID, classreq.EventSessionChange, &confirmerID, map[string]any{
			"session_id": sessionID,
			"from":       string(sess.Status),
			"to":         string(next),
		}); err != nil {
			return schedule.Session{}, err
		}
		if err := outbox.Enqueue(ctx, tx, "session.confirmed", map[string]any{
			"session_id": sessionID,
			"class_id":   sess.ClassID,
			"status":     string(next),
		}); err != nil {
			return schedule.Session{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return schedule.Session{}, fmt.Errorf("attendance: commit confirm: %w", err)
	}

	if !agrees {
		metrics.DisputesOpened.Inc()
	}
	sess.Status = next
	sess.CounterpartyConfirmation = &agrees
	w.log.Info("attendance confirmation",
		zap.String("session_id", sessionID),
		zap.String("confirmer_id", confirmerID),
		zap.Bool("agrees", agrees),
		zap.String("status", string(next)))
	return sess, nil
}

// ResolveExpired finalizes sessions whose confirmation window lapsed with no
// counterparty response. Silence is not disagreement; the tutor's report
// stands, flagged unconfirmed. Intended as a periodic job body.
func (w *Workflow) ResolveExpired(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := w.now().Add(-window)
	n, err := w.repo.FinalizeExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.log.Info("auto-finalized unconfirmed sessions",
			zap.Int64("count", n),
			zap.Duration("window", window))
	}
	return n, nil
}
