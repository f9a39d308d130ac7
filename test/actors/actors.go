package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classflow/arbiter"
	"classflow/attendance"
	"classflow/classreq"
	"classflow/dispute"
	"classflow/outbox"
	"classflow/payment"
)

// Generator keeps posting fresh open class requests for the claimers to
// fight over.
func Generator(ctx context.Context, classes *classreq.Service, studentIDs []string, stop <-chan struct{}) error {
	subjects := []string{"math", "physics", "english", "chemistry"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		studentID := studentIDs[rand.Intn(len(studentIDs))]
		_, err := classes.Create(ctx, classreq.CreateParams{
			Subject:       subjects[rand.Intn(len(subjects))],
			Grade:         fmt.Sprintf("%d", 7+rand.Intn(5)),
			StudentID:     studentID,
			MonthlyBudget: int64(1_000_000 + rand.Intn(2_000_000)),
			PreferredSchedule: []classreq.ScheduleEntry{
				{Weekday: time.Weekday(rand.Intn(7)), StartTime: "17:00", EndTime: "18:00"},
			},
			LearningFormat: classreq.FormatOnline,
			ActorID:        studentID,
		})
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return fmt.Errorf("generator create: %w", err)
		}
		time.Sleep(time.Duration(150+rand.Intn(200)) * time.Millisecond)
	}
}

// Claimer races the arbiter for whatever open class it can find. Losses are
// the expected steady state under contention.
func Claimer(ctx context.Context, pool *pgxpool.Pool, claims *arbiter.Arbiter, tutorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var classID string
		err := pool.QueryRow(ctx, `SELECT id FROM class_requests WHERE status='open' ORDER BY random() LIMIT 1`).Scan(&classID)
		if err == nil {
			if _, err := claims.Claim(ctx, classID, tutorID); err != nil &&
				!errors.Is(err, classreq.ErrNotFound) && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				return fmt.Errorf("claimer: %w", err)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return fmt.Errorf("claimer pick: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// DepositPayer simulates the payment gateway clearing deposits for claimed
// classes, occasionally replaying a callback it already delivered.
func DepositPayer(ctx context.Context, pool *pgxpool.Pool, payments *payment.Handler, stop <-chan struct{}) error {
	var lastClassID string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var classID string
		err := pool.QueryRow(ctx, `SELECT id FROM class_requests WHERE status='pending_payment' ORDER BY random() LIMIT 1`).Scan(&classID)
		if err == nil {
			if rand.Intn(5) == 0 && lastClassID != "" {
				classID = lastClassID // duplicate delivery
			}
			if err := payments.OnDepositConfirmed(ctx, classID); err != nil &&
				!errors.Is(err, classreq.ErrConflict) && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				return fmt.Errorf("deposit payer: %w", err)
			}
			lastClassID = classID
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			return fmt.Errorf("deposit payer pick: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Reporter backdates a scheduled session (time passing, compressed) and files
// the assigned tutor's attendance report for it.
func Reporter(ctx context.Context, pool *pgxpool.Pool, workflow *attendance.Workflow, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			sessionID string
			tutorID   string
		)
		err := pool.QueryRow(ctx, `
			SELECT s.id, c.assigned_tutor_id::text
			FROM class_sessions s
			JOIN class_requests c ON c.id = s.class_id
			WHERE s.status = 'scheduled' AND c.assigned_tutor_id IS NOT NULL
			ORDER BY random() LIMIT 1`).Scan(&sessionID, &tutorID)
		if err == nil {
			_, _ = pool.Exec(ctx, `UPDATE class_sessions SET scheduled_at = now() - interval '1 hour' WHERE id = $1 AND status = 'scheduled'`, sessionID)
			if _, err := workflow.ReportAttendance(ctx, sessionID, tutorID, rand.Intn(10) != 0, ""); err != nil &&
				!errors.Is(err, attendance.ErrInvalidState) && !errors.Is(err, attendance.ErrNotFound) &&
				!errors.Is(err, context.Canceled) && ctx.Err() == nil {
				return fmt.Errorf("reporter: %w", err)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			return fmt.Errorf("reporter pick: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Confirmer answers pending confirmations as the student's guardian,
// disagreeing some of the time to feed the dispute queue. Two confirmers on
// the same session exercise the state guard: one lands, one sees InvalidState.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, workflow *attendance.Workflow, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			sessionID  string
			guardianID string
		)
		err := pool.QueryRow(ctx, `
			SELECT s.id, u.guardian_id::text
			FROM class_sessions s
			JOIN class_requests c ON c.id = s.class_id
			JOIN users u ON u.id = c.student_id
			WHERE s.status = 'pending_confirmation' AND u.guardian_id IS NOT NULL
			ORDER BY random() LIMIT 1`).Scan(&sessionID, &guardianID)
		if err == nil {
			if _, err := workflow.ConfirmAttendance(ctx, sessionID, guardianID, rand.Intn(4) != 0); err != nil &&
				!errors.Is(err, attendance.ErrInvalidState) && !errors.Is(err, attendance.ErrNotFound) &&
				!errors.Is(err, context.Canceled) && ctx.Err() == nil {
				return fmt.Errorf("confirmer: %w", err)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			return fmt.Errorf("confirmer pick: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Resolver works the office queue, resolving or voiding open disputes.
// Concurrent resolvers on the same dispute exercise first-resolution-wins.
func Resolver(ctx context.Context, pool *pgxpool.Pool, disputes *dispute.Service, staffID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var disputeID string
		err := pool.QueryRow(ctx, `SELECT id FROM disputes WHERE resolved_at IS NULL ORDER BY random() LIMIT 1`).Scan(&disputeID)
		if err == nil {
			var rerr error
			if rand.Intn(10) == 0 {
				_, rerr = disputes.Void(ctx, disputeID, staffID)
			} else {
				_, rerr = disputes.Resolve(ctx, disputeID, staffID, rand.Intn(2) == 0)
			}
			if rerr != nil && !errors.Is(rerr, dispute.ErrAlreadyResolved) && !errors.Is(rerr, dispute.ErrNotFound) &&
				!errors.Is(rerr, dispute.ErrSessionNotDisputed) && !errors.Is(rerr, context.Canceled) && ctx.Err() == nil {
				return fmt.Errorf("resolver: %w", rerr)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			return fmt.Errorf("resolver pick: %w", err)
		}
		time.Sleep(time.Duration(60+rand.Intn(120)) * time.Millisecond)
	}
}

// SweepExpired runs the confirmation-window sweeper with a compressed window
// so auto-finalization happens inside the test run.
func SweepExpired(ctx context.Context, workflow *attendance.Workflow, window time.Duration, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := workflow.ResolveExpired(ctx, window); err != nil &&
			!errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// OutboxDrainer consumes the transactional outbox, with the publisher failing
// at random to exercise retry and dead-lettering.
func OutboxDrainer(ctx context.Context, worker *outbox.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := worker.DrainOnce(ctx, 20); err != nil &&
			!errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return fmt.Errorf("outbox drainer: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
