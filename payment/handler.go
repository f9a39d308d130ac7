package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"classflow/classreq"
	"classflow/schedule"
)

// ClassAdvancer is the slice of the class service the payment adapter drives.
type ClassAdvancer interface {
	Advance(ctx context.Context, classID string, from, to classreq.Status, cancelReason *string, actorID string) (classreq.Request, error)
}

// Materializer produces session rows once a class starts running.
type Materializer interface {
	Materialize(ctx context.Context, classID string, horizonWeeks int) ([]schedule.Session, error)
}

// Handler adapts payment-gateway callbacks onto the class lifecycle. The
// gateway itself lives outside this module; all it delivers is "the deposit
// for class X cleared".
type Handler struct {
	pool         *pgxpool.Pool
	classes      ClassAdvancer
	scheduler    Materializer
	horizonWeeks int
	log          *zap.Logger
}

func NewHandler(pool *pgxpool.Pool, classes ClassAdvancer, scheduler Materializer, horizonWeeks int, log *zap.Logger) *Handler {
	return &Handler{
		pool:         pool,
		classes:      classes,
		scheduler:    scheduler,
		horizonWeeks: horizonWeeks,
		log:          log,
	}
}

// OnDepositConfirmed moves the class into in_progress and eagerly stocks its
// sessions. Materialization failure does not undo the advance; the periodic
// top-up converges the session set.
func (h *Handler) OnDepositConfirmed(ctx context.Context, classID string) error {
	req, err := h.classes.Advance(ctx, classID, classreq.StatusPendingPayment, classreq.StatusInProgress, nil, "")
	if err != nil {
		if errors.Is(err, classreq.ErrConflict) {
			// Duplicate gateway delivery after the class already advanced.
			cur, getErr := currentStatus(ctx, h.pool, classID)
			if getErr == nil && cur == classreq.StatusInProgress {
				return nil
			}
		}
		return err
	}

	if _, err := h.scheduler.Materialize(ctx, req.ID, h.horizonWeeks); err != nil {
		h.log.Error("eager materialize after deposit failed",
			zap.String("class_id", req.ID),
			zap.Error(err))
	}
	return nil
}

// ExpireDeposits cancels classes whose winning tutor was never backed by a
// deposit within the window, releasing the assignment. Intended as a periodic
// job body.
func (h *Handler) ExpireDeposits(ctx context.Context, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	rows, err := h.pool.Query(ctx,
		`SELECT id FROM class_requests WHERE status = 'pending_payment' AND updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("payment: list stale deposits: %w", err)
	}
	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("payment: scan class id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("payment: iterate stale deposits: %w", err)
	}

	reason := "deposit_timeout"
	expired := 0
	for _, id := range ids {
		if _, err := h.classes.Advance(ctx, id, classreq.StatusPendingPayment, classreq.StatusCancelled, &reason, ""); err != nil {
			if errors.Is(err, classreq.ErrConflict) {
				// The deposit landed between the scan and the cancel.
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		h.log.Info("expired unpaid classes", zap.Int("count", expired), zap.Duration("window", window))
	}
	return expired, nil
}

func currentStatus(ctx context.Context, pool *pgxpool.Pool, classID string) (classreq.Status, error) {
	var status classreq.Status
	err := pool.QueryRow(ctx, `SELECT status FROM class_requests WHERE id = $1`, classID).Scan(&status)
	return status, err
}
