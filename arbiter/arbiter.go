package arbiter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"classflow/classreq"
	"classflow/metrics"
	"classflow/schedule"
)

// LossReason explains why a claim did not win.
type LossReason string

const (
	// LossAlreadyAssigned: another tutor's compare-and-set landed first.
	LossAlreadyAssigned LossReason = "already_assigned"
	// LossNotOpen: the request left open without an assignment (withdrawn or
	// otherwise cancelled).
	LossNotOpen LossReason = "not_open"
)

// Outcome is the result of a claim. Won carries the assigned request; a lost
// claim carries the reason. Transient failures surface as the error return
// instead and are safe to retry: re-claiming a request you already lost just
// reports the loss again.
type Outcome struct {
	Won    bool
	Reason LossReason
	Class  classreq.Request
}

// Store is the slice of the class ledger the arbiter drives. Assign must be
// an atomic compare-and-set against status open.
type Store interface {
	Assign(ctx context.Context, classID, tutorID string) (classreq.Request, error)
	Get(ctx context.Context, id string) (classreq.Request, error)
}

// Materializer generates the winner's initial session horizon.
type Materializer interface {
	Materialize(ctx context.Context, classID string, horizonWeeks int) ([]schedule.Session, error)
}

// Arbiter resolves concurrent tutor claims on one class request to a single
// winner. It holds no state of its own: the store's compare-and-set totally
// orders the attempts, so any number of arbiter instances can run in
// parallel. Whichever write lands first wins; there is no fairness queue, and
// a tutor may lose even if they clicked first.
type Arbiter struct {
	store        Store
	scheduler    Materializer
	log          *zap.Logger
	horizonWeeks int
}

func New(store Store, scheduler Materializer, log *zap.Logger, horizonWeeks int) *Arbiter {
	if horizonWeeks <= 0 {
		horizonWeeks = 4
	}
	return &Arbiter{
		store:        store,
		scheduler:    scheduler,
		log:          log,
		horizonWeeks: horizonWeeks,
	}
}

// Claim attempts to win the class for the tutor. Exactly one concurrent
// caller per class ever sees Won; the rest observe a loss with no partial
// mutation. A missing class surfaces classreq.ErrNotFound directly.
func (a *Arbiter) Claim(ctx context.Context, classID, tutorID string) (Outcome, error) {
	if classID == "" || tutorID == "" {
		return Outcome{}, fmt.Errorf("arbiter: class id and tutor id required")
	}

	won, err := a.store.Assign(ctx, classID, tutorID)
	if err == nil {
		metrics.ClaimsWon.Inc()
		a.log.Info("claim won", zap.String("class_id", classID), zap.String("tutor_id", tutorID))

		// The win is durable once the compare-and-set commits. Session
		// materialization is idempotent and retried by the top-up job, so a
		// failure here never revokes the assignment.
		if _, err := a.scheduler.Materialize(ctx, classID, a.horizonWeeks); err != nil {
			a.log.Warn("initial session materialization failed",
				zap.String("class_id", classID), zap.Error(err))
		}
		return Outcome{Won: true, Class: won}, nil
	}

	if !errors.Is(err, classreq.ErrConflict) {
		// ErrNotFound and transient store failures surface directly; callers
		// retry the latter with backoff.
		return Outcome{}, err
	}

	// Lost the race: re-read to tell the caller what happened. Never retried
	// blindly here; the loss is final for this request.
	current, err := a.store.Get(ctx, classID)
	if err != nil {
		return Outcome{}, fmt.Errorf("arbiter: read after conflict: %w", err)
	}

	reason := LossNotOpen
	if current.AssignedTutorID != nil {
		reason = LossAlreadyAssigned
	}
	metrics.ClaimsLost.WithLabelValues(string(reason)).Inc()
	return Outcome{Won: false, Reason: reason, Class: current}, nil
}
