package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"classflow/classreq"
	"classflow/metrics"
	"classflow/outbox"
)

// ErrAlreadyResolved signals the dispute was settled earlier with a different
// staff member or outcome. First resolution wins; overrides go through a
// separate audited path, not this one.
var ErrAlreadyResolved = errors.New("dispute: already resolved")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ResolutionRepository defines the data access the service needs.
type ResolutionRepository interface {
	LockByID(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, disputeID, staffID, resolution string) (Record, error)
	FinalizeSession(ctx context.Context, tx pgx.Tx, sessionID, resolution string) (string, error)
	List(ctx context.Context, filters Filters) ([]Record, error)
}

// Service owns dispute records from escalation until a staff resolution is
// written back to the session.
type Service struct {
	pool TxBeginner
	repo ResolutionRepository
	log  *zap.Logger
}

func NewService(pool TxBeginner, repo ResolutionRepository, log *zap.Logger) *Service {
	return &Service{pool: pool, repo: repo, log: log}
}

// List surfaces disputes to the office queue.
func (s *Service) List(ctx context.Context, filters Filters) ([]Record, error) {
	return s.repo.List(ctx, filters)
}

// Resolve records the staff decision on attendance and finalizes the session
// in the same transaction. Replaying the identical resolution is a no-op
// returning the stored record; any other second resolution fails with
// ErrAlreadyResolved and leaves the session untouched.
func (s *Service) Resolve(ctx context.Context, disputeID, staffID string, finalAttended bool) (Record, error) {
	resolution := ResolutionAbsent
	if finalAttended {
		resolution = ResolutionAttended
	}
	return s.finalize(ctx, disputeID, staffID, resolution)
}

// Void cancels the disputed session entirely.
func (s *Service) Void(ctx context.Context, disputeID, staffID string) (Record, error) {
	return s.finalize(ctx, disputeID, staffID, ResolutionVoid)
}

func (s *Service) finalize(ctx context.Context, disputeID, staffID, resolution string) (Record, error) {
	if staffID == "" {
		return Record{}, fmt.Errorf("dispute: staff id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin resolve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.LockByID(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}

	if rec.Resolved() {
		sameStaff := rec.AssignedStaffID != nil && *rec.AssignedStaffID == staffID
		sameOutcome := rec.Resolution != nil && *rec.Resolution == resolution
		if sameStaff && sameOutcome {
			// Idempotent replay: success already achieved.
			return rec, nil
		}
		return Record{}, ErrAlreadyResolved
	}

	rec, err = s.repo.MarkResolved(ctx, tx, disputeID, staffID, resolution)
	if err != nil {
		return Record{}, err
	}

	classID, err := s.repo.FinalizeSession(ctx, tx, rec.SessionID, resolution)
	if err != nil {
		return Record{}, err
	}

	if err := classreq.AppendEvent(ctx, tx, classID, classreq.EventDisputeClosed, &staffID, map[string]any{
		"dispute_id": rec.ID,
		"session_id": rec.SessionID,
		"resolution": resolution,
	}); err != nil {
		return Record{}, err
	}
	if err := outbox.Enqueue(ctx, tx, "dispute.resolved", map[string]any{
		"dispute_id": rec.ID,
		"session_id": rec.SessionID,
		"class_id":   classID,
		"resolution": resolution,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	metrics.DisputesResolved.Inc()
	s.log.Info("dispute resolved",
		zap.String("dispute_id", rec.ID),
		zap.String("staff_id", staffID),
		zap.String("resolution", resolution))
	return rec, nil
}
