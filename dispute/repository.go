package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"classflow/classreq"
	"classflow/outbox"
	"classflow/schedule"
)

var (
	// ErrNotFound signals the dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrSessionNotDisputed signals the session left disputed outside the
	// resolution path; the shared-mutation discipline was violated somewhere.
	ErrSessionNotDisputed = errors.New("dispute: session not in disputed state")
)

const recordColumns = `id, session_id, tutor_claim, counterparty_claim, raised_at, assigned_staff_id, resolution, resolved_at`

// PGRepository handles dispute data access.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Open inserts the dispute inside the caller's transaction so the record
// commits atomically with the session's move to disputed, and enqueues the
// outbox message that feeds the office queue. A replayed open for the same
// session returns the existing record.
func (r *PGRepository) Open(ctx context.Context, tx pgx.Tx, params OpenParams) (Record, error) {
	if params.SessionID == "" {
		return Record{}, fmt.Errorf("dispute: session id required")
	}

	insertSQL := `
		INSERT INTO disputes (session_id, tutor_claim, counterparty_claim)
		VALUES ($1, $2, $3)
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL, params.SessionID, params.TutorClaim, params.CounterpartyClaim))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return r.getBySessionTx(ctx, tx, params.SessionID)
		}
		return Record{}, fmt.Errorf("dispute: open: %w", err)
	}

	if err := classreq.AppendEvent(ctx, tx, params.ClassID, classreq.EventDisputeOpened, &params.RaisedBy, map[string]any{
		"dispute_id":         rec.ID,
		"session_id":         rec.SessionID,
		"tutor_claim":        rec.TutorClaim,
		"counterparty_claim": rec.CounterpartyClaim,
	}); err != nil {
		return Record{}, err
	}
	if err := outbox.Enqueue(ctx, tx, "dispute.opened", map[string]any{
		"dispute_id": rec.ID,
		"session_id": rec.SessionID,
		"class_id":   params.ClassID,
	}); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// LockByID loads a dispute FOR UPDATE inside the resolution transaction.
func (r *PGRepository) LockByID(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return rec, nil
}

// MarkResolved stamps the first (and only) resolution onto the dispute.
func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, disputeID, staffID, resolution string) (Record, error) {
	query := `
		UPDATE disputes
		SET assigned_staff_id = $2, resolution = $3, resolved_at = now()
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, disputeID, staffID, resolution))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return rec, nil
}

// FinalizeSession writes the staff decision back as the session's terminal
// status and returns the owning class id for the audit trail.
func (r *PGRepository) FinalizeSession(ctx context.Context, tx pgx.Tx, sessionID, resolution string) (string, error) {
	var next schedule.SessionStatus
	switch resolution {
	case ResolutionAttended:
		next = schedule.SessionCompleted
	case ResolutionAbsent:
		next = schedule.SessionAbsent
	case ResolutionVoid:
		next = schedule.SessionCancelled
	default:
		return "", fmt.Errorf("dispute: unknown resolution %q", resolution)
	}

	const query = `
		UPDATE class_sessions
		SET status = $2, resolution = $3, updated_at = now()
		WHERE id = $1 AND status = 'disputed'
		RETURNING class_id
	`

	var classID string
	if err := tx.QueryRow(ctx, query, sessionID, next, resolution).Scan(&classID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSessionNotDisputed
		}
		return "", fmt.Errorf("dispute: finalize session: %w", err)
	}
	return classID, nil
}

// List returns disputes for the office queue, newest first.
func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Record, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `SELECT ` + recordColumns + ` FROM disputes WHERE 1=1`
	args := []any{}
	if filters.Unresolved {
		query += ` AND resolved_at IS NULL`
	}
	if filters.SessionID != "" {
		args = append(args, filters.SessionID)
		query += fmt.Sprintf(` AND session_id = $%d`, len(args))
	}
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)
	query += fmt.Sprintf(` ORDER BY raised_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, filters.PageSize)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan list row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate list: %w", err)
	}
	return out, nil
}

func (r *PGRepository) getBySessionTx(ctx context.Context, tx pgx.Tx, sessionID string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE session_id = $1`
	rec, err := scanRecord(tx.QueryRow(ctx, query, sessionID))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: get by session: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		staffID    *string
		resolution *string
		resolvedAt *time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.TutorClaim,
		&rec.CounterpartyClaim,
		&rec.RaisedAt,
		&staffID,
		&resolution,
		&resolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.AssignedStaffID = staffID
	rec.Resolution = resolution
	rec.ResolvedAt = resolvedAt
	return rec, nil
}
