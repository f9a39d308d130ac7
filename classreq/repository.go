package classreq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the class request does not exist.
	ErrNotFound = errors.New("classreq: not found")
	// ErrConflict signals an optimistic-concurrency loss: the stored status
	// changed between the caller's read and its guarded write. Recoverable by
	// re-reading; the repository never retries on its own.
	ErrConflict = errors.New("classreq: status changed underfoot")
	// ErrInvalidTransition signals the status machine does not permit the
	// requested transition at all, regardless of current state.
	ErrInvalidTransition = errors.New("classreq: invalid status transition")
)

// Repository is the durable ledger of class requests. All mutation goes
// through guarded writes; no caller touches status columns directly.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	CompareAndSetAssignment(ctx context.Context, tx pgx.Tx, id string, expected Status, tutorID string) (Request, error)
	Advance(ctx context.Context, tx pgx.Tx, id string, from, to Status, cancelReason *string) (Request, error)
	List(ctx context.Context, filters Filters) ([]Request, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, subject, grade, student_id, monthly_budget, preferred_schedule,
		learning_format, location, requirements, status, assigned_tutor_id, cancel_reason, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	scheduleJSON, err := json.Marshal(req.PreferredSchedule)
	if err != nil {
		return Request{}, fmt.Errorf("classreq: marshal schedule: %w", err)
	}

	query := `
		INSERT INTO class_requests (id, subject, grade, student_id, monthly_budget, preferred_schedule,
			learning_format, location, requirements, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6::jsonb, $7, $8, $9, 'open')
		RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.Subject,
		req.Grade,
		req.StudentID,
		req.MonthlyBudget,
		scheduleJSON,
		req.LearningFormat,
		req.Location,
		req.Requirements,
	)
	return scanRequest(row)
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM class_requests WHERE id = $1`

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("classreq: get: %w", err)
	}
	return req, nil
}

// CompareAndSetAssignment is the only path out of open. The single guarded
// UPDATE commits only if the stored status still equals expected and no tutor
// is linked; otherwise it reports ErrConflict with no side effects. Under
// concurrent claims Postgres row locking totally orders the writes, so
// exactly one caller ever sees success.
func (r *PGRepository) CompareAndSetAssignment(ctx context.Context, tx pgx.Tx, id string, expected Status, tutorID string) (Request, error) {
	if tutorID == "" {
		return Request{}, fmt.Errorf("classreq: tutor id required")
	}

	query := `
		UPDATE class_requests
		SET status = 'pending_payment', assigned_tutor_id = $2, updated_at = now()
		WHERE id = $1 AND status = $3 AND assigned_tutor_id IS NULL
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, tutorID, expected))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Request{}, fmt.Errorf("classreq: compare-and-set assignment: %w", err)
	}

	// Zero rows: either the row is gone or someone else's write landed first.
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM class_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Request{}, fmt.Errorf("classreq: compare-and-set probe: %w", err)
	}
	if !exists {
		return Request{}, ErrNotFound
	}
	return Request{}, ErrConflict
}

// Advance applies a generic guarded transition (payment confirmation, start,
// completion, cancellation). The transition table is checked first so an
// impossible request fails as ErrInvalidTransition rather than ErrConflict.
func (r *PGRepository) Advance(ctx context.Context, tx pgx.Tx, id string, from, to Status, cancelReason *string) (Request, error) {
	if !ValidTransition(from, to) {
		return Request{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == StatusOpen && to == StatusPendingPayment {
		// Assignment must go through CompareAndSetAssignment.
		return Request{}, fmt.Errorf("%w: assignment bypasses arbitration", ErrInvalidTransition)
	}

	query := `
		UPDATE class_requests
		SET status = $3,
		    cancel_reason = CASE WHEN $3 = 'cancelled' THEN $4 ELSE cancel_reason END,
		    assigned_tutor_id = CASE WHEN $3 = 'cancelled' THEN NULL ELSE assigned_tutor_id END,
		    updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, from, to, cancelReason))
	if err == nil {
		if to == StatusCancelled {
			// A cancelled class must not leave future sessions dangling in
			// scheduled. Sessions already past reporting keep their state.
			_, err := tx.Exec(ctx, `
				UPDATE class_sessions
				SET status = 'cancelled', updated_at = now()
				WHERE class_id = $1 AND status = 'scheduled'`, id)
			if err != nil {
				return Request{}, fmt.Errorf("classreq: cancel outstanding sessions: %w", err)
			}
		}
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Request{}, fmt.Errorf("classreq: advance %s -> %s: %w", from, to, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM class_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Request{}, fmt.Errorf("classreq: advance probe: %w", err)
	}
	if !exists {
		return Request{}, ErrNotFound
	}
	return Request{}, ErrConflict
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.StudentID != "" {
		args = append(args, filters.StudentID)
		where = append(where, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.Subject != "" {
		args = append(args, filters.Subject)
		where = append(where, fmt.Sprintf("subject = $%d", len(args)))
	}

	cond := joinAnd(where)

	countQuery := `SELECT COUNT(*) FROM class_requests WHERE ` + cond
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("classreq: count: %w", err)
	}

	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)
	query := fmt.Sprintf(`SELECT %s FROM class_requests WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		requestColumns, cond, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("classreq: list: %w", err)
	}
	defer rows.Close()

	out := make([]Request, 0, filters.PageSize)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("classreq: scan list row: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("classreq: iterate list: %w", err)
	}

	return out, total, nil
}

func joinAnd(parts []string) string {
	s := parts[0]
	for _, p := range parts[1:] {
		s += " AND " + p
	}
	return s
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req          Request
		scheduleJSON []byte
	)
	err := row.Scan(
		&req.ID,
		&req.Subject,
		&req.Grade,
		&req.StudentID,
		&req.MonthlyBudget,
		&scheduleJSON,
		&req.LearningFormat,
		&req.Location,
		&req.Requirements,
		&req.Status,
		&req.AssignedTutorID,
		&req.CancelReason,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}
	if len(scheduleJSON) > 0 {
		if err := json.Unmarshal(scheduleJSON, &req.PreferredSchedule); err != nil {
			return Request{}, fmt.Errorf("classreq: unmarshal schedule: %w", err)
		}
	}
	return req, nil
}
