package classreq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"classflow/outbox"
)

// Service wraps the repository in transactions and keeps the audit trail and
// transactional outbox in step with every status change.
type Service struct {
	pool  *pgxpool.Pool
	repo  Repository
	idGen func() string
	now   func() time.Time
}

// CreateParams enumerates the fields a student, parent, or office action
// supplies when posting a new request.
type CreateParams struct {
	Subject           string
	Grade             string
	StudentID         string
	MonthlyBudget     int64
	PreferredSchedule []ScheduleEntry
	LearningFormat    LearningFormat
	Location          *string
	Requirements      string
	ActorID           string
}

func NewService(pool *pgxpool.Pool, repo Repository) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	return &Service{
		pool:  pool,
		repo:  repo,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Create posts a new request in status open.
func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	if params.Subject == "" || params.Grade == "" {
		return Request{}, fmt.Errorf("classreq: subject and grade required")
	}
	if params.StudentID == "" {
		return Request{}, fmt.Errorf("classreq: student id required")
	}
	if params.MonthlyBudget <= 0 {
		return Request{}, fmt.Errorf("classreq: monthly budget must be positive")
	}
	if !params.LearningFormat.Valid() {
		return Request{}, fmt.Errorf("classreq: invalid learning format %q", params.LearningFormat)
	}
	for _, entry := range params.PreferredSchedule {
		if err := entry.Validate(); err != nil {
			return Request{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("classreq: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.Create(ctx, tx, Request{
		ID:                s.idGen(),
		Subject:           params.Subject,
		Grade:             params.Grade,
		StudentID:         params.StudentID,
		MonthlyBudget:     params.MonthlyBudget,
		PreferredSchedule: params.PreferredSchedule,
		LearningFormat:    params.LearningFormat,
		Location:          params.Location,
		Requirements:      params.Requirements,
	})
	if err != nil {
		return Request{}, fmt.Errorf("classreq: create: %w", err)
	}

	if err := AppendEvent(ctx, tx, req.ID, EventCreated, &params.ActorID, map[string]any{
		"subject":    req.Subject,
		"grade":      req.Grade,
		"student_id": req.StudentID,
	}); err != nil {
		return Request{}, err
	}
	if err := outbox.Enqueue(ctx, tx, "class.created", map[string]any{
		"class_id":   req.ID,
		"student_id": req.StudentID,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("classreq: commit create: %w", err)
	}
	return req, nil
}

// Get returns the current state of a request.
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.repo.Get(ctx, id)
}

// List returns requests matching the filters plus the unpaged total.
func (s *Service) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	return s.repo.List(ctx, filters)
}

// Assign runs the compare-and-set that moves a request out of open and links
// the winning tutor. The audit event and outbox message commit atomically
// with the assignment; a conflict leaves no trace.
func (s *Service) Assign(ctx context.Context, classID, tutorID string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("classreq: begin assign tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.CompareAndSetAssignment(ctx, tx, classID, StatusOpen, tutorID)
	if err != nil {
		return Request{}, err
	}

	if err := AppendEvent(ctx, tx, req.ID, EventAssigned, &tutorID, map[string]any{
		"tutor_id": tutorID,
	}); err != nil {
		return Request{}, err
	}
	if err := outbox.Enqueue(ctx, tx, "class.assigned", map[string]any{
		"class_id": req.ID,
		"tutor_id": tutorID,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("classreq: commit assign: %w", err)
	}
	return req, nil
}

// Advance applies a guarded transition driven by payment, office, or
// completion events.
func (s *Service) Advance(ctx context.Context, classID string, from, to Status, cancelReason *string, actorID string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("classreq: begin advance tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.Advance(ctx, tx, classID, from, to, cancelReason)
	if err != nil {
		return Request{}, err
	}

	payload := map[string]any{
		"previous_status": string(from),
		"next_status":     string(to),
	}
	if cancelReason != nil {
		payload["cancel_reason"] = *cancelReason
	}
	if err := AppendEvent(ctx, tx, req.ID, EventStatusChanged, &actorID, payload); err != nil {
		return Request{}, err
	}
	if err := outbox.Enqueue(ctx, tx, "class.status_changed", map[string]any{
		"class_id": req.ID,
		"previous": string(from),
		"next":     string(to),
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("classreq: commit advance: %w", err)
	}
	return req, nil
}
