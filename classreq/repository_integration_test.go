package classreq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCompareAndSetAssignment_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	studentID := seedUser(t, ctx, pool, "student")
	tutorA := seedUser(t, ctx, pool, "tutor")
	tutorB := seedUser(t, ctx, pool, "tutor")

	svc := NewService(pool, nil)
	req, err := svc.Create(ctx, CreateParams{
		Subject:       "math",
		Grade:         "9",
		StudentID:     studentID,
		MonthlyBudget: 2_000_000,
		PreferredSchedule: []ScheduleEntry{
			{Weekday: time.Tuesday, StartTime: "18:00", EndTime: "19:30"},
		},
		LearningFormat: FormatOnline,
		ActorID:        studentID,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	won, err := svc.Assign(ctx, req.ID, tutorA)
	if err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if won.Status != StatusPendingPayment {
		t.Fatalf("expected pending_payment, got %s", won.Status)
	}
	if won.AssignedTutorID == nil || *won.AssignedTutorID != tutorA {
		t.Fatalf("expected winner %s, got %v", tutorA, won.AssignedTutorID)
	}

	// A later claim must lose without side effects.
	if _, err := svc.Assign(ctx, req.ID, tutorB); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second assign, got %v", err)
	}
	cur, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get after losing claim: %v", err)
	}
	if cur.AssignedTutorID == nil || *cur.AssignedTutorID != tutorA {
		t.Fatalf("losing claim mutated assignment: %v", cur.AssignedTutorID)
	}

	// Exactly one assignment event.
	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM class_events WHERE class_id = $1 AND type = $2`, req.ID, EventAssigned).Scan(&events); err != nil {
		t.Fatalf("count assignment events: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected exactly one %s event, got %d", EventAssigned, events)
	}

	// Deposit confirmed, then early termination clears the link.
	if _, err := svc.Advance(ctx, req.ID, StatusPendingPayment, StatusInProgress, nil, tutorA); err != nil {
		t.Fatalf("advance to in_progress: %v", err)
	}

	// One finished session and one still on the calendar. Cancellation must
	// sweep only the scheduled one.
	var completedSession, futureSession string
	if err := pool.QueryRow(ctx, `
		INSERT INTO class_sessions (class_id, scheduled_at, duration_minutes, status, tutor_reported_attendance)
		VALUES ($1, now() - interval '7 days', 90, 'completed', TRUE) RETURNING id`, req.ID).Scan(&completedSession); err != nil {
		t.Fatalf("seed completed session: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO class_sessions (class_id, scheduled_at, duration_minutes)
		VALUES ($1, now() + interval '7 days', 90) RETURNING id`, req.ID).Scan(&futureSession); err != nil {
		t.Fatalf("seed future session: %v", err)
	}

	reason := "family relocated"
	cancelled, err := svc.Advance(ctx, req.ID, StatusInProgress, StatusCancelled, &reason, studentID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.AssignedTutorID != nil {
		t.Fatalf("cancelled request still carries tutor %v", cancelled.AssignedTutorID)
	}
	if got := sessionStatus(t, ctx, pool, futureSession); got != "cancelled" {
		t.Fatalf("future session after class cancel = %s, want cancelled", got)
	}
	if got := sessionStatus(t, ctx, pool, completedSession); got != "completed" {
		t.Fatalf("completed session after class cancel = %s, want completed", got)
	}

	// Terminal states reject further transitions.
	if _, err := svc.Advance(ctx, req.ID, StatusCancelled, StatusInProgress, nil, studentID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition out of cancelled, got %v", err)
	}
}

func TestAdvance_ConflictOnStaleFrom(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	studentID := seedUser(t, ctx, pool, "student")
	svc := NewService(pool, nil)
	req, err := svc.Create(ctx, CreateParams{
		Subject: "physics", Grade: "11", StudentID: studentID, MonthlyBudget: 1_500_000,
		LearningFormat: FormatOffline, ActorID: studentID,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	// The request is still open, so a pending_payment -> in_progress advance
	// must lose against the stored state.
	if _, err := svc.Advance(ctx, req.ID, StatusPendingPayment, StatusInProgress, nil, studentID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := svc.Get(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func sessionStatus(t *testing.T, ctx context.Context, pool *pgxpool.Pool, id string) string {
	t.Helper()
	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM class_sessions WHERE id = $1`, id).Scan(&status); err != nil {
		t.Fatalf("session status: %v", err)
	}
	return status
}

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string) string {
	t.Helper()
	var id string
	email := fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano())
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, $2, $3) RETURNING id`,
		email, "Seed "+role, role).Scan(&id); err != nil {
		t.Fatalf("seed %s: %v", role, err)
	}
	return id
}
