package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"classflow/arbiter"
	"classflow/attendance"
	"classflow/classreq"
	"classflow/dispute"
	"classflow/schedule"
)

// ClassService is the class-request surface the API exposes.
type ClassService interface {
	Create(ctx context.Context, params classreq.CreateParams) (classreq.Request, error)
	Get(ctx context.Context, id string) (classreq.Request, error)
	List(ctx context.Context, filters classreq.Filters) ([]classreq.Request, int, error)
}

// ClaimService arbitrates tutor claims.
type ClaimService interface {
	Claim(ctx context.Context, classID, tutorID string) (arbiter.Outcome, error)
}

// AttendanceService drives session reporting and confirmation.
type AttendanceService interface {
	ReportAttendance(ctx context.Context, sessionID, reporterID string, attended bool, notes string) (schedule.Session, error)
	ConfirmAttendance(ctx context.Context, sessionID, confirmerID string, agrees bool) (schedule.Session, error)
}

// DisputeService is the office resolution surface.
type DisputeService interface {
	List(ctx context.Context, filters dispute.Filters) ([]dispute.Record, error)
	Resolve(ctx context.Context, disputeID, staffID string, finalAttended bool) (dispute.Record, error)
	Void(ctx context.Context, disputeID, staffID string) (dispute.Record, error)
}

// PaymentService receives gateway callbacks.
type PaymentService interface {
	OnDepositConfirmed(ctx context.Context, classID string) error
}

// Server mounts the workflow engine behind a plain HTTP surface.
type Server struct {
	classService      ClassService
	claimService      ClaimService
	attendanceService AttendanceService
	disputeService    DisputeService
	paymentService    PaymentService
	log               *zap.Logger
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/classes", s.handleClasses)
	mux.HandleFunc("/api/classes/", s.handleClass)
	mux.HandleFunc("/api/sessions/", s.handleSession)
	mux.HandleFunc("/api/disputes", s.handleDisputes)
	mux.HandleFunc("/api/disputes/", s.handleDispute)
	mux.HandleFunc("/api/payments/deposit-confirmed", s.handleDepositConfirmed)
}

type classResponse struct {
	ID              string  `json:"id"`
	Subject         string  `json:"subject"`
	Grade           string  `json:"grade"`
	StudentID       string  `json:"studentId"`
	Status          string  `json:"status"`
	AssignedTutorID *string `json:"assignedTutorId,omitempty"`
	CancelReason    *string `json:"cancelReason,omitempty"`
	CreatedAt       string  `json:"createdAt"`
}

func toClassResponse(req classreq.Request) classResponse {
	return classResponse{
		ID:              req.ID,
		Subject:         req.Subject,
		Grade:           req.Grade,
		StudentID:       req.StudentID,
		Status:          string(req.Status),
		AssignedTutorID: req.AssignedTutorID,
		CancelReason:    req.CancelReason,
		CreatedAt:       req.CreatedAt.Format(time.RFC3339),
	}
}

type sessionResponse struct {
	ID          string `json:"id"`
	ClassID     string `json:"classId"`
	ScheduledAt string `json:"scheduledAt"`
	Status      string `json:"status"`
	Unconfirmed bool   `json:"unconfirmed"`
}

func toSessionResponse(sess schedule.Session) sessionResponse {
	return sessionResponse{
		ID:          sess.ID,
		ClassID:     sess.ClassID,
		ScheduledAt: sess.ScheduledAt.Format(time.RFC3339),
		Status:      string(sess.Status),
		Unconfirmed: sess.Unconfirmed,
	}
}

type disputeResponse struct {
	ID                string  `json:"id"`
	SessionID         string  `json:"sessionId"`
	TutorClaim        bool    `json:"tutorClaim"`
	CounterpartyClaim bool    `json:"counterpartyClaim"`
	RaisedAt          string  `json:"raisedAt"`
	Resolution        *string `json:"resolution,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	return disputeResponse{
		ID:                rec.ID,
		SessionID:         rec.SessionID,
		TutorClaim:        rec.TutorClaim,
		CounterpartyClaim: rec.CounterpartyClaim,
		RaisedAt:          rec.RaisedAt.Format(time.RFC3339),
		Resolution:        rec.Resolution,
	}
}

func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filters := classreq.Filters{
			StudentID: r.URL.Query().Get("studentId"),
			Status:    classreq.Status(r.URL.Query().Get("status")),
			Subject:   r.URL.Query().Get("subject"),
		}
		items, total, err := s.classService.List(r.Context(), filters)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out := make([]classResponse, 0, len(items))
		for _, it := range items {
			out = append(out, toClassResponse(it))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
	case http.MethodPost:
		var body struct {
			Subject           string                  `json:"subject"`
			Grade             string                  `json:"grade"`
			StudentID         string                  `json:"studentId"`
			MonthlyBudget     int64                   `json:"monthlyBudget"`
			PreferredSchedule []scheduleEntryRequest  `json:"preferredSchedule"`
			LearningFormat    classreq.LearningFormat `json:"learningFormat"`
			Location          *string                 `json:"location"`
			Requirements      string                  `json:"requirements"`
			ActorID           string                  `json:"actorId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		entries := make([]classreq.ScheduleEntry, 0, len(body.PreferredSchedule))
		for _, e := range body.PreferredSchedule {
			entries = append(entries, classreq.ScheduleEntry{
				Weekday:   time.Weekday(e.Weekday),
				StartTime: e.StartTime,
				EndTime:   e.EndTime,
			})
		}
		req, err := s.classService.Create(r.Context(), classreq.CreateParams{
			Subject:           body.Subject,
			Grade:             body.Grade,
			StudentID:         body.StudentID,
			MonthlyBudget:     body.MonthlyBudget,
			PreferredSchedule: entries,
			LearningFormat:    body.LearningFormat,
			Location:          body.Location,
			Requirements:      body.Requirements,
			ActorID:           body.ActorID,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toClassResponse(req))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type scheduleEntryRequest struct {
	Weekday   int    `json:"weekday"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// handleClass serves GET /api/classes/{id} and POST /api/classes/{id}/claim.
func (s *Server) handleClass(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/classes/")
	if rest == "" {
		http.Error(w, "class id required", http.StatusBadRequest)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/claim"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleClaim(w, r, id)
		return
	}

	if strings.Contains(rest, "/") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := s.classService.Get(r.Context(), rest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toClassResponse(req))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, classID string) {
	var body struct {
		TutorID string `json:"tutorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TutorID == "" {
		http.Error(w, "tutorId required", http.StatusBadRequest)
		return
	}

	outcome, err := s.claimService.Claim(r.Context(), classID, body.TutorID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !outcome.Won {
		writeJSON(w, http.StatusConflict, map[string]any{
			"won":    false,
			"reason": string(outcome.Reason),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"won":   true,
		"class": toClassResponse(outcome.Class),
	})
}

// handleSession serves POST /api/sessions/{id}/report and /confirm.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")

	if id, ok := strings.CutSuffix(rest, "/report"); ok && id != "" {
		var body struct {
			ReporterID string `json:"reporterId"`
			Attended   bool   `json:"attended"`
			Notes      string `json:"notes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ReporterID == "" {
			http.Error(w, "reporterId required", http.StatusBadRequest)
			return
		}
		sess, err := s.attendanceService.ReportAttendance(r.Context(), id, body.ReporterID, body.Attended, body.Notes)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(sess))
		return
	}

	if id, ok := strings.CutSuffix(rest, "/confirm"); ok && id != "" {
		var body struct {
			ConfirmerID string `json:"confirmerId"`
			Agrees      bool   `json:"agrees"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ConfirmerID == "" {
			http.Error(w, "confirmerId required", http.StatusBadRequest)
			return
		}
		sess, err := s.attendanceService.ConfirmAttendance(r.Context(), id, body.ConfirmerID, body.Agrees)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(sess))
		return
	}

	http.Error(w, "invalid path", http.StatusBadRequest)
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filters := dispute.Filters{
		Unresolved: r.URL.Query().Get("unresolved") == "true",
		SessionID:  r.URL.Query().Get("sessionId"),
	}
	items, err := s.disputeService.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]disputeResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toDisputeResponse(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// handleDispute serves POST /api/disputes/{id}/resolve and /void.
func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")

	if id, ok := strings.CutSuffix(rest, "/resolve"); ok && id != "" {
		var body struct {
			StaffID       string `json:"staffId"`
			FinalAttended bool   `json:"finalAttended"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.StaffID == "" {
			http.Error(w, "staffId required", http.StatusBadRequest)
			return
		}
		rec, err := s.disputeService.Resolve(r.Context(), id, body.StaffID, body.FinalAttended)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
		return
	}

	if id, ok := strings.CutSuffix(rest, "/void"); ok && id != "" {
		var body struct {
			StaffID string `json:"staffId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.StaffID == "" {
			http.Error(w, "staffId required", http.StatusBadRequest)
			return
		}
		rec, err := s.disputeService.Void(r.Context(), id, body.StaffID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
		return
	}

	http.Error(w, "invalid path", http.StatusBadRequest)
}

func (s *Server) handleDepositConfirmed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ClassID string `json:"classId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ClassID == "" {
		http.Error(w, "classId required", http.StatusBadRequest)
		return
	}
	if err := s.paymentService.OnDepositConfirmed(r.Context(), body.ClassID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps the workflow error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, classreq.ErrNotFound),
		errors.Is(err, attendance.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, classreq.ErrConflict),
		errors.Is(err, dispute.ErrAlreadyResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, classreq.ErrInvalidTransition),
		errors.Is(err, attendance.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, attendance.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		if s.log != nil {
			s.log.Error("request failed", zap.Error(err))
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
