package classreq

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a class request.
type Status string

const (
	StatusOpen           Status = "open"
	StatusPendingPayment Status = "pending_payment"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// transitions is the full status machine. Assignment (open ->
// pending_payment) additionally requires the compare-and-set path; Advance
// refuses it so no caller can skip the arbitration.
var transitions = map[Status][]Status{
	StatusOpen:           {StatusPendingPayment, StatusCancelled},
	StatusPendingPayment: {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

// ValidTransition reports whether the status machine permits from -> to.
func ValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
// Terminal requests are retained for audit, never deleted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// LearningFormat is how the sessions are delivered. Location stays
// informational either way; the scheduler treats all formats identically.
type LearningFormat string

const (
	FormatOnline  LearningFormat = "online"
	FormatOffline LearningFormat = "offline"
	FormatHybrid  LearningFormat = "hybrid"
)

func (f LearningFormat) Valid() bool {
	switch f {
	case FormatOnline, FormatOffline, FormatHybrid:
		return true
	default:
		return false
	}
}

// ScheduleEntry is one weekly recurrence slot of the preferred schedule.
// Times are wall-clock "HH:MM" strings interpreted in the service's location.
type ScheduleEntry struct {
	Weekday   time.Weekday `json:"weekday"`
	StartTime string       `json:"start_time"`
	EndTime   string       `json:"end_time"`
}

const clockLayout = "15:04"

// Validate checks the entry's times parse and are ordered.
func (e ScheduleEntry) Validate() error {
	if e.Weekday < time.Sunday || e.Weekday > time.Saturday {
		return fmt.Errorf("classreq: invalid weekday %d", e.Weekday)
	}
	start, err := time.Parse(clockLayout, e.StartTime)
	if err != nil {
		return fmt.Errorf("classreq: bad start time %q: %w", e.StartTime, err)
	}
	end, err := time.Parse(clockLayout, e.EndTime)
	if err != nil {
		return fmt.Errorf("classreq: bad end time %q: %w", e.EndTime, err)
	}
	if !end.After(start) {
		return fmt.Errorf("classreq: entry ends before it starts (%s..%s)", e.StartTime, e.EndTime)
	}
	return nil
}

// Request is one tutoring engagement opportunity.
type Request struct {
	ID                string
	Subject           string
	Grade             string
	StudentID         string
	MonthlyBudget     int64
	PreferredSchedule []ScheduleEntry
	LearningFormat    LearningFormat
	Location          *string
	Requirements      string
	Status            Status
	AssignedTutorID   *string
	CancelReason      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Filters narrows List results for the office views.
type Filters struct {
	StudentID string
	Status    Status
	Subject   string
	Page      int
	PageSize  int
}
