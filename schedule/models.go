package schedule

import "time"

// SessionStatus is the lifecycle state of one scheduled occurrence.
type SessionStatus string

const (
	SessionScheduled           SessionStatus = "scheduled"
	SessionPendingConfirmation SessionStatus = "pending_confirmation"
	SessionCompleted           SessionStatus = "completed"
	SessionAbsent              SessionStatus = "absent"
	SessionDisputed            SessionStatus = "disputed"
	SessionCancelled           SessionStatus = "cancelled"
)

// Terminal reports whether the session permits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionAbsent, SessionCancelled:
		return true
	default:
		return false
	}
}

// Session is one scheduled occurrence of an assigned class.
type Session struct {
	ID          string
	ClassID     string
	ScheduledAt time.Time
	Duration    time.Duration
	Status      SessionStatus
	// TutorReportedAttendance is nil until the tutor files a report.
	TutorReportedAttendance *bool
	// CounterpartyConfirmation is nil until the guardian responds (and stays
	// nil when no guardian is required or the window lapses).
	CounterpartyConfirmation *bool
	// Unconfirmed marks sessions auto-finalized after the confirmation window
	// elapsed with no counterparty response.
	Unconfirmed bool
	// Resolution tags sessions finalized by office staff: attended, absent,
	// or void.
	Resolution *string
	Notes      string
	Topic      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
