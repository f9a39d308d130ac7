package dispute

import "time"

// Resolution values recorded by office staff.
const (
	ResolutionAttended = "attended"
	ResolutionAbsent   = "absent"
	// ResolutionVoid cancels the session entirely (e.g. it never took place).
	ResolutionVoid = "void"
)

// Record is one disagreement between the tutor's report and the
// counterparty's confirmation. It is created by the attendance workflow and
// owned by the escalation path until staff resolve it.
type Record struct {
	ID                string
	SessionID         string
	TutorClaim        bool
	CounterpartyClaim bool
	RaisedAt          time.Time
	AssignedStaffID   *string
	Resolution        *string
	ResolvedAt        *time.Time
}

// Resolved reports whether staff have recorded a final outcome.
func (r Record) Resolved() bool {
	return r.ResolvedAt != nil
}

// OpenParams enumerates what the attendance workflow supplies when a
// confirmation disagrees with the tutor's report.
type OpenParams struct {
	SessionID         string
	ClassID           string
	TutorClaim        bool
	CounterpartyClaim bool
	RaisedBy          string
}

// Filters narrows List results for the office queue.
type Filters struct {
	Unresolved bool
	SessionID  string
	Page       int
	PageSize   int
}
