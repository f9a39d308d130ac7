package schedule

import (
	"fmt"
	"sort"
	"time"

	"classflow/classreq"
)

// Occurrence is one concrete slot produced by expanding a weekly recurrence.
type Occurrence struct {
	At       time.Time
	Duration time.Duration
}

const clockLayout = "15:04"

// Expand turns the preferred weekly schedule into concrete occurrences for
// horizonWeeks whole weeks, each strictly after from. Pure function of its
// inputs: the same entries, anchor, and horizon always yield the same slots,
// which is what makes materialization idempotent under the
// (class, scheduled_at) dedupe key.
func Expand(entries []classreq.ScheduleEntry, from time.Time, horizonWeeks int) ([]Occurrence, error) {
	if horizonWeeks <= 0 {
		return nil, fmt.Errorf("schedule: horizon must be positive, got %d", horizonWeeks)
	}

	out := make([]Occurrence, 0, len(entries)*horizonWeeks)
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		start, _ := time.Parse(clockLayout, entry.StartTime)
		end, _ := time.Parse(clockLayout, entry.EndTime)
		duration := end.Sub(start)

		first := firstOccurrence(from, entry.Weekday, start)
		for week := 0; week < horizonWeeks; week++ {
			out = append(out, Occurrence{
				At:       first.AddDate(0, 0, 7*week),
				Duration: duration,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// firstOccurrence finds the next wall-clock slot for the weekday strictly
// after the anchor, in the anchor's location.
func firstOccurrence(from time.Time, weekday time.Weekday, start time.Time) time.Time {
	candidate := time.Date(from.Year(), from.Month(), from.Day(), start.Hour(), start.Minute(), 0, 0, from.Location())
	days := (int(weekday) - int(candidate.Weekday()) + 7) % 7
	candidate = candidate.AddDate(0, 0, days)
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
