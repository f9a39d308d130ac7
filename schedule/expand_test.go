package schedule

import (
	"testing"
	"time"

	"classflow/classreq"
)

func anchor(t *testing.T) time.Time {
	t.Helper()
	// Wednesday.
	at, err := time.Parse(time.RFC3339, "2024-05-15T12:00:00Z")
	if err != nil {
		t.Fatalf("parse anchor: %v", err)
	}
	return at
}

func TestExpand_WeeklyRecurrence(t *testing.T) {
	entries := []classreq.ScheduleEntry{
		{Weekday: time.Tuesday, StartTime: "18:00", EndTime: "19:30"},
		{Weekday: time.Saturday, StartTime: "09:00", EndTime: "10:00"},
	}

	occ, err := Expand(entries, anchor(t), 4)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(occ) != 8 {
		t.Fatalf("expected 8 occurrences, got %d", len(occ))
	}

	// First slot is the upcoming Saturday, then Tuesday, alternating.
	first := occ[0]
	if first.At.Weekday() != time.Saturday {
		t.Fatalf("expected first occurrence on Saturday, got %s", first.At.Weekday())
	}
	if got := first.At.Format("2006-01-02 15:04"); got != "2024-05-18 09:00" {
		t.Fatalf("unexpected first slot %s", got)
	}
	if first.Duration != time.Hour {
		t.Fatalf("expected 1h duration, got %s", first.Duration)
	}

	for i := 1; i < len(occ); i++ {
		if !occ[i].At.After(occ[i-1].At) {
			t.Fatalf("occurrences not strictly ordered at %d: %s then %s", i, occ[i-1].At, occ[i].At)
		}
	}

	// Every slot lands on a requested weekday and strictly after the anchor.
	for _, o := range occ {
		if o.At.Weekday() != time.Tuesday && o.At.Weekday() != time.Saturday {
			t.Errorf("slot on wrong weekday: %s", o.At)
		}
		if !o.At.After(anchor(t)) {
			t.Errorf("slot not after anchor: %s", o.At)
		}
	}
}

func TestExpand_SameDaySlotAlreadyPassed(t *testing.T) {
	// Anchor is Wednesday noon; a Wednesday 09:00 slot must skip to next week.
	entries := []classreq.ScheduleEntry{
		{Weekday: time.Wednesday, StartTime: "09:00", EndTime: "10:30"},
	}
	occ, err := Expand(entries, anchor(t), 1)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(occ) != 1 {
		t.Fatalf("expected 1 occurrence, got %d", len(occ))
	}
	if got := occ[0].At.Format("2006-01-02"); got != "2024-05-22" {
		t.Fatalf("expected slot pushed to next Wednesday, got %s", got)
	}
}

func TestExpand_SameDaySlotStillAhead(t *testing.T) {
	entries := []classreq.ScheduleEntry{
		{Weekday: time.Wednesday, StartTime: "19:00", EndTime: "20:00"},
	}
	occ, err := Expand(entries, anchor(t), 1)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got := occ[0].At.Format("2006-01-02 15:04"); got != "2024-05-15 19:00" {
		t.Fatalf("expected same-day evening slot, got %s", got)
	}
}

func TestExpand_Deterministic(t *testing.T) {
	entries := []classreq.ScheduleEntry{
		{Weekday: time.Monday, StartTime: "17:00", EndTime: "18:00"},
		{Weekday: time.Thursday, StartTime: "17:00", EndTime: "18:00"},
	}
	a, err := Expand(entries, anchor(t), 3)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	b, err := Expand(entries, anchor(t), 3)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("non-deterministic lengths: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !a[i].At.Equal(b[i].At) || a[i].Duration != b[i].Duration {
			t.Fatalf("non-deterministic slot %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestExpand_Validation(t *testing.T) {
	if _, err := Expand(nil, anchor(t), 0); err == nil {
		t.Fatal("expected error for non-positive horizon")
	}
	if _, err := Expand([]classreq.ScheduleEntry{
		{Weekday: time.Monday, StartTime: "18:00", EndTime: "17:00"},
	}, anchor(t), 2); err == nil {
		t.Fatal("expected error for inverted entry")
	}
	occ, err := Expand(nil, anchor(t), 2)
	if err != nil {
		t.Fatalf("expand empty: %v", err)
	}
	if len(occ) != 0 {
		t.Fatalf("expected zero occurrences for empty schedule, got %d", len(occ))
	}
}
