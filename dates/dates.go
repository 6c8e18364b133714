// Package dates classifies due-date strings relative to the current day.
//
// All comparisons happen at day granularity: both the task date and "now"
// are normalized to midnight in the calendar's location before comparing.
// Invalid input never panics; each function documents its fallback value.
package dates

import (
	"fmt"
	"strings"
	"time"
)

// CanonicalLayout is the storage form of a due date.
const CanonicalLayout = "2006-01-02"

const yearMonthLayout = "2006-01"

// Additional input forms accepted when normalizing user input.
const (
	layoutDateTimeLocal = "2006-01-02T15:04"
)

// Kind identifies which relative label a date received.
type Kind int

const (
	KindNone Kind = iota
	KindToday
	KindTomorrow
	KindYesterday
	KindWeekday
	KindShortDate
	KindFullDate
)

// Label is the relative description of a date.
type Label struct {
	Kind Kind
	Date time.Time
}

// String renders the label; the zero Label renders as "".
func (l Label) String() string {
	switch l.Kind {
	case KindToday:
		return "Today"
	case KindTomorrow:
		return "Tomorrow"
	case KindYesterday:
		return "Yesterday"
	case KindWeekday:
		return l.Date.Weekday().String()
	case KindShortDate:
		return fmt.Sprintf("%d/%d", int(l.Date.Month()), l.Date.Day())
	case KindFullDate:
		return fmt.Sprintf("%d/%d/%d", l.Date.Year(), int(l.Date.Month()), l.Date.Day())
	default:
		return ""
	}
}

// MarshalText lets labels be embedded directly in JSON responses.
func (l Label) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Calendar answers day-granularity questions relative to a fixed instant.
type Calendar struct {
	now time.Time
}

// At returns a calendar anchored at now, using now's location.
func At(now time.Time) Calendar {
	return Calendar{now: now}
}

// Now returns a calendar anchored at the wall clock in the local zone.
func Now() Calendar {
	return Calendar{now: time.Now()}
}

// In returns a calendar anchored at the wall clock in loc.
func In(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.Local
	}
	return Calendar{now: time.Now().In(loc)}
}

// Location reports the zone used for day boundaries.
func (c Calendar) Location() *time.Location {
	if c.now.IsZero() {
		return time.Local
	}
	return c.now.Location()
}

// Today returns the canonical date string of the current day.
func (c Calendar) Today() string {
	return c.midnight().Format(CanonicalLayout)
}

func (c Calendar) midnight() time.Time {
	now := c.now
	if now.IsZero() {
		now = time.Now()
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// Parse reads s as a calendar date in the calendar's location and returns it
// normalized to midnight.
func (c Calendar) Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	loc := c.Location()
	if t, err := time.ParseInLocation(CanonicalLayout, s, loc); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return truncateDay(t.In(loc)), true
	}
	if t, err := time.ParseInLocation(layoutDateTimeLocal, s, loc); err == nil {
		return truncateDay(t), true
	}
	return time.Time{}, false
}

// Canonical normalizes s to YYYY-MM-DD.
func (c Calendar) Canonical(s string) (string, bool) {
	t, ok := c.Parse(s)
	if !ok {
		return "", false
	}
	return t.Format(CanonicalLayout), true
}

// Classify returns the relative label for s, or the zero Label when s is not
// a valid date.
func (c Calendar) Classify(s string) Label {
	d, ok := c.Parse(s)
	if !ok {
		return Label{}
	}
	today := c.midnight()
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, today.Location())

	switch {
	case d.Equal(today):
		return Label{Kind: KindToday, Date: d}
	case d.Equal(today.AddDate(0, 0, 1)):
		return Label{Kind: KindTomorrow, Date: d}
	case d.Equal(today.AddDate(0, 0, -1)):
		return Label{Kind: KindYesterday, Date: d}
	}

	weekStart := today.AddDate(0, 0, -int(today.Weekday()))
	weekEnd := weekStart.AddDate(0, 0, 6)
	if !d.Before(weekStart) && !d.After(weekEnd) {
		return Label{Kind: KindWeekday, Date: d}
	}
	if d.Year() == today.Year() {
		return Label{Kind: KindShortDate, Date: d}
	}
	return Label{Kind: KindFullDate, Date: d}
}

// IsOverdue reports whether s falls strictly before today. Invalid input is
// never overdue.
func (c Calendar) IsOverdue(s string) bool {
	d, ok := c.Parse(s)
	if !ok {
		return false
	}
	return dayNumber(d) < dayNumber(c.midnight())
}

// DaysUntilDue returns the signed number of days from today to s; negative
// values mean overdue. Invalid input yields 0.
func (c Calendar) DaysUntilDue(s string) int {
	d, ok := c.Parse(s)
	if !ok {
		return 0
	}
	return int(dayNumber(d) - dayNumber(c.midnight()))
}

// InMonth reports whether the canonical date s lies in the YYYY-MM month ym.
// Both values are parsed strictly, so "2024-070-01" never matches "2024-07".
func (c Calendar) InMonth(s, ym string) bool {
	if !ValidYearMonth(ym) || !IsCanonical(s) {
		return false
	}
	return s[:len(ym)] == ym
}

// MonthLinks returns the current month and the n-1 months before it, newest
// first, as YYYY-MM strings.
func (c Calendar) MonthLinks(n int) []string {
	if n <= 0 {
		return nil
	}
	today := c.midnight()
	first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, first.AddDate(0, -i, 0).Format(yearMonthLayout))
	}
	return out
}

// IsCanonical reports whether s is a valid YYYY-MM-DD date.
func IsCanonical(s string) bool {
	if len(s) != len(CanonicalLayout) {
		return false
	}
	_, err := time.Parse(CanonicalLayout, s)
	return err == nil
}

// ValidYearMonth reports whether s is a strict YYYY-MM value.
func ValidYearMonth(s string) bool {
	if len(s) != len(yearMonthLayout) {
		return false
	}
	_, err := time.Parse(yearMonthLayout, s)
	return err == nil
}

// ClassifyRelativeDate labels s relative to the wall clock.
func ClassifyRelativeDate(s string) Label { return Now().Classify(s) }

// IsOverdue reports whether s is before today on the wall clock.
func IsOverdue(s string) bool { return Now().IsOverdue(s) }

// DaysUntilDue counts days from today on the wall clock to s.
func DaysUntilDue(s string) int { return Now().DaysUntilDue(s) }

// Today returns the canonical date of the wall clock's current day.
func Today() string { return Now().Today() }

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// dayNumber maps a date to a day count that ignores DST shifts.
func dayNumber(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}
