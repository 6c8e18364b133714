// Package views derives filtered task sequences, statistics and sidebar
// data from a task set. Everything here is pure.
package views

import (
	"strings"

	"taskboard/dates"
	"taskboard/domain"
)

// Scope selects which tasks a view shows.
type Scope string

const (
	ScopeToday    Scope = "today"
	ScopeAll      Scope = "all"
	ScopeMonth    Scope = "month"
	ScopeTag      Scope = "tag"
	ScopeCategory Scope = "category"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, bool) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case ScopeToday, ScopeAll, ScopeMonth, ScopeTag, ScopeCategory:
		return sc, true
	}
	return "", false
}

// Context selects a view. Only the field matching Scope is consulted; the
// keyword applies to every scope.
type Context struct {
	Scope     Scope
	Keyword   string
	YearMonth string
	Tag       string
	Category  string
}

// View is a derived, filtered view of a task set.
type View struct {
	Tasks            []domain.Task
	Stats            Stats
	Visible          int
	VisibleCompleted int
}

// Build filters tasks for vc and computes statistics over the full set.
// Input order is preserved.
func Build(tasks []domain.Task, vc Context, cal dates.Calendar) View {
	visible := Filter(tasks, vc, cal)
	done := 0
	for _, t := range visible {
		if t.Completed {
			done++
		}
	}
	return View{
		Tasks:            visible,
		Stats:            ComputeStats(tasks, cal),
		Visible:          len(visible),
		VisibleCompleted: done,
	}
}

// Filter returns the tasks matching vc in their original order.
func Filter(tasks []domain.Task, vc Context, cal dates.Calendar) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	keyword := normalizeKeyword(vc.Keyword)
	today := cal.Today()
	for _, t := range tasks {
		if !inScope(t, vc, cal, today) {
			continue
		}
		if !matchesKeyword(t, keyword) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func inScope(t domain.Task, vc Context, cal dates.Calendar, today string) bool {
	switch vc.Scope {
	case ScopeToday:
		return t.DueDate == today
	case ScopeMonth:
		return cal.InMonth(t.DueDate, vc.YearMonth)
	case ScopeTag:
		for _, tag := range t.Tags {
			if tag == vc.Tag {
				return true
			}
		}
		return false
	case ScopeCategory:
		return vc.Category != "" && t.Category == vc.Category
	default:
		return true
	}
}

// MatchesKeyword reports whether the trimmed, case-insensitive keyword is a
// substring of the title or description. A blank keyword matches everything.
func MatchesKeyword(t domain.Task, keyword string) bool {
	return matchesKeyword(t, normalizeKeyword(keyword))
}

func matchesKeyword(t domain.Task, keyword string) bool {
	if keyword == "" {
		return true
	}
	return strings.Contains(strings.ToLower(t.Title), keyword) ||
		strings.Contains(strings.ToLower(t.Description), keyword)
}

func normalizeKeyword(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
