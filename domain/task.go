package domain

import (
	"sort"
	"strings"
	"time"

	"taskboard/dates"
)

// Priority ranks a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ParsePriority maps user input to a Priority. Blank input yields medium.
func ParsePriority(s string) (Priority, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, true
	}
	p := Priority(s)
	return p, p.Valid()
}

// User is the authenticated owner of a task set.
type User struct {
	ID          string
	DisplayName string
	Email       string
}

// Task is a normalized task as seen by views and commands.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Completed   bool       `json:"completed"`
	Priority    Priority   `json:"priority"`
	DueDate     string     `json:"dueDate,omitempty"`
	Description string     `json:"description,omitempty"`
	Tags        []string   `json:"tags"`
	Category    string     `json:"category,omitempty"`
	UserID      string     `json:"userId"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// HasDueDate reports whether the task carries a due date.
func (t Task) HasDueDate() bool { return t.DueDate != "" }

// ServerTimestamp is a store-assigned creation time. Set is false until the
// store has acknowledged the write.
type ServerTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
	Set     bool  `json:"set"`
}

// TimestampOf converts t into a set ServerTimestamp.
func TimestampOf(t time.Time) ServerTimestamp {
	return ServerTimestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond()), Set: true}
}

// Time returns the timestamp as a time.Time when it is set.
func (ts ServerTimestamp) Time() (time.Time, bool) {
	if !ts.Set {
		return time.Time{}, false
	}
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC(), true
}

// Record is a task exactly as a store delivers it.
type Record struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Completed   bool            `json:"completed"`
	Priority    string          `json:"priority"`
	DueDate     string          `json:"dueDate,omitempty"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Category    string          `json:"category,omitempty"`
	UserID      string          `json:"userId"`
	CreatedAt   ServerTimestamp `json:"createdAt"`
}

// Snapshot is one delivery of a live subscription: either the full current
// record set or a terminal error.
type Snapshot struct {
	Records []Record
	Err     error
}

// Normalize turns a raw record into a Task. Unknown priorities become medium
// and a malformed due date is dropped.
func Normalize(r Record) Task {
	t := Task{
		ID:          r.ID,
		Title:       r.Title,
		Completed:   r.Completed,
		Priority:    PriorityMedium,
		Description: r.Description,
		Category:    r.Category,
		UserID:      r.UserID,
		Tags:        make([]string, len(r.Tags)),
	}
	copy(t.Tags, r.Tags)
	if p := Priority(r.Priority); p.Valid() {
		t.Priority = p
	}
	if dates.IsCanonical(r.DueDate) {
		t.DueDate = r.DueDate
	}
	if ts, ok := r.CreatedAt.Time(); ok {
		t.CreatedAt = &ts
	}
	return t
}

// NormalizeAll normalizes every record into a fresh slice.
func NormalizeAll(records []Record) []Task {
	out := make([]Task, 0, len(records))
	for _, r := range records {
		out = append(out, Normalize(r))
	}
	return out
}

// Newer reports whether a sorts before b: newest createdAt first, tasks
// without createdAt after every task that has one.
func Newer(a, b Task) bool {
	switch {
	case a.CreatedAt == nil:
		return false
	case b.CreatedAt == nil:
		return true
	default:
		return a.CreatedAt.After(*b.CreatedAt)
	}
}

// SortNewestFirst orders tasks in place by Newer. Ties, including tasks that
// both lack createdAt, keep their relative order.
func SortNewestFirst(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return Newer(tasks[i], tasks[j])
	})
}

// FindTask returns the task with the given id.
func FindTask(tasks []Task, id string) (Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}
