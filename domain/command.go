package domain

import "github.com/bytedance/sonic"

// Command types carried on the command queue.
const (
	CommandCreateTask = "create-task"
	CommandUpdateTask = "update-task"
	CommandDeleteTask = "delete-task"
)

// TaskDraft is the editable field set submitted by a user.
type TaskDraft struct {
	Title       string   `json:"title"`
	Priority    string   `json:"priority,omitempty"`
	DueDate     string   `json:"dueDate,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Category    string   `json:"category,omitempty"`
}

// NewTask is a validated draft ready to be persisted.
type NewTask struct {
	Title       string   `json:"title"`
	Completed   bool     `json:"completed"`
	Priority    Priority `json:"priority"`
	DueDate     string   `json:"dueDate,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
	Category    string   `json:"category,omitempty"`
}

// TaskPatch is a partial update. Nil fields are left untouched; an empty
// DueDate clears the due date.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	DueDate     *string   `json:"dueDate,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	Category    *string   `json:"category,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Completed == nil && p.Priority == nil && p.DueDate == nil &&
		p.Description == nil && p.Tags == nil && p.Category == nil
}

// Record builds the stored form of a new task.
func (n NewTask) Record(id, userID string, created ServerTimestamp) Record {
	tags := make([]string, len(n.Tags))
	copy(tags, n.Tags)
	return Record{
		ID:          id,
		Title:       n.Title,
		Completed:   n.Completed,
		Priority:    string(n.Priority),
		DueDate:     n.DueDate,
		Description: n.Description,
		Tags:        tags,
		Category:    n.Category,
		UserID:      userID,
		CreatedAt:   created,
	}
}

// Apply returns r with the patch applied. id, userId and createdAt never change.
func (r Record) Apply(p TaskPatch) Record {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Completed != nil {
		r.Completed = *p.Completed
	}
	if p.Priority != nil {
		r.Priority = string(*p.Priority)
	}
	if p.DueDate != nil {
		r.DueDate = *p.DueDate
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Tags != nil {
		tags := make([]string, len(*p.Tags))
		copy(tags, *p.Tags)
		r.Tags = tags
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	return r
}

// Command is a queued write request.
type Command struct {
	// ID carries the idempotency key of the request that produced the command.
	ID        string                 `json:"id,omitempty"`
	Type      string                 `json:"type"`
	TaskID    string                 `json:"taskId"`
	Data      sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// CommandEnvelope wraps a command with the user performing it.
type CommandEnvelope struct {
	UserID  string  `json:"userId"`
	Command Command `json:"command"`
}
