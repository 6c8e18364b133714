// Package commands issues task mutations against a store on behalf of the
// signed-in user.
package commands

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskboard/dates"
	"taskboard/domain"
	"taskboard/session"
)

// DeletePrompt is the question put to the Confirmer before a delete.
const DeletePrompt = "Are you sure you want to delete this task?"

// Store persists task mutations. Implementations scope every call to userID.
type Store interface {
	AddTask(ctx context.Context, userID string, task domain.NewTask) (string, error)
	UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, userID, taskID string) error
}

// Notifier shows a blocking message to the user.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, message string)

func (f NotifierFunc) Notify(ctx context.Context, message string) { f(ctx, message) }

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, prompt string) bool

func (f ConfirmerFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }

// Service issues mutations. Local state is never touched; changes reach
// views only through the store's live subscription.
type Service struct {
	store    Store
	session  session.Session
	notifier Notifier
	calendar func() dates.Calendar
	logger   *log.Logger
}

// NewService wires a Service. A nil notifier discards failure messages.
func NewService(store Store, sess session.Session, notifier Notifier, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, string) {})
	}
	return &Service{
		store:    store,
		session:  sess,
		notifier: notifier,
		calendar: dates.Now,
		logger:   logger,
	}
}

// WithCalendar sets the calendar used to interpret due dates.
func (s *Service) WithCalendar(fn func() dates.Calendar) *Service {
	if fn != nil {
		s.calendar = fn
	}
	return s
}

// Create validates the draft and asks the store to add it. The store assigns
// the id and creation timestamp.
func (s *Service) Create(ctx context.Context, draft domain.TaskDraft) (string, error) {
	user, err := s.user()
	if err != nil {
		return "", err
	}
	task, err := s.prepare(draft)
	if err != nil {
		return "", err
	}

	id, err := s.store.AddTask(ctx, user.ID, task)
	if err != nil {
		return "", s.fail(ctx, domain.OpCreate, user.ID, "", err)
	}
	s.logger.WithFields(log.Fields{"userId": user.ID, "taskId": id}).Debug("task create issued")
	return id, nil
}

// Update replaces every editable field of the task with the draft's values.
// A nil completed leaves the stored completion flag untouched.
func (s *Service) Update(ctx context.Context, taskID string, draft domain.TaskDraft, completed *bool) error {
	user, err := s.user()
	if err != nil {
		return err
	}
	if strings.TrimSpace(taskID) == "" {
		return domain.Invalid("id", "is required")
	}
	task, err := s.prepare(draft)
	if err != nil {
		return err
	}

	patch := domain.TaskPatch{
		Title:       &task.Title,
		Completed:   completed,
		Priority:    &task.Priority,
		DueDate:     &task.DueDate,
		Description: &task.Description,
		Tags:        &task.Tags,
		Category:    &task.Category,
	}
	if err := s.store.UpdateTask(ctx, user.ID, taskID, patch); err != nil {
		return s.fail(ctx, domain.OpUpdate, user.ID, taskID, err)
	}
	s.logger.WithFields(log.Fields{"userId": user.ID, "taskId": taskID}).Debug("task update issued")
	return nil
}

// Toggle flips the completion flag of the task found in tasks. An id missing
// from tasks is ignored.
func (s *Service) Toggle(ctx context.Context, tasks []domain.Task, taskID string) error {
	user, err := s.user()
	if err != nil {
		return err
	}
	task, ok := domain.FindTask(tasks, taskID)
	if !ok {
		return nil
	}

	completed := !task.Completed
	if err := s.store.UpdateTask(ctx, user.ID, taskID, domain.TaskPatch{Completed: &completed}); err != nil {
		return s.fail(ctx, domain.OpToggle, user.ID, taskID, err)
	}
	s.logger.WithFields(log.Fields{"userId": user.ID, "taskId": taskID, "completed": completed}).Debug("task toggle issued")
	return nil
}

// Delete removes the task after the confirmer agrees. It reports whether the
// delete was issued.
func (s *Service) Delete(ctx context.Context, taskID string, confirm Confirmer) (bool, error) {
	user, err := s.user()
	if err != nil {
		return false, err
	}
	if confirm == nil || !confirm.Confirm(ctx, DeletePrompt) {
		return false, nil
	}

	if err := s.store.DeleteTask(ctx, user.ID, taskID); err != nil {
		return false, s.fail(ctx, domain.OpDelete, user.ID, taskID, err)
	}
	s.logger.WithFields(log.Fields{"userId": user.ID, "taskId": taskID}).Debug("task delete issued")
	return true, nil
}

func (s *Service) user() (domain.User, error) {
	if s.session == nil {
		return domain.User{}, domain.ErrNotAuthenticated
	}
	user, ok := s.session.CurrentUser()
	if !ok {
		return domain.User{}, domain.ErrNotAuthenticated
	}
	return user, nil
}

func (s *Service) prepare(draft domain.TaskDraft) (domain.NewTask, error) {
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return domain.NewTask{}, domain.Invalid("title", "is required")
	}
	priority, ok := domain.ParsePriority(draft.Priority)
	if !ok {
		return domain.NewTask{}, domain.Invalid("priority", "must be low, medium or high")
	}
	due := ""
	if strings.TrimSpace(draft.DueDate) != "" {
		// an unparseable date is omitted rather than rejected
		due, _ = s.calendar().Canonical(draft.DueDate)
	}
	return domain.NewTask{
		Title:       title,
		Priority:    priority,
		DueDate:     due,
		Description: strings.TrimSpace(draft.Description),
		Tags:        CleanTags(draft.Tags),
		Category:    strings.TrimSpace(draft.Category),
	}, nil
}

func (s *Service) fail(ctx context.Context, op, userID, taskID string, err error) error {
	merr := &domain.MutationError{Op: op, Err: err}
	s.logger.WithError(err).WithFields(log.Fields{"op": op, "userId": userID, "taskId": taskID}).Error("task mutation failed")
	s.notifier.Notify(ctx, merr.Message())
	return merr
}

// CleanTags trims every tag and drops the empty ones. Order and duplicates
// are kept.
func CleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}
