// Package updater applies queued task commands to the task table and
// announces each change.
package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// ErrMalformed marks a message that can never be applied.
var ErrMalformed = errors.New("malformed command")

// TaskTable is the persistent task set the commands are applied to.
type TaskTable interface {
	GetTask(ctx context.Context, userID, taskID string) (*domain.Record, error)
	PutTask(ctx context.Context, rec domain.Record) error
	// RemoveTask reports domain.ErrNotFound when there is nothing to delete.
	RemoveTask(ctx context.Context, userID, taskID string) error
}

// Publisher announces that a user's tasks changed.
type Publisher interface {
	Publish(ctx context.Context, userID string) error
}

// CacheEvicter drops cached reads of a user's tasks.
type CacheEvicter interface {
	Evict(ctx context.Context, userID string)
}

// Processor applies commands one at a time.
type Processor struct {
	tasks     TaskTable
	publisher Publisher
	cache     CacheEvicter
	now       func() time.Time
	logger    *log.Logger
}

// NewProcessor wires a Processor. publisher and cache may be nil.
func NewProcessor(tasks TaskTable, publisher Publisher, cache CacheEvicter, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{tasks: tasks, publisher: publisher, cache: cache, now: time.Now, logger: logger}
}

// Handle decodes and applies one queue message. Errors wrapping ErrMalformed
// mean the message should be discarded.
func (p *Processor) Handle(ctx context.Context, payload string) error {
	var env domain.CommandEnvelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p.Apply(ctx, env)
}

// Apply runs the command, evicts the user's cached tasks and publishes a
// change notification.
func (p *Processor) Apply(ctx context.Context, env domain.CommandEnvelope) error {
	cmd := env.Command
	if env.UserID == "" || cmd.TaskID == "" {
		return fmt.Errorf("%w: missing user or task id", ErrMalformed)
	}
	logger := p.logger.WithFields(log.Fields{"userId": env.UserID, "taskId": cmd.TaskID, "type": cmd.Type})

	changed, err := p.apply(ctx, env.UserID, cmd)
	if err != nil {
		return err
	}
	if !changed {
		logger.Debug("command had no effect")
		return nil
	}

	if p.cache != nil {
		p.cache.Evict(ctx, env.UserID)
	}
	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, env.UserID); err != nil {
			logger.WithError(err).Error("unable to publish task update")
		}
	}
	logger.Debug("command applied")
	return nil
}

func (p *Processor) apply(ctx context.Context, userID string, cmd domain.Command) (bool, error) {
	switch cmd.Type {
	case domain.CommandCreateTask:
		var task domain.NewTask
		if err := sonic.Unmarshal(cmd.Data, &task); err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		existing, err := p.tasks.GetTask(ctx, userID, cmd.TaskID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			// redelivered create
			return false, nil
		}
		task.Completed = false
		rec := task.Record(cmd.TaskID, userID, domain.TimestampOf(p.now()))
		return true, p.tasks.PutTask(ctx, rec)

	case domain.CommandUpdateTask:
		var patch domain.TaskPatch
		if err := sonic.Unmarshal(cmd.Data, &patch); err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		existing, err := p.tasks.GetTask(ctx, userID, cmd.TaskID)
		if err != nil {
			return false, err
		}
		if existing == nil || patch.Empty() {
			return false, nil
		}
		return true, p.tasks.PutTask(ctx, existing.Apply(patch))

	case domain.CommandDeleteTask:
		err := p.tasks.RemoveTask(ctx, userID, cmd.TaskID)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	default:
		return false, fmt.Errorf("%w: unknown type %q", ErrMalformed, cmd.Type)
	}
}
