package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskboard/domain"
)

// Memory is an in-process task store. Every write signals the store's hub.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]map[string]domain.Record
	hub   *Hub
	now   func() time.Time

	// FailWrites makes every write return the error, for exercising failure paths.
	FailWrites error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]map[string]domain.Record),
		hub:   NewHub(),
		now:   time.Now,
	}
}

// Hub returns the hub signalled on writes.
func (m *Memory) Hub() *Hub { return m.hub }

func (m *Memory) FetchTasks(ctx context.Context, userID string) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Record, 0, len(m.tasks[userID]))
	for _, rec := range m.tasks[userID] {
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, userID string) <-chan domain.Snapshot {
	return Subscribe(ctx, m, m.hub, userID)
}

func (m *Memory) AddTask(ctx context.Context, userID string, task domain.NewTask) (string, error) {
	if m.FailWrites != nil {
		return "", m.FailWrites
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	id := uuid.NewString()
	m.mu.Lock()
	user, ok := m.tasks[userID]
	if !ok {
		user = make(map[string]domain.Record)
		m.tasks[userID] = user
	}
	user[id] = task.Record(id, userID, domain.TimestampOf(m.now()))
	m.mu.Unlock()

	m.hub.Notify(userID)
	return id, nil
}

func (m *Memory) UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.mu.Lock()
	rec, ok := m.tasks[userID][taskID]
	if ok {
		m.tasks[userID][taskID] = rec.Apply(patch)
	}
	m.mu.Unlock()

	if ok {
		m.hub.Notify(userID)
	}
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, userID, taskID string) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.mu.Lock()
	_, ok := m.tasks[userID][taskID]
	delete(m.tasks[userID], taskID)
	m.mu.Unlock()

	if ok {
		m.hub.Notify(userID)
	}
	return nil
}

func cloneRecord(rec domain.Record) domain.Record {
	if rec.Tags != nil {
		rec.Tags = append([]string(nil), rec.Tags...)
	}
	return rec
}
