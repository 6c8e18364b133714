package storage

import (
	"context"
	"errors"
	"sync"

	"taskboard/domain"
)

// ErrFeedClosed is delivered when a change feed stops while its subscriber
// is still interested.
var ErrFeedClosed = errors.New("change feed closed")

// Fetcher loads the full task set of one user.
type Fetcher interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Record, error)
}

// Listener signals that a user's tasks may have changed. The returned channel
// closes when ctx is done. Signals coalesce.
type Listener interface {
	Listen(ctx context.Context, userID string) <-chan struct{}
}

// Store is the contract every task store satisfies.
type Store interface {
	Fetcher
	Subscribe(ctx context.Context, userID string) <-chan domain.Snapshot
	AddTask(ctx context.Context, userID string, task domain.NewTask) (string, error)
	UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, userID, taskID string) error
}

// Subscribe streams the user's full task set: once immediately, then again
// after every change signal from l. A fetch failure is delivered once as an
// error snapshot and ends the stream.
func Subscribe(ctx context.Context, f Fetcher, l Listener, userID string) <-chan domain.Snapshot {
	out := make(chan domain.Snapshot, 1)
	changes := l.Listen(ctx, userID)
	go func() {
		defer close(out)
		for {
			records, err := f.FetchTasks(ctx, userID)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				send(ctx, out, domain.Snapshot{Err: err})
				return
			}
			if !send(ctx, out, domain.Snapshot{Records: records}) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if ok {
					continue
				}
				if ctx.Err() == nil {
					send(ctx, out, domain.Snapshot{Err: ErrFeedClosed})
				}
				return
			}
		}
	}()
	return out
}

func send(ctx context.Context, out chan<- domain.Snapshot, snap domain.Snapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// Hub fans change signals out to in-process listeners, keyed by user id.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]map[chan struct{}]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[string]map[chan struct{}]struct{})}
}

// Listen registers a listener for userID until ctx is done.
func (h *Hub) Listen(ctx context.Context, userID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	set, ok := h.listeners[userID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.listeners[userID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(set, ch)
		if len(set) == 0 {
			delete(h.listeners, userID)
		}
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Notify signals every listener of userID without blocking.
func (h *Hub) Notify(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.listeners[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Listeners reports how many listeners are registered for userID.
func (h *Hub) Listeners(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[userID])
}
