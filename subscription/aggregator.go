// Package subscription turns a live per-user record stream into a sequence
// of normalized, newest-first task states.
package subscription

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/session"
)

// Source opens a live record stream for one user. The stream closes when
// ctx is cancelled or after delivering an error snapshot.
type Source interface {
	Subscribe(ctx context.Context, userID string) <-chan domain.Snapshot
}

// State is one published aggregate. Values are never mutated after
// publication; each state carries its own task slice.
type State struct {
	Tasks   []domain.Task
	Loading bool
	Err     error
	Version uint64
}

// Aggregator owns at most one live subscription at a time.
type Aggregator struct {
	source  Source
	session session.Session
	logger  *log.Logger

	mu      sync.Mutex
	state   State
	version uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns an idle aggregator in the loading state.
func New(source Source, sess session.Session, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Aggregator{
		source:  source,
		session: sess,
		logger:  logger,
		state:   State{Tasks: []domain.Task{}, Loading: true},
	}
}

// Start tears down any previous subscription and opens a new one. The
// returned channel always holds the most recent state; intermediate states
// are dropped for slow readers. It closes on Stop, ctx cancellation, a
// subscription error, or immediately when nobody is signed in.
func (a *Aggregator) Start(ctx context.Context) <-chan State {
	a.Stop()
	out := make(chan State, 1)

	user, ok := a.currentUser()
	if !ok {
		out <- a.publish(State{Tasks: []domain.Task{}})
		close(out)
		return out
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	a.publish(State{Tasks: []domain.Task{}, Loading: true})
	snapshots := a.source.Subscribe(subCtx, user.ID)
	go a.run(subCtx, cancel, user.ID, snapshots, out, done)
	return out
}

// Stop cancels the live subscription and waits for it to wind down.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Latest returns the most recently published state.
func (a *Aggregator) Latest() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Aggregator) currentUser() (domain.User, bool) {
	if a.session == nil {
		return domain.User{}, false
	}
	return a.session.CurrentUser()
}

func (a *Aggregator) run(ctx context.Context, cancel context.CancelFunc, userID string, snapshots <-chan domain.Snapshot, out chan State, done chan struct{}) {
	defer close(done)
	defer close(out)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if snap.Err != nil {
				a.logger.WithError(snap.Err).WithField("userId", userID).Error("task subscription failed")
				deliver(out, a.publish(State{Tasks: []domain.Task{}, Err: &domain.SubscriptionError{Err: snap.Err}}))
				return
			}
			tasks := domain.NormalizeAll(snap.Records)
			domain.SortNewestFirst(tasks)
			deliver(out, a.publish(State{Tasks: tasks}))
		}
	}
}

func (a *Aggregator) publish(st State) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version++
	st.Version = a.version
	a.state = st
	return st
}

// deliver replaces whatever unread state sits in out with st. out must have
// capacity one and a single sender.
func deliver(out chan State, st State) {
	for {
		select {
		case out <- st:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
