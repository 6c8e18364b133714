// Package session holds the authenticated-user handle that the aggregator
// and the mutation commands consult.
package session

import (
	"sync"

	"taskboard/domain"
)

// Session reports the currently authenticated user, if any.
type Session interface {
	CurrentUser() (domain.User, bool)
}

// Static is a session fixed at construction, typically from a verified token.
type Static struct {
	user domain.User
}

// NewStatic returns a session for user. A user without an id is anonymous.
func NewStatic(user domain.User) Static {
	return Static{user: user}
}

// ForUser returns a static session for the given user id.
func ForUser(userID string) Static {
	return Static{user: domain.User{ID: userID}}
}

func (s Static) CurrentUser() (domain.User, bool) {
	return s.user, s.user.ID != ""
}

// Local is a mutable session whose observers are told about every sign-in
// and sign-out.
type Local struct {
	mu        sync.Mutex
	user      domain.User
	signedIn  bool
	observers map[int]func(domain.User, bool)
	nextID    int
}

// NewLocal returns a signed-out session.
func NewLocal() *Local {
	return &Local{observers: make(map[int]func(domain.User, bool))}
}

func (l *Local) CurrentUser() (domain.User, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.user, l.signedIn
}

// SignIn replaces the current user and notifies observers.
func (l *Local) SignIn(user domain.User) {
	l.set(user, user.ID != "")
}

// SignOut clears the current user and notifies observers.
func (l *Local) SignOut() {
	l.set(domain.User{}, false)
}

func (l *Local) set(user domain.User, ok bool) {
	l.mu.Lock()
	l.user, l.signedIn = user, ok
	fns := make([]func(domain.User, bool), 0, len(l.observers))
	for _, fn := range l.observers {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(user, ok)
	}
}

// Observe registers fn and immediately calls it with the current state. The
// returned function unregisters it.
func (l *Local) Observe(fn func(domain.User, bool)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.observers[id] = fn
	user, ok := l.user, l.signedIn
	l.mu.Unlock()

	fn(user, ok)
	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}
