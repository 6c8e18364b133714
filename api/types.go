package api

import (
	"context"
	"time"

	"taskboard/commands"
	"taskboard/domain"
)

// Store abstracts persistence for handlers.
type Store interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Record, error)
	Subscribe(ctx context.Context, userID string) <-chan domain.Snapshot
	commands.Store
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate commands.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Options tunes the handlers. Zero values fall back to defaults.
type Options struct {
	// Location decides which calendar day is "today".
	Location        *time.Location
	MutationTimeout time.Duration
	StreamHeartbeat time.Duration
	Now             func() time.Time
}

const (
	defaultMutationTimeout = 10 * time.Second
	defaultStreamHeartbeat = 25 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.MutationTimeout <= 0 {
		o.MutationTimeout = defaultMutationTimeout
	}
	if o.StreamHeartbeat <= 0 {
		o.StreamHeartbeat = defaultStreamHeartbeat
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
