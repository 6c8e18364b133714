package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type stubBackend struct {
	fetchTasksFn func(ctx context.Context, userID string) ([]domain.Record, error)
	addTaskFn    func(ctx context.Context, userID string, task domain.NewTask) (string, error)
	updateFn     func(ctx context.Context, userID, taskID string, patch domain.TaskPatch) error
}

func (s *stubBackend) FetchTasks(ctx context.Context, userID string) ([]domain.Record, error) {
	if s.fetchTasksFn == nil {
		return nil, errors.New("unexpected FetchTasks call")
	}
	return s.fetchTasksFn(ctx, userID)
}

func (s *stubBackend) Subscribe(ctx context.Context, userID string) <-chan domain.Snapshot {
	ch := make(chan domain.Snapshot)
	close(ch)
	return ch
}

func (s *stubBackend) AddTask(ctx context.Context, userID string, task domain.NewTask) (string, error) {
	if s.addTaskFn == nil {
		return "", errors.New("unexpected AddTask call")
	}
	return s.addTaskFn(ctx, userID, task)
}

func (s *stubBackend) UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) error {
	if s.updateFn == nil {
		return errors.New("unexpected UpdateTask call")
	}
	return s.updateFn(ctx, userID, taskID, patch)
}

func (s *stubBackend) DeleteTask(ctx context.Context, userID, taskID string) error {
	return nil
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheFetchTasksMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	userID := "user-1"
	expected := []domain.Record{{
		ID:        "t1",
		Title:     "Write code",
		Priority:  "high",
		Tags:      []string{"work"},
		UserID:    userID,
		CreatedAt: domain.TimestampOf(time.Unix(1700000000, 0)),
	}}

	var calls int
	cache := NewCache(&stubBackend{
		fetchTasksFn: func(ctx context.Context, uid string) ([]domain.Record, error) {
			calls++
			if uid != userID {
				t.Fatalf("unexpected user id: %s", uid)
			}
			return append([]domain.Record(nil), expected...), nil
		},
	}, client, time.Minute)

	records, err := cache.FetchTasks(ctx, userID)
	if err != nil {
		t.Fatalf("fetch tasks: %v", err)
	}
	if !reflect.DeepEqual(records, expected) {
		t.Fatalf("unexpected records: %#v", records)
	}
	if ttl := mr.TTL(tasksCacheKey(userID)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	records, err = cache.FetchTasks(ctx, userID)
	if err != nil {
		t.Fatalf("fetch tasks from cache: %v", err)
	}
	if !reflect.DeepEqual(records, expected) {
		t.Fatalf("unexpected cached records: %#v", records)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call to backend, got %d", calls)
	}
}

func TestCacheEvictsOnWrite(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	userID := "user-2"

	var calls int
	cache := NewCache(&stubBackend{
		fetchTasksFn: func(ctx context.Context, uid string) ([]domain.Record, error) {
			calls++
			return []domain.Record{{ID: "t1"}}, nil
		},
		addTaskFn: func(ctx context.Context, uid string, task domain.NewTask) (string, error) {
			return "t2", nil
		},
		updateFn: func(ctx context.Context, uid, id string, patch domain.TaskPatch) error {
			return errors.New("rejected")
		},
	}, client, time.Minute)

	if _, err := cache.FetchTasks(ctx, userID); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !mr.Exists(tasksCacheKey(userID)) {
		t.Fatalf("expected cache entry")
	}

	done := true
	if err := cache.UpdateTask(ctx, userID, "t1", domain.TaskPatch{Completed: &done}); err == nil {
		t.Fatalf("expected backend error")
	}
	if !mr.Exists(tasksCacheKey(userID)) {
		t.Fatalf("failed write must not evict")
	}

	if _, err := cache.AddTask(ctx, userID, domain.NewTask{Title: "x"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if mr.Exists(tasksCacheKey(userID)) {
		t.Fatalf("expected cache entry to be evicted")
	}
	if _, err := cache.FetchTasks(ctx, userID); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refetch after eviction, got %d calls", calls)
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	if err := mr.Set(tasksCacheKey("u"), "not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cache := NewCache(&stubBackend{
		fetchTasksFn: func(ctx context.Context, uid string) ([]domain.Record, error) {
			return []domain.Record{{ID: "t1"}}, nil
		},
	}, client, 0)

	records, err := cache.FetchTasks(ctx, "u")
	if err != nil || len(records) != 1 {
		t.Fatalf("expected fallback to backend, got %v %v", records, err)
	}
	if mr.Exists(tasksCacheKey("u")) {
		t.Fatalf("corrupt entry should be deleted and not rewritten with zero ttl")
	}
}
