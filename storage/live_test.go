package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskboard/domain"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	results []fetchResult
}

type fetchResult struct {
	records []domain.Record
	err     error
}

func (s *stubFetcher) FetchTasks(ctx context.Context, userID string) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i].records, s.results[i].err
}

func nextSnapshot(t *testing.T, ch <-chan domain.Snapshot) domain.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("snapshot channel closed")
		}
		return snap
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return domain.Snapshot{}
}

func waitClosed(t *testing.T, ch <-chan domain.Snapshot) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected snapshot channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for close")
	}
}

func TestSubscribeRefetchesOnSignal(t *testing.T) {
	hub := NewHub()
	f := &stubFetcher{results: []fetchResult{
		{records: []domain.Record{{ID: "a"}}},
		{records: []domain.Record{{ID: "a"}, {ID: "b"}}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps := Subscribe(ctx, f, hub, "u1")
	if got := nextSnapshot(t, snaps); len(got.Records) != 1 {
		t.Fatalf("unexpected first snapshot %+v", got)
	}
	hub.Notify("u2")
	hub.Notify("u1")
	if got := nextSnapshot(t, snaps); len(got.Records) != 2 {
		t.Fatalf("unexpected second snapshot %+v", got)
	}
	cancel()
	waitClosed(t, snaps)
}

func TestSubscribeErrorEndsStream(t *testing.T) {
	hub := NewHub()
	boom := errors.New("boom")
	f := &stubFetcher{results: []fetchResult{{err: boom}}}

	snaps := Subscribe(context.Background(), f, hub, "u1")
	if got := nextSnapshot(t, snaps); !errors.Is(got.Err, boom) {
		t.Fatalf("expected error snapshot, got %+v", got)
	}
	waitClosed(t, snaps)
}

func TestHubUnregistersOnCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Listen(ctx, "u1")
	if hub.Listeners("u1") != 1 {
		t.Fatalf("expected one listener")
	}
	hub.Notify("u1")
	hub.Notify("u1")
	<-ch
	cancel()

	deadline := time.Now().Add(time.Second)
	for hub.Listeners("u1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("listener not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed after cancel")
	}
	hub.Notify("u1")
}

func TestMemoryStoreScopesByUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, err := m.AddTask(ctx, "u1", domain.NewTask{Title: "Report", Priority: domain.PriorityHigh, Tags: []string{"work"}})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := m.AddTask(ctx, "u2", domain.NewTask{Title: "Other"}); err != nil {
		t.Fatalf("add task: %v", err)
	}

	records, err := m.FetchTasks(ctx, "u1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 || records[0].ID != id || records[0].UserID != "u1" {
		t.Fatalf("unexpected records %+v", records)
	}
	if !records[0].CreatedAt.Set {
		t.Fatalf("expected server timestamp")
	}
	records[0].Tags[0] = "mutated"

	done := true
	if err := m.UpdateTask(ctx, "u2", id, domain.TaskPatch{Completed: &done}); err != nil {
		t.Fatalf("cross-user update: %v", err)
	}
	records, _ = m.FetchTasks(ctx, "u1")
	if records[0].Completed {
		t.Fatalf("another user must not modify the task")
	}
	if records[0].Tags[0] != "work" {
		t.Fatalf("fetched records must not alias stored ones")
	}

	if err := m.DeleteTask(ctx, "u1", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if records, _ := m.FetchTasks(ctx, "u1"); len(records) != 0 {
		t.Fatalf("expected task to be deleted")
	}
	if err := m.UpdateTask(ctx, "u1", id, domain.TaskPatch{Completed: &done}); err != nil {
		t.Fatalf("update of a missing task must be a no-op, got %v", err)
	}
}

func TestMemorySubscribeSeesWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	snaps := m.Subscribe(ctx, "u1")
	if got := nextSnapshot(t, snaps); len(got.Records) != 0 {
		t.Fatalf("expected empty first snapshot, got %+v", got)
	}
	if _, err := m.AddTask(ctx, "u1", domain.NewTask{Title: "Report"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := nextSnapshot(t, snaps); len(got.Records) != 1 {
		t.Fatalf("expected the new task, got %+v", got)
	}
}
