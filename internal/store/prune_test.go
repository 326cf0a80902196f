package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
)

type countingRepo struct {
	Repository
	mu     sync.Mutex
	sweeps int
	err    error
}

func (r *countingRepo) PruneHandles(context.Context, time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return 1, r.err
}

func (r *countingRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps
}

func TestRunPruneWorkerSweepsUntilCancelled(t *testing.T) {
	repo := &countingRepo{err: errors.New("database is locked")}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- RunPruneWorker(ctx, repo, time.Hour, 10*time.Millisecond, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for repo.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if repo.count() < 3 {
		t.Fatalf("expected repeated sweeps despite errors, got %d", repo.count())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunPruneWorker returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestRunPruneWorkerAgainstSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	if err := s.SaveHandle(ctx, "stale", domain.ResumeHandle{ChatKey: "k", Token: "t"}); err != nil {
		t.Fatalf("SaveHandle: %v", err)
	}
	s.now = time.Now

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = RunPruneWorker(wctx, s, time.Hour, time.Hour, nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h, _ := s.GetHandle(ctx, "stale"); h == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if h, _ := s.GetHandle(ctx, "stale"); h != nil {
		t.Fatal("stale handle survived the startup sweep")
	}
}
