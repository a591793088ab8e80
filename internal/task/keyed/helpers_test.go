package keyed

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "keyq/pkg/logx"
)

const testWait = 3 * time.Second

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := NewRegistry(cfg, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

// block occupies key's worker until the returned release func is called.
func block(t *testing.T, r *Registry, key string) (release func()) {
	t.Helper()
	started := make(chan struct{})
	rel := make(chan struct{})
	go func() {
		_, _ = r.Do(context.Background(), key, Priority(100), func(ctx context.Context) (any, error) {
			close(started)
			<-rel
			return nil, nil
		})
	}()
	select {
	case <-started:
	case <-time.After(testWait):
		t.Fatalf("blocking task on %q never started", key)
	}
	var once sync.Once
	release = func() { once.Do(func() { close(rel) }) }
	t.Cleanup(release)
	return release
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDepth(t *testing.T, r *Registry, key string, n int) {
	t.Helper()
	waitUntil(t, "queue depth", func() bool { return r.GetStats(key).CurrentDepth == n })
}

type result struct {
	val any
	err error
}

// submitAsync submits work and returns a channel with its outcome. It waits
// until the envelope is queued so successive calls enqueue in order.
func submitAsync(t *testing.T, r *Registry, ctx context.Context, key string, p Priority, work func(ctx context.Context) (any, error)) <-chan result {
	t.Helper()
	before := r.GetStats(key).TotalQueued
	ch := make(chan result, 1)
	go func() {
		v, err := r.Do(ctx, key, p, work)
		ch <- result{v, err}
	}()
	waitUntil(t, "enqueue", func() bool { return r.GetStats(key).TotalQueued > before })
	return ch
}

func recv(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(testWait):
		t.Fatal("timed out waiting for task outcome")
		return result{}
	}
}

func checkInvariant(t *testing.T, s Snapshot) {
	t.Helper()
	settled := s.TotalProcessed + s.TotalFailed + s.TotalCancelled + uint64(s.CurrentDepth) + uint64(s.InFlight)
	if s.TotalQueued != settled {
		t.Fatalf("invariant broken for %q: queued=%d processed=%d failed=%d cancelled=%d depth=%d inflight=%d",
			s.Key, s.TotalQueued, s.TotalProcessed, s.TotalFailed, s.TotalCancelled, s.CurrentDepth, s.InFlight)
	}
}
