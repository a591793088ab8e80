package keyed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"keyq/internal/eventbus"
	logx "keyq/pkg/logx"
)

func noop(ctx context.Context) (any, error) { return nil, nil }

func TestDoValidatesInput(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	if _, err := r.Do(context.Background(), "  ", 0, noop); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("empty key: %v", err)
	}
	if _, err := r.Do(context.Background(), "k", 0, nil); !errors.Is(err, ErrNilWork) {
		t.Fatalf("nil work: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Do(ctx, "k", 0, noop); !IsCancelled(err) {
		t.Fatalf("cancelled ctx: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("rejected submissions created %d queues", r.Len())
	}
}

func TestSubmitTyped(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	n, err := Submit(context.Background(), r, "typed", LevelHigh.Priority(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || n != 42 {
		t.Fatalf("Submit = (%d, %v)", n, err)
	}
	boom := errors.New("boom")
	s, err := Submit(context.Background(), r, "typed", 0, func(ctx context.Context) (string, error) {
		return "partial", boom
	})
	if !errors.Is(err, boom) || s != "partial" {
		t.Fatalf("Submit = (%q, %v)", s, err)
	}
}

func TestGetStatsUnknownKey(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	snap := r.GetStats("ghost")
	if snap.Key != "ghost" || snap.TotalQueued != 0 || snap.CurrentDepth != 0 {
		t.Fatalf("unexpected %+v", snap)
	}
	if len(r.GetAllStats()) != 0 {
		t.Fatal("GetStats must not create queues")
	}
}

func TestConcurrentSubmitCreatesOneQueue(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	r := NewRegistry(Config{}, logx.Nop(), bus)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Do(context.Background(), "shared", 0, noop)
		}()
	}
	wg.Wait()

	if r.Len() != 1 {
		t.Fatalf("queues = %d, want 1", r.Len())
	}
	if got := r.GetStats("shared").TotalProcessed; got != 64 {
		t.Fatalf("processed = %d", got)
	}
	created := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.QueueCreated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("queue.created published %d times", created)
	}
}

func TestGetAllStatsAndKeys(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	for _, k := range []string{"b", "a", "c"} {
		if _, err := r.Do(context.Background(), k, 0, noop); err != nil {
			t.Fatal(err)
		}
	}
	all := r.GetAllStats()
	if len(all) != 3 || all["a"].TotalProcessed != 1 {
		t.Fatalf("all stats = %+v", all)
	}
	keys := r.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{}, logx.Nop(), nil)
	if _, err := r.Do(context.Background(), "k", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Do(context.Background(), "k", 0, noop); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("after close: %v", err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseSettlesQueuedWork(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{JoinTimeout: time.Second}, logx.Nop(), nil)
	started := make(chan struct{})
	go func() {
		_, _ = r.Do(context.Background(), "k", 0, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}()
	<-started
	ch := submitAsync(t, r, context.Background(), "k", 0, noop)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res := recv(t, ch); !errors.Is(res.err, ErrQueueClosed) {
		t.Fatalf("queued err = %v", res.err)
	}
}

func TestSweepEvictsOnlyIdleEmptyQueues(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	r := NewRegistry(Config{IdleCutoff: time.Minute}, logx.Nop(), bus)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	if _, err := r.Do(context.Background(), "idle", 0, noop); err != nil {
		t.Fatal(err)
	}
	release := block(t, r, "busy")
	submitAsync(t, r, context.Background(), "busy", 0, noop)

	now := time.Now()
	if got := r.Sweep(now); len(got) != 0 {
		t.Fatalf("nothing is past the cutoff yet, evicted %v", got)
	}

	evicted := r.Sweep(now.Add(24 * time.Hour))
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("evicted = %v, want [idle]", evicted)
	}
	if keys := r.Keys(); len(keys) != 1 || keys[0] != "busy" {
		t.Fatalf("remaining = %v", keys)
	}

	var ev eventbus.Event
	for ev = range events {
		if ev.Type == eventbus.QueueEvicted {
			break
		}
	}
	snap, ok := ev.Data.(Snapshot)
	if !ok || snap.Key != "idle" || snap.TotalProcessed != 1 {
		t.Fatalf("evicted event = %+v", ev)
	}

	release()
	waitUntil(t, "busy drained", func() bool {
		s := r.GetStats("busy")
		return s.CurrentDepth == 0 && s.InFlight == 0
	})
}

func TestSweepNeverProcessedPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		exempt  bool
		evicted bool
	}{
		{"aged from creation", false, true},
		{"exempt", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestRegistry(t, Config{IdleCutoff: time.Minute, ExemptNeverProcessed: tt.exempt})
			if _, err := r.queueFor("never"); err != nil {
				t.Fatal(err)
			}
			if got := r.Sweep(time.Now()); len(got) != 0 {
				t.Fatalf("young queue evicted: %v", got)
			}
			got := r.Sweep(time.Now().Add(time.Hour))
			if (len(got) == 1) != tt.evicted {
				t.Fatalf("evicted = %v, want evicted=%v", got, tt.evicted)
			}
		})
	}
}

func TestSweepExemptsQueuesThatNeverProcessed(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{IdleCutoff: time.Minute, ExemptNeverProcessed: true})
	q, err := r.queueFor("fresh")
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Sweep(time.Now().Add(time.Hour)); len(got) != 0 {
		t.Fatalf("exempt queue evicted: %v", got)
	}

	r.ApplySweep(SweepConfig{IdleCutoff: time.Minute})
	if got := r.Sweep(time.Now().Add(time.Hour)); len(got) != 1 || got[0] != q.Key() {
		t.Fatalf("evicted = %v, want [fresh]", got)
	}
}

func TestSubmitAfterEvictionCreatesNewQueue(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{IdleCutoff: time.Second})
	if _, err := r.Do(context.Background(), "k", 0, noop); err != nil {
		t.Fatal(err)
	}
	old := r.lookup("k")
	if got := r.Sweep(time.Now().Add(time.Minute)); len(got) != 1 {
		t.Fatalf("evicted = %v", got)
	}
	if _, err := r.Do(context.Background(), "k", 0, noop); err != nil {
		t.Fatalf("submit after eviction: %v", err)
	}
	if cur := r.lookup("k"); cur == nil || cur == old {
		t.Fatal("expected a fresh queue after eviction")
	}
	if got := r.GetStats("k").TotalProcessed; got != 1 {
		t.Fatalf("fresh queue processed = %d", got)
	}
}

func TestRetiredQueueIsResolvedAgain(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{IdleCutoff: time.Second})
	q, err := r.queueFor("k")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a sweep retiring the queue between lookup and enqueue.
	if !q.retireIfIdle(time.Now().Add(time.Hour), time.Second, false) {
		t.Fatal("queue should retire")
	}
	if _, err := r.Do(context.Background(), "k", 0, noop); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if r.lookup("k") == q {
		t.Fatal("retired queue still mapped")
	}
	q.Dispose(context.Background())
}

func TestNegativeIdleCutoffIsAbsolute(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{IdleCutoff: -10 * time.Minute})
	if r.cfg.IdleCutoff != 10*time.Minute {
		t.Fatalf("cutoff = %v", r.cfg.IdleCutoff)
	}
	cfg := Config{}.withDefaults()
	if cfg.SweepInterval != DefaultSweepInterval || cfg.IdleCutoff != DefaultIdleCutoff ||
		cfg.SampleWindow != DefaultSampleWindow || cfg.JoinTimeout != DefaultJoinTimeout {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestSweeperStopsWithStartContext(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{SweepInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	deadline := time.Now().Add(testWait)
	for {
		r.sweeper.mu.Lock()
		running := r.sweeper.c != nil
		r.sweeper.mu.Unlock()
		if !running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper still running after start context was cancelled")
		}
		time.Sleep(time.Millisecond)
	}

	// The registry itself stays usable.
	if _, err := r.Do(context.Background(), "after", LevelNormal.Priority(), noop); err != nil {
		t.Fatalf("do after sweeper stop: %v", err)
	}
}

func TestStartAndReschedule(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{SweepInterval: time.Hour})
	r.Start(context.Background())
	r.ApplySweep(SweepConfig{Interval: 2 * time.Hour, IdleCutoff: time.Minute})
	r.sweeper.mu.Lock()
	running := r.sweeper.c != nil
	n := len(r.sweeper.c.Entries())
	r.sweeper.mu.Unlock()
	if !running || n != 1 {
		t.Fatalf("sweeper running=%v entries=%d", running, n)
	}
}
