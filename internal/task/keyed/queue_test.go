package keyed

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func recorder() (record func(name string) func(ctx context.Context) (any, error), order func() []string) {
	var mu sync.Mutex
	var got []string
	record = func(name string) func(ctx context.Context) (any, error) {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return name, nil
		}
	}
	order = func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
	return record, order
}

func TestExecutionFollowsPriority(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	release := block(t, r, "A")
	record, order := recorder()

	chs := []<-chan result{
		submitAsync(t, r, context.Background(), "A", LevelLow.Priority(), record("low")),
		submitAsync(t, r, context.Background(), "A", LevelEmergency.Priority(), record("emergency")),
		submitAsync(t, r, context.Background(), "A", LevelNormal.Priority(), record("normal")),
	}
	release()
	for _, ch := range chs {
		if res := recv(t, ch); res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
	}

	want := []string{"emergency", "normal", "low"}
	got := order()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestEqualPrioritiesRunFIFO(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	release := block(t, r, "fifo")

	type item struct {
		p   Priority
		seq int
	}
	var mu sync.Mutex
	var got []item
	rng := rand.New(rand.NewSource(7))
	var chs []<-chan result
	for i := 0; i < 30; i++ {
		it := item{p: Priority(rng.Intn(4)), seq: i}
		chs = append(chs, submitAsync(t, r, context.Background(), "fifo", it.p, func(ctx context.Context) (any, error) {
			mu.Lock()
			got = append(got, it)
			mu.Unlock()
			return nil, nil
		}))
	}
	release()
	for _, ch := range chs {
		recv(t, ch)
	}

	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.p > prev.p {
			t.Fatalf("priority increased at %d: %+v after %+v", i, cur, prev)
		}
		if cur.p == prev.p && cur.seq < prev.seq {
			t.Fatalf("FIFO broken at %d: %+v after %+v", i, cur, prev)
		}
	}
}

func TestAtMostOneInFlightPerKey(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Do(context.Background(), "solo", Priority(i%5), func(ctx context.Context) (any, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				inFlight.Add(-1)
				return nil, nil
			})
		}(i)
	}
	wg.Wait()
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak in-flight = %d, want 1", got)
	}
	snap := r.GetStats("solo")
	if snap.TotalProcessed != 50 {
		t.Fatalf("processed = %d", snap.TotalProcessed)
	}
	checkInvariant(t, snap)
}

func TestKeysRunInParallel(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	// Both tasks wait for each other; this only completes if keys run concurrently.
	a, b := make(chan struct{}), make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = r.Do(context.Background(), "x", 0, func(ctx context.Context) (any, error) {
			close(a)
			<-b
			return nil, nil
		})
	}()
	go func() {
		defer wg.Done()
		_, _ = r.Do(context.Background(), "y", 0, func(ctx context.Context) (any, error) {
			close(b)
			<-a
			return nil, nil
		})
	}()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("keys did not run in parallel")
	}
}

func TestCancelByPriorityCancelsOnlyQueuedLevel(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	release := block(t, r, "B")
	record, order := recorder()

	prios := []Level{LevelLow, LevelHigh, LevelLow, LevelNormal, LevelLow}
	names := []string{"low1", "high", "low2", "normal", "low3"}
	chs := make([]<-chan result, len(prios))
	for i, l := range prios {
		chs[i] = submitAsync(t, r, context.Background(), "B", l.Priority(), record(names[i]))
	}

	if !r.CancelByPriority("B", LevelLow) {
		t.Fatal("CancelByPriority reported nothing cancelled")
	}
	if r.CancelByPriority("B", LevelLow) {
		t.Fatal("second CancelByPriority should find nothing")
	}
	waitDepth(t, r, "B", 2)
	release()

	for i, ch := range chs {
		res := recv(t, ch)
		if prios[i] == LevelLow {
			if !errors.Is(res.err, ErrCancelledByPriority) || !IsCancelled(res.err) {
				t.Fatalf("%s: err = %v, want cancelled by priority", names[i], res.err)
			}
			continue
		}
		if res.err != nil || res.val != names[i] {
			t.Fatalf("%s: got (%v, %v)", names[i], res.val, res.err)
		}
	}

	got := order()
	if len(got) != 2 || got[0] != "high" || got[1] != "normal" {
		t.Fatalf("order = %v", got)
	}
	snap := r.GetStats("B")
	if snap.ByLevel[LevelLow].Cancelled != 3 || snap.TotalCancelled != 3 {
		t.Fatalf("cancelled counters = %+v", snap.ByLevel[LevelLow])
	}
	checkInvariant(t, snap)
}

func TestCancelByPriorityUnknownKey(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	if r.CancelByPriority("missing", LevelLow) {
		t.Fatal("unknown key should report false")
	}
}

func TestWorkFaultIsDeliveredAndCounted(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	release := block(t, r, "C")
	boom := errors.New("boom")

	failing := submitAsync(t, r, context.Background(), "C", LevelHigh.Priority(), func(ctx context.Context) (any, error) {
		return nil, boom
	})
	after := submitAsync(t, r, context.Background(), "C", LevelLow.Priority(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	release()

	if res := recv(t, failing); !errors.Is(res.err, boom) || IsCancelled(res.err) {
		t.Fatalf("err = %v, want boom", res.err)
	}
	if res := recv(t, after); res.err != nil || res.val != "ok" {
		t.Fatalf("later task = (%v, %v)", res.val, res.err)
	}
	snap := r.GetStats("C")
	if snap.ByLevel[LevelHigh].Failed != 1 || snap.TotalFailed != 1 {
		t.Fatalf("failed counters = %+v", snap.ByLevel[LevelHigh])
	}
	checkInvariant(t, snap)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	_, err := r.Do(context.Background(), "P", 0, func(ctx context.Context) (any, error) {
		panic("bad input")
	})
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "bad input" {
		t.Fatalf("err = %v, want PanicError", err)
	}
	v, err := r.Do(context.Background(), "P", 0, func(ctx context.Context) (any, error) { return 1, nil })
	if err != nil || v != 1 {
		t.Fatalf("worker did not survive panic: (%v, %v)", v, err)
	}
}

func TestCallerCancelWhileQueued(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	release := block(t, r, "D")

	var ran atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	ch := submitAsync(t, r, ctx, "D", 0, func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	cancel()
	res := recv(t, ch)
	if !IsCancelled(res.err) || !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v", res.err)
	}

	snap := r.GetStats("D")
	if snap.CurrentDepth != 0 || snap.TotalCancelled != 1 {
		t.Fatalf("depth=%d cancelled=%d", snap.CurrentDepth, snap.TotalCancelled)
	}
	release()

	// The skipped envelope must not run once the worker reaches it.
	if _, err := r.Do(context.Background(), "D", 0, func(ctx context.Context) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if ran.Load() {
		t.Fatal("cancelled work ran")
	}
	checkInvariant(t, r.GetStats("D"))
}

func TestCallerCancelWhileRunning(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	_, err := r.Do(ctx, "E", 0, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	snap := r.GetStats("E")
	if snap.TotalCancelled != 1 || snap.TotalFailed != 0 {
		t.Fatalf("cancelled=%d failed=%d", snap.TotalCancelled, snap.TotalFailed)
	}
	checkInvariant(t, snap)
}

func TestFaultAfterCallerCancelIsFailure(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errDBDown := errors.New("db down")
	_, err := r.Do(ctx, "E2", LevelHigh.Priority(), func(context.Context) (any, error) {
		cancel()
		return nil, errDBDown
	})
	if !errors.Is(err, errDBDown) || IsCancelled(err) {
		t.Fatalf("err = %v, want the work fault", err)
	}
	snap := r.GetStats("E2")
	if snap.TotalFailed != 1 || snap.TotalCancelled != 0 || snap.ByLevel[LevelHigh].Failed != 1 {
		t.Fatalf("failed=%d cancelled=%d byLevel=%+v", snap.TotalFailed, snap.TotalCancelled, snap.ByLevel[LevelHigh])
	}
	checkInvariant(t, snap)
}

func TestFaultDuringDisposeIsFailure(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{JoinTimeout: testWait})
	errDBDown := errors.New("db down")
	started := make(chan struct{})
	inflight := make(chan result, 1)
	go func() {
		v, err := r.Do(context.Background(), "F2", 0, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, errDBDown
		})
		inflight <- result{v, err}
	}()
	<-started

	q := r.lookup("F2")
	if !q.Dispose(context.Background()) {
		t.Fatal("worker did not exit within join timeout")
	}
	if res := recv(t, inflight); !errors.Is(res.err, errDBDown) || IsCancelled(res.err) {
		t.Fatalf("in-flight err = %v, want the work fault", res.err)
	}
	snap := q.Snapshot()
	if snap.TotalFailed != 1 || snap.TotalCancelled != 0 {
		t.Fatalf("failed=%d cancelled=%d", snap.TotalFailed, snap.TotalCancelled)
	}
	checkInvariant(t, snap)
}

func TestDisposeSettlesQueuedAndAbortsInFlight(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{JoinTimeout: testWait})

	started := make(chan struct{})
	inflight := make(chan result, 1)
	go func() {
		v, err := r.Do(context.Background(), "F", 0, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, context.Cause(ctx)
		})
		inflight <- result{v, err}
	}()
	<-started

	var ran atomic.Int32
	work := func(ctx context.Context) (any, error) {
		ran.Add(1)
		return nil, nil
	}
	q1 := submitAsync(t, r, context.Background(), "F", 1, work)
	q2 := submitAsync(t, r, context.Background(), "F", 2, work)

	q := r.lookup("F")
	if !q.Dispose(context.Background()) {
		t.Fatal("worker did not exit within join timeout")
	}

	for _, ch := range []<-chan result{q1, q2} {
		if res := recv(t, ch); !errors.Is(res.err, ErrQueueClosed) {
			t.Fatalf("queued err = %v, want ErrQueueClosed", res.err)
		}
	}
	if res := recv(t, inflight); !errors.Is(res.err, ErrQueueClosed) || !IsCancelled(res.err) {
		t.Fatalf("in-flight err = %v", res.err)
	}
	if ran.Load() != 0 {
		t.Fatal("queued work ran after disposal")
	}
	snap := q.Snapshot()
	if snap.State != StateStopped {
		t.Fatalf("state = %v", snap.State)
	}
	if snap.TotalCancelled != 3 {
		t.Fatalf("cancelled = %d, want 3", snap.TotalCancelled)
	}
	checkInvariant(t, snap)
}

func TestDisposeGivesUpOnStuckWorker(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{JoinTimeout: 20 * time.Millisecond})
	release := block(t, r, "G") // ignores its context

	start := time.Now()
	if r.lookup("G").Dispose(context.Background()) {
		t.Fatal("Dispose should report a worker that did not exit")
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Dispose blocked for %v", took)
	}
	release()
}

func TestMaxDepthRejects(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{MaxDepth: 1})
	release := block(t, r, "H")

	ok := submitAsync(t, r, context.Background(), "H", 0, func(ctx context.Context) (any, error) { return nil, nil })
	_, err := r.Do(context.Background(), "H", 0, func(ctx context.Context) (any, error) { return nil, nil })
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	release()
	if res := recv(t, ok); res.err != nil {
		t.Fatalf("accepted task: %v", res.err)
	}
	snap := r.GetStats("H")
	if snap.TotalRejected != 1 {
		t.Fatalf("rejected = %d", snap.TotalRejected)
	}
	checkInvariant(t, snap)
}

func TestLatencyAverages(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, Config{SampleWindow: 4})
	for i := 0; i < 6; i++ {
		_, err := r.Do(context.Background(), "L", LevelCritical.Priority(), func(ctx context.Context) (any, error) {
			time.Sleep(2 * time.Millisecond)
			return nil, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	snap := r.GetStats("L")
	if snap.AverageProcessingTime < 2*time.Millisecond {
		t.Fatalf("avg = %v", snap.AverageProcessingTime)
	}
	lv := snap.ByLevel[LevelCritical]
	if lv.Processed != 6 || lv.AverageProcessingTime < 2*time.Millisecond || lv.LastProcessedAt.IsZero() {
		t.Fatalf("level stats = %+v", lv)
	}
	if snap.CurrentProcessingLevel != LevelCritical {
		t.Fatalf("processing level = %v", snap.CurrentProcessingLevel)
	}
}
