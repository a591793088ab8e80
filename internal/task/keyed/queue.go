package keyed

import (
	"context"
	"sync"
	"time"

	"keyq/internal/eventbus"
	logx "keyq/pkg/logx"
)

// Queue is the per-key scheduler: one priority heap drained by exactly one
// worker goroutine.
//
// Lock order is mu then stats.mu.
type Queue struct {
	key string
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	failWarn *logx.Throttle

	mu      sync.Mutex
	heap    envHeap
	seq     uint64
	live    int // pending envelopes in heap; settled ones are skipped lazily
	running *envelope
	closed  bool

	wake     chan struct{}
	stopCtx  context.Context
	stop     context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	stats *stats
}

func newQueue(key string, cfg Config, log logx.Logger, bus eventbus.Bus, failWarn *logx.Throttle) *Queue {
	stopCtx, stop := context.WithCancel(context.Background())
	return &Queue{
		key:      key,
		cfg:      cfg,
		log:      log.With(logx.String("key", key)),
		bus:      bus,
		failWarn: failWarn,
		wake:     make(chan struct{}, 1),
		stopCtx:  stopCtx,
		stop:     stop,
		done:     make(chan struct{}),
		stats:    newStats(key, cfg.SampleWindow, time.Now()),
	}
}

func (q *Queue) Key() string { return q.key }

func (q *Queue) Snapshot() Snapshot { return q.stats.snapshot() }

// signal wakes the worker. The channel holds one pending wake; extra signals
// coalesce and a wake that finds nothing just loops back to wait.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) enqueue(ctx context.Context, p Priority, work func(ctx context.Context) (any, error)) (*envelope, error) {
	e := newEnvelope(ctx, p, work)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errRetired
	}
	if q.cfg.MaxDepth > 0 && q.live >= q.cfg.MaxDepth {
		q.stats.onReject()
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	q.seq++
	e.id = q.seq
	e.enqueuedAt = time.Now()
	q.heap.push(e)
	q.live++
	q.stats.onEnqueue(e.level)
	q.mu.Unlock()

	q.signal()
	return e, nil
}

// cancelQueued settles e as cancelled if it has not started yet. The envelope
// stays in the heap and is discarded when the worker reaches it.
func (q *Queue) cancelQueued(e *envelope, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.state != envPending {
		return false
	}
	q.live--
	q.stats.onCancelQueued(e.level, 1)
	e.settle(nil, cancelledBy(cause))
	return true
}

// CancelByPriority cancels every queued, not yet started envelope of level l.
// It reports whether anything was cancelled.
func (q *Queue) CancelByPriority(l Level) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	rest := make(envHeap, 0, len(q.heap))
	n := 0
	for _, e := range q.heap {
		switch {
		case e.state != envPending:
			// Already settled; drop it now instead of at dequeue.
		case e.level == l:
			e.settle(nil, ErrCancelledByPriority)
			n++
		default:
			rest = append(rest, e)
		}
	}
	if n == 0 && len(rest) == len(q.heap) {
		return false
	}
	// Ordering keys are unchanged, so re-heapifying preserves relative order.
	q.heap = rest
	heapInit(&q.heap)
	q.live -= n
	q.stats.onCancelQueued(l, n)
	if n > 0 {
		q.log.Debug("cancelled by priority", logx.String("level", l.String()), logx.Int("count", n))
	}
	return n > 0
}

// drainLocked settles everything still queued with err and closes the queue
// for new submissions.
func (q *Queue) drainLocked(err error) int {
	q.closed = true
	n := 0
	for _, e := range q.heap {
		if e.state != envPending {
			continue
		}
		q.stats.onCancelQueued(e.level, 1)
		e.settle(nil, err)
		n++
	}
	q.heap = nil
	q.live = 0
	if q.running != nil {
		q.stats.setState(StateDraining)
	}
	return n
}

// retireIfIdle closes the queue when it is empty, has nothing in flight and
// has been inactive for longer than cutoff.
func (q *Queue) retireIfIdle(now time.Time, cutoff time.Duration, exemptNeverProcessed bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.live > 0 || q.running != nil {
		return false
	}
	since, processed := q.stats.lastActivity()
	if !processed && exemptNeverProcessed {
		return false
	}
	if now.Sub(since) <= cutoff {
		return false
	}
	q.closed = true
	return true
}

// Dispose stops the queue: queued envelopes are settled with ErrQueueClosed,
// in-flight work is cancelled through the shutdown context, and the worker is
// joined for at most JoinTimeout (or until ctx is done). It reports whether
// the worker exited in time; teardown proceeds either way.
func (q *Queue) Dispose(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	n := q.drainLocked(ErrQueueClosed)
	q.mu.Unlock()

	q.stopOnce.Do(q.stop)
	q.signal()

	if n > 0 {
		q.log.Debug("queue disposed with pending work", logx.Int("settled", n))
	}

	t := time.NewTimer(q.cfg.JoinTimeout)
	defer t.Stop()
	select {
	case <-q.done:
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	q.log.Warn("queue worker did not exit in time", logx.Duration("join_timeout", q.cfg.JoinTimeout))
	return false
}
