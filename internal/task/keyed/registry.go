package keyed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"keyq/internal/eventbus"
	rtsup "keyq/internal/runtime/supervisor"
	logx "keyq/pkg/logx"
)

const failWarnEvery = 5 * time.Second

// Registry maps keys to queues, creating them on first submission.
type Registry struct {
	id  string
	log logx.Logger
	bus eventbus.Bus
	sup *rtsup.Supervisor

	failWarn *logx.Throttle
	sweeper  *sweeper

	mu     sync.Mutex
	cfg    Config
	queues map[string]*Queue
	closed bool
}

func NewRegistry(cfg Config, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	log = log.With(logx.String("comp", "keyed"), logx.String("registry", id))
	r := &Registry{
		id:       id,
		log:      log,
		bus:      bus,
		sup:      rtsup.New(context.Background(), rtsup.WithLogger(log)),
		failWarn: logx.NewThrottle(failWarnEvery, 3),
		cfg:      cfg,
		queues:   make(map[string]*Queue),
	}
	r.sweeper = newSweeper(r, log)
	return r
}

// ID identifies this registry instance (one per process run).
func (r *Registry) ID() string { return r.id }

// Supervisor exposes the supervisor hosting queue workers, for diagnostics.
func (r *Registry) Supervisor() *rtsup.Supervisor { return r.sup }

// Start starts the idle sweeper, which runs until ctx is done or the registry
// is closed. Submissions work without it.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	interval := r.cfg.SweepInterval
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	r.sweeper.start(interval)
	context.AfterFunc(ctx, func() {
		r.sweeper.stop(context.Background())
		r.log.Debug("sweeper stopped", logx.Err(context.Cause(ctx)))
	})
	r.log.Info("registry started", logx.Duration("sweep_interval", interval))
}

// ApplySweep changes sweep settings at runtime.
func (r *Registry) ApplySweep(sc SweepConfig) {
	r.mu.Lock()
	cfg := r.cfg
	cfg.SweepInterval = sc.Interval
	cfg.IdleCutoff = sc.IdleCutoff
	cfg.ExemptNeverProcessed = sc.ExemptNeverProcessed
	cfg = cfg.withDefaults()
	prev := r.cfg.SweepInterval
	r.cfg = cfg
	r.mu.Unlock()

	if prev != cfg.SweepInterval {
		r.sweeper.reschedule(cfg.SweepInterval)
	}
	r.log.Debug("sweep settings applied",
		logx.Duration("interval", cfg.SweepInterval),
		logx.Duration("idle_cutoff", cfg.IdleCutoff),
		logx.Bool("exempt_never_processed", cfg.ExemptNeverProcessed),
	)
}

// Do submits work under key and waits for its outcome: the work's own result
// or error, a cancellation (IsCancelled), or an admission error.
//
// If ctx is cancelled while the envelope is still queued, it is settled as
// cancelled immediately. If the work already started, ctx cancellation reaches
// it through its context and Do waits for the work to return.
func (r *Registry) Do(ctx context.Context, key string, p Priority, work func(ctx context.Context) (any, error)) (any, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}
	if work == nil {
		return nil, ErrNilWork
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelledBy(context.Cause(ctx))
	}

	var (
		q   *Queue
		e   *envelope
		err error
	)
	for {
		q, err = r.queueFor(key)
		if err != nil {
			return nil, err
		}
		e, err = q.enqueue(ctx, p, work)
		if errors.Is(err, errRetired) {
			r.forget(key, q)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		break
	}

	select {
	case out := <-e.done:
		return out.val, out.err
	case <-ctx.Done():
		q.cancelQueued(e, context.Cause(ctx))
		out := <-e.done
		return out.val, out.err
	}
}

func (r *Registry) queueFor(key string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if q := r.queues[key]; q != nil {
		return q, nil
	}
	q := newQueue(key, r.cfg, r.log, r.bus, r.failWarn)
	r.queues[key] = q
	// One name for all workers keeps supervisor stats bounded.
	r.sup.Go0("queue.worker", q.run)

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.QueueCreated, Key: key})
	}
	r.log.Debug("queue created", logx.String("key", key), logx.Int("queues", len(r.queues)))
	return q, nil
}

// forget drops key from the map if it still points at q.
func (r *Registry) forget(key string, q *Queue) {
	r.mu.Lock()
	if r.queues[key] == q {
		delete(r.queues, key)
	}
	r.mu.Unlock()
}

func (r *Registry) lookup(key string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[strings.TrimSpace(key)]
}

// GetStats returns a snapshot for key; unknown keys yield a zeroed snapshot.
func (r *Registry) GetStats(key string) Snapshot {
	if q := r.lookup(key); q != nil {
		return q.Snapshot()
	}
	return emptySnapshot(strings.TrimSpace(key))
}

// GetAllStats returns snapshots for every live queue.
func (r *Registry) GetAllStats() map[string]Snapshot {
	r.mu.Lock()
	qs := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(qs))
	for _, q := range qs {
		out[q.key] = q.Snapshot()
	}
	return out
}

// CancelByPriority cancels queued work of level l under key. It reports
// whether at least one envelope was cancelled.
func (r *Registry) CancelByPriority(key string, l Level) bool {
	q := r.lookup(key)
	if q == nil {
		return false
	}
	return q.CancelByPriority(l)
}

func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.queues))
	for k := range r.queues {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Sweep retires every queue that is empty, idle and older than the idle
// cutoff, and returns the evicted keys. Queues with queued or in-flight work
// are never evicted.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	cutoff := r.cfg.IdleCutoff
	exempt := r.cfg.ExemptNeverProcessed
	var evicted []*Queue
	for k, q := range r.queues {
		if q.retireIfIdle(now, cutoff, exempt) {
			delete(r.queues, k)
			evicted = append(evicted, q)
		}
	}
	remaining := len(r.queues)
	r.mu.Unlock()

	keys := make([]string, 0, len(evicted))
	for _, q := range evicted {
		q.Dispose(context.Background())
		keys = append(keys, q.key)
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.QueueEvicted, Key: q.key, Data: q.Snapshot()})
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		r.log.Info("idle queues evicted", logx.Int("evicted", len(keys)), logx.Int("remaining", remaining), logx.Duration("idle_cutoff", cutoff))
	}
	return keys
}

// Close stops the sweeper and disposes every queue in parallel. Queued work is
// settled with ErrQueueClosed. Later submissions fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	qs := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.queues = make(map[string]*Queue)
	r.mu.Unlock()

	r.sweeper.stop(ctx)

	var g errgroup.Group
	for _, q := range qs {
		g.Go(func() error {
			ok := q.Dispose(ctx)
			if r.bus != nil {
				r.bus.Publish(eventbus.Event{Type: eventbus.QueueClosed, Key: q.key, Data: q.Snapshot()})
			}
			if !ok {
				return fmt.Errorf("queue %q: worker did not exit", q.key)
			}
			return nil
		})
	}
	err := g.Wait()

	// Workers that did not exit are left behind; do not wait on them again.
	if err == nil {
		if werr := r.sup.Stop(ctx); werr != nil {
			err = werr
		}
	} else {
		r.sup.Cancel()
	}
	r.log.Info("registry closed", logx.Int("queues", len(qs)), logx.Err(err))
	return err
}
