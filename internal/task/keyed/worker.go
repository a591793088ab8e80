package keyed

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"keyq/internal/eventbus"
	logx "keyq/pkg/logx"
)

// run is the queue's single consumer. It returns when the queue is disposed
// or ctx (the registry supervisor's context) is cancelled.
func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	defer func() {
		q.mu.Lock()
		q.drainLocked(ErrQueueClosed)
		q.mu.Unlock()
		q.stats.setState(StateStopped)
	}()

	for {
		e, ok := q.next()
		if !ok {
			return
		}
		if e != nil {
			q.exec(e)
			continue
		}
		select {
		case <-q.wake:
		case <-q.stopCtx.Done():
		case <-ctx.Done():
			return
		}
	}
}

// next pops the highest ordering pending envelope and marks it running.
// It returns (nil, true) when the heap is empty and (nil, false) once the
// queue is closed.
func (q *Queue) next() (*envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	for {
		e := q.heap.pop()
		if e == nil {
			q.stats.setState(StateIdle)
			return nil, true
		}
		if e.state != envPending {
			continue
		}
		e.state = envRunning
		q.live--
		q.running = e
		q.stats.onStart(e.level)
		q.stats.setState(StateActive)
		return e, true
	}
}

func (q *Queue) exec(e *envelope) {
	start := time.Now()

	// Either the caller's context or queue shutdown aborts the work.
	workCtx, cancel := context.WithCancelCause(e.ctx)
	unlink := context.AfterFunc(q.stopCtx, func() { cancel(ErrQueueClosed) })
	val, err := q.invoke(workCtx, e)
	unlink()
	cause := context.Cause(workCtx)
	cancel(nil)

	now := time.Now()
	dur := now.Sub(start)

	kind := finishProcessed
	switch {
	case err == nil:
	case !abortedBy(err, cause):
		kind = finishFailed
	case e.ctx.Err() != nil:
		kind = finishCancelled
		err = cancelledBy(err)
	case q.stopCtx.Err() != nil:
		kind = finishCancelled
		err = joinClosed(err)
	default:
		kind = finishFailed
	}

	q.mu.Lock()
	q.running = nil
	q.stats.onFinish(e.level, kind, dur, now)
	e.settle(val, err)
	q.mu.Unlock()

	if kind == finishFailed {
		q.onFailed(e, start, dur, err)
	}
}

// invoke runs the work, converting a panic into a *PanicError.
func (q *Queue) invoke(ctx context.Context, e *envelope) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: string(debug.Stack())}
			q.log.Error("task.panic", logx.Uint64("id", e.id), logx.Any("panic", r), logx.Stack(pe.Stack))
			val, err = nil, pe
		}
	}()
	return e.work(ctx)
}

func (q *Queue) onFailed(e *envelope, start time.Time, dur time.Duration, err error) {
	delay := start.Sub(e.enqueuedAt)
	if ok, suppressed := q.failWarn.Allow(); ok {
		q.log.Warn("task.failed",
			logx.Uint64("id", e.id),
			logx.String("level", e.level.String()),
			logx.Duration("queue_delay", delay),
			logx.Duration("dur", dur),
			logx.Uint64("suppressed", suppressed),
			logx.Err(err),
		)
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Key: q.key, Data: TaskEvent{
			Key:        q.key,
			ID:         e.id,
			Priority:   e.priority,
			Level:      e.level,
			QueueDelay: delay,
			Duration:   dur,
			Error:      err.Error(),
		}})
	}
}

// abortedBy reports whether err comes from the work's context being done.
// Any other error is a fault even if the context was cancelled meanwhile.
func abortedBy(err, cause error) bool {
	if cause == nil {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, cause)
}

func joinClosed(err error) error { return fmt.Errorf("%w: %w", ErrQueueClosed, err) }
