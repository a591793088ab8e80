package keyed

import (
	"container/heap"
	"context"
	"time"
)

type envState uint8

const (
	envPending envState = iota
	envRunning
	envSettled
)

type outcome struct {
	val any
	err error
}

// envelope is one queued unit of work. state is guarded by the owning
// queue's mu; done receives exactly one outcome.
type envelope struct {
	id         uint64
	priority   Priority
	level      Level
	enqueuedAt time.Time

	ctx  context.Context
	work func(ctx context.Context) (any, error)

	state envState
	done  chan outcome
}

func newEnvelope(ctx context.Context, p Priority, work func(ctx context.Context) (any, error)) *envelope {
	return &envelope{
		priority: p,
		level:    LevelOf(p),
		ctx:      ctx,
		work:     work,
		done:     make(chan outcome, 1),
	}
}

// settle records the outcome. The caller must hold the queue's mu and have
// checked that the envelope is not yet settled.
func (e *envelope) settle(val any, err error) {
	e.state = envSettled
	e.done <- outcome{val: val, err: err}
}

// envHeap orders envelopes by (priority desc, id asc).
type envHeap []*envelope

func (h envHeap) Len() int { return len(h) }

func (h envHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].id < h[j].id
}

func (h envHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envHeap) Push(x any) { *h = append(*h, x.(*envelope)) }

func (h *envHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (h *envHeap) push(e *envelope) { heap.Push(h, e) }

func (h *envHeap) pop() *envelope {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*envelope)
}

func heapInit(h *envHeap) { heap.Init(h) }
