package keyed

import (
	"sync"
	"time"
)

// window is a fixed-capacity ring of latency samples; the oldest sample is
// overwritten once full.
type window struct {
	buf  []time.Duration
	next int
	sum  time.Duration
}

func newWindow(capacity int) window {
	return window{buf: make([]time.Duration, 0, capacity)}
}

func (w *window) add(d time.Duration) {
	if cap(w.buf) == 0 {
		return
	}
	if len(w.buf) < cap(w.buf) {
		w.buf = append(w.buf, d)
		w.sum += d
		return
	}
	w.sum -= w.buf[w.next]
	w.buf[w.next] = d
	w.sum += d
	w.next = (w.next + 1) % len(w.buf)
}

func (w *window) avg() time.Duration {
	if len(w.buf) == 0 {
		return 0
	}
	return w.sum / time.Duration(len(w.buf))
}

type counters struct {
	queued, processed, failed, cancelled uint64
	lastProcessedAt                      time.Time
}

type finishKind int

const (
	finishProcessed finishKind = iota
	finishFailed
	finishCancelled
)

// stats aggregates one queue's counters. Mutators are called by the queue
// while it holds its structural lock, so every transition updates depth and
// counters in one step; snapshot only needs stats.mu.
type stats struct {
	mu sync.Mutex

	key       string
	createdAt time.Time

	total    counters
	byLevel  [numLevels]counters
	rejected uint64

	depth      int
	inFlight   bool
	processing Level
	state      State

	overall  window
	perLevel [numLevels]window
}

func newStats(key string, sampleWindow int, now time.Time) *stats {
	s := &stats{key: key, createdAt: now, overall: newWindow(sampleWindow)}
	for i := range s.perLevel {
		s.perLevel[i] = newWindow(sampleWindow)
	}
	return s
}

func (s *stats) onEnqueue(l Level) {
	s.mu.Lock()
	s.total.queued++
	s.byLevel[l].queued++
	s.depth++
	s.mu.Unlock()
}

func (s *stats) onReject() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

// onCancelQueued records n envelopes of level l cancelled before starting.
func (s *stats) onCancelQueued(l Level, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.total.cancelled += uint64(n)
	s.byLevel[l].cancelled += uint64(n)
	s.depth -= n
	s.mu.Unlock()
}

func (s *stats) onStart(l Level) {
	s.mu.Lock()
	s.depth--
	s.inFlight = true
	s.processing = l
	s.mu.Unlock()
}

func (s *stats) onFinish(l Level, kind finishKind, dur time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	switch kind {
	case finishProcessed:
		s.total.processed++
		s.byLevel[l].processed++
		s.overall.add(dur)
		s.perLevel[l].add(dur)
	case finishFailed:
		s.total.failed++
		s.byLevel[l].failed++
	case finishCancelled:
		s.total.cancelled++
		s.byLevel[l].cancelled++
		return
	}
	s.total.lastProcessedAt = now
	s.byLevel[l].lastProcessedAt = now
}

func (s *stats) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// lastActivity returns the time the sweeper ages the queue from and whether
// the queue has ever completed a task.
func (s *stats) lastActivity() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total.lastProcessedAt.IsZero() {
		return s.createdAt, false
	}
	return s.total.lastProcessedAt, true
}

func (s *stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	inFlight := 0
	if s.inFlight {
		inFlight = 1
	}
	snap := Snapshot{
		Key:                    s.key,
		TotalQueued:            s.total.queued,
		TotalProcessed:         s.total.processed,
		TotalFailed:            s.total.failed,
		TotalCancelled:         s.total.cancelled,
		TotalRejected:          s.rejected,
		CurrentDepth:           s.depth,
		InFlight:               inFlight,
		CurrentProcessingLevel: s.processing,
		State:                  s.state,
		CreatedAt:              s.createdAt,
		LastProcessedAt:        s.total.lastProcessedAt,
		AverageProcessingTime:  s.overall.avg(),
		ByLevel:                make(map[Level]LevelStats, numLevels),
	}
	for _, l := range Levels {
		c := s.byLevel[l]
		snap.ByLevel[l] = LevelStats{
			Queued:                c.queued,
			Processed:             c.processed,
			Failed:                c.failed,
			Cancelled:             c.cancelled,
			LastProcessedAt:       c.lastProcessedAt,
			AverageProcessingTime: s.perLevel[l].avg(),
		}
	}
	return snap
}

// emptySnapshot is returned for keys the registry does not know.
func emptySnapshot(key string) Snapshot {
	snap := Snapshot{Key: key, State: StateStopped, ByLevel: make(map[Level]LevelStats, numLevels)}
	for _, l := range Levels {
		snap.ByLevel[l] = LevelStats{}
	}
	return snap
}
