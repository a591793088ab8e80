package keyed

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "keyq/pkg/logx"
)

// sweeper triggers Registry.Sweep on a fixed interval. Overlapping ticks are
// skipped rather than queued.
type sweeper struct {
	r   *Registry
	log logx.Logger

	mu    sync.Mutex
	c     *cron.Cron
	entry cron.EntryID
}

func newSweeper(r *Registry, log logx.Logger) *sweeper {
	return &sweeper{r: r, log: log.With(logx.String("comp", "sweeper"))}
}

func (s *sweeper) job() cron.Job {
	return cron.FuncJob(func() {
		start := time.Now()
		evicted := s.r.Sweep(start)
		s.log.Debug("sweep done", logx.Int("evicted", len(evicted)), logx.Duration("took", time.Since(start)))
	})
}

func (s *sweeper) start(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.entry = s.c.Schedule(cron.Every(interval), s.job())
	s.c.Start()
}

// reschedule swaps the sweep schedule if the sweeper is running.
func (s *sweeper) reschedule(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	s.c.Remove(s.entry)
	s.entry = s.c.Schedule(cron.Every(interval), s.job())
}

func (s *sweeper) stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
