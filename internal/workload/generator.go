// Package workload drives a Registry with synthetic traffic for soak runs.
package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"keyq/internal/task/keyed"
	logx "keyq/pkg/logx"
)

// ErrInjected marks failures produced on purpose by FailRatio.
var ErrInjected = errors.New("workload: injected failure")

// Target is the part of the registry the generator drives.
type Target interface {
	Do(ctx context.Context, key string, p keyed.Priority, work func(ctx context.Context) (any, error)) (any, error)
	CancelByPriority(key string, l keyed.Level) bool
}

type Config struct {
	Enabled bool

	// Keys are spread uniformly over KeyPrefix0..KeyPrefix{KeyCount-1}.
	KeyCount  int
	KeyPrefix string

	// Rate is submissions per second; Burst allows short spikes.
	Rate  float64
	Burst int

	// MaxOutstanding bounds submissions waiting on the registry.
	MaxOutstanding int

	// Weights picks a level per submission; missing levels get weight 0.
	// An empty map means uniform.
	Weights map[keyed.Level]int

	FailRatio   float64
	MinDuration time.Duration
	MaxDuration time.Duration

	// CancelEvery cancels CancelLevel on one random key at this interval.
	// 0 disables it.
	CancelEvery time.Duration
	CancelLevel keyed.Level

	// Seed makes runs reproducible; 0 picks a random seed.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.KeyCount <= 0 {
		c.KeyCount = 16
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "key-"
	}
	if c.Rate <= 0 {
		c.Rate = 50
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.Rate/10))
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = 1024
	}
	if c.FailRatio < 0 {
		c.FailRatio = 0
	}
	if c.FailRatio > 1 {
		c.FailRatio = 1
	}
	if c.MinDuration < 0 {
		c.MinDuration = 0
	}
	if c.MaxDuration < c.MinDuration {
		c.MaxDuration = c.MinDuration
	}
	return c
}

// Stats counts outcomes as seen by the generator.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
}

type Generator struct {
	cfg    Config
	target Target
	log    logx.Logger

	lim *rate.Limiter
	sem *semaphore.Weighted

	rndMu  sync.Mutex
	rnd    *rand.Rand
	levels []keyed.Level
	cum    []int

	submitted, succeeded, failed, cancelled, rejected atomic.Uint64
}

func New(cfg Config, target Target, log logx.Logger) (*Generator, error) {
	if target == nil {
		return nil, errors.New("workload: nil target")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	g := &Generator{
		cfg:    cfg,
		target: target,
		log:    log.With(logx.String("comp", "workload")),
		lim:    rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		sem:    semaphore.NewWeighted(int64(cfg.MaxOutstanding)),
		rnd:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	if err := g.buildWeights(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Generator) buildWeights() error {
	if len(g.cfg.Weights) == 0 {
		for _, l := range keyed.Levels {
			g.levels = append(g.levels, l)
			g.cum = append(g.cum, len(g.cum)+1)
		}
		return nil
	}
	levels := make([]keyed.Level, 0, len(g.cfg.Weights))
	for l, w := range g.cfg.Weights {
		if !l.Valid() {
			return fmt.Errorf("workload: invalid level %d", int(l))
		}
		if w < 0 {
			return fmt.Errorf("workload: negative weight for %s", l)
		}
		if w > 0 {
			levels = append(levels, l)
		}
	}
	if len(levels) == 0 {
		return errors.New("workload: all level weights are zero")
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	total := 0
	for _, l := range levels {
		total += g.cfg.Weights[l]
		g.levels = append(g.levels, l)
		g.cum = append(g.cum, total)
	}
	return nil
}

func (g *Generator) Stats() Stats {
	return Stats{
		Submitted: g.submitted.Load(),
		Succeeded: g.succeeded.Load(),
		Failed:    g.failed.Load(),
		Cancelled: g.cancelled.Load(),
		Rejected:  g.rejected.Load(),
	}
}

// Run submits until ctx is done, then waits for outstanding submissions.
func (g *Generator) Run(ctx context.Context) error {
	g.log.Info("workload started",
		logx.Int("keys", g.cfg.KeyCount),
		logx.Any("rate", g.cfg.Rate),
		logx.Any("fail_ratio", g.cfg.FailRatio),
	)
	var wg sync.WaitGroup
	if g.cfg.CancelEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.cancelLoop(ctx)
		}()
	}

	for {
		if err := g.lim.Wait(ctx); err != nil {
			break
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			break
		}
		key, level, plan := g.next()
		g.submitted.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer g.sem.Release(1)
			g.submit(ctx, key, level, plan)
		}()
	}
	wg.Wait()
	st := g.Stats()
	g.log.Info("workload stopped",
		logx.Uint64("submitted", st.Submitted),
		logx.Uint64("succeeded", st.Succeeded),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("cancelled", st.Cancelled),
		logx.Uint64("rejected", st.Rejected),
	)
	return nil
}

// plan is what one synthetic task will do.
type plan struct {
	tag  string
	dur  time.Duration
	fail bool
}

func (g *Generator) next() (string, keyed.Level, plan) {
	g.rndMu.Lock()
	defer g.rndMu.Unlock()
	key := g.cfg.KeyPrefix + strconv.Itoa(g.rnd.IntN(g.cfg.KeyCount))
	n := g.rnd.IntN(g.cum[len(g.cum)-1])
	i := sort.SearchInts(g.cum, n+1)
	p := plan{tag: uuid.NewString(), dur: g.cfg.MinDuration, fail: g.rnd.Float64() < g.cfg.FailRatio}
	if span := g.cfg.MaxDuration - g.cfg.MinDuration; span > 0 {
		p.dur += time.Duration(g.rnd.Int64N(int64(span)))
	}
	return key, g.levels[i], p
}

func (g *Generator) submit(ctx context.Context, key string, l keyed.Level, p plan) {
	_, err := g.target.Do(ctx, key, l.Priority(), func(ctx context.Context) (any, error) {
		if p.dur > 0 {
			t := time.NewTimer(p.dur)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if p.fail {
			return nil, fmt.Errorf("%w (task %s)", ErrInjected, p.tag)
		}
		return p.tag, nil
	})
	switch {
	case err == nil:
		g.succeeded.Add(1)
	case keyed.IsCancelled(err):
		g.cancelled.Add(1)
	case errors.Is(err, keyed.ErrQueueFull), errors.Is(err, keyed.ErrRegistryClosed):
		g.rejected.Add(1)
	default:
		g.failed.Add(1)
	}
}

func (g *Generator) cancelLoop(ctx context.Context) {
	t := time.NewTicker(g.cfg.CancelEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		g.rndMu.Lock()
		key := g.cfg.KeyPrefix + strconv.Itoa(g.rnd.IntN(g.cfg.KeyCount))
		g.rndMu.Unlock()
		if g.target.CancelByPriority(key, g.cfg.CancelLevel) {
			g.log.Debug("workload cancelled level", logx.String("key", key), logx.String("level", g.cfg.CancelLevel.String()))
		}
	}
}
