package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates noisy log lines: at most one line per interval (with a small
// burst), while counting how many were suppressed in between.
type Throttle struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{lim: rate.NewLimiter(rate.Every(every), burst)}
}

// Allow reports whether a line may be written now. When it returns true, the
// second value is the number of lines suppressed since the last allowed one.
func (t *Throttle) Allow() (bool, uint64) {
	if t == nil {
		return true, 0
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return false, 0
	}
	return true, t.suppressed.Swap(0)
}
