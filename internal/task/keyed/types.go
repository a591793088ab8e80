package keyed

import (
	"fmt"
	"time"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleCutoff    = 30 * time.Minute
	DefaultSampleWindow  = 1000
	DefaultJoinTimeout   = 5 * time.Second
)

// Config controls the registry and every queue it creates.
type Config struct {
	// SweepInterval is how often idle queues are looked for.
	SweepInterval time.Duration

	// IdleCutoff is how long an empty queue may sit without processing
	// before the sweeper retires it. Negative values are taken as absolute.
	IdleCutoff time.Duration

	// ExemptNeverProcessed keeps queues that never completed a task out of
	// the sweep. By default such queues are aged from their creation time.
	ExemptNeverProcessed bool

	// SampleWindow bounds the rolling latency samples kept per level.
	SampleWindow int

	// JoinTimeout bounds how long disposal waits for a worker to exit.
	JoinTimeout time.Duration

	// MaxDepth limits queued (not yet started) envelopes per key.
	// 0 means unbounded.
	MaxDepth int
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IdleCutoff < 0 {
		c.IdleCutoff = -c.IdleCutoff
	}
	if c.IdleCutoff == 0 {
		c.IdleCutoff = DefaultIdleCutoff
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = DefaultSampleWindow
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	return c
}

// SweepConfig is the part of Config that can change at runtime.
type SweepConfig struct {
	Interval             time.Duration
	IdleCutoff           time.Duration
	ExemptNeverProcessed bool
}

// State is the lifecycle state of a queue's worker.
type State int

const (
	StateIdle State = iota
	StateActive
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateIdle, StateActive, StateDraining, StateStopped} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown queue state %q", b)
}

// LevelStats are the counters kept for one priority level.
type LevelStats struct {
	Queued                uint64        `json:"queued"`
	Processed             uint64        `json:"processed"`
	Failed                uint64        `json:"failed"`
	Cancelled             uint64        `json:"cancelled"`
	LastProcessedAt       time.Time     `json:"last_processed_at"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
}

// Snapshot is a detached copy of a queue's statistics.
//
// At any quiescent point:
//
//	TotalQueued == TotalProcessed + TotalFailed + TotalCancelled + CurrentDepth + InFlight
type Snapshot struct {
	Key            string `json:"key"`
	TotalQueued    uint64 `json:"total_queued"`
	TotalProcessed uint64 `json:"total_processed"`
	TotalFailed    uint64 `json:"total_failed"`
	TotalCancelled uint64 `json:"total_cancelled"`
	// TotalRejected counts submissions refused by MaxDepth; they never
	// entered the queue and are not part of TotalQueued.
	TotalRejected uint64 `json:"total_rejected"`

	CurrentDepth int `json:"current_depth"`
	InFlight     int `json:"in_flight"`
	// CurrentProcessingLevel is the level of the in-flight envelope, or of
	// the last one started when the queue is idle.
	CurrentProcessingLevel Level `json:"current_processing_level"`
	State                  State `json:"state"`

	CreatedAt             time.Time     `json:"created_at"`
	LastProcessedAt       time.Time     `json:"last_processed_at"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`

	ByLevel map[Level]LevelStats `json:"by_level"`
}

// TaskEvent is published on the event bus when work fails.
type TaskEvent struct {
	Key        string        `json:"key"`
	ID         uint64        `json:"id"`
	Priority   Priority      `json:"priority"`
	Level      Level         `json:"level"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}
