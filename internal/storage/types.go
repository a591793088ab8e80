package storage

import (
	"errors"
	"time"

	"keyq/internal/task/keyed"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention drops records older than this on open and periodically
	// afterwards. 0 keeps everything.
	Retention time.Duration
}

// Reasons a queue was retired.
const (
	ReasonEvicted = "evicted"
	ReasonClosed  = "closed"
)

// Record is one retired queue. Keep it schema-stable.
type Record struct {
	RunID    string         `json:"run_id"`
	Key      string         `json:"key"`
	Reason   string         `json:"reason"`
	At       time.Time      `json:"at"`
	Snapshot keyed.Snapshot `json:"snapshot"`
}

// Query filters ListRetired. Zero values match everything.
type Query struct {
	Key   string
	RunID string
	Limit int
}

func (q Query) match(r Record) bool {
	if q.Key != "" && r.Key != q.Key {
		return false
	}
	if q.RunID != "" && r.RunID != q.RunID {
		return false
	}
	return true
}
