package config

// Config is the daemon configuration file, JSON or YAML.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "30m").
// Unknown keys are rejected so typos fail loudly on load and on hot reload.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Diag      DiagConfig      `json:"diag,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Workload  *WorkloadConfig `json:"workload,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the per-key queue registry.
//
// Defaults (when fields are omitted/zero):
//   - sweep_interval: "5m"
//   - idle_cutoff: "30m" (a negative value is taken as absolute)
//   - sample_window: 1000
//   - join_timeout: "5s"
//   - max_depth: 0 (unbounded)
//
// sweep_interval, idle_cutoff and exempt_never_processed apply live on
// reload; the rest only affect queues created after a restart.
type SchedulerConfig struct {
	SweepInterval        string `json:"sweep_interval,omitempty"`
	IdleCutoff           string `json:"idle_cutoff,omitempty"`
	ExemptNeverProcessed bool   `json:"exempt_never_processed,omitempty"`
	SampleWindow         int    `json:"sample_window,omitempty"`
	JoinTimeout          string `json:"join_timeout,omitempty"`
	MaxDepth             int    `json:"max_depth,omitempty"`

	// MetricsPerKey labels Prometheus series by key. Leave off when keys
	// are unbounded (user IDs, request IDs).
	MetricsPerKey bool `json:"metrics_per_key,omitempty"`
}

// DiagConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:6060"
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`        // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// StorageConfig controls the retired-queue archive.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/keyq.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Retention   string `json:"retention,omitempty"`
}

// WorkloadConfig drives synthetic traffic through the registry.
// Changes take effect on restart.
type WorkloadConfig struct {
	Enabled        bool    `json:"enabled"`
	Keys           int     `json:"keys,omitempty"`
	KeyPrefix      string  `json:"key_prefix,omitempty"`
	Rate           float64 `json:"rate,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	MaxOutstanding int     `json:"max_outstanding,omitempty"`

	// Weights maps level names ("low".."emergency") to relative weights.
	Weights map[string]int `json:"weights,omitempty"`

	FailRatio   float64 `json:"fail_ratio,omitempty"`
	MinDuration string  `json:"min_duration,omitempty"`
	MaxDuration string  `json:"max_duration,omitempty"`

	CancelEvery string `json:"cancel_every,omitempty"`
	CancelLevel string `json:"cancel_level,omitempty"`

	Seed uint64 `json:"seed,omitempty"`
}
