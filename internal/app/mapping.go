package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"keyq/internal/config"
	"keyq/internal/observability/diag"
	"keyq/internal/storage"
	"keyq/internal/task/keyed"
	"keyq/internal/workload"
	logx "keyq/pkg/logx"
)

// openStore is swapped in tests.
var openStore = storage.Open

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapKeyedConfig(cfg *config.Config) (keyed.Config, error) {
	s := cfg.Scheduler
	if s.SampleWindow < 0 {
		return keyed.Config{}, fmt.Errorf("scheduler.sample_window must be >= 0")
	}
	if s.MaxDepth < 0 {
		return keyed.Config{}, fmt.Errorf("scheduler.max_depth must be >= 0")
	}
	sweep, err := mapSweepConfig(cfg)
	if err != nil {
		return keyed.Config{}, err
	}
	join, err := config.ParseDurationField("scheduler.join_timeout", s.JoinTimeout)
	if err != nil {
		return keyed.Config{}, err
	}
	return keyed.Config{
		SweepInterval:        sweep.Interval,
		IdleCutoff:           sweep.IdleCutoff,
		ExemptNeverProcessed: sweep.ExemptNeverProcessed,
		SampleWindow:         s.SampleWindow,
		JoinTimeout:          join,
		MaxDepth:             s.MaxDepth,
	}, nil
}

// mapSweepConfig covers the scheduler fields that apply live.
func mapSweepConfig(cfg *config.Config) (keyed.SweepConfig, error) {
	s := cfg.Scheduler
	interval, err := config.ParseDurationOrDefault("scheduler.sweep_interval", s.SweepInterval, keyed.DefaultSweepInterval)
	if err != nil {
		return keyed.SweepConfig{}, err
	}
	cutoff, err := config.ParseSignedDuration("scheduler.idle_cutoff", s.IdleCutoff)
	if err != nil {
		return keyed.SweepConfig{}, err
	}
	if cutoff < 0 {
		cutoff = -cutoff
	}
	if cutoff == 0 {
		cutoff = keyed.DefaultIdleCutoff
	}
	return keyed.SweepConfig{
		Interval:             interval,
		IdleCutoff:           cutoff,
		ExemptNeverProcessed: s.ExemptNeverProcessed,
	}, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Diag
	read, err := config.ParseDurationOrDefault("diag.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	// 0 keeps long CPU profiles working.
	write, err := config.ParseDurationField("diag.write_timeout", d.WriteTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("diag.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	if d.MutexProfileFraction < 0 || d.BlockProfileRate < 0 {
		return diag.Config{}, fmt.Errorf("diag profile rates must be >= 0")
	}
	return diag.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		PprofPrefix:          strings.TrimSpace(d.PprofPrefix),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}

	switch driver {
	case "file", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retention: retention}, true, nil
	default:
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, true, nil
	}
}

func mapWorkloadConfig(cfg *config.Config) (workload.Config, error) {
	if cfg == nil || cfg.Workload == nil {
		return workload.Config{}, nil
	}
	w := cfg.Workload
	if w.Keys < 0 || w.Burst < 0 || w.MaxOutstanding < 0 {
		return workload.Config{}, fmt.Errorf("workload.keys, burst and max_outstanding must be >= 0")
	}
	if w.Rate < 0 {
		return workload.Config{}, fmt.Errorf("workload.rate must be >= 0")
	}
	if w.FailRatio < 0 || w.FailRatio > 1 {
		return workload.Config{}, fmt.Errorf("workload.fail_ratio must be within [0,1]")
	}

	var weights map[keyed.Level]int
	if len(w.Weights) > 0 {
		weights = make(map[keyed.Level]int, len(w.Weights))
		for name, n := range w.Weights {
			l, err := keyed.ParseLevel(name)
			if err != nil {
				return workload.Config{}, fmt.Errorf("workload.weights: %w", err)
			}
			if n < 0 {
				return workload.Config{}, fmt.Errorf("workload.weights.%s must be >= 0", name)
			}
			weights[l] = n
		}
	}

	minD, err := config.ParseDurationField("workload.min_duration", w.MinDuration)
	if err != nil {
		return workload.Config{}, err
	}
	maxD, err := config.ParseDurationField("workload.max_duration", w.MaxDuration)
	if err != nil {
		return workload.Config{}, err
	}
	if maxD > 0 && maxD < minD {
		return workload.Config{}, fmt.Errorf("workload.max_duration must be >= min_duration")
	}
	every, err := config.ParseDurationField("workload.cancel_every", w.CancelEvery)
	if err != nil {
		return workload.Config{}, err
	}
	cancelLevel := keyed.LevelLow
	if strings.TrimSpace(w.CancelLevel) != "" {
		if cancelLevel, err = keyed.ParseLevel(w.CancelLevel); err != nil {
			return workload.Config{}, fmt.Errorf("workload.cancel_level: %w", err)
		}
	}

	return workload.Config{
		Enabled:        w.Enabled,
		KeyCount:       w.Keys,
		KeyPrefix:      w.KeyPrefix,
		Rate:           w.Rate,
		Burst:          w.Burst,
		MaxOutstanding: w.MaxOutstanding,
		Weights:        weights,
		FailRatio:      w.FailRatio,
		MinDuration:    minD,
		MaxDuration:    maxD,
		CancelEvery:    every,
		CancelLevel:    cancelLevel,
		Seed:           w.Seed,
	}, nil
}

// validateConfig runs every mapper so a bad file is rejected before commit,
// both at startup and on hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if _, err := mapKeyedConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkloadConfig(cfg); err != nil {
		return err
	}
	return nil
}

// CheckConfig parses and validates the file at path without starting anything.
func CheckConfig(path string) error {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return err
	}
	return validateConfig(context.Background(), cfg)
}

// OpenStore opens the archive configured in the file at path, for offline
// inspection. It fails with storage.ErrDisabled when no driver is set.
func OpenStore(path string, log logx.Logger) (storage.Store, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, err
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return openStore(sc, log)
}
