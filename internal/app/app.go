package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"

	"keyq/internal/config"
	"keyq/internal/eventbus"
	"keyq/internal/metrics"
	"keyq/internal/observability/diag"
	rtsup "keyq/internal/runtime/supervisor"
	"keyq/internal/storage"
	"keyq/internal/task/keyed"
	"keyq/internal/workload"
	logx "keyq/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	arch  *archiver

	registry  *keyed.Registry
	collector *metrics.Collector
	gatherer  *prometheus.Registry
	diag      *diag.Service
	gen       *workload.Generator
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	kcfg, err := mapKeyedConfig(cfg)
	if err != nil {
		return nil, err
	}
	registry := keyed.NewRegistry(kcfg, log.With(logx.String("comp", "keyed")), bus)

	// Storage (optional)
	var store storage.Store
	ok := false
	defer func() {
		if !ok && store != nil {
			_ = store.Close()
		}
	}()
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := openStore(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	collector := metrics.New(registry, cfg.Scheduler.MetricsPerKey)
	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(
		collector,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	var gen *workload.Generator
	wcfg, err := mapWorkloadConfig(cfg)
	if err != nil {
		return nil, err
	}
	if wcfg.Enabled {
		gen, err = workload.New(wcfg, registry, log.With(logx.String("comp", "workload")))
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		registry:  registry,
		collector: collector,
		gatherer:  gatherer,
		gen:       gen,
	}, nil
}

// Registry is the scheduler the app serves.
func (a *App) Registry() *keyed.Registry { return a.registry }

// DiagAddr is the bound diagnostics address, or "" when it is not serving.
func (a *App) DiagAddr() string {
	if a.diag == nil {
		return ""
	}
	return a.diag.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	a.registry.Start(a.sup.Context())

	if a.store != nil {
		a.arch = newArchiver(a.bus, a.store, a.registry.ID(), a.log.With(logx.String("comp", "archive")))
		a.sup.Go0("storage.archive", func(context.Context) { a.arch.run() })
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.metrics", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.collector.Observe(e)
				// Keep this debug-level; task failures can be frequent.
				if !a.log.Enabled(logx.LevelDebug) {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("key", e.Key), logx.Time("time", e.Time))
			}
		}
	})

	dcfg, err := mapDiagConfig(a.cfgm.Get())
	if err != nil {
		return err
	}
	a.diag = diag.New(dcfg, diag.Deps{
		Stats:    a.registry,
		Gatherer: a.gatherer,
		Store:    a.store,
		Supervisors: map[string]*rtsup.Supervisor{
			"app":      a.sup,
			"registry": a.registry.Supervisor(),
		},
	}, a.log)
	a.diag.Start(a.sup.Context())

	if a.gen != nil {
		a.sup.Go("workload", a.gen.Run)
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				sdNotify(a.log, daemon.SdNotifyReloading)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
				sdNotify(a.log, daemon.SdNotifyReady)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdogLoop(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("run_id", a.registry.ID()), logx.String("config", a.cfgPath))
	return nil
}

// applyConfig applies the live parts of a reloaded config. It returns the
// changed sections.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) []string {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return nil
	}

	a.logs.Apply(mapLogConfig(next))

	if sc, err := mapSweepConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.registry.ApplySweep(sc)
	}

	if a.diag != nil {
		if dc, err := mapDiagConfig(next); err != nil {
			a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
		} else {
			a.diag.Reconfigure(ctx, dc)
		}
	}

	if restart := restartRequired(prev, next, sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("fields", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return sections
}

// restartRequired lists changed settings that are only read at startup.
func restartRequired(prev, next *config.Config, sections []string) []string {
	var out []string
	if prev != nil && next != nil {
		ps, ns := prev.Scheduler, next.Scheduler
		if ps.SampleWindow != ns.SampleWindow {
			out = append(out, "scheduler.sample_window")
		}
		if ps.JoinTimeout != ns.JoinTimeout {
			out = append(out, "scheduler.join_timeout")
		}
		if ps.MaxDepth != ns.MaxDepth {
			out = append(out, "scheduler.max_depth")
		}
		if ps.MetricsPerKey != ns.MetricsPerKey {
			out = append(out, "scheduler.metrics_per_key")
		}
	}
	for _, s := range []string{"storage", "workload"} {
		if slices.Contains(sections, s) {
			out = append(out, s)
		}
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("diag", time.Second, func(c context.Context) error {
		if a.diag != nil {
			a.diag.Stop(c)
		}
		return nil
	})
	// Settles queued work and publishes queue.closed for every key.
	step("registry", 5*time.Second, a.registry.Close)
	step("archive", 2*time.Second, func(c context.Context) error {
		if a.arch != nil {
			return a.arch.stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, workload, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
