package config

import (
	"reflect"
	"strings"

	logx "keyq/pkg/logx"
)

// SummarizeChange lists the sections that differ and returns log fields
// describing the new values. Secrets such as the diag token are reduced to a
// "set" flag.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.sweep_interval", strings.TrimSpace(s.SweepInterval)),
			logx.String("scheduler.idle_cutoff", strings.TrimSpace(s.IdleCutoff)),
			logx.Bool("scheduler.exempt_never_processed", s.ExemptNeverProcessed),
			logx.Int("scheduler.max_depth", s.MaxDepth),
		)
	}

	od, nd := oldCfg.Diag, newCfg.Diag
	tokenChanged := od.Token != nd.Token
	od.Token, nd.Token = "", ""
	if od != nd || tokenChanged {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", nd.Enabled),
			logx.String("diag.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if !reflect.DeepEqual(oldCfg.Workload, newCfg.Workload) {
		changed = append(changed, "workload")
		attrs = append(attrs, logx.Bool("workload.enabled", newCfg.Workload != nil && newCfg.Workload.Enabled))
	}
	return changed, attrs
}
