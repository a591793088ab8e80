// Package metrics exports scheduler statistics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"keyq/internal/eventbus"
	"keyq/internal/task/keyed"
)

const namespace = "keyq"

// aggregateKey replaces the key label when per-key series are disabled.
const aggregateKey = "*"

// Source is anything that can report per-key snapshots; *keyed.Registry
// satisfies it.
type Source interface {
	GetAllStats() map[string]keyed.Snapshot
}

// Collector reads snapshots on every scrape. Nothing is cached between
// scrapes, so evicted keys disappear from the output.
type Collector struct {
	src    Source
	perKey bool

	queues    *prometheus.Desc
	tasks     *prometheus.Desc
	rejected  *prometheus.Desc
	depth     *prometheus.Desc
	inFlight  *prometheus.Desc
	avgSecond *prometheus.Desc

	events *prometheus.CounterVec
}

// New builds a collector. With perKey false all keys are summed under a
// single "*" label value to keep cardinality bounded.
func New(src Source, perKey bool) *Collector {
	return &Collector{
		src:    src,
		perKey: perKey,
		queues: prometheus.NewDesc(namespace+"_queues",
			"Number of live per-key queues.", nil, nil),
		tasks: prometheus.NewDesc(namespace+"_tasks_total",
			"Tasks by key, priority level and outcome.", []string{"key", "level", "outcome"}, nil),
		rejected: prometheus.NewDesc(namespace+"_tasks_rejected_total",
			"Submissions refused because the queue was full.", []string{"key"}, nil),
		depth: prometheus.NewDesc(namespace+"_queue_depth",
			"Queued tasks not yet started.", []string{"key"}, nil),
		inFlight: prometheus.NewDesc(namespace+"_queue_in_flight",
			"Tasks currently executing.", []string{"key"}, nil),
		avgSecond: prometheus.NewDesc(namespace+"_processing_seconds_avg",
			"Rolling average processing time of successful tasks.", []string{"key", "level"}, nil),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Scheduler lifecycle events seen on the event bus.",
		}, []string{"type"}),
	}
}

// Observe counts a bus event.
func (c *Collector) Observe(ev eventbus.Event) {
	c.events.WithLabelValues(ev.Type).Inc()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queues
	ch <- c.tasks
	ch <- c.rejected
	ch <- c.depth
	ch <- c.inFlight
	ch <- c.avgSecond
	c.events.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	all := c.src.GetAllStats()
	ch <- prometheus.MustNewConstMetric(c.queues, prometheus.GaugeValue, float64(len(all)))

	rows := all
	if !c.perKey {
		rows = map[string]keyed.Snapshot{aggregateKey: sum(all)}
	}
	for key, s := range rows {
		for _, l := range keyed.Levels {
			ls := s.ByLevel[l]
			lv := l.String()
			ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(ls.Queued), key, lv, "queued")
			ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(ls.Processed), key, lv, "processed")
			ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(ls.Failed), key, lv, "failed")
			ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(ls.Cancelled), key, lv, "cancelled")
			ch <- prometheus.MustNewConstMetric(c.avgSecond, prometheus.GaugeValue, ls.AverageProcessingTime.Seconds(), key, lv)
		}
		ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(s.TotalRejected), key)
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(s.CurrentDepth), key)
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight), key)
	}
	c.events.Collect(ch)
}

// sum folds every snapshot into one. Averages are weighted by processed
// count, which is close enough for a dashboard.
func sum(all map[string]keyed.Snapshot) keyed.Snapshot {
	out := keyed.Snapshot{Key: aggregateKey, ByLevel: make(map[keyed.Level]keyed.LevelStats, len(keyed.Levels))}
	weighted := make(map[keyed.Level]float64, len(keyed.Levels))
	for _, s := range all {
		out.TotalQueued += s.TotalQueued
		out.TotalProcessed += s.TotalProcessed
		out.TotalFailed += s.TotalFailed
		out.TotalCancelled += s.TotalCancelled
		out.TotalRejected += s.TotalRejected
		out.CurrentDepth += s.CurrentDepth
		out.InFlight += s.InFlight
		for l, ls := range s.ByLevel {
			acc := out.ByLevel[l]
			acc.Queued += ls.Queued
			acc.Processed += ls.Processed
			acc.Failed += ls.Failed
			acc.Cancelled += ls.Cancelled
			out.ByLevel[l] = acc
			weighted[l] += float64(ls.AverageProcessingTime) * float64(ls.Processed)
		}
	}
	for l, w := range weighted {
		acc := out.ByLevel[l]
		if acc.Processed > 0 {
			acc.AverageProcessingTime = time.Duration(w / float64(acc.Processed))
		}
		out.ByLevel[l] = acc
	}
	return out
}
