// Package metrics exposes the pool's diagnostics as Prometheus
// collectors for the /metrics endpoint, supplementing the structured
// heartbeat log rather than replacing it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Veraticus/kirogate/internal/pool"
)

// Collectors holds every metric this gateway exports. Register it once
// against a prometheus.Registerer at startup.
type Collectors struct {
	pool *pool.Pool

	poolSize          prometheus.Gauge
	sessionContextPct *prometheus.GaugeVec
	sessionRSSBytes   *prometheus.GaugeVec
	sessionIdleSecs   *prometheus.GaugeVec
	resetsTotal       *prometheus.CounterVec
	promptDuration    prometheus.Histogram
}

// NewCollectors registers every gauge/counter/histogram against reg and
// returns the handle that records prompt durations (via the bridge's
// hook) and reset reasons (via the pool's reset callback).
func NewCollectors(reg prometheus.Registerer, p *pool.Pool) *Collectors {
	factory := promauto.With(reg)

	c := &Collectors{
		pool: p,
		poolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kirogate",
			Name:      "pool_sessions",
			Help:      "Number of live managed agent sessions.",
		}),
		sessionContextPct: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kirogate",
			Name:      "session_context_pct",
			Help:      "Last reported context-window usage percentage per session.",
		}, []string{"key_prefix"}),
		sessionRSSBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kirogate",
			Name:      "session_rss_bytes",
			Help:      "Resident set size of the session's agent subprocess.",
		}, []string{"key_prefix"}),
		sessionIdleSecs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kirogate",
			Name:      "session_idle_seconds",
			Help:      "Seconds since the session was last touched.",
		}, []string{"key_prefix"}),
		resetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kirogate",
			Name:      "session_resets_total",
			Help:      "Count of session resets by reason.",
		}, []string{"reason"}),
		promptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kirogate",
			Name:      "prompt_duration_seconds",
			Help:      "Wall-clock duration of a single prompt call.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
	return c
}

// ObservePromptDuration records one completed prompt's duration.
func (c *Collectors) ObservePromptDuration(seconds float64) {
	c.promptDuration.Observe(seconds)
}

// RecordReset increments the reset counter for reason.
func (c *Collectors) RecordReset(reason string) {
	c.resetsTotal.WithLabelValues(reason).Inc()
}

// Refresh re-derives the gauge values from the pool's current
// diagnostics snapshot. Call this from the same heartbeat cadence the
// pool logs at, or just before a scrape.
func (c *Collectors) Refresh() {
	infos := c.pool.Diagnostics()
	c.poolSize.Set(float64(len(infos)))

	c.sessionContextPct.Reset()
	c.sessionRSSBytes.Reset()
	c.sessionIdleSecs.Reset()
	for _, info := range infos {
		c.sessionContextPct.WithLabelValues(info.KeyPrefix).Set(info.ContextPct)
		c.sessionRSSBytes.WithLabelValues(info.KeyPrefix).Set(float64(info.RSSBytes))
		c.sessionIdleSecs.WithLabelValues(info.KeyPrefix).Set(info.IdleSeconds)
	}
}
