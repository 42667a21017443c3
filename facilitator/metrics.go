package facilitator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/cache"
)

// Metrics holds the facilitator's Prometheus collectors.
type Metrics struct {
	verifies   *prometheus.CounterVec
	settles    *prometheus.CounterVec
	broadcasts prometheus.Histogram
	entries    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		verifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "facilitator",
			Name:      "verify_total",
			Help:      "Verify calls by result code.",
		}, []string{"code"}),
		settles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "facilitator",
			Name:      "settle_total",
			Help:      "Settle calls by result code.",
		}, []string{"code"}),
		broadcasts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "x402",
			Subsystem: "facilitator",
			Name:      "broadcast_duration_seconds",
			Help:      "Time from broadcast to confirmation or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "x402",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Cached transactions by state.",
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{m.verifies, m.settles, m.broadcasts, m.entries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	if code := x402.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

func (m *Metrics) observeVerify(err error) {
	if m == nil {
		return
	}
	m.verifies.WithLabelValues(resultCode(err)).Inc()
}

func (m *Metrics) observeSettle(err error) {
	if m == nil {
		return
	}
	m.settles.WithLabelValues(resultCode(err)).Inc()
}

func (m *Metrics) observeBroadcast(d time.Duration) {
	if m == nil {
		return
	}
	m.broadcasts.Observe(d.Seconds())
}

func (m *Metrics) observeCache(c *cache.Cache) {
	if m == nil {
		return
	}
	counts := c.Counts()
	for _, s := range []cache.State{cache.StateVerified, cache.StateSettling, cache.StateSettled, cache.StateRejected, cache.StateExpired} {
		m.entries.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
