// Package metrics exposes gateway state to Prometheus via a pull-model
// collector that queries its providers at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of live calls.
type ActiveCallsProvider interface {
	ActiveCalls() int
}

// SessionCounter exposes the number of registered voice sessions.
type SessionCounter interface {
	Len() int
}

// RTPPoolProvider exposes RTP port pool usage.
type RTPPoolProvider interface {
	AllocatedCount() int
	Capacity() int
}

// GatewayStatsProvider exposes browser WebSocket fan-out stats.
type GatewayStatsProvider interface {
	ConnectionCount() int
	ListenerCount() int
}

// CallCounter returns finished-call counts grouped by outcome.
type CallCounter interface {
	CallCounts(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers voxbridge metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	calls     ActiveCallsProvider
	sessions  SessionCounter
	pool      RTPPoolProvider
	gateway   GatewayStatsProvider
	records   CallCounter
	startTime time.Time

	activeCallsDesc   *prometheus.Desc
	sessionsDesc      *prometheus.Desc
	rtpAllocatedDesc  *prometheus.Desc
	rtpCapacityDesc   *prometheus.Desc
	wsConnectionsDesc *prometheus.Desc
	wsListenersDesc   *prometheus.Desc
	callsFinishedDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	calls ActiveCallsProvider,
	sessions SessionCounter,
	pool RTPPoolProvider,
	gateway GatewayStatsProvider,
	records CallCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		sessions:  sessions,
		pool:      pool,
		gateway:   gateway,
		records:   records,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voxbridge_active_calls",
			"Number of currently live calls",
			nil, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"voxbridge_sessions",
			"Number of registered voice sessions",
			nil, nil,
		),
		rtpAllocatedDesc: prometheus.NewDesc(
			"voxbridge_rtp_ports_allocated",
			"RTP port pairs currently allocated",
			nil, nil,
		),
		rtpCapacityDesc: prometheus.NewDesc(
			"voxbridge_rtp_ports_capacity",
			"Total RTP port pairs in the pool",
			nil, nil,
		),
		wsConnectionsDesc: prometheus.NewDesc(
			"voxbridge_ws_connections",
			"Connected browser WebSocket clients",
			nil, nil,
		),
		wsListenersDesc: prometheus.NewDesc(
			"voxbridge_ws_listeners",
			"Browser connections attached to live sessions",
			nil, nil,
		),
		callsFinishedDesc: prometheus.NewDesc(
			"voxbridge_calls_finished_total",
			"Total finished calls by outcome",
			[]string{"outcome"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voxbridge_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.sessionsDesc
	ch <- c.rtpAllocatedDesc
	ch <- c.rtpCapacityDesc
	ch <- c.wsConnectionsDesc
	ch <- c.wsListenersDesc
	ch <- c.callsFinishedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCalls()),
		)
	}
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Len()),
		)
	}
	if c.pool != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpAllocatedDesc, prometheus.GaugeValue,
			float64(c.pool.AllocatedCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpCapacityDesc, prometheus.GaugeValue,
			float64(c.pool.Capacity()),
		)
	}
	if c.gateway != nil {
		ch <- prometheus.MustNewConstMetric(
			c.wsConnectionsDesc, prometheus.GaugeValue,
			float64(c.gateway.ConnectionCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.wsListenersDesc, prometheus.GaugeValue,
			float64(c.gateway.ListenerCount()),
		)
	}

	if c.records != nil {
		counts, err := c.records.CallCounts(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call records", "error", err)
		} else {
			for _, outcome := range []string{"completed", "failed"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsFinishedDesc, prometheus.CounterValue,
					float64(counts[outcome]), outcome,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
