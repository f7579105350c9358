// Package metrics exposes Prometheus counters for the engine, the forwarder
// and the telemetry queue. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all dnsgate metrics.
type Collector struct {
	framesTotal     *prometheus.CounterVec
	queriesTotal    *prometheus.CounterVec
	forwardsTotal   *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
	poolInUse       prometheus.Gauge
	deliveriesTotal *prometheus.CounterVec
	backlogLength   prometheus.Gauge
	interfaceWrites *prometheus.CounterVec
	dnstapDropped   prometheus.Counter
	appChecksTotal  *prometheus.CounterVec
}

// NewCollector creates the metric set. Call Register before serving it.
func NewCollector() *Collector {
	return &Collector{
		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnsgate_frames_total",
				Help: "Frames read from the virtual interface by outcome",
			},
			[]string{"result"},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnsgate_queries_total",
				Help: "Classified DNS queries by verdict kind",
			},
			[]string{"verdict"},
		),
		forwardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnsgate_forwards_total",
				Help: "Upstream forwards by outcome",
			},
			[]string{"outcome"},
		),
		upstreamLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dnsgate_upstream_latency_seconds",
				Help:    "Latency of answered upstream queries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		),
		poolInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dnsgate_forward_pool_in_use",
				Help: "Forwarder slots currently in use",
			},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnsgate_telemetry_deliveries_total",
				Help: "Telemetry delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		backlogLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dnsgate_telemetry_backlog_length",
				Help: "Telemetry records waiting in the backlog",
			},
		),
		interfaceWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnsgate_interface_writes_total",
				Help: "Frames written back to the virtual interface by result",
			},
			[]string{"result"},
		),
		dnstapDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dnsgate_dnstap_dropped_total",
				Help: "dnstap frames dropped because the output queue was full",
			},
		),
		appChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnsgate_app_checks_total",
				Help: "Package name classifications by result",
			},
			[]string{"result"},
		),
	}
}

// Register registers every metric with reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, m := range []prometheus.Collector{
		c.framesTotal,
		c.queriesTotal,
		c.forwardsTotal,
		c.upstreamLatency,
		c.poolInUse,
		c.deliveriesTotal,
		c.backlogLength,
		c.interfaceWrites,
		c.dnstapDropped,
		c.appChecksTotal,
	} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Frame counts one frame read from the interface ("dns", "not_dns",
// "malformed", "decode_error").
func (c *Collector) Frame(result string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(result).Inc()
}

// Query counts one classified query.
func (c *Collector) Query(verdict string) {
	if c == nil {
		return
	}
	c.queriesTotal.WithLabelValues(verdict).Inc()
}

// Forward counts one forward outcome ("answered", "timeout", "error",
// "rejected", "stale").
func (c *Collector) Forward(outcome string) {
	if c == nil {
		return
	}
	c.forwardsTotal.WithLabelValues(outcome).Inc()
}

// UpstreamLatency records the round trip of an answered forward.
func (c *Collector) UpstreamLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.upstreamLatency.Observe(d.Seconds())
}

// PoolInUse sets the number of busy forwarder slots.
func (c *Collector) PoolInUse(n int) {
	if c == nil {
		return
	}
	c.poolInUse.Set(float64(n))
}

// InterfaceWrite counts one write to the interface ("ok", "error").
func (c *Collector) InterfaceWrite(result string) {
	if c == nil {
		return
	}
	c.interfaceWrites.WithLabelValues(result).Inc()
}

// Delivery counts one telemetry attempt ("success", "failure", "queued",
// "replayed").
func (c *Collector) Delivery(outcome string) {
	if c == nil {
		return
	}
	c.deliveriesTotal.WithLabelValues(outcome).Inc()
}

// BacklogLength sets the current telemetry backlog length.
func (c *Collector) BacklogLength(n int) {
	if c == nil {
		return
	}
	c.backlogLength.Set(float64(n))
}

// DnstapDropped counts one dropped dnstap frame.
func (c *Collector) DnstapDropped() {
	if c == nil {
		return
	}
	c.dnstapDropped.Inc()
}

// AppCheck counts one package classification ("blocked", "allowed").
func (c *Collector) AppCheck(result string) {
	if c == nil {
		return
	}
	c.appChecksTotal.WithLabelValues(result).Inc()
}
