package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaybot/internal/domain"
	"relaybot/internal/usecase/pluginhost"
)

const metricsNamespace = "relaybot"

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	rpcRequests *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	connections prometheus.Gauge
}

// NewMetrics creates the gateway collectors together with the Go runtime
// collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		rpcRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rpc_requests_total",
				Help:      "Gateway RPC calls by method and result code.",
			},
			[]string{"method", "code"},
		),
		rpcDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "rpc_duration_seconds",
				Help:      "Gateway RPC handler latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_connections",
			Help:      "Open WebSocket connections.",
		}),
	}
}

// ObserveRPC records one finished call. code is "OK" for successful calls.
func (m *Metrics) ObserveRPC(method, code string, d time.Duration) {
	m.rpcRequests.WithLabelValues(method, code).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// TrackPlugins exports the plugin count per load status of the active registry.
func (m *Metrics) TrackPlugins(active pluginhost.ActiveRegistry) {
	m.registry.MustRegister(&pluginCollector{
		active: active,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "plugins"),
			"Plugins in the active registry by status.",
			[]string{"status"}, nil,
		),
	})
}

// TrackChannelWorkers exports the number of running channel account workers.
func (m *Metrics) TrackChannelWorkers(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "channel_workers",
		Help:      "Running channel account workers.",
	}, func() float64 { return float64(count()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type pluginCollector struct {
	active pluginhost.ActiveRegistry
	desc   *prometheus.Desc
}

func (c *pluginCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *pluginCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[domain.PluginStatus]int{}
	if reg := c.active(); reg != nil {
		counts = reg.StatusCounts()
	}
	for _, status := range []domain.PluginStatus{domain.PluginLoaded, domain.PluginDisabled, domain.PluginError} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
