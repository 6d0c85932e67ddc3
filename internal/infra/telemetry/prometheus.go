package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fluttermcp/internal/domain"
)

type PrometheusMetrics struct {
	forwardDuration   *prometheus.HistogramVec
	discoveryDuration *prometheus.HistogramVec
	registryEvents    *prometheus.CounterVec
	registeredTools   prometheus.Gauge
	registeredRes     prometheus.Gauge
	registeredApps    prometheus.Gauge
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		forwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fluttermcp_forward_duration_seconds",
				Help:    "Duration of forwarded tool calls and resource reads in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind", "status"},
		),
		discoveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fluttermcp_discovery_duration_seconds",
				Help:    "Duration of discovery cycles in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		registryEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluttermcp_registry_events_total",
				Help: "Total number of registry mutation events",
			},
			[]string{"kind"},
		),
		registeredTools: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fluttermcp_registered_tools",
			Help: "Current number of dynamically registered tools",
		}),
		registeredRes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fluttermcp_registered_resources",
			Help: "Current number of dynamically registered resources",
		}),
		registeredApps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fluttermcp_registered_apps",
			Help: "Current number of apps owning at least one registration",
		}),
	}
}

func (p *PrometheusMetrics) ObserveForward(metric domain.ForwardMetric) {
	p.forwardDuration.WithLabelValues(string(metric.Kind), string(metric.Status)).Observe(metric.Duration.Seconds())
}

func (p *PrometheusMetrics) ObserveDiscovery(status domain.DiscoveryStatus, duration time.Duration) {
	p.discoveryDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveRegistryEvent(kind domain.RegistryEventKind) {
	p.registryEvents.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusMetrics) SetRegistrations(tools, resources, apps int) {
	p.registeredTools.Set(float64(tools))
	p.registeredRes.Set(float64(resources))
	p.registeredApps.Set(float64(apps))
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
