package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "run_anuga"

// PrometheusCollector translates Metric values into Prometheus metrics and exposes a registry.
type PrometheusCollector struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	vecs     map[string]registeredVec
}

type registeredVec struct {
	kind       MetricType
	labelNames []string
	counter    *prometheus.CounterVec
	histogram  *prometheus.HistogramVec
	gauge      *prometheus.GaugeVec
}

// NewPrometheusCollector builds a collector backed by a dedicated Prometheus registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		vecs:     make(map[string]registeredVec),
	}
}

// Collect implements MetricsCollector by forwarding the measurement into Prometheus primitives.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}
	switch metric.Type {
	case MetricCounter, MetricHistogram, MetricGauge:
	default:
		return
	}

	labels := cloneLabels(metric.Labels)
	labelNames := sortedKeys(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.vecs[metric.Name]
	if !ok {
		created, err := c.register(metric, labelNames)
		if err != nil {
			// Duplicate or conflicting registration; skip instead of panicking.
			return
		}
		vec = created
		c.vecs[metric.Name] = vec
	}
	if vec.kind != metric.Type || !equalStringSlices(vec.labelNames, labelNames) {
		return
	}

	switch vec.kind {
	case MetricCounter:
		value := metric.Value
		if value < 0 {
			value = 0
		}
		vec.counter.With(labels).Add(value)
	case MetricHistogram:
		vec.histogram.With(labels).Observe(metric.Value)
	case MetricGauge:
		vec.gauge.With(labels).Set(metric.Value)
	}
}

func (c *PrometheusCollector) register(metric Metric, labelNames []string) (registeredVec, error) {
	var constLabels prometheus.Labels
	if metric.Unit != "" {
		constLabels = prometheus.Labels{"unit": metric.Unit}
	}
	vec := registeredVec{kind: metric.Type, labelNames: labelNames}
	var collector prometheus.Collector

	switch metric.Type {
	case MetricCounter:
		vec.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, labelNames)
		collector = vec.counter
	case MetricHistogram:
		vec.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   prometheusNamespace,
			Name:        metric.Name,
			Help:        helpText(metric),
			ConstLabels: constLabels,
		}, labelNames)
		collector = vec.histogram
	case MetricGauge:
		vec.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   prometheusNamespace,
			Name:        metric.Name,
			Help:        helpText(metric),
			ConstLabels: constLabels,
		}, labelNames)
		collector = vec.gauge
	}

	if err := c.registry.Register(collector); err != nil {
		return registeredVec{}, err
	}
	return vec, nil
}

// Registry returns the underlying registry for use with HTTP handlers.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the Prometheus registry via an http.Handler.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func helpText(metric Metric) string {
	if strings.TrimSpace(metric.Description) != "" {
		return metric.Description
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneLabels(labels map[string]string) prometheus.Labels {
	if len(labels) == 0 {
		return nil
	}
	cloned := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		cloned[k] = v
	}
	return cloned
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
