package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus client
type PrometheusCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	metrics    map[string]Metric
	now        func() time.Time
	mu         sync.RWMutex
}

// NewPrometheusCollector creates a collector backed by a private registry
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &PrometheusCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		metrics:    make(map[string]Metric),
		now:        time.Now,
	}
}

// Register registers a new metric
func (c *PrometheusCollector) Register(metric Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.metrics[metric.Name]; exists {
		return fmt.Errorf("metric %s already registered", metric.Name)
	}

	var collector prometheus.Collector
	switch metric.Type {
	case CounterType:
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: metric.Name, Help: metric.Help}, metric.Labels)
		c.counters[metric.Name] = vec
		collector = vec
	case GaugeType:
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metric.Name, Help: metric.Help}, metric.Labels)
		c.gauges[metric.Name] = vec
		collector = vec
	case HistogramType:
		buckets := metric.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metric.Name,
			Help:    metric.Help,
			Buckets: buckets,
		}, metric.Labels)
		c.histograms[metric.Name] = vec
		collector = vec
	default:
		return fmt.Errorf("unknown metric type: %s", metric.Type)
	}

	if err := c.registry.Register(collector); err != nil {
		delete(c.counters, metric.Name)
		delete(c.gauges, metric.Name)
		delete(c.histograms, metric.Name)
		return fmt.Errorf("failed to register %s %s: %w", metric.Type, metric.Name, err)
	}

	c.metrics[metric.Name] = metric
	return nil
}

// lookup returns the vector registered under name, or nil. Observations
// against unknown metrics are dropped so callers never need to check.
func lookup[V any](c *PrometheusCollector, vecs map[string]V, name string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := vecs[name]
	return v, ok
}

// IncrementCounter increments a counter by 1
func (c *PrometheusCollector) IncrementCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

// AddCounter adds a value to a counter
func (c *PrometheusCollector) AddCounter(name string, value float64, labels map[string]string) {
	if vec, ok := lookup(c, c.counters, name); ok {
		if counter, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
			counter.Add(value)
		}
	}
}

// SetGauge sets the value of a gauge
func (c *PrometheusCollector) SetGauge(name string, value float64, labels map[string]string) {
	if vec, ok := lookup(c, c.gauges, name); ok {
		if gauge, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
			gauge.Set(value)
		}
	}
}

// ObserveHistogram records a value in a histogram
func (c *PrometheusCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	if vec, ok := lookup(c, c.histograms, name); ok {
		if obs, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
			obs.Observe(value)
		}
	}
}

// ObserveDuration records the seconds elapsed since start
func (c *PrometheusCollector) ObserveDuration(name string, start time.Time, labels map[string]string) {
	c.ObserveHistogram(name, c.now().Sub(start).Seconds(), labels)
}

// HTTPHandler returns the scrape handler for this collector's registry
func (c *PrometheusCollector) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry for tests and gatherers
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// MetricNames returns the registered metric names in sorted order
func (c *PrometheusCollector) MetricNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.metrics))
	for name := range c.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a metric is registered
func (c *PrometheusCollector) IsRegistered(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.metrics[name]
	return exists
}

// RegisterStandardMetrics registers every metric in StandardMetrics
func (c *PrometheusCollector) RegisterStandardMetrics() error {
	var errs []error
	for _, metric := range StandardMetrics() {
		if err := c.Register(metric); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
