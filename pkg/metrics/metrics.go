package metrics

import (
	"net/http"
	"time"
)

// Collector interface for metrics collection
type Collector interface {
	// Counters
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)

	// Gauges
	SetGauge(name string, value float64, labels map[string]string)

	// Histograms
	ObserveHistogram(name string, value float64, labels map[string]string)
	ObserveDuration(name string, start time.Time, labels map[string]string)

	// Registry
	Register(metric Metric) error

	// HTTP handler for scraping
	HTTPHandler() http.Handler
}

// Metric represents a metric definition
type Metric struct {
	Name    string
	Type    MetricType
	Help    string
	Labels  []string
	Buckets []float64 // For histograms
}

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

// Standard querybot metrics
var (
	// Queue metrics
	QueueDepth = Metric{
		Name:   "querybot_queue_depth",
		Type:   GaugeType,
		Help:   "Number of tasks in each queue collection",
		Labels: []string{"queue", "state"},
	}

	TasksProcessed = Metric{
		Name:   "querybot_tasks_processed_total",
		Type:   CounterType,
		Help:   "Total number of tasks handled by the worker",
		Labels: []string{"task_type", "status"},
	}

	TaskDuration = Metric{
		Name:    "querybot_task_duration_seconds",
		Type:    HistogramType,
		Help:    "Duration of task processing in seconds",
		Labels:  []string{"task_type"},
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}

	// Remote tool metrics
	ToolCalls = Metric{
		Name:   "querybot_tool_calls_total",
		Type:   CounterType,
		Help:   "Total number of remote tool calls",
		Labels: []string{"tool", "status"},
	}

	ToolCallDuration = Metric{
		Name:    "querybot_tool_call_duration_seconds",
		Type:    HistogramType,
		Help:    "Remote tool call latency in seconds, retries included",
		Labels:  []string{"tool"},
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}

	CircuitBreakerState = Metric{
		Name:   "querybot_circuit_breaker_state",
		Type:   GaugeType,
		Help:   "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		Labels: []string{"breaker"},
	}

	// Pipeline metrics
	PlansCreated = Metric{
		Name:   "querybot_plans_created_total",
		Type:   CounterType,
		Help:   "Execution plans created by complexity and mode",
		Labels: []string{"complexity", "mode"},
	}

	RetrievalValidationFailures = Metric{
		Name:   "querybot_retrieval_validation_failures_total",
		Type:   CounterType,
		Help:   "Retrievals rejected for lacking usable data",
		Labels: []string{"reason"},
	}

	QueryOutcomes = Metric{
		Name:   "querybot_query_outcomes_total",
		Type:   CounterType,
		Help:   "Resolved queries by outcome",
		Labels: []string{"outcome"},
	}

	ExportedFiles = Metric{
		Name:   "querybot_exported_files_total",
		Type:   CounterType,
		Help:   "CSV files written",
		Labels: []string{"status"},
	}
)

// StandardMetrics lists every metric the worker registers
func StandardMetrics() []Metric {
	return []Metric{
		QueueDepth,
		TasksProcessed,
		TaskDuration,
		ToolCalls,
		ToolCallDuration,
		CircuitBreakerState,
		PlansCreated,
		RetrievalValidationFailures,
		QueryOutcomes,
		ExportedFiles,
	}
}

// Labels creates a labels map from key-value pairs
func Labels(kvs ...string) map[string]string {
	labels := make(map[string]string)
	for i := 0; i < len(kvs)-1; i += 2 {
		labels[kvs[i]] = kvs[i+1]
	}
	return labels
}

// NopCollector discards every observation
type NopCollector struct{}

// NewNopCollector returns a collector that records nothing
func NewNopCollector() Collector { return NopCollector{} }

func (NopCollector) IncrementCounter(string, map[string]string)           {}
func (NopCollector) AddCounter(string, float64, map[string]string)        {}
func (NopCollector) SetGauge(string, float64, map[string]string)          {}
func (NopCollector) ObserveHistogram(string, float64, map[string]string)  {}
func (NopCollector) ObserveDuration(string, time.Time, map[string]string) {}
func (NopCollector) Register(Metric) error                                { return nil }
func (NopCollector) HTTPHandler() http.Handler                            { return http.NotFoundHandler() }
