package observability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient using Prometheus
type PrometheusMetricsClient struct {
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a metrics client registering collectors
// under the given namespace on the default registry
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// collectorKey disambiguates collectors that share a name but carry different
// label sets; Prometheus rejects re-registration with mismatched labels.
func collectorKey(name string, labels map[string]string) string {
	return name + "|" + strings.Join(labelKeys(labels), ",")
}

func (c *PrometheusMetricsClient) counter(name string, labels map[string]string) *prometheus.CounterVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := collectorKey(name, labels)
	if cv, ok := c.counters[key]; ok {
		return cv
	}
	cv := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
	}, labelKeys(labels))
	c.counters[key] = cv
	return cv
}

func (c *PrometheusMetricsClient) gauge(name string, labels map[string]string) *prometheus.GaugeVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := collectorKey(name, labels)
	if gv, ok := c.gauges[key]; ok {
		return gv
	}
	gv := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
	}, labelKeys(labels))
	c.gauges[key] = gv
	return gv
}

func (c *PrometheusMetricsClient) histogram(name string, labels map[string]string) *prometheus.HistogramVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := collectorKey(name, labels)
	if hv, ok := c.histograms[key]; ok {
		return hv
	}
	hv := promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelKeys(labels))
	c.histograms[key] = hv
	return hv
}

// RecordCounter adds value to a counter
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	c.counter(name, labels).With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets a gauge
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.gauge(name, labels).With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram observes a value on a histogram
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	c.histogram(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

// RecordTimer observes a duration in seconds
func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordOperation records the outcome and duration of a component operation
func (c *PrometheusMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	merged := map[string]string{
		"component": component,
		"operation": operation,
		"success":   boolLabel(success),
	}
	for k, v := range labels {
		merged[k] = v
	}
	c.RecordCounter("operations_total", 1, merged)
	c.RecordHistogram("operation_duration_seconds", durationSeconds, merged)
}

// RecordCacheOperation records a cache/state access
func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	c.RecordOperation("cache", operation, success, durationSeconds, nil)
}

// StartTimer returns a function that records the elapsed time when called
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

// IncrementCounter increments an unlabeled counter
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments a labeled counter
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

// Close is a no-op; the default registry owns the collectors
func (c *PrometheusMetricsClient) Close() error { return nil }

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
