package observability

import (
	"net/http"
	"sort"

	"github.com/ongoingai/agenttrace/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "agenttrace"

// DiagnosticsCollector exposes writer diagnostics as Prometheus metrics. It
// reads a fresh snapshot on every scrape.
type DiagnosticsCollector struct {
	snapshot func() trace.Diagnostics

	queueCapacity  *prometheus.Desc
	queueDepth     *prometheus.Desc
	queueHighWater *prometheus.Desc
	queuePressure  *prometheus.Desc
	accepted       *prometheus.Desc
	delivered      *prometheus.Desc
	retried        *prometheus.Desc
	requeued       *prometheus.Desc
	dropped        *prometheus.Desc
	failures       *prometheus.Desc
	finished       *prometheus.Desc
}

// NewDiagnosticsCollector returns a collector reading snapshot on scrape.
func NewDiagnosticsCollector(snapshot func() trace.Diagnostics) *DiagnosticsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(prometheusNamespace, "", name), help, labels, nil)
	}
	return &DiagnosticsCollector{
		snapshot:       snapshot,
		queueCapacity:  desc("queue_capacity", "Capacity of the trace delivery buffer."),
		queueDepth:     desc("queue_depth", "Traces currently waiting for delivery."),
		queueHighWater: desc("queue_depth_high_watermark", "Highest observed buffer depth."),
		queuePressure:  desc("queue_pressure", "Current buffer pressure state, 1 for the active state.", "state"),
		accepted:       desc("traces_accepted_total", "Traces accepted into the delivery buffer."),
		delivered:      desc("traces_delivered_total", "Traces accepted by the collector."),
		retried:        desc("delivery_retries_total", "Delivery retry attempts."),
		requeued:       desc("traces_requeued_total", "Traces put back into the buffer after a failed pass."),
		dropped:        desc("traces_dropped_total", "Traces dropped by the writer.", "reason"),
		failures:       desc("delivery_failures_total", "Failed delivery attempts by error class.", "error_class"),
		finished:       desc("traces_finished_total", "Root traces finished by the tracer."),
	}
}

// Describe implements prometheus.Collector.
func (c *DiagnosticsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueCapacity, c.queueDepth, c.queueHighWater, c.queuePressure,
		c.accepted, c.delivered, c.retried, c.requeued, c.dropped, c.failures,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *DiagnosticsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.snapshot == nil {
		return
	}
	d := c.snapshot()

	ch <- prometheus.MustNewConstMetric(c.queueCapacity, prometheus.GaugeValue, float64(d.QueueCapacity))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(d.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.queueHighWater, prometheus.GaugeValue, float64(d.QueueDepthHighWatermark))
	for _, state := range []string{trace.QueuePressureOK, trace.QueuePressureElevated, trace.QueuePressureHigh, trace.QueuePressureSaturated} {
		value := 0.0
		if d.QueuePressureState == state {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(c.queuePressure, prometheus.GaugeValue, value, state)
	}
	ch <- prometheus.MustNewConstMetric(c.accepted, prometheus.CounterValue, float64(d.AcceptedTotal))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(d.DeliveredTotal))
	ch <- prometheus.MustNewConstMetric(c.retried, prometheus.CounterValue, float64(d.RetriedTotal))
	ch <- prometheus.MustNewConstMetric(c.requeued, prometheus.CounterValue, float64(d.RequeuedTotal))
	for _, reason := range sortedKeys(d.DroppedByReason) {
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(d.DroppedByReason[reason]), reason)
	}
	for _, class := range sortedKeys(d.FailuresByClass) {
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(d.FailuresByClass[class]), class)
	}
}

// WithTracer adds the tracer's finished-trace counter to the collector.
func (c *DiagnosticsCollector) WithTracer(tracer *trace.Tracer) prometheus.Collector {
	return &tracerCollector{DiagnosticsCollector: c, tracer: tracer}
}

type tracerCollector struct {
	*DiagnosticsCollector
	tracer *trace.Tracer
}

func (c *tracerCollector) Describe(ch chan<- *prometheus.Desc) {
	c.DiagnosticsCollector.Describe(ch)
	ch <- c.finished
}

func (c *tracerCollector) Collect(ch chan<- prometheus.Metric) {
	c.DiagnosticsCollector.Collect(ch)
	if c.tracer != nil {
		ch <- prometheus.MustNewConstMetric(c.finished, prometheus.CounterValue, float64(c.tracer.FinishedTraces()))
	}
}

// NewPrometheusRegistry builds a private registry holding the given
// collectors plus the Go runtime and process collectors.
func NewPrometheusRegistry(cs ...prometheus.Collector) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	all := append([]prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}, cs...)
	for _, c := range all {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func PrometheusHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry:          registry,
		EnableOpenMetrics: true,
	})
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
