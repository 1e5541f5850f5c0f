package http

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/resilience"
	"dev.hon.one/niobium/util"
)

func (server *Server) handleMetricsRequest(response http.ResponseWriter, request *http.Request) {
	logRequest("metrics", request)

	// Build registry with data
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	util.NewExporterMetric(registry, common.PrometheusNamespace, common.AppVersion)
	if server.pool != nil {
		server.buildPoolMetrics(registry)
	}
	if server.pipeline != nil {
		server.buildMonitoringMetrics(registry)
		server.buildDeviceMetrics(registry)
	}

	// Delegate final handling to Prometheus
	promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP(response, request)
}

func (server *Server) buildPoolMetrics(registry *prometheus.Registry) {
	namespace := common.PrometheusNamespace
	stats := server.pool.Stats()
	util.NewGauge(registry, namespace, "pool", "max_size", "Maximum number of connections.", nil).Set(float64(stats.MaxSize))
	stateMetric := util.NewGaugeVec(registry, namespace, "pool", "connections", "Connections by state.", nil, []string{"state"})
	stateMetric.WithLabelValues("connecting").Set(float64(stats.Connecting))
	stateMetric.WithLabelValues("active").Set(float64(stats.Active))
	stateMetric.WithLabelValues("idle").Set(float64(stats.Idle))
	stateMetric.WithLabelValues("failed").Set(float64(stats.Failed))
	util.NewGauge(registry, namespace, "pool", "dials", "Connections opened.", nil).Set(float64(stats.Dials))
	util.NewGauge(registry, namespace, "pool", "dial_errors", "Failed connection attempts.", nil).Set(float64(stats.DialErrors))
	util.NewGauge(registry, namespace, "pool", "evictions", "Idle connections evicted.", nil).Set(float64(stats.Evictions))
	deviceMetric := util.NewGaugeVec(registry, namespace, "pool", "device_connections", "Connections per device.", nil, []string{"device"})
	for deviceID, count := range stats.PerDevice {
		deviceMetric.WithLabelValues(deviceID).Set(float64(count))
	}

	breakerMetric := util.NewGaugeVec(registry, namespace, "breaker", "open", "If the circuit breaker is open (1), half-open (0.5) or closed (0).", nil, []string{"breaker"})
	failuresMetric := util.NewGaugeVec(registry, namespace, "breaker", "consecutive_failures", "Consecutive failures seen by the breaker.", nil, []string{"breaker"})
	for _, breaker := range server.pool.Breakers().Stats() {
		value := 0.0
		switch breaker.State {
		case resilience.CircuitOpen:
			value = 1
		case resilience.CircuitHalfOpen:
			value = 0.5
		}
		breakerMetric.WithLabelValues(breaker.Name).Set(value)
		failuresMetric.WithLabelValues(breaker.Name).Set(float64(breaker.ConsecutiveFailures))
	}
}

func (server *Server) buildMonitoringMetrics(registry *prometheus.Registry) {
	namespace := common.PrometheusNamespace
	labels := []string{"device"}
	runsMetric := util.NewGaugeVec(registry, namespace, "monitoring", "runs", "Collection runs.", nil, labels)
	failuresMetric := util.NewGaugeVec(registry, namespace, "monitoring", "failures", "Failed collection runs.", nil, labels)
	skippedMetric := util.NewGaugeVec(registry, namespace, "monitoring", "skipped", "Runs skipped for lack of connections.", nil, labels)
	durationMetric := util.NewGaugeVec(registry, namespace, "monitoring", "last_duration_seconds", "Duration of the last run.", nil, labels)
	successMetric := util.NewGaugeVec(registry, namespace, "monitoring", "last_success_timestamp_seconds", "Time of the last successful run.", nil, labels)
	for deviceID, stats := range server.pipeline.Stats() {
		runsMetric.WithLabelValues(deviceID).Set(float64(stats.Runs))
		failuresMetric.WithLabelValues(deviceID).Set(float64(stats.Failures))
		skippedMetric.WithLabelValues(deviceID).Set(float64(stats.Skipped))
		durationMetric.WithLabelValues(deviceID).Set(stats.LastDuration.Seconds())
		if !stats.LastSuccess.IsZero() {
			successMetric.WithLabelValues(deviceID).Set(float64(stats.LastSuccess.Unix()))
		}
	}

	alertsMetric := util.NewGaugeVec(registry, namespace, "alerts", "open", "Active and acknowledged alerts.", nil, []string{"severity", "state"})
	for _, severity := range []common.Severity{common.SeverityInfo, common.SeverityWarning, common.SeverityCritical} {
		for _, state := range []common.AlertState{common.AlertStateActive, common.AlertStateAcknowledged} {
			alertsMetric.WithLabelValues(string(severity), string(state)).Set(0)
		}
	}
	for _, alert := range server.pipeline.Evaluator().Active() {
		alertsMetric.WithLabelValues(string(alert.Severity), string(alert.State)).Inc()
	}
}

// Latest samples as "device_<metric>" gauges. Categorical samples are 1 with the value in a "status" label.
func (server *Server) buildDeviceMetrics(registry *prometheus.Registry) {
	namespace := common.PrometheusNamespace
	metrics := make(map[string]*prometheus.GaugeVec)
	metricLabels := make(map[string][]string)
	for _, sample := range server.pipeline.Latest() {
		labels := util.MergeLabels(prometheus.Labels(sample.Labels), prometheus.Labels{"device": sample.Device})
		value := sample.Value
		if sample.Categorical() {
			labels["status"] = sample.Text
			value = 1
		}
		keys := util.MapKeys(labels)

		name := metricName(sample.Name)
		metric, found := metrics[name]
		if !found {
			help := "Latest collected " + strings.ReplaceAll(sample.Name, "_", " ") + "."
			if sample.Unit != "" {
				help += " Unit: " + sample.Unit + "."
			}
			metric = util.NewGaugeVec(registry, namespace, "device", name, help, nil, keys)
			metrics[name] = metric
			metricLabels[name] = keys
		} else if strings.Join(keys, ",") != strings.Join(metricLabels[name], ",") {
			// Label sets must not vary within a metric
			continue
		}
		metric.With(labels).Set(value)
	}
}

func metricName(name string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			return r
		}
		return '_'
	}, name)
}
