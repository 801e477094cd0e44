// Package metrics exposes the engine's Prometheus collectors, grounded on
// the teacher's pkg/metrics package: a package-level Registry, an
// InstrumentHandler HTTP middleware, and small Record* helpers called from
// the engine components instead of exposing raw collectors everywhere.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "github.com/r3e-network/bpmn-graph-engine/internal/app/core/service"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bpmn_engine",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight Control API requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpmn_engine",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of Control API requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bpmn_engine",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of Control API requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	instancesActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bpmn_engine",
		Subsystem: "instances",
		Name:      "active",
		Help:      "Current number of non-terminal process instances by status.",
	}, []string{"status"})

	instanceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpmn_engine",
		Subsystem: "instances",
		Name:      "transitions_total",
		Help:      "Total instance status transitions.",
	}, []string{"from", "to"})

	tokensActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bpmn_engine",
		Subsystem: "tokens",
		Name:      "active",
		Help:      "Current number of tokens by state.",
	}, []string{"state"})

	nodeDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpmn_engine",
		Subsystem: "executor",
		Name:      "node_dispatch_total",
		Help:      "Total node dispatches by kind and outcome.",
	}, []string{"kind", "outcome"})

	handlerInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpmn_engine",
		Subsystem: "handlers",
		Name:      "invocations_total",
		Help:      "Total topic handler invocations by topic and outcome.",
	}, []string{"topic", "outcome"})

	handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bpmn_engine",
		Subsystem: "handlers",
		Name:      "duration_seconds",
		Help:      "Duration of topic handler invocations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"topic"})

	timerFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpmn_engine",
		Subsystem: "timers",
		Name:      "fires_total",
		Help:      "Total timer jobs claimed and fired, by outcome.",
	}, []string{"outcome"})

	timerLeaseContention = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpmn_engine",
		Subsystem: "timers",
		Name:      "lease_contention_total",
		Help:      "Total failed compare-and-set lease claims (lost races).",
	}, []string{"backend"})

	scriptExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpmn_engine",
		Subsystem: "scripts",
		Name:      "executions_total",
		Help:      "Total ScriptTask sandbox executions by outcome.",
	}, []string{"outcome"})

	moduleReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bpmn_engine",
		Subsystem: "engine",
		Name:      "module_ready",
		Help:      "Current readiness of modules (1 ready, 0 otherwise).",
	}, []string{"module", "domain"})

	moduleStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bpmn_engine",
		Subsystem: "engine",
		Name:      "module_status",
		Help:      "Lifecycle status of modules (one-hot by status label).",
	}, []string{"module", "domain", "status"})

	hostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bpmn_engine",
		Subsystem: "host",
		Name:      "cpu_percent",
		Help:      "Host-wide CPU utilization percentage, sampled via gopsutil.",
	})

	hostMemPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bpmn_engine",
		Subsystem: "host",
		Name:      "mem_percent",
		Help:      "Host-wide memory utilization percentage, sampled via gopsutil.",
	})

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		instancesActive,
		instanceTransitions,
		tokensActive,
		nodeDispatches,
		handlerInvocations,
		handlerDuration,
		timerFires,
		timerLeaseContention,
		scriptExecutions,
		moduleReady,
		moduleStatus,
		hostCPUPercent,
		hostMemPercent,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// SetHostResourceUsage publishes host-wide CPU/memory utilization gauges,
// sampled by the periodic reporter in internal/app/system/resources.go.
func SetHostResourceUsage(cpuPercent, memPercent float64) {
	hostCPUPercent.Set(cpuPercent)
	hostMemPercent.Set(memPercent)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordInstanceTransition records a ProcessInstance status change.
func RecordInstanceTransition(from, to string) {
	instanceTransitions.WithLabelValues(from, to).Inc()
}

// SetInstancesActive publishes the current instance-status gauge readings.
func SetInstancesActive(counts map[string]int) {
	instancesActive.Reset()
	for status, n := range counts {
		instancesActive.WithLabelValues(status).Set(float64(n))
	}
}

// SetTokensActive publishes the current token-state gauge readings.
func SetTokensActive(counts map[string]int) {
	tokensActive.Reset()
	for state, n := range counts {
		tokensActive.WithLabelValues(state).Set(float64(n))
	}
}

// RecordNodeDispatch records one executor dispatch for a node kind.
func RecordNodeDispatch(kind, outcome string) {
	nodeDispatches.WithLabelValues(kind, outcome).Inc()
}

// RecordHandlerInvocation records one topic handler invocation.
func RecordHandlerInvocation(topic, outcome string, duration time.Duration) {
	handlerInvocations.WithLabelValues(topic, outcome).Inc()
	handlerDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordTimerFire records one timer job claim/fire outcome.
func RecordTimerFire(outcome string) {
	timerFires.WithLabelValues(outcome).Inc()
}

// RecordTimerLeaseContention records a lost compare-and-set lease race.
func RecordTimerLeaseContention(backend string) {
	timerLeaseContention.WithLabelValues(backend).Inc()
}

// RecordScriptExecution records one ScriptTask sandbox run.
func RecordScriptExecution(outcome string) {
	scriptExecutions.WithLabelValues(outcome).Inc()
}

// ModuleMetric captures lifecycle/readiness for engine modules.
type ModuleMetric struct {
	Name   string
	Domain string
	Status string
	Ready  bool
}

// RecordModuleMetrics publishes module lifecycle/readiness gauges, resetting
// previous values so stale statuses don't linger across transitions.
func RecordModuleMetrics(mods []ModuleMetric) {
	moduleReady.Reset()
	moduleStatus.Reset()
	for _, m := range mods {
		ready := 0.0
		if m.Ready {
			ready = 1.0
		}
		moduleReady.WithLabelValues(m.Name, m.Domain).Set(ready)
		moduleStatus.WithLabelValues(m.Name, m.Domain, m.Status).Set(1)
	}
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core.ObservationHooks backed by Prometheus
// metrics for an arbitrary named operation, matching the teacher's
// namespace/subsystem/name collector-caching idiom.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_in_flight",
		Help:      "Current operations in flight for " + subsystem,
	}, []string{"resource"})
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_duration_seconds",
		Help:      "Duration of operations for " + subsystem,
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"resource", "status"})
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	for _, key := range []string{"instance_id", "node_id", "topic", "resource"} {
		if v, ok := meta[key]; ok && v != "" {
			return v
		}
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "instances", "tasks", "definitions":
		if len(parts) >= 2 {
			return "/" + parts[0] + "/:id"
		}
		return "/" + parts[0]
	default:
		return "/" + parts[0]
	}
}
