package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codepipe"

type moduleMetrics struct {
	laneDepth    *prometheus.GaugeVec
	laneWait     prometheus.Histogram
	enqueueTotal prometheus.Counter
	dequeueTotal *prometheus.CounterVec

	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsEvicted prometheus.Counter

	runTotal    *prometheus.CounterVec
	runDuration prometheus.Histogram

	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	backendCallsTotal *prometheus.CounterVec
	backendInFlight   *prometheus.GaugeVec
	backendDuration   *prometheus.HistogramVec

	chunksStreamed    *prometheus.CounterVec
	clientDisconnects *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_depth",
					Help:      "Runs waiting or executing, by lane kind.",
				},
				[]string{"kind"},
			),
			laneWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "lane_wait_seconds",
					Help:      "Time a run waited for its session lane.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_enqueue_total",
					Help:      "Total runs enqueued on session lanes.",
				},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_dequeue_total",
					Help:      "Total lane task completions by status.",
				},
				[]string{"status"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Sessions currently held in memory.",
				},
			),
			sessionsCreated: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_created_total",
					Help:      "Sessions created.",
				},
			),
			sessionsEvicted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_evicted_total",
					Help:      "Sessions evicted by the idle sweeper.",
				},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "pipeline_runs_total",
					Help:      "Pipeline runs by final status.",
				},
				[]string{"status"},
			),
			runDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "pipeline_run_duration_seconds",
					Help:      "End to end pipeline run duration.",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			stageTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stage_total",
					Help:      "Stage executions by stage and status.",
				},
				[]string{"stage", "status"},
			),
			stageDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "stage_duration_seconds",
					Help:      "Stage execution duration by stage.",
					Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"stage"},
			),
			backendCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "backend_calls_total",
					Help:      "Model backend calls by provider and result kind.",
				},
				[]string{"provider", "result"},
			),
			backendInFlight: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "backend_in_flight",
					Help:      "Model backend streams currently open.",
				},
				[]string{"provider"},
			),
			backendDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "backend_stream_duration_seconds",
					Help:      "Model backend stream duration by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			chunksStreamed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_chunks_total",
					Help:      "Chunks written to clients by encoding.",
				},
				[]string{"encoding"},
			),
			clientDisconnects: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "client_disconnects_total",
					Help:      "Requests abandoned by the client, by route.",
				},
				[]string{"route"},
			),
		}

		prometheus.MustRegister(
			m.laneDepth,
			m.laneWait,
			m.enqueueTotal,
			m.dequeueTotal,
			m.activeSessions,
			m.sessionsCreated,
			m.sessionsEvicted,
			m.runTotal,
			m.runDuration,
			m.stageTotal,
			m.stageDuration,
			m.backendCallsTotal,
			m.backendInFlight,
			m.backendDuration,
			m.chunksStreamed,
			m.clientDisconnects,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordLaneEnqueue(depth int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.laneDepth.WithLabelValues("session").Set(float64(depth))
}

func RecordLaneCompletion(wait time.Duration, success bool, depth int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(statusLabel(success)).Inc()
	m.laneWait.Observe(wait.Seconds())
	m.laneDepth.WithLabelValues("session").Set(float64(depth))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionCreated(active int) {
	m := getMetrics()
	m.sessionsCreated.Inc()
	m.activeSessions.Set(float64(active))
}

func RecordSessionsEvicted(n, active int) {
	m := getMetrics()
	m.sessionsEvicted.Add(float64(n))
	m.activeSessions.Set(float64(active))
}

// RecordRun records a finished pipeline run. status is one of
// completed, failed or aborted.
func RecordRun(status string, duration time.Duration) {
	m := getMetrics()
	m.runTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func RecordStage(stage string, duration time.Duration, success bool) {
	m := getMetrics()
	m.stageTotal.WithLabelValues(stage, statusLabel(success)).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func BackendStreamStarted(provider string) {
	getMetrics().backendInFlight.WithLabelValues(provider).Inc()
}

// BackendStreamFinished records the outcome of one backend stream. result is
// "ok" or an error kind.
func BackendStreamFinished(provider, result string, duration time.Duration) {
	m := getMetrics()
	m.backendInFlight.WithLabelValues(provider).Dec()
	m.backendCallsTotal.WithLabelValues(provider, result).Inc()
	m.backendDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordChunk(encoding string) {
	getMetrics().chunksStreamed.WithLabelValues(encoding).Inc()
}

func RecordClientDisconnect(route string) {
	getMetrics().clientDisconnects.WithLabelValues(route).Inc()
}
