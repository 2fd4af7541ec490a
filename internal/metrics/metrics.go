// Package metrics exposes the harvester's Prometheus instrumentation
// (C11): counters and histograms around each pipeline's ETL phases, the
// manager's harvest lifecycle, the loader adapters, and the REST surface.
//
// Grounded on the teacher's internal/metrics.go (package-level
// promauto.New*Vec collectors plus a dedicated metrics HTTP server); the
// log-capture-specific collectors (dispatcher queue depth, Kafka sink,
// DLQ, position tracking, file/container monitors) have no analogue here
// and are replaced by one set of collectors per SPEC_FULL.md §4.8.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// HarvestDuration records how long each pipeline's harvest takes,
	// labeled by pipeline and outcome (done/failed/aborted).
	HarvestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_harvest_duration_seconds",
			Help:    "Time spent harvesting one pipeline, end to end",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "outcome"},
	)

	// DocumentsHarvestedTotal counts documents a pipeline's loader
	// reported as loaded, in runs that ended done (as opposed to records
	// the extractor produced).
	DocumentsHarvestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_documents_harvested_total",
			Help: "Total documents successfully loaded by a pipeline",
		},
		[]string{"pipeline"},
	)

	// BatchFlushesTotal counts batch flushes per loader adapter, labeled
	// by reason: "flush" for a batch flush, "message" for each document
	// the stream adapter produces.
	BatchFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_batch_flushes_total",
			Help: "Total batches flushed by a loader adapter",
		},
		[]string{"pipeline", "adapter", "reason"},
	)

	// LoaderErrorsTotal counts loader-level failures (non-2xx bulk
	// response, I/O error, broker unreachable), labeled by adapter.
	LoaderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_loader_errors_total",
			Help: "Total loader adapter failures",
		},
		[]string{"pipeline", "adapter"},
	)

	// PipelineHealth is 1 when a pipeline's health is OK, 0 otherwise,
	// labeled by pipeline so a dashboard can alert on any row dropping.
	PipelineHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_pipeline_health",
			Help: "1 if the pipeline's health is OK, 0 otherwise",
		},
		[]string{"pipeline"},
	)

	// PipelineState tracks the manager's aggregate lifecycle state as a
	// set of 0/1 gauges, one per known state value, so Grafana can chart
	// state transitions without parsing a label's string value.
	PipelineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_pipeline_state",
			Help: "1 for the manager's current state, 0 for every other known state",
		},
		[]string{"state"},
	)

	// RESTRequestDuration records REST handler latency, labeled by route,
	// method and status text, mirroring the teacher's response-time
	// middleware.
	RESTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_rest_request_duration_seconds",
			Help:    "REST request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)

	// DiskUsagePercent reports the save directory's filesystem
	// utilization as sampled via gopsutil, used both for dashboards and
	// by DiskLoader to refuse batches when critically full.
	DiskUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_disk_usage_percent",
		Help: "Utilization percentage of the harvester's save directory filesystem",
	})

	// MemoryUsedBytes reports resident process memory as sampled via
	// gopsutil.
	MemoryUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_memory_used_bytes",
		Help: "Resident memory used by the harvester process",
	})
)

// RecordHarvest observes HarvestDuration and, when the outcome is "done",
// increments DocumentsHarvestedTotal.
func RecordHarvest(pipeline, outcome string, duration time.Duration, documents int) {
	HarvestDuration.WithLabelValues(pipeline, outcome).Observe(duration.Seconds())
	if outcome == "done" {
		DocumentsHarvestedTotal.WithLabelValues(pipeline).Add(float64(documents))
	}
}

// RecordBatchFlush increments BatchFlushesTotal for one loader flush.
func RecordBatchFlush(pipeline, adapter, reason string) {
	BatchFlushesTotal.WithLabelValues(pipeline, adapter, reason).Inc()
}

// RecordLoaderError increments LoaderErrorsTotal for one adapter failure.
func RecordLoaderError(pipeline, adapter string) {
	LoaderErrorsTotal.WithLabelValues(pipeline, adapter).Inc()
}

// SetPipelineHealthy sets the PipelineHealth gauge for one pipeline.
func SetPipelineHealthy(pipeline string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	PipelineHealth.WithLabelValues(pipeline).Set(v)
}

// knownStates lists every manager-level state PipelineState tracks, so
// SetManagerState can zero out every other state on each transition.
var knownStates = []string{
	"INITIALIZING", "IDLE", "QUEUED", "HARVESTING", "ABORTING",
	"DONE", "FAILED", "ABORTED", "DISABLED",
}

// SetManagerState sets the gauge for the current state to 1 and every
// other known state to 0.
func SetManagerState(current string) {
	for _, s := range knownStates {
		v := 0.0
		if s == current {
			v = 1.0
		}
		PipelineState.WithLabelValues(s).Set(v)
	}
}

// RecordRESTRequest observes one REST request's latency.
func RecordRESTRequest(route, method string, status int, duration time.Duration) {
	RESTRequestDuration.WithLabelValues(route, method, http.StatusText(status)).Observe(duration.Seconds())
}

// Middleware wraps an http.Handler with RESTRequestDuration timing,
// matching the teacher's metricsMiddleware shape: a wrapping
// ResponseWriter captures the status code written so the histogram can be
// labeled by it.
func Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			RecordRESTRequest(route, r.Method, sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Server is a dedicated HTTP server exposing /metrics for Prometheus
// scraping, separate from the harvester's own REST surface so the two
// can be bound to different addresses and access policies.
type Server struct {
	server *http.Server
	logger *logrus.Entry
}

// NewServer constructs a metrics Server bound to addr.
func NewServer(addr string, logger *logrus.Entry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start launches the metrics server in the background.
func (s *Server) Start() {
	s.logger.WithField("addr", s.server.Addr).Info("starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
}

// Stop closes the metrics server immediately, without waiting for
// in-flight scrapes to finish.
func (s *Server) Stop() error {
	return s.server.Close()
}
