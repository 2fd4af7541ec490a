// Package restapi implements the REST adapter seam (C9): it translates
// pipeline/manager operations and JSON views to an external HTTP surface,
// holding direct handles to the manager and the parameter registry rather
// than dispatching through an event bus.
//
// Grounded on the teacher's internal/app (gorilla/mux router,
// registerHandlers, metricsMiddleware) and internal/app/handlers.go's
// JSON response shape, narrowed to the routes spec.md §4.7 names and
// wired directly against internal/manager.Manager and pkg/params.Registry
// instead of the teacher's dispatcher/security/SLO middleware stack,
// which has no analogue for a per-source harvester's operator surface.
package restapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/GeRDI-Project/harvester-go/internal/manager"
	"github.com/GeRDI-Project/harvester-go/internal/metrics"
	"github.com/GeRDI-Project/harvester-go/internal/pipeline"
	"github.com/GeRDI-Project/harvester-go/pkg/harvesterrors"
	"github.com/GeRDI-Project/harvester-go/pkg/params"
	"github.com/GeRDI-Project/harvester-go/pkg/tracing"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

// LogProvider answers GET /log?date&class&level with the matching log
// lines. The concrete log file/backend is deliberately out of scope for
// the core (spec.md §1's non-goals); a host wires one in when it has a
// log store to serve from. A nil LogProvider makes /log respond 500.
type LogProvider func(date, class, level string) ([]byte, error)

// Server is the REST adapter seam: a gorilla/mux router bound to one
// manager and one parameter registry.
type Server struct {
	manager  *manager.Manager
	registry *params.Registry
	log      *logrus.Entry
	tracer   oteltrace.Tracer
	logs     LogProvider
	diskPath string

	router *mux.Router
	server *http.Server
}

// Config configures a Server.
type Config struct {
	Addr     string
	Manager  *manager.Manager
	Registry *params.Registry
	Logger   *logrus.Logger
	Tracer   oteltrace.Tracer
	Logs     LogProvider // optional
	DiskPath string       // filesystem path sampled for the status views' disk snapshot; defaults to "."
}

// NewServer builds a Server and registers every route named in §4.7,
// each wrapped in tracing then metrics middleware (outermost to
// innermost, matching the teacher's registerHandlers layering).
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "."
	}
	s := &Server{
		manager:  cfg.Manager,
		registry: cfg.Registry,
		log:      cfg.Logger.WithField("component", "restapi"),
		tracer:   cfg.Tracer,
		logs:     cfg.Logs,
		diskPath: cfg.DiskPath,
		router:   mux.NewRouter(),
	}

	s.route("/", "GET", s.handleStatus)
	s.route("/.json", "GET", s.handleStatusJSON)
	s.route("/etl", "GET", s.handleETL)
	s.route("/outdated", "GET", s.handleOutdated)
	s.route("/config", "GET", s.handleConfig)
	s.route("/log", "GET", s.handleLog)
	s.route("/", "POST", s.handleHarvest)
	s.route("/abort", "POST", s.handleAbort)
	s.route("/reset", "POST", s.handleReset)

	s.server = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s
}

// route wraps handler in metrics then tracing middleware and registers it
// for method on path.
func (s *Server) route(path, method string, handler http.HandlerFunc) {
	wrapped := metrics.Middleware(path)(handler)
	if s.tracer != nil {
		wrapped = tracing.HTTPMiddleware(s.tracer, "rest "+method+" "+path)(wrapped)
	}
	s.router.Handle(path, wrapped).Methods(method)
}

// Start launches the REST surface in the background.
func (s *Server) Start() {
	s.log.WithField("addr", s.server.Addr).Info("starting REST server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("REST server stopped unexpectedly")
		}
	}()
}

// Stop closes the REST surface immediately, without waiting for
// in-flight requests to finish.
func (s *Server) Stop() error {
	return s.server.Close()
}

// resourceSnapshot is the disk/memory view SPEC_FULL.md §4.8 requires
// alongside the manager's own state in both status views, sampled via
// gopsutil rather than threaded through the manager itself.
type resourceSnapshot struct {
	DiskPath          string  `json:"diskPath"`
	DiskUsedPercent   float64 `json:"diskUsedPercent"`
	MemoryUsedBytes   uint64  `json:"memoryUsedBytes"`
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
}

func (s *Server) sampleResources() resourceSnapshot {
	snap := resourceSnapshot{DiskPath: s.diskPath}
	if usage, err := disk.Usage(s.diskPath); err == nil {
		snap.DiskUsedPercent = usage.UsedPercent
	} else {
		s.log.WithError(err).Debug("could not sample disk usage for status view")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedBytes = vm.Used
		snap.MemoryUsedPercent = vm.UsedPercent
		metrics.MemoryUsedBytes.Set(float64(vm.Used))
	} else {
		s.log.WithError(err).Debug("could not sample memory usage for status view")
	}
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Snapshot()
	remaining := s.manager.EstimateRemainingHarvestTime()
	resources := s.sampleResources()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "manager:    %s\n", snap.OverallInfo.Name)
	fmt.Fprintf(w, "state:      %s\n", s.manager.State())
	fmt.Fprintf(w, "health:     %s\n", s.manager.Health())
	fmt.Fprintf(w, "harvested:  %d\n", snap.OverallInfo.HarvestedCount)
	fmt.Fprintf(w, "maxDocs:    %d\n", snap.OverallInfo.MaxDocumentCount)
	if remaining >= 0 {
		fmt.Fprintf(w, "remaining:  %s\n", remaining)
	}
	fmt.Fprintf(w, "disk:       %.1f%% used (%s)\n", resources.DiskUsedPercent, resources.DiskPath)
	fmt.Fprintf(w, "memory:     %.1f%% used (%d bytes)\n", resources.MemoryUsedPercent, resources.MemoryUsedBytes)
	fmt.Fprintf(w, "pipelines:  %d\n", len(snap.ETLInfos))
	for _, name := range s.manager.Names() {
		h, ok := s.manager.Get(name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  - %-20s state=%-12s health=%-20s harvested=%d\n", name, h.State(), h.Health(), h.HarvestedCount())
	}
}

// statusView is the JSON shape for GET /.json: the manager's own
// aggregate snapshot plus the resource snapshot.
type statusView struct {
	types.ManagerState
	Resources resourceSnapshot `json:"resources"`
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusView{ManagerState: s.manager.Snapshot(), Resources: s.sampleResources()})
}

func (s *Server) handleETL(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeErrorStatus(w, http.StatusBadRequest, "missing required query parameter \"name\"")
		return
	}
	h, ok := s.manager.Get(name)
	if !ok {
		writeErrorStatus(w, http.StatusBadRequest, fmt.Sprintf("no pipeline registered under %q", name))
		return
	}

	info := types.EntityInfo{
		Name:             name,
		StateHistory:     stateHistoryJSON(h.StateHistorySnapshot()),
		HealthHistory:    healthHistoryJSON(h.HealthHistorySnapshot()),
		HarvestedCount:   h.HarvestedCount(),
		MaxDocumentCount: h.MaxDocumentCount(),
		VersionHash:      h.GetHash(),
	}
	writeJSON(w, http.StatusOK, info)
}

func stateHistoryJSON(entries []pipeline.TimestampedState) []types.TimestampedEntryJSON {
	out := make([]types.TimestampedEntryJSON, len(entries))
	for i, e := range entries {
		out[i] = types.TimestampedEntryJSON{Timestamp: e.TimestampMillis, Value: string(e.Value)}
	}
	return out
}

func healthHistoryJSON(entries []pipeline.TimestampedHealth) []types.TimestampedEntryJSON {
	out := make([]types.TimestampedEntryJSON, len(entries))
	for i, e := range entries {
		out[i] = types.TimestampedEntryJSON{Timestamp: e.TimestampMillis, Value: string(e.Value)}
	}
	return out
}

func (s *Server) handleOutdated(w http.ResponseWriter, r *http.Request) {
	outdated := s.manager.HasOutdatedETLs(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"outdated": outdated})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, []params.SnapshotEntry{})
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeErrorStatus(w, http.StatusInternalServerError, "log retrieval is not configured for this deployment")
		return
	}
	date := r.URL.Query().Get("date")
	class := r.URL.Query().Get("class")
	level := r.URL.Query().Get("level")
	if date == "" {
		writeErrorStatus(w, http.StatusBadRequest, "missing required query parameter \"date\"")
		return
	}

	body, err := s.logs(date, class, level)
	if err != nil {
		writeErrorStatus(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	err := s.manager.Harvest(r.Context(), force)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "harvest started"})
		return
	}
	s.writeManagerError(w, err)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	err := s.manager.AbortHarvest()
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "abort requested"})
		return
	}
	var precondition *harvesterrors.PreconditionError
	if isPrecondition(err, &precondition) {
		writeJSON(w, http.StatusOK, map[string]string{"status": precondition.Reason})
		return
	}
	s.writeManagerError(w, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	err := s.manager.Reset()
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
		return
	}
	s.writeManagerError(w, err)
}

// writeManagerError classifies a Harvest/Reset error per §4.7's status
// mapping: a PreconditionError raised while the manager is busy
// (HARVESTING/QUEUED/ABORTING) is "busy" — 503 with Retry-After when an
// estimate is available; any other PreconditionError (e.g. "no changes
// detected") is a diagnostic, not a failure — 200. Anything else is an
// irrecoverable internal condition — 500.
func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	var precondition *harvesterrors.PreconditionError
	if isPrecondition(err, &precondition) {
		state := s.manager.State()
		if state == types.StateHarvesting || state == types.StateQueued || state == types.StateAborting {
			if remaining := s.manager.EstimateRemainingHarvestTime(); remaining > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(remaining/time.Second)+1))
			}
			writeErrorStatus(w, http.StatusServiceUnavailable, precondition.Reason)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": precondition.Reason})
		return
	}
	writeErrorStatus(w, http.StatusInternalServerError, err.Error())
}

func isPrecondition(err error, target **harvesterrors.PreconditionError) bool {
	p, ok := err.(*harvesterrors.PreconditionError)
	if ok {
		*target = p
	}
	return ok
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
