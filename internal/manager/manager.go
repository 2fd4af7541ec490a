// Package manager implements the ETL Manager (C8): aggregate state over a
// set of registered pipelines, combined hash/health/progress views, a
// persistent cache of last combined hash and history, and sequential or
// parallel harvest orchestration.
//
// Grounded on the teacher's internal/app.App (sequential component
// initialization, a context/cancel pair bounding the run, a WaitGroup
// joining background work) generalized from a fixed set of named
// components to a dynamically-registered, type-erased set of
// pipeline.Handle instances, and on internal/dispatcher for the
// orchestrator-task-over-a-worker-pool shape used here for the
// concurrent-harvest fan-out.
package manager

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/GeRDI-Project/harvester-go/internal/metrics"
	"github.com/GeRDI-Project/harvester-go/internal/pipeline"
	"github.com/GeRDI-Project/harvester-go/pkg/diskio"
	"github.com/GeRDI-Project/harvester-go/pkg/harvesterrors"
	"github.com/GeRDI-Project/harvester-go/pkg/hashutil"
	"github.com/GeRDI-Project/harvester-go/pkg/history"
	"github.com/GeRDI-Project/harvester-go/pkg/task"
	"github.com/GeRDI-Project/harvester-go/pkg/tracing"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
	"github.com/GeRDI-Project/harvester-go/pkg/workerpool"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Config configures a Manager.
type Config struct {
	Name              string
	CacheDir          string // holds state.json; empty disables persistence
	ConcurrentHarvest bool
	PoolSize          int // max concurrent pipeline harvests under ConcurrentHarvest
	Logger            *logrus.Logger
	Tracer            oteltrace.Tracer
}

// Manager is the aggregate ETL orchestrator (C8).
type Manager struct {
	name     string
	cacheDir string
	log      *logrus.Entry
	tracer   oteltrace.Tracer

	mu                sync.Mutex
	order             []string
	byName            map[string]pipeline.Handle
	state             types.PipelineState
	stateHistory      *history.Ring[types.PipelineState]
	lastCombinedHash  string
	harvestStart      time.Time
	concurrentHarvest bool
	runTask           *task.Task[struct{}]
	listeners         []Listener

	wg   sync.WaitGroup
	pool *workerpool.WorkerPool
}

// New constructs an idle Manager with no registered pipelines.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("gerdi-harvester-manager")
	}

	m := &Manager{
		name:              cfg.Name,
		cacheDir:          cfg.CacheDir,
		log:               cfg.Logger.WithField("component", "manager"),
		tracer:            tracer,
		byName:            make(map[string]pipeline.Handle),
		state:             types.StateIdle,
		stateHistory:      history.New[types.PipelineState](history.DefaultCapacity),
		concurrentHarvest: cfg.ConcurrentHarvest,
		pool:              workerpool.New(workerpool.Config{MaxWorkers: cfg.PoolSize}, cfg.Logger),
	}
	m.stateHistory.Append(types.StateIdle)
	return m
}

// Start launches the parallel-fan-out worker pool. Safe to call even when
// ConcurrentHarvest is false; the pool then simply sits idle.
func (m *Manager) Start() error {
	return m.pool.Start()
}

// Close stops the worker pool and waits for any in-flight orchestrator
// goroutine to return.
func (m *Manager) Close() error {
	err := m.pool.Stop()
	m.wg.Wait()
	return err
}

// Register installs h under a sanitized, deduplicated name and returns the
// name it was actually stored under (Property 1): invalid characters are
// stripped, and a name collision is resolved by appending an increasing
// integer suffix. The manager's registry key may differ from h.Name() —
// it is the identity used for REST views, persisted state, and combined-
// hash ordering; h.Name() remains whatever the pipeline itself was built
// with (e.g. for loader output file names).
func (m *Manager) Register(h pipeline.Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := invalidNameChars.ReplaceAllString(h.Name(), "")
	if base == "" {
		base = "pipeline"
	}

	name := base
	for i := 2; ; i++ {
		if _, taken := m.byName[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s%d", base, i)
	}

	m.byName[name] = h
	m.order = append(m.order, name)
	m.log.WithFields(logrus.Fields{"name": name, "handleName": h.Name()}).Info("pipeline registered")
	return name
}

// Get returns the handle registered under name, if any.
func (m *Manager) Get(name string) (pipeline.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byName[name]
	return h, ok
}

// Names returns the registered pipeline names in registration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// State returns the manager's own aggregate lifecycle state.
func (m *Manager) State() types.PipelineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Health folds every enabled pipeline's health per types.CombineHealth.
func (m *Manager) Health() types.PipelineHealth {
	var combined types.PipelineHealth
	for _, h := range m.snapshotHandles() {
		if !h.Enabled() {
			continue
		}
		combined = types.CombineHealth(combined, h.Health())
	}
	if combined == "" {
		return types.HealthOK
	}
	return combined
}

// HarvestedCount sums HarvestedCount across enabled pipelines.
func (m *Manager) HarvestedCount() int {
	total := 0
	for _, h := range m.snapshotHandles() {
		if h.Enabled() {
			total += h.HarvestedCount()
		}
	}
	return total
}

// MaxDocumentCount sums MaxDocumentCount across enabled pipelines, or
// returns types.UnknownMaxDocumentCount if any enabled pipeline's count is
// unknown.
func (m *Manager) MaxDocumentCount() int {
	total := 0
	for _, h := range m.snapshotHandles() {
		if !h.Enabled() {
			continue
		}
		n := h.MaxDocumentCount()
		if n == types.UnknownMaxDocumentCount {
			return types.UnknownMaxDocumentCount
		}
		total += n
	}
	return total
}

// EstimateRemainingHarvestTime implements §4.6's remaining-time estimate.
// It is only defined while HARVESTING, with a known max document count and
// at least one document already harvested; otherwise it returns -1.
func (m *Manager) EstimateRemainingHarvestTime() time.Duration {
	m.mu.Lock()
	state, start := m.state, m.harvestStart
	m.mu.Unlock()

	if state != types.StateHarvesting {
		return -1
	}
	maxDocs := m.MaxDocumentCount()
	done := m.HarvestedCount()
	if maxDocs == types.UnknownMaxDocumentCount || done == 0 {
		return -1
	}
	avg := time.Since(start) / time.Duration(done)
	remaining := maxDocs - done
	if remaining < 0 {
		remaining = 0
	}
	return avg * time.Duration(remaining)
}

// CombinedHash concatenates every enabled pipeline's committed hash in
// registration order and hashes the result; it is the empty string (with
// ok=false) if any enabled pipeline's hash is not yet known.
func (m *Manager) CombinedHash() (hash string, ok bool) {
	handles := m.snapshotHandles()
	hashes := make([]*string, 0, len(handles))
	for _, h := range handles {
		if h.Enabled() {
			hashes = append(hashes, h.GetHash())
		}
	}
	return hashutil.CombineOptional(hashes)
}

func (m *Manager) snapshotHandles() []pipeline.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipeline.Handle, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.byName[name])
	}
	return out
}

// HasOutdatedETLs refreshes every enabled pipeline's hash via Update (the
// manager must be IDLE for this to mean anything; called while busy it
// simply reports false) and reports whether the last run under-harvested
// or the combined hash has moved since lastCombinedHash.
func (m *Manager) HasOutdatedETLs(ctx context.Context) bool {
	if m.State() != types.StateIdle {
		return false
	}

	outdated := false
	handles := m.snapshotHandles()
	hashes := make([]*string, 0, len(handles))
	for _, h := range handles {
		if !h.Enabled() {
			continue
		}
		if err := h.Update(ctx); err != nil {
			m.log.WithError(err).WithField("pipeline", h.Name()).Warn("update failed while checking for outdated sources")
		}
		if max := h.MaxDocumentCount(); max != types.UnknownMaxDocumentCount && h.HarvestedCount() < max {
			outdated = true
		}
		hashes = append(hashes, h.CurrentHash())
	}

	combined, known := hashutil.CombineOptional(hashes)
	m.mu.Lock()
	last := m.lastCombinedHash
	m.mu.Unlock()
	if known && combined != last {
		outdated = true
	}
	return outdated
}

// Harvest launches an async orchestrator: it synchronously rejects a busy
// manager or (unless force) an up-to-date one, moves the manager to QUEUED
// and returns as soon as the background run is started — preparing each
// enabled pipeline and the harvest itself happen on that background
// goroutine, observable via State/Health and the two lifecycle events.
func (m *Manager) Harvest(parent context.Context, force bool) error {
	m.mu.Lock()
	if m.state != types.StateIdle {
		m.mu.Unlock()
		return &harvesterrors.PreconditionError{Reason: fmt.Sprintf("manager %q: a harvest is already in flight", m.name)}
	}
	m.mu.Unlock()

	if !force && !m.HasOutdatedETLs(parent) {
		return &harvesterrors.PreconditionError{Reason: fmt.Sprintf("manager %q: no changes detected since the last harvest", m.name)}
	}

	m.mu.Lock()
	m.setStateLocked(types.StateQueued)
	m.mu.Unlock()

	// The orchestrator run is a Cancellable Task (C4): AbortHarvest cancels
	// it cooperatively via t.Cancel() rather than the manager holding a
	// raw context.CancelFunc, and a panicking pipeline can no longer take
	// the whole goroutine down silently.
	t := task.Run(context.Background(), func(ctx context.Context) (struct{}, error) {
		m.runHarvest(ctx)
		return struct{}{}, nil
	})
	m.mu.Lock()
	m.runTask = t
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = t.Wait()
	}()
	return nil
}

// AbortHarvest requests cooperative cancellation of an in-flight harvest.
// Legal in QUEUED or HARVESTING; each pipeline observes it at its own
// suspension points.
func (m *Manager) AbortHarvest() error {
	m.mu.Lock()
	if m.state != types.StateHarvesting && m.state != types.StateQueued {
		m.mu.Unlock()
		return &harvesterrors.PreconditionError{Reason: fmt.Sprintf("manager %q: no harvest in flight to abort", m.name)}
	}
	m.setStateLocked(types.StateAborting)
	t := m.runTask
	m.mu.Unlock()

	if t != nil {
		t.Cancel()
	}
	for _, h := range m.snapshotHandles() {
		h.AbortHarvest()
	}
	return nil
}

// Reset re-initializes the manager's own aggregate state (the REST `POST
// /reset` operation): the manager's state history ring and
// lastCombinedHash are cleared and the state returns to IDLE (the manager
// keeps no health history of its own). Registered pipelines and their
// own per-pipeline history are untouched — a reset clears the manager's
// memory of past runs, it does not unregister anything. It is a
// precondition failure while a harvest is in flight.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == types.StateHarvesting || m.state == types.StateQueued || m.state == types.StateAborting {
		return &harvesterrors.PreconditionError{Reason: fmt.Sprintf("manager %q: cannot reset while a harvest is in flight", m.name)}
	}
	m.stateHistory = history.New[types.PipelineState](history.DefaultCapacity)
	m.lastCombinedHash = ""
	m.state = ""
	m.setStateLocked(types.StateIdle)
	return nil
}

func (m *Manager) runHarvest(ctx context.Context) {
	instrument := tracing.NewInstrumentedFunction(m.tracer, "manager.harvest")
	_ = instrument.Execute(ctx, func(tc *tracing.TraceableContext) error {
		m.runHarvestTraced(tc.Context())
		return nil
	})
}

func (m *Manager) runHarvestTraced(ctx context.Context) {
	var prepared []pipeline.Handle
	for _, h := range m.snapshotHandles() {
		if !h.Enabled() {
			continue
		}
		if err := h.PrepareHarvest(ctx); err != nil {
			m.log.WithError(err).WithField("pipeline", h.Name()).Info("pipeline not prepared for this harvest")
			continue
		}
		prepared = append(prepared, h)
	}

	if len(prepared) == 0 || m.abortRequested() {
		m.mu.Lock()
		m.setStateLocked(types.StateIdle)
		m.runTask = nil
		m.mu.Unlock()
		return
	}

	hashes := make([]*string, 0, len(prepared))
	maxDocs := 0
	for _, h := range prepared {
		hashes = append(hashes, h.CurrentHash())
		n := h.MaxDocumentCount()
		if n == types.UnknownMaxDocumentCount {
			maxDocs = types.UnknownMaxDocumentCount
		} else if maxDocs != types.UnknownMaxDocumentCount {
			maxDocs += n
		}
	}
	combinedHash, _ := hashutil.CombineOptional(hashes)

	m.mu.Lock()
	m.setStateLocked(types.StateHarvesting)
	m.harvestStart = time.Now()
	m.mu.Unlock()
	m.emitStarted(HarvestStartedEvent{CombinedHash: combinedHash, MaxDocumentCount: maxDocs})

	if m.concurrentHarvest {
		m.runParallel(ctx, prepared)
	} else {
		m.runSequential(ctx, prepared)
	}

	anyFailed := false
	for _, h := range prepared {
		if h.State() == types.StateFailed {
			anyFailed = true
		}
	}

	m.mu.Lock()
	switch {
	case m.abortRequestedLocked():
		m.setStateLocked(types.StateAborted)
	case anyFailed:
		m.setStateLocked(types.StateFailed)
	default:
		m.setStateLocked(types.StateDone)
		m.lastCombinedHash = combinedHash
	}
	success := !anyFailed && !m.abortRequestedLocked()
	m.runTask = nil
	m.mu.Unlock()

	if err := m.SaveToDisk(); err != nil {
		m.log.WithError(err).Error("failed to persist manager state after harvest")
	}
	m.emitFinished(HarvestFinishedEvent{Success: success, CombinedHash: combinedHash})

	m.mu.Lock()
	m.setStateLocked(types.StateIdle)
	m.mu.Unlock()
}

func (m *Manager) runSequential(ctx context.Context, handles []pipeline.Handle) {
	for _, h := range handles {
		if m.abortRequested() {
			break
		}
		if err := h.Harvest(ctx); err != nil {
			m.log.WithError(err).WithField("pipeline", h.Name()).Warn("pipeline harvest ended with an error")
		}
	}
}

// runParallel fans out one Harvest call per pipeline, bounded by the
// worker pool's fixed concurrency so a manager with many registered
// pipelines does not spawn one goroutine per pipeline unconditionally.
// The pool only bounds dispatch; cancellation still flows through the
// harvest's own ctx rather than the pool's per-task timeout, since a
// harvest run has no fixed duration.
func (m *Manager) runParallel(ctx context.Context, handles []pipeline.Handle) {
	var wg sync.WaitGroup
	for _, h := range handles {
		h := h
		wg.Add(1)
		task := workerpool.Task{
			ID: h.Name(),
			Execute: func(_ context.Context) error {
				defer wg.Done()
				return h.Harvest(ctx)
			},
		}
		if err := m.pool.Submit(task); err != nil {
			wg.Done()
			m.log.WithError(err).WithField("pipeline", h.Name()).Error("failed to submit pipeline harvest to worker pool")
		}
	}
	wg.Wait()
}

func (m *Manager) abortRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortRequestedLocked()
}

func (m *Manager) abortRequestedLocked() bool {
	return m.state == types.StateAborting
}

func (m *Manager) setStateLocked(s types.PipelineState) {
	metrics.SetManagerState(string(s))
	if m.state == s {
		return
	}
	m.state = s
	m.stateHistory.Append(s)
}

// StateHistorySnapshot returns the manager's own state transition history.
func (m *Manager) StateHistorySnapshot() []history.Entry[types.PipelineState] {
	return m.stateHistory.Snapshot()
}

// statePath returns the path state.json is persisted to, or "" if
// persistence is disabled.
func (m *Manager) statePath() string {
	if m.cacheDir == "" {
		return ""
	}
	return m.cacheDir + "/state.json"
}

// SaveToDisk persists the full ManagerState tree via an atomic write. A
// disabled cache directory makes this a no-op.
func (m *Manager) SaveToDisk() error {
	path := m.statePath()
	if path == "" {
		return nil
	}
	return diskio.SaveJSON(path, m.snapshotState())
}

// LoadFromDisk restores lastCombinedHash and the manager's own state
// history from a previously persisted state.json. A missing file is not
// an error. Per-pipeline history is not restored here: each pipeline owns
// its own history ring and is expected to be reconstructed with its last
// known hash by the host before registration, if it wants warm recovery.
func (m *Manager) LoadFromDisk() error {
	path := m.statePath()
	if path == "" {
		return nil
	}
	var state types.ManagerState
	found, err := diskio.LoadJSON(path, &state)
	if err != nil || !found {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if state.OverallInfo.VersionHash != nil {
		m.lastCombinedHash = *state.OverallInfo.VersionHash
	}
	entries := make([]history.Entry[types.PipelineState], len(state.OverallInfo.StateHistory))
	for i, e := range state.OverallInfo.StateHistory {
		entries[i] = history.Entry[types.PipelineState]{Timestamp: e.Timestamp, Value: types.PipelineState(e.Value)}
	}
	m.stateHistory.MergeSorted(entries)
	return nil
}

// Snapshot renders the full ManagerState tree the REST `/` and `/.json`
// views report, including every registered pipeline's history, counts,
// and committed hash.
func (m *Manager) Snapshot() types.ManagerState {
	return m.snapshotState()
}

func (m *Manager) snapshotState() types.ManagerState {
	m.mu.Lock()
	name := m.name
	lastHash := m.lastCombinedHash
	stateEntries := m.stateHistory.Snapshot()
	m.mu.Unlock()

	overall := types.EntityInfo{
		Name:             name,
		StateHistory:     toEntryJSON(stateEntries),
		HarvestedCount:   m.HarvestedCount(),
		MaxDocumentCount: m.MaxDocumentCount(),
	}
	if lastHash != "" {
		h := lastHash
		overall.VersionHash = &h
	}

	handlesByName := m.snapshotHandlesByName()
	infos := make(map[string]types.EntityInfo, len(handlesByName))
	for name, h := range handlesByName {
		infos[name] = types.EntityInfo{
			Name:             name,
			StateHistory:     toEntryJSON(toAnyEntries(h.StateHistorySnapshot())),
			HealthHistory:    toHealthEntryJSON(h.HealthHistorySnapshot()),
			HarvestedCount:   h.HarvestedCount(),
			MaxDocumentCount: h.MaxDocumentCount(),
			VersionHash:      h.GetHash(),
		}
	}

	return types.ManagerState{OverallInfo: overall, ETLInfos: infos}
}

func (m *Manager) snapshotHandlesByName() map[string]pipeline.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]pipeline.Handle, len(m.byName))
	for k, v := range m.byName {
		out[k] = v
	}
	return out
}

func toAnyEntries(in []pipeline.TimestampedState) []history.Entry[types.PipelineState] {
	out := make([]history.Entry[types.PipelineState], len(in))
	for i, e := range in {
		out[i] = history.Entry[types.PipelineState]{Timestamp: e.TimestampMillis, Value: e.Value}
	}
	return out
}

func toEntryJSON(in []history.Entry[types.PipelineState]) []types.TimestampedEntryJSON {
	out := make([]types.TimestampedEntryJSON, len(in))
	for i, e := range in {
		out[i] = types.TimestampedEntryJSON{Timestamp: e.Timestamp, Value: string(e.Value)}
	}
	return out
}

func toHealthEntryJSON(in []pipeline.TimestampedHealth) []types.TimestampedEntryJSON {
	out := make([]types.TimestampedEntryJSON, len(in))
	for i, e := range in {
		out[i] = types.TimestampedEntryJSON{Timestamp: e.TimestampMillis, Value: string(e.Value)}
	}
	return out
}
