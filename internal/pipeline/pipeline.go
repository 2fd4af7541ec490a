package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeRDI-Project/harvester-go/internal/metrics"
	"github.com/GeRDI-Project/harvester-go/pkg/harvesterrors"
	"github.com/GeRDI-Project/harvester-go/pkg/history"
	"github.com/GeRDI-Project/harvester-go/pkg/params"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

// defaultMaxBatchSize is used when Config.MaxBatchSize is unset.
const defaultMaxBatchSize = 500

// Config is the static configuration a Pipeline is built with — the
// pieces that don't change once the pipeline is registered. URL,
// Username, Password and MaxBatchSize are the defaults for the
// urlParam/userNameParam/passwordParam/maxBatchSizeParam the loader
// contract (§4.5) reads; when Registry is set they are registered
// under the category paramCategory(Name), so they appear in the REST
// /config snapshot and take registry overrides (environment overlay or
// override file) like any other parameter, instead of being fixed at
// construction time. REST /config itself is read-only.
type Config struct {
	Name     string
	Charset  string
	SaveDir  string
	Logger   *logrus.Logger

	Registry     *params.Registry
	URL          string
	Username     string
	Password     string
	MaxBatchSize int
}

// Pipeline is one source's ETL state machine (C6): it owns an
// Extractor/Transformer/Loader triple and drives them through
// prepareHarvest, harvest, abortHarvest, and update.
//
// Grounded on the teacher's internal/processing pipeline (extract/parse/
// load phases driven from a single goroutine, guarded by a state field)
// generalized to the named state machine of §3/§4.4 and parameterized
// over the raw record type via generics so each source's Extractor can
// return whatever shape its wire format needs.
type Pipeline[Raw any] struct {
	cfg Config
	log *logrus.Entry

	extractor   Extractor[Raw]
	transformer Transformer[Raw]
	loader      Loader

	mu               sync.RWMutex
	enabled          bool
	state            types.PipelineState
	health           types.PipelineHealth
	harvestedCount   int
	maxDocumentCount int
	lastHash         *string
	pendingHash      *string
	pendingMaxDocs    int
	runningCancel    context.CancelFunc

	stateHistory  *history.Ring[types.PipelineState]
	healthHistory *history.Ring[types.PipelineHealth]

	urlParam          *params.Parameter[string]
	usernameParam     *params.Parameter[string]
	passwordParam     *params.Parameter[string]
	maxBatchSizeParam *params.Parameter[int]
}

// New constructs a Pipeline, records INITIALIZING in its state history
// and leaves it IDLE, enabled by default, ready for PrepareHarvest once
// registered with a manager.
func New[Raw any](cfg Config, extractor Extractor[Raw], transformer Transformer[Raw], loader Loader) *Pipeline[Raw] {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}

	p := &Pipeline[Raw]{
		cfg:              cfg,
		log:              cfg.Logger.WithField("pipeline", cfg.Name),
		extractor:        extractor,
		transformer:      transformer,
		loader:           loader,
		enabled:          true,
		state:            types.StateInitializing,
		health:           types.HealthOK,
		maxDocumentCount: types.UnknownMaxDocumentCount,
		pendingMaxDocs:    types.UnknownMaxDocumentCount,
		stateHistory:     history.New[types.PipelineState](history.DefaultCapacity),
		healthHistory:    history.New[types.PipelineHealth](history.DefaultCapacity),
	}
	p.registerLoaderParams(cfg)
	p.stateHistory.Append(types.StateInitializing)
	p.healthHistory.Append(types.HealthOK)
	p.setStateLocked(types.StateIdle)
	return p
}

// registerLoaderParams constructs the loader contract's urlParam/
// userNameParam/passwordParam/maxBatchSizeParam (§4.5), installing them
// in cfg.Registry under the category derived from the pipeline's name
// when a registry is given, so they show up in the REST /config
// snapshot and accept GERDI_HARVESTER_<NAME>_<KEY> overrides/hot-reload
// the same way any other registered parameter does.
func (p *Pipeline[Raw]) registerLoaderParams(cfg Config) {
	category := paramCategory(cfg.Name)

	urlParam, _ := params.NewURL(category, "url", cfg.URL)
	usernameParam, _ := params.NewString(category, "username", cfg.Username)
	passwordParam, _ := params.NewPassword(category, "password", cfg.Password)
	maxBatchSizeParam, _ := params.NewRangedInt(category, "maxbatchsize", cfg.MaxBatchSize)

	if cfg.Registry != nil {
		urlParam = params.Register(cfg.Registry, urlParam)
		usernameParam = params.Register(cfg.Registry, usernameParam)
		passwordParam = params.Register(cfg.Registry, passwordParam)
		maxBatchSizeParam = params.Register(cfg.Registry, maxBatchSizeParam)
	}

	p.urlParam = urlParam
	p.usernameParam = usernameParam
	p.passwordParam = passwordParam
	p.maxBatchSizeParam = maxBatchSizeParam
}

// paramCategory strips cfg.Name down to params.NameRegexp's alphanumeric
// alphabet, the same sanitization the manager applies to registered
// pipeline names, so a loader parameter's category is always a legal
// composite-key segment regardless of what characters the pipeline's
// own name contains.
func paramCategory(name string) string {
	b := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b = append(b, c)
		}
	}
	if len(b) == 0 {
		return "pipeline"
	}
	return string(b)
}

func (p *Pipeline[Raw]) Name() string { return p.cfg.Name }

func (p *Pipeline[Raw]) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

func (p *Pipeline[Raw]) SetEnabled(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = v
	if !v {
		p.setStateLocked(types.StateDisabled)
	} else if p.state == types.StateDisabled {
		p.setStateLocked(types.StateIdle)
	}
}

func (p *Pipeline[Raw]) State() types.PipelineState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipeline[Raw]) Health() types.PipelineHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

func (p *Pipeline[Raw]) HarvestedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.harvestedCount
}

func (p *Pipeline[Raw]) MaxDocumentCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxDocumentCount
}

func (p *Pipeline[Raw]) GetHash() *string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastHash == nil {
		return nil
	}
	h := *p.lastHash
	return &h
}

// CurrentHash returns the hash reported by the most recent Update call
// (pendingHash), as opposed to GetHash's versionHash from the last
// completed harvest — the manager's outdated-detection needs the freshly
// probed value, not the committed one.
func (p *Pipeline[Raw]) CurrentHash() *string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pendingHash == nil {
		return nil
	}
	h := *p.pendingHash
	return &h
}

func (p *Pipeline[Raw]) StateHistorySnapshot() []TimestampedState {
	entries := p.stateHistory.Snapshot()
	out := make([]TimestampedState, len(entries))
	for i, e := range entries {
		out[i] = TimestampedState{TimestampMillis: e.Timestamp, Value: e.Value}
	}
	return out
}

func (p *Pipeline[Raw]) HealthHistorySnapshot() []TimestampedHealth {
	entries := p.healthHistory.Snapshot()
	out := make([]TimestampedHealth, len(entries))
	for i, e := range entries {
		out[i] = TimestampedHealth{TimestampMillis: e.Timestamp, Value: e.Value}
	}
	return out
}

// Update asks the extractor for its current versionHash/maxDocumentCount
// without performing a full extraction, when the extractor implements
// Updater. Extractors that don't implement it are treated as always
// changed: PrepareHarvest will never short-circuit them.
func (p *Pipeline[Raw]) Update(ctx context.Context) error {
	updater, ok := p.extractor.(Updater)
	if !ok {
		p.mu.Lock()
		p.pendingHash = nil
		p.pendingMaxDocs = types.UnknownMaxDocumentCount
		p.mu.Unlock()
		return nil
	}

	hash, maxDocs, err := updater.Update(ctx)
	if err != nil {
		return &harvesterrors.PhaseError{Pipeline: p.cfg.Name, Phase: PhaseInitialization, Cause: err}
	}

	p.mu.Lock()
	p.pendingHash = hash
	p.pendingMaxDocs = maxDocs
	p.mu.Unlock()
	return nil
}

// PhaseInitialization is a local alias so Update's PhaseError carries a
// phase name distinct from extraction/transformation/loading — this
// stage runs before harvest begins and maps to HealthInitializationFailed.
const PhaseInitialization harvesterrors.Phase = "initialization"

// PrepareHarvest decides whether this pipeline should run: it is a
// precondition failure if disabled, already running, or unchanged since
// the last successful harvest (its health is OK and the hash Update just
// reported equals the hash committed by its last completed harvest).
// On success it transitions the pipeline to QUEUED.
func (p *Pipeline[Raw]) PrepareHarvest(ctx context.Context) error {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return &harvesterrors.PreconditionError{Reason: fmt.Sprintf("pipeline %q is disabled", p.cfg.Name)}
	}
	switch p.state {
	case types.StateHarvesting, types.StateQueued, types.StateAborting:
		p.mu.Unlock()
		return &harvesterrors.PreconditionError{Reason: fmt.Sprintf("pipeline %q is already harvesting", p.cfg.Name)}
	}
	p.mu.Unlock()

	if err := p.Update(ctx); err != nil {
		p.mu.Lock()
		p.setHealthLocked(types.HealthInitializationFailed)
		p.setStateLocked(types.StateFailed)
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	unchanged := p.health == types.HealthOK &&
		p.lastHash != nil && p.pendingHash != nil && *p.lastHash == *p.pendingHash
	if unchanged {
		p.setStateLocked(types.StateIdle)
		return &harvesterrors.PreconditionError{Reason: fmt.Sprintf("pipeline %q has not changed since the last harvest", p.cfg.Name)}
	}

	p.maxDocumentCount = p.pendingMaxDocs
	p.setStateLocked(types.StateQueued)
	return nil
}

// Harvest drives the extractor through the transformer and into the
// loader, one raw record at a time, until the source is exhausted,
// the loader fails, or AbortHarvest is called. It must only be called
// after a successful PrepareHarvest.
func (p *Pipeline[Raw]) Harvest(ctx context.Context) error {
	p.mu.Lock()
	if p.state != types.StateQueued {
		p.mu.Unlock()
		return &harvesterrors.PreconditionError{Reason: fmt.Sprintf("pipeline %q: harvest called outside QUEUED state", p.cfg.Name)}
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.runningCancel = cancel
	p.harvestedCount = 0
	p.setStateLocked(types.StateHarvesting)
	p.mu.Unlock()

	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.runningCancel = nil
		p.mu.Unlock()
	}()

	stream := &pullStream{pipeline: p, extractor: p.extractor, transformer: p.transformer}

	cfg := LoaderInit{
		PipelineName: p.cfg.Name,
		URL:          p.urlParam.Get(),
		Username:     p.usernameParam.Get(),
		Password:     p.passwordParam.Get(),
		MaxBatchSize: p.maxBatchSizeParam.Get(),
		Charset:      p.cfg.Charset,
		SaveDir:      p.cfg.SaveDir,
	}
	if err := p.loader.Init(runCtx, cfg); err != nil {
		if clearErr := p.loader.Clear(context.Background()); clearErr != nil {
			p.log.WithError(clearErr).Warn("loader cleanup failed after init failure")
		}
		metrics.RecordHarvest(p.cfg.Name, "failed", time.Since(start), 0)
		return p.finishFailed(&harvesterrors.LoaderException{Adapter: p.cfg.Name, Cause: err})
	}

	loadedCount, loadErr := p.loader.Load(runCtx, stream)
	if clearErr := p.loader.Clear(context.Background()); clearErr != nil {
		p.log.WithError(clearErr).Warn("loader cleanup failed after harvest")
	}

	if p.wasAborted(loadErr) {
		metrics.RecordHarvest(p.cfg.Name, "aborted", time.Since(start), p.HarvestedCount())
		return p.finishAborted()
	}
	if loadErr != nil {
		metrics.RecordHarvest(p.cfg.Name, "failed", time.Since(start), p.HarvestedCount())
		return p.finishFailed(loadErr)
	}
	if p.HarvestedCount() == 0 {
		metrics.RecordHarvest(p.cfg.Name, "failed", time.Since(start), 0)
		return p.finishFailed(&harvesterrors.PhaseError{
			Pipeline: p.cfg.Name, Phase: harvesterrors.PhaseExtraction,
			Cause: errors.New("extractor produced no records"),
		})
	}
	if loadedCount == 0 {
		metrics.RecordHarvest(p.cfg.Name, "failed", time.Since(start), p.HarvestedCount())
		return p.finishFailed(&harvesterrors.PhaseError{
			Pipeline: p.cfg.Name, Phase: harvesterrors.PhaseLoading,
			Cause: errors.New("no documents were loaded"),
		})
	}

	p.log.WithFields(logrus.Fields{"documents": loadedCount, "duration": time.Since(start)}).Info("harvest completed")
	metrics.RecordHarvest(p.cfg.Name, "done", time.Since(start), loadedCount)
	return p.finishDone()
}

func (p *Pipeline[Raw]) wasAborted(loadErr error) bool {
	p.mu.RLock()
	abortingState := p.state == types.StateAborting
	p.mu.RUnlock()
	return abortingState || errors.Is(loadErr, context.Canceled) || errors.Is(loadErr, harvesterrors.ErrCancelled)
}

// AbortHarvest cooperatively cancels an in-flight harvest. It is a no-op
// if no harvest is running.
func (p *Pipeline[Raw]) AbortHarvest() {
	p.mu.Lock()
	cancel := p.runningCancel
	if p.state == types.StateHarvesting {
		p.setStateLocked(types.StateAborting)
	}
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pipeline[Raw]) incrementHarvestedDocuments() {
	p.mu.Lock()
	p.harvestedCount++
	p.mu.Unlock()
}

func (p *Pipeline[Raw]) finishDone() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHash = p.pendingHash
	p.setHealthLocked(types.HealthOK)
	p.setStateLocked(types.StateDone)
	return nil
}

func (p *Pipeline[Raw]) finishAborted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setStateLocked(types.StateAborted)
	return harvesterrors.ErrCancelled
}

func (p *Pipeline[Raw]) finishFailed(err error) error {
	health := classifyHealth(err)
	p.mu.Lock()
	p.setHealthLocked(health)
	p.setStateLocked(types.StateFailed)
	p.mu.Unlock()
	p.log.WithError(err).WithField("health", health).Error("harvest failed")
	return err
}

func classifyHealth(err error) types.PipelineHealth {
	var phaseErr *harvesterrors.PhaseError
	var tooLarge *harvesterrors.DocumentTooLarge
	var loaderExc *harvesterrors.LoaderException

	switch {
	case errors.As(err, &tooLarge):
		return types.HealthLoadingFailed
	case errors.As(err, &loaderExc):
		return types.HealthLoadingFailed
	case errors.As(err, &phaseErr):
		switch phaseErr.Phase {
		case harvesterrors.PhaseExtraction:
			return types.HealthExtractionFailed
		case harvesterrors.PhaseTransformation:
			return types.HealthTransformationFailed
		case harvesterrors.PhaseLoading:
			return types.HealthLoadingFailed
		case PhaseInitialization:
			return types.HealthInitializationFailed
		}
	}
	return types.HealthHarvestFailed
}

// setStateLocked and setHealthLocked must be called with p.mu held.
func (p *Pipeline[Raw]) setStateLocked(s types.PipelineState) {
	if p.state == s {
		return
	}
	p.state = s
	p.stateHistory.Append(s)
}

func (p *Pipeline[Raw]) setHealthLocked(h types.PipelineHealth) {
	metrics.SetPipelineHealthy(p.cfg.Name, h == types.HealthOK)
	if p.health == h {
		return
	}
	p.health = h
	p.healthHistory.Append(h)
}
