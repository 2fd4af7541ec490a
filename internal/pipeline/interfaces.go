// Package pipeline implements the per-source ETL pipeline (C6): a state
// machine that owns an Extractor/Transformer/Loader triple and exposes
// prepareHarvest, harvest, abortHarvest, update, and getHash.
//
// Grounded on other_examples' storm-data-etl-service pipeline.go for the
// small-interfaces-plus-composition shape design note §9 calls for
// (Extractor/Transformer/Loader as single-method interfaces, no shared
// base type), generalized from a single Kafka-shaped Extractor to a
// generic Raw type so any per-source extractor can plug in.
package pipeline

import (
	"context"
	"io"

	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

// ErrSourceExhausted signals the extractor has no more raw records. It is
// io.EOF so callers can use errors.Is against the standard sentinel.
var ErrSourceExhausted = io.EOF

// Extractor pulls one raw record at a time from a third-party source. It
// returns ErrSourceExhausted once the source is drained.
type Extractor[Raw any] interface {
	Extract(ctx context.Context) (Raw, error)
}

// Transformer converts one raw record into a canonical Document. A nil
// Document with a nil error means "the source record existed but
// produced nothing" — the record is counted as harvested but nothing is
// handed to the loader.
type Transformer[Raw any] interface {
	Transform(ctx context.Context, raw Raw) (*types.Document, error)
}

// Updater is implemented by extractors that can report their current
// versionHash and maxDocumentCount without performing a full extraction —
// used by Pipeline.Update to answer "is this source outdated?" cheaply.
type Updater interface {
	Update(ctx context.Context) (versionHash *string, maxDocumentCount int, err error)
}

// DocumentStream is the lazy sequence of documents a Loader consumes. Next
// returns io.EOF once exhausted; a nil Document with a nil error means
// "skip this position, keep pulling" (the transformer produced nothing
// for that raw record).
type DocumentStream interface {
	Next(ctx context.Context) (*types.Document, error)
}

// LoaderInit carries the values the batching loader contract (§4.5)
// reads at init: urlParam, userNameParam, passwordParam,
// maxBatchSizeParam, and the owning pipeline's charset/name.
type LoaderInit struct {
	PipelineName string
	URL          string
	Username     string
	Password     string
	MaxBatchSize int
	Charset      string
	SaveDir      string
}

// Loader is the batching loader contract shared by every concrete
// adapter (disk, HTTP bulk, stream).
type Loader interface {
	// Init validates preconditions (e.g. non-empty URL) and clears any
	// in-flight batch left over from a previous run.
	Init(ctx context.Context, cfg LoaderInit) error

	// Load pulls from stream until exhausted or cancelled, forming
	// size-bounded batches and flushing them. It returns how many
	// documents were actually handed to the sink (as opposed to how many
	// the stream produced), which Pipeline uses to detect the
	// "no documents loaded" edge case.
	Load(ctx context.Context, stream DocumentStream) (loadedCount int, err error)

	// Clear flushes any residual batch and releases handles. It is
	// always called exactly once per harvest, even on failure or abort,
	// and must never panic for control-flow reasons — only a genuine
	// flush failure is returned.
	Clear(ctx context.Context) error
}

// Handle is the non-generic facade the ETL Manager holds: it type-erases
// Pipeline[Raw] so pipelines with different Raw types can share one
// registry, the same way RegisteredParameter type-erases Parameter[T].
type Handle interface {
	Name() string
	Enabled() bool
	SetEnabled(bool)

	State() types.PipelineState
	Health() types.PipelineHealth

	PrepareHarvest(ctx context.Context) error
	Harvest(ctx context.Context) error
	AbortHarvest()
	Update(ctx context.Context) error
	GetHash() *string
	CurrentHash() *string

	HarvestedCount() int
	MaxDocumentCount() int

	StateHistorySnapshot() []TimestampedState
	HealthHistorySnapshot() []TimestampedHealth
}

// TimestampedState and TimestampedHealth are history.Entry specialized
// for the two enum types Pipeline tracks, named concretely so
// internal/manager and internal/restapi don't need to import the
// generic history.Entry[V] type directly.
type TimestampedState struct {
	TimestampMillis int64
	Value           types.PipelineState
}

type TimestampedHealth struct {
	TimestampMillis int64
	Value           types.PipelineHealth
}
