// Package types holds the data shapes shared across the harvester core:
// pipeline state/health enumerations, the document envelope, and the
// persisted manager state tree.
package types

import "encoding/json"

// PipelineState is the per-pipeline lifecycle state.
type PipelineState string

const (
	StateInitializing PipelineState = "INITIALIZING"
	StateIdle         PipelineState = "IDLE"
	StateQueued       PipelineState = "QUEUED"
	StateHarvesting   PipelineState = "HARVESTING"
	StateAborting     PipelineState = "ABORTING"
	StateDone         PipelineState = "DONE"
	StateFailed       PipelineState = "FAILED"
	StateAborted      PipelineState = "ABORTED"
	StateDisabled     PipelineState = "DISABLED"
)

// PipelineHealth is the per-pipeline health enumeration. Priority for
// combination (highest wins): InitializationFailed > HarvestFailed >
// any single phase failure > OK. Two distinct phase failures collapse
// to HarvestFailed.
type PipelineHealth string

const (
	HealthOK                   PipelineHealth = "OK"
	HealthInitializationFailed PipelineHealth = "INITIALIZATION_FAILED"
	HealthExtractionFailed     PipelineHealth = "EXTRACTION_FAILED"
	HealthTransformationFailed PipelineHealth = "TRANSFORMATION_FAILED"
	HealthLoadingFailed        PipelineHealth = "LOADING_FAILED"
	HealthHarvestFailed        PipelineHealth = "HARVEST_FAILED"
)

var healthRank = map[PipelineHealth]int{
	HealthOK:                   0,
	HealthExtractionFailed:     1,
	HealthTransformationFailed: 1,
	HealthLoadingFailed:        1,
	HealthHarvestFailed:        2,
	HealthInitializationFailed: 3,
}

// CombineHealth folds two health readings per the priority rule in §3.
// Two distinct single-phase failures collapse to HealthHarvestFailed
// rather than one silently winning.
func CombineHealth(a, b PipelineHealth) PipelineHealth {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if a == b {
		return a
	}
	ra, rb := healthRank[a], healthRank[b]
	if ra == 1 && rb == 1 {
		return HealthHarvestFailed
	}
	if ra >= rb {
		return a
	}
	return b
}

// Document is the opaque record flowing from Transformer to Loader. The
// wire schema of Payload is deliberately out of scope for the core; Fields
// is an extension point for per-source transformers to stash typed
// metadata a loader adapter may want (e.g. a repair-pass field name) without
// the core parsing the payload.
type Document struct {
	SourceID string          `json:"sourceId"`
	Payload  json.RawMessage `json:"payload"`
	Fields   map[string]any  `json:"fields,omitempty"`
}

// TimestampedEntryJSON is the wire shape of one history entry for
// persistence and REST rendering.
type TimestampedEntryJSON struct {
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value"`
}

// EntityInfo is the persisted/rendered shape shared by the manager's
// overall info and each per-pipeline entry (see the state.json shape).
type EntityInfo struct {
	Name             string                 `json:"name"`
	StateHistory     []TimestampedEntryJSON `json:"stateHistory"`
	HealthHistory    []TimestampedEntryJSON `json:"healthHistory"`
	HarvestedCount   int                    `json:"harvestedCount"`
	MaxDocumentCount int                    `json:"maxDocumentCount"`
	VersionHash      *string                `json:"versionHash"`
}

// ManagerState is the full persisted tree written atomically to
// cache/<module>/state.json.
type ManagerState struct {
	OverallInfo EntityInfo            `json:"overallInfo"`
	ETLInfos    map[string]EntityInfo `json:"etlInfos"`
}

// UnknownMaxDocumentCount is the sentinel for "source has not reported a
// maximum document count yet".
const UnknownMaxDocumentCount = -1
