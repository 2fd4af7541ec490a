// Package harvesterrors implements the error taxonomy of §7: typed errors
// that carry enough context (pipeline name, phase, cause chain) for the REST
// seam to classify them into the right status code without string matching.
//
// Grounded on the teacher's pkg/errors.AppError (component/operation/cause
// fields, a Wrap helper, a severity idea) but reshaped into sentinel types
// usable with errors.Is/errors.As, which the taxonomy in §7 calls for more
// directly than one generic struct with a string Code.
package harvesterrors

import (
	"errors"
	"fmt"
)

// Phase identifies which ETL stage produced a run-time failure.
type Phase string

const (
	PhaseExtraction     Phase = "extraction"
	PhaseTransformation  Phase = "transformation"
	PhaseLoading         Phase = "loading"
)

// ConfigError signals a parameter parse failure, invalid name, or missing
// required value. Surfaced as 400 on a runtime set, fatal at startup.
type ConfigError struct {
	Key     string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return e.Message
	}
	return fmt.Sprintf("config error for %q (value %q): %s", e.Key, e.Value, e.Message)
}

// PreconditionError signals a pipeline disabled, no changes detected, or
// another harvest already in flight. Logged at info, reported as 200 with a
// diagnostic entity — the service is healthy, just idle.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }

// PhaseError is a phase-specific run-time failure, carrying the pipeline
// name and an underlying cause.
type PhaseError struct {
	Pipeline string
	Phase    Phase
	Cause    error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: pipeline %q: %v", e.Phase, e.Pipeline, e.Cause)
}

func (e *PhaseError) Unwrap() error { return e.Cause }

// LoaderException wraps adapter-level failures (HTTP non-2xx, I/O errors).
// It carries the full cause chain via Unwrap.
type LoaderException struct {
	Adapter string
	Cause   error
}

func (e *LoaderException) Error() string {
	return fmt.Sprintf("loader %s: %v", e.Adapter, e.Cause)
}

func (e *LoaderException) Unwrap() error { return e.Cause }

// DocumentTooLarge is a loader failure reported as its own type (it does
// not wrap a LoaderException): a single record exceeds
// maxBatchSize and the current batch was empty, so there is no smaller
// batch to flush first.
type DocumentTooLarge struct {
	DocumentID string
	Size       int
	MaxSize    int
}

func (e *DocumentTooLarge) Error() string {
	return fmt.Sprintf("document %s is %d bytes, exceeds max batch size %d", e.DocumentID, e.Size, e.MaxSize)
}

// ErrCancelled is the distinct sentinel for cooperative abort, set on a
// pipeline's state (ABORTED) without changing health.
var ErrCancelled = errors.New("cancelled")

// InternalError signals a programming invariant violation (unknown state,
// dead lookup). Logged with a stack trace by the caller; the manager
// transitions to IDLE and persists state regardless.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string { return "internal error: " + e.Message }

// HealthForPhase names the PipelineHealth the pipeline should record for a
// given Phase; callers avoid importing pkg/types here to keep this package
// leaf-level, and instead switch on Phase themselves. Exposed as a pure
// string table so both pkg/types-aware and -unaware callers can use it.
func HealthForPhase(p Phase) string {
	switch p {
	case PhaseExtraction:
		return "EXTRACTION_FAILED"
	case PhaseTransformation:
		return "TRANSFORMATION_FAILED"
	case PhaseLoading:
		return "LOADING_FAILED"
	default:
		return "HARVEST_FAILED"
	}
}
