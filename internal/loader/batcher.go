// Package loader implements the batching loader contract (C7): a base
// that accumulates documents into size-bounded batches and flushes them
// to a concrete sink, plus three adapters: disk and HTTP bulk, which use
// that base and only implement "flush one batch", and an additive Kafka
// stream adapter, which produces one message per document without the
// batching base.
//
// Grounded on the teacher's internal/sinks (ElasticsearchSink.addToBatch/
// flushBatch for the size-bounded-batch-then-flush shape, LocalFileSink
// for the disk adapter, kafka_sink.go for the additive stream adapter),
// restructured from their async queue-plus-ticker design into the
// synchronous pull-based Load(ctx, stream) the pipeline state machine
// drives, since a harvest run is a bounded one-shot operation rather
// than an always-on sink.
package loader

import (
	"encoding/json"
	"sync"

	"github.com/GeRDI-Project/harvester-go/pkg/harvesterrors"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

// flushFunc sends one batch to the concrete sink. It returns how many of
// the batch's documents were rejected (so loadedCount can reflect partial
// success) and a non-nil error only for a failure that should abort the
// whole harvest.
type flushFunc func(batch []*types.Document) (rejected int, err error)

// batcher accumulates documents up to maxBatchSizeBytes (measured as the
// sum of each document's marshaled JSON size) and flushes whenever the
// next document would exceed that bound.
type batcher struct {
	mu                sync.Mutex
	batch             []*types.Document
	batchBytes        int
	maxBatchSizeBytes int
	flush             flushFunc
	loaded            int
}

func newBatcher(maxBatchSizeBytes int, flush flushFunc) *batcher {
	if maxBatchSizeBytes <= 0 {
		maxBatchSizeBytes = defaultMaxBatchSizeBytes
	}
	return &batcher{maxBatchSizeBytes: maxBatchSizeBytes, flush: flush}
}

const defaultMaxBatchSizeBytes = 5 * 1024 * 1024

// append adds doc to the current batch, flushing first if doc would not
// fit. A doc that alone exceeds maxBatchSizeBytes, with the batch already
// empty, is reported as DocumentTooLarge rather than ever being sent.
func (b *batcher) append(doc *types.Document) error {
	size, err := documentSize(doc)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if size > b.maxBatchSizeBytes && len(b.batch) == 0 {
		return &harvesterrors.DocumentTooLarge{DocumentID: doc.SourceID, Size: size, MaxSize: b.maxBatchSizeBytes}
	}

	if len(b.batch) > 0 && b.batchBytes+size > b.maxBatchSizeBytes {
		if err := b.flushLocked(); err != nil {
			return err
		}
	}

	b.batch = append(b.batch, doc)
	b.batchBytes += size
	return nil
}

// drain flushes whatever remains in the batch, regardless of size. Safe
// to call more than once; a second call is a no-op.
func (b *batcher) drain() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *batcher) flushLocked() error {
	if len(b.batch) == 0 {
		return nil
	}
	rejected, err := b.flush(b.batch)
	b.loaded += len(b.batch) - rejected
	b.batch = nil
	b.batchBytes = 0
	return err
}

func (b *batcher) loadedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

func documentSize(doc *types.Document) (int, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, &harvesterrors.InternalError{Message: "document could not be marshaled: " + err.Error()}
	}
	return len(data), nil
}
