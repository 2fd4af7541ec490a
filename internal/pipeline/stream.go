package pipeline

import (
	"context"

	"github.com/GeRDI-Project/harvester-go/pkg/harvesterrors"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

// pullStream adapts an Extractor[Raw]+Transformer[Raw] pair into the
// DocumentStream a Loader consumes, checking for cooperative
// cancellation at the dequeue-and-transform suspension point between
// every record.
type pullStream[Raw any] struct {
	pipeline    *Pipeline[Raw]
	extractor   Extractor[Raw]
	transformer Transformer[Raw]
}

func (s *pullStream[Raw]) Next(ctx context.Context) (*types.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := s.extractor.Extract(ctx)
	if err != nil {
		if err == ErrSourceExhausted {
			return nil, err
		}
		return nil, &harvesterrors.PhaseError{
			Pipeline: s.pipeline.cfg.Name,
			Phase:    harvesterrors.PhaseExtraction,
			Cause:    err,
		}
	}
	s.pipeline.incrementHarvestedDocuments()

	doc, err := s.transformer.Transform(ctx, raw)
	if err != nil {
		return nil, &harvesterrors.PhaseError{
			Pipeline: s.pipeline.cfg.Name,
			Phase:    harvesterrors.PhaseTransformation,
			Cause:    err,
		}
	}
	return doc, nil
}
