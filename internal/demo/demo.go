// Package demo wires a complete example ETL pipeline end to end: an
// Extractor that paginates a remote JSON API, a Transformer that folds
// each record into the canonical Document shape, and a choice of the
// three loader adapters — showing a host how to assemble a Pipeline
// without needing to read internal/pipeline's generics directly.
//
// Grounded on other_examples' storm-data-etl-service main.go (a single
// HTTP-paginated extractor feeding a generic pipeline), adapted to this
// repository's Extractor[Raw]/Transformer[Raw]/Loader contract.
package demo

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/GeRDI-Project/harvester-go/internal/loader"
	"github.com/GeRDI-Project/harvester-go/internal/pipeline"
	"github.com/GeRDI-Project/harvester-go/pkg/harvesterrors"
	"github.com/GeRDI-Project/harvester-go/pkg/params"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

// Record is one raw item a page of the source API returns.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// page is the wire shape a demo API page decodes into: a batch of records
// plus an optional cursor for the next page.
type page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"nextCursor"`
}

// HTTPExtractor pulls Records one at a time from a paginated JSON API,
// fetching and buffering one page at a time so memory use stays bounded
// by page size rather than the whole source. It also implements Updater
// by hashing the first page's next cursor and record count, so Pipeline.PrepareHarvest can
// cheaply detect "nothing changed" without paging through everything.
type HTTPExtractor struct {
	client  *http.Client
	baseURL string
	log     *logrus.Entry

	mu      sync.Mutex
	buf     []Record
	cursor  string
	started bool
	done    bool
}

// NewHTTPExtractor builds an HTTPExtractor against baseURL, which must
// accept a "?cursor=" query parameter and return a page JSON body.
func NewHTTPExtractor(baseURL string, logger *logrus.Logger) *HTTPExtractor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPExtractor{
		client:  &http.Client{},
		baseURL: baseURL,
		log:     logger.WithField("extractor", "demo-http"),
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context) (Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.buf) == 0 {
		if e.done {
			return Record{}, pipeline.ErrSourceExhausted
		}
		if err := e.fetchPageLocked(ctx); err != nil {
			return Record{}, err
		}
	}

	r := e.buf[0]
	e.buf = e.buf[1:]
	return r, nil
}

// fetchPageLocked must be called with e.mu held.
func (e *HTTPExtractor) fetchPageLocked(ctx context.Context) error {
	url := e.baseURL
	if e.cursor != "" {
		url = fmt.Sprintf("%s?cursor=%s", e.baseURL, e.cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &harvesterrors.PhaseError{Phase: harvesterrors.PhaseExtraction, Cause: err}
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return &harvesterrors.PhaseError{Phase: harvesterrors.PhaseExtraction, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &harvesterrors.PhaseError{Phase: harvesterrors.PhaseExtraction, Cause: fmt.Errorf("demo source returned %s", resp.Status)}
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil && err != io.EOF {
		return &harvesterrors.PhaseError{Phase: harvesterrors.PhaseExtraction, Cause: err}
	}

	e.started = true
	e.buf = p.Records
	e.cursor = p.NextCursor
	if e.cursor == "" {
		e.done = true
	}
	return nil
}

// Update reports a version hash derived from the first page's next cursor
// and record count without paging through the whole source, and leaves maxDocumentCount
// unknown since a cursor-paginated API doesn't expose a total up front.
func (e *HTTPExtractor) Update(ctx context.Context) (*string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL, nil)
	if err != nil {
		return nil, types.UnknownMaxDocumentCount, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.UnknownMaxDocumentCount, err
	}
	defer resp.Body.Close()

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil && err != io.EOF {
		return nil, types.UnknownMaxDocumentCount, err
	}

	sum := sha1.Sum([]byte(p.NextCursor + fmt.Sprint(len(p.Records))))
	hash := hex.EncodeToString(sum[:])
	return &hash, types.UnknownMaxDocumentCount, nil
}

var _ pipeline.Updater = (*HTTPExtractor)(nil)

// JSONTransformer folds a Record into the canonical Document shape,
// carrying the record's own fields map through unchanged so a loader
// adapter (or a downstream consumer) can inspect typed metadata without
// reparsing the payload.
type JSONTransformer struct{}

func (JSONTransformer) Transform(ctx context.Context, raw Record) (*types.Document, error) {
	payload, err := json.Marshal(raw.Fields)
	if err != nil {
		return nil, &harvesterrors.PhaseError{Phase: harvesterrors.PhaseTransformation, Cause: err}
	}
	return &types.Document{SourceID: raw.ID, Payload: payload, Fields: raw.Fields}, nil
}

// Kind selects which loader adapter NewPipeline wires up.
type Kind string

const (
	KindDisk   Kind = "disk"
	KindBulk   Kind = "bulk"
	KindStream Kind = "stream"
)

// PipelineOptions configures NewPipeline.
type PipelineOptions struct {
	Name      string
	SourceURL string
	Kind      Kind

	SaveDir string // KindDisk

	DestinationURL string // KindBulk: the Elasticsearch-compatible bulk endpoint
	Username       string // KindBulk
	Password       string // KindBulk

	KafkaBrokers []string // KindStream
	KafkaTopic   string   // KindStream

	Registry *params.Registry
	Logger   *logrus.Logger
}

// NewPipeline assembles a complete demo Pipeline[Record]: HTTPExtractor,
// JSONTransformer, and whichever loader adapter opts.Kind names. This is
// the reference wiring a host's own driver copies for a real source.
func NewPipeline(opts PipelineOptions) *pipeline.Pipeline[Record] {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	var ld pipeline.Loader
	switch opts.Kind {
	case KindStream:
		ld = loader.NewStreamLoader(opts.KafkaBrokers, opts.KafkaTopic, opts.Logger)
	case KindBulk:
		ld = loader.NewHTTPBulkLoader(opts.Logger)
	default:
		ld = loader.NewDiskLoader(opts.Logger)
	}

	cfg := pipeline.Config{
		Name:     opts.Name,
		SaveDir:  opts.SaveDir,
		Logger:   opts.Logger,
		Registry: opts.Registry,
		URL:      opts.DestinationURL,
		Username: opts.Username,
		Password: opts.Password,
	}

	return pipeline.New(cfg, NewHTTPExtractor(opts.SourceURL, opts.Logger), JSONTransformer{}, ld)
}
