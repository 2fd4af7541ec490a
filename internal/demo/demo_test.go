package demo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeRDI-Project/harvester-go/internal/pipeline"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

func newTestSource(t *testing.T, pages [][]Record) *httptest.Server {
	t.Helper()
	served := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		idx := 0
		if cursor != "" {
			idx = served
		}
		if idx >= len(pages) {
			json.NewEncoder(w).Encode(page{})
			return
		}
		next := ""
		served = idx + 1
		if served < len(pages) {
			next = "next"
		}
		json.NewEncoder(w).Encode(page{Records: pages[idx], NextCursor: next})
	}))
}

func TestHTTPExtractorPaginatesUntilExhausted(t *testing.T) {
	srv := newTestSource(t, [][]Record{
		{{ID: "a", Fields: map[string]any{"n": 1}}, {ID: "b", Fields: map[string]any{"n": 2}}},
		{{ID: "c", Fields: map[string]any{"n": 3}}},
	})
	defer srv.Close()

	extractor := NewHTTPExtractor(srv.URL, nil)

	var ids []string
	for {
		r, err := extractor.Extract(context.Background())
		if err == pipeline.ErrSourceExhausted {
			break
		}
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestHTTPExtractorUpdateReportsAHash(t *testing.T) {
	srv := newTestSource(t, [][]Record{{{ID: "a"}}})
	defer srv.Close()

	extractor := NewHTTPExtractor(srv.URL, nil)
	hash, maxDocs, err := extractor.Update(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, hash)
	assert.Equal(t, types.UnknownMaxDocumentCount, maxDocs)
}

func TestJSONTransformerProducesCanonicalDocument(t *testing.T) {
	doc, err := JSONTransformer{}.Transform(context.Background(), Record{ID: "a", Fields: map[string]any{"title": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "a", doc.SourceID)
	assert.Equal(t, "x", doc.Fields["title"])
}

func TestNewPipelineDiskKindBuildsAWorkingPipeline(t *testing.T) {
	srv := newTestSource(t, [][]Record{{{ID: "a"}}})
	defer srv.Close()

	dir := t.TempDir()
	p := NewPipeline(PipelineOptions{Name: "demo-disk", SourceURL: srv.URL, Kind: KindDisk, SaveDir: dir})

	require.NoError(t, p.PrepareHarvest(context.Background()))
	require.NoError(t, p.Harvest(context.Background()))
	assert.Equal(t, types.StateDone, p.State())
}

func TestNewPipelineStreamKindIsConstructedWithoutConnecting(t *testing.T) {
	p := NewPipeline(PipelineOptions{
		Name:         "demo-stream",
		SourceURL:    "http://unused.example",
		Kind:         KindStream,
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "harvested-documents",
	})
	assert.Equal(t, "demo-stream", p.Name())
}
