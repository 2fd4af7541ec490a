package restapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeRDI-Project/harvester-go/internal/manager"
	"github.com/GeRDI-Project/harvester-go/internal/pipeline"
	"github.com/GeRDI-Project/harvester-go/pkg/params"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

type fakeExtractor struct {
	items []string
	index int
}

func (f *fakeExtractor) Extract(ctx context.Context) (string, error) {
	if f.index >= len(f.items) {
		return "", pipeline.ErrSourceExhausted
	}
	v := f.items[f.index]
	f.index++
	return v, nil
}

type fakeTransformer struct{}

func (fakeTransformer) Transform(ctx context.Context, raw string) (*types.Document, error) {
	return &types.Document{SourceID: raw}, nil
}

type fakeLoader struct{}

func (fakeLoader) Init(ctx context.Context, cfg pipeline.LoaderInit) error { return nil }
func (fakeLoader) Load(ctx context.Context, stream pipeline.DocumentStream) (int, error) {
	count := 0
	for {
		doc, err := stream.Next(ctx)
		if err != nil {
			break
		}
		if doc != nil {
			count++
		}
	}
	return count, nil
}
func (fakeLoader) Clear(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *manager.Manager) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := manager.New(manager.Config{Name: "test-manager", Logger: logger})
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Close() })

	p := pipeline.New(pipeline.Config{Name: "source-one", Logger: logger}, &fakeExtractor{items: []string{"a", "b"}}, fakeTransformer{}, fakeLoader{})
	m.Register(p)

	registry := params.NewRegistry(logrus.NewEntry(logger))
	s := NewServer(Config{Manager: m, Registry: registry, Logger: logger})
	return s, m
}

func TestHandleStatusJSONReturnsManagerSnapshot(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/.json", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var snap types.ManagerState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "test-manager", snap.OverallInfo.Name)
	assert.Contains(t, snap.ETLInfos, "sourceone")
}

func TestHandleETLMissingNameReturns400(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/etl", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestHandleETLUnknownNameReturns400(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/etl?name=nope", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestHandleETLKnownNameReturns200(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/etl?name=sourceone", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var info types.EntityInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "sourceone", info.Name)
}

func TestHandleOutdatedReturnsBoolean(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/outdated", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "outdated")
}

func TestHandleConfigReturnsRegistrySnapshot(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/config", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var entries []params.SnapshotEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
}

func TestHandleLogWithoutProviderReturns500(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/log?date=2026-07-31", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 500, rec.Code)
}

func TestHandleHarvestStartsAHarvest(t *testing.T) {
	s, m := newTestServer(t)

	req := httptest.NewRequest("POST", "/?force=true", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "harvest started", body["status"])
	assert.NotEqual(t, types.StateDisabled, m.State())
}

func TestHandleAbortWithNoHarvestInFlightReturns200(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/abort", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
}

func TestHandleResetReturns200WhenIdle(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/reset", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
}
