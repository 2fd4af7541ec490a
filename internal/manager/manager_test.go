package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/GeRDI-Project/harvester-go/internal/pipeline"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type updatingExtractor struct {
	mu      sync.Mutex
	items   []string
	index   int
	hash    string
	maxDocs int
	delay   time.Duration
}

func (f *updatingExtractor) Extract(ctx context.Context) (string, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index >= len(f.items) {
		return "", pipeline.ErrSourceExhausted
	}
	v := f.items[f.index]
	f.index++
	return v, nil
}

func (f *updatingExtractor) Update(ctx context.Context) (*string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash
	return &h, f.maxDocs, nil
}

type passthroughTransformer struct{}

func (passthroughTransformer) Transform(ctx context.Context, raw string) (*types.Document, error) {
	return &types.Document{SourceID: raw}, nil
}

type countingLoader struct {
	mu     sync.Mutex
	loaded int
}

func (l *countingLoader) Init(ctx context.Context, cfg pipeline.LoaderInit) error { return nil }

func (l *countingLoader) Load(ctx context.Context, stream pipeline.DocumentStream) (int, error) {
	count := 0
	for {
		doc, err := stream.Next(ctx)
		if errors.Is(err, pipeline.ErrSourceExhausted) {
			break
		}
		if err != nil {
			return count, err
		}
		if doc != nil {
			count++
		}
	}
	l.mu.Lock()
	l.loaded = count
	l.mu.Unlock()
	return count, nil
}

func (l *countingLoader) Clear(ctx context.Context) error { return nil }

func newTestHandle(name string, items []string, hash string) (pipeline.Handle, *countingLoader) {
	loader := &countingLoader{}
	p := pipeline.New(pipeline.Config{Name: name},
		&updatingExtractor{items: items, hash: hash, maxDocs: len(items)},
		passthroughTransformer{}, loader)
	return p, loader
}

func newTestManager(t *testing.T, concurrent bool) *Manager {
	m := New(Config{
		Name:              "test-manager",
		ConcurrentHarvest: concurrent,
		PoolSize:          2,
		Logger:            logrus.New(),
	})
	require.NoError(t, m.Start())
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func waitForIdle(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == types.StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegisterDedupesNames(t *testing.T) {
	m := newTestManager(t, false)
	h1, _ := newTestHandle("source", []string{"a"}, "h1")
	h2, _ := newTestHandle("source", []string{"b"}, "h2")

	n1 := m.Register(h1)
	n2 := m.Register(h2)

	assert.Equal(t, "source", n1)
	assert.Equal(t, "source2", n2)
	assert.Equal(t, []string{"source", "source2"}, m.Names())
}

func TestRegisterSanitizesInvalidCharacters(t *testing.T) {
	m := newTestManager(t, false)
	h, _ := newTestHandle("my source/v1!", []string{"a"}, "h1")

	name := m.Register(h)
	assert.Equal(t, "mysourcev1", name)
}

func TestSequentialHarvestRunsToCompletion(t *testing.T) {
	m := newTestManager(t, false)
	h1, l1 := newTestHandle("a", []string{"a1", "a2"}, "hash-a")
	h2, l2 := newTestHandle("b", []string{"b1"}, "hash-b")
	m.Register(h1)
	m.Register(h2)

	require.NoError(t, m.Harvest(context.Background(), true))
	waitForIdle(t, m)

	assert.Equal(t, types.StateDone, h1.State())
	assert.Equal(t, types.StateDone, h2.State())
	assert.Equal(t, 2, l1.loaded)
	assert.Equal(t, 1, l2.loaded)
	assert.Equal(t, types.HealthOK, m.Health())
	assert.Equal(t, 3, m.HarvestedCount())
}

func TestParallelHarvestRunsAllPipelines(t *testing.T) {
	m := newTestManager(t, true)
	h1, _ := newTestHandle("a", []string{"a1"}, "hash-a")
	h2, _ := newTestHandle("b", []string{"b1"}, "hash-b")
	h3, _ := newTestHandle("c", []string{"c1"}, "hash-c")
	m.Register(h1)
	m.Register(h2)
	m.Register(h3)

	require.NoError(t, m.Harvest(context.Background(), true))
	waitForIdle(t, m)

	assert.Equal(t, types.StateDone, h1.State())
	assert.Equal(t, types.StateDone, h2.State())
	assert.Equal(t, types.StateDone, h3.State())
}

func TestHarvestRejectsWhileAlreadyRunning(t *testing.T) {
	m := newTestManager(t, false)
	h, _ := newTestHandle("slow", []string{"a1", "a2", "a3"}, "hash-slow")
	m.Register(h)

	require.NoError(t, m.Harvest(context.Background(), true))
	err := m.Harvest(context.Background(), true)
	require.Error(t, err)

	waitForIdle(t, m)
}

func TestAbortHarvestStopsInFlightRun(t *testing.T) {
	m := newTestManager(t, false)
	loader := &countingLoader{}
	p := pipeline.New(pipeline.Config{Name: "abortable"},
		&updatingExtractor{items: []string{"a", "b", "c", "d", "e"}, hash: "h1", maxDocs: 5, delay: 50 * time.Millisecond},
		passthroughTransformer{}, loader)
	m.Register(p)

	require.NoError(t, m.Harvest(context.Background(), true))
	require.Eventually(t, func() bool {
		return m.State() == types.StateHarvesting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.AbortHarvest())
	waitForIdle(t, m)

	assert.Equal(t, types.StateAborted, p.State())
}

func TestHasOutdatedETLsReflectsHashChurn(t *testing.T) {
	m := newTestManager(t, false)
	ext := &updatingExtractor{items: []string{"a"}, hash: "v1", maxDocs: 1}
	p := pipeline.New(pipeline.Config{Name: "watched"}, ext, passthroughTransformer{}, &countingLoader{})
	m.Register(p)

	assert.True(t, m.HasOutdatedETLs(context.Background()), "never harvested, should be outdated")

	require.NoError(t, m.Harvest(context.Background(), true))
	waitForIdle(t, m)

	ext.mu.Lock()
	ext.index = 0
	ext.mu.Unlock()
	assert.False(t, m.HasOutdatedETLs(context.Background()), "hash unchanged since last harvest")

	ext.mu.Lock()
	ext.hash = "v2"
	ext.index = 0
	ext.mu.Unlock()
	assert.True(t, m.HasOutdatedETLs(context.Background()), "hash moved since last harvest")
}

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{Name: "persisted", CacheDir: dir, Logger: logrus.New()})
	require.NoError(t, m.Start())
	defer func() { require.NoError(t, m.Close()) }()

	h, _ := newTestHandle("a", []string{"a1"}, "hash-a")
	m.Register(h)

	require.NoError(t, m.Harvest(context.Background(), true))
	waitForIdle(t, m)

	reloaded := New(Config{Name: "persisted", CacheDir: dir, Logger: logrus.New()})
	require.NoError(t, reloaded.Start())
	defer func() { require.NoError(t, reloaded.Close()) }()

	require.NoError(t, reloaded.LoadFromDisk())
	hash, ok := m.CombinedHash()
	require.True(t, ok)
	assert.NotEmpty(t, hash)
	loaded := reloaded.Snapshot().OverallInfo.VersionHash
	require.NotNil(t, loaded)
	assert.Equal(t, hash, *loaded)
}
