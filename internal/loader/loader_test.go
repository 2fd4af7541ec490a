package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeRDI-Project/harvester-go/internal/pipeline"
	"github.com/GeRDI-Project/harvester-go/pkg/diskio"
	"github.com/GeRDI-Project/harvester-go/pkg/harvesterrors"
	"github.com/GeRDI-Project/harvester-go/pkg/types"
)

type sliceStream struct {
	docs []*types.Document
	i    int
}

func (s *sliceStream) Next(ctx context.Context) (*types.Document, error) {
	if s.i >= len(s.docs) {
		return nil, pipeline.ErrSourceExhausted
	}
	d := s.docs[s.i]
	s.i++
	return d, nil
}

func TestBatcherFlushesWhenOverCapacity(t *testing.T) {
	var flushSizes []int
	b := newBatcher(40, func(batch []*types.Document) (int, error) {
		flushSizes = append(flushSizes, len(batch))
		return 0, nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.append(&types.Document{SourceID: "doc"}))
	}
	require.NoError(t, b.drain())

	assert.True(t, len(flushSizes) > 1, "expected more than one flush given the small batch size")
	total := 0
	for _, n := range flushSizes {
		total += n
	}
	assert.Equal(t, 5, total)
}

func TestBatcherRejectsOversizedDocument(t *testing.T) {
	b := newBatcher(10, func(batch []*types.Document) (int, error) { return 0, nil })

	err := b.append(&types.Document{SourceID: "way-too-big-for-the-limit"})
	require.Error(t, err)
	var tooLarge *harvesterrors.DocumentTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestDiskLoaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewDiskLoader(nil)
	require.NoError(t, l.Init(context.Background(), pipeline.LoaderInit{
		PipelineName: "example", SaveDir: dir, MaxBatchSize: 4096, Charset: "UTF-8",
	}))

	stream := &sliceStream{docs: []*types.Document{
		{SourceID: "a"}, {SourceID: "b"}, {SourceID: "c"},
	}}

	loaded, err := l.Load(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded)
	require.NoError(t, l.Clear(context.Background()))

	matches, err := filepath.Glob(filepath.Join(dir, "example-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	reader, header, err := diskio.NewDocumentStreamReader(f)
	require.NoError(t, err)
	assert.Contains(t, string(header["pipelineName"]), "example")

	count := 0
	for {
		var doc types.Document
		if err := reader.Next(&doc); err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
}

func TestDiskLoaderInitFailsWithoutSaveDir(t *testing.T) {
	l := NewDiskLoader(nil)
	err := l.Init(context.Background(), pipeline.LoaderInit{PipelineName: "x"})
	require.Error(t, err)
	var cfgErr *harvesterrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadPropagatesStreamErrors(t *testing.T) {
	l := NewDiskLoader(nil)
	require.NoError(t, l.Init(context.Background(), pipeline.LoaderInit{PipelineName: "x", SaveDir: t.TempDir()}))

	_, err := l.Load(context.Background(), failingStream{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
}

type failingStream struct{}

var errBoom = errors.New("boom")

func (failingStream) Next(ctx context.Context) (*types.Document, error) { return nil, errBoom }
