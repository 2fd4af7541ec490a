package diskio

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicReplaceLeavesNoTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	err := AtomicReplace(path, func(f *os.File) error {
		_, err := f.WriteString(`{"ok":true}`)
		return err
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicReplacePreservesOldContentOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"old":true}`), 0o644))

	err := AtomicReplace(path, func(f *os.File) error {
		return assertErr
	})
	assert.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"old":true}`, string(data))
}

var assertErr = os.ErrInvalid

func TestSaveAndLoadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, SaveJSON(path, payload{Name: "pipeline-a"}))

	var got payload
	found, err := LoadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pipeline-a", got.Name)
}

func TestLoadJSONMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	var got map[string]any
	found, err := LoadJSON(filepath.Join(dir, "absent.json"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDocumentStreamWriterAndReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewDocumentStreamWriter(&buf, []HeaderField{
		{Key: "harvestDate", RawValue: "1234"},
		{Key: "sourceHash", RawValue: `"abc"`},
	})
	require.NoError(t, err)

	require.NoError(t, w.WriteDocument(map[string]string{"id": "1"}))
	require.NoError(t, w.WriteDocument(map[string]string{"id": "2"}))
	require.NoError(t, w.Close())

	var probe map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &probe))
	assert.Contains(t, probe, "documents")

	reader, header, err := NewDocumentStreamReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.JSONEq(t, "1234", string(header["harvestDate"]))

	var docs []map[string]string
	for {
		var d map[string]string
		if err := reader.Next(&d); err != nil {
			break
		}
		docs = append(docs, d)
	}
	require.Len(t, docs, 2)
	assert.Equal(t, "1", docs[0]["id"])
	assert.Equal(t, "2", docs[1]["id"])
}

func TestDocumentStreamWriterEmptyDocumentsArray(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewDocumentStreamWriter(&buf, []HeaderField{{Key: "harvestDate", RawValue: "1"}})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.False(t, w.WroteAny())

	var probe map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &probe))
	assert.Equal(t, "[]", string(probe["documents"]))
}
