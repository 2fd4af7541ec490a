// Package diskio implements C5: atomic file replace, directory
// preparation, and a streaming JSON object/array writer and reader so
// large document dumps are never materialized as a single in-memory
// slice.
//
// Grounded on the teacher's pkg/persistence.BatchPersistence (temp-file +
// fsync + rename recovery pattern) and internal/sinks/local_file_sink.go
// (streaming JSON document writer with a top-level envelope object).
package diskio

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates dir and all missing parents, matching the "directory
// merge" responsibility: callers may point two pipelines at sibling
// directories under one cache root and this guarantees the whole path
// exists before any write.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("diskio: creating directory %s: %w", dir, err)
	}
	return nil
}

// AtomicReplace writes to a temp file beside path, fsyncs it, and renames
// it over path — readers of path see either the previous content or the
// complete new content, never a partial write. write is called with the
// temp file's *os.File so callers can stream directly into it.
func AtomicReplace(path string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("diskio: creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := write(tmp); err != nil {
		return fmt.Errorf("diskio: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("diskio: fsync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("diskio: closing %s: %w", tmpPath, err)
	}
	tmp = nil // disarm the deferred cleanup now that Close succeeded

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("diskio: renaming %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
