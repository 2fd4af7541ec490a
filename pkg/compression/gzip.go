// Package compression provides adaptive gzip compression for HTTP bulk
// request bodies above a size threshold, mirroring the teacher's
// pkg/compression.HTTPCompressionManager (gzip/zstd/snappy/lz4 registry
// with a size-based selection policy) trimmed to the one codec this
// domain's single HTTP sink actually needs — see DESIGN.md for why the
// rest of the teacher's multi-codec manager was not ported.
package compression

import (
	"bytes"

	"github.com/klauspost/compress/gzip"
)

// DefaultThresholdBytes is the body size above which CompressIfWorthwhile
// applies gzip. Below it, compression overhead is not worth the CPU.
const DefaultThresholdBytes = 4096

// CompressIfWorthwhile gzips body when it is at least thresholdBytes long.
// It returns the (possibly compressed) bytes and whether compression was
// applied, so callers can set Content-Encoding accordingly.
func CompressIfWorthwhile(body []byte, thresholdBytes int) (out []byte, compressed bool, err error) {
	if len(body) < thresholdBytes {
		return body, false, nil
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, false, err
	}
	if _, err := gw.Write(body); err != nil {
		gw.Close()
		return nil, false, err
	}
	if err := gw.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}
