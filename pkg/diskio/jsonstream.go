package diskio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// DocumentStreamWriter emits a top-level JSON object with scalar header
// fields followed by a "documents" array, encoding one document at a time
// so the caller never holds the full document set in memory. Grounded on
// internal/sinks/local_file_sink.go's streaming writer in the teacher.
type DocumentStreamWriter struct {
	w        *bufio.Writer
	wroteAny bool
	closed   bool
}

// NewDocumentStreamWriter writes the object open brace and the given
// scalar header fields (already JSON-encoded values, e.g. `"123"` or
// `null`), then opens the "documents" array. Callers supply header as an
// ordered slice of (key, rawJSONValue) so field order is deterministic.
func NewDocumentStreamWriter(w io.Writer, header []HeaderField) (*DocumentStreamWriter, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("{"); err != nil {
		return nil, err
	}
	for _, f := range header {
		if _, err := fmt.Fprintf(bw, "%q:%s,", f.Key, f.RawValue); err != nil {
			return nil, err
		}
	}
	if _, err := bw.WriteString(`"documents":[`); err != nil {
		return nil, err
	}
	return &DocumentStreamWriter{w: bw}, nil
}

// HeaderField is one pre-encoded scalar field written before the
// "documents" array.
type HeaderField struct {
	Key      string
	RawValue string
}

// WriteDocument JSON-encodes doc and appends it to the documents array,
// comma-separating from any previous document.
func (s *DocumentStreamWriter) WriteDocument(doc any) error {
	if s.wroteAny {
		if _, err := s.w.WriteString(","); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(s.w)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("diskio: encoding document: %w", err)
	}
	s.wroteAny = true
	return nil
}

// WroteAny reports whether at least one document has been written so far.
func (s *DocumentStreamWriter) WroteAny() bool { return s.wroteAny }

// Close writes the closing "]}" and flushes the underlying writer.
func (s *DocumentStreamWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if _, err := s.w.WriteString("]}"); err != nil {
		return err
	}
	return s.w.Flush()
}

// DocumentStreamReader is the mirror of DocumentStreamWriter: it steps a
// json.Decoder into the "documents" array via Token() calls and decodes
// one record at a time, never materializing the array in memory.
type DocumentStreamReader struct {
	dec *json.Decoder
}

// NewDocumentStreamReader positions dec immediately inside the
// "documents" array, ready for repeated calls to Next. It returns the
// header fields read along the way as a raw map (everything except
// "documents").
func NewDocumentStreamReader(r io.Reader) (*DocumentStreamReader, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(r)

	if _, err := dec.Token(); err != nil { // consume top-level '{'
		return nil, nil, fmt.Errorf("diskio: expected top-level object: %w", err)
	}

	header := make(map[string]json.RawMessage)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := keyTok.(string)
		if key == "documents" {
			if _, err := dec.Token(); err != nil { // consume '['
				return nil, nil, fmt.Errorf("diskio: expected documents array: %w", err)
			}
			return &DocumentStreamReader{dec: dec}, header, nil
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		header[key] = raw
	}
	return nil, header, fmt.Errorf("diskio: no \"documents\" field found")
}

// Next decodes the next document into v. It returns io.EOF once the
// array is exhausted.
func (r *DocumentStreamReader) Next(v any) error {
	if !r.dec.More() {
		return io.EOF
	}
	return r.dec.Decode(v)
}
