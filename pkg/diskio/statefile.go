package diskio

import (
	"encoding/json"
	"os"
)

// SaveJSON atomically writes v as indented JSON to path.
func SaveJSON(path string, v any) error {
	return AtomicReplace(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// LoadJSON reads and unmarshals path into v. A missing file is not an
// error: it returns (false, nil) and leaves v untouched, matching the
// "a missing file is not an error" rule for persisted manager state.
func LoadJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
