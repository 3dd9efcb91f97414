// internal/monitor/state.go
package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// LastSeen maps subject id to the newest processed reading timestamp (epoch millis)
type LastSeen map[string]int64

// ReadLastSeen reads the per-subject last processed timestamps from file.
// Returns an empty map if file doesn't exist or is corrupt.
func ReadLastSeen(path string) (LastSeen, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return LastSeen{}, nil
	}
	if err != nil {
		return nil, err
	}

	var seen LastSeen
	if err := json.Unmarshal(data, &seen); err != nil || seen == nil {
		// Corrupt file - fresh start
		return LastSeen{}, nil
	}

	return seen, nil
}

// WriteLastSeen writes the timestamps to the state file.
// Creates parent directories if needed; the file is replaced atomically.
func WriteLastSeen(path string, seen LastSeen) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.Marshal(seen)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
