// internal/monitor/state_test.go
package monitor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStateReadWrite(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "nested", "last_seen.json")

	// Initially should be empty
	seen, err := ReadLastSeen(statePath)
	if err != nil {
		t.Fatalf("ReadLastSeen (missing file) error: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("expected empty state for missing file, got %v", seen)
	}

	// Write timestamps
	want := LastSeen{"athlete-1": 1770121800000, "athlete-2": 1770121802000}
	if err := WriteLastSeen(statePath, want); err != nil {
		t.Fatalf("WriteLastSeen error: %v", err)
	}

	// Read them back
	seen, err = ReadLastSeen(statePath)
	if err != nil {
		t.Fatalf("ReadLastSeen error: %v", err)
	}
	if len(seen) != 2 || seen["athlete-1"] != want["athlete-1"] || seen["athlete-2"] != want["athlete-2"] {
		t.Errorf("ReadLastSeen = %v, want %v", seen, want)
	}

	// No temp file left behind
	if _, err := os.Stat(statePath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp state file still present: %v", err)
	}
}

func TestStateCorruptFile(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "last_seen.json")

	// Write garbage
	os.WriteFile(statePath, []byte("not json"), 0644)

	// Should return empty state (fresh start)
	seen, err := ReadLastSeen(statePath)
	if err != nil {
		t.Fatalf("ReadLastSeen (corrupt) error: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("expected empty state for corrupt file, got %v", seen)
	}

	// JSON null is also treated as empty
	os.WriteFile(statePath, []byte("null"), 0644)
	seen, err = ReadLastSeen(statePath)
	if err != nil {
		t.Fatalf("ReadLastSeen (null) error: %v", err)
	}
	if seen == nil {
		t.Error("expected non-nil state for null file")
	}
}
