// internal/monitor/telemetry.go
package monitor

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"

	"github.com/signalnine/saferun/internal/protocol"
)

// MaxReadings caps how many readings one poll feeds to the detector
const MaxReadings = 500

// maxLineBytes bounds a single telemetry line
const maxLineBytes = 64 * 1024

// ParseTelemetryLine decodes one JSON-lines telemetry record
func ParseTelemetryLine(line string) (protocol.SubjectReading, error) {
	var sr protocol.SubjectReading
	if err := json.Unmarshal([]byte(line), &sr); err != nil {
		return sr, err
	}
	if sr.SubjectID == "" {
		return sr, errors.New("missing subject_id")
	}
	if sr.Timestamp <= 0 {
		return sr, errors.New("missing timestamp")
	}
	// Source never decides the flag
	sr.AnomalyFlag = false
	return sr, nil
}

// ReadTelemetry reads every parseable record from a JSON-lines file.
// Returns the records and how many lines were skipped as unparseable.
func ReadTelemetry(path string) ([]protocol.SubjectReading, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var readings []protocol.SubjectReading
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sr, err := ParseTelemetryLine(line)
		if err != nil {
			skipped++
			continue
		}
		readings = append(readings, sr)
	}

	return readings, skipped, scanner.Err()
}

// FilterNewReadings returns readings newer than each subject's last seen
// timestamp, sorted by timestamp (stable for ties).
func FilterNewReadings(readings []protocol.SubjectReading, lastSeen LastSeen) []protocol.SubjectReading {
	var filtered []protocol.SubjectReading
	for _, sr := range readings {
		if sr.Timestamp > lastSeen[sr.SubjectID] {
			filtered = append(filtered, sr)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp < filtered[j].Timestamp
	})
	return filtered
}

// CapReadings returns at most MaxReadings from the end of the slice (most recent)
// Returns true if readings were truncated
func CapReadings(readings []protocol.SubjectReading) ([]protocol.SubjectReading, bool) {
	if len(readings) <= MaxReadings {
		return readings, false
	}
	// Keep the most recent readings (end of slice)
	return readings[len(readings)-MaxReadings:], true
}

// GroupBySubject splits readings per subject, keeping their order
func GroupBySubject(readings []protocol.SubjectReading) map[string][]protocol.SensorReading {
	groups := make(map[string][]protocol.SensorReading)
	for _, sr := range readings {
		groups[sr.SubjectID] = append(groups[sr.SubjectID], sr.SensorReading)
	}
	return groups
}
