// internal/monitor/telemetry_test.go
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/saferun/internal/protocol"
)

func TestParseTelemetryLine(t *testing.T) {
	tests := []struct {
		line    string
		wantErr bool
	}{
		{`{"subject_id":"a1","timestamp":1000,"heart_rate":75,"temperature":36.5,"speed":5,"status":"active"}`, false},
		{`{"subject_id":"a1","timestamp":1000,"heart_rate":75,"anomaly_flag":true}`, false},
		{`{"timestamp":1000,"heart_rate":75}`, true},
		{`{"subject_id":"a1","heart_rate":75}`, true},
		{"not json", true},
		{"", true},
	}

	for _, tt := range tests {
		sr, err := ParseTelemetryLine(tt.line)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTelemetryLine(%q) expected error, got %+v", tt.line, sr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTelemetryLine(%q) error: %v", tt.line, err)
			continue
		}
		if sr.AnomalyFlag {
			t.Errorf("ParseTelemetryLine(%q) kept source anomaly flag", tt.line)
		}
	}

	sr, _ := ParseTelemetryLine(`{"subject_id":"a1","timestamp":1000,"heart_rate":75,"temperature":36.5,"speed":5,"status":"active"}`)
	if sr.SubjectID != "a1" || sr.HeartRate != 75 || sr.Temperature != 36.5 || sr.Speed != 5 || sr.Status != protocol.StatusActive {
		t.Errorf("ParseTelemetryLine decoded wrong fields: %+v", sr)
	}
}

func TestReadTelemetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	content := `{"subject_id":"a1","timestamp":1000,"heart_rate":75,"temperature":36.5,"speed":5,"status":"active"}

garbage line
{"subject_id":"a2","timestamp":2000,"heart_rate":80,"temperature":36.6,"speed":4,"status":"active"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	readings, skipped, err := ReadTelemetry(path)
	if err != nil {
		t.Fatalf("ReadTelemetry error: %v", err)
	}
	if len(readings) != 2 {
		t.Errorf("ReadTelemetry returned %d readings, want 2", len(readings))
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}

	if _, _, err := ReadTelemetry(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("ReadTelemetry on missing file expected error")
	}
}

func TestFilterNewReadings(t *testing.T) {
	readings := []protocol.SubjectReading{
		{SubjectID: "a1", SensorReading: protocol.SensorReading{Timestamp: 3000}},
		{SubjectID: "a1", SensorReading: protocol.SensorReading{Timestamp: 1000}},
		{SubjectID: "a2", SensorReading: protocol.SensorReading{Timestamp: 1000}},
		{SubjectID: "a1", SensorReading: protocol.SensorReading{Timestamp: 2000}},
	}

	filtered := FilterNewReadings(readings, LastSeen{"a1": 1000})

	if len(filtered) != 3 {
		t.Fatalf("FilterNewReadings returned %d readings, want 3", len(filtered))
	}
	// Sorted by timestamp; a2 has no last seen entry so its reading is new
	if filtered[0].SubjectID != "a2" || filtered[1].Timestamp != 2000 || filtered[2].Timestamp != 3000 {
		t.Errorf("FilterNewReadings wrong order: %+v", filtered)
	}
}

func TestCapReadings(t *testing.T) {
	// Under limit - no truncation
	small := make([]protocol.SubjectReading, 3)
	result, truncated := CapReadings(small)
	if truncated {
		t.Error("CapReadings truncated when under limit")
	}
	if len(result) != 3 {
		t.Errorf("CapReadings returned %d readings, want 3", len(result))
	}

	// Over limit - truncate to most recent
	big := make([]protocol.SubjectReading, MaxReadings+100)
	for i := range big {
		big[i] = protocol.SubjectReading{SubjectID: fmt.Sprintf("a%d", i), SensorReading: protocol.SensorReading{Timestamp: int64(i + 1)}}
	}
	result, truncated = CapReadings(big)
	if !truncated {
		t.Error("CapReadings did not truncate when over limit")
	}
	if len(result) != MaxReadings {
		t.Errorf("CapReadings returned %d readings, want %d", len(result), MaxReadings)
	}
	// Should keep the last (most recent) readings
	if result[0].SubjectID != "a100" {
		t.Errorf("CapReadings kept wrong readings, first = %q", result[0].SubjectID)
	}
}

func TestGroupBySubject(t *testing.T) {
	readings := []protocol.SubjectReading{
		{SubjectID: "a1", SensorReading: protocol.SensorReading{Timestamp: 1}},
		{SubjectID: "a2", SensorReading: protocol.SensorReading{Timestamp: 2}},
		{SubjectID: "a1", SensorReading: protocol.SensorReading{Timestamp: 3}},
	}

	groups := GroupBySubject(readings)
	if len(groups) != 2 {
		t.Fatalf("GroupBySubject returned %d groups, want 2", len(groups))
	}
	if len(groups["a1"]) != 2 || groups["a1"][0].Timestamp != 1 || groups["a1"][1].Timestamp != 3 {
		t.Errorf("GroupBySubject a1 = %+v", groups["a1"])
	}
}
