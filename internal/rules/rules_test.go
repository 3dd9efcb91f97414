// internal/rules/rules_test.go
package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/signalnine/saferun/internal/protocol"
)

func normalReading() protocol.SensorReading {
	return protocol.SensorReading{
		HeartRate:   75,
		Temperature: 36.5,
		Speed:       5.0,
		Status:      protocol.StatusActive,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *protocol.SensorReading)
		want   bool
		reason string
	}{
		{"normal", func(r *protocol.SensorReading) {}, false, ""},
		{"heart rate high", func(r *protocol.SensorReading) { r.HeartRate = 181 }, true, HeartRateHigh},
		{"heart rate at upper bound", func(r *protocol.SensorReading) { r.HeartRate = 180 }, false, ""},
		{"heart rate low", func(r *protocol.SensorReading) { r.HeartRate = 39 }, true, HeartRateLow},
		{"heart rate at lower bound", func(r *protocol.SensorReading) { r.HeartRate = 40 }, false, ""},
		{"zero heart rate", func(r *protocol.SensorReading) { r.HeartRate = 0 }, true, HeartRateLow},
		{"temperature high", func(r *protocol.SensorReading) { r.Temperature = 39.1 }, true, TemperatureHigh},
		{"temperature at upper bound", func(r *protocol.SensorReading) { r.Temperature = 39.0 }, false, ""},
		{"temperature low", func(r *protocol.SensorReading) { r.Temperature = 34.9 }, true, TemperatureLow},
		{"temperature at lower bound", func(r *protocol.SensorReading) { r.Temperature = 35.0 }, false, ""},
		{"stopped while active", func(r *protocol.SensorReading) { r.Speed = 0 }, true, StoppedWhileActive},
		{"stopped while scheduled", func(r *protocol.SensorReading) {
			r.Speed = 0
			r.Status = protocol.StatusScheduled
		}, false, ""},
		{"stopped after completion", func(r *protocol.SensorReading) {
			r.Speed = 0
			r.Status = protocol.StatusCompleted
		}, false, ""},
		{"stopped with unknown status", func(r *protocol.SensorReading) {
			r.Speed = 0
			r.Status = ""
		}, false, ""},
		{"slow but moving", func(r *protocol.SensorReading) { r.Speed = 0.1 }, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := normalReading()
			tt.mutate(&r)

			assert.Equal(t, tt.want, Evaluate(r))
			if tt.reason != "" {
				assert.Contains(t, Reasons(r), tt.reason)
			} else {
				assert.Empty(t, Reasons(r))
			}
		})
	}
}

func TestReasonsMultiple(t *testing.T) {
	r := protocol.SensorReading{
		HeartRate:   200,
		Temperature: 40.2,
		Speed:       0,
		Status:      protocol.StatusActive,
	}

	assert.Equal(t, []string{HeartRateHigh, TemperatureHigh, StoppedWhileActive}, Reasons(r))
}

func TestEvaluateIgnoresAnomalyFlag(t *testing.T) {
	r := normalReading()
	r.AnomalyFlag = true
	assert.False(t, Evaluate(r))
}

func TestEvaluateSweep(t *testing.T) {
	// Every reading strictly inside the safe bounds and moving is normal
	for hr := MinHeartRate; hr <= MaxHeartRate; hr += 7 {
		for temp := MinTemperature; temp <= MaxTemperature; temp += 0.25 {
			r := protocol.SensorReading{HeartRate: hr, Temperature: temp, Speed: 3, Status: protocol.StatusActive}
			if Evaluate(r) {
				t.Fatalf("Evaluate(%+v) = true, want false", r)
			}
		}
	}

	// Every reading above the heart rate ceiling is anomalous regardless of other fields
	for hr := MaxHeartRate + 1; hr < 260; hr += 3 {
		r := normalReading()
		r.HeartRate = hr
		if !Evaluate(r) {
			t.Fatalf("Evaluate(hr=%d) = false, want true", hr)
		}
	}
}

func TestExplain(t *testing.T) {
	r := normalReading()
	r.HeartRate = 30

	local := protocol.Verdict{IsAnomaly: true, Source: protocol.SourceLocalFallback}
	assert.Equal(t, []string{HeartRateLow}, Explain(local, r))

	remote := protocol.Verdict{IsAnomaly: true, Source: protocol.SourceRemote}
	assert.Nil(t, Explain(remote, r))

	normal := protocol.Verdict{IsAnomaly: false, Source: protocol.SourceLocalPrimary}
	assert.Nil(t, Explain(normal, r))
}
