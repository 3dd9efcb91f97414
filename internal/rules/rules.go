// internal/rules/rules.go
package rules

import "github.com/signalnine/saferun/internal/protocol"

// Physiological bounds outside of which a reading is flagged
const (
	MaxHeartRate   = 180
	MinHeartRate   = 40
	MaxTemperature = 39.0
	MinTemperature = 35.0
)

// Rule names reported by Reasons
const (
	HeartRateHigh      = "heart_rate_high"
	HeartRateLow       = "heart_rate_low"
	TemperatureHigh    = "temperature_high"
	TemperatureLow     = "temperature_low"
	StoppedWhileActive = "stopped_while_active"
)

// Evaluate reports whether any local rule flags the reading
func Evaluate(r protocol.SensorReading) bool {
	return len(Reasons(r)) > 0
}

// Reasons returns the names of every rule the reading trips, in a fixed order.
// Returns nil for a normal reading.
func Reasons(r protocol.SensorReading) []string {
	var reasons []string

	if r.HeartRate > MaxHeartRate {
		reasons = append(reasons, HeartRateHigh)
	}
	if r.HeartRate < MinHeartRate {
		reasons = append(reasons, HeartRateLow)
	}

	if r.Temperature > MaxTemperature {
		reasons = append(reasons, TemperatureHigh)
	}
	if r.Temperature < MinTemperature {
		reasons = append(reasons, TemperatureLow)
	}

	// Athlete stopped moving during a live session
	if r.Speed == 0 && r.Status == protocol.StatusActive {
		reasons = append(reasons, StoppedWhileActive)
	}

	return reasons
}

// Explain returns the local rules behind an anomalous verdict. Remote verdicts
// carry no explanation, so they yield nil.
func Explain(v protocol.Verdict, r protocol.SensorReading) []string {
	if !v.IsAnomaly || v.Remote() {
		return nil
	}
	return Reasons(r)
}
