// internal/protocol/types.go
package protocol

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ActivityStatus is the session state the reading was taken in
type ActivityStatus string

const (
	StatusScheduled ActivityStatus = "scheduled"
	StatusActive    ActivityStatus = "active"
	StatusCompleted ActivityStatus = "completed"
)

// Valid reports whether s is a known status. Empty is allowed (status unknown).
func (s ActivityStatus) Valid() bool {
	switch s {
	case "", StatusScheduled, StatusActive, StatusCompleted:
		return true
	}
	return false
}

// ErrInvalidReading is returned for readings that violate basic physical bounds
var ErrInvalidReading = errors.New("invalid sensor reading")

// SensorReading is one telemetry sample for a subject
type SensorReading struct {
	Timestamp   int64          `json:"timestamp"` // epoch millis
	HeartRate   int            `json:"heart_rate"`
	Temperature float64        `json:"temperature"`
	Speed       float64        `json:"speed"`
	Status      ActivityStatus `json:"status"`
	AnomalyFlag bool           `json:"anomaly_flag"`
}

// Validate checks the reading can be evaluated at all
func (r SensorReading) Validate() error {
	switch {
	case r.HeartRate < 0:
		return fmt.Errorf("%w: heart_rate must be >= 0", ErrInvalidReading)
	case math.IsNaN(r.Temperature) || math.IsInf(r.Temperature, 0):
		return fmt.Errorf("%w: temperature must be finite", ErrInvalidReading)
	case math.IsNaN(r.Speed) || math.IsInf(r.Speed, 0) || r.Speed < 0:
		return fmt.Errorf("%w: speed must be finite and >= 0", ErrInvalidReading)
	case !r.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidReading, r.Status)
	}
	return nil
}

// Flagged returns a copy of the reading with AnomalyFlag set
func (r SensorReading) Flagged(anomaly bool) SensorReading {
	r.AnomalyFlag = anomaly
	return r
}

// Source labels where a verdict came from
type Source string

const (
	SourceRemote        Source = "remote"
	SourceRemoteCached  Source = "remote-cached"
	SourceLocalFallback Source = "local-fallback"
	SourceLocalPrimary  Source = "local-primary"
)

// Verdict is the anomaly classification plus its provenance
type Verdict struct {
	IsAnomaly bool   `json:"is_anomaly"`
	Source    Source `json:"source"`
}

// Remote reports whether the verdict was produced by the remote classifier
func (v Verdict) Remote() bool {
	return v.Source == SourceRemote || v.Source == SourceRemoteCached
}

// PredictPoint is one element of the remote request sequence
type PredictPoint struct {
	Temperature float64 `json:"temperature"`
	Speed       float64 `json:"speed"`
	HeartBeat   int     `json:"heart_beat"`
}

// PredictRequest is sent to the remote scoring endpoint
type PredictRequest struct {
	UserID string         `json:"user_id"`
	Data   []PredictPoint `json:"data"`
}

// NewPredictRequest builds the request body, preserving reading order
func NewPredictRequest(subjectID string, readings []SensorReading) PredictRequest {
	req := PredictRequest{UserID: subjectID, Data: make([]PredictPoint, 0, len(readings))}
	for _, r := range readings {
		req.Data = append(req.Data, PredictPoint{
			Temperature: r.Temperature,
			Speed:       r.Speed,
			HeartBeat:   r.HeartRate,
		})
	}
	return req
}

// SubjectReading is a reading tagged with its subject, as found in telemetry feeds
// and in detect requests
type SubjectReading struct {
	SubjectID string `json:"subject_id"`
	SensorReading
}

// StoredVerdict is what we persist to SQLite
type StoredVerdict struct {
	ID        string        `json:"id"`
	SubjectID string        `json:"subject_id"`
	Reading   SensorReading `json:"reading"`
	Verdict   Verdict       `json:"verdict"`
	Reasons   []string      `json:"reasons"`
	CreatedAt time.Time     `json:"created_at"`
}
