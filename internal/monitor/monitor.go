// internal/monitor/monitor.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/saferun/internal/config"
	"github.com/signalnine/saferun/internal/detector"
	"github.com/signalnine/saferun/internal/protocol"
	"github.com/signalnine/saferun/internal/rules"
)

// maxParallelSubjects bounds how many subjects are evaluated at once
const maxParallelSubjects = 8

// Detector classifies readings; *detector.Detector and *HTTPDetector both qualify
type Detector interface {
	Detect(ctx context.Context, subjectID string, reading protocol.SensorReading) (protocol.Verdict, error)
}

// Recorder persists verdicts
type Recorder interface {
	InsertVerdict(ctx context.Context, v *protocol.StoredVerdict) error
}

// Monitor polls a telemetry feed and runs every new reading through a detector
type Monitor struct {
	cfg      *config.MonitorConfig
	detector Detector
	recorder Recorder
	logger   *zap.Logger
}

// New creates a new monitor. recorder may be nil.
func New(cfg *config.MonitorConfig, det Detector, recorder Recorder, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		detector: det,
		recorder: recorder,
		logger:   logger,
	}
}

// Run starts the monitor loop
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Monitor starting",
		zap.String("telemetry_file", m.cfg.TelemetryFile),
		zap.String("server_url", m.cfg.ServerURL),
		zap.Duration("interval", m.cfg.PollInterval))

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	if err := m.Poll(ctx); err != nil {
		m.logger.Error("Poll error", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor shutting down")
			return nil
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Error("Poll error", zap.Error(err))
			}
		}
	}
}

// Poll processes every reading that arrived since the previous poll. Subjects
// run in parallel; each subject's readings are detected one at a time in
// timestamp order.
func (m *Monitor) Poll(ctx context.Context) error {
	// Read last seen timestamps
	lastSeen, err := ReadLastSeen(m.cfg.StateFile)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	// Read telemetry
	readings, skipped, err := ReadTelemetry(m.cfg.TelemetryFile)
	if err != nil {
		return fmt.Errorf("read telemetry: %w", err)
	}
	if skipped > 0 {
		m.logger.Warn("Skipped unparseable telemetry lines", zap.Int("count", skipped))
	}

	// Filter to new readings
	newReadings := FilterNewReadings(readings, lastSeen)
	if len(newReadings) == 0 {
		m.logger.Debug("No new telemetry")
		return nil
	}

	newReadings, truncated := CapReadings(newReadings)
	if truncated {
		m.logger.Warn("Truncated telemetry backlog", zap.Int("kept", MaxReadings))
	}

	m.logger.Debug("Processing telemetry", zap.Int("readings", len(newReadings)))

	var mu sync.Mutex
	var failures []error

	g := new(errgroup.Group)
	g.SetLimit(maxParallelSubjects)

	for subjectID, subjectReadings := range GroupBySubject(newReadings) {
		subjectID, subjectReadings := subjectID, subjectReadings
		g.Go(func() error {
			latest, err := m.processSubject(ctx, subjectID, subjectReadings)

			mu.Lock()
			defer mu.Unlock()
			if latest > lastSeen[subjectID] {
				lastSeen[subjectID] = latest
			}
			if err != nil {
				failures = append(failures, fmt.Errorf("subject %s: %w", subjectID, err))
			}
			return nil
		})
	}
	g.Wait()

	// Update state
	if err := WriteLastSeen(m.cfg.StateFile, lastSeen); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	return errors.Join(failures...)
}

// processSubject detects readings in order and returns the timestamp of the last
// reading it is done with. It stops at the first detector failure so that reading
// is retried on the next poll.
func (m *Monitor) processSubject(ctx context.Context, subjectID string, readings []protocol.SensorReading) (int64, error) {
	var latest int64

	for _, r := range readings {
		if err := ctx.Err(); err != nil {
			return latest, err
		}

		verdict, err := m.detector.Detect(ctx, subjectID, r)
		if err != nil {
			if isRejected(err) {
				// Bad reading, retrying will not help
				m.logger.Warn("Reading rejected",
					zap.String("subject_id", subjectID),
					zap.Int64("timestamp", r.Timestamp),
					zap.Error(err))
				latest = r.Timestamp
				continue
			}
			return latest, err
		}

		reasons := rules.Explain(verdict, r)
		if verdict.IsAnomaly {
			m.logger.Warn("Anomaly detected",
				zap.String("subject_id", subjectID),
				zap.Int64("timestamp", r.Timestamp),
				zap.String("source", string(verdict.Source)),
				zap.Strings("reasons", reasons),
				zap.Int("heart_rate", r.HeartRate),
				zap.Float64("temperature", r.Temperature),
				zap.Float64("speed", r.Speed))
		}

		if m.recorder != nil {
			stored := &protocol.StoredVerdict{
				SubjectID: subjectID,
				Reading:   r.Flagged(verdict.IsAnomaly),
				Verdict:   verdict,
				Reasons:   reasons,
			}
			if err := m.recorder.InsertVerdict(ctx, stored); err != nil {
				// Verdict was produced; losing the log entry is not worth a retry
				m.logger.Error("Failed to record verdict", zap.String("subject_id", subjectID), zap.Error(err))
			}
		}

		latest = r.Timestamp
	}

	return latest, nil
}

func isRejected(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, protocol.ErrInvalidReading) ||
		errors.Is(err, detector.ErrEmptySubject)
}
