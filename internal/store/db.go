// internal/store/db.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/signalnine/saferun/internal/detector"
	"github.com/signalnine/saferun/internal/protocol"
)

// Persisted setting keys
const (
	KeyAPIEnabled = "ml_api_enabled"
	KeyAPIURL     = "ml_api_url"
)

// ErrNotFound is returned by GetSetting for unknown keys
var ErrNotFound = errors.New("not found")

// DB wraps SQLite connection
type DB struct {
	db *sql.DB
}

// NewDB opens or creates the SQLite database
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Create schema
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT DEFAULT (datetime('now'))
	);
	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		heart_rate INTEGER NOT NULL,
		temperature REAL NOT NULL,
		speed REAL NOT NULL,
		status TEXT,
		is_anomaly INTEGER NOT NULL,
		source TEXT NOT NULL,
		reasons TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_verdicts_subject ON verdicts(subject_id);
	CREATE INDEX IF NOT EXISTS idx_verdicts_anomaly ON verdicts(is_anomaly);
	CREATE INDEX IF NOT EXISTS idx_verdicts_timestamp ON verdicts(timestamp);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// GetSetting returns a stored value or ErrNotFound
func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

const upsertSetting = `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`

// PutSetting inserts or replaces a value
func (d *DB) PutSetting(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, upsertSetting, key, value)
	return err
}

// SaveEnabled persists the remote classifier switch
func (d *DB) SaveEnabled(ctx context.Context, enabled bool) error {
	return d.PutSetting(ctx, KeyAPIEnabled, strconv.FormatBool(enabled))
}

// SaveEndpointURL persists the scoring endpoint
func (d *DB) SaveEndpointURL(ctx context.Context, endpoint string) error {
	return d.PutSetting(ctx, KeyAPIURL, endpoint)
}

// SaveSettings persists the switch and/or endpoint in one transaction. Nil
// fields are left alone.
func (d *DB) SaveSettings(ctx context.Context, enabled *bool, endpoint *string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	put := func(key, value string) error {
		_, err := tx.ExecContext(ctx, upsertSetting, key, value)
		return err
	}

	if enabled != nil {
		if err := put(KeyAPIEnabled, strconv.FormatBool(*enabled)); err != nil {
			return err
		}
	}
	if endpoint != nil {
		if err := put(KeyAPIURL, *endpoint); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DetectorSettings are the persisted administrative settings. Nil fields were never saved.
type DetectorSettings struct {
	Enabled     *bool
	EndpointURL *string
}

// Apply overlays the saved settings on cfg
func (s DetectorSettings) Apply(cfg detector.Config) detector.Config {
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.EndpointURL != nil {
		cfg.EndpointURL = *s.EndpointURL
	}
	return cfg
}

// LoadDetectorSettings reads whatever settings have been saved
func (d *DB) LoadDetectorSettings(ctx context.Context) (DetectorSettings, error) {
	var s DetectorSettings

	v, err := d.GetSetting(ctx, KeyAPIEnabled)
	switch {
	case err == nil:
		// Corrupt value - ignore and fall back to config
		if b, perr := strconv.ParseBool(v); perr == nil {
			s.Enabled = &b
		}
	case !errors.Is(err, ErrNotFound):
		return s, err
	}

	v, err = d.GetSetting(ctx, KeyAPIURL)
	switch {
	case err == nil:
		s.EndpointURL = &v
	case !errors.Is(err, ErrNotFound):
		return s, err
	}

	return s, nil
}

// InsertVerdict stores a detection result. ID and CreatedAt are filled in when empty.
func (d *DB) InsertVerdict(ctx context.Context, v *protocol.StoredVerdict) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	reasonsJSON, err := json.Marshal(v.Reasons)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO verdicts (id, subject_id, timestamp, heart_rate, temperature, speed, status, is_anomaly, source, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.SubjectID, v.Reading.Timestamp, v.Reading.HeartRate, v.Reading.Temperature, v.Reading.Speed,
		string(v.Reading.Status), v.Verdict.IsAnomaly, string(v.Verdict.Source), string(reasonsJSON),
		v.CreatedAt.Format(time.RFC3339Nano))

	return err
}

const verdictColumns = `id, subject_id, timestamp, heart_rate, temperature, speed, status, is_anomaly, source, reasons, created_at`

// QueryBySubject returns recent verdicts for a subject, newest reading first
func (d *DB) QueryBySubject(ctx context.Context, subjectID string, limit int) ([]protocol.StoredVerdict, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+verdictColumns+`
		FROM verdicts
		WHERE subject_id = ?
		ORDER BY timestamp DESC, created_at DESC
		LIMIT ?
	`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanVerdicts(rows)
}

// QueryAnomalies returns recent anomalous verdicts across all subjects
func (d *DB) QueryAnomalies(ctx context.Context, limit int) ([]protocol.StoredVerdict, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+verdictColumns+`
		FROM verdicts
		WHERE is_anomaly = 1
		ORDER BY timestamp DESC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanVerdicts(rows)
}

// SourceCounts returns count of verdicts by source
func (d *DB) SourceCounts(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM verdicts GROUP BY source
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		counts[source] = count
	}
	return counts, rows.Err()
}

func scanVerdicts(rows *sql.Rows) ([]protocol.StoredVerdict, error) {
	var results []protocol.StoredVerdict
	for rows.Next() {
		var v protocol.StoredVerdict
		var status, reasonsJSON sql.NullString
		var source, createdStr string

		err := rows.Scan(&v.ID, &v.SubjectID, &v.Reading.Timestamp, &v.Reading.HeartRate,
			&v.Reading.Temperature, &v.Reading.Speed, &status, &v.Verdict.IsAnomaly,
			&source, &reasonsJSON, &createdStr)
		if err != nil {
			return nil, err
		}

		v.Verdict.Source = protocol.Source(source)
		v.Reading.AnomalyFlag = v.Verdict.IsAnomaly
		if status.Valid {
			v.Reading.Status = protocol.ActivityStatus(status.String)
		}
		if reasonsJSON.Valid {
			json.Unmarshal([]byte(reasonsJSON.String), &v.Reasons)
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)

		results = append(results, v)
	}
	return results, rows.Err()
}
