// internal/store/db_test.go
package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/saferun/internal/detector"
	"github.com/signalnine/saferun/internal/protocol"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDBSettings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetSetting(ctx, KeyAPIURL)
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := db.LoadDetectorSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, s.Enabled)
	assert.Nil(t, s.EndpointURL)

	require.NoError(t, db.SaveEnabled(ctx, false))
	require.NoError(t, db.SaveEndpointURL(ctx, "http://10.0.0.5:5000/api/predict"))
	// Overwrite
	require.NoError(t, db.SaveEndpointURL(ctx, "http://10.0.0.6:5000/api/predict"))

	s, err = db.LoadDetectorSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, s.Enabled)
	assert.False(t, *s.Enabled)
	require.NotNil(t, s.EndpointURL)
	assert.Equal(t, "http://10.0.0.6:5000/api/predict", *s.EndpointURL)
}

func TestDBSettingsCorruptEnabled(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutSetting(ctx, KeyAPIEnabled, "maybe"))

	s, err := db.LoadDetectorSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, s.Enabled)
}

func TestDBSettingsReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveEndpointURL(ctx, "http://ml.local/api/predict"))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	v, err := db.GetSetting(ctx, KeyAPIURL)
	require.NoError(t, err)
	assert.Equal(t, "http://ml.local/api/predict", v)
}

func TestDBInsertAndQuery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	normal := &protocol.StoredVerdict{
		SubjectID: "athlete-1",
		Reading:   protocol.SensorReading{Timestamp: 1000, HeartRate: 75, Temperature: 36.5, Speed: 5, Status: protocol.StatusActive},
		Verdict:   protocol.Verdict{IsAnomaly: false, Source: protocol.SourceRemote},
	}
	anomaly := &protocol.StoredVerdict{
		SubjectID: "athlete-1",
		Reading:   protocol.SensorReading{Timestamp: 3000, HeartRate: 190, Temperature: 37.0, Speed: 0, Status: protocol.StatusActive},
		Verdict:   protocol.Verdict{IsAnomaly: true, Source: protocol.SourceLocalFallback},
		Reasons:   []string{"heart_rate_high", "stopped_while_active"},
	}
	other := &protocol.StoredVerdict{
		SubjectID: "athlete-2",
		Reading:   protocol.SensorReading{Timestamp: 2000, HeartRate: 80, Temperature: 36.8, Speed: 4, Status: protocol.StatusActive},
		Verdict:   protocol.Verdict{IsAnomaly: false, Source: protocol.SourceRemoteCached},
	}

	for _, v := range []*protocol.StoredVerdict{normal, anomaly, other} {
		require.NoError(t, db.InsertVerdict(ctx, v))
		assert.NotEmpty(t, v.ID)
		assert.False(t, v.CreatedAt.IsZero())
	}

	// Query by subject
	results, err := db.QueryBySubject(ctx, "athlete-1", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(3000), results[0].Reading.Timestamp, "newest reading first")
	assert.True(t, results[0].Verdict.IsAnomaly)
	assert.True(t, results[0].Reading.AnomalyFlag)
	assert.Equal(t, protocol.SourceLocalFallback, results[0].Verdict.Source)
	assert.Equal(t, []string{"heart_rate_high", "stopped_while_active"}, results[0].Reasons)
	assert.Equal(t, protocol.StatusActive, results[0].Reading.Status)

	// Limit
	results, err = db.QueryBySubject(ctx, "athlete-1", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// Anomalies only
	results, err = db.QueryAnomalies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, anomaly.ID, results[0].ID)

	// Counts by source
	counts, err := db.SourceCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"remote":         1,
		"remote-cached":  1,
		"local-fallback": 1,
	}, counts)
}

func TestDetectorSettingsApply(t *testing.T) {
	base := detector.DefaultConfig()

	got := DetectorSettings{}.Apply(base)
	assert.Equal(t, base, got, "nothing saved leaves config alone")

	off := false
	url := "http://saved:5000/api/predict"
	got = DetectorSettings{Enabled: &off, EndpointURL: &url}.Apply(base)
	assert.False(t, got.Enabled)
	assert.Equal(t, url, got.EndpointURL)
	assert.Equal(t, base.CacheSize, got.CacheSize)
}

func TestDBSaveSettings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	on := true
	url := "http://10.0.0.7:5000/api/predict"
	require.NoError(t, db.SaveSettings(ctx, &on, &url))

	s, err := db.LoadDetectorSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, s.Enabled)
	assert.True(t, *s.Enabled)
	require.NotNil(t, s.EndpointURL)
	assert.Equal(t, url, *s.EndpointURL)

	// Nil fields are left alone
	off := false
	require.NoError(t, db.SaveSettings(ctx, &off, nil))
	s, err = db.LoadDetectorSettings(ctx)
	require.NoError(t, err)
	assert.False(t, *s.Enabled)
	assert.Equal(t, url, *s.EndpointURL)

	// Closed database: nothing is written
	require.NoError(t, db.Close())
	assert.Error(t, db.SaveSettings(ctx, &on, &url))
}
