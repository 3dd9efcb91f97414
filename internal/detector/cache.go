// internal/detector/cache.go
package detector

import (
	"fmt"
	"math"
	"strconv"

	lru "github.com/hashicorp/golang-lru"

	"github.com/signalnine/saferun/internal/protocol"
)

// Rounding units for cache keys. Readings that round to the same values
// reuse a remote verdict instead of re-querying the endpoint.
const (
	heartRateUnit   = 5
	temperatureUnit = 0.5
	speedUnit       = 1.0
)

// VerdictCache is a bounded, goroutine-safe map from cache key to remote verdict.
// At capacity the least recently used entry is evicted.
type VerdictCache struct {
	entries *lru.Cache
	size    int
}

// NewVerdictCache creates a cache holding at most size entries
func NewVerdictCache(size int) (*VerdictCache, error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create verdict cache: %w", err)
	}
	return &VerdictCache{entries: entries, size: size}, nil
}

// Get returns the cached verdict for key
func (c *VerdictCache) Get(key string) (bool, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return false, false
	}
	return v.(bool), true
}

// Put stores a verdict and reports whether an older entry was evicted to make room
func (c *VerdictCache) Put(key string, isAnomaly bool) bool {
	return c.entries.Add(key, isAnomaly)
}

// Len returns the number of cached verdicts
func (c *VerdictCache) Len() int {
	return c.entries.Len()
}

// Size returns the capacity
func (c *VerdictCache) Size() int {
	return c.size
}

// Clear drops every entry
func (c *VerdictCache) Clear() {
	c.entries.Purge()
}

// CacheKey fingerprints a reading for subjectID at reduced precision:
// heart rate to the nearest 5 bpm, temperature to the nearest 0.5 °C and
// speed to the nearest 1 km/h.
func CacheKey(subjectID string, r protocol.SensorReading) string {
	hr := int(roundHalfUp(float64(r.HeartRate)/heartRateUnit)) * heartRateUnit
	temp := roundHalfUp(r.Temperature/temperatureUnit) * temperatureUnit
	speed := roundHalfUp(r.Speed/speedUnit) * speedUnit

	return subjectID + "_" + strconv.Itoa(hr) + "_" +
		strconv.FormatFloat(temp, 'f', 1, 64) + "_" +
		strconv.FormatFloat(speed, 'f', 1, 64)
}

// roundHalfUp rounds to the nearest integer, ties toward positive infinity
func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}
