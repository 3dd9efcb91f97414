// internal/detector/state.go
package detector

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/signalnine/saferun/internal/protocol"
)

// State is the shared detector state: master switch, endpoint, breaker
// counter, verdict cache and the recent-readings windows of the most recently
// scored subjects. One State is shared by every subject and may be shared by
// several Detectors.
type State struct {
	enabled  atomic.Bool
	failures atomic.Int32

	mu       sync.RWMutex
	endpoint string
	windows  *lru.Cache // subject id -> []protocol.SensorReading
	seqLen   int

	cache *VerdictCache
}

// NewState creates detector state. sequenceLength bounds each subject's window
// and maxSubjects bounds how many subjects keep a window.
func NewState(enabled bool, endpoint string, cacheSize, sequenceLength, maxSubjects int) (*State, error) {
	cache, err := NewVerdictCache(cacheSize)
	if err != nil {
		return nil, err
	}
	if sequenceLength < 1 {
		sequenceLength = 1
	}
	windows, err := lru.New(maxSubjects)
	if err != nil {
		return nil, fmt.Errorf("create subject windows: %w", err)
	}

	s := &State{
		endpoint: endpoint,
		windows:  windows,
		seqLen:   sequenceLength,
		cache:    cache,
	}
	s.enabled.Store(enabled)
	return s, nil
}

func (s *State) Enabled() bool           { return s.enabled.Load() }
func (s *State) setEnabled(enabled bool) { s.enabled.Store(enabled) }

// Failures returns the consecutive remote failure count
func (s *State) Failures() int { return int(s.failures.Load()) }

func (s *State) incFailures() int { return int(s.failures.Add(1)) }
func (s *State) resetFailures()   { s.failures.Store(0) }

// Endpoint returns the scoring endpoint URL
func (s *State) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

func (s *State) setEndpoint(url string) {
	s.mu.Lock()
	s.endpoint = url
	s.mu.Unlock()
}

// Cache returns the verdict cache
func (s *State) Cache() *VerdictCache { return s.cache }

// push appends r to the subject's window, dropping the oldest reading once the
// window is full, and returns a copy of the window. The least recently scored
// subject loses its window when maxSubjects is exceeded.
func (s *State) push(subjectID string, r protocol.SensorReading) []protocol.SensorReading {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w []protocol.SensorReading
	if v, ok := s.windows.Get(subjectID); ok {
		w = v.([]protocol.SensorReading)
	}

	w = append(w[:len(w):len(w)], r)
	if len(w) > s.seqLen {
		w = w[len(w)-s.seqLen:]
	}
	s.windows.Add(subjectID, w)

	out := make([]protocol.SensorReading, len(w))
	copy(out, w)
	return out
}

// Window returns a copy of the subject's recent readings, oldest first
func (s *State) Window(subjectID string) []protocol.SensorReading {
	v, ok := s.windows.Peek(subjectID)
	if !ok {
		return []protocol.SensorReading{}
	}
	w := v.([]protocol.SensorReading)
	out := make([]protocol.SensorReading, len(w))
	copy(out, w)
	return out
}

// Subjects returns how many subjects currently hold a window
func (s *State) Subjects() int { return s.windows.Len() }

// ForgetSubject drops a subject's window, e.g. when its session ends
func (s *State) ForgetSubject(subjectID string) {
	s.windows.Remove(subjectID)
}

// Reset clears the breaker counter, the cache and every window. Switch and
// endpoint are left alone.
func (s *State) Reset() {
	s.resetFailures()
	s.cache.Clear()
	s.windows.Purge()
}
