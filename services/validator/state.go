package validator

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// SubmissionState is the anti-replay state behind the duplicate and
// frequency gates. Implementations must be safe for concurrent use, and
// CheckAndRecord must be atomic across every pipeline instance sharing
// the backend: the validator's per-sensor lock only serializes one
// process.
//
// The in-memory implementation resets on restart; multi-instance
// deployments should use the Redis implementation.
type SubmissionState interface {
	// Initialize prepares the backing store.
	Initialize(ctx context.Context) error
	// Shutdown releases resources.
	Shutdown(ctx context.Context) error
	// Health checks the backing store.
	Health(ctx context.Context) error

	// SeenHash reports whether a data hash was already accepted.
	SeenHash(ctx context.Context, dataHash string) (bool, error)
	// SeenTimestamp reports whether (sensorID, timestamp) was already
	// accepted.
	SeenTimestamp(ctx context.Context, sensorID string, timestamp int64) (bool, error)
	// LastAccepted returns the timestamp of the sensor's most recent
	// accepted submission.
	LastAccepted(ctx context.Context, sensorID string) (int64, bool, error)
	// CheckAndRecord atomically marks a submission as accepted. When the
	// hash or the (sensorID, timestamp) pair was already recorded — by
	// this instance or any other sharing the backend — it records nothing
	// and returns a duplicate error.
	CheckAndRecord(ctx context.Context, dataHash, sensorID string, timestamp int64) error
}

// memoryState keeps anti-replay state in process memory.
type memoryState struct {
	mu           sync.RWMutex
	seenHashes   map[string]struct{}
	seenTS       map[string]struct{}
	lastAccepted map[string]int64
	ready        bool
}

// NewMemoryState creates an in-process SubmissionState.
func NewMemoryState() SubmissionState {
	return &memoryState{}
}

func tsKey(sensorID string, timestamp int64) string {
	return sensorID + "|" + strconv.FormatInt(timestamp, 10)
}

// Initialize implements SubmissionState.
func (s *memoryState) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seenHashes = make(map[string]struct{})
	s.seenTS = make(map[string]struct{})
	s.lastAccepted = make(map[string]int64)
	s.ready = true
	return nil
}

// Shutdown implements SubmissionState.
func (s *memoryState) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seenHashes = nil
	s.seenTS = nil
	s.lastAccepted = nil
	s.ready = false
	return nil
}

// Health implements SubmissionState.
func (s *memoryState) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return fmt.Errorf("submission state not ready")
	}
	return nil
}

// SeenHash implements SubmissionState.
func (s *memoryState) SeenHash(ctx context.Context, dataHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return false, fmt.Errorf("submission state not ready")
	}
	_, ok := s.seenHashes[dataHash]
	return ok, nil
}

// SeenTimestamp implements SubmissionState.
func (s *memoryState) SeenTimestamp(ctx context.Context, sensorID string, timestamp int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return false, fmt.Errorf("submission state not ready")
	}
	_, ok := s.seenTS[tsKey(sensorID, timestamp)]
	return ok, nil
}

// LastAccepted implements SubmissionState.
func (s *memoryState) LastAccepted(ctx context.Context, sensorID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return 0, false, fmt.Errorf("submission state not ready")
	}
	ts, ok := s.lastAccepted[sensorID]
	return ts, ok, nil
}

// CheckAndRecord implements SubmissionState. The existence checks and the
// insert run under one lock, so concurrent submitters of the same payload
// cannot both win.
func (s *memoryState) CheckAndRecord(ctx context.Context, dataHash, sensorID string, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return fmt.Errorf("submission state not ready")
	}

	if _, ok := s.seenHashes[dataHash]; ok {
		return errdefs.Duplicate("data hash already recorded")
	}
	if _, ok := s.seenTS[tsKey(sensorID, timestamp)]; ok {
		return errdefs.Duplicate("sensor timestamp already recorded")
	}

	s.seenHashes[dataHash] = struct{}{}
	s.seenTS[tsKey(sensorID, timestamp)] = struct{}{}
	if timestamp > s.lastAccepted[sensorID] {
		s.lastAccepted[sensorID] = timestamp
	}
	return nil
}
