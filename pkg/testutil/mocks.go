// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AeroSense-Network/data_pipeline/internal/chain"
	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// MockLedger is an in-memory test implementation of chain.Ledger.
type MockLedger struct {
	mu sync.RWMutex

	owners      map[string]string // sensorID -> owner
	active      map[string]bool
	regions     map[string][]string // region -> sensorIDs
	reputations map[string]int
	records     map[string][]chain.RecordRef // sensorID -> refs
	distributed map[string]float64           // sensorID|date -> amount

	// Err, when set, is returned by every call to simulate an outage.
	Err error
	// OwnershipDelay simulates a slow registry for timeout tests.
	OwnershipDelay time.Duration
}

// NewMockLedger creates an empty mock ledger.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		owners:      make(map[string]string),
		active:      make(map[string]bool),
		regions:     make(map[string][]string),
		reputations: make(map[string]int),
		records:     make(map[string][]chain.RecordRef),
		distributed: make(map[string]float64),
	}
}

// RegisterSensor registers a sensor with an owner and region.
func (m *MockLedger) RegisterSensor(sensorID, owner, region string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[sensorID] = owner
	m.active[sensorID] = true
	m.regions[region] = append(m.regions[region], sensorID)
}

// SetReputation sets a sensor's reputation score.
func (m *MockLedger) SetReputation(sensorID string, score int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reputations[sensorID] = score
}

// SetActive marks a sensor active or inactive.
func (m *MockLedger) SetActive(sensorID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[sensorID] = active
}

// Records returns the anchored records for a sensor.
func (m *MockLedger) Records(sensorID string) []chain.RecordRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]chain.RecordRef(nil), m.records[sensorID]...)
}

func (m *MockLedger) fail(ctx context.Context) error {
	if m.OwnershipDelay > 0 {
		select {
		case <-ctx.Done():
			return errdefs.Ledger("ledger call cancelled").WithCause(ctx.Err())
		case <-time.After(m.OwnershipDelay):
		}
	}
	if err := ctx.Err(); err != nil {
		return errdefs.Ledger("ledger call cancelled").WithCause(err)
	}
	return m.Err
}

// SensorOwnedBy implements chain.Ledger.
func (m *MockLedger) SensorOwnedBy(ctx context.Context, sensorID, submitter string) (*chain.Ownership, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	owner, exists := m.owners[sensorID]
	return &chain.Ownership{
		Exists:       exists,
		IsActive:     m.active[sensorID],
		OwnerMatches: exists && owner == submitter,
	}, nil
}

// ReputationOf implements chain.Ledger.
func (m *MockLedger) ReputationOf(ctx context.Context, sensorID string) (int, error) {
	if err := m.fail(ctx); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reputations[sensorID], nil
}

// RegisterRecord implements chain.Ledger.
func (m *MockLedger) RegisterRecord(ctx context.Context, sensorID, contentAddress string, wrappedKey []byte, recordHash string) (*chain.Receipt, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[sensorID] = append(m.records[sensorID], chain.RecordRef{
		ContentAddress: contentAddress,
		RecordHash:     recordHash,
		Timestamp:      time.Now().Unix(),
		Submitter:      m.owners[sensorID],
	})
	return &chain.Receipt{TxID: uuid.NewString(), Timestamp: time.Now().UTC()}, nil
}

// AddRecord anchors a record with an explicit timestamp, for tests.
func (m *MockLedger) AddRecord(sensorID, contentAddress, recordHash string, timestamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[sensorID] = append(m.records[sensorID], chain.RecordRef{
		ContentAddress: contentAddress,
		RecordHash:     recordHash,
		Timestamp:      timestamp,
		Submitter:      m.owners[sensorID],
	})
}

// FetchRecords implements chain.Ledger.
func (m *MockLedger) FetchRecords(ctx context.Context, sensorID string, limit int) ([]chain.RecordRef, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := append([]chain.RecordRef(nil), m.records[sensorID]...)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Timestamp > refs[j].Timestamp })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// SensorsInRegion implements chain.Ledger.
func (m *MockLedger) SensorsInRegion(ctx context.Context, region string) ([]string, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.regions[region]...), nil
}

// AllSensors implements chain.Ledger.
func (m *MockLedger) AllSensors(ctx context.Context) ([]string, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.owners))
	for id := range m.owners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkRewardDistributed implements chain.Ledger.
func (m *MockLedger) MarkRewardDistributed(ctx context.Context, sensorID, earnedDate string, amount float64) (*chain.Receipt, error) {
	if err := m.fail(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributed[sensorID+"|"+earnedDate] = amount
	return &chain.Receipt{TxID: uuid.NewString(), Timestamp: time.Now().UTC()}, nil
}

// RewardAlreadyDistributed implements chain.Ledger.
func (m *MockLedger) RewardAlreadyDistributed(ctx context.Context, sensorID, earnedDate string) (bool, error) {
	if err := m.fail(ctx); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.distributed[sensorID+"|"+earnedDate]
	return ok, nil
}
