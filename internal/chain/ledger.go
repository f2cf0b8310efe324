// Package chain provides the client for the external sensor ledger: the
// distributed registry that tracks sensor ownership and reputation, anchors
// record hashes, and pays out rewards.
package chain

import (
	"context"
	"time"
)

// Ownership is the ledger's answer to an ownership query.
type Ownership struct {
	Exists       bool `json:"exists"`
	IsActive     bool `json:"is_active"`
	OwnerMatches bool `json:"owner_matches"`
}

// RecordRef points at an anchored record.
type RecordRef struct {
	ContentAddress string `json:"content_address"`
	RecordHash     string `json:"record_hash"`
	Timestamp      int64  `json:"timestamp"`
	Submitter      string `json:"submitter"`
}

// Receipt acknowledges a ledger write.
type Receipt struct {
	TxID      string    `json:"tx_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger is the interface the pipeline uses to talk to the registry.
// Implementations must honor context cancellation on every call.
type Ledger interface {
	// SensorOwnedBy checks whether sensorID is registered to submitter.
	SensorOwnedBy(ctx context.Context, sensorID, submitter string) (*Ownership, error)

	// ReputationOf returns the sensor's current reputation score.
	ReputationOf(ctx context.Context, sensorID string) (int, error)

	// RegisterRecord anchors a content address and record hash for a sensor.
	RegisterRecord(ctx context.Context, sensorID, contentAddress string, wrappedKey []byte, recordHash string) (*Receipt, error)

	// FetchRecords returns up to limit anchored records for a sensor,
	// newest first.
	FetchRecords(ctx context.Context, sensorID string, limit int) ([]RecordRef, error)

	// SensorsInRegion lists the sensor IDs registered under a region tag.
	SensorsInRegion(ctx context.Context, region string) ([]string, error)

	// AllSensors lists every registered sensor ID.
	AllSensors(ctx context.Context) ([]string, error)

	// MarkRewardDistributed records that a reward was paid out.
	MarkRewardDistributed(ctx context.Context, sensorID, earnedDate string, amount float64) (*Receipt, error)

	// RewardAlreadyDistributed reports whether a reward for the pair was
	// already paid out.
	RewardAlreadyDistributed(ctx context.Context, sensorID, earnedDate string) (bool, error)
}
