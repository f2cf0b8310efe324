// Package database provides the Postgres audit archive for computed reward
// records. The archive is secondary storage: payout truth lives on the
// ledger, this keeps a queryable copy of every computation and its inputs.
package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/AeroSense-Network/data_pipeline/services/rewards"
)

const schema = `
CREATE TABLE IF NOT EXISTS reward_records (
	sensor_id             TEXT             NOT NULL,
	earned_date           DATE             NOT NULL,
	base_reward           DOUBLE PRECISION NOT NULL,
	reputation_multiplier DOUBLE PRECISION NOT NULL,
	quality_bonus         DOUBLE PRECISION NOT NULL,
	frequency_bonus       DOUBLE PRECISION NOT NULL,
	total_reward          DOUBLE PRECISION NOT NULL,
	reputation_score      INTEGER          NOT NULL,
	valid_submissions     INTEGER          NOT NULL,
	avg_quality_score     INTEGER          NOT NULL,
	computed_at           TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (sensor_id, earned_date)
)`

const upsertRecord = `
INSERT INTO reward_records (
	sensor_id, earned_date, base_reward, reputation_multiplier,
	quality_bonus, frequency_bonus, total_reward,
	reputation_score, valid_submissions, avg_quality_score
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (sensor_id, earned_date) DO UPDATE SET
	base_reward = EXCLUDED.base_reward,
	reputation_multiplier = EXCLUDED.reputation_multiplier,
	quality_bonus = EXCLUDED.quality_bonus,
	frequency_bonus = EXCLUDED.frequency_bonus,
	total_reward = EXCLUDED.total_reward,
	reputation_score = EXCLUDED.reputation_score,
	valid_submissions = EXCLUDED.valid_submissions,
	avg_quality_score = EXCLUDED.avg_quality_score,
	computed_at = now()`

const selectBySensor = `
SELECT sensor_id, to_char(earned_date, 'YYYY-MM-DD') AS earned_date,
	base_reward, reputation_multiplier, quality_bonus, frequency_bonus,
	total_reward, reputation_score, valid_submissions, avg_quality_score
FROM reward_records
WHERE sensor_id = $1
ORDER BY earned_date DESC
LIMIT $2`

// rewardRow is the scan target for reward_records.
type rewardRow struct {
	SensorID             string  `db:"sensor_id"`
	EarnedDate           string  `db:"earned_date"`
	BaseReward           float64 `db:"base_reward"`
	ReputationMultiplier float64 `db:"reputation_multiplier"`
	QualityBonus         float64 `db:"quality_bonus"`
	FrequencyBonus       float64 `db:"frequency_bonus"`
	TotalReward          float64 `db:"total_reward"`
	ReputationScore      int     `db:"reputation_score"`
	ValidSubmissions     int     `db:"valid_submissions"`
	AvgQualityScore      int     `db:"avg_quality_score"`
}

// RewardArchive persists reward records to Postgres.
type RewardArchive struct {
	db *sqlx.DB
}

// Open connects to Postgres and bootstraps the schema.
func Open(ctx context.Context, dsn string) (*RewardArchive, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect reward archive: %w", err)
	}

	archive := &RewardArchive{db: db}
	if err := archive.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return archive, nil
}

// NewWithDB wraps an existing connection, for tests.
func NewWithDB(db *sqlx.DB) *RewardArchive {
	return &RewardArchive{db: db}
}

// Close releases the connection pool.
func (a *RewardArchive) Close() error {
	return a.db.Close()
}

func (a *RewardArchive) bootstrap(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap reward archive schema: %w", err)
	}
	return nil
}

// SaveRewardRecord upserts one computed record. The (sensor, date) key makes
// re-running a reward batch overwrite rather than duplicate.
func (a *RewardArchive) SaveRewardRecord(ctx context.Context, record *rewards.RewardRecord) error {
	_, err := a.db.ExecContext(ctx, upsertRecord,
		record.SensorID,
		record.EarnedDate,
		record.BaseReward,
		record.ReputationMultiplier,
		record.QualityBonus,
		record.FrequencyBonus,
		record.TotalReward,
		record.Inputs.ReputationScore,
		record.Inputs.ValidSubmissions,
		record.Inputs.AvgQualityScore,
	)
	if err != nil {
		return fmt.Errorf("save reward record %s/%s: %w", record.SensorID, record.EarnedDate, err)
	}
	return nil
}

// ListBySensor returns up to limit archived records for a sensor, newest
// first.
func (a *RewardArchive) ListBySensor(ctx context.Context, sensorID string, limit int) ([]rewards.RewardRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []rewardRow
	if err := a.db.SelectContext(ctx, &rows, selectBySensor, sensorID, limit); err != nil {
		return nil, fmt.Errorf("list reward records for %s: %w", sensorID, err)
	}

	records := make([]rewards.RewardRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, rewards.RewardRecord{
			SensorID:             row.SensorID,
			EarnedDate:           row.EarnedDate,
			BaseReward:           row.BaseReward,
			ReputationMultiplier: row.ReputationMultiplier,
			QualityBonus:         row.QualityBonus,
			FrequencyBonus:       row.FrequencyBonus,
			TotalReward:          row.TotalReward,
			Inputs: rewards.Inputs{
				ReputationScore:  row.ReputationScore,
				ValidSubmissions: row.ValidSubmissions,
				AvgQualityScore:  row.AvgQualityScore,
			},
		})
	}
	return records, nil
}
