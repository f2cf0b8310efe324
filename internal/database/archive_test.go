package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/AeroSense-Network/data_pipeline/services/rewards"
)

func newMockArchive(t *testing.T) (*RewardArchive, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

func testRecord() *rewards.RewardRecord {
	return &rewards.RewardRecord{
		SensorID:             "scd40-acme42-11111111-2222-4333-8444-555555555555",
		EarnedDate:           "2026-08-28",
		BaseReward:           10.0,
		ReputationMultiplier: 1.2,
		QualityBonus:         1.5,
		FrequencyBonus:       0.5,
		TotalReward:          18.5,
		Inputs: rewards.Inputs{
			ReputationScore:  120,
			ValidSubmissions: 15,
			AvgQualityScore:  850,
		},
	}
}

func TestSaveRewardRecord(t *testing.T) {
	archive, mock := newMockArchive(t)
	record := testRecord()

	mock.ExpectExec("INSERT INTO reward_records").
		WithArgs(
			record.SensorID, record.EarnedDate,
			record.BaseReward, record.ReputationMultiplier,
			record.QualityBonus, record.FrequencyBonus, record.TotalReward,
			record.Inputs.ReputationScore, record.Inputs.ValidSubmissions, record.Inputs.AvgQualityScore,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := archive.SaveRewardRecord(context.Background(), record); err != nil {
		t.Fatalf("SaveRewardRecord() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSaveRewardRecordUpsertOnRerun(t *testing.T) {
	archive, mock := newMockArchive(t)
	record := testRecord()

	// Two identical saves both execute the same upsert; the key absorbs
	// the second write.
	for i := 0; i < 2; i++ {
		mock.ExpectExec("ON CONFLICT \\(sensor_id, earned_date\\) DO UPDATE").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	ctx := context.Background()
	if err := archive.SaveRewardRecord(ctx, record); err != nil {
		t.Fatalf("first save error: %v", err)
	}
	if err := archive.SaveRewardRecord(ctx, record); err != nil {
		t.Fatalf("second save error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListBySensor(t *testing.T) {
	archive, mock := newMockArchive(t)
	record := testRecord()

	columns := []string{
		"sensor_id", "earned_date", "base_reward", "reputation_multiplier",
		"quality_bonus", "frequency_bonus", "total_reward",
		"reputation_score", "valid_submissions", "avg_quality_score",
	}
	mock.ExpectQuery("SELECT (.+) FROM reward_records").
		WithArgs(record.SensorID, 10).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			record.SensorID, record.EarnedDate,
			record.BaseReward, record.ReputationMultiplier,
			record.QualityBonus, record.FrequencyBonus, record.TotalReward,
			record.Inputs.ReputationScore, record.Inputs.ValidSubmissions, record.Inputs.AvgQualityScore,
		))

	records, err := archive.ListBySensor(context.Background(), record.SensorID, 10)
	if err != nil {
		t.Fatalf("ListBySensor() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].TotalReward != 18.5 || records[0].Inputs.ReputationScore != 120 {
		t.Errorf("record = %+v", records[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
