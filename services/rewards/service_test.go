package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
	"github.com/AeroSense-Network/data_pipeline/pkg/testutil"
)

const (
	sensorA = "scd40-acme42-11111111-2222-4333-8444-555555555555"
	sensorB = "scd41-acme42-99999999-8888-4777-8666-555555555555"
)

func newTestService(t *testing.T, ledger *testutil.MockLedger, archive Archiver) *Service {
	t.Helper()
	svc := New(ledger, archive, logger.NewNop(), nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func TestCalculateScenario(t *testing.T) {
	record, err := Calculate(sensorA, "2026-08-28", Inputs{
		ReputationScore:  120,
		ValidSubmissions: 15,
		AvgQualityScore:  850,
	})
	if err != nil {
		t.Fatalf("Calculate() error: %v", err)
	}

	if record.ReputationMultiplier != 1.2 {
		t.Errorf("ReputationMultiplier = %v, want 1.2", record.ReputationMultiplier)
	}
	if record.QualityBonus != 1.5 {
		t.Errorf("QualityBonus = %v, want 1.5", record.QualityBonus)
	}
	if record.FrequencyBonus != 0.5 {
		t.Errorf("FrequencyBonus = %v, want 0.5", record.FrequencyBonus)
	}
	if record.TotalReward != 18.5 {
		t.Errorf("TotalReward = %v, want 18.5", record.TotalReward)
	}
}

func TestCalculateIsPure(t *testing.T) {
	in := Inputs{ReputationScore: 155, ValidSubmissions: 22, AvgQualityScore: 910}

	first, err := Calculate(sensorA, "2026-08-28", in)
	if err != nil {
		t.Fatalf("Calculate() error: %v", err)
	}
	second, err := Calculate(sensorA, "2026-08-28", in)
	if err != nil {
		t.Fatalf("Calculate() error: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("recomputation differs:\n%s\n%s", a, b)
	}
}

func TestCalculateIneligible(t *testing.T) {
	_, err := Calculate(sensorA, "2026-08-28", Inputs{ReputationScore: 49, ValidSubmissions: 30, AvgQualityScore: 950})
	if !errdefs.IsRewardIneligible(err) {
		t.Errorf("Calculate() error = %v, want reward-ineligible", err)
	}
}

func TestCalculateTiers(t *testing.T) {
	cases := []struct {
		name  string
		in    Inputs
		total float64
	}{
		{"top tier everything", Inputs{ReputationScore: 150, ValidSubmissions: 20, AvgQualityScore: 900}, 31.0},
		{"floor quality", Inputs{ReputationScore: 50, ValidSubmissions: 0, AvgQualityScore: 100}, 8.0},
		{"mid quality no frequency", Inputs{ReputationScore: 99, ValidSubmissions: 4, AvgQualityScore: 700}, 12.0},
		{"boundary frequency five", Inputs{ReputationScore: 100, ValidSubmissions: 5, AvgQualityScore: 600}, 12.2},
		{"boundary quality 799", Inputs{ReputationScore: 50, ValidSubmissions: 10, AvgQualityScore: 799}, 12.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record, err := Calculate(sensorA, "2026-08-28", tc.in)
			if err != nil {
				t.Fatalf("Calculate() error: %v", err)
			}
			if record.TotalReward != tc.total {
				t.Errorf("TotalReward = %v, want %v", record.TotalReward, tc.total)
			}
		})
	}
}

func TestCalculateDailyRewardReadsLedgerReputation(t *testing.T) {
	ledger := testutil.NewMockLedger()
	ledger.RegisterSensor(sensorA, "acme42", "berlin")
	ledger.SetReputation(sensorA, 120)
	svc := newTestService(t, ledger, nil)

	record, err := svc.CalculateDailyReward(context.Background(), sensorA, "2026-08-28", 15, 850)
	if err != nil {
		t.Fatalf("CalculateDailyReward() error: %v", err)
	}
	if record.TotalReward != 18.5 {
		t.Errorf("TotalReward = %v, want 18.5", record.TotalReward)
	}
	if record.Inputs.ReputationScore != 120 {
		t.Errorf("Inputs.ReputationScore = %d, want 120", record.Inputs.ReputationScore)
	}
}

func TestDistributeBatch(t *testing.T) {
	ledger := testutil.NewMockLedger()
	ledger.RegisterSensor(sensorA, "acme42", "berlin")
	ledger.RegisterSensor(sensorB, "acme42", "berlin")
	ledger.SetReputation(sensorA, 150)
	ledger.SetReputation(sensorB, 60)
	svc := newTestService(t, ledger, nil)

	stats := []SensorStats{
		{SensorID: sensorA, ValidSubmissions: 20, AvgQualityScore: 910},
		{SensorID: sensorB, ValidSubmissions: 6, AvgQualityScore: 650},
	}
	result, err := svc.DistributeBatch(context.Background(), stats, "2026-08-28")
	if err != nil {
		t.Fatalf("DistributeBatch() error: %v", err)
	}

	if result.Summary.Distributed != 2 {
		t.Fatalf("Distributed = %d, want 2", result.Summary.Distributed)
	}
	// A: 10*1.5*2.0+1.0 = 31; B: 10*1.0*1.0+0.2 = 10.2.
	if result.Summary.TotalDistributed != 41.2 {
		t.Errorf("TotalDistributed = %v, want 41.2", result.Summary.TotalDistributed)
	}
	if result.Summary.AverageReward != 20.6 {
		t.Errorf("AverageReward = %v, want 20.6", result.Summary.AverageReward)
	}
	if result.Summary.TopPerformer != sensorA {
		t.Errorf("TopPerformer = %s, want %s", result.Summary.TopPerformer, sensorA)
	}
	if result.Summary.Quality.Excellent != 1 || result.Summary.Quality.Fair != 1 {
		t.Errorf("quality distribution = %+v, want 1 excellent and 1 fair", result.Summary.Quality)
	}
}

func TestDistributeBatchRerunSkips(t *testing.T) {
	ledger := testutil.NewMockLedger()
	ledger.RegisterSensor(sensorA, "acme42", "berlin")
	ledger.SetReputation(sensorA, 100)
	svc := newTestService(t, ledger, nil)

	stats := []SensorStats{{SensorID: sensorA, ValidSubmissions: 12, AvgQualityScore: 750}}

	first, err := svc.DistributeBatch(context.Background(), stats, "2026-08-28")
	if err != nil {
		t.Fatalf("first run error: %v", err)
	}
	if first.Summary.Distributed != 1 {
		t.Fatalf("first run distributed = %d, want 1", first.Summary.Distributed)
	}

	second, err := svc.DistributeBatch(context.Background(), stats, "2026-08-28")
	if err != nil {
		t.Fatalf("second run error: %v", err)
	}
	if second.Summary.Distributed != 0 || second.Summary.Skipped != 1 {
		t.Errorf("second run = %+v, want 0 distributed and 1 skipped", second.Summary)
	}
	if second.Summary.TotalDistributed != 0 {
		t.Errorf("second run double-credited: %v", second.Summary.TotalDistributed)
	}
}

func TestDistributeBatchIsolatesFailures(t *testing.T) {
	ledger := testutil.NewMockLedger()
	ledger.RegisterSensor(sensorA, "acme42", "berlin")
	ledger.RegisterSensor(sensorB, "acme42", "berlin")
	ledger.SetReputation(sensorA, 20) // below the qualification gate
	ledger.SetReputation(sensorB, 100)
	svc := newTestService(t, ledger, nil)

	stats := []SensorStats{
		{SensorID: sensorA, ValidSubmissions: 25, AvgQualityScore: 950},
		{SensorID: sensorB, ValidSubmissions: 12, AvgQualityScore: 750},
	}
	result, err := svc.DistributeBatch(context.Background(), stats, "2026-08-28")
	if err != nil {
		t.Fatalf("DistributeBatch() error: %v", err)
	}

	if result.Summary.Failed != 1 || result.Summary.Distributed != 1 {
		t.Fatalf("summary = %+v, want 1 failed and 1 distributed", result.Summary)
	}
	if result.Results[0].Error == "" {
		t.Error("expected an error message on the ineligible sensor")
	}
	if result.Results[1].Record == nil {
		t.Error("expected a reward record for the healthy sensor")
	}
}

func TestHistoryQueries(t *testing.T) {
	ledger := testutil.NewMockLedger()
	ledger.RegisterSensor(sensorA, "acme42", "berlin")
	svc := newTestService(t, ledger, nil)
	ctx := context.Background()

	days := []struct {
		date       string
		reputation int
		subs       int
		quality    int
	}{
		{"2026-08-24", 100, 25, 910},
		{"2026-08-25", 100, 3, 400},
		{"2026-08-27", 100, 12, 750},
		{"2026-08-28", 100, 20, 850},
	}
	for _, d := range days {
		ledger.SetReputation(sensorA, d.reputation)
		if _, err := svc.CalculateDailyReward(ctx, sensorA, d.date, d.subs, d.quality); err != nil {
			t.Fatalf("CalculateDailyReward(%s) error: %v", d.date, err)
		}
	}

	if got := len(svc.History(sensorA)); got != 4 {
		t.Fatalf("history length = %d, want 4", got)
	}

	// The 26th is missing, so the streak is the 27th and 28th.
	if streak := svc.Streak(sensorA); streak != 2 {
		t.Errorf("Streak = %d, want 2", streak)
	}

	best, ok := svc.BestDay(sensorA)
	if !ok || best.EarnedDate != "2026-08-24" {
		t.Errorf("BestDay = %+v, want 2026-08-24", best)
	}
	worst, ok := svc.WorstDay(sensorA)
	if !ok || worst.EarnedDate != "2026-08-25" {
		t.Errorf("WorstDay = %+v, want 2026-08-25", worst)
	}
}

type recordingArchive struct {
	saved []RewardRecord
	err   error
}

func (a *recordingArchive) SaveRewardRecord(ctx context.Context, record *RewardRecord) error {
	if a.err != nil {
		return a.err
	}
	a.saved = append(a.saved, *record)
	return nil
}

func TestArchiveReceivesRecords(t *testing.T) {
	ledger := testutil.NewMockLedger()
	ledger.RegisterSensor(sensorA, "acme42", "berlin")
	ledger.SetReputation(sensorA, 120)
	archive := &recordingArchive{}
	svc := newTestService(t, ledger, archive)

	if _, err := svc.CalculateDailyReward(context.Background(), sensorA, "2026-08-28", 15, 850); err != nil {
		t.Fatalf("CalculateDailyReward() error: %v", err)
	}
	if len(archive.saved) != 1 {
		t.Fatalf("archive saved %d records, want 1", len(archive.saved))
	}
	if archive.saved[0].TotalReward != 18.5 {
		t.Errorf("archived TotalReward = %v, want 18.5", archive.saved[0].TotalReward)
	}
}

func TestArchiveFailureDoesNotBlockReward(t *testing.T) {
	ledger := testutil.NewMockLedger()
	ledger.RegisterSensor(sensorA, "acme42", "berlin")
	ledger.SetReputation(sensorA, 120)
	archive := &recordingArchive{err: errors.New("archive down")}
	svc := newTestService(t, ledger, archive)

	record, err := svc.CalculateDailyReward(context.Background(), sensorA, "2026-08-28", 15, 850)
	if err != nil {
		t.Fatalf("CalculateDailyReward() error: %v", err)
	}
	if record.TotalReward != 18.5 {
		t.Errorf("TotalReward = %v, want 18.5", record.TotalReward)
	}
}
