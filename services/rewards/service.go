package rewards

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AeroSense-Network/data_pipeline/internal/chain"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
	"github.com/AeroSense-Network/data_pipeline/services/base"
)

const (
	ServiceID   = "rewards"
	ServiceName = "Reward Engine"
	Version     = "1.0.0"
)

// Archiver persists computed reward records for audit. Implementations must
// be idempotent per (sensor, date).
type Archiver interface {
	SaveRewardRecord(ctx context.Context, record *RewardRecord) error
}

// SensorStats carries one sensor's daily submission signals into a batch run.
// Reputation is not included; it is fetched live from the ledger.
type SensorStats struct {
	SensorID         string `json:"sensor_id"`
	ValidSubmissions int    `json:"valid_submissions"`
	AvgQualityScore  int    `json:"avg_quality_score"`
}

// BatchItem is the per-sensor outcome of a batch run.
type BatchItem struct {
	SensorID string        `json:"sensor_id"`
	Record   *RewardRecord `json:"record,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QualityDistribution buckets a batch's sensors by average quality score.
type QualityDistribution struct {
	Excellent int `json:"excellent"` // >= 900
	Good      int `json:"good"`      // >= 700
	Fair      int `json:"fair"`      // >= 500
	Poor      int `json:"poor"`
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	TotalDistributed float64             `json:"total_distributed"`
	AverageReward    float64             `json:"average_reward"`
	TopPerformer     string              `json:"top_performer,omitempty"`
	Distributed      int                 `json:"distributed"`
	Skipped          int                 `json:"skipped"`
	Failed           int                 `json:"failed"`
	Quality          QualityDistribution `json:"quality"`
}

// BatchResult is the full outcome of a batch run.
type BatchResult struct {
	EarnedDate string       `json:"earned_date"`
	Results    []BatchItem  `json:"results"`
	Summary    BatchSummary `json:"summary"`
}

// Service computes and distributes daily rewards.
type Service struct {
	*base.BaseService

	ledger  chain.Ledger
	archive Archiver
	history *rewardHistory

	distributedTotal prometheus.Counter
	lastRunAmount    prometheus.Gauge
}

// New creates a reward engine. archive may be nil, in which case no audit
// copy is written. A nil registerer disables metrics.
func New(ledger chain.Ledger, archive Archiver, log *logger.Logger, reg prometheus.Registerer) *Service {
	svc := &Service{
		BaseService: base.NewBaseService(ServiceID, ServiceName, Version, log),
		ledger:      ledger,
		archive:     archive,
		history:     newRewardHistory(),
	}
	svc.AddComponent(svc.history)

	if reg != nil {
		svc.distributedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeline",
			Subsystem: "rewards",
			Name:      "distributed_total",
			Help:      "Cumulative reward amount handed to the ledger.",
		})
		svc.lastRunAmount = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Subsystem: "rewards",
			Name:      "last_run_amount",
			Help:      "Total amount distributed by the most recent batch run.",
		})
		reg.MustRegister(svc.distributedTotal, svc.lastRunAmount)
	}
	return svc
}

// CalculateDailyReward computes one sensor's reward for one date, records it
// in the bounded history, and archives it when an archive is configured.
// Reputation is read from the ledger.
func (s *Service) CalculateDailyReward(ctx context.Context, sensorID, earnedDate string, validSubmissions, avgQualityScore int) (*RewardRecord, error) {
	reputation, err := s.ledger.ReputationOf(ctx, sensorID)
	if err != nil {
		return nil, err
	}

	record, err := Calculate(sensorID, earnedDate, Inputs{
		ReputationScore:  reputation,
		ValidSubmissions: validSubmissions,
		AvgQualityScore:  avgQualityScore,
	})
	if err != nil {
		return nil, err
	}

	s.history.record(record)
	s.archiveRecord(ctx, record)
	return record, nil
}

// DistributeBatch computes and pays out rewards for a set of sensors.
// Per-sensor failures are isolated; a sensor whose reward was already
// distributed for the date is skipped, which makes re-running a partially
// failed batch safe.
func (s *Service) DistributeBatch(ctx context.Context, sensors []SensorStats, earnedDate string) (*BatchResult, error) {
	result := &BatchResult{EarnedDate: earnedDate}

	var topReward float64
	for _, stats := range sensors {
		item := BatchItem{SensorID: stats.SensorID}

		done, err := s.ledger.RewardAlreadyDistributed(ctx, stats.SensorID, earnedDate)
		if err != nil {
			item.Error = err.Error()
			result.Summary.Failed++
			result.Results = append(result.Results, item)
			continue
		}
		if done {
			item.Skipped = true
			result.Summary.Skipped++
			result.Results = append(result.Results, item)
			s.Logger().Info("reward already distributed", "sensor_id", stats.SensorID, "earned_date", earnedDate)
			continue
		}

		record, err := s.CalculateDailyReward(ctx, stats.SensorID, earnedDate, stats.ValidSubmissions, stats.AvgQualityScore)
		if err != nil {
			item.Error = err.Error()
			result.Summary.Failed++
			result.Results = append(result.Results, item)
			continue
		}

		if _, err := s.ledger.MarkRewardDistributed(ctx, stats.SensorID, earnedDate, record.TotalReward); err != nil {
			// Computed but not paid; the next run recomputes the same
			// amount and retries payout.
			item.Error = err.Error()
			result.Summary.Failed++
			result.Results = append(result.Results, item)
			continue
		}

		item.Record = record
		result.Results = append(result.Results, item)
		result.Summary.Distributed++
		result.Summary.TotalDistributed += record.TotalReward
		countQuality(&result.Summary.Quality, stats.AvgQualityScore)
		if record.TotalReward > topReward {
			topReward = record.TotalReward
			result.Summary.TopPerformer = stats.SensorID
		}
	}

	if result.Summary.Distributed > 0 {
		result.Summary.AverageReward = round4(result.Summary.TotalDistributed / float64(result.Summary.Distributed))
	}
	result.Summary.TotalDistributed = round4(result.Summary.TotalDistributed)

	if s.distributedTotal != nil {
		s.distributedTotal.Add(result.Summary.TotalDistributed)
		s.lastRunAmount.Set(result.Summary.TotalDistributed)
	}

	s.Logger().Info("batch reward run complete",
		"earned_date", earnedDate,
		"distributed", result.Summary.Distributed,
		"skipped", result.Summary.Skipped,
		"failed", result.Summary.Failed,
		"total", result.Summary.TotalDistributed)
	return result, nil
}

// History returns the retained reward records for a sensor, oldest first.
func (s *Service) History(sensorID string) []RewardRecord {
	return s.history.forSensor(sensorID)
}

// Streak returns the sensor's current run of consecutive earned days.
func (s *Service) Streak(sensorID string) int {
	return s.history.streak(sensorID)
}

// BestDay returns the sensor's highest retained reward.
func (s *Service) BestDay(sensorID string) (*RewardRecord, bool) {
	return s.history.bestDay(sensorID)
}

// WorstDay returns the sensor's lowest retained reward.
func (s *Service) WorstDay(sensorID string) (*RewardRecord, bool) {
	return s.history.worstDay(sensorID)
}

func (s *Service) archiveRecord(ctx context.Context, record *RewardRecord) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveRewardRecord(ctx, record); err != nil {
		// The archive is an audit convenience; payout state lives on the
		// ledger.
		s.Logger().Warn("archive reward record failed",
			"sensor_id", record.SensorID, "earned_date", record.EarnedDate, "error", err)
	}
}

func countQuality(dist *QualityDistribution, avgQuality int) {
	switch {
	case avgQuality >= 900:
		dist.Excellent++
	case avgQuality >= 700:
		dist.Good++
	case avgQuality >= 500:
		dist.Fair++
	default:
		dist.Poor++
	}
}
