// Package rewards converts per-sensor daily performance into payout amounts.
// A reward is a pure function of its declared inputs; recomputing with the
// same inputs always produces the identical record, which is what makes the
// daily run auditable and safe to retry.
package rewards

import (
	"fmt"
	"math"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

const (
	// BaseReward is the fixed daily base amount before multipliers.
	BaseReward = 10.0

	// MinReputation is the qualification gate; sensors below it earn
	// nothing and the calculation fails with a domain error.
	MinReputation = 50
)

// Inputs is the snapshot of signals a reward was computed from. It is stored
// alongside the result so any payout can be reproduced and audited later.
type Inputs struct {
	ReputationScore  int `json:"reputation_score"`
	ValidSubmissions int `json:"valid_submissions"`
	AvgQualityScore  int `json:"avg_quality_score"`
}

// RewardRecord is one sensor's reward for one earned date.
type RewardRecord struct {
	SensorID             string  `json:"sensor_id"`
	EarnedDate           string  `json:"earned_date"`
	BaseReward           float64 `json:"base_reward"`
	ReputationMultiplier float64 `json:"reputation_multiplier"`
	QualityBonus         float64 `json:"quality_bonus"`
	FrequencyBonus       float64 `json:"frequency_bonus"`
	TotalReward          float64 `json:"total_reward"`
	Inputs               Inputs  `json:"inputs"`
}

// Calculate computes the daily reward for a sensor. It is deterministic and
// side-effect free.
func Calculate(sensorID, earnedDate string, in Inputs) (*RewardRecord, error) {
	if sensorID == "" {
		return nil, errdefs.Validation("sensor_id", "sensor id is required")
	}
	if earnedDate == "" {
		return nil, errdefs.Validation("earned_date", "earned date is required")
	}
	if in.ReputationScore < MinReputation {
		return nil, errdefs.RewardIneligible(fmt.Sprintf(
			"sensor %s reputation %d below minimum %d", sensorID, in.ReputationScore, MinReputation))
	}

	record := &RewardRecord{
		SensorID:             sensorID,
		EarnedDate:           earnedDate,
		BaseReward:           BaseReward,
		ReputationMultiplier: reputationMultiplier(in.ReputationScore),
		QualityBonus:         qualityBonus(in.AvgQualityScore),
		FrequencyBonus:       frequencyBonus(in.ValidSubmissions),
		Inputs:               in,
	}
	record.TotalReward = round4(record.BaseReward*record.ReputationMultiplier*record.QualityBonus + record.FrequencyBonus)
	return record, nil
}

func reputationMultiplier(score int) float64 {
	switch {
	case score >= 150:
		return 1.5
	case score >= 100:
		return 1.2
	case score >= MinReputation:
		return 1.0
	default:
		// Unreachable behind the qualification gate.
		return 0.5
	}
}

func qualityBonus(avgQuality int) float64 {
	switch {
	case avgQuality >= 900:
		return 2.0
	case avgQuality >= 800:
		return 1.5
	case avgQuality >= 700:
		return 1.2
	case avgQuality >= 600:
		return 1.0
	default:
		return 0.8
	}
}

func frequencyBonus(validSubmissions int) float64 {
	switch {
	case validSubmissions >= 20:
		return 1.0
	case validSubmissions >= 10:
		return 0.5
	case validSubmissions >= 5:
		return 0.2
	default:
		return 0.0
	}
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
