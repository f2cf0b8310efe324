package rewards

import (
	"context"
	"sort"
	"sync"
	"time"
)

// historyLimit bounds per-sensor retained records; one year of daily rewards.
const historyLimit = 365

const dateLayout = "2006-01-02"

// rewardHistory keeps a bounded per-sensor window of computed rewards to
// answer streak and best/worst-day queries without unbounded growth.
type rewardHistory struct {
	mu      sync.RWMutex
	entries map[string][]RewardRecord // sensorID -> records sorted by date
}

func newRewardHistory() *rewardHistory {
	return &rewardHistory{}
}

// Initialize implements base.Component.
func (h *rewardHistory) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make(map[string][]RewardRecord)
	return nil
}

// Shutdown implements base.Component.
func (h *rewardHistory) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	return nil
}

// Health implements base.Component.
func (h *rewardHistory) Health(ctx context.Context) error {
	return nil
}

// record inserts or replaces the entry for the record's (sensor, date) pair.
func (h *rewardHistory) record(r *RewardRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.entries == nil {
		return
	}

	records := h.entries[r.SensorID]
	replaced := false
	for i := range records {
		if records[i].EarnedDate == r.EarnedDate {
			records[i] = *r
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, *r)
		sort.Slice(records, func(i, j int) bool {
			return records[i].EarnedDate < records[j].EarnedDate
		})
	}
	if len(records) > historyLimit {
		records = records[len(records)-historyLimit:]
	}
	h.entries[r.SensorID] = records
}

// forSensor returns the retained records for a sensor, oldest first.
func (h *rewardHistory) forSensor(sensorID string) []RewardRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	records := h.entries[sensorID]
	return append([]RewardRecord(nil), records...)
}

// streak returns the number of consecutive earned days ending at the
// sensor's most recent record.
func (h *rewardHistory) streak(sensorID string) int {
	records := h.forSensor(sensorID)
	if len(records) == 0 {
		return 0
	}

	streak := 1
	for i := len(records) - 1; i > 0; i-- {
		cur, err := time.Parse(dateLayout, records[i].EarnedDate)
		if err != nil {
			break
		}
		prev, err := time.Parse(dateLayout, records[i-1].EarnedDate)
		if err != nil {
			break
		}
		// Calendar-day successor check; robust even if dates ever carry a
		// zone.
		if !prev.AddDate(0, 0, 1).Equal(cur) {
			break
		}
		streak++
	}
	return streak
}

// bestDay returns the retained record with the highest total reward.
func (h *rewardHistory) bestDay(sensorID string) (*RewardRecord, bool) {
	return h.extremeDay(sensorID, func(candidate, best float64) bool { return candidate > best })
}

// worstDay returns the retained record with the lowest total reward.
func (h *rewardHistory) worstDay(sensorID string) (*RewardRecord, bool) {
	return h.extremeDay(sensorID, func(candidate, best float64) bool { return candidate < best })
}

func (h *rewardHistory) extremeDay(sensorID string, better func(candidate, best float64) bool) (*RewardRecord, bool) {
	records := h.forSensor(sensorID)
	if len(records) == 0 {
		return nil, false
	}

	best := records[0]
	for _, r := range records[1:] {
		if better(r.TotalReward, best.TotalReward) {
			best = r
		}
	}
	return &best, true
}
