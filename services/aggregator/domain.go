// Package aggregator computes windowed statistical summaries over accepted
// sensor data. A window covers a scope (one sensor, a region, or everything)
// and a time range; windows over settled historical ranges are immutable, so
// results are cached until explicitly invalidated.
package aggregator

import (
	"fmt"
	"time"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// ScopeType selects the sensor set a window covers.
type ScopeType string

const (
	ScopeSensor ScopeType = "sensor"
	ScopeRegion ScopeType = "region"
	ScopeGlobal ScopeType = "global"
)

// Scope identifies the sensor set for an aggregation.
type Scope struct {
	Type   ScopeType `json:"type"`
	Target string    `json:"target,omitempty"`
}

// SensorScope scopes aggregation to a single sensor.
func SensorScope(sensorID string) Scope {
	return Scope{Type: ScopeSensor, Target: sensorID}
}

// RegionScope scopes aggregation to all sensors in a region.
func RegionScope(region string) Scope {
	return Scope{Type: ScopeRegion, Target: region}
}

// GlobalScope scopes aggregation to every registered sensor.
func GlobalScope() Scope {
	return Scope{Type: ScopeGlobal}
}

// Validate checks the scope is well-formed.
func (s Scope) Validate() error {
	switch s.Type {
	case ScopeSensor, ScopeRegion:
		if s.Target == "" {
			return errdefs.Validation("scope", fmt.Sprintf("%s scope requires a target", s.Type))
		}
	case ScopeGlobal:
		if s.Target != "" {
			return errdefs.Validation("scope", "global scope takes no target")
		}
	default:
		return errdefs.Validation("scope", fmt.Sprintf("unknown scope type %q", s.Type))
	}
	return nil
}

// String returns the canonical cache-key form of the scope.
func (s Scope) String() string {
	if s.Type == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return string(s.Type) + ":" + s.Target
}

// TimeRange is an inclusive unix-second interval.
type TimeRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Validate checks the range is well-formed.
func (t TimeRange) Validate() error {
	if t.From <= 0 || t.To <= 0 {
		return errdefs.Validation("time_range", "bounds must be positive unix timestamps")
	}
	if t.To < t.From {
		return errdefs.Validation("time_range", "range end precedes start")
	}
	return nil
}

// Contains reports whether ts falls inside the range.
func (t TimeRange) Contains(ts int64) bool {
	return ts >= t.From && ts <= t.To
}

// Metrics holds the per-window arithmetic means and counts.
type Metrics struct {
	AvgCO2         float64 `json:"avg_co2"`
	AvgTemperature float64 `json:"avg_temperature"`
	AvgHumidity    float64 `json:"avg_humidity"`
	SensorCount    int     `json:"sensor_count"`
	DataPoints     int     `json:"data_points"`
}

// Outlier is one reading value flagged by the z-score test.
type Outlier struct {
	SensorID  string  `json:"sensor_id"`
	Timestamp int64   `json:"timestamp"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	ZScore    float64 `json:"z_score"`
}

// AggregationWindow is the result of aggregating one scope over one range.
type AggregationWindow struct {
	Scope      Scope     `json:"scope"`
	TimeRange  TimeRange `json:"time_range"`
	Metrics    Metrics   `json:"metrics"`
	Outliers   []Outlier `json:"outliers,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}
