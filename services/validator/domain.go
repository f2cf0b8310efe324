// Package validator gates incoming sensor readings through the multi-stage
// data-quality and anti-fraud pipeline.
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// RawReading is the untrusted wire shape of a submission. Pointer fields let
// the completeness stage distinguish absent from zero; nothing downstream of
// that stage ever sees a RawReading.
type RawReading struct {
	SensorID    *string  `json:"sensor_id"`
	Timestamp   *int64   `json:"timestamp"`
	CO2         *float64 `json:"co2"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

// Reading is a fully-typed, complete sensor reading.
type Reading struct {
	SensorID    string  `json:"sensor_id"`
	Timestamp   int64   `json:"timestamp"`
	CO2         float64 `json:"co2"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// Raw converts a Reading back to its wire shape, for resubmission tests.
func (r Reading) Raw() RawReading {
	return RawReading{
		SensorID:    &r.SensorID,
		Timestamp:   &r.Timestamp,
		CO2:         &r.CO2,
		Temperature: &r.Temperature,
		Humidity:    &r.Humidity,
	}
}

// DataHash returns the deterministic digest of the reading's canonical form.
// Identical readings always hash identically; this is the global duplicate
// key.
func (r Reading) DataHash() string {
	h := sha256.New()
	h.Write([]byte(r.SensorID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(r.Timestamp, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatFloat(r.CO2, 'f', -1, 64)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatFloat(r.Temperature, 'f', -1, 64)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatFloat(r.Humidity, 'f', -1, 64)))
	return hex.EncodeToString(h.Sum(nil))
}

// Issue is one field-level problem found during validation.
type Issue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult is the immutable outcome of validating one reading.
type ValidationResult struct {
	IsValid  bool    `json:"is_valid"`
	Score    int     `json:"score"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
	Flags    []string `json:"flags,omitempty"`
	DataHash string  `json:"data_hash,omitempty"`
}

// Err returns the first hard error as a typed pipeline error, or nil.
func (v *ValidationResult) Err() error {
	if v.IsValid || len(v.Errors) == 0 {
		return nil
	}
	first := v.Errors[0]
	switch first.Code {
	case errdefs.CodeDuplicate:
		return errdefs.Duplicate(first.Message)
	case errdefs.CodeRateLimit:
		return errdefs.RateLimit(first.Message)
	default:
		return errdefs.Validation(first.Field, first.Message)
	}
}

// BatchItem pairs a batch entry with its result.
type BatchItem struct {
	Index  int               `json:"index"`
	Result *ValidationResult `json:"result"`
}

// BatchSummary reports aggregate counts for a validated batch.
type BatchSummary struct {
	Total    int `json:"total"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Warned   int `json:"warned"`
}

// BatchResult is the outcome of validating a batch of readings.
type BatchResult struct {
	Results []BatchItem  `json:"results"`
	Summary BatchSummary `json:"summary"`
}
