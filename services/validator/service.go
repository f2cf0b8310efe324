package validator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AeroSense-Network/data_pipeline/internal/chain"
	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
	"github.com/AeroSense-Network/data_pipeline/services/base"
)

const (
	ServiceID   = "validator"
	ServiceName = "Validation Gate"
	Version     = "1.0.0"
)

// Gate thresholds. These are economically sensitive; changing any of them
// changes which submissions earn rewards.
const (
	// TimestampWindow is how far in the past a reading may claim to be.
	TimestampWindow = 5 * time.Minute
	// driftWarnFraction of the window triggers a clock-drift warning.
	driftWarnFraction = 0.8

	// MinSubmissionInterval is the per-sensor frequency floor.
	MinSubmissionInterval = 10 * time.Minute

	tempHardMin = -50.0
	tempHardMax = 60.0
	tempWarnMin = -30.0
	tempWarnMax = 45.0

	humidityMin = 0.0
	humidityMax = 100.0

	co2RangeMin       = 300.0
	co2Implausible    = 10000.0
	co2DriftThreshold = 5000.0

	// Typical sub-ranges earning the quality bonus.
	typicalTempMin = 15.0
	typicalTempMax = 35.0
	typicalHumMin  = 30.0
	typicalHumMax  = 80.0
	typicalCO2Min  = 350.0
	typicalCO2Max  = 1000.0

	scoreMax        = 1000
	warningPenalty  = 50
	flagPenalty     = 25
	typicalBonus    = 25
	maxTypicalBonus = 3
)

// sensorTypes are the accepted sensor model prefixes.
var sensorTypes = map[string]bool{
	"scd40":  true,
	"scd41":  true,
	"bme688": true,
	"sen55":  true,
	"sps30":  true,
}

// ownerTagPattern is the owner-derived middle component of a sensor ID.
var ownerTagPattern = regexp.MustCompile(`^[a-z0-9]{6,12}$`)

// numericSuffixPattern is the optional disambiguation suffix.
var numericSuffixPattern = regexp.MustCompile(`^[0-9]{1,4}$`)

// Config holds validator configuration.
type Config struct {
	// StrictOwnership rejects readings whose ownership cannot be verified
	// instead of warning.
	StrictOwnership bool
	// OwnershipTimeout bounds the ledger ownership call.
	OwnershipTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service implements the validation gate.
type Service struct {
	*base.BaseService

	ledger chain.Ledger
	state  SubmissionState
	cfg    Config

	// sensorLocks serializes the duplicate and frequency gates per sensor
	// within this process; cross-instance races are caught by the state
	// backend's atomic CheckAndRecord.
	sensorLocks sync.Map // sensorID -> *sync.Mutex
}

// New creates a validator service.
func New(ledger chain.Ledger, state SubmissionState, cfg Config, log *logger.Logger) *Service {
	if cfg.OwnershipTimeout <= 0 {
		cfg.OwnershipTimeout = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	svc := &Service{
		BaseService: base.NewBaseService(ServiceID, ServiceName, Version, log),
		ledger:      ledger,
		state:       state,
		cfg:         cfg,
	}
	svc.AddComponent(stateComponent{state})
	return svc
}

// stateComponent adapts SubmissionState to base.Component.
type stateComponent struct{ s SubmissionState }

func (c stateComponent) Initialize(ctx context.Context) error { return c.s.Initialize(ctx) }
func (c stateComponent) Shutdown(ctx context.Context) error   { return c.s.Shutdown(ctx) }
func (c stateComponent) Health(ctx context.Context) error     { return c.s.Health(ctx) }

// lockSensor acquires the per-sensor mutex.
func (s *Service) lockSensor(sensorID string) *sync.Mutex {
	v, _ := s.sensorLocks.LoadOrStore(sensorID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu
}

// Validate runs the ordered validation stages against one reading.
// The first hard error short-circuits the remaining stages; warnings and
// flags from stages already run are preserved in the result. On success
// the submission is recorded in the anti-replay state.
func (s *Service) Validate(ctx context.Context, raw RawReading, submitter string) (*ValidationResult, error) {
	result := &ValidationResult{}

	// Stage 1: completeness. Everything downstream gets a typed Reading.
	reading, issue := checkCompleteness(raw)
	if issue != nil {
		return s.reject(result, *issue), nil
	}
	result.DataHash = reading.DataHash()

	// Per-sensor serialization covers the duplicate and frequency gates
	// and the final state recording.
	mu := s.lockSensor(reading.SensorID)
	defer mu.Unlock()

	// Stage 2: duplicate detection.
	if issue, err := s.checkDuplicate(ctx, reading, result.DataHash); err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	} else if issue != nil {
		return s.reject(result, *issue), nil
	}

	// Stage 3: sensor identity and ownership.
	if issue := checkSensorID(reading.SensorID); issue != nil {
		return s.reject(result, *issue), nil
	}
	if issue := s.checkOwnership(ctx, reading.SensorID, submitter, result); issue != nil {
		return s.reject(result, *issue), nil
	}

	// Stage 4: timestamp window.
	if issue := s.checkTimestamp(reading.Timestamp, result); issue != nil {
		return s.reject(result, *issue), nil
	}

	// Stage 5: submission frequency.
	if issue, err := s.checkFrequency(ctx, reading); err != nil {
		return nil, fmt.Errorf("frequency check: %w", err)
	} else if issue != nil {
		return s.reject(result, *issue), nil
	}

	// Stage 6: metric ranges.
	if issue := checkRanges(reading, result); issue != nil {
		return s.reject(result, *issue), nil
	}

	// Stage 7: quality scoring.
	result.Score = scoreReading(reading, result)
	result.IsValid = true

	// The duplicate gate above is advisory; the backend's atomic insert is
	// the authority. A concurrent submitter on another instance loses here.
	if err := s.state.CheckAndRecord(ctx, result.DataHash, reading.SensorID, reading.Timestamp); err != nil {
		if errdefs.IsDuplicate(err) {
			return s.reject(result, Issue{
				Code:    errdefs.CodeDuplicate,
				Message: "payload was already accepted (duplicate data hash)",
			}), nil
		}
		return nil, fmt.Errorf("record submission: %w", err)
	}

	s.Logger().Debug("reading accepted",
		"sensor", reading.SensorID, "score", result.Score,
		"warnings", len(result.Warnings), "flags", len(result.Flags))
	return result, nil
}

// ValidateBatch validates readings independently; one bad item never aborts
// the batch.
func (s *Service) ValidateBatch(ctx context.Context, readings []RawReading, submitter string) (*BatchResult, error) {
	batch := &BatchResult{
		Results: make([]BatchItem, 0, len(readings)),
		Summary: BatchSummary{Total: len(readings)},
	}

	for i, raw := range readings {
		result, err := s.Validate(ctx, raw, submitter)
		if err != nil {
			// Internal failure for this item; report it as a rejection
			// and keep going.
			result = &ValidationResult{Errors: []Issue{{
				Code:    errdefs.CodeStorage,
				Message: err.Error(),
			}}}
		}

		batch.Results = append(batch.Results, BatchItem{Index: i, Result: result})
		if result.IsValid {
			batch.Summary.Accepted++
			if len(result.Warnings) > 0 {
				batch.Summary.Warned++
			}
		} else {
			batch.Summary.Rejected++
		}
	}

	return batch, nil
}

// reject finalizes a result with a hard error.
func (s *Service) reject(result *ValidationResult, issue Issue) *ValidationResult {
	result.IsValid = false
	result.Score = 0
	result.Errors = append(result.Errors, issue)
	return result
}

// checkCompleteness verifies all required fields are present.
func checkCompleteness(raw RawReading) (Reading, *Issue) {
	missing := ""
	switch {
	case raw.SensorID == nil || *raw.SensorID == "":
		missing = "sensor_id"
	case raw.Timestamp == nil:
		missing = "timestamp"
	case raw.CO2 == nil:
		missing = "co2"
	case raw.Temperature == nil:
		missing = "temperature"
	case raw.Humidity == nil:
		missing = "humidity"
	}
	if missing != "" {
		return Reading{}, &Issue{
			Code:    errdefs.CodeValidation,
			Field:   missing,
			Message: "required field is missing",
		}
	}

	return Reading{
		SensorID:    *raw.SensorID,
		Timestamp:   *raw.Timestamp,
		CO2:         *raw.CO2,
		Temperature: *raw.Temperature,
		Humidity:    *raw.Humidity,
	}, nil
}

// checkDuplicate rejects replays by data hash or (sensor, timestamp) pair.
func (s *Service) checkDuplicate(ctx context.Context, reading Reading, dataHash string) (*Issue, error) {
	seen, err := s.state.SeenHash(ctx, dataHash)
	if err != nil {
		return nil, err
	}
	if seen {
		return &Issue{
			Code:    errdefs.CodeDuplicate,
			Message: "payload was already accepted (duplicate data hash)",
		}, nil
	}

	seen, err = s.state.SeenTimestamp(ctx, reading.SensorID, reading.Timestamp)
	if err != nil {
		return nil, err
	}
	if seen {
		return &Issue{
			Code:    errdefs.CodeDuplicate,
			Field:   "timestamp",
			Message: "a reading with this timestamp was already accepted for this sensor",
		}, nil
	}
	return nil, nil
}

// checkSensorID validates the lexical sensor ID pattern:
// {type}-{ownerTag}-{uuidv4}[-{n}].
func checkSensorID(sensorID string) *Issue {
	bad := func(msg string) *Issue {
		return &Issue{Code: errdefs.CodeValidation, Field: "sensor_id", Message: msg}
	}

	parts := strings.SplitN(sensorID, "-", 3)
	if len(parts) != 3 {
		return bad("sensor id must be {type}-{owner}-{uuid}")
	}
	if !sensorTypes[parts[0]] {
		return bad("unknown sensor type prefix: " + parts[0])
	}
	if !ownerTagPattern.MatchString(parts[1]) {
		return bad("owner tag must be 6-12 lowercase alphanumerics")
	}

	// The remainder is a canonical UUID, optionally followed by a numeric
	// disambiguation suffix.
	rest := parts[2]
	uuidPart := rest
	if len(rest) > 36 {
		if rest[36] != '-' || !numericSuffixPattern.MatchString(rest[37:]) {
			return bad("malformed disambiguation suffix")
		}
		uuidPart = rest[:36]
	}

	id, err := uuid.Parse(uuidPart)
	if err != nil {
		return bad("sensor id suffix is not a valid UUID")
	}
	if id.Version() != 4 {
		return bad("sensor id suffix must be a version-4 UUID")
	}
	return nil
}

// checkOwnership verifies the submitter owns the sensor via the ledger.
// Unverifiable ownership is a warning (or an error under StrictOwnership);
// affirmative non-ownership is always a hard error.
func (s *Service) checkOwnership(ctx context.Context, sensorID, submitter string, result *ValidationResult) *Issue {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.OwnershipTimeout)
	defer cancel()

	own, err := s.ledger.SensorOwnedBy(callCtx, sensorID, submitter)
	if err != nil {
		s.Logger().Debug("ownership check unavailable", "sensor", sensorID, "error", err)
		if s.cfg.StrictOwnership {
			return &Issue{
				Code:    errdefs.CodeValidation,
				Field:   "sensor_id",
				Message: "ownership could not be verified",
			}
		}
		result.Warnings = append(result.Warnings, Issue{
			Code:    errdefs.CodeLedger,
			Field:   "sensor_id",
			Message: "ownership could not be verified",
		})
		result.Flags = append(result.Flags, "ownership-unverified")
		return nil
	}

	if own.Exists && !own.OwnerMatches {
		return &Issue{
			Code:    errdefs.CodeValidation,
			Field:   "sensor_id",
			Message: "sensor is registered to a different owner",
		}
	}
	if !own.Exists {
		if s.cfg.StrictOwnership {
			return &Issue{
				Code:    errdefs.CodeValidation,
				Field:   "sensor_id",
				Message: "sensor is not registered",
			}
		}
		result.Warnings = append(result.Warnings, Issue{
			Code:    errdefs.CodeValidation,
			Field:   "sensor_id",
			Message: "sensor is not registered",
		})
	} else if !own.IsActive {
		result.Flags = append(result.Flags, "sensor-inactive")
	}
	return nil
}

// checkTimestamp enforces the submission time window.
func (s *Service) checkTimestamp(timestamp int64, result *ValidationResult) *Issue {
	bad := func(msg string) *Issue {
		return &Issue{Code: errdefs.CodeValidation, Field: "timestamp", Message: msg}
	}

	if timestamp <= 0 {
		return bad("timestamp must be a positive unix-seconds value")
	}

	now := s.cfg.Now().Unix()
	if timestamp > now {
		return bad("future timestamps are rejected")
	}

	age := now - timestamp
	window := int64(TimestampWindow.Seconds())
	if age > window {
		return bad("timestamp is outside the submission window")
	}
	if float64(age) > float64(window)*driftWarnFraction {
		result.Warnings = append(result.Warnings, Issue{
			Code:    errdefs.CodeValidation,
			Field:   "timestamp",
			Message: "timestamp is near the edge of the submission window (possible clock drift)",
		})
	}
	return nil
}

// checkFrequency enforces the per-sensor minimum submission interval.
func (s *Service) checkFrequency(ctx context.Context, reading Reading) (*Issue, error) {
	last, ok, err := s.state.LastAccepted(ctx, reading.SensorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	// Monotonic ordering: a reading at or before the last accepted one is
	// by definition inside the interval.
	if reading.Timestamp-last < int64(MinSubmissionInterval.Seconds()) {
		return &Issue{
			Code:    errdefs.CodeRateLimit,
			Field:   "timestamp",
			Message: fmt.Sprintf("submissions are limited to one per %s per sensor", MinSubmissionInterval),
		}, nil
	}
	return nil, nil
}

// checkRanges enforces the per-metric hard bounds and collects warnings
// and flags.
func checkRanges(reading Reading, result *ValidationResult) *Issue {
	// Temperature
	if reading.Temperature < tempHardMin || reading.Temperature > tempHardMax {
		return &Issue{
			Code:    errdefs.CodeValidation,
			Field:   "temperature",
			Message: fmt.Sprintf("temperature %.1f°C is outside [%.0f, %.0f]", reading.Temperature, tempHardMin, tempHardMax),
		}
	}
	if reading.Temperature < tempWarnMin || reading.Temperature > tempWarnMax {
		result.Warnings = append(result.Warnings, Issue{
			Code:    errdefs.CodeValidation,
			Field:   "temperature",
			Message: "temperature is in the extreme band",
		})
	}

	// Humidity
	if reading.Humidity < humidityMin || reading.Humidity > humidityMax {
		return &Issue{
			Code:    errdefs.CodeValidation,
			Field:   "humidity",
			Message: fmt.Sprintf("humidity %.1f%% is outside [0, 100]", reading.Humidity),
		}
	}
	if reading.Humidity == humidityMin || reading.Humidity == humidityMax {
		result.Flags = append(result.Flags, "humidity-rail")
	}

	// CO2
	if reading.CO2 < 0 {
		return &Issue{
			Code:    errdefs.CodeValidation,
			Field:   "co2",
			Message: "co2 concentration cannot be negative",
		}
	}
	if reading.CO2 > co2Implausible {
		return &Issue{
			Code:    errdefs.CodeValidation,
			Field:   "co2",
			Message: fmt.Sprintf("co2 %.0f ppm is implausible (above %.0f)", reading.CO2, co2Implausible),
		}
	}
	if reading.CO2 < co2RangeMin {
		return &Issue{
			Code:    errdefs.CodeValidation,
			Field:   "co2",
			Message: fmt.Sprintf("co2 %.0f ppm is below the plausible floor of %.0f", reading.CO2, co2RangeMin),
		}
	}
	if reading.CO2 > co2DriftThreshold {
		result.Flags = append(result.Flags, "co2-drift")
	}

	return nil
}

// scoreReading computes the quality score: start at 1000, subtract per
// warning and flag, add a bonus per metric inside its typical sub-range,
// clamp to [0, 1000].
func scoreReading(reading Reading, result *ValidationResult) int {
	score := scoreMax
	score -= warningPenalty * len(result.Warnings)
	score -= flagPenalty * len(result.Flags)

	bonuses := 0
	if reading.Temperature >= typicalTempMin && reading.Temperature <= typicalTempMax {
		bonuses++
	}
	if reading.Humidity >= typicalHumMin && reading.Humidity <= typicalHumMax {
		bonuses++
	}
	if reading.CO2 >= typicalCO2Min && reading.CO2 <= typicalCO2Max {
		bonuses++
	}
	if bonuses > maxTypicalBonus {
		bonuses = maxTypicalBonus
	}
	score += typicalBonus * bonuses

	if score < 0 {
		score = 0
	}
	if score > scoreMax {
		score = scoreMax
	}
	return score
}
