// Package ingest is the pipeline's write path: one accepted reading flows
// through validation, encryption, content-addressed storage, and ledger
// registration in that order.
package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AeroSense-Network/data_pipeline/internal/chain"
	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
	"github.com/AeroSense-Network/data_pipeline/services/base"
	"github.com/AeroSense-Network/data_pipeline/services/encryptor"
	"github.com/AeroSense-Network/data_pipeline/services/validator"
)

const (
	ServiceID   = "ingest"
	ServiceName = "Ingest Pipeline"
	Version     = "1.0.0"

	// storeAttempts bounds retries against a failing content store.
	storeAttempts = 3
	storeBackoff  = 100 * time.Millisecond
	maxBackoff    = time.Second
)

// Validator gates raw submissions.
type Validator interface {
	Validate(ctx context.Context, raw validator.RawReading, submitter string) (*validator.ValidationResult, error)
}

// Encryptor seals accepted readings.
type Encryptor interface {
	Encrypt(reading validator.Reading) (*encryptor.EncryptedRecord, error)
}

// Store persists serialized records by content address.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// SubmitResult is the outcome of one submission.
type SubmitResult struct {
	Validation     *validator.ValidationResult `json:"validation"`
	ContentAddress string                      `json:"content_address,omitempty"`
	Receipt        *chain.Receipt              `json:"receipt,omitempty"`
	// RegistrationPending is set when the record was stored but ledger
	// registration failed; the record is durable and registration can be
	// replayed.
	RegistrationPending bool `json:"registration_pending,omitempty"`
}

// DailyStat summarizes one sensor's accepted submissions for one UTC date.
type DailyStat struct {
	SensorID    string `json:"sensor_id"`
	Submissions int    `json:"submissions"`
	AvgScore    int    `json:"avg_score"`
}

// Service wires the ingest path together.
type Service struct {
	*base.BaseService

	validator Validator
	encryptor Encryptor
	store     Store
	ledger    chain.Ledger

	statsMu sync.Mutex
	// daily accumulates accepted counts and score sums per date+sensor;
	// it feeds the reward run.
	daily map[string]map[string]*dayAccumulator

	accepted    prometheus.Counter
	rejected    prometheus.Counter
	duplicates  prometheus.Counter
	ratelimited prometheus.Counter
}

type dayAccumulator struct {
	count    int
	scoreSum int
}

// New creates the ingest service. A nil registerer disables metrics.
func New(v Validator, e Encryptor, store Store, ledger chain.Ledger, log *logger.Logger, reg prometheus.Registerer) *Service {
	s := &Service{
		BaseService: base.NewBaseService(ServiceID, ServiceName, Version, log),
		validator:   v,
		encryptor:   e,
		store:       store,
		ledger:      ledger,
		daily:       make(map[string]map[string]*dayAccumulator),
	}

	if reg != nil {
		counter := func(name, help string) prometheus.Counter {
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pipeline",
				Subsystem: "ingest",
				Name:      name,
				Help:      help,
			})
			reg.MustRegister(c)
			return c
		}
		s.accepted = counter("accepted_total", "Readings accepted and stored.")
		s.rejected = counter("rejected_total", "Readings rejected by validation.")
		s.duplicates = counter("duplicate_total", "Readings rejected as duplicates.")
		s.ratelimited = counter("ratelimited_total", "Readings rejected for submission frequency.")
	}
	return s
}

// Submit runs one raw reading through the full ingest path. A rejected
// reading returns its ValidationResult with no error; errors are reserved
// for pipeline faults.
func (s *Service) Submit(ctx context.Context, raw validator.RawReading, submitter string) (*SubmitResult, error) {
	result, err := s.validator.Validate(ctx, raw, submitter)
	if err != nil {
		return nil, err
	}
	if !result.IsValid {
		s.countRejection(result)
		return &SubmitResult{Validation: result}, nil
	}

	// Completeness passed, so every field is present.
	reading := validator.Reading{
		SensorID:    *raw.SensorID,
		Timestamp:   *raw.Timestamp,
		CO2:         *raw.CO2,
		Temperature: *raw.Temperature,
		Humidity:    *raw.Humidity,
	}

	record, err := s.encryptor.Encrypt(reading)
	if err != nil {
		return nil, err
	}
	data, err := record.Marshal()
	if err != nil {
		return nil, errdefs.Crypto("serialize record").WithCause(err)
	}

	address, err := s.storeWithRetry(ctx, data)
	if err != nil {
		return nil, err
	}

	out := &SubmitResult{
		Validation:     result,
		ContentAddress: address,
	}
	inc(s.accepted)
	s.recordStat(reading, result.Score)

	receipt, err := s.ledger.RegisterRecord(ctx, reading.SensorID, address, record.Metadata.WrappedKey, result.DataHash)
	if err != nil {
		// The record is stored and addressable; only the anchor is
		// missing. Surface a degraded result instead of failing the
		// submission.
		s.Logger().Warn("ledger registration failed",
			"sensor_id", reading.SensorID, "address", address, "error", err)
		out.RegistrationPending = true
		return out, nil
	}
	out.Receipt = receipt

	s.Logger().Info("reading ingested",
		"sensor_id", reading.SensorID, "address", address, "score", result.Score)
	return out, nil
}

// storeWithRetry retries storage failures with capped doubling backoff.
// Only StorageError is retryable; anything else fails immediately.
func (s *Service) storeWithRetry(ctx context.Context, data []byte) (string, error) {
	backoff := storeBackoff
	var lastErr error
	for attempt := 0; attempt < storeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		address, err := s.store.Put(ctx, data)
		if err == nil {
			return address, nil
		}
		if !errdefs.IsStorage(err) {
			return "", err
		}
		lastErr = err
		s.Logger().Warn("store put failed", "attempt", attempt+1, "error", err)
	}
	return "", lastErr
}

// recordStat accumulates reward signals keyed by the reading's UTC date.
func (s *Service) recordStat(reading validator.Reading, score int) {
	date := time.Unix(reading.Timestamp, 0).UTC().Format("2006-01-02")

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	day := s.daily[date]
	if day == nil {
		day = make(map[string]*dayAccumulator)
		s.daily[date] = day
	}
	acc := day[reading.SensorID]
	if acc == nil {
		acc = &dayAccumulator{}
		day[reading.SensorID] = acc
	}
	acc.count++
	acc.scoreSum += score
}

// DailyStats returns accepted-submission stats for a UTC date, sorted by
// sensor ID.
func (s *Service) DailyStats(date string) []DailyStat {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	day := s.daily[date]
	stats := make([]DailyStat, 0, len(day))
	for sensorID, acc := range day {
		stats = append(stats, DailyStat{
			SensorID:    sensorID,
			Submissions: acc.count,
			AvgScore:    acc.scoreSum / acc.count,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].SensorID < stats[j].SensorID })
	return stats
}

// DropStatsBefore discards accumulated stats for dates before cutoff, in the
// same YYYY-MM-DD form. The maintenance sweep calls this after reward runs
// have settled.
func (s *Service) DropStatsBefore(cutoff string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	for date := range s.daily {
		if date < cutoff {
			delete(s.daily, date)
		}
	}
}

func (s *Service) countRejection(result *validator.ValidationResult) {
	inc(s.rejected)
	if len(result.Errors) == 0 {
		return
	}
	switch result.Errors[0].Code {
	case errdefs.CodeDuplicate:
		inc(s.duplicates)
	case errdefs.CodeRateLimit:
		inc(s.ratelimited)
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
