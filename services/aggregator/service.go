package aggregator

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AeroSense-Network/data_pipeline/internal/chain"
	"github.com/AeroSense-Network/data_pipeline/internal/config"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
	"github.com/AeroSense-Network/data_pipeline/services/base"
	"github.com/AeroSense-Network/data_pipeline/services/encryptor"
	"github.com/AeroSense-Network/data_pipeline/services/validator"
)

const (
	ServiceID   = "aggregator"
	ServiceName = "Window Aggregator"
	Version     = "1.0.0"

	// zScoreThreshold flags values more than this many standard deviations
	// from the window mean.
	zScoreThreshold = 2.0
	// minOutlierSamples guards the z-score test; below this the standard
	// deviation is not meaningful and no value is flagged.
	minOutlierSamples = 3

	defaultWorkers     = 8
	defaultRecordLimit = 1000
)

// RecordStore retrieves stored record payloads by content address.
type RecordStore interface {
	Get(ctx context.Context, address string) ([]byte, error)
}

// Decrypter recovers readings from encrypted records.
type Decrypter interface {
	Decrypt(record *encryptor.EncryptedRecord) (validator.Reading, error)
}

// Service computes aggregation windows over decrypted accepted readings.
type Service struct {
	*base.BaseService

	ledger    chain.Ledger
	store     RecordStore
	decrypter Decrypter
	cache     *windowCache

	workers     int
	recordLimit int
}

// New creates an aggregator service.
func New(cfg config.AggregatorConfig, ledger chain.Ledger, store RecordStore, decrypter Decrypter, log *logger.Logger) *Service {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	limit := cfg.RecordLimit
	if limit <= 0 {
		limit = defaultRecordLimit
	}

	svc := &Service{
		BaseService: base.NewBaseService(ServiceID, ServiceName, Version, log),
		ledger:      ledger,
		store:       store,
		decrypter:   decrypter,
		cache:       newWindowCache(),
		workers:     workers,
		recordLimit: limit,
	}
	svc.AddComponent(svc.cache)
	return svc
}

// Aggregate computes (or returns the cached) window for a scope and range.
// Repeated calls over the same window return identical results: record
// retrieval fans out concurrently, but merging is deterministic.
func (s *Service) Aggregate(ctx context.Context, scope Scope, tr TimeRange) (*AggregationWindow, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	if cached, ok := s.cache.get(scope, tr); ok {
		return cached, nil
	}

	sensorIDs, err := s.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	readings := s.collectReadings(ctx, sensorIDs, tr)
	window := buildWindow(scope, tr, readings)
	s.cache.put(window)
	return window, nil
}

// Invalidate drops the cached window for a scope and range, forcing the next
// Aggregate call to recompute.
func (s *Service) Invalidate(scope Scope, tr TimeRange) {
	s.cache.invalidate(scope, tr)
}

// InvalidateAll drops every cached window.
func (s *Service) InvalidateAll() {
	s.cache.invalidateAll()
}

func (s *Service) resolveScope(ctx context.Context, scope Scope) ([]string, error) {
	switch scope.Type {
	case ScopeSensor:
		return []string{scope.Target}, nil
	case ScopeRegion:
		return s.ledger.SensorsInRegion(ctx, scope.Target)
	default:
		return s.ledger.AllSensors(ctx)
	}
}

// collectReadings fans retrieval and decryption out across a bounded worker
// pool. A failing record is skipped, not fatal: one corrupt object must not
// take down a regional window.
func (s *Service) collectReadings(ctx context.Context, sensorIDs []string, tr TimeRange) []validator.Reading {
	workers := s.workers
	if workers > len(sensorIDs) {
		workers = len(sensorIDs)
	}
	if workers == 0 {
		return nil
	}

	jobs := make(chan string)
	results := make(chan []validator.Reading, len(sensorIDs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sensorID := range jobs {
				results <- s.sensorReadings(ctx, sensorID, tr)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, id := range sensorIDs {
			select {
			case jobs <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)

	var readings []validator.Reading
	for batch := range results {
		readings = append(readings, batch...)
	}

	// Stable merge order regardless of worker interleaving.
	sort.Slice(readings, func(i, j int) bool {
		if readings[i].Timestamp != readings[j].Timestamp {
			return readings[i].Timestamp < readings[j].Timestamp
		}
		return readings[i].SensorID < readings[j].SensorID
	})
	return readings
}

func (s *Service) sensorReadings(ctx context.Context, sensorID string, tr TimeRange) []validator.Reading {
	refs, err := s.ledger.FetchRecords(ctx, sensorID, s.recordLimit)
	if err != nil {
		s.Logger().Warn("fetch records failed", "sensor_id", sensorID, "error", err)
		return nil
	}

	var readings []validator.Reading
	for _, ref := range refs {
		if !tr.Contains(ref.Timestamp) {
			continue
		}

		data, err := s.store.Get(ctx, ref.ContentAddress)
		if err != nil {
			s.Logger().Warn("record retrieval failed", "sensor_id", sensorID, "address", ref.ContentAddress, "error", err)
			continue
		}
		record, err := encryptor.ParseRecord(data)
		if err != nil {
			s.Logger().Warn("record parse failed", "sensor_id", sensorID, "address", ref.ContentAddress, "error", err)
			continue
		}
		reading, err := s.decrypter.Decrypt(record)
		if err != nil {
			s.Logger().Warn("record decryption failed", "sensor_id", sensorID, "address", ref.ContentAddress, "error", err)
			continue
		}
		readings = append(readings, reading)
	}
	return readings
}

// buildWindow computes means and outliers over an ordered reading set. An
// empty set yields a zero-valued window, not an error.
func buildWindow(scope Scope, tr TimeRange, readings []validator.Reading) *AggregationWindow {
	window := &AggregationWindow{
		Scope:      scope,
		TimeRange:  tr,
		ComputedAt: time.Now().UTC(),
	}
	if len(readings) == 0 {
		return window
	}

	sensors := make(map[string]struct{})
	var sumCO2, sumTemp, sumHum float64
	for _, r := range readings {
		sensors[r.SensorID] = struct{}{}
		sumCO2 += r.CO2
		sumTemp += r.Temperature
		sumHum += r.Humidity
	}

	n := float64(len(readings))
	window.Metrics = Metrics{
		AvgCO2:         sumCO2 / n,
		AvgTemperature: sumTemp / n,
		AvgHumidity:    sumHum / n,
		SensorCount:    len(sensors),
		DataPoints:     len(readings),
	}

	window.Outliers = append(window.Outliers, metricOutliers(readings, "co2", func(r validator.Reading) float64 { return r.CO2 })...)
	window.Outliers = append(window.Outliers, metricOutliers(readings, "temperature", func(r validator.Reading) float64 { return r.Temperature })...)
	window.Outliers = append(window.Outliers, metricOutliers(readings, "humidity", func(r validator.Reading) float64 { return r.Humidity })...)
	return window
}

// metricOutliers applies the z-score test to one metric across the window.
func metricOutliers(readings []validator.Reading, metric string, value func(validator.Reading) float64) []Outlier {
	if len(readings) < minOutlierSamples {
		return nil
	}

	n := float64(len(readings))
	var sum float64
	for _, r := range readings {
		sum += value(r)
	}
	mean := sum / n

	var variance float64
	for _, r := range readings {
		d := value(r) - mean
		variance += d * d
	}
	stdDev := math.Sqrt(variance / n)
	if stdDev == 0 {
		return nil
	}

	var outliers []Outlier
	for _, r := range readings {
		z := (value(r) - mean) / stdDev
		if math.Abs(z) > zScoreThreshold {
			outliers = append(outliers, Outlier{
				SensorID:  r.SensorID,
				Timestamp: r.Timestamp,
				Metric:    metric,
				Value:     value(r),
				ZScore:    z,
			})
		}
	}
	return outliers
}
