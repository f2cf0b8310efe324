package contentstore

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AeroSense-Network/data_pipeline/internal/config"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
	"github.com/AeroSense-Network/data_pipeline/services/base"
)

// ServiceID is the registry identifier for the content store service.
const ServiceID = "contentstore"

// Service exposes content-addressed storage over a configurable backend.
type Service struct {
	*base.BaseService

	backend Backend

	objectCount prometheus.Gauge
	storedBytes prometheus.Gauge
}

// NewService creates a content store service. The backend is selected from
// configuration. A nil registerer disables metrics.
func NewService(cfg config.ContentStoreConfig, log *logger.Logger, reg prometheus.Registerer) *Service {
	var backend Backend
	switch cfg.Backend {
	case "disk":
		backend = NewDiskBackend(cfg.Path)
	default:
		backend = NewMemoryBackend()
	}
	return NewServiceWithBackend(backend, log, reg)
}

// NewServiceWithBackend creates a content store service over an explicit
// backend.
func NewServiceWithBackend(backend Backend, log *logger.Logger, reg prometheus.Registerer) *Service {
	s := &Service{
		BaseService: base.NewBaseService(ServiceID, "Content Store Service", "1.0.0", log),
		backend:     backend,
	}
	s.AddComponent(backend)

	if reg != nil {
		s.objectCount = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Subsystem: "contentstore",
			Name:      "objects",
			Help:      "Number of stored objects.",
		})
		s.storedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Subsystem: "contentstore",
			Name:      "bytes",
			Help:      "Total size of stored objects in bytes.",
		})
		reg.MustRegister(s.objectCount, s.storedBytes)
	}
	return s
}

// Put stores data and returns its content address. Storing the same bytes
// twice returns the same address without writing a second object.
func (s *Service) Put(ctx context.Context, data []byte) (string, error) {
	address, err := s.backend.Put(ctx, data)
	if err != nil {
		return "", err
	}
	s.refreshGauges(ctx)
	return address, nil
}

// Get retrieves the data at address. The retrieved bytes are re-hashed
// against the address, so silent corruption surfaces as an error.
func (s *Service) Get(ctx context.Context, address string) ([]byte, error) {
	return s.backend.Get(ctx, address)
}

// Exists reports whether an object is stored at address.
func (s *Service) Exists(ctx context.Context, address string) (bool, error) {
	return s.backend.Exists(ctx, address)
}

// Stats returns store-wide object counts and sizes.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.backend.Stats(ctx)
}

// Prune removes objects stored before the retention horizon and returns the
// number removed.
func (s *Service) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	removed, err := s.backend.Prune(ctx, olderThan)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.Logger().Info("pruned stored objects", "removed", removed, "older_than", olderThan)
	}
	s.refreshGauges(ctx)
	return removed, nil
}

func (s *Service) refreshGauges(ctx context.Context) {
	if s.objectCount == nil {
		return
	}
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return
	}
	s.objectCount.Set(float64(stats.Count))
	s.storedBytes.Set(float64(stats.TotalSize))
}
