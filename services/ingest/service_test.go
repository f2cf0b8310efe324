package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
	"github.com/AeroSense-Network/data_pipeline/pkg/testutil"
	"github.com/AeroSense-Network/data_pipeline/services/contentstore"
	"github.com/AeroSense-Network/data_pipeline/services/encryptor"
	"github.com/AeroSense-Network/data_pipeline/services/validator"
	"github.com/AeroSense-Network/data_pipeline/tee/enclave"
)

const (
	testSensor    = "scd40-acme42-11111111-2222-4333-8444-555555555555"
	testSubmitter = "wallet1"
)

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *testutil.MockLedger
	store  *contentstore.Service
	svc    *Service
}

func newFixture(t *testing.T, store Store, reg prometheus.Registerer) *fixture {
	t.Helper()
	ctx := context.Background()

	ledger := testutil.NewMockLedger()
	ledger.RegisterSensor(testSensor, testSubmitter, "berlin")

	v := validator.New(ledger, validator.NewMemoryState(), validator.Config{
		Now: func() time.Time { return testNow },
	}, logger.NewNop())
	if err := v.Start(ctx); err != nil {
		t.Fatalf("start validator: %v", err)
	}

	rt, err := enclave.New(enclave.Config{
		Mode:           enclave.ModeSimulation,
		EnclaveID:      "test",
		SealingKeyPath: filepath.Join(t.TempDir(), "sealing.key"),
	})
	if err != nil {
		t.Fatalf("enclave.New() error: %v", err)
	}
	if err := rt.Initialize(ctx); err != nil {
		t.Fatalf("runtime Initialize() error: %v", err)
	}
	enc := encryptor.New(rt, logger.NewNop())
	if err := enc.Start(ctx); err != nil {
		t.Fatalf("start encryptor: %v", err)
	}

	cs := contentstore.NewServiceWithBackend(contentstore.NewMemoryBackend(), logger.NewNop(), nil)
	if err := cs.Start(ctx); err != nil {
		t.Fatalf("start store: %v", err)
	}
	if store == nil {
		store = cs
	}

	svc := New(v, enc, store, ledger, logger.NewNop(), reg)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start ingest: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Stop(ctx)
		_ = cs.Stop(ctx)
		_ = enc.Stop(ctx)
		_ = v.Stop(ctx)
	})
	return &fixture{ledger: ledger, store: cs, svc: svc}
}

func rawReading(sensorID string, ts int64, co2 float64) validator.RawReading {
	temp, hum := 22.0, 55.0
	return validator.RawReading{
		SensorID:    &sensorID,
		Timestamp:   &ts,
		CO2:         &co2,
		Temperature: &temp,
		Humidity:    &hum,
	}
}

func TestSubmitHappyPath(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, rawReading(testSensor, testNow.Unix()-60, 415.2), testSubmitter)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if !res.Validation.IsValid {
		t.Fatalf("submission rejected: %+v", res.Validation)
	}
	if res.ContentAddress == "" {
		t.Fatal("no content address returned")
	}
	if res.Receipt == nil || res.Receipt.TxID == "" {
		t.Fatalf("receipt = %+v, want populated", res.Receipt)
	}
	if res.RegistrationPending {
		t.Error("registration should not be pending")
	}

	ok, err := f.store.Exists(ctx, res.ContentAddress)
	if err != nil || !ok {
		t.Errorf("stored object missing: ok=%v err=%v", ok, err)
	}
	refs := f.ledger.Records(testSensor)
	if len(refs) != 1 || refs[0].ContentAddress != res.ContentAddress {
		t.Errorf("ledger records = %+v, want one anchored at %s", refs, res.ContentAddress)
	}
}

func TestSubmitRejectionReturnsNoError(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	raw := rawReading(testSensor, testNow.Unix()-60, 415.2)
	if _, err := f.svc.Submit(ctx, raw, testSubmitter); err != nil {
		t.Fatalf("first Submit() error: %v", err)
	}

	res, err := f.svc.Submit(ctx, raw, testSubmitter)
	if err != nil {
		t.Fatalf("second Submit() error: %v", err)
	}
	if res.Validation.IsValid {
		t.Fatal("duplicate submission accepted")
	}
	if res.ContentAddress != "" || res.Receipt != nil {
		t.Errorf("rejected submission should carry no address or receipt: %+v", res)
	}
	if !errdefs.IsDuplicate(res.Validation.Err()) {
		t.Errorf("Err() = %v, want duplicate", res.Validation.Err())
	}
}

func TestSubmitDegradesOnLedgerRegistrationFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	// The ledger goes down after the sensor is known; the ownership check
	// softens to a warning and registration degrades.
	f.ledger.Err = errdefs.Ledger("registry unavailable")

	res, err := f.svc.Submit(ctx, rawReading(testSensor, testNow.Unix()-60, 415.2), testSubmitter)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if !res.Validation.IsValid {
		t.Fatalf("submission rejected: %+v", res.Validation)
	}
	if res.ContentAddress == "" {
		t.Fatal("record should still be stored")
	}
	if !res.RegistrationPending {
		t.Error("expected registration to be pending")
	}
	if res.Receipt != nil {
		t.Errorf("receipt = %+v, want nil", res.Receipt)
	}
}

// flakyStore fails a fixed number of puts before delegating.
type flakyStore struct {
	inner    Store
	failures int
	calls    int
}

func (s *flakyStore) Put(ctx context.Context, data []byte) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", errdefs.Storage("transient I/O failure")
	}
	return s.inner.Put(ctx, data)
}

func TestSubmitRetriesStorage(t *testing.T) {
	ctx := context.Background()

	inner := contentstore.NewMemoryBackend()
	if err := inner.Initialize(ctx); err != nil {
		t.Fatalf("initialize backend: %v", err)
	}
	flaky := &flakyStore{inner: inner, failures: 2}
	f := newFixture(t, flaky, nil)

	res, err := f.svc.Submit(ctx, rawReading(testSensor, testNow.Unix()-60, 415.2), testSubmitter)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.ContentAddress == "" {
		t.Fatal("no content address after retries")
	}
	if flaky.calls != 3 {
		t.Errorf("store calls = %d, want 3", flaky.calls)
	}
}

func TestSubmitStorageExhaustion(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failures: 100}
	f := newFixture(t, flaky, nil)

	_, err := f.svc.Submit(ctx, rawReading(testSensor, testNow.Unix()-60, 415.2), testSubmitter)
	if !errdefs.IsStorage(err) {
		t.Fatalf("Submit() error = %v, want storage error", err)
	}
	if flaky.calls != storeAttempts {
		t.Errorf("store calls = %d, want %d", flaky.calls, storeAttempts)
	}
}

func TestDailyStats(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, rawReading(testSensor, testNow.Unix()-60, 415.2), testSubmitter)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if !res.Validation.IsValid {
		t.Fatalf("submission rejected: %+v", res.Validation)
	}

	date := testNow.UTC().Format("2006-01-02")
	stats := f.svc.DailyStats(date)
	if len(stats) != 1 {
		t.Fatalf("stats = %+v, want one entry", stats)
	}
	if stats[0].SensorID != testSensor || stats[0].Submissions != 1 {
		t.Errorf("stat = %+v", stats[0])
	}
	if stats[0].AvgScore != res.Validation.Score {
		t.Errorf("AvgScore = %d, want %d", stats[0].AvgScore, res.Validation.Score)
	}

	f.svc.DropStatsBefore("2999-01-01")
	if got := f.svc.DailyStats(date); len(got) != 0 {
		t.Errorf("stats after drop = %+v, want none", got)
	}
}

func TestSubmitMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, nil, reg)
	ctx := context.Background()

	raw := rawReading(testSensor, testNow.Unix()-60, 415.2)
	if _, err := f.svc.Submit(ctx, raw, testSubmitter); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	// Byte-identical resubmission is a duplicate rejection.
	if _, err := f.svc.Submit(ctx, raw, testSubmitter); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	counts := map[string]float64{}
	for _, fam := range families {
		if len(fam.GetMetric()) > 0 {
			counts[fam.GetName()] = fam.GetMetric()[0].GetCounter().GetValue()
		}
	}

	if counts["pipeline_ingest_accepted_total"] != 1 {
		t.Errorf("accepted = %v, want 1", counts["pipeline_ingest_accepted_total"])
	}
	if counts["pipeline_ingest_rejected_total"] != 1 {
		t.Errorf("rejected = %v, want 1", counts["pipeline_ingest_rejected_total"])
	}
	if counts["pipeline_ingest_duplicate_total"] != 1 {
		t.Errorf("duplicates = %v, want 1", counts["pipeline_ingest_duplicate_total"])
	}
}
