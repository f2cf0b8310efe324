// Package main runs the sensor data pipeline: the ingest path, the window
// aggregator, the reward engine, and their periodic jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AeroSense-Network/data_pipeline/internal/chain"
	"github.com/AeroSense-Network/data_pipeline/internal/config"
	"github.com/AeroSense-Network/data_pipeline/internal/database"
	"github.com/AeroSense-Network/data_pipeline/internal/scheduler"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
	"github.com/AeroSense-Network/data_pipeline/services/aggregator"
	"github.com/AeroSense-Network/data_pipeline/services/base"
	"github.com/AeroSense-Network/data_pipeline/services/contentstore"
	"github.com/AeroSense-Network/data_pipeline/services/encryptor"
	"github.com/AeroSense-Network/data_pipeline/services/ingest"
	"github.com/AeroSense-Network/data_pipeline/services/rewards"
	"github.com/AeroSense-Network/data_pipeline/services/validator"
	"github.com/AeroSense-Network/data_pipeline/tee/enclave"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pipeline:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/pipeline.yaml", "Path to pipeline configuration")
	flag.Parse()

	// A local .env is a development convenience, not a requirement.
	_ = godotenv.Load()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	log.Info("pipeline starting",
		"enclave_mode", cfg.Enclave.Mode,
		"store_backend", cfg.ContentStore.Backend,
		"state_backend", cfg.Validator.StateBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, err := chain.NewClient(chain.Config{
		RPCURL:     cfg.Ledger.RPCURL,
		Timeout:    cfg.Ledger.Timeout,
		RateLimit:  cfg.Ledger.RateLimit,
		MaxRetries: cfg.Ledger.MaxRetries,
	})
	if err != nil {
		return err
	}

	runtime, err := enclave.New(enclave.Config{
		Mode:           enclave.Mode(cfg.Enclave.Mode),
		EnclaveID:      cfg.Enclave.EnclaveID,
		SealingKeyPath: cfg.Enclave.SealingKeyPath,
		SealedSeedPath: cfg.Enclave.SealedSeedPath,
	})
	if err != nil {
		return err
	}
	if err := runtime.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize enclave: %w", err)
	}
	defer runtime.Shutdown(context.Background())

	var state validator.SubmissionState
	if cfg.Validator.StateBackend == "redis" {
		state = validator.NewRedisState(validator.RedisStateConfig{
			Addr: cfg.Validator.RedisAddr,
			DB:   cfg.Validator.RedisDB,
		})
	} else {
		state = validator.NewMemoryState()
	}

	var archive rewards.Archiver
	if cfg.Rewards.ArchiveDSN != "" {
		pg, err := database.Open(ctx, cfg.Rewards.ArchiveDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		archive = pg
	}

	var metrics prometheus.Registerer
	promRegistry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		metrics = promRegistry
	}

	valSvc := validator.New(ledger, state, validator.Config{
		StrictOwnership:  cfg.Validator.StrictOwnership,
		OwnershipTimeout: cfg.Validator.OwnershipTimeout,
	}, log)
	encSvc := encryptor.New(runtime, log)
	storeSvc := contentstore.NewService(cfg.ContentStore, log, metrics)
	aggSvc := aggregator.New(cfg.Aggregator, ledger, storeSvc, encSvc, log)
	rewardSvc := rewards.New(ledger, archive, log, metrics)
	ingestSvc := ingest.New(valSvc, encSvc, storeSvc, ledger, log, metrics)

	registry := base.NewRegistry()
	for _, svc := range []base.Service{valSvc, encSvc, storeSvc, aggSvc, rewardSvc, ingestSvc} {
		if err := registry.Register(svc); err != nil {
			return err
		}
	}
	if err := registry.StartAll(ctx); err != nil {
		return err
	}
	defer registry.StopAll(context.Background())

	sched := scheduler.New(log)
	if err := registerJobs(sched, cfg, aggSvc, rewardSvc, storeSvc, ingestSvc); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", cfg.Metrics.Addr)
	}

	log.Info("pipeline running")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, agg *aggregator.Service, rew *rewards.Service, store *contentstore.Service, ing *ingest.Service) error {
	jobs := []scheduler.Job{
		{
			Name: "aggregation-refresh",
			Spec: cfg.Scheduler.AggregationRefresh,
			Run: func(ctx context.Context) error {
				now := time.Now().UTC()
				window := aggregator.TimeRange{From: now.Add(-time.Hour).Unix(), To: now.Unix()}
				agg.Invalidate(aggregator.GlobalScope(), window)
				_, err := agg.Aggregate(ctx, aggregator.GlobalScope(), window)
				return err
			},
		},
		{
			Name: "daily-rewards",
			Spec: cfg.Scheduler.DailyRewards,
			Run: func(ctx context.Context) error {
				earnedDate := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
				var stats []rewards.SensorStats
				for _, s := range ing.DailyStats(earnedDate) {
					stats = append(stats, rewards.SensorStats{
						SensorID:         s.SensorID,
						ValidSubmissions: s.Submissions,
						AvgQualityScore:  s.AvgScore,
					})
				}
				_, err := rew.DistributeBatch(ctx, stats, earnedDate)
				return err
			},
		},
		{
			Name: "maintenance-sweep",
			Spec: cfg.Scheduler.MaintenanceSweep,
			Run: func(ctx context.Context) error {
				cutoff := time.Now().UTC().Add(-cfg.ContentStore.Retention)
				if _, err := store.Prune(ctx, cutoff); err != nil {
					return err
				}
				ing.DropStatsBefore(time.Now().UTC().AddDate(0, 0, -7).Format("2006-01-02"))
				agg.InvalidateAll()
				return nil
			},
		},
	}

	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return err
		}
	}
	return nil
}
