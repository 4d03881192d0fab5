package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"psdconverter/api"
	"psdconverter/config"
	"psdconverter/services"
	"psdconverter/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP conversion service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting PSD conversion service")
	setMaxProcs(logger)

	storage := services.NewStorageArea(cfg.UploadDir, cfg.ConvertedDir, logger.Named("storage"))
	if err := storage.Init(); err != nil {
		return err
	}
	if err := storage.Lock(); err != nil {
		return err
	}
	defer func() { _ = storage.Unlock() }()

	invoker := services.NewConverterInvoker(cfg.ConverterBinary, cfg.ConverterArgs, logger.Named("converter"))
	binary, err := invoker.LookPath()
	if err != nil {
		return err
	}

	gate, closeGate, err := newGate(ctx, cfg, logger.Named("gate"))
	if err != nil {
		return err
	}
	defer closeGate()

	metrics := worker.NewMetrics(prometheus.DefaultRegisterer)
	orch := worker.New(worker.Config{
		Storage: storage,
		Invoker: invoker,
		Gate:    gate,
		Limits: worker.Limits{
			MaxFileSize: cfg.MaxFileSize,
			MaxPixels:   cfg.MaxPixels,
			MinFreeDisk: uint64(cfg.MinFreeDisk),
			Timeout:     cfg.Timeout(),
		},
		Logger:  logger.Named("orchestrator"),
		Metrics: metrics,
	})

	var s3Source *services.S3Source
	if cfg.S3Enabled() {
		s3Source, err = services.NewS3Source(cfg)
		if err != nil {
			return err
		}
		logger.Info("S3 input source enabled", zap.String("bucket", s3Source.Bucket()))
	}

	handler := api.NewHandler(api.Config{
		Orchestrator: orch,
		Storage:      storage,
		S3:           s3Source,
		Settings:     cfg,
		Logger:       logger.Named("http"),
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	// No WriteTimeout: a response starts only once its conversion finished,
	// which is bounded by the gate wait and the converter timeout.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	var wg sync.WaitGroup
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()

	sweeper := worker.NewSweeper(storage, cfg.StaleAge(), cfg.SweepEvery(), logger.Named("sweeper"), metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(sweepCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("service is ready to process conversions",
		zap.String("addr", cfg.ListenAddr),
		zap.String("converter", binary),
		zap.String("gate_backend", cfg.GateBackend),
		zap.Int("gate_capacity", gate.Capacity()),
		zap.Duration("conversion_timeout", cfg.Timeout()),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining requests")
	case err := <-serveErr:
		stopSweeper()
		wg.Wait()
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown timeout, forcing exit", zap.Error(err))
	}

	stopSweeper()
	wg.Wait()
	logger.Info("conversion service stopped")
	return nil
}

// newGate builds the concurrency gate for the configured backend. The
// returned close function releases the backend connection.
func newGate(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Gate, func(), error) {
	capacity := worker.ResolveCapacity(cfg.GateCapacity)
	wait := cfg.QueueWaitDuration()

	switch cfg.GateBackend {
	case config.GateBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr), zap.String("key", cfg.GateKey()))

		// Leases outlive the longest legitimate conversion.
		lease := cfg.Timeout() + 30*time.Second
		gate := worker.NewRedisGate(client, cfg.GateKey(), capacity, wait, lease, logger)
		return gate, func() { _ = client.Close() }, nil

	case config.GateBackendPostgres:
		db, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to database")
		return worker.NewPostgresGate(db, capacity, wait, logger), func() { _ = db.Close() }, nil

	default:
		return worker.NewLocalGate(capacity, wait), func() {}, nil
	}
}
