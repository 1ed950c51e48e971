package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"batchfetch/internal/auth"
	"batchfetch/internal/batch"
	"batchfetch/internal/circuitbreaker"
	"batchfetch/internal/config"
	"batchfetch/internal/database"
	"batchfetch/internal/dispatch"
	"batchfetch/internal/engine"
	"batchfetch/internal/events"
	"batchfetch/internal/handlers"
	"batchfetch/internal/metrics"
	"batchfetch/internal/netpolicy"
	"batchfetch/internal/pool"
	"batchfetch/internal/probe"
	"batchfetch/internal/retry"
	"batchfetch/internal/server"
	"batchfetch/internal/storage"
)

// shutdownTimeout bounds the HTTP drain after the dispatcher has stopped
const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to config file (overrides CONFIG_FILE env var)")
	flag.Parse()

	loaded, err := loadEnvFile(*configFile)
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to init logger: ", err)
	}
	defer logger.Sync()

	if loaded != "" {
		logger.Info("loaded config file", zap.String("file", loaded))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("batchfetch stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()
	m.StartRuntimeMetricsCollector(ctx)

	db, err := database.New(ctx, cfg, m)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()
	logger.Info("initialized database", zap.String("engine", cfg.DBEngine))

	storageBreaker := circuitbreaker.New("storage", storage.BreakerOptions(cfg), m)
	probeBreaker := circuitbreaker.New("probe", circuitbreaker.OptionsFromConfig(cfg), m)

	provider, err := storage.New(cfg, m, storageBreaker)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	logger.Info("initialized download directory", zap.String("dir", cfg.DownloadDir))

	publisher, err := events.FromConfig(cfg, m, logger)
	if err != nil {
		return fmt.Errorf("initialize events: %w", err)
	}
	defer publisher.Close()

	workers, err := pool.New(cfg.MaxConcurrentDownloads, cfg.WorkerKeepAlive, m)
	if err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}

	eng := engine.New(engine.Options{
		Prober:       probe.New(probe.NewClient(), cfg.UserAgent, probeBreaker, m, logger),
		Storage:      provider,
		Connectivity: netpolicy.NewStatic(netpolicy.FromConfig(cfg)),
		Store:        db,
		UserAgent:    cfg.UserAgent,
		LeaseTTL:     cfg.LeaseTTL,
	}, m, logger)

	dispatcher := dispatch.New(dispatch.Options{
		Store:      db,
		Runner:     eng,
		Pool:       workers,
		Scheduler:  retry.NewScheduler(cfg.RetryBaseDelay, retry.NewJitter(uint64(time.Now().UnixNano()))),
		Monitor:    batch.NewMonitor(db, publisher, cfg.MaxConcurrentDownloads, m, logger),
		LeaseTTL:   cfg.LeaseTTL,
		Interval:   cfg.PollInterval,
		BatchSize:  cfg.PollBatchSize,
		MaxRetries: cfg.MaxRetries,
	}, m, logger)

	var resolver handlers.Resolver
	if r, ok := provider.(handlers.Resolver); ok {
		resolver = r
	}
	srv := server.New(logger, cfg,
		handlers.NewBatchHandler(logger, db, resolver, auth.NewSigner(cfg.APISigningSecret), m, cfg.APIMaxSignatureAge, cfg.APIMaxBodyBytes),
		handlers.NewHealthHandler(logger, db, provider, m),
	)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(runCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-srv.Errors():
		runErr = err
	}

	// Stop claiming, then wait for running attempts to record their outcome
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		runErr = errors.Join(runErr, err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return runErr
}

// newLogger builds the production logger at the given level
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// loadEnvFile loads environment variables from a file and returns its name.
// Priority: --config flag > CONFIG_FILE env var > .env file. A missing .env
// is not an error; a missing explicitly named file is.
func loadEnvFile(flagConfigFile string) (string, error) {
	configFile := flagConfigFile
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	if configFile != "" {
		if err := godotenv.Load(configFile); err != nil {
			return "", fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
		return configFile, nil
	}

	if err := godotenv.Load(); err == nil {
		return ".env", nil
	}
	return "", nil
}
