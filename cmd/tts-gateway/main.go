// main package for the tts-gateway
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/config"
	"github.com/book-expert/tts-gateway/internal/executor"
	"github.com/book-expert/tts-gateway/internal/generation"
	"github.com/book-expert/tts-gateway/internal/history"
	"github.com/book-expert/tts-gateway/internal/ledger"
	"github.com/book-expert/tts-gateway/internal/metrics"
	"github.com/book-expert/tts-gateway/internal/objectstore"
	"github.com/book-expert/tts-gateway/internal/pool"
	"github.com/book-expert/tts-gateway/internal/provider"
	"github.com/book-expert/tts-gateway/internal/scheduler"
	"github.com/book-expert/tts-gateway/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	metricsPath           = "/metrics"
	metricsReadTimeout    = 5 * time.Second
	metricsShutdownPeriod = 5 * time.Second
	dataDirPermissions    = 0o750
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "tts-gateway.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// stores bundles the SQLite-backed state of the gateway.
type stores struct {
	pool    *pool.SQLiteStore
	ledger  *ledger.SQLiteLedger
	history *history.SQLiteRecorder
}

func openStores(cfg *config.Config) (*stores, error) {
	for _, path := range []string{cfg.Pool.DatabasePath, cfg.Ledger.DatabasePath, cfg.History.DatabasePath} {
		if err := os.MkdirAll(filepath.Dir(path), dataDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create data directory for %s: %w", path, err)
		}
	}

	poolStore, err := pool.NewSQLiteStore(cfg.Pool.DatabasePath)
	if err != nil {
		return nil, err
	}

	ledgerStore, err := ledger.New(cfg.Ledger.DatabasePath)
	if err != nil {
		_ = poolStore.Close()

		return nil, err
	}

	historyStore, err := history.New(cfg.History.DatabasePath)
	if err != nil {
		_ = poolStore.Close()
		_ = ledgerStore.Close()

		return nil, err
	}

	return &stores{pool: poolStore, ledger: ledgerStore, history: historyStore}, nil
}

func (s *stores) Close() error {
	return errors.Join(s.pool.Close(), s.ledger.Close(), s.history.Close())
}

func newProvider(cfg *config.Config) *provider.Client {
	opts := []provider.Option{
		provider.WithBaseURL(cfg.Provider.BaseURL),
		provider.WithTimeout(cfg.ProviderTimeout()),
		provider.WithRateLimit(cfg.Provider.RequestsPerSecond, cfg.Provider.Burst),
		provider.WithProxies(cfg.Provider.Proxies),
	}

	if cfg.Provider.UserAgent != "" {
		opts = append(opts, provider.WithUserAgent(cfg.Provider.UserAgent))
	}

	return provider.New(opts...)
}

func serveMetrics(cfg *config.Config, m *metrics.Metrics, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, m.Handler())

	server := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadTimeout,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics listener stopped: %v", err)
		}
	}()

	log.Info("Serving metrics on %s%s", cfg.Metrics.Listen, metricsPath)

	return server
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 3. Initialize the final logger based on the loaded configuration
	log, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Storage, pool and provider
	state, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}

	defer func() {
		if closeErr := state.Close(); closeErr != nil {
			log.Error("Failed to close stores: %v", closeErr)
		}
	}()

	recorder := metrics.New()
	metricsServer := serveMetrics(cfg, recorder, log)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownPeriod)
		defer cancel()

		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	credentialPool := pool.New(state.pool, pool.Options{
		SafetyBuffer:     cfg.Generation.CreditBuffer,
		MaxUpdateRetries: pool.DefaultMaxUpdateRetries,
	}, log)

	// Reservations only live for the duration of a call; leftovers come from a
	// previous process that stopped mid-call.
	if _, err := credentialPool.ClearReservations(ctx); err != nil {
		return fmt.Errorf("failed to clear stale reservations: %w", err)
	}

	exec := executor.New(credentialPool, newProvider(cfg), executor.RetryPolicy{
		MaxAttempts: cfg.Generation.MaxAttempts,
		Backoff:     executor.FixedBackoff(cfg.RetryDelay()),
	}, executor.TimerSleeper, recorder, log)

	// 5. Maintenance jobs
	jobs, err := scheduler.New(credentialPool, recorder, scheduler.Options{
		ResetSchedule:    cfg.Pool.ResetSchedule,
		SnapshotSchedule: cfg.Pool.SnapshotSchedule,
		Location:         cfg.Location(),
		JobDeadline:      time.Minute,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to schedule pool maintenance: %w", err)
	}

	jobs.Start()
	defer jobs.Stop()

	if err := jobs.SnapshotPool(ctx); err != nil {
		log.Warn("Initial pool snapshot failed: %v", err)
	}

	// 6. NATS transport and artifact storage
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("tts-gateway"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	artifacts, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	// 7. Orchestrator and worker
	orchestrator := generation.New(exec, state.ledger, generation.NewCatalog(cfg.Models), generation.Options{
		MaxTextLength:      cfg.Generation.MaxTextLength,
		ChunkSize:          cfg.Generation.ChunkSize,
		DefaultTier:        "",
		AutoDetectLanguage: cfg.Generation.AutoDetectLanguage,
		OnProgress:         worker.NewProgressPublisher(natsConnection, cfg.NATS.ProgressSubject, log),
	}, recorder, log)

	natsWorker := worker.NewNatsWorker(natsConnection, worker.Options{
		Subject:          cfg.NATS.RequestSubject,
		QueueGroup:       cfg.NATS.QueueGroup,
		CompletedSubject: cfg.NATS.CompletedSubject,
		DefaultModel:     cfg.Generation.DefaultModel,
		DefaultFormat:    cfg.Generation.DefaultFormat,
		HandleTimeout:    cfg.RequestTimeout(),
	}, orchestrator, artifacts, state.history, state.ledger, log)

	log.System("TTS-Gateway successfully initialized. Listening for jobs on subject: %s", cfg.NATS.RequestSubject)

	err = natsWorker.Run(ctx)
	if err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}

	log.System("TTS-Gateway shut down.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
