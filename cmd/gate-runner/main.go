package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"transcribe-gate/internal/config"
	"transcribe-gate/internal/diagnostics"
	"transcribe-gate/internal/domain"
	"transcribe-gate/internal/engine"
	"transcribe-gate/internal/lock"
	"transcribe-gate/internal/merge"
	"transcribe-gate/internal/orchestrator"
	"transcribe-gate/internal/segment"
	"transcribe-gate/internal/status"
	"transcribe-gate/internal/telemetry"
	"transcribe-gate/internal/worker"
	"transcribe-gate/shared/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("GATE_RUNNER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	inputPath := flag.String("input", "", "Path to the input media file (required)")
	outputDir := flag.String("output", "", "Directory for chunk and merged artifacts (required)")
	jobID := flag.String("job-id", "", "Job identifier; reuse a previous ID to resume its chunks")
	chunkDuration := flag.Duration("chunk-duration", 0, "Override chunk duration, e.g. 10m")
	concurrency := flag.Int("concurrency", 0, "Override worker pool concurrency")
	lockDeadline := flag.Duration("lock-deadline", 0, "Override lock acquire deadline, e.g. 10m")
	flag.Parse()

	if *inputPath == "" || *outputDir == "" {
		flag.Usage()
		return fmt.Errorf("both -input and -output are required")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyOverrides(cfg, *chunkDuration, *concurrency, *lockDeadline)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting gate runner",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Cancellation: first signal starts graceful shutdown, in-flight chunks
	// get the configured grace period before their engine is killed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := &domain.HeavyJob{
		JobID:         *jobID,
		Class:         cfg.Lock.JobClass,
		InputPath:     *inputPath,
		OutputDir:     *outputDir,
		ChunkDuration: cfg.Chunking.ChunkDuration,
	}
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}

	registry := orchestrator.NewRegistry()
	metrics := status.NewMetrics()
	locks := lock.NewManager(cfg.Lock.Dir, appLogger.Logger)

	// Optional status server for progress polling and Prometheus scrapes.
	var statusSrv *status.Server
	if cfg.Status.Enabled {
		statusSrv = status.NewServer(cfg.Status.Port, registry, locks, metrics, appLogger.Logger)
		go func() {
			if err := statusSrv.Start(); err != nil {
				appLogger.Error("Status server error", slog.Any("error", err))
			}
		}()
	}

	orch := buildOrchestrator(cfg, job.JobID, registry, metrics, locks, appLogger.Logger)

	report, runErr := orch.Run(ctx, job)

	if statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Status server shutdown error", slog.Any("error", err))
		}
	}

	if runErr != nil {
		return runErr
	}

	// Gaps degrade the artifacts but do not fail the run.
	if len(report.Gaps) > 0 {
		appLogger.Warn("Run finished with missing intervals",
			slog.String("job_id", report.JobID),
			slog.Int("gap_count", len(report.Gaps)),
		)
	}

	appLogger.Info("Gate runner finished",
		slog.String("job_id", report.JobID),
		slog.String("state", string(report.State)),
	)
	return nil
}

// buildOrchestrator wires the full pipeline: segmenter, lock manager,
// gated worker pool, and reassembler.
func buildOrchestrator(cfg *config.Config, jobID string, registry *orchestrator.Registry, metrics *status.Metrics, locks *lock.Manager, appLogger *slog.Logger) *orchestrator.Orchestrator {
	runner := engine.NewExecRunner()

	whisper := engine.NewWhisper(engine.Config{
		Binary:    cfg.Engine.Binary,
		ModelPath: cfg.Engine.ModelPath,
		Language:  cfg.Engine.Language,
	}, runner, appLogger)

	segmenter := segment.NewSegmenter(cfg.Engine.FFmpegPath, cfg.Engine.FFprobePath, runner, appLogger)

	monitor := telemetry.NewMonitor(appLogger)
	gate := telemetry.NewGate(monitor, telemetry.Thresholds{
		MinAvailableMemory: cfg.Gate.MinAvailableMemoryMB * 1024 * 1024,
		MaxCPUTemperature:  cfg.Gate.MaxCPUTemperature,
	}, appLogger)

	observer := &runObserver{jobID: jobID, registry: registry, metrics: metrics}
	pool := worker.NewPool(whisper, gate, observer, appLogger, worker.Config{
		Concurrency:      cfg.Pool.Concurrency,
		RecoveryTimeout:  cfg.Pool.RecoveryTimeout,
		RecoveryInterval: cfg.Pool.RecoveryInterval,
		GracePeriod:      cfg.Pool.GracePeriod,
	})

	reassembler := merge.NewReassembler(appLogger)

	return orchestrator.New(segmenter, locks, pool, reassembler, diagnostics.NewChecker(), registry, appLogger, orchestrator.Config{
		LockDeadline:       cfg.Lock.AcquireDeadline,
		LockInitialBackoff: cfg.Lock.InitialBackoff,
		LockMaxBackoff:     cfg.Lock.MaxBackoff,
		ModelPath:          cfg.Engine.ModelPath,
		Tools:              []string{cfg.Engine.Binary, cfg.Engine.FFmpegPath, cfg.Engine.FFprobePath},
	})
}

// runObserver fans pool progress out to the registry and Prometheus.
type runObserver struct {
	jobID    string
	registry *orchestrator.Registry
	metrics  *status.Metrics
}

func (o *runObserver) OnChunkStart(chunk domain.Chunk) {
	o.metrics.OnChunkStart(chunk)
}

func (o *runObserver) OnChunk(result domain.ChunkResult) {
	o.registry.RecordChunk(o.jobID, result.Status)
	o.metrics.OnChunk(result)
}

func (o *runObserver) OnGateRecheck(err error) {
	o.metrics.OnGateRecheck(err)
}

func (o *runObserver) OnGatePause() {
	o.registry.RecordGatePause(o.jobID)
	o.metrics.OnGatePause()
}

func applyOverrides(cfg *config.Config, chunkDuration time.Duration, concurrency int, lockDeadline time.Duration) {
	if chunkDuration > 0 {
		cfg.Chunking.ChunkDuration = chunkDuration
	}
	if concurrency > 0 {
		cfg.Pool.Concurrency = concurrency
	}
	if lockDeadline > 0 {
		cfg.Lock.AcquireDeadline = lockDeadline
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}
