package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transcribe-gate/internal/domain"
	"transcribe-gate/internal/lock"
	"transcribe-gate/internal/merge"
)

// Segmenter splits the input into chunks.
type Segmenter interface {
	ProbeDuration(ctx context.Context, mediaPath string) (time.Duration, error)
	Split(ctx context.Context, job *domain.HeavyJob) ([]domain.Chunk, error)
}

// Locker is the cross-process exclusive lock per job-class.
type Locker interface {
	Acquire(class string, pid int, purpose string) (*lock.Handle, error)
	Release(handle *lock.Handle) error
}

// Pool executes chunks under bounded concurrency.
type Pool interface {
	Run(ctx context.Context, chunks []domain.Chunk) ([]domain.ChunkResult, error)
}

// Merger reassembles chunk outputs into final artifacts.
type Merger interface {
	Merge(manifest domain.MergeManifest, outputDir string) (*merge.Result, error)
}

// Preflighter validates tools and the input before work begins.
type Preflighter interface {
	Preflight(inputPath, modelPath string, tools ...string) error
}

// Config holds orchestrator policy.
type Config struct {
	LockDeadline       time.Duration
	LockInitialBackoff time.Duration
	LockMaxBackoff     time.Duration
	ModelPath          string
	Tools              []string
}

// Orchestrator sequences Segment -> Lock -> Work -> Merge -> Release for one
// heavy job. Jobs with all chunks already complete re-run with zero engine
// invocations and an equivalent merge (idempotent restart).
type Orchestrator struct {
	segmenter Segmenter
	locker    Locker
	pool      Pool
	merger    Merger
	checker   Preflighter
	registry  *Registry
	logger    *slog.Logger
	cfg       Config
	pid       int
	now       func() time.Time
}

// New wires an orchestrator from its collaborators.
func New(segmenter Segmenter, locker Locker, pool Pool, merger Merger, checker Preflighter, registry *Registry, logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		segmenter: segmenter,
		locker:    locker,
		pool:      pool,
		merger:    merger,
		checker:   checker,
		registry:  registry,
		logger:    logger,
		cfg:       cfg,
		pid:       os.Getpid(),
		now:       time.Now,
	}
}

// Run executes one job end to end and returns its run report. The report
// is also written to <output_dir>/report.json on every path that gets as
// far as processing, so a silently-incomplete result cannot occur. Exit
// semantics for callers: a nil error with gaps in the report is success
// with warning; a non-nil error is fatal.
func (o *Orchestrator) Run(ctx context.Context, job *domain.HeavyJob) (*domain.RunReport, error) {
	state := domain.StateInit
	o.registry.Register(job.JobID, job.Class, o.now())

	o.logger.Info("Starting heavy job",
		slog.String("job_id", job.JobID),
		slog.String("class", job.Class),
		slog.String("input", job.InputPath),
		slog.Duration("chunk_duration", job.ChunkDuration),
	)

	markFailed := func(err error) {
		state = domain.StateFailed
		o.registry.SetState(job.JobID, domain.StateFailed)
		o.logger.Error("Job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
	fail := func(err error) (*domain.RunReport, error) {
		markFailed(err)
		return nil, err
	}

	// SEGMENTING
	if err := o.transition(job, &state, domain.StateSegmenting); err != nil {
		return fail(err)
	}
	if err := o.checker.Preflight(job.InputPath, o.cfg.ModelPath, o.cfg.Tools...); err != nil {
		return fail(err)
	}
	if job.TotalDuration <= 0 {
		total, err := o.segmenter.ProbeDuration(ctx, job.InputPath)
		if err != nil {
			return fail(err)
		}
		job.TotalDuration = total
	}

	chunks, err := o.segmenter.Split(ctx, job)
	if err != nil {
		return fail(err)
	}
	o.registry.SetChunksTotal(job.JobID, len(chunks))

	// LOCK_WAIT
	if err := o.transition(job, &state, domain.StateLockWait); err != nil {
		return fail(err)
	}
	handle, err := o.acquireWithBackoff(ctx, job)
	if err != nil {
		return fail(err)
	}

	// Lock release is guaranteed on every path past this point. The record
	// itself offers no crash cleanup: if this process dies here, the next
	// acquirer's liveness check is the recovery path.
	released := false
	releaseLock := func() {
		if released {
			return
		}
		released = true
		if err := o.locker.Release(handle); err != nil {
			o.logger.Error("Failed to release lock",
				slog.String("class", job.Class),
				slog.String("error", err.Error()),
			)
			return
		}
		o.logger.Info("Lock released", slog.String("class", job.Class))
	}
	defer releaseLock()

	// PROCESSING
	if err := o.transition(job, &state, domain.StateProcessing); err != nil {
		return fail(err)
	}
	results, poolErr := o.pool.Run(ctx, chunks)
	if poolErr != nil {
		report := buildReport(job, domain.StateFailed, results, nil, o.now())
		o.writeReport(job, report)
		markFailed(poolErr)
		return report, poolErr
	}

	// MERGING
	if err := o.transition(job, &state, domain.StateMerging); err != nil {
		return fail(err)
	}
	manifest := merge.BuildManifest(job.JobID, results)
	mergeRes, err := o.merger.Merge(manifest, job.OutputDir)
	if err != nil {
		report := buildReport(job, domain.StateFailed, results, nil, o.now())
		o.writeReport(job, report)
		markFailed(err)
		return report, err
	}

	// DONE
	if err := o.transition(job, &state, domain.StateDone); err != nil {
		return fail(err)
	}
	report := buildReport(job, domain.StateDone, results, mergeRes.Gaps, o.now())
	o.writeReport(job, report)
	releaseLock()

	if len(report.Gaps) > 0 {
		o.logger.Warn("Job done with gaps",
			slog.String("job_id", job.JobID),
			slog.Int("gap_count", len(report.Gaps)),
		)
	} else {
		o.logger.Info("Job done", slog.String("job_id", job.JobID))
	}

	return report, nil
}

// acquireWithBackoff retries lock acquisition with exponential backoff up
// to the configured deadline. Only LockHeld is retryable; anything else
// fails immediately.
func (o *Orchestrator) acquireWithBackoff(ctx context.Context, job *domain.HeavyJob) (*lock.Handle, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.LockInitialBackoff
	policy.MaxInterval = o.cfg.LockMaxBackoff
	policy.MaxElapsedTime = o.cfg.LockDeadline

	var handle *lock.Handle
	operation := func() error {
		h, err := o.locker.Acquire(job.Class, o.pid, "heavy job "+job.JobID)
		if err != nil {
			var held *domain.LockHeldError
			if errors.As(err, &held) {
				o.logger.Info("Lock held, waiting",
					slog.String("class", job.Class),
					slog.Int("holder_pid", held.HolderPID),
				)
				return err
			}
			return backoff.Permanent(err)
		}
		handle = h
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var held *domain.LockHeldError
		if errors.As(err, &held) {
			return nil, fmt.Errorf("lock unattainable before deadline: %w", err)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return handle, nil
}

// buildReport enumerates per-chunk status and merge gaps.
func buildReport(job *domain.HeavyJob, state domain.JobState, results []domain.ChunkResult, gaps []domain.Gap, now time.Time) *domain.RunReport {
	entries := make([]domain.ChunkStatusEntry, 0, len(results))
	for _, res := range results {
		entries = append(entries, domain.ChunkStatusEntry{
			Index:    res.Chunk.Index,
			Start:    res.Chunk.Start,
			Duration: res.Chunk.Duration,
			Status:   res.Status,
			Error:    res.Error,
		})
	}

	return &domain.RunReport{
		JobID:       job.JobID,
		GeneratedAt: now.UTC(),
		State:       state,
		Chunks:      entries,
		Gaps:        gaps,
	}
}

// writeReport persists report.json next to the artifacts. Best effort:
// a report write failure never masks the run outcome.
func (o *Orchestrator) writeReport(job *domain.HeavyJob, report *domain.RunReport) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(job.OutputDir, "report.json"), data, 0o644)
	}
	if err != nil {
		o.logger.Error("Failed to write run report",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}
