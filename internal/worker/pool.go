package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"transcribe-gate/internal/domain"
)

// Engine is the opaque, synchronous heavy compute call executed per chunk.
type Engine interface {
	Process(ctx context.Context, chunk domain.Chunk) error
}

// Gate answers whether the host can admit another heavy chunk right now.
type Gate interface {
	Check(ctx context.Context) error
}

// Observer receives pool progress callbacks for metrics and registries.
type Observer interface {
	OnChunkStart(chunk domain.Chunk)
	OnChunk(result domain.ChunkResult)
	OnGateRecheck(err error)
	OnGatePause()
}

// NopObserver discards all callbacks.
type NopObserver struct{}

func (NopObserver) OnChunkStart(domain.Chunk)  {}
func (NopObserver) OnChunk(domain.ChunkResult) {}
func (NopObserver) OnGateRecheck(error)        {}
func (NopObserver) OnGatePause()               {}

// Config holds pool configuration.
type Config struct {
	Concurrency      int
	RecoveryTimeout  time.Duration
	RecoveryInterval time.Duration
	GracePeriod      time.Duration
}

// Pool is the bounded-concurrency chunk executor. Chunks are admitted in
// index order; completion order is unordered when Concurrency > 1 and the
// reassembler re-sorts by index, so it never affects output correctness.
// A chunk failure is isolated to that chunk; only resource exhaustion past
// the recovery timeout aborts admission.
type Pool struct {
	engine   Engine
	gate     Gate
	observer Observer
	logger   *slog.Logger
	cfg      Config
}

// NewPool creates a pool over the given engine and admission gate.
func NewPool(engine Engine, gate Gate, observer Observer, logger *slog.Logger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = domain.DefaultConcurrency
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Pool{
		engine:   engine,
		gate:     gate,
		observer: observer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run executes all chunks and returns one result per chunk, indexed by
// chunk index. Already-complete chunks are skipped without invoking the
// engine. The gate is validated before every admission, the first chunk
// included, and only once a worker slot is free: the snapshot backing each
// admission reflects conditions at the moment the chunk actually starts,
// not when the previous one did, because a multi-hour job can span
// drifting conditions. If the gate stays closed past RecoveryTimeout the
// remaining chunks stay PENDING and Run returns an
// ErrResourceExhausted-wrapped error. Cancellation stops admission and
// lets in-flight chunks finish within GracePeriod.
func (p *Pool) Run(ctx context.Context, chunks []domain.Chunk) ([]domain.ChunkResult, error) {
	results := make([]domain.ChunkResult, len(chunks))
	for i, c := range chunks {
		results[i] = domain.ChunkResult{Chunk: c, Status: domain.ChunkStatusPending}
	}

	jobsChan := make(chan domain.Chunk)
	slots := make(chan struct{}, p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		slots <- struct{}{}
	}
	var wg sync.WaitGroup

	p.logger.Info("Spawning chunk worker pool",
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Int("chunk_count", len(chunks)),
	)

	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go p.workerLoop(ctx, i, jobsChan, slots, results, &wg)
	}

	admitErr := p.admit(ctx, chunks, results, jobsChan, slots)

	close(jobsChan)
	wg.Wait()

	return results, admitErr
}

// admit feeds chunks to the workers in index order, skipping complete
// ones. Each admission first claims a free worker slot, then validates the
// gate, then hands the chunk over, so the gate check is never stale by a
// chunk's runtime.
func (p *Pool) admit(ctx context.Context, chunks []domain.Chunk, results []domain.ChunkResult, jobsChan chan<- domain.Chunk, slots <-chan struct{}) error {
	for i, chunk := range chunks {
		if ChunkComplete(chunk) {
			results[i] = domain.ChunkResult{Chunk: chunk, Status: domain.ChunkStatusSkipped}
			p.observer.OnChunk(results[i])
			p.logger.Info("Chunk already complete, skipping",
				slog.Int("chunk_index", chunk.Index),
			)
			continue
		}

		select {
		case <-slots:
		case <-ctx.Done():
			p.logger.Info("Cancellation received, stopping chunk admission",
				slog.Int("chunk_index", chunk.Index),
			)
			return ctx.Err()
		}
		// A freed slot and cancellation can race; cancellation wins.
		if err := ctx.Err(); err != nil {
			p.logger.Info("Cancellation received, stopping chunk admission",
				slog.Int("chunk_index", chunk.Index),
			)
			return err
		}

		if err := p.awaitAdmission(ctx); err != nil {
			return err
		}

		select {
		case jobsChan <- chunk:
		case <-ctx.Done():
			p.logger.Info("Cancellation received, stopping chunk admission",
				slog.Int("chunk_index", chunk.Index),
			)
			return ctx.Err()
		}
	}
	return nil
}

// awaitAdmission blocks until the gate opens, the recovery timeout
// elapses, or the context is canceled. The wait is timer-driven, never a
// busy poll.
func (p *Pool) awaitAdmission(ctx context.Context) error {
	err := p.gate.Check(ctx)
	p.observer.OnGateRecheck(err)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.observer.OnGatePause()
	p.logger.Warn("Resource gate closed, pausing admissions",
		slog.String("reason", err.Error()),
		slog.Duration("recovery_timeout", p.cfg.RecoveryTimeout),
	)

	deadline := time.NewTimer(p.cfg.RecoveryTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			return fmt.Errorf("%w: gate closed past recovery timeout: %s",
				domain.ErrResourceExhausted, err.Error())

		case <-ticker.C:
			recheck := p.gate.Check(ctx)
			p.observer.OnGateRecheck(recheck)
			if recheck == nil {
				p.logger.Info("Resource gate recovered, resuming admissions")
				return nil
			}
			err = recheck
		}
	}
}

// workerLoop is the main processing loop for each worker goroutine. Each
// finished chunk returns its slot token so the admitter can claim a free
// worker before the next gate check.
func (p *Pool) workerLoop(ctx context.Context, workerNum int, jobsChan <-chan domain.Chunk, slots chan<- struct{}, results []domain.ChunkResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for chunk := range jobsChan {
		p.observer.OnChunkStart(chunk)
		result := p.processChunk(ctx, chunk)
		// Distinct result cells per chunk index; no two workers share one.
		results[chunk.Index] = result
		p.observer.OnChunk(result)
		slots <- struct{}{}

		if result.Status == domain.ChunkStatusFailed {
			p.logger.Error("Chunk failed",
				slog.Int("worker_num", workerNum),
				slog.Int("chunk_index", chunk.Index),
				slog.String("error", result.Error),
			)
		} else {
			p.logger.Info("Chunk complete",
				slog.Int("worker_num", workerNum),
				slog.Int("chunk_index", chunk.Index),
			)
		}
	}
}

// processChunk runs the engine for one chunk under a grace-period context
// and verifies the output set afterwards.
func (p *Pool) processChunk(ctx context.Context, chunk domain.Chunk) domain.ChunkResult {
	chunkCtx, cancel := p.chunkContext(ctx)
	defer cancel()

	start := time.Now()
	if err := p.engine.Process(chunkCtx, chunk); err != nil {
		return domain.ChunkResult{
			Chunk:   chunk,
			Status:  domain.ChunkStatusFailed,
			Error:   err.Error(),
			Elapsed: time.Since(start),
		}
	}

	if !ChunkComplete(chunk) {
		return domain.ChunkResult{
			Chunk:   chunk,
			Status:  domain.ChunkStatusFailed,
			Error:   "engine succeeded but the chunk output set is incomplete",
			Elapsed: time.Since(start),
		}
	}

	return domain.ChunkResult{Chunk: chunk, Status: domain.ChunkStatusComplete, Elapsed: time.Since(start)}
}

// chunkContext detaches chunk execution from the parent so an in-flight
// engine call survives cancellation for GracePeriod before being killed.
func (p *Pool) chunkContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stop := context.AfterFunc(parent, func() {
		grace := time.NewTimer(p.cfg.GracePeriod)
		defer grace.Stop()
		select {
		case <-grace.C:
			cancel()
		case <-ctx.Done():
		}
	})

	return ctx, func() {
		stop()
		cancel()
	}
}

// ChunkComplete reports whether all chunk outputs exist and are non-empty.
// This is the idempotence marker: a complete chunk is never re-processed.
func ChunkComplete(chunk domain.Chunk) bool {
	for _, path := range []string{chunk.Outputs.Text, chunk.Outputs.Segments, chunk.Outputs.Captions} {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return false
		}
	}
	return true
}
