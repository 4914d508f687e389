package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcribe-gate/internal/domain"
)

// fakeEngine writes the chunk output set on success and counts calls.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []int
	failIdx  map[int]bool
	blockCh  chan struct{} // when set, Process waits for close or ctx
}

func (e *fakeEngine) Process(ctx context.Context, chunk domain.Chunk) error {
	e.mu.Lock()
	e.calls = append(e.calls, chunk.Index)
	e.mu.Unlock()

	if e.blockCh != nil {
		select {
		case <-e.blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if e.failIdx[chunk.Index] {
		return domain.NewChunkError(chunk.Index, "transcribing", errors.New("engine exited with code 1"))
	}
	return writeOutputs(chunk)
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// fakeGate returns scripted check results, then stays open.
type fakeGate struct {
	mu      sync.Mutex
	scripts []error
	checks  int
}

func (g *fakeGate) Check(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if len(g.scripts) == 0 {
		return nil
	}
	err := g.scripts[0]
	g.scripts = g.scripts[1:]
	return err
}

// countingObserver tallies pool callbacks.
type countingObserver struct {
	mu       sync.Mutex
	chunks   map[domain.ChunkStatus]int
	starts   int
	rechecks int
	pauses   int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{chunks: make(map[domain.ChunkStatus]int)}
}

func (o *countingObserver) OnChunkStart(domain.Chunk) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *countingObserver) OnChunk(res domain.ChunkResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks[res.Status]++
}

func (o *countingObserver) OnGateRecheck(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rechecks++
}

func (o *countingObserver) OnGatePause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pauses++
}

func writeOutputs(chunk domain.Chunk) error {
	for _, path := range []string{chunk.Outputs.Text, chunk.Outputs.Segments, chunk.Outputs.Captions} {
		if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func makeChunks(t *testing.T, n int) []domain.Chunk {
	t.Helper()
	root := t.TempDir()
	chunks := make([]domain.Chunk, n)
	for i := range chunks {
		dir := filepath.Join(root, "chunks", "chunk_"+string(rune('0'+i)))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		chunks[i] = domain.Chunk{
			Index:    i,
			Start:    time.Duration(i) * 100 * time.Second,
			Duration: 100 * time.Second,
			Outputs: domain.ChunkOutputs{
				Text:     filepath.Join(dir, "transcript.txt"),
				Segments: filepath.Join(dir, "segments.json"),
				Captions: filepath.Join(dir, "transcript.srt"),
			},
		}
	}
	return chunks
}

func poolConfig() Config {
	return Config{
		Concurrency:      1,
		RecoveryTimeout:  200 * time.Millisecond,
		RecoveryInterval: 20 * time.Millisecond,
		GracePeriod:      50 * time.Millisecond,
	}
}

func TestPoolRunAllChunks(t *testing.T) {
	chunks := makeChunks(t, 3)
	eng := &fakeEngine{}
	obs := newCountingObserver()

	pool := NewPool(eng, &fakeGate{}, obs, slog.Default(), poolConfig())
	results, err := pool.Run(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, res := range results {
		assert.Equal(t, i, res.Chunk.Index)
		assert.Equal(t, domain.ChunkStatusComplete, res.Status)
	}
	assert.Equal(t, 3, eng.callCount())
	assert.Equal(t, 3, obs.starts)
	assert.Equal(t, 3, obs.chunks[domain.ChunkStatusComplete])
}

func TestPoolSkipsCompleteChunks(t *testing.T) {
	chunks := makeChunks(t, 3)
	// Chunk 1 already has a full output set.
	require.NoError(t, writeOutputs(chunks[1]))

	eng := &fakeEngine{}
	pool := NewPool(eng, &fakeGate{}, nil, slog.Default(), poolConfig())

	results, err := pool.Run(context.Background(), chunks)
	require.NoError(t, err)

	assert.Equal(t, domain.ChunkStatusComplete, results[0].Status)
	assert.Equal(t, domain.ChunkStatusSkipped, results[1].Status)
	assert.Equal(t, domain.ChunkStatusComplete, results[2].Status)
	assert.Equal(t, []int{0, 2}, eng.calls, "the complete chunk is never admitted")
}

func TestPoolIdempotentRerun(t *testing.T) {
	chunks := makeChunks(t, 3)
	for _, c := range chunks {
		require.NoError(t, writeOutputs(c))
	}

	eng := &fakeEngine{}
	pool := NewPool(eng, &fakeGate{}, nil, slog.Default(), poolConfig())

	results, err := pool.Run(context.Background(), chunks)
	require.NoError(t, err)

	assert.Zero(t, eng.callCount(), "zero engine invocations when everything is complete")
	for _, res := range results {
		assert.Equal(t, domain.ChunkStatusSkipped, res.Status)
	}
}

func TestPoolChunkFailureDoesNotAbortSiblings(t *testing.T) {
	chunks := makeChunks(t, 5)
	eng := &fakeEngine{failIdx: map[int]bool{1: true}}

	pool := NewPool(eng, &fakeGate{}, nil, slog.Default(), poolConfig())
	results, err := pool.Run(context.Background(), chunks)
	require.NoError(t, err, "per-chunk failure is not pipeline-fatal")

	assert.Equal(t, domain.ChunkStatusFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "chunk 1")
	for _, i := range []int{0, 2, 3, 4} {
		assert.Equal(t, domain.ChunkStatusComplete, results[i].Status)
	}
	assert.Equal(t, 5, eng.callCount())
}

func TestPoolGateRecheckBetweenAdmissions(t *testing.T) {
	chunks := makeChunks(t, 4)
	gate := &fakeGate{}
	obs := newCountingObserver()

	pool := NewPool(&fakeEngine{}, gate, obs, slog.Default(), poolConfig())
	_, err := pool.Run(context.Background(), chunks)
	require.NoError(t, err)

	// One check per admission, the first chunk included.
	assert.Equal(t, 4, gate.checks)
	assert.Equal(t, 4, obs.rechecks)
	assert.Zero(t, obs.pauses)
}

func TestPoolPausesUntilGateRecovers(t *testing.T) {
	chunks := makeChunks(t, 2)
	blocked := errors.New("cpu temperature 91.0 above maximum 85.0")
	gate := &fakeGate{scripts: []error{blocked, blocked}} // recovers on 3rd check
	obs := newCountingObserver()

	pool := NewPool(&fakeEngine{}, gate, obs, slog.Default(), poolConfig())
	results, err := pool.Run(context.Background(), chunks)
	require.NoError(t, err)

	assert.Equal(t, domain.ChunkStatusComplete, results[0].Status)
	assert.Equal(t, domain.ChunkStatusComplete, results[1].Status)
	assert.Equal(t, 1, obs.pauses)
}

// closedGate always reports the same blocking condition.
type closedGate struct{ err error }

func (g *closedGate) Check(context.Context) error { return g.err }

func TestPoolResourceExhaustedPastTimeout(t *testing.T) {
	chunks := makeChunks(t, 3)
	gate := &closedGate{err: errors.New("available memory 100 below minimum 2048")}
	eng := &fakeEngine{}

	pool := NewPool(eng, gate, nil, slog.Default(), poolConfig())
	results, err := pool.Run(context.Background(), chunks)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)

	// A gate closed from the outset blocks the first chunk too: the engine
	// never runs on an already-exhausted host.
	assert.Zero(t, eng.callCount())
	for _, res := range results {
		assert.Equal(t, domain.ChunkStatusPending, res.Status)
	}
}

// latchGate admits exactly one chunk, then reports the same blocking
// condition on every later check.
type latchGate struct {
	mu       sync.Mutex
	admitted bool
	err      error
}

func (g *latchGate) Check(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.admitted {
		g.admitted = true
		return nil
	}
	return g.err
}

func TestPoolGateClosingMidRunStopsNextChunk(t *testing.T) {
	chunks := makeChunks(t, 2)
	gate := &latchGate{err: errors.New("cpu temperature 92.0 above maximum 85.0")}
	eng := &fakeEngine{}

	pool := NewPool(eng, gate, nil, slog.Default(), poolConfig())
	results, err := pool.Run(context.Background(), chunks)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)

	// The gate closed while chunk 0 ran. Its check happens once a worker
	// slot is free, so chunk 1 sees the closure instead of a snapshot taken
	// before chunk 0 started.
	assert.Equal(t, domain.ChunkStatusComplete, results[0].Status)
	assert.Equal(t, domain.ChunkStatusPending, results[1].Status)
	assert.Equal(t, []int{0}, eng.calls, "nothing is admitted past a closed gate")
}

func TestPoolCancellationStopsAdmission(t *testing.T) {
	chunks := makeChunks(t, 3)
	eng := &fakeEngine{blockCh: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(eng, &fakeGate{}, nil, slog.Default(), poolConfig())

	done := make(chan struct{})
	var results []domain.ChunkResult
	var runErr error
	go func() {
		results, runErr = pool.Run(ctx, chunks)
		close(done)
	}()

	// Wait until chunk 0 is in flight, then cancel.
	require.Eventually(t, func() bool { return eng.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	// Let the in-flight chunk finish within its grace period.
	close(eng.blockCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}

	require.ErrorIs(t, runErr, context.Canceled)
	assert.Equal(t, domain.ChunkStatusComplete, results[0].Status, "in-flight chunk finishes")
	assert.Equal(t, domain.ChunkStatusPending, results[1].Status)
	assert.Equal(t, domain.ChunkStatusPending, results[2].Status)
	assert.Equal(t, 1, eng.callCount(), "no new admissions after cancel")
}

func TestPoolGracePeriodKillsHungChunk(t *testing.T) {
	chunks := makeChunks(t, 1)
	eng := &fakeEngine{blockCh: make(chan struct{})} // never closed: hung engine

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(eng, &fakeGate{}, nil, slog.Default(), poolConfig())

	done := make(chan struct{})
	var results []domain.ChunkResult
	go func() {
		results, _ = pool.Run(ctx, chunks)
		close(done)
	}()

	require.Eventually(t, func() bool { return eng.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("grace period did not kill the hung chunk")
	}

	assert.Equal(t, domain.ChunkStatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "context canceled")
}
