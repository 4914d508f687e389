package status

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcribe-gate/internal/domain"
	"transcribe-gate/internal/lock"
	"transcribe-gate/internal/orchestrator"
)

func testServer(t *testing.T) (*Server, *orchestrator.Registry, *lock.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := orchestrator.NewRegistry()
	locks := lock.NewManager(t.TempDir(), logger)
	return NewServer(0, registry, locks, NewMetrics(), logger), registry, locks
}

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.setupRouter().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := testServer(t)

	rec := doRequest(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestCurrentJobEndpoint(t *testing.T) {
	s, registry, _ := testServer(t)

	rec := doRequest(t, s, "/api/v1/jobs/current")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	registry.Register("job-1", "transcription", time.Now())
	registry.SetState("job-1", domain.StateProcessing)
	registry.SetChunksTotal("job-1", 5)
	registry.RecordChunk("job-1", domain.ChunkStatusComplete)

	rec = doRequest(t, s, "/api/v1/jobs/current")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "job-1", snap.JobID)
	assert.Equal(t, domain.StateProcessing, snap.State)
	assert.Equal(t, 5, snap.ChunksTotal)
	assert.Equal(t, 1, snap.Completed)
}

func TestJobByIDEndpoint(t *testing.T) {
	s, registry, _ := testServer(t)
	registry.Register("job-1", "transcription", time.Now())

	rec := doRequest(t, s, "/api/v1/jobs/job-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, "/api/v1/jobs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLockEndpoint(t *testing.T) {
	s, _, locks := testServer(t)

	rec := doRequest(t, s, "/api/v1/locks/transcription")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"held":false`)

	handle, err := locks.Acquire("transcription", os.Getpid(), "status test")
	require.NoError(t, err)
	defer func() { require.NoError(t, locks.Release(handle)) }()

	rec = doRequest(t, s, "/api/v1/locks/transcription")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"held":true`)
	assert.Contains(t, rec.Body.String(), "holder_pid")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := testServer(t)

	s.metrics.OnChunkStart(domain.Chunk{Index: 0})
	s.metrics.OnChunkStart(domain.Chunk{Index: 1})
	s.metrics.OnChunkStart(domain.Chunk{Index: 2})
	s.metrics.OnChunk(domain.ChunkResult{Status: domain.ChunkStatusComplete, Elapsed: 2 * time.Second})
	s.metrics.OnChunk(domain.ChunkResult{Status: domain.ChunkStatusFailed, Elapsed: time.Second})
	s.metrics.OnGateRecheck(nil)
	s.metrics.OnGateRecheck(domain.ErrResourceExhausted)
	s.metrics.OnGatePause()

	rec := doRequest(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "gate_chunks_total 2")
	assert.Contains(t, body, "gate_chunks_completed_total 1")
	assert.Contains(t, body, "gate_chunks_failed_total 1")
	assert.Contains(t, body, "gate_rechecks_total 2")
	assert.Contains(t, body, "gate_recheck_failures_total 1")
	assert.Contains(t, body, "gate_pauses_total 1")
	assert.Contains(t, body, "gate_engine_seconds_total 3")
	// Three started, two finished.
	assert.Contains(t, body, "gate_chunks_in_flight 1")
}
