package orchestrator

import (
	"sync"
	"time"

	"transcribe-gate/internal/domain"
)

// Snapshot is a point-in-time view of one job's progress.
type Snapshot struct {
	JobID       string          `json:"job_id"`
	Class       string          `json:"class"`
	State       domain.JobState `json:"state"`
	ChunksTotal int             `json:"chunks_total"`
	Completed   int             `json:"completed"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	GatePauses  int             `json:"gate_pauses"`
	StartedAt   time.Time       `json:"started_at"`
}

// Registry is the in-process job_id -> handle map. It replaces ad-hoc
// cross-process state (background PIDs, sentinel files) for everything
// except the on-disk lock, which stays the only cross-process coordination
// mechanism. Guarded by its own mutex; readers get copies.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Snapshot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Snapshot)}
}

// Register adds a job in INIT state.
func (r *Registry) Register(jobID, class string, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = &Snapshot{
		JobID:     jobID,
		Class:     class,
		State:     domain.StateInit,
		StartedAt: startedAt,
	}
}

// SetState records a state transition.
func (r *Registry) SetState(jobID string, state domain.JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap, ok := r.jobs[jobID]; ok {
		snap.State = state
	}
}

// SetChunksTotal records the segmentation outcome.
func (r *Registry) SetChunksTotal(jobID string, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap, ok := r.jobs[jobID]; ok {
		snap.ChunksTotal = total
	}
}

// RecordChunk tallies one chunk result.
func (r *Registry) RecordChunk(jobID string, status domain.ChunkStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.jobs[jobID]
	if !ok {
		return
	}
	switch status {
	case domain.ChunkStatusComplete:
		snap.Completed++
	case domain.ChunkStatusSkipped:
		snap.Skipped++
	case domain.ChunkStatusFailed:
		snap.Failed++
	}
}

// RecordGatePause tallies one admission pause.
func (r *Registry) RecordGatePause(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap, ok := r.jobs[jobID]; ok {
		snap.GatePauses++
	}
}

// Get returns a copy of one job's snapshot.
func (r *Registry) Get(jobID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.jobs[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Current returns the most recently started job, if any. The gate admits
// one heavy job per class per host, so "current" is normally singular.
func (r *Registry) Current() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *Snapshot
	for _, snap := range r.jobs {
		if latest == nil || snap.StartedAt.After(latest.StartedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return Snapshot{}, false
	}
	return *latest, true
}
