package domain

// JobState tracks the orchestrator state machine for a single job.
type JobState string

const (
	StateInit       JobState = "INIT"
	StateSegmenting JobState = "SEGMENTING"
	StateLockWait   JobState = "LOCK_WAIT"
	StateProcessing JobState = "PROCESSING"
	StateMerging    JobState = "MERGING"
	StateDone       JobState = "DONE"
	StateFailed     JobState = "FAILED"
)

// ChunkStatus classifies a chunk after a pool run.
type ChunkStatus string

const (
	// ChunkStatusComplete means the engine ran this run and all outputs exist.
	ChunkStatusComplete ChunkStatus = "COMPLETE"
	// ChunkStatusSkipped means the chunk was already complete; the engine
	// was not invoked (idempotent restart).
	ChunkStatusSkipped ChunkStatus = "SKIPPED"
	// ChunkStatusFailed means the engine exited non-zero or produced
	// malformed output; sibling chunks are unaffected.
	ChunkStatusFailed ChunkStatus = "FAILED"
	// ChunkStatusPending means the chunk was never admitted (cancellation
	// or resource exhaustion stopped admission first).
	ChunkStatusPending ChunkStatus = "PENDING"
)

// Default entry-point parameters.
const (
	DefaultChunkDurationSeconds = 600
	DefaultConcurrency          = 1
)
