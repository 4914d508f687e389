package domain

import "time"

// HeavyJob describes one resource-intensive transcription job.
// Immutable once segmentation starts; artifacts persist after completion.
type HeavyJob struct {
	JobID         string
	Class         string
	InputPath     string
	OutputDir     string
	TotalDuration time.Duration
	ChunkDuration time.Duration
}

// ChunkOutputs holds the artifact paths the engine produces for one chunk.
type ChunkOutputs struct {
	Text     string
	Segments string
	Captions string
}

// Chunk is one bounded-duration slice of the input media. Chunk i covers
// [i*ChunkDuration, min((i+1)*ChunkDuration, TotalDuration)).
type Chunk struct {
	Index     int
	Start     time.Duration
	Duration  time.Duration
	InputPath string
	Outputs   ChunkOutputs
}

// ChunkResult reports the outcome of one chunk after a pool run.
// Elapsed is the engine wall time; zero for skipped chunks.
type ChunkResult struct {
	Chunk   Chunk
	Status  ChunkStatus
	Error   string
	Elapsed time.Duration
}

// Segment is one timestamped unit of the structured transcript.
// Start and End are seconds relative to the artifact they belong to.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Caption is one screen-caption cue with a sequential index.
type Caption struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// ResourceSnapshot is a point-in-time view of host telemetry. Never
// persisted; a false Known flag means the sensor could not be read and the
// field must be treated as "unknown, proceed with caution".
type ResourceSnapshot struct {
	AvailableMemory  uint64
	MemoryKnown      bool
	CPUTemperature   float64
	TemperatureKnown bool
	Timestamp        time.Time
}

// ManifestEntry pairs a chunk with its pool outcome for reassembly.
type ManifestEntry struct {
	Chunk  Chunk
	Status ChunkStatus
	Error  string
}

// MergeManifest is the ordered chunk list the Reassembler merges. Offsets
// are derived from the running sum of actual prior-chunk durations, so a
// short tail chunk never skews later timestamps.
type MergeManifest struct {
	JobID   string
	Entries []ManifestEntry
}

// Gap marks a chunk interval missing from the merged output.
type Gap struct {
	ChunkIndex int           `json:"chunk_index"`
	Start      time.Duration `json:"start"`
	Duration   time.Duration `json:"duration"`
	Reason     string        `json:"reason,omitempty"`
}

// ChunkStatusEntry is one row of the run report.
type ChunkStatusEntry struct {
	Index    int           `json:"index"`
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
	Status   ChunkStatus   `json:"status"`
	Error    string        `json:"error,omitempty"`
}

// RunReport enumerates per-chunk status and merge gaps for one run. It is
// always produced, even on overall success, so a silently-incomplete result
// cannot occur.
type RunReport struct {
	JobID       string             `json:"job_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	State       JobState           `json:"state"`
	Chunks      []ChunkStatusEntry `json:"chunks"`
	Gaps        []Gap              `json:"gaps,omitempty"`
}
