package merge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"transcribe-gate/internal/domain"
)

// Artifacts are the final merged output paths.
type Artifacts struct {
	TextPath     string
	SegmentsPath string
	CaptionsPath string
}

// Result is the outcome of one merge pass.
type Result struct {
	Artifacts Artifacts
	Gaps      []domain.Gap
}

// Reassembler merges per-chunk outputs into one time-consistent artifact
// set. Each chunk's internal timestamps are relative to the chunk, so the
// merge shifts them by the running sum of actual prior-chunk durations,
// never the nominal chunk duration, since the final chunk may be shorter.
// A missing chunk output becomes a documented gap rather than a failure:
// the merge favors completion over perfection.
type Reassembler struct {
	logger *slog.Logger
}

// NewReassembler creates a reassembler.
func NewReassembler(logger *slog.Logger) *Reassembler {
	return &Reassembler{logger: logger}
}

// BuildManifest orders pool results by chunk index into a merge manifest.
func BuildManifest(jobID string, results []domain.ChunkResult) domain.MergeManifest {
	entries := make([]domain.ManifestEntry, 0, len(results))
	for _, res := range results {
		entries = append(entries, domain.ManifestEntry{
			Chunk:  res.Chunk,
			Status: res.Status,
			Error:  res.Error,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Chunk.Index < entries[j].Chunk.Index
	})
	return domain.MergeManifest{JobID: jobID, Entries: entries}
}

// Merge produces the merged transcript, segment list, and caption file in
// outputDir. Completion order of chunks never matters here: the manifest
// is index-ordered before any offset is computed.
func (r *Reassembler) Merge(manifest domain.MergeManifest, outputDir string) (*Result, error) {
	var (
		texts      []string
		segments   []domain.Segment
		captions   []domain.Caption
		gaps       []domain.Gap
		offset     time.Duration
		captionSeq = 1
	)

	for _, entry := range manifest.Entries {
		chunkStart := offset
		offset += entry.Chunk.Duration

		if entry.Status != domain.ChunkStatusComplete && entry.Status != domain.ChunkStatusSkipped {
			gaps = append(gaps, domain.Gap{
				ChunkIndex: entry.Chunk.Index,
				Start:      chunkStart,
				Duration:   entry.Chunk.Duration,
				Reason:     gapReason(entry),
			})
			continue
		}

		text, segs, caps, err := r.readChunkOutputs(entry.Chunk)
		if err != nil {
			// Outputs vanished or rotted between pool and merge; treat as
			// a gap, matching the per-chunk failure policy.
			r.logger.Warn("Chunk outputs unreadable at merge time",
				slog.Int("chunk_index", entry.Chunk.Index),
				slog.String("error", err.Error()),
			)
			gaps = append(gaps, domain.Gap{
				ChunkIndex: entry.Chunk.Index,
				Start:      chunkStart,
				Duration:   entry.Chunk.Duration,
				Reason:     err.Error(),
			})
			continue
		}

		if text != "" {
			texts = append(texts, text)
		}

		for _, seg := range segs {
			seg.Start += chunkStart.Seconds()
			seg.End += chunkStart.Seconds()
			segments = append(segments, seg)
		}

		for _, cue := range caps {
			cue.Index = captionSeq
			cue.Start += chunkStart
			cue.End += chunkStart
			captions = append(captions, cue)
			captionSeq++
		}
	}

	artifacts, err := r.writeArtifacts(outputDir, texts, segments, captions)
	if err != nil {
		return nil, err
	}

	if len(gaps) > 0 {
		r.logger.Warn("Merge completed with gaps",
			slog.String("job_id", manifest.JobID),
			slog.Int("gap_count", len(gaps)),
		)
	}

	return &Result{Artifacts: artifacts, Gaps: gaps}, nil
}

// readChunkOutputs loads one chunk's text, segments, and captions.
func (r *Reassembler) readChunkOutputs(chunk domain.Chunk) (string, []domain.Segment, []domain.Caption, error) {
	textData, err := os.ReadFile(chunk.Outputs.Text)
	if err != nil {
		return "", nil, nil, fmt.Errorf("text output: %w", err)
	}

	segData, err := os.ReadFile(chunk.Outputs.Segments)
	if err != nil {
		return "", nil, nil, fmt.Errorf("segments output: %w", err)
	}
	var segments []domain.Segment
	if err := json.Unmarshal(segData, &segments); err != nil {
		return "", nil, nil, fmt.Errorf("segments output: %w", err)
	}

	capData, err := os.ReadFile(chunk.Outputs.Captions)
	if err != nil {
		return "", nil, nil, fmt.Errorf("captions output: %w", err)
	}
	captions, err := ParseSRT(capData)
	if err != nil {
		return "", nil, nil, fmt.Errorf("captions output: %w", err)
	}

	return strings.TrimSpace(string(textData)), segments, captions, nil
}

// writeArtifacts writes the three merged outputs to outputDir.
func (r *Reassembler) writeArtifacts(outputDir string, texts []string, segments []domain.Segment, captions []domain.Caption) (Artifacts, error) {
	artifacts := Artifacts{
		TextPath:     filepath.Join(outputDir, "transcript.txt"),
		SegmentsPath: filepath.Join(outputDir, "segments.json"),
		CaptionsPath: filepath.Join(outputDir, "captions.srt"),
	}

	// Chunk texts are concatenated in index order, separated by a blank line.
	text := strings.Join(texts, "\n\n")
	if text != "" {
		text += "\n"
	}
	if err := os.WriteFile(artifacts.TextPath, []byte(text), 0o644); err != nil {
		return Artifacts{}, fmt.Errorf("failed to write transcript: %w", err)
	}

	if segments == nil {
		segments = []domain.Segment{}
	}
	segData, err := json.MarshalIndent(segments, "", "  ")
	if err != nil {
		return Artifacts{}, err
	}
	if err := os.WriteFile(artifacts.SegmentsPath, segData, 0o644); err != nil {
		return Artifacts{}, fmt.Errorf("failed to write segments: %w", err)
	}

	if err := os.WriteFile(artifacts.CaptionsPath, FormatSRT(captions), 0o644); err != nil {
		return Artifacts{}, fmt.Errorf("failed to write captions: %w", err)
	}

	return artifacts, nil
}

func gapReason(entry domain.ManifestEntry) string {
	if entry.Error != "" {
		return entry.Error
	}
	return fmt.Sprintf("chunk status %s", entry.Status)
}
