package segment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"transcribe-gate/internal/domain"
	"transcribe-gate/internal/engine"
)

// Segmenter splits an input media file into ordered, non-overlapping
// bounded-duration chunks. Splitting is restartable: a re-invocation with
// the same output directory recognizes already-materialized chunk files
// and skips re-cutting them.
type Segmenter struct {
	ffmpegPath  string
	ffprobePath string
	runner      engine.Runner
	logger      *slog.Logger
	stat        func(string) (os.FileInfo, error)
	mkdirAll    func(string, os.FileMode) error
}

// NewSegmenter constructs the production segmenter with OS dependencies.
func NewSegmenter(ffmpegPath, ffprobePath string, runner engine.Runner, logger *slog.Logger) *Segmenter {
	return &Segmenter{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      runner,
		logger:      logger,
		stat:        os.Stat,
		mkdirAll:    os.MkdirAll,
	}
}

// ProbeDuration reads the media duration via ffprobe. Failure means the
// source is unusable for segmentation and maps to ErrSourceUnreadable.
func (s *Segmenter) ProbeDuration(ctx context.Context, mediaPath string) (time.Duration, error) {
	args := buildFFprobeArgs(mediaPath)

	result, err := s.runner.Run(ctx, s.ffprobePath, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe failed for %s (exit=%d): %w",
			domain.ErrSourceUnreadable, mediaPath, result.ExitCode, err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(result.Stdout), 64)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("%w: cannot parse duration %q for %s",
			domain.ErrSourceUnreadable, strings.TrimSpace(result.Stdout), mediaPath)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// Split materializes the chunk plan for job, cutting each chunk to 16 kHz
// mono PCM WAV so the engine consumes uniform input. Existing non-empty
// chunk files are skipped.
func (s *Segmenter) Split(ctx context.Context, job *domain.HeavyJob) ([]domain.Chunk, error) {
	chunks := PlanChunks(job.TotalDuration, job.ChunkDuration)

	for i := range chunks {
		chunkDir := ChunkDir(job.OutputDir, chunks[i].Index)
		if err := s.mkdirAll(chunkDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create chunk directory: %w", err)
		}

		chunks[i].InputPath = filepath.Join(chunkDir, "audio.wav")
		chunks[i].Outputs = domain.ChunkOutputs{
			Text:     filepath.Join(chunkDir, "transcript.txt"),
			Segments: filepath.Join(chunkDir, "segments.json"),
			Captions: filepath.Join(chunkDir, "transcript.srt"),
		}

		if info, err := s.stat(chunks[i].InputPath); err == nil && info.Size() > 0 {
			s.logger.Debug("Chunk audio already materialized, skipping cut",
				slog.Int("chunk_index", chunks[i].Index),
			)
			continue
		}

		if err := s.cut(ctx, job.InputPath, chunks[i]); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Segmentation complete",
		slog.String("job_id", job.JobID),
		slog.Int("chunk_count", len(chunks)),
		slog.Duration("chunk_duration", job.ChunkDuration),
	)

	return chunks, nil
}

// cut extracts one chunk interval with ffmpeg.
func (s *Segmenter) cut(ctx context.Context, inputPath string, chunk domain.Chunk) error {
	args := buildFFmpegCutArgs(inputPath, chunk.InputPath, chunk.Start, chunk.Duration)

	result, err := s.runner.Run(ctx, s.ffmpegPath, args...)
	if err != nil {
		return fmt.Errorf("%w: ffmpeg cut failed for chunk %d (exit=%d): %w",
			domain.ErrSourceUnreadable, chunk.Index, result.ExitCode, err)
	}

	info, err := s.stat(chunk.InputPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: ffmpeg completed but chunk %d audio is missing",
			domain.ErrSourceUnreadable, chunk.Index)
	}

	return nil
}

// PlanChunks computes the chunk intervals for a total duration. Chunk i
// covers [i*chunkDuration, min((i+1)*chunkDuration, total)): the intervals
// strictly partition [0, total) and the final chunk may be shorter.
func PlanChunks(total, chunkDuration time.Duration) []domain.Chunk {
	if total <= 0 || chunkDuration <= 0 {
		return nil
	}

	count := int((total + chunkDuration - 1) / chunkDuration)
	chunks := make([]domain.Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := time.Duration(i) * chunkDuration
		end := start + chunkDuration
		if end > total {
			end = total
		}
		chunks = append(chunks, domain.Chunk{
			Index:    i,
			Start:    start,
			Duration: end - start,
		})
	}
	return chunks
}

// ChunkDir is the deterministic per-chunk subpath under the job output
// directory, stable across restarts so external pollers can track progress.
func ChunkDir(outputDir string, index int) string {
	return filepath.Join(outputDir, "chunks", fmt.Sprintf("chunk_%03d", index))
}

// buildFFprobeArgs builds the duration probe invocation.
func buildFFprobeArgs(mediaPath string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		mediaPath,
	}
}

// buildFFmpegCutArgs builds the chunk extraction invocation producing
// mono 16k PCM WAV output.
func buildFFmpegCutArgs(inputPath, outPath string, start, duration time.Duration) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(duration),
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// formatSeconds renders a duration as fractional seconds for ffmpeg.
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
