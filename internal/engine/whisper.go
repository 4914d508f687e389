package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"transcribe-gate/internal/domain"
)

// Whisper runs whisper.cpp for one chunk and normalizes its outputs into
// the artifact set the pool and reassembler expect: a plain-text
// transcript, a structured segments.json, and an SRT caption file. All
// timestamps in chunk outputs are relative to the chunk start.
type Whisper struct {
	binary    string
	modelPath string
	language  string
	runner    Runner
	logger    *slog.Logger
	stat      func(string) (os.FileInfo, error)
	readFile  func(string) ([]byte, error)
	writeFile func(string, []byte, os.FileMode) error
}

// Config selects the whisper binary, model, and language.
type Config struct {
	Binary    string
	ModelPath string
	Language  string
}

// NewWhisper constructs the production engine with OS dependencies.
func NewWhisper(cfg Config, runner Runner, logger *slog.Logger) *Whisper {
	return &Whisper{
		binary:    cfg.Binary,
		modelPath: cfg.ModelPath,
		language:  cfg.Language,
		runner:    runner,
		logger:    logger,
		stat:      os.Stat,
		readFile:  os.ReadFile,
		writeFile: os.WriteFile,
	}
}

// Process transcribes one chunk. Non-zero exit or malformed output fails
// only this chunk; the caller decides what that means for the pipeline.
func (w *Whisper) Process(ctx context.Context, chunk domain.Chunk) error {
	base := strings.TrimSuffix(chunk.Outputs.Text, filepath.Ext(chunk.Outputs.Text))
	args := buildWhisperArgs(w.modelPath, chunk.InputPath, base, w.language)

	w.logger.Debug("Invoking engine",
		slog.Int("chunk_index", chunk.Index),
		slog.String("command", w.binary),
	)

	result, err := w.runner.Run(ctx, w.binary, args...)
	if err != nil {
		return domain.NewChunkError(chunk.Index, "transcribing",
			fmt.Errorf("engine exited with code %d: %w", result.ExitCode, err))
	}

	for _, path := range []string{chunk.Outputs.Text, chunk.Outputs.Captions} {
		info, err := w.stat(path)
		if err != nil {
			return domain.NewChunkError(chunk.Index, "transcribing",
				fmt.Errorf("engine completed but output is missing: %s: %w", path, err))
		}
		if info.Size() == 0 {
			return domain.NewChunkError(chunk.Index, "transcribing",
				fmt.Errorf("engine produced empty output: %s", path))
		}
	}

	if err := w.normalizeSegments(chunk, base+".json"); err != nil {
		return domain.NewChunkError(chunk.Index, "exporting", err)
	}

	return nil
}

// normalizeSegments converts whisper's JSON export into the segment list
// shape written to segments.json.
func (w *Whisper) normalizeSegments(chunk domain.Chunk, rawPath string) error {
	data, err := w.readFile(rawPath)
	if err != nil {
		return fmt.Errorf("engine completed but json export is missing: %w", err)
	}

	segments, err := parseWhisperJSON(data)
	if err != nil {
		return fmt.Errorf("malformed engine json export: %w", err)
	}

	out, err := json.MarshalIndent(segments, "", "  ")
	if err != nil {
		return err
	}
	return w.writeFile(chunk.Outputs.Segments, out, 0o644)
}

// whisperExport mirrors the transcription array of whisper.cpp's -oj file.
type whisperExport struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text    string `json:"text"`
		Speaker string `json:"speaker"`
	} `json:"transcription"`
}

// parseWhisperJSON converts whisper's millisecond offsets to seconds.
func parseWhisperJSON(data []byte) ([]domain.Segment, error) {
	var export whisperExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, err
	}
	if export.Transcription == nil {
		return nil, fmt.Errorf("missing transcription array")
	}

	segments := make([]domain.Segment, 0, len(export.Transcription))
	for _, entry := range export.Transcription {
		text := strings.TrimSpace(entry.Text)
		if text == "" {
			continue
		}
		segments = append(segments, domain.Segment{
			Start:   float64(entry.Offsets.From) / 1000,
			End:     float64(entry.Offsets.To) / 1000,
			Text:    text,
			Speaker: entry.Speaker,
		})
	}
	return segments, nil
}

// buildWhisperArgs builds whisper.cpp args exporting txt, srt, and json
// next to the output base path.
func buildWhisperArgs(modelPath, audioPath, outBase, language string) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-otxt",
		"-osrt",
		"-oj",
	}

	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}

	return args
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}
