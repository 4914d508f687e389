package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"transcribe-gate/internal/config"
	"transcribe-gate/internal/domain"
	"transcribe-gate/internal/lock"
	"transcribe-gate/internal/segment"
	"transcribe-gate/internal/worker"
	"transcribe-gate/shared/logger"
)

// lockStatus is the lock half of the status report.
type lockStatus struct {
	Class      string     `json:"class"`
	Held       bool       `json:"held"`
	HolderPID  int        `json:"holder_pid,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	Purpose    string     `json:"purpose,omitempty"`
}

// chunkProgress is the per-chunk half of the status report, derived from
// the on-disk output layout without touching the running process.
type chunkProgress struct {
	Index    int  `json:"index"`
	Complete bool `json:"complete"`
}

type statusReport struct {
	Lock     lockStatus      `json:"lock"`
	Chunks   []chunkProgress `json:"chunks,omitempty"`
	Complete int             `json:"complete_count"`
	Total    int             `json:"total_count"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	defaultConfigPath := os.Getenv("GATE_RUNNER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	outputDir := flag.String("output", "", "Job output directory to scan for chunk progress")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	manager := lock.NewManager(cfg.Lock.Dir, logger.NewDefault().Logger)

	report := statusReport{Lock: lockStatus{Class: cfg.Lock.JobClass}}

	record, held, err := manager.Inspect(cfg.Lock.JobClass)
	if err != nil {
		return fmt.Errorf("failed to inspect lock: %w", err)
	}
	if held {
		report.Lock.Held = true
		report.Lock.HolderPID = record.HolderPID
		report.Lock.AcquiredAt = &record.AcquiredAt
		report.Lock.Purpose = record.Purpose
	}

	if *outputDir != "" {
		chunks, err := scanChunks(*outputDir)
		if err != nil {
			return err
		}
		report.Chunks = chunks
		report.Total = len(chunks)
		for _, c := range chunks {
			if c.Complete {
				report.Complete++
			}
		}
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// scanChunks walks the chunks/ directory and reports completion per chunk
// using the same rule the worker pool applies: all three outputs present
// and non-empty.
func scanChunks(outputDir string) ([]chunkProgress, error) {
	entries, err := os.ReadDir(filepath.Join(outputDir, "chunks"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan output directory: %w", err)
	}

	var progress []chunkProgress
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var index int
		if _, err := fmt.Sscanf(entry.Name(), "chunk_%d", &index); err != nil {
			continue
		}

		chunkDir := segment.ChunkDir(outputDir, index)
		chunk := domain.Chunk{
			Index: index,
			Outputs: domain.ChunkOutputs{
				Text:     filepath.Join(chunkDir, "transcript.txt"),
				Segments: filepath.Join(chunkDir, "segments.json"),
				Captions: filepath.Join(chunkDir, "transcript.srt"),
			},
		}
		progress = append(progress, chunkProgress{
			Index:    index,
			Complete: worker.ChunkComplete(chunk),
		})
	}

	sort.Slice(progress, func(i, j int) bool { return progress[i].Index < progress[j].Index })
	return progress, nil
}
