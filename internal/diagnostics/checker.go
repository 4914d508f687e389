package diagnostics

import (
	"fmt"
	"os"
	"os/exec"

	"transcribe-gate/internal/domain"
)

// Checker validates external tools and the input media before a job
// consumes the lock and hours of compute.
type Checker struct {
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		lookPath: exec.LookPath,
		stat:     os.Stat,
	}
}

// Preflight verifies the required binaries, the engine model, and the
// input media. Tool and model problems are configuration errors; an
// unreadable input maps to ErrSourceUnreadable.
func (c *Checker) Preflight(inputPath, modelPath string, tools ...string) error {
	for _, tool := range tools {
		if tool == "" {
			continue
		}
		if _, err := c.lookPath(tool); err != nil {
			// Absolute or relative binary paths are allowed too.
			if _, statErr := c.stat(tool); statErr != nil {
				return fmt.Errorf("required tool not found: %s: %w", tool, err)
			}
		}
	}

	if modelPath != "" {
		if _, err := c.stat(modelPath); err != nil {
			return fmt.Errorf("cannot access engine model: %s: %w", modelPath, err)
		}
	}

	info, err := c.stat(inputPath)
	if err != nil {
		return fmt.Errorf("%w: cannot access input media %s: %w",
			domain.ErrSourceUnreadable, inputPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: input media is a directory: %s",
			domain.ErrSourceUnreadable, inputPath)
	}

	return nil
}
