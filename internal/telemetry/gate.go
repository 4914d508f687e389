package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"transcribe-gate/internal/domain"
)

// Thresholds are the admission limits for heavy chunk work.
type Thresholds struct {
	MinAvailableMemory uint64  // bytes
	MaxCPUTemperature  float64 // celsius
}

// Gate decides whether the host can admit another heavy chunk right now.
// A sensor that cannot be read does not close the gate (unknown readings
// proceed with caution); only a known reading past its threshold does.
type Gate struct {
	monitor    *Monitor
	thresholds Thresholds
	logger     *slog.Logger
}

// NewGate builds an admission gate over the given monitor.
func NewGate(monitor *Monitor, thresholds Thresholds, logger *slog.Logger) *Gate {
	return &Gate{
		monitor:    monitor,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Check samples telemetry and returns nil when another chunk may be
// admitted, or a descriptive error naming the blocking condition.
func (g *Gate) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap, err := g.monitor.Sample()
	if err != nil && errors.Is(err, domain.ErrSensorUnavailable) {
		g.logger.Warn("Telemetry partially unavailable, proceeding with known readings",
			slog.String("error", err.Error()),
		)
	} else if err != nil {
		return err
	}

	if snap.MemoryKnown && snap.AvailableMemory < g.thresholds.MinAvailableMemory {
		return fmt.Errorf("available memory %d below minimum %d",
			snap.AvailableMemory, g.thresholds.MinAvailableMemory)
	}

	if snap.TemperatureKnown && snap.CPUTemperature > g.thresholds.MaxCPUTemperature {
		return fmt.Errorf("cpu temperature %.1f above maximum %.1f",
			snap.CPUTemperature, g.thresholds.MaxCPUTemperature)
	}

	return nil
}
