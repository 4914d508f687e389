package telemetry

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"transcribe-gate/internal/domain"
)

// Monitor samples live host telemetry. Stateless; every Sample call reads
// the sensors fresh and nothing is persisted.
type Monitor struct {
	logger        *slog.Logger
	virtualMemory func() (*mem.VirtualMemoryStat, error)
	temperatures  func() ([]host.TemperatureStat, error)
	now           func() time.Time
}

// NewMonitor builds a monitor using real OS sensors.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		logger:        logger,
		virtualMemory: mem.VirtualMemory,
		temperatures:  host.SensorsTemperatures,
		now:           time.Now,
	}
}

// Sample reads available memory and CPU temperature. An unreadable sensor
// is reported via a domain.ErrSensorUnavailable-wrapped error and leaves
// the corresponding Known flag false; callers treat that as "unknown,
// proceed with caution" rather than a failure.
func (m *Monitor) Sample() (domain.ResourceSnapshot, error) {
	snap := domain.ResourceSnapshot{Timestamp: m.now()}
	var errs []error

	vm, err := m.virtualMemory()
	if err != nil {
		errs = append(errs, fmt.Errorf("memory: %w: %w", domain.ErrSensorUnavailable, err))
	} else {
		snap.AvailableMemory = vm.Available
		snap.MemoryKnown = true
	}

	temp, ok, err := m.cpuTemperature()
	if err != nil {
		errs = append(errs, fmt.Errorf("temperature: %w: %w", domain.ErrSensorUnavailable, err))
	} else if ok {
		snap.CPUTemperature = temp
		snap.TemperatureKnown = true
	} else {
		errs = append(errs, fmt.Errorf("temperature: %w: no cpu sensor reported", domain.ErrSensorUnavailable))
	}

	if len(errs) > 0 {
		return snap, joinErrors(errs)
	}
	return snap, nil
}

// cpuTemperature returns the hottest CPU-related sensor reading.
func (m *Monitor) cpuTemperature() (float64, bool, error) {
	stats, err := m.temperatures()
	if err != nil {
		return 0, false, err
	}

	var max float64
	found := false
	for _, stat := range stats {
		if !isCPUSensor(stat.SensorKey) {
			continue
		}
		if !found || stat.Temperature > max {
			max = stat.Temperature
			found = true
		}
	}
	return max, found, nil
}

// isCPUSensor matches the sensor keys common thermal drivers expose.
func isCPUSensor(key string) bool {
	key = strings.ToLower(key)
	for _, prefix := range []string{"coretemp", "k10temp", "cpu", "soc", "acpitz", "x86_pkg_temp"} {
		if strings.Contains(key, prefix) {
			return true
		}
	}
	return false
}

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("%w: %s", domain.ErrSensorUnavailable, strings.Join(msgs, "; "))
}
