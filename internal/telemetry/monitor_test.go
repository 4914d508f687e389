package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcribe-gate/internal/domain"
)

func newTestMonitor(vm func() (*mem.VirtualMemoryStat, error), temps func() ([]host.TemperatureStat, error)) *Monitor {
	return &Monitor{
		logger:        slog.Default(),
		virtualMemory: vm,
		temperatures:  temps,
		now:           func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func TestMonitorSample(t *testing.T) {
	tests := []struct {
		name      string
		vm        func() (*mem.VirtualMemoryStat, error)
		temps     func() ([]host.TemperatureStat, error)
		wantErr   bool
		wantMem   uint64
		memKnown  bool
		wantTemp  float64
		tempKnown bool
	}{
		{
			name: "both sensors available",
			vm: func() (*mem.VirtualMemoryStat, error) {
				return &mem.VirtualMemoryStat{Available: 8 << 30}, nil
			},
			temps: func() ([]host.TemperatureStat, error) {
				return []host.TemperatureStat{
					{SensorKey: "coretemp_core_0", Temperature: 61.5},
					{SensorKey: "coretemp_core_1", Temperature: 64.0},
					{SensorKey: "nvme_composite", Temperature: 70.0},
				}, nil
			},
			wantMem:   8 << 30,
			memKnown:  true,
			wantTemp:  64.0, // hottest CPU sensor wins; nvme is ignored
			tempKnown: true,
		},
		{
			name: "temperature sensor missing is non-fatal",
			vm: func() (*mem.VirtualMemoryStat, error) {
				return &mem.VirtualMemoryStat{Available: 4 << 30}, nil
			},
			temps: func() ([]host.TemperatureStat, error) {
				return nil, errors.New("no thermal zones")
			},
			wantErr:  true,
			wantMem:  4 << 30,
			memKnown: true,
		},
		{
			name: "no cpu sensor among readings",
			vm: func() (*mem.VirtualMemoryStat, error) {
				return &mem.VirtualMemoryStat{Available: 4 << 30}, nil
			},
			temps: func() ([]host.TemperatureStat, error) {
				return []host.TemperatureStat{{SensorKey: "nvme_composite", Temperature: 40}}, nil
			},
			wantErr:  true,
			wantMem:  4 << 30,
			memKnown: true,
		},
		{
			name: "all telemetry absent",
			vm: func() (*mem.VirtualMemoryStat, error) {
				return nil, errors.New("procfs unavailable")
			},
			temps: func() ([]host.TemperatureStat, error) {
				return nil, errors.New("no thermal zones")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(tt.vm, tt.temps)
			snap, err := m.Sample()

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrSensorUnavailable)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.memKnown, snap.MemoryKnown)
			assert.Equal(t, tt.tempKnown, snap.TemperatureKnown)
			if tt.memKnown {
				assert.Equal(t, tt.wantMem, snap.AvailableMemory)
			}
			if tt.tempKnown {
				assert.Equal(t, tt.wantTemp, snap.CPUTemperature)
			}
			assert.False(t, snap.Timestamp.IsZero())
		})
	}
}

func TestGateCheck(t *testing.T) {
	thresholds := Thresholds{
		MinAvailableMemory: 2 << 30,
		MaxCPUTemperature:  85,
	}

	tests := []struct {
		name      string
		vm        func() (*mem.VirtualMemoryStat, error)
		temps     func() ([]host.TemperatureStat, error)
		wantErr   bool
		errString string
	}{
		{
			name: "healthy host admits",
			vm: func() (*mem.VirtualMemoryStat, error) {
				return &mem.VirtualMemoryStat{Available: 8 << 30}, nil
			},
			temps: func() ([]host.TemperatureStat, error) {
				return []host.TemperatureStat{{SensorKey: "coretemp", Temperature: 55}}, nil
			},
		},
		{
			name: "low memory blocks",
			vm: func() (*mem.VirtualMemoryStat, error) {
				return &mem.VirtualMemoryStat{Available: 1 << 30}, nil
			},
			temps: func() ([]host.TemperatureStat, error) {
				return []host.TemperatureStat{{SensorKey: "coretemp", Temperature: 55}}, nil
			},
			wantErr:   true,
			errString: "available memory",
		},
		{
			name: "thermal creep blocks",
			vm: func() (*mem.VirtualMemoryStat, error) {
				return &mem.VirtualMemoryStat{Available: 8 << 30}, nil
			},
			temps: func() ([]host.TemperatureStat, error) {
				return []host.TemperatureStat{{SensorKey: "k10temp", Temperature: 91}}, nil
			},
			wantErr:   true,
			errString: "cpu temperature",
		},
		{
			name: "absent telemetry admits with caution",
			vm: func() (*mem.VirtualMemoryStat, error) {
				return nil, errors.New("procfs unavailable")
			},
			temps: func() ([]host.TemperatureStat, error) {
				return nil, errors.New("no thermal zones")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(newTestMonitor(tt.vm, tt.temps), thresholds, slog.Default())
			err := gate.Check(context.Background())

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGateCheckCanceledContext(t *testing.T) {
	gate := NewGate(newTestMonitor(nil, nil), Thresholds{}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, gate.Check(ctx), context.Canceled)
}
