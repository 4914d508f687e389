package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	Lock     LockConfig     `yaml:"lock"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Pool     PoolConfig     `yaml:"pool"`
	Gate     GateConfig     `yaml:"gate"`
	Status   StatusConfig   `yaml:"status"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// EngineConfig holds the heavy compute engine and media tool configuration
type EngineConfig struct {
	Binary      string `yaml:"binary"`
	ModelPath   string `yaml:"model_path"`
	Language    string `yaml:"language"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
}

// LockConfig holds the cross-process exclusive lock configuration
type LockConfig struct {
	Dir             string        `yaml:"dir"`
	JobClass        string        `yaml:"job_class"`
	AcquireDeadline time.Duration `yaml:"acquire_deadline"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
}

// ChunkingConfig holds segmentation configuration
type ChunkingConfig struct {
	ChunkDuration time.Duration `yaml:"chunk_duration"`
}

// PoolConfig holds chunk worker pool configuration
type PoolConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	GracePeriod      time.Duration `yaml:"grace_period"`
}

// GateConfig holds resource admission thresholds
type GateConfig struct {
	MinAvailableMemoryMB uint64  `yaml:"min_available_memory_mb"`
	MaxCPUTemperature    float64 `yaml:"max_cpu_temperature"`
}

// StatusConfig holds the optional progress/metrics HTTP server configuration
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// applyDefaults fills unset fields with documented policy defaults.
// The conservative concurrency default exists because unbounded parallel
// engine invocation is the out-of-memory failure mode this design prevents.
func (c *Config) applyDefaults() {
	if c.Engine.Binary == "" {
		c.Engine.Binary = "whisper.cpp"
	}
	if c.Engine.FFmpegPath == "" {
		c.Engine.FFmpegPath = "ffmpeg"
	}
	if c.Engine.FFprobePath == "" {
		c.Engine.FFprobePath = "ffprobe"
	}
	if c.Lock.Dir == "" {
		c.Lock.Dir = "/var/run/transcribe-gate"
	}
	if c.Lock.JobClass == "" {
		c.Lock.JobClass = "transcription"
	}
	if c.Lock.AcquireDeadline <= 0 {
		c.Lock.AcquireDeadline = 10 * time.Minute
	}
	if c.Lock.InitialBackoff <= 0 {
		c.Lock.InitialBackoff = 5 * time.Second
	}
	if c.Lock.MaxBackoff <= 0 {
		c.Lock.MaxBackoff = time.Minute
	}
	if c.Chunking.ChunkDuration <= 0 {
		c.Chunking.ChunkDuration = 10 * time.Minute
	}
	if c.Pool.Concurrency <= 0 {
		c.Pool.Concurrency = 1
	}
	if c.Pool.RecoveryTimeout <= 0 {
		c.Pool.RecoveryTimeout = 15 * time.Minute
	}
	if c.Pool.RecoveryInterval <= 0 {
		c.Pool.RecoveryInterval = 30 * time.Second
	}
	if c.Pool.GracePeriod <= 0 {
		c.Pool.GracePeriod = 30 * time.Second
	}
	if c.Gate.MinAvailableMemoryMB == 0 {
		c.Gate.MinAvailableMemoryMB = 2048
	}
	if c.Gate.MaxCPUTemperature == 0 {
		c.Gate.MaxCPUTemperature = 85
	}
	if c.Status.Port == 0 {
		c.Status.Port = 8090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.ModelPath == "" {
		return fmt.Errorf("engine model_path is required")
	}

	if c.Lock.JobClass == "" {
		return fmt.Errorf("lock job_class is required")
	}

	if c.Chunking.ChunkDuration <= 0 {
		return fmt.Errorf("chunking chunk_duration must be greater than 0")
	}

	if c.Pool.Concurrency <= 0 {
		return fmt.Errorf("pool concurrency must be greater than 0")
	}

	if c.Pool.RecoveryTimeout <= 0 {
		return fmt.Errorf("pool recovery_timeout must be greater than 0")
	}

	if c.Gate.MaxCPUTemperature <= 0 {
		return fmt.Errorf("gate max_cpu_temperature must be greater than 0")
	}

	if c.Status.Enabled && (c.Status.Port < MinPort || c.Status.Port > MaxPort) {
		return fmt.Errorf("invalid status port: %d (must be between %d and %d)", c.Status.Port, MinPort, MaxPort)
	}

	return nil
}
