// Package config loads orchestration-core settings from defaults, an
// optional YAML file and TESSERA_* environment variables via viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// TESSERA_RESOURCES_MAX_CONCURRENT_TASKS=8.
const EnvPrefix = "TESSERA"

// DefaultConfigName is looked up in the working directory when no explicit
// config file is given.
const DefaultConfigName = "tessera"

// Config represents the complete orchestration-core configuration.
type Config struct {
	// Root is the shared file tree every task reads and writes.
	Root string `mapstructure:"root"`
	// DataDir holds the event log, registry generations and quarantine stream.
	DataDir string `mapstructure:"data_dir"`

	EventLog     EventLogConfig      `mapstructure:"eventlog"`
	Registry     RegistryConfig      `mapstructure:"registry"`
	Locks        LockConfig          `mapstructure:"locks"`
	Resources    ResourceConfig      `mapstructure:"resources"`
	Breaker      BreakerConfig       `mapstructure:"breaker"`
	Retry        RetryConfig         `mapstructure:"retry"`
	Knowledge    KnowledgeConfig     `mapstructure:"knowledge"`
	Fallback     FallbackConfig      `mapstructure:"fallback"`
	Orchestrator OrchestratorConfig  `mapstructure:"orchestrator"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Components   map[string][]string `mapstructure:"components"`
}

// EventLogConfig controls the append-only ndjson event log.
type EventLogConfig struct {
	// Path defaults to <data_dir>/events.ndjson.
	Path string `mapstructure:"path"`
	// Fsync flushes every append to stable storage before returning.
	Fsync bool `mapstructure:"fsync"`
	// IndexStride is how many records apart sparse offset index entries are.
	IndexStride int `mapstructure:"index_stride"`
}

// RegistryConfig controls the embedded file registry.
type RegistryConfig struct {
	// Dir defaults to <data_dir>/registry.
	Dir string `mapstructure:"dir"`
}

// LockConfig controls advisory file locks.
type LockConfig struct {
	// Timeout is the lock TTL; an expired lock may be reclaimed.
	Timeout time.Duration `mapstructure:"timeout"`
	// Wait is how long the orchestrator keeps retrying a contended lock set
	// before cancelling that task's dispatch.
	Wait time.Duration `mapstructure:"wait"`
}

// ResourceConfig controls admission of task starts.
type ResourceConfig struct {
	MaxCPUPercent         float64       `mapstructure:"max_cpu_percent"`
	MaxMemoryPercent      float64       `mapstructure:"max_memory_percent"`
	MaxConcurrentTasks    int           `mapstructure:"max_concurrent_tasks"`
	CriticalCPUPercent    float64       `mapstructure:"critical_cpu_percent"`
	CriticalMemoryPercent float64       `mapstructure:"critical_memory_percent"`
	EmergencyTaskCeiling  int           `mapstructure:"emergency_task_ceiling"`
	SampleInterval        time.Duration `mapstructure:"sample_interval"`
	Window                int           `mapstructure:"window"`
}

// BreakerConfig controls the knowledge-service circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// RetryConfig controls backoff retries of a single knowledge query.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// KnowledgeConfig locates the external knowledge service.
type KnowledgeConfig struct {
	// URL of the service; empty disables remote lookups entirely.
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FallbackConfig controls the last-known-good knowledge cache.
type FallbackConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// OrchestratorConfig controls the scheduling loop.
type OrchestratorConfig struct {
	Tick        time.Duration `mapstructure:"tick"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Root:    ".",
		DataDir: ".tessera",
		EventLog: EventLogConfig{
			Fsync:       true,
			IndexStride: 256,
		},
		Locks: LockConfig{
			Timeout: 5 * time.Minute,
			Wait:    30 * time.Second,
		},
		Resources: ResourceConfig{
			MaxCPUPercent:         80,
			MaxMemoryPercent:      85,
			MaxConcurrentTasks:    4,
			CriticalCPUPercent:    95,
			CriticalMemoryPercent: 95,
			EmergencyTaskCeiling:  1,
			SampleInterval:        2 * time.Second,
			Window:                10,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			Timeout: 10 * time.Second,
		},
		Fallback: FallbackConfig{
			CacheTTL: time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			Tick:        100 * time.Millisecond,
			TaskTimeout: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
		},
		Components: map[string][]string{},
	}
}

// SetDefaults registers every default on v so environment variables can
// override keys that never appear in a config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("root", d.Root)
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("eventlog.path", "")
	v.SetDefault("eventlog.fsync", d.EventLog.Fsync)
	v.SetDefault("eventlog.index_stride", d.EventLog.IndexStride)

	v.SetDefault("registry.dir", "")

	v.SetDefault("locks.timeout", d.Locks.Timeout)
	v.SetDefault("locks.wait", d.Locks.Wait)

	v.SetDefault("resources.max_cpu_percent", d.Resources.MaxCPUPercent)
	v.SetDefault("resources.max_memory_percent", d.Resources.MaxMemoryPercent)
	v.SetDefault("resources.max_concurrent_tasks", d.Resources.MaxConcurrentTasks)
	v.SetDefault("resources.critical_cpu_percent", d.Resources.CriticalCPUPercent)
	v.SetDefault("resources.critical_memory_percent", d.Resources.CriticalMemoryPercent)
	v.SetDefault("resources.emergency_task_ceiling", d.Resources.EmergencyTaskCeiling)
	v.SetDefault("resources.sample_interval", d.Resources.SampleInterval)
	v.SetDefault("resources.window", d.Resources.Window)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.recovery_timeout", d.Breaker.RecoveryTimeout)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)

	v.SetDefault("knowledge.url", d.Knowledge.URL)
	v.SetDefault("knowledge.timeout", d.Knowledge.Timeout)

	v.SetDefault("fallback.cache_ttl", d.Fallback.CacheTTL)

	v.SetDefault("orchestrator.tick", d.Orchestrator.Tick)
	v.SetDefault("orchestrator.task_timeout", d.Orchestrator.TaskTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
}

// NewViper returns a viper instance with defaults and environment binding
// applied. When configFile is empty, tessera.yaml in the working directory is
// used if present.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

// Load reads configuration through v and validates it. A missing default
// config file is not an error; a missing explicit file is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.resolvePaths()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// LoadFile is a convenience wrapper around NewViper and Load.
func LoadFile(configFile string) (*Config, error) {
	return Load(NewViper(configFile))
}

// resolvePaths fills derived paths that default relative to DataDir.
func (c *Config) resolvePaths() {
	if c.EventLog.Path == "" {
		c.EventLog.Path = filepath.Join(c.DataDir, "events.ndjson")
	}
	if c.Registry.Dir == "" {
		c.Registry.Dir = filepath.Join(c.DataDir, "registry")
	}
	if c.Components == nil {
		c.Components = map[string][]string{}
	}
}

// Resolved returns a copy of c with derived paths filled in. Useful for
// configs built in code rather than through Load.
func (c *Config) Resolved() *Config {
	cp := *c
	cp.resolvePaths()
	return &cp
}
