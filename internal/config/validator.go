package config

import (
	"fmt"
	"strings"

	"github.com/roach88/tessera/internal/logging"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // The config field path (e.g., "resources.max_cpu_percent")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation
// errors found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Root == "" {
		add("root", c.Root, "must not be empty")
	}
	if c.DataDir == "" {
		add("data_dir", c.DataDir, "must not be empty")
	}
	if c.EventLog.IndexStride <= 0 {
		add("eventlog.index_stride", c.EventLog.IndexStride, "must be positive")
	}

	if c.Locks.Timeout <= 0 {
		add("locks.timeout", c.Locks.Timeout, "must be positive")
	}
	if c.Locks.Wait < 0 {
		add("locks.wait", c.Locks.Wait, "must not be negative")
	}

	r := c.Resources
	checkPercent := func(field string, v float64) {
		if v <= 0 || v > 100 {
			add(field, v, "must be in (0, 100]")
		}
	}
	checkPercent("resources.max_cpu_percent", r.MaxCPUPercent)
	checkPercent("resources.max_memory_percent", r.MaxMemoryPercent)
	checkPercent("resources.critical_cpu_percent", r.CriticalCPUPercent)
	checkPercent("resources.critical_memory_percent", r.CriticalMemoryPercent)
	if r.CriticalCPUPercent < r.MaxCPUPercent {
		add("resources.critical_cpu_percent", r.CriticalCPUPercent, "must be >= resources.max_cpu_percent")
	}
	if r.CriticalMemoryPercent < r.MaxMemoryPercent {
		add("resources.critical_memory_percent", r.CriticalMemoryPercent, "must be >= resources.max_memory_percent")
	}
	if r.MaxConcurrentTasks <= 0 {
		add("resources.max_concurrent_tasks", r.MaxConcurrentTasks, "must be positive")
	}
	if r.EmergencyTaskCeiling <= 0 || r.EmergencyTaskCeiling > r.MaxConcurrentTasks {
		add("resources.emergency_task_ceiling", r.EmergencyTaskCeiling, "must be in [1, max_concurrent_tasks]")
	}
	if r.SampleInterval <= 0 {
		add("resources.sample_interval", r.SampleInterval, "must be positive")
	}
	if r.Window <= 0 {
		add("resources.window", r.Window, "must be positive")
	}

	if c.Breaker.FailureThreshold <= 0 {
		add("breaker.failure_threshold", c.Breaker.FailureThreshold, "must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		add("breaker.recovery_timeout", c.Breaker.RecoveryTimeout, "must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts", c.Retry.MaxAttempts, "must be positive")
	}
	if c.Retry.InitialInterval <= 0 {
		add("retry.initial_interval", c.Retry.InitialInterval, "must be positive")
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		add("retry.max_interval", c.Retry.MaxInterval, "must be >= retry.initial_interval")
	}
	if c.Knowledge.Timeout <= 0 {
		add("knowledge.timeout", c.Knowledge.Timeout, "must be positive")
	}
	if c.Fallback.CacheTTL <= 0 {
		add("fallback.cache_ttl", c.Fallback.CacheTTL, "must be positive")
	}
	if c.Orchestrator.Tick <= 0 {
		add("orchestrator.tick", c.Orchestrator.Tick, "must be positive")
	}
	if c.Orchestrator.TaskTimeout <= 0 {
		add("orchestrator.task_timeout", c.Orchestrator.TaskTimeout, "must be positive")
	}

	if !logging.IsValidLevel(c.Logging.Level) {
		add("logging.level", c.Logging.Level, fmt.Sprintf("must be one of %v", logging.ValidLevels()))
	}
	if f := strings.ToLower(c.Logging.Format); f != logging.FormatJSON && f != logging.FormatText {
		add("logging.format", c.Logging.Format, "must be json or text")
	}

	for name, patterns := range c.Components {
		if len(patterns) == 0 {
			add("components."+name, patterns, "must list at least one glob pattern")
		}
	}

	return errs
}
