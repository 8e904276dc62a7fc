package config

import (
	"errors"
	"fmt"
)

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.State.Path == "" {
		add("state.path is required")
	}
	if c.Dispatcher.MaxConcurrent <= 0 {
		add("dispatcher.max_concurrent must be positive, got %d", c.Dispatcher.MaxConcurrent)
	}
	if c.Dispatcher.PollInterval <= 0 {
		add("dispatcher.poll_interval must be positive")
	}
	if c.Dispatcher.RetryBase <= 0 || c.Dispatcher.RetryMax < c.Dispatcher.RetryBase {
		add("dispatcher.retry_base must be positive and not exceed retry_max")
	}

	if c.Dispatcher.SweepInterval <= 0 {
		add("dispatcher.sweep_interval must be positive")
	}

	if c.Sandbox.Timeout <= 0 {
		add("sandbox.timeout must be positive")
	}
	if c.Sandbox.MaxFrameBytes <= 0 {
		add("sandbox.max_frame_bytes must be positive")
	}
	if c.Sandbox.MaxSessionBytes < int64(c.Sandbox.MaxFrameBytes) {
		add("sandbox.max_session_bytes must be at least max_frame_bytes")
	}
	if c.Sandbox.DrainGrace <= 0 {
		add("sandbox.drain_grace must be positive")
	}
	if c.Sandbox.DiagnosticsBytes < 0 || c.Sandbox.MaxLogLines < 0 {
		add("sandbox.diagnostics_bytes and sandbox.max_log_lines must not be negative")
	}

	b := c.Breaker
	if b.Window <= 0 {
		add("breaker.window must be positive")
	}
	if b.MinSamples <= 0 || b.MinSamples > b.Window {
		add("breaker.min_samples must be in 1..window (%d), got %d", b.Window, b.MinSamples)
	}
	if b.FailureRate <= 0 || b.FailureRate > 1 {
		add("breaker.failure_rate must be in (0,1], got %v", b.FailureRate)
	}
	if b.ConsecutiveFailures <= 0 {
		add("breaker.consecutive_failures must be positive")
	}
	if b.CooldownBase <= 0 || b.CooldownMax < b.CooldownBase {
		add("breaker.cooldown_base must be positive and not exceed cooldown_max")
	}
	if b.CooldownMultiplier < 1 {
		add("breaker.cooldown_multiplier must be >= 1")
	}

	if t := c.Reconciler.QuarantineTolerance; t < 0 || t > 1 {
		add("reconciler.quarantine_tolerance must be in [0,1], got %v", t)
	}
	if c.Reconciler.MaxAttempts <= 0 {
		add("reconciler.max_attempts must be positive")
	}

	if c.API.Enabled && c.API.Listen == "" {
		add("api.listen is required when api.enabled is true")
	}
	if c.API.ReadKey != "" && c.API.APIKey == "" {
		add("api.read_key requires api.api_key")
	}

	for name, pc := range c.Plugins {
		if pc.Timeout < 0 {
			add("plugins.%s.timeout must not be negative", name)
		}
	}

	return errors.Join(errs...)
}
