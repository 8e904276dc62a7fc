package config

import "time"

// Config represents the complete quarry configuration.
type Config struct {
	Service    ServiceConfig         `yaml:"service"`
	State      StateConfig           `yaml:"state"`
	PluginsDir string                `yaml:"plugins_dir"`
	Plugins    map[string]PluginConf `yaml:"plugins,omitempty"`
	Dispatcher DispatcherConfig      `yaml:"dispatcher"`
	Sandbox    SandboxConfig         `yaml:"sandbox"`
	Breaker    BreakerConfig         `yaml:"breaker"`
	Reconciler ReconcilerConfig      `yaml:"reconciler"`
	API        APIConfig             `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// PluginConf holds per-plugin overrides. Plugins without an entry run with
// the sandbox defaults.
type PluginConf struct {
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Config  map[string]any    `yaml:"config,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// DispatcherConfig controls the claim loop.
type DispatcherConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
	AutoPromote   bool          `yaml:"auto_promote"`
	// SweepInterval is how often jobs whose reconcile could not be
	// committed are retried as aborted.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SandboxConfig bounds a single worker session.
type SandboxConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxFrameBytes    int           `yaml:"max_frame_bytes"`
	MaxSessionBytes  int64         `yaml:"max_session_bytes"`
	MaxLogLines      int           `yaml:"max_log_lines"`
	DiagnosticsBytes int           `yaml:"diagnostics_bytes"`
	WorkDir          string        `yaml:"work_dir"`
	InheritEnv       []string      `yaml:"inherit_env,omitempty"`
	DrainGrace       time.Duration `yaml:"drain_grace"`
}

// BreakerConfig shapes the per-plugin circuit breaker.
type BreakerConfig struct {
	Window              int           `yaml:"window"`
	MinSamples          int           `yaml:"min_samples"`
	FailureRate         float64       `yaml:"failure_rate"`
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	CooldownBase        time.Duration `yaml:"cooldown_base"`
	CooldownMax         time.Duration `yaml:"cooldown_max"`
	CooldownMultiplier  float64       `yaml:"cooldown_multiplier"`
}

// ReconcilerConfig controls outcome classification.
type ReconcilerConfig struct {
	// QuarantineTolerance is the largest quarantined/total row ratio that
	// still counts as PartialSuccess.
	QuarantineTolerance float64 `yaml:"quarantine_tolerance"`
	MaxAttempts         int     `yaml:"max_attempts"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
	// ReadKey is an optional second key limited to read-only routes.
	ReadKey string `yaml:"read_key,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "quarry",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/quarry.db",
		},
		PluginsDir: "./plugins",
		Plugins:    make(map[string]PluginConf),
		Dispatcher: DispatcherConfig{
			MaxConcurrent: 4,
			PollInterval:  time.Second,
			RetryBase:     500 * time.Millisecond,
			RetryMax:      30 * time.Second,
			AutoPromote:   true,
			SweepInterval: time.Minute,
		},
		Sandbox: SandboxConfig{
			Timeout:          5 * time.Minute,
			MaxFrameBytes:    8 << 20,
			MaxSessionBytes:  256 << 20,
			MaxLogLines:      1000,
			DiagnosticsBytes: 64 << 10,
			InheritEnv:       []string{"PATH", "HOME", "LANG", "TZ"},
			DrainGrace:       2 * time.Second,
		},
		Breaker: BreakerConfig{
			Window:              20,
			MinSamples:          10,
			FailureRate:         0.5,
			ConsecutiveFailures: 5,
			CooldownBase:        time.Minute,
			CooldownMax:         30 * time.Minute,
			CooldownMultiplier:  2,
		},
		Reconciler: ReconcilerConfig{
			QuarantineTolerance: 0.1,
			MaxAttempts:         3,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8480",
		},
	}
}

// TimeoutFor returns the session timeout for plugin, falling back to the
// sandbox default.
func (c *Config) TimeoutFor(plugin string) time.Duration {
	if pc, ok := c.Plugins[plugin]; ok && pc.Timeout > 0 {
		return pc.Timeout
	}
	return c.Sandbox.Timeout
}
