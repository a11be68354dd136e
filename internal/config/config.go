// Package config handles Talon configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./talon.yaml, ~/.config/talon/config.yaml, /etc/talon/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"talon.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "talon", "config.yaml"))
	}

	paths = append(paths, "/etc/talon/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Talon configuration.
type Config struct {
	Models   ModelsConfig   `yaml:"models"`
	Loop     LoopConfig     `yaml:"loop"`
	Policy   PolicyConfig   `yaml:"policy"`
	Approval ApprovalConfig `yaml:"approval"`
	Sessions SessionsConfig `yaml:"sessions"`
	Compress CompressConfig `yaml:"compress"`
	Memory   MemoryConfig   `yaml:"memory"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ModelsConfig selects the reasoning model and the cheaper model used
// for memory summarization.
type ModelsConfig struct {
	OllamaURL string `yaml:"ollama_url"`
	Default   string `yaml:"default"`
	// Summary is the model used for memory compaction. Empty means
	// the default model is reused.
	Summary string `yaml:"summary"`
}

// LoopConfig bounds the orchestrator loop.
type LoopConfig struct {
	MaxIterations      int      `yaml:"max_iterations"`
	MaxProtocolRetries int      `yaml:"max_protocol_retries"`
	PressureRatio      float64  `yaml:"pressure_ratio"`
	HistoryTail        int      `yaml:"history_tail"`
	CheckpointTimeout  int      `yaml:"checkpoint_timeout_sec"`
	CompletionMarkers  []string `yaml:"completion_markers"`
	PhaseMarkers       []string `yaml:"phase_markers"`
}

// PolicyConfig defines the rules applied to every proposed action.
type PolicyConfig struct {
	// MaxRate is the ceiling for throughput arguments (packets per
	// second, requests per second). Larger values are clamped.
	MaxRate int `yaml:"max_rate"`
	// ForbiddenPatterns are regular expressions matched against the
	// flattened command/argument string. A match always blocks.
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
	// ApprovalTools are tool ids that always require operator approval.
	ApprovalTools []string `yaml:"approval_tools"`
	// ApprovalPatterns are command shapes that require approval when
	// issued through execute_command.
	ApprovalPatterns []string `yaml:"approval_patterns"`
	// SessionCallsPerMinute bounds actions per session. Zero disables
	// the limiter.
	SessionCallsPerMinute int `yaml:"session_calls_per_minute"`
	// DestinationCallsPerMinute bounds actions toward any one destination
	// across every engagement in the process. Zero disables the limiter.
	DestinationCallsPerMinute int `yaml:"destination_calls_per_minute"`
}

// ApprovalConfig controls the human-in-the-loop gate.
type ApprovalConfig struct {
	// Mode is "terminal" (prompt on stdin), "deny" or "accept"
	// (unattended runs).
	Mode string `yaml:"mode"`
	// DeadlineSec resolves an unanswered request to deny. Zero waits
	// indefinitely.
	DeadlineSec int `yaml:"deadline_sec"`
}

// SessionsConfig defines execution session defaults.
type SessionsConfig struct {
	Shell             string `yaml:"shell"`
	WorkingDir        string `yaml:"working_dir"`
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
	MaxTimeoutSec     int    `yaml:"max_timeout_sec"`
	// KnownHostsFile enables host key verification for remote sessions.
	// Empty accepts any host key, which is common on lab targets.
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// CompressConfig bounds tool output retained in memory.
type CompressConfig struct {
	PassthroughChars int `yaml:"passthrough_chars"`
	MaxLines         int `yaml:"max_lines"`
	MaxLineChars     int `yaml:"max_line_chars"`
}

// MemoryConfig sizes the memory tiers, in estimated tokens.
type MemoryConfig struct {
	ActiveBudget     int `yaml:"active_budget"`
	SummarizedBudget int `yaml:"summarized_budget"`
	CompactBatch     int `yaml:"compact_batch"`
	ArchiveRetrieve  int `yaml:"archive_retrieve"`
	ArchiveMaxChars  int `yaml:"archive_max_chars"`
}

// MQTTConfig enables relaying loop events to an MQTT broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads configuration from a YAML file. Missing values are
// filled from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			OllamaURL: "http://localhost:11434",
			Default:   "qwen3:14b",
		},
		Loop: LoopConfig{
			MaxIterations:      200,
			MaxProtocolRetries: 3,
			PressureRatio:      0.92,
			HistoryTail:        50,
			CheckpointTimeout:  5,
		},
		Policy: PolicyConfig{
			MaxRate:                   10000,
			SessionCallsPerMinute:     30,
			DestinationCallsPerMinute: 60,
		},
		Approval: ApprovalConfig{
			Mode: "terminal",
		},
		Sessions: SessionsConfig{
			Shell:             "/bin/sh",
			DefaultTimeoutSec: 300,
			MaxTimeoutSec:     3600,
		},
		Compress: CompressConfig{
			PassthroughChars: 2000,
			MaxLines:         200,
			MaxLineChars:     256,
		},
		Memory: MemoryConfig{
			ActiveBudget:     12000,
			SummarizedBudget: 4000,
			CompactBatch:     8,
			ArchiveRetrieve:  3,
			ArchiveMaxChars:  4000,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "talon",
		},
		DataDir: "./data",
	}
}

// applyDefaults restores defaults for values a config file zeroed out.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Loop.MaxIterations <= 0 {
		c.Loop.MaxIterations = d.Loop.MaxIterations
	}
	if c.Loop.PressureRatio <= 0 || c.Loop.PressureRatio > 1 {
		c.Loop.PressureRatio = d.Loop.PressureRatio
	}
	if c.Sessions.Shell == "" {
		c.Sessions.Shell = d.Sessions.Shell
	}
	if c.Compress.MaxLines <= 0 {
		c.Compress.MaxLines = d.Compress.MaxLines
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// Validate reports configuration errors that would make a run unsafe
// or impossible.
func (c *Config) Validate() error {
	switch c.Approval.Mode {
	case "terminal", "deny", "accept":
	default:
		return fmt.Errorf("approval.mode must be terminal, deny or accept (got %q)", c.Approval.Mode)
	}
	if c.Policy.MaxRate < 0 {
		return fmt.Errorf("policy.max_rate must not be negative")
	}
	if c.Policy.SessionCallsPerMinute < 0 || c.Policy.DestinationCallsPerMinute < 0 {
		return fmt.Errorf("policy call limits must not be negative")
	}
	if c.Memory.ActiveBudget <= 0 || c.Memory.SummarizedBudget <= 0 {
		return fmt.Errorf("memory budgets must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// DefaultTimeout returns the per-command timeout.
func (c SessionsConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// MaxTimeout returns the ceiling applied to model-requested timeouts.
func (c SessionsConfig) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutSec) * time.Second
}

// Deadline returns the approval deadline, or zero for none.
func (c ApprovalConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSec) * time.Second
}

// EngagementsDir is where checkpoint records are written.
func (c *Config) EngagementsDir() string {
	return filepath.Join(c.DataDir, "engagements")
}

// ReportsDir is where engagement reports are written.
func (c *Config) ReportsDir() string {
	return filepath.Join(c.DataDir, "reports")
}

// ArchivePath is the SQLite database holding archived memory.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// AuditPath is the SQLite database holding the audit log.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// UsagePath is the SQLite database holding the model token ledger.
func (c *Config) UsagePath() string {
	return filepath.Join(c.DataDir, "usage.db")
}
