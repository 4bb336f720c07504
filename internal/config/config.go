// Package config handles loading, validating, and writing the ComplyGate
// configuration from <state-dir>/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Rule document path (hot-reloaded on change)
//   - Ledger directory, signing key, and signing toggle
//   - Evaluation deadlines (per-rule and whole-evaluation)
//   - Action categories exempt from default-deny
//   - Metrics toggle
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ComplyGate configuration. Loaded from
// config.yaml with defaults for fields not explicitly set.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Rules      RulesConfig      `yaml:"rules"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Decisions  DecisionsConfig  `yaml:"decisions"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:8143 (loopback only — never bind to 0.0.0.0 by
// default).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RulesConfig locates the rule document.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig controls ledger placement and signing.
type LedgerConfig struct {
	Dir     string `yaml:"dir"`
	Sign    bool   `yaml:"sign"`
	KeyFile string `yaml:"keyFile"`
}

// EvaluationConfig bounds evaluation time. RuleTimeoutMs boxes each
// predicate individually; EvalTimeoutMs bounds a whole evaluation.
type EvaluationConfig struct {
	RuleTimeoutMs int `yaml:"ruleTimeoutMs"`
	EvalTimeoutMs int `yaml:"evalTimeoutMs"`
}

// DecisionsConfig tunes the composition policy. Categories listed under
// NoRuleRequired are permitted when zero rules match instead of being
// blocked by default-deny.
type DecisionsConfig struct {
	NoRuleRequired []string `yaml:"noRuleRequired"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path, resolving
// relative rule/ledger paths against stateDir. A missing file yields
// defaults — normal on first run.
func Load(path, stateDir string) (*Config, error) {
	cfg := applyDefaults(stateDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.resolvePaths(stateDir)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with a comment header. Used
// by first-run setup.
func WriteDefault(path, stateDir string) error {
	cfg := applyDefaults(stateDir)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# ComplyGate configuration.
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 8143)
#
# rules:
#   path: Rule document; changes are hot-reloaded
#
# ledger:
#   dir:     Ledger state directory (records + index)
#   sign:    Sign each record with an Ed25519 key
#   keyFile: Hex-encoded key seed; created on first use
#
# evaluation:
#   ruleTimeoutMs: Per-predicate deadline (fail-closed on expiry)
#   evalTimeoutMs: Whole-evaluation deadline
#
# decisions:
#   noRuleRequired: Categories permitted when zero rules match
#
# metrics:
#   enabled: Serve Prometheus metrics at /metrics

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field set to its default.
func applyDefaults(stateDir string) *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8143,
		},
		Rules: RulesConfig{
			Path: filepath.Join(stateDir, "rules.yaml"),
		},
		Ledger: LedgerConfig{
			Dir:     filepath.Join(stateDir, "ledger"),
			Sign:    true,
			KeyFile: filepath.Join(stateDir, "signing.key"),
		},
		Evaluation: EvaluationConfig{
			RuleTimeoutMs: 50,
			EvalTimeoutMs: 2000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// resolvePaths anchors relative paths at the state directory.
func (c *Config) resolvePaths(stateDir string) {
	if c.Rules.Path != "" && !filepath.IsAbs(c.Rules.Path) {
		c.Rules.Path = filepath.Join(stateDir, c.Rules.Path)
	}
	if c.Ledger.Dir != "" && !filepath.IsAbs(c.Ledger.Dir) {
		c.Ledger.Dir = filepath.Join(stateDir, c.Ledger.Dir)
	}
	if c.Ledger.KeyFile != "" && !filepath.IsAbs(c.Ledger.KeyFile) {
		c.Ledger.KeyFile = filepath.Join(stateDir, c.Ledger.KeyFile)
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Rules.Path == "" {
		return fmt.Errorf("rules.path must not be empty")
	}
	if cfg.Ledger.Dir == "" {
		return fmt.Errorf("ledger.dir must not be empty")
	}
	if cfg.Ledger.Sign && cfg.Ledger.KeyFile == "" {
		return fmt.Errorf("ledger.keyFile is required when ledger.sign is enabled")
	}
	if cfg.Evaluation.RuleTimeoutMs < 1 {
		return fmt.Errorf("evaluation.ruleTimeoutMs must be positive")
	}
	if cfg.Evaluation.EvalTimeoutMs < cfg.Evaluation.RuleTimeoutMs {
		return fmt.Errorf("evaluation.evalTimeoutMs must be at least ruleTimeoutMs")
	}
	return nil
}
