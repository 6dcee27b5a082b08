package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"nodectl/internal/config"
)

type ConfigCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	loadConfig func() (config.Config, error)
}

const (
	configFormatJSON = "json"
	configFormatTOML = "toml"
)

// effectiveConfig is the resolved view: defaults filled in, durations
// normalized, paths expanded.
type effectiveConfig struct {
	ConfigPath string                    `json:"config_path,omitempty" toml:"config_path,omitempty"`
	Backend    effectiveBackendConfig    `json:"backend" toml:"backend"`
	Thresholds effectiveThresholdsConfig `json:"thresholds" toml:"thresholds"`
	Progress   effectiveProgressConfig   `json:"progress" toml:"progress"`
	Registry   effectiveRegistryConfig   `json:"registry" toml:"registry"`
	Checkpoint effectiveCheckpointConfig `json:"checkpoint" toml:"checkpoint"`
	Logging    effectiveLoggingConfig    `json:"logging" toml:"logging"`
	Metrics    effectiveMetricsConfig    `json:"metrics" toml:"metrics"`
}

type effectiveBackendConfig struct {
	BaseURL        string `json:"base_url" toml:"base_url"`
	TokenPath      string `json:"token_path,omitempty" toml:"token_path,omitempty"`
	RequestTimeout string `json:"request_timeout" toml:"request_timeout"`
}

type effectiveThresholdsConfig struct {
	ImportBytes  int `json:"import_bytes" toml:"import_bytes"`
	TestNodes    int `json:"test_nodes" toml:"test_nodes"`
	ServiceNodes int `json:"service_nodes" toml:"service_nodes"`
}

type effectiveProgressConfig struct {
	PollInterval      string `json:"poll_interval" toml:"poll_interval"`
	StreamIdleTimeout string `json:"stream_idle_timeout" toml:"stream_idle_timeout"`
	MaxPollFailures   int    `json:"max_poll_failures" toml:"max_poll_failures"`
	TailLimit         int    `json:"tail_limit" toml:"tail_limit"`
	Stream            bool   `json:"stream" toml:"stream"`
}

type effectiveRegistryConfig struct {
	Expiry string `json:"expiry" toml:"expiry"`
	Grace  string `json:"grace" toml:"grace"`
}

type effectiveCheckpointConfig struct {
	Backend       string            `json:"backend" toml:"backend"`
	Path          string            `json:"path,omitempty" toml:"path,omitempty"`
	Interval      string            `json:"interval" toml:"interval"`
	BudgetBytes   int               `json:"budget_bytes" toml:"budget_bytes"`
	DisplayWindow string            `json:"display_window" toml:"display_window"`
	SyncStaleness string            `json:"sync_staleness" toml:"sync_staleness"`
	Staleness     map[string]string `json:"staleness" toml:"staleness"`
}

type effectiveLoggingConfig struct {
	Level  string `json:"level" toml:"level"`
	Format string `json:"format" toml:"format"`
}

type effectiveMetricsConfig struct {
	Addr string `json:"addr,omitempty" toml:"addr,omitempty"`
}

func NewConfigCommand(stdout, stderr io.Writer, loadConfig func() (config.Config, error)) *ConfigCommand {
	return &ConfigCommand{
		stdout:     stdout,
		stderr:     stderr,
		loadConfig: loadConfig,
	}
}

func (c *ConfigCommand) Run(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	defaults := fs.Bool("default", false, "print default config values")
	format := fs.String("format", configFormatJSON, "output format: json|toml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	resolvedFormat, err := resolveConfigFormat(*format)
	if err != nil {
		return err
	}

	cfg := config.Default()
	var path string
	if !*defaults {
		if c.loadConfig == nil {
			return errors.New("config loader is not configured")
		}
		cfg, err = c.loadConfig()
		if err != nil {
			return err
		}
		path, _ = config.ConfigPath()
	}
	return writeConfigOutput(c.stdout, resolvedFormat, buildEffectiveConfig(cfg, path))
}

func buildEffectiveConfig(cfg config.Config, path string) effectiveConfig {
	out := effectiveConfig{
		ConfigPath: path,
		Backend: effectiveBackendConfig{
			BaseURL:        cfg.BaseURL(),
			RequestTimeout: cfg.RequestTimeout().String(),
		},
		Thresholds: effectiveThresholdsConfig{
			ImportBytes:  cfg.ImportThresholdBytes(),
			TestNodes:    cfg.TestThresholdNodes(),
			ServiceNodes: cfg.ServiceThresholdNodes(),
		},
		Progress: effectiveProgressConfig{
			PollInterval:      cfg.PollInterval().String(),
			StreamIdleTimeout: cfg.StreamIdleTimeout().String(),
			MaxPollFailures:   cfg.MaxPollFailures(),
			TailLimit:         cfg.TailLimit(),
			Stream:            cfg.StreamEnabled(),
		},
		Registry: effectiveRegistryConfig{
			Expiry: cfg.RegistryExpiry().String(),
			Grace:  cfg.RegistryGrace().String(),
		},
		Checkpoint: effectiveCheckpointConfig{
			Backend:       cfg.CheckpointBackend(),
			Interval:      cfg.CheckpointInterval().String(),
			BudgetBytes:   cfg.CheckpointBudgetBytes(),
			DisplayWindow: cfg.CheckpointDisplayWindow().String(),
			SyncStaleness: cfg.SyncStaleness().String(),
			Staleness:     map[string]string{},
		},
		Logging: effectiveLoggingConfig{
			Level:  cfg.LogLevel(),
			Format: cfg.LogFormat(),
		},
		Metrics: effectiveMetricsConfig{
			Addr: cfg.MetricsAddr(),
		},
	}
	if tokenPath, err := cfg.TokenFile(); err == nil {
		out.Backend.TokenPath = tokenPath
	}
	if cfg.CheckpointBackend() != config.CheckpointBackendRedis && cfg.CheckpointBackend() != config.CheckpointBackendMemory {
		if checkpointPath, err := cfg.CheckpointPath(); err == nil {
			out.Checkpoint.Path = checkpointPath
		}
	}
	for kind, window := range cfg.Staleness() {
		out.Checkpoint.Staleness[kind] = window.String()
	}
	return out
}

func resolveConfigFormat(raw string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(raw))
	switch format {
	case "", configFormatJSON:
		return configFormatJSON, nil
	case configFormatTOML:
		return configFormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported format %q (expected json or toml)", raw)
	}
}

func writeConfigOutput(out io.Writer, format string, payload any) error {
	switch format {
	case configFormatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(payload)
	case configFormatTOML:
		data, err := toml.Marshal(payload)
		if err != nil {
			return err
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		_, err = out.Write(data)
		return err
	default:
		return errors.New("unsupported format")
	}
}
