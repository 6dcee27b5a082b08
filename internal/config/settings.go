package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultBaseURL          = "http://127.0.0.1:8080"
	defaultRequestTimeout   = 15 * time.Second
	defaultImportBytes      = 500 * 1024
	defaultTestNodes        = 200
	defaultServiceNodes     = 200
	defaultPollInterval     = 2 * time.Second
	defaultStreamIdle       = 60 * time.Second
	defaultMaxPollFailures  = 3
	defaultTailLimit        = 50
	defaultRegistryExpiry   = 30 * time.Minute
	defaultRegistryGrace    = 10 * time.Second
	defaultCheckpointTick   = 1500 * time.Millisecond
	defaultCheckpointBudget = 100 * 1024
	defaultDisplayWindow    = 30 * time.Second
	defaultSyncStaleness    = 5 * time.Minute
	defaultAsyncStaleness   = 30 * time.Minute

	CheckpointBackendMemory = "memory"
	CheckpointBackendFile   = "file"
	CheckpointBackendBbolt  = "bbolt"
	CheckpointBackendRedis  = "redis"
	CheckpointBackendSQLite = "sqlite"
)

type Config struct {
	Backend    BackendConfig    `toml:"backend"`
	Thresholds ThresholdsConfig `toml:"thresholds"`
	Progress   ProgressConfig   `toml:"progress"`
	Registry   RegistryConfig   `toml:"registry"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Logging    LoggingConfig    `toml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

type BackendConfig struct {
	BaseURL        string `toml:"base_url"`
	TokenPath      string `toml:"token_path"`
	RequestTimeout string `toml:"request_timeout"`
}

type ThresholdsConfig struct {
	ImportBytes  int `toml:"import_bytes"`
	TestNodes    int `toml:"test_nodes"`
	ServiceNodes int `toml:"service_nodes"`
}

type ProgressConfig struct {
	PollInterval      string `toml:"poll_interval"`
	StreamIdleTimeout string `toml:"stream_idle_timeout"`
	MaxPollFailures   int    `toml:"max_poll_failures"`
	TailLimit         int    `toml:"tail_limit"`
	DisableStream     bool   `toml:"disable_stream"`
}

type RegistryConfig struct {
	Expiry string `toml:"expiry"`
	Grace  string `toml:"grace"`
}

type CheckpointConfig struct {
	Backend       string            `toml:"backend"`
	Path          string            `toml:"path"`
	RedisURL      string            `toml:"redis_url"`
	Interval      string            `toml:"interval"`
	BudgetBytes   int               `toml:"budget_bytes"`
	DisplayWindow string            `toml:"display_window"`
	SyncStaleness string            `toml:"sync_staleness"`
	Staleness     map[string]string `toml:"staleness"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:        defaultBaseURL,
			RequestTimeout: defaultRequestTimeout.String(),
		},
		Thresholds: ThresholdsConfig{
			ImportBytes:  defaultImportBytes,
			TestNodes:    defaultTestNodes,
			ServiceNodes: defaultServiceNodes,
		},
		Progress: ProgressConfig{
			PollInterval:      defaultPollInterval.String(),
			StreamIdleTimeout: defaultStreamIdle.String(),
			MaxPollFailures:   defaultMaxPollFailures,
			TailLimit:         defaultTailLimit,
		},
		Registry: RegistryConfig{
			Expiry: defaultRegistryExpiry.String(),
			Grace:  defaultRegistryGrace.String(),
		},
		Checkpoint: CheckpointConfig{
			Backend:       CheckpointBackendBbolt,
			Interval:      defaultCheckpointTick.String(),
			BudgetBytes:   defaultCheckpointBudget,
			DisplayWindow: defaultDisplayWindow.String(),
			SyncStaleness: defaultSyncStaleness.String(),
			Staleness: map[string]string{
				"import":          defaultAsyncStaleness.String(),
				"test":            defaultAsyncStaleness.String(),
				"service-control": defaultAsyncStaleness.String(),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "logfmt",
		},
	}
}

// Load reads the config file (a missing file yields defaults) and applies
// environment overrides.
func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func LoadFromPath(path string) (Config, error) {
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env overlays into the process environment. Missing files
// are ignored; variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		existing = append(existing, path)
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func (c *Config) ApplyEnv() {
	if value := strings.TrimSpace(os.Getenv("NODECTL_BASE_URL")); value != "" {
		c.Backend.BaseURL = value
	}
	if value := strings.TrimSpace(os.Getenv("NODECTL_TOKEN_PATH")); value != "" {
		c.Backend.TokenPath = value
	}
	if value := strings.TrimSpace(os.Getenv("NODECTL_CHECKPOINT_BACKEND")); value != "" {
		c.Checkpoint.Backend = value
	}
	if value := strings.TrimSpace(os.Getenv("NODECTL_REDIS_URL")); value != "" {
		c.Checkpoint.RedisURL = value
	}
	if value := strings.TrimSpace(os.Getenv("NODECTL_LOG_LEVEL")); value != "" {
		c.Logging.Level = value
	}
}

// Token returns NODECTL_TOKEN when set; otherwise callers read TokenFile.
func (c Config) Token() string {
	return strings.TrimSpace(os.Getenv("NODECTL_TOKEN"))
}

func (c Config) BaseURL() string {
	base := strings.TrimSpace(c.Backend.BaseURL)
	if base == "" {
		return defaultBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/")
}

func (c Config) TokenFile() (string, error) {
	path := strings.TrimSpace(c.Backend.TokenPath)
	if path == "" {
		return TokenPath()
	}
	return resolveConfigPath(path)
}

func (c Config) RequestTimeout() time.Duration {
	return parseDuration(c.Backend.RequestTimeout, defaultRequestTimeout)
}

func (c Config) ImportThresholdBytes() int {
	return positiveOr(c.Thresholds.ImportBytes, defaultImportBytes)
}

func (c Config) TestThresholdNodes() int {
	return positiveOr(c.Thresholds.TestNodes, defaultTestNodes)
}

func (c Config) ServiceThresholdNodes() int {
	return positiveOr(c.Thresholds.ServiceNodes, defaultServiceNodes)
}

func (c Config) PollInterval() time.Duration {
	return parseDuration(c.Progress.PollInterval, defaultPollInterval)
}

func (c Config) StreamIdleTimeout() time.Duration {
	return parseDuration(c.Progress.StreamIdleTimeout, defaultStreamIdle)
}

func (c Config) MaxPollFailures() int {
	return positiveOr(c.Progress.MaxPollFailures, defaultMaxPollFailures)
}

func (c Config) TailLimit() int {
	return positiveOr(c.Progress.TailLimit, defaultTailLimit)
}

func (c Config) StreamEnabled() bool {
	return !c.Progress.DisableStream
}

func (c Config) RegistryExpiry() time.Duration {
	return parseDuration(c.Registry.Expiry, defaultRegistryExpiry)
}

func (c Config) RegistryGrace() time.Duration {
	return parseDuration(c.Registry.Grace, defaultRegistryGrace)
}

func (c Config) CheckpointBackend() string {
	backend := strings.ToLower(strings.TrimSpace(c.Checkpoint.Backend))
	if backend == "" {
		return CheckpointBackendBbolt
	}
	return backend
}

// CheckpointPath resolves the storage location for file-based backends.
func (c Config) CheckpointPath() (string, error) {
	if path := strings.TrimSpace(c.Checkpoint.Path); path != "" {
		return resolveConfigPath(path)
	}
	switch c.CheckpointBackend() {
	case CheckpointBackendFile:
		return CheckpointDir()
	case CheckpointBackendSQLite:
		return CheckpointSQLitePath()
	default:
		return CheckpointDBPath()
	}
}

func (c Config) CheckpointInterval() time.Duration {
	return parseDuration(c.Checkpoint.Interval, defaultCheckpointTick)
}

func (c Config) CheckpointBudgetBytes() int {
	return positiveOr(c.Checkpoint.BudgetBytes, defaultCheckpointBudget)
}

func (c Config) CheckpointDisplayWindow() time.Duration {
	return parseDuration(c.Checkpoint.DisplayWindow, defaultDisplayWindow)
}

func (c Config) SyncStaleness() time.Duration {
	return parseDuration(c.Checkpoint.SyncStaleness, defaultSyncStaleness)
}

// Staleness returns the resumption window per session kind.
func (c Config) Staleness() map[string]time.Duration {
	out := map[string]time.Duration{
		"import":          defaultAsyncStaleness,
		"test":            defaultAsyncStaleness,
		"service-control": defaultAsyncStaleness,
	}
	for kind, raw := range c.Checkpoint.Staleness {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			continue
		}
		out[kind] = parseDuration(raw, defaultAsyncStaleness)
	}
	return out
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (c Config) LogFormat() string {
	format := strings.TrimSpace(c.Logging.Format)
	if format == "" {
		return "logfmt"
	}
	return format
}

func (c Config) MetricsAddr() string {
	return strings.TrimSpace(c.Metrics.Addr)
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func resolveConfigPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is required")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, path), nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
