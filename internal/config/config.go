package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/memq/internal/mode"
	"github.com/basket/memq/internal/otel"
)

type QueueConfig struct {
	// MaxRetries is the single retry cap shared by every message kind.
	MaxRetries int `yaml:"max_retries"`
}

type OrchestratorConfig struct {
	ExtractTimeoutSeconds  int `yaml:"extract_timeout_seconds"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

type RecoveryConfig struct {
	IntervalSeconds              int `yaml:"interval_seconds"`
	StuckThresholdSeconds        int `yaml:"stuck_threshold_seconds"`
	StaleSessionThresholdSeconds int `yaml:"stale_session_threshold_seconds"`
	RearmLimit                   int `yaml:"rearm_limit"`
}

type RetentionConfig struct {
	// ProcessedDays purges processed queue rows older than this. 0 keeps them.
	ProcessedDays int `yaml:"processed_days"`
}

// ExtractorConfig names the external extraction command. With no command
// configured, queue payloads are taken as already extracted documents.
type ExtractorConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
}

type Config struct {
	HomeDir string `yaml:"-"`
	// Warnings lists adjustments normalize made to inconsistent settings.
	Warnings []string `yaml:"-" json:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Queue        QueueConfig        `yaml:"queue"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Retention    RetentionConfig    `yaml:"retention"`
	Extractor    ExtractorConfig    `yaml:"extractor"`
	Mode         mode.Mode          `yaml:"mode"`
	OTel         otel.Config        `yaml:"otel"`
}

func (c Config) ExtractTimeout() time.Duration {
	return time.Duration(c.Orchestrator.ExtractTimeoutSeconds) * time.Second
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Orchestrator.ShutdownTimeoutSeconds) * time.Second
}

func (c Config) RecoveryInterval() time.Duration {
	return time.Duration(c.Recovery.IntervalSeconds) * time.Second
}

func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.Recovery.StuckThresholdSeconds) * time.Second
}

// HeartbeatInterval is how often a claim under extraction is refreshed: a
// quarter of the stuck threshold, at most ten seconds.
func (c Config) HeartbeatInterval() time.Duration {
	d := c.StuckThreshold() / 4
	if d <= 0 || d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func (c Config) StaleSessionThreshold() time.Duration {
	return time.Duration(c.Recovery.StaleSessionThresholdSeconds) * time.Second
}

// ExtractorEnv flattens the extractor environment into KEY=VALUE pairs in
// key order.
func (c Config) ExtractorEnv() []string {
	keys := make([]string, 0, len(c.Extractor.Env))
	for k := range c.Extractor.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Extractor.Env[k])
	}
	return out
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := map[string]interface{}{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return raw, nil
		}
		return nil, err
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SetValue writes one dotted key (for example "recovery.rearm_limit") into
// config.yaml, preserving the other keys. Integer and boolean strings are
// stored as such.
func SetValue(homeDir, key, value string) error {
	parts := strings.Split(strings.TrimSpace(key), ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid config key %q", key)
		}
	}
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	node := raw
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = scalar(value)

	// Reject edits that no longer parse into Config.
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var probe Config
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create memq home: %w", err)
	}
	return saveRawConfig(path, raw)
}

func scalar(value string) interface{} {
	if v, err := strconv.Atoi(value); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(value); err == nil {
		return v
	}
	return value
}

// Fingerprint returns a stable hash of the settings a reload can change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|retries=%d|extract=%d|shutdown=%d|recovery=%+v|retention=%d|extractor=%s %v|mode=%s",
		c.LogLevel, c.Queue.MaxRetries, c.Orchestrator.ExtractTimeoutSeconds, c.Orchestrator.ShutdownTimeoutSeconds,
		c.Recovery, c.Retention.ProcessedDays, c.Extractor.Command, c.Extractor.Args, c.Mode.Name)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Queue:    QueueConfig{MaxRetries: 3},
		Orchestrator: OrchestratorConfig{
			ExtractTimeoutSeconds:  120,
			ShutdownTimeoutSeconds: 10,
		},
		Recovery: RecoveryConfig{
			IntervalSeconds:              120,
			StuckThresholdSeconds:        300,
			StaleSessionThresholdSeconds: 3600,
			RearmLimit:                   10,
		},
		Retention: RetentionConfig{ProcessedDays: 7},
		Mode:      mode.Code(),
		OTel:      otel.Config{Exporter: "otlp", ServiceName: "memq", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("MEMQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".memq")
}

// Load reads <home>/config.yaml over the defaults, applies MEMQ_*
// environment overrides and normalizes the result. A missing file is not an
// error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create memq home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Mode.Validate(); err != nil {
		return cfg, fmt.Errorf("config mode: %w", err)
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "memq.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = d.Queue.MaxRetries
	}
	if cfg.Orchestrator.ExtractTimeoutSeconds <= 0 {
		cfg.Orchestrator.ExtractTimeoutSeconds = d.Orchestrator.ExtractTimeoutSeconds
	}
	if cfg.Orchestrator.ShutdownTimeoutSeconds <= 0 {
		cfg.Orchestrator.ShutdownTimeoutSeconds = d.Orchestrator.ShutdownTimeoutSeconds
	}
	if cfg.Recovery.IntervalSeconds <= 0 {
		cfg.Recovery.IntervalSeconds = d.Recovery.IntervalSeconds
	}
	if cfg.Recovery.StuckThresholdSeconds <= 0 {
		cfg.Recovery.StuckThresholdSeconds = d.Recovery.StuckThresholdSeconds
	}
	if cfg.Recovery.StaleSessionThresholdSeconds <= 0 {
		cfg.Recovery.StaleSessionThresholdSeconds = d.Recovery.StaleSessionThresholdSeconds
	}
	// A claim is only stuck once it has outlived any extraction that could
	// still be running.
	if cfg.Recovery.StuckThresholdSeconds <= cfg.Orchestrator.ExtractTimeoutSeconds {
		clamped := 2 * cfg.Orchestrator.ExtractTimeoutSeconds
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
			"recovery.stuck_threshold_seconds %d is not above orchestrator.extract_timeout_seconds %d; using %d",
			cfg.Recovery.StuckThresholdSeconds, cfg.Orchestrator.ExtractTimeoutSeconds, clamped))
		cfg.Recovery.StuckThresholdSeconds = clamped
	}
	if cfg.Recovery.RearmLimit <= 0 {
		cfg.Recovery.RearmLimit = d.Recovery.RearmLimit
	}
	if cfg.Retention.ProcessedDays < 0 {
		cfg.Retention.ProcessedDays = 0
	}
	cfg.Mode = cfg.Mode.Normalize()
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = d.OTel.ServiceName
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = d.OTel.Exporter
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MEMQ_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("MEMQ_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	envInt("MEMQ_MAX_RETRIES", &cfg.Queue.MaxRetries)
	envInt("MEMQ_EXTRACT_TIMEOUT_SECONDS", &cfg.Orchestrator.ExtractTimeoutSeconds)
	envInt("MEMQ_SHUTDOWN_TIMEOUT_SECONDS", &cfg.Orchestrator.ShutdownTimeoutSeconds)
	envInt("MEMQ_RECOVERY_INTERVAL_SECONDS", &cfg.Recovery.IntervalSeconds)
	envInt("MEMQ_STUCK_THRESHOLD_SECONDS", &cfg.Recovery.StuckThresholdSeconds)
	envInt("MEMQ_STALE_SESSION_THRESHOLD_SECONDS", &cfg.Recovery.StaleSessionThresholdSeconds)
	envInt("MEMQ_REARM_LIMIT", &cfg.Recovery.RearmLimit)
	envInt("MEMQ_PROCESSED_RETENTION_DAYS", &cfg.Retention.ProcessedDays)
	if raw := os.Getenv("MEMQ_EXTRACTOR_COMMAND"); raw != "" {
		cfg.Extractor.Command = raw
	}
	if raw := os.Getenv("MEMQ_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("MEMQ_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

func envInt(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		*dst = v
	}
}
