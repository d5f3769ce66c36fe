package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blesense/internal/ble"
	"github.com/chaz8081/blesense/internal/logging"
	"github.com/chaz8081/blesense/internal/sink"
)

// Config holds all application configuration.
type Config struct {
	Service     ServiceConfig    `yaml:"service"`
	Scan        ScanConfig       `yaml:"scan"`
	Connection  ConnectionConfig `yaml:"connection"`
	Retry       RetryConfig      `yaml:"retry"`
	Output      OutputConfig     `yaml:"output"`
	Adapter     AdapterConfig    `yaml:"adapter"`
	LogLevel    string           `yaml:"log_level"`
	LogFile     string           `yaml:"log_file"` // empty logs to stderr only
	LogRotation RotationConfig   `yaml:"log_rotation"`
}

// RotationConfig bounds the size and age of the process log file.
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// ServiceConfig names the GATT service to target and the reads to perform.
type ServiceConfig struct {
	UUID            string                 `yaml:"uuid"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
}

// CharacteristicConfig is one characteristic to read, in order.
type CharacteristicConfig struct {
	Name   string `yaml:"name"`
	UUID   string `yaml:"uuid"`
	Format string `yaml:"format"` // see sink.Formats
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Mode      string        `yaml:"mode"`       // "low_power", "balanced", "low_latency" or "opportunistic"
	MatchMode string        `yaml:"match_mode"` // "aggressive" or "sticky"
	Timeout   time.Duration `yaml:"timeout"`    // 0 scans until interrupted
}

// ConnectionConfig holds GATT session settings.
type ConnectionConfig struct {
	ReadOrder        string        `yaml:"read_order"` // "fifo" or "lifo"
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	AutoReconnect    bool          `yaml:"auto_reconnect"`
}

// RetryConfig controls restarting the whole sequence after a failure.
type RetryConfig struct {
	Attempts   int `yaml:"attempts"`
	BackoffMax int `yaml:"backoff_max"` // seconds
}

// OutputConfig holds reading sink settings. The rotation knobs apply to the
// readings file only; see RotationConfig for the log file.
type OutputConfig struct {
	ReadingsFile string `yaml:"readings_file"` // JSON lines; empty disables
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAgeDays   int    `yaml:"max_age_days"`
	Compress     bool   `yaml:"compress"`
}

// AdapterConfig selects the host radio.
type AdapterConfig struct {
	ID string `yaml:"id"` // BlueZ adapter name
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blesense")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config targeting the climate service.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			UUID: ble.ClimateServiceUUID.String(),
			Characteristics: []CharacteristicConfig{
				{Name: "temperature", UUID: ble.TemperatureCharUUID.String(), Format: string(sink.FormatInt8)},
				{Name: "humidity", UUID: ble.HumidityCharUUID.String(), Format: string(sink.FormatUint8)},
				{Name: "pressure", UUID: ble.PressureCharUUID.String(), Format: string(sink.FormatUint8)},
			},
		},
		Scan: ScanConfig{
			Mode:      string(ble.ScanModeLowLatency),
			MatchMode: string(ble.MatchModeAggressive),
			Timeout:   30 * time.Second,
		},
		Connection: ConnectionConfig{
			ReadOrder:        string(ble.ReadOrderFIFO),
			OperationTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			Attempts:   1,
			BackoffMax: 30,
		},
		Output: OutputConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Adapter: AdapterConfig{
			ID: "hci0",
		},
		LogRotation: RotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)
	cfg.Output.ReadingsFile = expandTilde(cfg.Output.ReadingsFile)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := uuid.Parse(c.Service.UUID); err != nil {
		return fmt.Errorf("service.uuid %q is not a valid UUID: %w", c.Service.UUID, err)
	}

	seen := make(map[uuid.UUID]bool, len(c.Service.Characteristics))
	for i, ch := range c.Service.Characteristics {
		id, err := uuid.Parse(ch.UUID)
		if err != nil {
			return fmt.Errorf("service.characteristics[%d].uuid %q is not a valid UUID: %w", i, ch.UUID, err)
		}
		if seen[id] {
			return fmt.Errorf("service.characteristics[%d].uuid %s is listed twice", i, id)
		}
		seen[id] = true
		if ch.Format != "" && !sink.Format(ch.Format).Valid() {
			return fmt.Errorf("service.characteristics[%d].format %q is not recognized", i, ch.Format)
		}
	}

	switch ble.ScanMode(c.Scan.Mode) {
	case ble.ScanModeOpportunistic, ble.ScanModeLowPower, ble.ScanModeBalanced, ble.ScanModeLowLatency:
	default:
		return fmt.Errorf("scan.mode must be low_power, balanced, low_latency, or opportunistic, got %q", c.Scan.Mode)
	}

	switch ble.MatchMode(c.Scan.MatchMode) {
	case ble.MatchModeAggressive, ble.MatchModeSticky:
	default:
		return fmt.Errorf("scan.match_mode must be \"aggressive\" or \"sticky\", got %q", c.Scan.MatchMode)
	}

	if c.Scan.Timeout < 0 {
		return fmt.Errorf("scan.timeout must be >= 0")
	}

	switch ble.ReadOrder(c.Connection.ReadOrder) {
	case ble.ReadOrderFIFO, ble.ReadOrderLIFO:
	default:
		return fmt.Errorf("connection.read_order must be \"fifo\" or \"lifo\", got %q", c.Connection.ReadOrder)
	}

	if c.Connection.OperationTimeout < 0 {
		return fmt.Errorf("connection.operation_timeout must be >= 0")
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be >= 1")
	}

	if c.Retry.BackoffMax < 1 {
		return fmt.Errorf("retry.backoff_max must be >= 1")
	}

	if c.Output.MaxSizeMB < 0 || c.Output.MaxBackups < 0 || c.Output.MaxAgeDays < 0 {
		return fmt.Errorf("output rotation settings must be >= 0")
	}

	if c.LogRotation.MaxSizeMB < 0 || c.LogRotation.MaxBackups < 0 || c.LogRotation.MaxAgeDays < 0 {
		return fmt.Errorf("log_rotation settings must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Descriptor converts the service section into a ble.ServiceDescriptor.
// Call Validate first.
func (c *Config) Descriptor() (ble.ServiceDescriptor, error) {
	svc, err := uuid.Parse(c.Service.UUID)
	if err != nil {
		return ble.ServiceDescriptor{}, fmt.Errorf("service.uuid: %w", err)
	}
	desc := ble.ServiceDescriptor{Service: svc}
	for i, ch := range c.Service.Characteristics {
		id, err := uuid.Parse(ch.UUID)
		if err != nil {
			return ble.ServiceDescriptor{}, fmt.Errorf("service.characteristics[%d].uuid: %w", i, err)
		}
		desc.Characteristics = append(desc.Characteristics, id)
	}
	return desc, desc.Validate()
}

// Schema returns the display names and formats of the configured characteristics.
func (c *Config) Schema() sink.Schema {
	schema := make(sink.Schema, len(c.Service.Characteristics))
	for _, ch := range c.Service.Characteristics {
		id, err := uuid.Parse(ch.UUID)
		if err != nil {
			continue
		}
		schema[id] = sink.Field{Name: ch.Name, Format: sink.Format(ch.Format)}
	}
	return schema
}

// AcquireOptions converts the scan, connection and retry sections.
func (c *Config) AcquireOptions(logger *slog.Logger) ble.AcquireOptions {
	return ble.AcquireOptions{
		Scan: ble.ScanSettings{
			Mode:  ble.ScanMode(c.Scan.Mode),
			Match: ble.MatchMode(c.Scan.MatchMode),
		},
		ScanTimeout: c.Scan.Timeout,
		Machine: ble.MachineOptions{
			ReadOrder:        ble.ReadOrder(c.Connection.ReadOrder),
			AutoReconnect:    c.Connection.AutoReconnect,
			OperationTimeout: c.Connection.OperationTimeout,
			Logger:           logger,
		},
		Attempts:   c.Retry.Attempts,
		BackoffMax: c.Retry.BackoffMax,
		Logger:     logger,
	}
}

// LogOptions converts log_level, log_file and log_rotation.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      ParseLogLevel(c.LogLevel),
		File:       c.LogFile,
		MaxSizeMB:  c.LogRotation.MaxSizeMB,
		MaxBackups: c.LogRotation.MaxBackups,
		MaxAgeDays: c.LogRotation.MaxAgeDays,
		Compress:   c.LogRotation.Compress,
	}
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# blesense configuration
# service.characteristics are read in order (see connection.read_order).
# Formats: raw, hex, uint8, int8, uint16le, int16le, uint32le, int32le, float32le, utf8.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a file already existed.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
