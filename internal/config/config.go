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
	"github.com/chaz8081/blesense/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Session   SessionConfig   `yaml:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
	LogFile   string          `yaml:"log_file"`
}

// DeviceConfig identifies the peripheral and how to read its payloads.
type DeviceConfig struct {
	Name               string            `yaml:"name"`
	ServiceUUID        string            `yaml:"service_uuid"`
	CharacteristicUUID string            `yaml:"characteristic_uuid"`
	Profile            string            `yaml:"profile"`  // "step", "vitals" or "custom"
	Labels             map[string]string `yaml:"labels"`   // label -> "int" | "float"
	Encoding           string            `yaml:"encoding"` // "raw" or "base64"
}

// SessionConfig holds session facade settings.
type SessionConfig struct {
	HistoryCapacity int           `yaml:"history_capacity"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	Track           []string      `yaml:"track"`
}

// ReconnectConfig mirrors ble.ReconnectPolicy.
type ReconnectConfig struct {
	Attempts        int           `yaml:"attempts"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	RescanOnFailure bool          `yaml:"rescan_on_failure"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

const customProfile = "custom"

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

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:               ble.DefaultDeviceName,
			ServiceUUID:        ble.DefaultServiceUUID,
			CharacteristicUUID: ble.DefaultCharUUID,
			Profile:            "step",
			Encoding:           string(protocol.EncodingRaw),
		},
		Session: SessionConfig{
			HistoryCapacity: 20,
		},
		Reconnect: ReconnectConfig{
			Attempts:   1,
			MaxBackoff: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log_file is expanded to the user's home directory.
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

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if _, err := NormalizeUUID(c.Device.ServiceUUID); err != nil {
		return fmt.Errorf("device.service_uuid: %w", err)
	}
	if _, err := NormalizeUUID(c.Device.CharacteristicUUID); err != nil {
		return fmt.Errorf("device.characteristic_uuid: %w", err)
	}

	if _, err := protocol.ParseEncoding(c.Device.Encoding); err != nil {
		return fmt.Errorf("device.encoding must be \"raw\" or \"base64\", got %q", c.Device.Encoding)
	}

	labels, err := c.LabelTable()
	if err != nil {
		return err
	}
	for _, f := range c.Session.Track {
		if _, ok := labels[f]; !ok {
			return fmt.Errorf("session.track: %q is not a known label", f)
		}
	}

	if c.Session.HistoryCapacity < 1 {
		return fmt.Errorf("session.history_capacity must be > 0")
	}
	if c.Session.ScanTimeout < 0 {
		return fmt.Errorf("session.scan_timeout must not be negative")
	}

	if c.Reconnect.Attempts < 1 {
		return fmt.Errorf("reconnect.attempts must be > 0")
	}
	if c.Reconnect.MaxBackoff <= 0 {
		return fmt.Errorf("reconnect.max_backoff must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// LabelTable builds the decoder's label table: the named profile overlaid
// with device.labels, or device.labels alone for the custom profile.
func (c *Config) LabelTable() (protocol.LabelTable, error) {
	custom := make(protocol.LabelTable, len(c.Device.Labels))
	for label, kind := range c.Device.Labels {
		if strings.TrimSpace(label) == "" {
			return nil, fmt.Errorf("device.labels: empty label")
		}
		k, err := protocol.ParseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("device.labels[%s]: kind must be \"int\" or \"float\", got %q", label, kind)
		}
		custom[label] = k
	}

	if c.Device.Profile == customProfile {
		if len(custom) == 0 {
			return nil, fmt.Errorf("device.labels must not be empty for the custom profile")
		}
		return custom, nil
	}

	base, ok := protocol.Profile(c.Device.Profile)
	if !ok {
		return nil, fmt.Errorf("device.profile must be one of %s or %q, got %q",
			strings.Join(protocol.ProfileNames(), ", "), customProfile, c.Device.Profile)
	}
	return base.Merge(custom), nil
}

// ReconnectPolicy converts the reconnect section.
func (c *Config) ReconnectPolicy() ble.ReconnectPolicy {
	return ble.ReconnectPolicy{
		Attempts:        c.Reconnect.Attempts,
		MaxBackoff:      c.Reconnect.MaxBackoff,
		RescanOnFailure: c.Reconnect.RescanOnFailure,
	}
}

// NormalizeUUID returns the canonical lowercase 128-bit form of s. A 16-bit
// short form ("180d" or "0x180D") is expanded onto the Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	short := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(short) == 4 {
		s = "0000" + short + "-0000-1000-8000-00805f9b34fb"
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u.String(), nil
}

// WriteDefault writes the default config to DefaultConfigPath. It is a
// no-op returning ("", nil) if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# blesense configuration\n# profile: step | vitals | custom; labels map a payload label to int or float\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// fall back to info.
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
