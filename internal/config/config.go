package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/echoprov/internal/ble"
	"github.com/chaz8081/echoprov/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	Registration RegistrationConfig `yaml:"registration"`
	BLE          BLEConfig          `yaml:"ble"`
	Locale       string             `yaml:"locale"`
	LogLevel     string             `yaml:"log_level" env:"ECHOPROV_LOG_LEVEL"`
}

// RegistrationConfig holds console backend settings.
type RegistrationConfig struct {
	BaseURL       string        `yaml:"base_url" env:"ECHOPROV_BASE_URL"`
	APIToken      string        `yaml:"api_token" env:"ECHOPROV_API_TOKEN"`
	ServerBinding string        `yaml:"server_binding" env:"ECHOPROV_SERVER_BINDING"`
	Timeout       time.Duration `yaml:"timeout"`
}

// BLEConfig holds radio and transfer settings.
type BLEConfig struct {
	ScanTimeout time.Duration `yaml:"scan_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
	FrameSize   int           `yaml:"frame_size"`
	FrameDelay  time.Duration `yaml:"frame_delay"`
	NameFilter  string        `yaml:"name_filter"` // advertised-name prefix; empty matches all
}

// TransportOptions converts the BLE section for ble.NewTransport.
func (b BLEConfig) TransportOptions() ble.TransportOptions {
	return ble.TransportOptions{
		ScanTimeout: b.ScanTimeout,
		OpTimeout:   b.OpTimeout,
		NameFilter:  b.NameFilter,
	}
}

// WriterOptions converts the BLE section for ble.NewWriter. A frame_delay
// of zero disables pacing.
func (b BLEConfig) WriterOptions() ble.WriterOptions {
	delay := b.FrameDelay
	if delay == 0 {
		delay = -1
	}
	return ble.WriterOptions{
		FrameSize:  b.FrameSize,
		FrameDelay: delay,
		Timeout:    b.OpTimeout,
	}
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "echoprov")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	w := ble.DefaultWriterOptions()
	t := ble.DefaultTransportOptions()
	return &Config{
		Registration: RegistrationConfig{
			BaseURL: "http://localhost:3000",
			Timeout: 10 * time.Second,
		},
		BLE: BLEConfig{
			ScanTimeout: t.ScanTimeout,
			OpTimeout:   t.OpTimeout,
			FrameSize:   w.FrameSize,
			FrameDelay:  w.FrameDelay,
		},
		Locale:   "en",
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays ECHOPROV_* environment variables onto c. Unset
// variables leave the current values alone.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Registration.BaseURL)
	if err != nil {
		return fmt.Errorf("registration.base_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("registration.base_url must be an http(s) URL, got %q", c.Registration.BaseURL)
	}

	if c.Registration.Timeout <= 0 {
		return fmt.Errorf("registration.timeout must be > 0")
	}

	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}

	if c.BLE.OpTimeout <= 0 {
		return fmt.Errorf("ble.op_timeout must be > 0")
	}

	if c.BLE.FrameSize <= 0 || c.BLE.FrameSize > protocol.MaxFrameBytes {
		return fmt.Errorf("ble.frame_size must be between 1 and %d, got %d", protocol.MaxFrameBytes, c.BLE.FrameSize)
	}

	if c.BLE.FrameDelay < 0 {
		return fmt.Errorf("ble.frame_delay must be >= 0")
	}

	if _, err := language.Parse(c.Locale); err != nil {
		return fmt.Errorf("locale %q: %w", c.Locale, err)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Language returns the parsed locale, falling back to English.
func (c *Config) Language() language.Tag {
	tag, err := language.Parse(c.Locale)
	if err != nil {
		return language.English
	}
	return tag
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// map to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

const defaultHeader = `# echoprov configuration
# Environment variables ECHOPROV_BASE_URL, ECHOPROV_API_TOKEN,
# ECHOPROV_SERVER_BINDING and ECHOPROV_LOG_LEVEL override these values.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	// The file may end up holding an API token.
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
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
