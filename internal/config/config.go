package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds the host runtime configuration. Device settings provisioned
// over BLE live in the persistent store, not here.
type Config struct {
	DataDir         string        `yaml:"data_dir"`
	FirmwareVersion string        `yaml:"firmware_version"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	Display         string        `yaml:"display"` // "terminal" or "log"
	Store           StoreConfig   `yaml:"store"`
	Button          ButtonConfig  `yaml:"button"`
	WiFi            WiFiConfig    `yaml:"wifi"`
	BLE             BLEConfig     `yaml:"ble"`
	Release         ReleaseConfig `yaml:"release"`
	OTA             OTAConfig     `yaml:"ota"`
	Boot            BootConfig    `yaml:"boot"`
	Warmup          time.Duration `yaml:"warmup"`
}

// StoreConfig selects the persistent key/value backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "yaml" or "sqlite"
	Secret  string `yaml:"secret"`  // hex; seals credentials at rest when set
}

// ButtonConfig selects where the button level is read from.
type ButtonConfig struct {
	Source string   `yaml:"source"` // "gpio", "keyboard" or "none"
	Pin    string   `yaml:"pin"`
	Keys   []string `yaml:"keys"`
	PollMs int      `yaml:"poll_ms"`
}

// WiFiConfig holds connectivity settings.
type WiFiConfig struct {
	Interface      string        `yaml:"interface"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// BLEConfig holds provisioning settings.
type BLEConfig struct {
	NamePrefix          string        `yaml:"name_prefix"`
	ProvisioningTimeout time.Duration `yaml:"provisioning_timeout"`
}

// ReleaseConfig points at the public release feed.
type ReleaseConfig struct {
	Owner    string `yaml:"owner"`
	Repo     string `yaml:"repo"`
	Asset    string `yaml:"asset"`
	Schedule string `yaml:"schedule"`
}

// OTAConfig holds update engine settings.
type OTAConfig struct {
	RecvTimeout time.Duration `yaml:"recv_timeout"`
	RebootDelay time.Duration `yaml:"reboot_delay"`
	Cooldown    time.Duration `yaml:"cooldown"`
	PublicKey   string        `yaml:"public_key"`
}

// BootConfig holds boot guard settings.
type BootConfig struct {
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "firminia")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the default directory for the store and firmware slots.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "firminia-data"
	}
	return filepath.Join(home, ".local", "share", "firminia")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DataDir:         DefaultDataDir(),
		FirmwareVersion: "3.6.0",
		LogLevel:        "info",
		LogFormat:       "text",
		Display:         "terminal",
		Store: StoreConfig{
			Backend: "yaml",
		},
		Button: ButtonConfig{
			Source: "gpio",
			Pin:    "GPIO17",
			Keys:   []string{"space"},
			PollMs: 200,
		},
		WiFi: WiFiConfig{
			Interface:      "wlan0",
			ConnectTimeout: 10 * time.Second,
			RetryDelay:     5 * time.Second,
		},
		BLE: BLEConfig{
			NamePrefix:          "FIRMINIA",
			ProvisioningTimeout: 2 * time.Minute,
		},
		Release: ReleaseConfig{
			Owner:    "askmesuite",
			Repo:     "firminia",
			Asset:    "firminia.bin",
			Schedule: "@every 1h",
		},
		OTA: OTAConfig{
			RecvTimeout: 2 * time.Minute,
			RebootDelay: 2 * time.Second,
			Cooldown:    5 * time.Second,
		},
		Boot: BootConfig{
			WatchdogTimeout: 30 * time.Second,
		},
		Warmup: 5 * time.Second,
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DataDir = expandTilde(cfg.DataDir)
	cfg.OTA.PublicKey = expandTilde(cfg.OTA.PublicKey)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	if c.FirmwareVersion == "" {
		return fmt.Errorf("firmware_version must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	switch c.Display {
	case "terminal", "log":
	default:
		return fmt.Errorf("display must be \"terminal\" or \"log\", got %q", c.Display)
	}

	switch c.Store.Backend {
	case "yaml", "sqlite":
	default:
		return fmt.Errorf("store.backend must be \"yaml\" or \"sqlite\", got %q", c.Store.Backend)
	}

	switch c.Button.Source {
	case "gpio":
		if c.Button.Pin == "" {
			return fmt.Errorf("button.pin must not be empty for gpio source")
		}
	case "keyboard":
		if len(c.Button.Keys) == 0 {
			return fmt.Errorf("button.keys must not be empty for keyboard source")
		}
	case "none":
	default:
		return fmt.Errorf("button.source must be gpio, keyboard, or none, got %q", c.Button.Source)
	}

	if c.Button.PollMs <= 0 {
		return fmt.Errorf("button.poll_ms must be > 0")
	}

	if c.WiFi.ConnectTimeout <= 0 || c.WiFi.RetryDelay <= 0 {
		return fmt.Errorf("wifi timeouts must be > 0")
	}

	if c.BLE.NamePrefix == "" {
		return fmt.Errorf("ble.name_prefix must not be empty")
	}

	if c.Release.Owner == "" || c.Release.Repo == "" || c.Release.Asset == "" {
		return fmt.Errorf("release.owner, release.repo and release.asset must be set")
	}

	if _, err := cron.ParseStandard(c.Release.Schedule); err != nil {
		return fmt.Errorf("release.schedule %q: %w", c.Release.Schedule, err)
	}

	if c.OTA.RecvTimeout <= 0 || c.OTA.RebootDelay < 0 || c.OTA.Cooldown < 0 {
		return fmt.Errorf("ota timings must be positive")
	}

	if c.Boot.WatchdogTimeout <= 0 {
		return fmt.Errorf("boot.watchdog_timeout must be > 0")
	}

	if c.Warmup <= 0 {
		return fmt.Errorf("warmup must be > 0")
	}

	return nil
}

// ParseLogLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# firminia runtime configuration
# Device settings (Wi-Fi, API token, interval, language) are provisioned over
# BLE and kept in the persistent store under data_dir, not in this file.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns the
// written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
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
