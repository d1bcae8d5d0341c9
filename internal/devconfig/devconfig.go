// Package devconfig holds the device settings that are provisioned over BLE:
// Wi-Fi credentials, API endpoint and token, poll interval and UI language.
package devconfig

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"
)

// Language is the UI language index stored on the device.
type Language int

const (
	English Language = iota
	Italian
	French
	Spanish

	languageCount
)

func (l Language) String() string {
	switch l {
	case English:
		return "english"
	case Italian:
		return "italian"
	case French:
		return "french"
	case Spanish:
		return "spanish"
	default:
		return fmt.Sprintf("language(%d)", int(l))
	}
}

// Valid reports whether l is a known language.
func (l Language) Valid() bool {
	return l >= English && l < languageCount
}

// Poll interval bounds in milliseconds.
const (
	MinIntervalMs = 10000
	MaxIntervalMs = 9000000
)

// Maximum stored byte length per string field.
const (
	MaxSSID     = 32
	MaxPassword = 64
	MaxServer   = 63
	MaxURL      = 255
	MaxToken    = 63
	MaxUser     = 63
)

// Config is the persisted device configuration.
type Config struct {
	SSID       string
	Password   string
	Server     string
	Port       int
	URL        string
	Token      string
	User       string
	IntervalMs int
	Language   Language
}

// Default returns the configuration a device starts with before provisioning.
func Default() Config {
	return Config{
		Server:     "sign.askme.it",
		Port:       443,
		URL:        "https://sign.askme.it/api/v2/files/pending?page=0&size=1",
		IntervalMs: 30000,
		Language:   English,
	}
}

// Valid reports whether the device has been provisioned with a network.
func (c Config) Valid() bool {
	return c.SSID != ""
}

// PollInterval returns the configured poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Truncate clips every string field to its stored length.
func (c Config) Truncate() Config {
	c.SSID = truncate(c.SSID, MaxSSID)
	c.Password = truncate(c.Password, MaxPassword)
	c.Server = truncate(c.Server, MaxServer)
	c.URL = truncate(c.URL, MaxURL)
	c.Token = truncate(c.Token, MaxToken)
	c.User = truncate(c.User, MaxUser)
	return c
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// LogValue renders the config for logs with secrets masked.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("ssid", c.SSID),
		slog.String("password", mask(c.Password)),
		slog.String("server", c.Server),
		slog.Int("port", c.Port),
		slog.String("url", c.URL),
		slog.String("token", mask(c.Token)),
		slog.String("user", c.User),
		slog.Int("interval_ms", c.IntervalMs),
		slog.String("language", c.Language.String()),
	)
}

func mask(s string) string {
	if s == "" {
		return "empty"
	}
	return "******"
}

// PortString returns the port as it is stored.
func (c Config) PortString() string {
	return strconv.Itoa(c.Port)
}
