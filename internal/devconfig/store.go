package devconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/chaz8081/firminia/internal/nvs"
)

// ErrStorage wraps every failure to persist the device config.
var ErrStorage = errors.New("devconfig: storage unavailable")

// Namespace is the store namespace that holds the device config.
const Namespace = "config"

// Stable store keys.
const (
	KeySSID     = "wifi_ssid"
	KeyPassword = "wifi_password"
	KeyServer   = "web_server"
	KeyPort     = "web_port"
	KeyURL      = "web_url"
	KeyToken    = "api_token"
	KeyUser     = "askmesign_user"
	KeyInterval = "api_interval_ms"
	KeyLanguage = "language"
)

// SecretKeys lists the keys that should be sealed at rest.
var SecretKeys = []string{KeyPassword, KeyToken}

// Store loads and saves the device config. Callers serialize access;
// the mutex only keeps a stray concurrent call from interleaving writes.
type Store struct {
	kv nvs.Store
	mu sync.Mutex
}

// NewStore returns a Store backed by kv.
func NewStore(kv nvs.Store) *Store {
	return &Store{kv: kv}
}

// Load reads the config. It never fails: on first run or a read error the
// defaults are returned and persisted, and a missing, empty, or unparseable
// key falls back to that field's default.
func (s *Store) Load() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.kv.ReadNamespace(Namespace)
	if err != nil {
		if errors.Is(err, nvs.ErrNotFound) {
			slog.Info("[Config] no stored config, writing defaults")
		} else {
			slog.Warn("[Config] reading stored config failed, using defaults", "error", err)
		}
		def := Default()
		if err := s.write(def); err != nil {
			slog.Warn("[Config] persisting defaults failed", "error", err)
		}
		return def
	}

	cfg := decode(values)
	slog.Debug("[Config] loaded", "config", cfg)
	return cfg
}

// Save persists cfg, truncating string fields to their stored length.
func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cfg)
}

// IsDefault reports whether cfg is the unprovisioned default config.
func (s *Store) IsDefault(cfg Config) bool {
	return cfg.Truncate() == Default()
}

// ResetToDefault overwrites the stored config with defaults and returns them.
func (s *Store) ResetToDefault() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def := Default()
	if err := s.kv.EraseNamespace(Namespace); err != nil {
		return def, fmt.Errorf("%w: erase: %v", ErrStorage, err)
	}
	if err := s.write(def); err != nil {
		return def, err
	}
	slog.Info("[Config] reset to defaults")
	return def, nil
}

func (s *Store) write(cfg Config) error {
	if err := s.kv.WriteNamespace(Namespace, encode(cfg.Truncate())); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func encode(cfg Config) map[string]string {
	return map[string]string{
		KeySSID:     cfg.SSID,
		KeyPassword: cfg.Password,
		KeyServer:   cfg.Server,
		KeyPort:     strconv.Itoa(cfg.Port),
		KeyURL:      cfg.URL,
		KeyToken:    cfg.Token,
		KeyUser:     cfg.User,
		KeyInterval: strconv.Itoa(cfg.IntervalMs),
		KeyLanguage: strconv.Itoa(int(cfg.Language)),
	}
}

func decode(values map[string]string) Config {
	def := Default()
	str := func(key, fallback string) string {
		if v := values[key]; v != "" {
			return v
		}
		return fallback
	}
	num := func(key string, fallback, lo, hi int) int {
		n, err := strconv.Atoi(values[key])
		if err != nil || n < lo || n > hi {
			return fallback
		}
		return n
	}

	cfg := Config{
		SSID:       str(KeySSID, def.SSID),
		Password:   str(KeyPassword, def.Password),
		Server:     str(KeyServer, def.Server),
		Port:       num(KeyPort, def.Port, 1, 65535),
		URL:        str(KeyURL, def.URL),
		Token:      str(KeyToken, def.Token),
		User:       str(KeyUser, def.User),
		IntervalMs: num(KeyInterval, def.IntervalMs, MinIntervalMs, MaxIntervalMs),
		Language:   Language(num(KeyLanguage, int(def.Language), int(English), int(languageCount)-1)),
	}
	return cfg.Truncate()
}
