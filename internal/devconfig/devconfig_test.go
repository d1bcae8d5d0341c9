package devconfig

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/firminia/internal/nvs"
)

func newTestStore(t *testing.T) (*Store, nvs.Store) {
	t.Helper()
	kv, err := nvs.OpenFile(filepath.Join(t.TempDir(), "nvs.yaml"))
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	return NewStore(kv), kv
}

// failingKV fails every operation.
type failingKV struct{}

func (failingKV) ReadNamespace(string) (map[string]string, error) {
	return nil, errors.New("flash gone")
}
func (failingKV) WriteNamespace(string, map[string]string) error { return errors.New("flash gone") }
func (failingKV) EraseNamespace(string) error                    { return errors.New("flash gone") }
func (failingKV) Close() error                                   { return nil }

func validConfig() Config {
	return Config{
		SSID:       "office",
		Password:   "secret pass",
		Server:     "sign.example.com",
		Port:       8443,
		URL:        "https://sign.example.com/api/v2/files/pending",
		Token:      "abc123",
		User:       "mario.rossi",
		IntervalMs: 60000,
		Language:   Italian,
	}
}

func TestDefault(t *testing.T) {
	def := Default()
	if def.Valid() {
		t.Error("default config should not be valid")
	}
	if def.Port != 443 {
		t.Errorf("Port = %d, want 443", def.Port)
	}
	if def.PollInterval() != 30*time.Second {
		t.Errorf("PollInterval() = %v, want 30s", def.PollInterval())
	}
	if def.Language != English {
		t.Errorf("Language = %v, want english", def.Language)
	}
}

func TestStore_LoadFirstRunPersistsDefaults(t *testing.T) {
	s, kv := newTestStore(t)

	cfg := s.Load()
	if cfg != Default() {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}

	values, err := kv.ReadNamespace(Namespace)
	if err != nil {
		t.Fatalf("defaults were not persisted: %v", err)
	}
	if values[KeyServer] != "sign.askme.it" {
		t.Errorf("stored %s = %q, want %q", KeyServer, values[KeyServer], "sign.askme.it")
	}
	if values[KeyInterval] != "30000" {
		t.Errorf("stored %s = %q, want %q", KeyInterval, values[KeyInterval], "30000")
	}
}

func TestStore_LoadFailsOpen(t *testing.T) {
	s := NewStore(failingKV{})
	if cfg := s.Load(); cfg != Default() {
		t.Errorf("Load() = %+v, want defaults on storage failure", cfg)
	}
}

func TestStore_SaveStorageError(t *testing.T) {
	s := NewStore(failingKV{})
	err := s.Save(validConfig())
	if !errors.Is(err, ErrStorage) {
		t.Errorf("Save() error = %v, want ErrStorage", err)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	want := validConfig()

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got := s.Load(); got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestStore_RoundTripTruncates(t *testing.T) {
	s, _ := newTestStore(t)
	cfg := validConfig()
	cfg.SSID = strings.Repeat("s", 40)
	cfg.Token = strings.Repeat("T", 100)
	// A 2-byte rune straddling the 63-byte limit.
	cfg.User = strings.Repeat("u", 62) + "é"

	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got := s.Load()

	if len(got.SSID) != MaxSSID {
		t.Errorf("len(SSID) = %d, want %d", len(got.SSID), MaxSSID)
	}
	if len(got.Token) != MaxToken {
		t.Errorf("len(Token) = %d, want %d", len(got.Token), MaxToken)
	}
	if got.User != strings.Repeat("u", 62) {
		t.Errorf("User = %q, want the multi-byte rune dropped whole", got.User)
	}
	if got != cfg.Truncate() {
		t.Errorf("Load() = %+v, want %+v", got, cfg.Truncate())
	}
}

func TestStore_LoadMissingKeysFallBack(t *testing.T) {
	s, kv := newTestStore(t)
	if err := kv.WriteNamespace(Namespace, map[string]string{
		KeySSID:     "lab",
		KeyInterval: "not-a-number",
		KeyLanguage: "9",
		KeyServer:   "",
	}); err != nil {
		t.Fatalf("WriteNamespace() error = %v", err)
	}

	got := s.Load()
	def := Default()
	if got.SSID != "lab" {
		t.Errorf("SSID = %q, want %q", got.SSID, "lab")
	}
	if got.Server != def.Server {
		t.Errorf("Server = %q, want default %q", got.Server, def.Server)
	}
	if got.IntervalMs != def.IntervalMs {
		t.Errorf("IntervalMs = %d, want default %d", got.IntervalMs, def.IntervalMs)
	}
	if got.Language != def.Language {
		t.Errorf("Language = %v, want default %v", got.Language, def.Language)
	}
	if got.URL != def.URL {
		t.Errorf("URL = %q, want default %q", got.URL, def.URL)
	}
}

func TestStore_IsDefaultAndReset(t *testing.T) {
	s, _ := newTestStore(t)

	if !s.IsDefault(Default()) {
		t.Error("IsDefault(Default()) = false, want true")
	}
	if s.IsDefault(validConfig()) {
		t.Error("IsDefault(validConfig()) = true, want false")
	}

	if err := s.Save(validConfig()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	def, err := s.ResetToDefault()
	if err != nil {
		t.Fatalf("ResetToDefault() error = %v", err)
	}
	if def != Default() {
		t.Errorf("ResetToDefault() = %+v, want defaults", def)
	}
	if got := s.Load(); !s.IsDefault(got) {
		t.Errorf("Load() after reset = %+v, want defaults", got)
	}
}

func TestConfig_LogValueMasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("cfg", "config", validConfig())

	out := buf.String()
	if strings.Contains(out, "secret pass") || strings.Contains(out, "abc123") {
		t.Errorf("secrets leaked into log output: %s", out)
	}
	if !strings.Contains(out, "******") {
		t.Errorf("expected masked secrets in log output: %s", out)
	}
	if !strings.Contains(out, "office") {
		t.Errorf("expected ssid in log output: %s", out)
	}
}

const goodPayload = `{"ssid":"office","password":"secret pass","server":"sign.example.com",` +
	`"port":"8443","url":"https://sign.example.com/api/v2/files/pending","token":"abc123",` +
	`"user":"mario.rossi","interval":"60000","language":"1"}`

func TestParsePayload_Valid(t *testing.T) {
	got, err := ParsePayload([]byte(goodPayload))
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if want := validConfig(); got != want {
		t.Errorf("ParsePayload() = %+v, want %+v", got, want)
	}
}

func TestParsePayload_Rules(t *testing.T) {
	tests := []struct {
		name      string
		field     string
		value     string
		wantField string
	}{
		{"empty ssid", "ssid", `""`, "ssid"},
		{"server without dot", "server", `"localhost"`, "server"},
		{"port not numeric", "port", `"https"`, "port"},
		{"port zero", "port", `"0"`, "port"},
		{"port too large", "port", `"65536"`, "port"},
		{"url without scheme", "url", `"sign.example.com/api"`, "url"},
		{"url plain http", "url", `"http://sign.example.com/api"`, "url"},
		{"token with symbols", "token", `"abc-123"`, "token"},
		{"interval too small", "interval", `"9999"`, "interval"},
		{"interval too large", "interval", `"9000001"`, "interval"},
		{"interval not numeric", "interval", `"30s"`, "interval"},
		{"language out of range", "language", `"4"`, "language"},
		{"language negative", "language", `"-1"`, "language"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := replaceField(t, goodPayload, tt.field, tt.value)
			_, err := ParsePayload([]byte(raw))
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("ParsePayload() error = %v, want *FieldError", err)
			}
			if fe.Field != tt.wantField {
				t.Errorf("FieldError.Field = %q, want %q", fe.Field, tt.wantField)
			}
			if !errors.Is(err, ErrInvalidField) {
				t.Error("FieldError should match ErrInvalidField")
			}
		})
	}
}

func TestParsePayload_BoundaryValues(t *testing.T) {
	raw := replaceField(t, goodPayload, "interval", `"10000"`)
	raw = replaceField(t, raw, "port", `"65535"`)
	raw = replaceField(t, raw, "language", `"3"`)
	raw = replaceField(t, raw, "token", `""`)

	got, err := ParsePayload([]byte(raw))
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if got.IntervalMs != MinIntervalMs || got.Port != 65535 || got.Language != Spanish || got.Token != "" {
		t.Errorf("ParsePayload() = %+v, want boundary values accepted", got)
	}
}

func TestParsePayload_MissingField(t *testing.T) {
	for _, field := range []string{"ssid", "password", "server", "port", "url", "token", "user", "interval", "language"} {
		t.Run(field, func(t *testing.T) {
			raw := removeField(t, goodPayload, field)
			_, err := ParsePayload([]byte(raw))
			var fe *FieldError
			if !errors.As(err, &fe) || fe.Field != field {
				t.Errorf("ParsePayload() error = %v, want missing %q", err, field)
			}
		})
	}
}

func TestParsePayload_NotJSON(t *testing.T) {
	for _, raw := range []string{"", "{", "not json}", `{"ssid": 5}`} {
		if _, err := ParsePayload([]byte(raw)); err == nil {
			t.Errorf("ParsePayload(%q) should fail", raw)
		}
	}
}

// replaceField swaps the JSON value of field in a flat payload.
func replaceField(t *testing.T, raw, field, value string) string {
	t.Helper()
	key := `"` + field + `":`
	start := strings.Index(raw, key)
	if start < 0 {
		t.Fatalf("field %q not in payload", field)
	}
	valStart := start + len(key)
	end := strings.Index(raw[valStart+1:], `"`) + valStart + 2
	return raw[:valStart] + value + raw[end:]
}

// removeField drops field from a flat payload.
func removeField(t *testing.T, raw, field string) string {
	t.Helper()
	out := replaceField(t, raw, field, `""`)
	key := `"` + field + `":"",`
	if strings.Contains(out, key) {
		return strings.Replace(out, key, "", 1)
	}
	return strings.Replace(out, `,"`+field+`":""`, "", 1)
}
