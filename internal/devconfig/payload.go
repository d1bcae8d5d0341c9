package devconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidField is matched by every *FieldError.
var ErrInvalidField = errors.New("devconfig: invalid field")

// FieldError names the first payload field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("devconfig: field %q: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidField }

// payload is the provisioning JSON object. Every field is a required string.
type payload struct {
	SSID     *string `json:"ssid"`
	Password *string `json:"password"`
	Server   *string `json:"server"`
	Port     *string `json:"port"`
	URL      *string `json:"url"`
	Token    *string `json:"token"`
	User     *string `json:"user"`
	Interval *string `json:"interval"`
	Language *string `json:"language"`
}

type rule struct {
	field string
	value func(p *payload) *string
	check func(v string) string // returns a failure reason, "" when valid
}

var rules = []rule{
	{"ssid", func(p *payload) *string { return p.SSID }, func(v string) string {
		if v == "" {
			return "must not be empty"
		}
		return ""
	}},
	{"password", func(p *payload) *string { return p.Password }, nil},
	{"server", func(p *payload) *string { return p.Server }, func(v string) string {
		if !strings.Contains(v, ".") {
			return "must be a host name containing a dot"
		}
		return ""
	}},
	{"port", func(p *payload) *string { return p.Port }, func(v string) string {
		return checkRange(v, 1, 65535)
	}},
	{"url", func(p *payload) *string { return p.URL }, func(v string) string {
		if !strings.HasPrefix(v, "https://") {
			return "must start with https://"
		}
		return ""
	}},
	{"token", func(p *payload) *string { return p.Token }, func(v string) string {
		for _, r := range v {
			if !isAlnum(r) {
				return "must be alphanumeric"
			}
		}
		return ""
	}},
	{"user", func(p *payload) *string { return p.User }, nil},
	{"interval", func(p *payload) *string { return p.Interval }, func(v string) string {
		return checkRange(v, MinIntervalMs, MaxIntervalMs)
	}},
	{"language", func(p *payload) *string { return p.Language }, func(v string) string {
		return checkRange(v, int(English), int(languageCount)-1)
	}},
}

// ParsePayload decodes and validates a provisioning payload. The returned
// Config is only usable when err is nil; no field is applied on failure.
func ParsePayload(raw []byte) (Config, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Config{}, fmt.Errorf("devconfig: parse payload: %w", err)
	}

	for _, r := range rules {
		v := r.value(&p)
		if v == nil {
			return Config{}, &FieldError{Field: r.field, Reason: "missing"}
		}
		if r.check == nil {
			continue
		}
		if reason := r.check(*v); reason != "" {
			return Config{}, &FieldError{Field: r.field, Reason: reason}
		}
	}

	// Numeric fields were range-checked above.
	port, _ := strconv.Atoi(*p.Port)
	interval, _ := strconv.Atoi(*p.Interval)
	lang, _ := strconv.Atoi(*p.Language)

	return Config{
		SSID:       *p.SSID,
		Password:   *p.Password,
		Server:     *p.Server,
		Port:       port,
		URL:        *p.URL,
		Token:      *p.Token,
		User:       *p.User,
		IntervalMs: interval,
		Language:   Language(lang),
	}, nil
}

func checkRange(v string, lo, hi int) string {
	n, err := strconv.Atoi(v)
	if err != nil {
		return "must be numeric"
	}
	if n < lo || n > hi {
		return fmt.Sprintf("must be between %d and %d", lo, hi)
	}
	return ""
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
