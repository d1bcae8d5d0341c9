// Package display turns device states into status screens. Rendering
// backends implement Renderer.
package display

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/firminia/internal/devconfig"
)

// State is what the screen is showing.
type State int

const (
	StateWarmingUp State = iota
	StateBleAdvertising
	StateConfigUpdated
	StateWifiConnecting
	StateCheckingApi
	StateShowingCount
	StateNoItems
	StateNoWifi
	StateApiError
	StateOtaUpdate
	StateOtaFailed
)

var stateNames = [...]string{
	StateWarmingUp:      "warming_up",
	StateBleAdvertising: "ble_advertising",
	StateConfigUpdated:  "config_updated",
	StateWifiConnecting: "wifi_connecting",
	StateCheckingApi:    "checking_api",
	StateShowingCount:   "showing_count",
	StateNoItems:        "no_items",
	StateNoWifi:         "no_wifi",
	StateApiError:       "api_error",
	StateOtaUpdate:      "ota_update",
	StateOtaFailed:      "ota_failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Renderer draws status screens. Implementations must be safe for use from
// the orchestrator and the update engine at the same time.
type Renderer interface {
	Show(s State, count int)
	ShowOTA(percent int, text string)
	SetLanguage(lang devconfig.Language)
	SetUser(user string)
}

// LogRenderer writes each screen change to the log.
type LogRenderer struct {
	mu   sync.Mutex
	lang devconfig.Language
	user string
	last string
}

// NewLogRenderer returns a LogRenderer using English.
func NewLogRenderer() *LogRenderer {
	return &LogRenderer{}
}

func (r *LogRenderer) Show(s State, count int) {
	r.mu.Lock()
	msg := Message(s, count, r.lang, r.user)
	key := s.String() + "|" + msg
	if key == r.last {
		r.mu.Unlock()
		return
	}
	r.last = key
	r.mu.Unlock()

	slog.Info("[Display] "+flatten(msg), "state", s, "count", count)
}

func (r *LogRenderer) ShowOTA(percent int, text string) {
	r.mu.Lock()
	r.last = ""
	r.mu.Unlock()
	slog.Info("[Display] OTA", "percent", percent, "status", text)
}

func (r *LogRenderer) SetLanguage(lang devconfig.Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !lang.Valid() {
		slog.Error("[Display] invalid language", "language", lang)
		return
	}
	r.lang = lang
	slog.Info("[Display] language set", "language", LanguageName(lang))
}

func (r *LogRenderer) SetUser(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user = user
}

// flatten joins the lines of a screen message for single-line output.
func flatten(msg string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(msg, "\n", " ")), " ")
}

var _ Renderer = (*LogRenderer)(nil)
