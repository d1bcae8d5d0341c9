package lifecycle

import (
	"fmt"

	"github.com/chaz8081/firminia/internal/display"
	"github.com/chaz8081/firminia/internal/ota"
)

// AppState is the orchestrator's current state.
type AppState int32

const (
	WarmingUp AppState = iota
	BleAdvertising
	ConfigUpdated
	WifiConnecting
	CheckingApi
	ShowingCount
	NoItems
	NoWifi
	ApiError
)

var appStateNames = [...]string{
	WarmingUp:      "warming_up",
	BleAdvertising: "ble_advertising",
	ConfigUpdated:  "config_updated",
	WifiConnecting: "wifi_connecting",
	CheckingApi:    "checking_api",
	ShowingCount:   "showing_count",
	NoItems:        "no_items",
	NoWifi:         "no_wifi",
	ApiError:       "api_error",
}

func (s AppState) String() string {
	if s >= 0 && int(s) < len(appStateNames) {
		return appStateNames[s]
	}
	return fmt.Sprintf("app_state(%d)", int(s))
}

// Steady reports whether s is a result screen that accepts "refresh now".
func (s AppState) Steady() bool {
	return s == ShowingCount || s == NoItems || s == ApiError
}

func (s AppState) screen() display.State {
	switch s {
	case WarmingUp:
		return display.StateWarmingUp
	case BleAdvertising:
		return display.StateBleAdvertising
	case ConfigUpdated:
		return display.StateConfigUpdated
	case WifiConnecting:
		return display.StateWifiConnecting
	case CheckingApi:
		return display.StateCheckingApi
	case ShowingCount:
		return display.StateShowingCount
	case NoItems:
		return display.StateNoItems
	case NoWifi:
		return display.StateNoWifi
	case ApiError:
		return display.StateApiError
	default:
		return display.State(-1)
	}
}

// WakeReason is why the main loop stopped waiting.
type WakeReason int

const (
	// WakeNone means nothing actionable happened (an ignored press or the
	// context ended).
	WakeNone WakeReason = iota
	// WakeInterval means the poll interval elapsed.
	WakeInterval
	// WakeRefresh is a short press asking for an immediate poll.
	WakeRefresh
	// WakeLongPress is a press that outlived the long threshold. The next
	// iteration continues classifying it.
	WakeLongPress
	// WakeUpdateCheck is the periodic update check.
	WakeUpdateCheck
	// WakeOTADone is a finished update run.
	WakeOTADone
)

func (w WakeReason) String() string {
	switch w {
	case WakeNone:
		return "none"
	case WakeInterval:
		return "interval"
	case WakeRefresh:
		return "refresh"
	case WakeLongPress:
		return "long_press"
	case WakeUpdateCheck:
		return "update_check"
	case WakeOTADone:
		return "ota_done"
	default:
		return fmt.Sprintf("wake(%d)", int(w))
	}
}

// wake is one message to the main loop.
type wake struct {
	Reason   WakeReason
	Progress ota.Progress // set for WakeOTADone
}
