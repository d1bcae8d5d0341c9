// Package platform models the device's dual firmware slots, their
// verification state and the cause of the last reset.
package platform

import (
	"errors"
	"fmt"
	"io"
)

// ErrRestart is returned (or set as a context cause) when the device must
// reboot. The entry point re-runs the whole boot sequence when it sees it.
var ErrRestart = errors.New("platform: restart requested")

// SlotState is the verification state of a firmware slot.
type SlotState int

const (
	SlotValid SlotState = iota
	SlotPendingVerify
	SlotInvalid
	SlotEmpty
)

var slotStateNames = map[SlotState]string{
	SlotValid:         "valid",
	SlotPendingVerify: "pending_verify",
	SlotInvalid:       "invalid",
	SlotEmpty:         "empty",
}

func (s SlotState) String() string {
	if name, ok := slotStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("slot_state(%d)", int(s))
}

func (s SlotState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SlotState) UnmarshalText(b []byte) error {
	for k, v := range slotStateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("platform: unknown slot state %q", b)
}

// ResetReason is the cause of the previous reset.
type ResetReason int

const (
	ResetPowerOn ResetReason = iota
	ResetSoftware
	ResetPanic
	ResetWatchdog
)

var resetReasonNames = map[ResetReason]string{
	ResetPowerOn:  "power_on",
	ResetSoftware: "software",
	ResetPanic:    "panic",
	ResetWatchdog: "watchdog",
}

func (r ResetReason) String() string {
	if name, ok := resetReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reset_reason(%d)", int(r))
}

// Crashed reports whether the reset was caused by a fault.
func (r ResetReason) Crashed() bool {
	return r == ResetPanic || r == ResetWatchdog
}

func (r ResetReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *ResetReason) UnmarshalText(b []byte) error {
	for k, v := range resetReasonNames {
		if v == string(b) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("platform: unknown reset reason %q", b)
}

// Health describes the running slot at boot. Version is empty for a slot
// that never received an update.
type Health struct {
	Slot    string
	State   SlotState
	Reason  ResetReason
	Version string
}

// Slots is the firmware slot manager.
type Slots interface {
	// Health returns the running slot's state and the last reset cause.
	Health() (Health, error)
	// Alternate returns the other slot when it holds a valid image.
	Alternate() (string, bool)
	// SetBoot selects the slot that runs after the next restart.
	SetBoot(slot string) error
	// MarkValid confirms the running slot and cancels any pending rollback.
	MarkValid() error
	// MarkInvalid flags the running slot as bad.
	MarkInvalid() error
	// OpenUpdate starts writing an image into the inactive slot.
	OpenUpdate() (UpdateWriter, error)
	// NoteReset records why the next restart happens.
	NoteReset(reason ResetReason) error
}

// UpdateWriter streams an image into the inactive slot. Commit records the
// image version and makes the slot the next boot target in PendingVerify
// state. Abort leaves the boot target untouched.
type UpdateWriter interface {
	io.Writer
	Commit(version string) error
	Abort() error
}
