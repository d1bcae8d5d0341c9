// Package boot runs the startup integrity sequence and the boot watchdog.
package boot

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/firminia/internal/platform"
)

var (
	// ErrPartitionInvalid means the running slot failed verification.
	ErrPartitionInvalid = errors.New("boot: running partition invalid")
	// ErrBootTimeout means startup did not reach the network stage in time.
	ErrBootTimeout = errors.New("boot: startup timed out")
)

// DefaultWatchdogTimeout is how long startup may take before rollback.
const DefaultWatchdogTimeout = 30 * time.Second

// Guard checks the running slot at startup and owns the boot watchdog.
type Guard struct {
	slots   platform.Slots
	timeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewGuard returns a Guard over slots. A non-positive timeout uses
// DefaultWatchdogTimeout.
func NewGuard(slots platform.Slots, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	return &Guard{slots: slots, timeout: timeout}
}

// Check inspects the running slot once. It returns an error wrapping
// platform.ErrRestart when it switched the boot target and the device must
// reboot before doing anything else.
func (g *Guard) Check() error {
	h, err := g.slots.Health()
	if err != nil {
		return fmt.Errorf("boot: reading partition health: %w", err)
	}
	slog.Info("[Boot] partition health", "slot", h.Slot, "state", h.State, "reset_reason", h.Reason)

	switch {
	case h.State == platform.SlotInvalid:
		if err := g.rollback(platform.ResetSoftware); err != nil {
			slog.Error("[Boot] running slot is invalid and no rollback is possible", "error", err)
			return nil
		}
		return fmt.Errorf("%w: %w", platform.ErrRestart, ErrPartitionInvalid)

	case h.State == platform.SlotPendingVerify && h.Reason.Crashed():
		slog.Warn("[Boot] unverified firmware crashed, rolling back", "reset_reason", h.Reason)
		if err := g.slots.MarkInvalid(); err != nil {
			return fmt.Errorf("boot: marking slot invalid: %w", err)
		}
		if err := g.rollback(platform.ResetSoftware); err != nil {
			slog.Error("[Boot] no previous firmware to roll back to", "error", err)
			return nil
		}
		return fmt.Errorf("%w: %w", platform.ErrRestart, ErrPartitionInvalid)

	case h.State == platform.SlotPendingVerify:
		if err := g.slots.MarkValid(); err != nil {
			return fmt.Errorf("boot: marking slot valid: %w", err)
		}
		slog.Info("[Boot] firmware marked as valid", "slot", h.Slot)
	}
	return nil
}

// Version returns the firmware version of the running slot. A slot that
// was never updated runs the factory image.
func (g *Guard) Version(factory string) string {
	h, err := g.slots.Health()
	if err != nil || h.Version == "" {
		return factory
	}
	return h.Version
}

// rollback points the next boot at the alternate slot.
func (g *Guard) rollback(reason platform.ResetReason) error {
	alt, ok := g.slots.Alternate()
	if !ok {
		return errors.New("boot: no valid alternate slot")
	}
	if err := g.slots.SetBoot(alt); err != nil {
		return fmt.Errorf("boot: selecting slot %s: %w", alt, err)
	}
	if err := g.slots.NoteReset(reason); err != nil {
		return fmt.Errorf("boot: recording reset: %w", err)
	}
	slog.Warn("[Boot] rolled back", "next_slot", alt)
	return nil
}

// ArmWatchdog starts the boot watchdog. If Disarm is not called before it
// fires, the running slot is marked invalid, the alternate slot becomes the
// boot target, and onExpire is called to restart the device.
func (g *Guard) ArmWatchdog(onExpire func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(g.timeout, func() {
		g.mu.Lock()
		if g.timer != t {
			g.mu.Unlock()
			return
		}
		g.timer = nil
		g.mu.Unlock()

		slog.Error("[Boot] watchdog expired before startup completed", "timeout", g.timeout)
		if err := g.slots.MarkInvalid(); err != nil {
			slog.Error("[Boot] marking slot invalid failed", "error", err)
		}
		if err := g.rollback(platform.ResetWatchdog); err != nil {
			slog.Error("[Boot] emergency rollback failed", "error", err)
			g.slots.NoteReset(platform.ResetWatchdog) //nolint:errcheck // best effort
		}
		onExpire()
	})
	g.timer = t
	slog.Info("[Boot] watchdog armed", "timeout", g.timeout)
}

// Disarm stops the watchdog. Safe to call when not armed.
func (g *Guard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer == nil {
		return
	}
	g.timer.Stop()
	g.timer = nil
	slog.Info("[Boot] watchdog disarmed")
}

// Armed reports whether the watchdog is running.
func (g *Guard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timer != nil
}
