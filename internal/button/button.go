// Package button classifies presses on the single user button.
//
// The classifier samples a level input at a fixed period. A press shorter
// than the long threshold is a short press. Holding past the long threshold
// starts long-press tracking: the OTA trigger fires once when the hold
// reaches the OTA threshold (if allowed at that moment) and the reset
// trigger ends the hold when it reaches the reset threshold.
package button

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Input reads the button level. Pressed reports logical 1.
type Input interface {
	Pressed() bool
}

// Clock abstracts time so thresholds can be tested without waiting.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Thresholds are cumulative hold durations measured from the press.
type Thresholds struct {
	Poll  time.Duration
	Long  time.Duration
	OTA   time.Duration
	Reset time.Duration
}

// DefaultThresholds returns the production timings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Poll:  200 * time.Millisecond,
		Long:  1 * time.Second,
		OTA:   5 * time.Second,
		Reset: 10 * time.Second,
	}
}

// Gesture is the outcome of one classified press.
type Gesture int

const (
	GestureNone Gesture = iota
	GestureShort
	GestureLong
	GestureOTA
	GestureReset
)

func (g Gesture) String() string {
	switch g {
	case GestureNone:
		return "none"
	case GestureShort:
		return "short"
	case GestureLong:
		return "long"
	case GestureOTA:
		return "ota"
	case GestureReset:
		return "reset"
	default:
		return fmt.Sprintf("gesture(%d)", int(g))
	}
}

// Classifier owns the input for the duration of each call. Only one method
// may run at a time.
type Classifier struct {
	in  Input
	clk Clock
	th  Thresholds
}

// NewClassifier returns a Classifier. Zero thresholds take the defaults.
func NewClassifier(in Input, clk Clock, th Thresholds) *Classifier {
	def := DefaultThresholds()
	if th.Poll <= 0 {
		th.Poll = def.Poll
	}
	if th.Long <= 0 {
		th.Long = def.Long
	}
	if th.OTA <= 0 {
		th.OTA = def.OTA
	}
	if th.Reset <= 0 {
		th.Reset = def.Reset
	}
	if clk == nil {
		clk = RealClock{}
	}
	return &Classifier{in: in, clk: clk, th: th}
}

// Thresholds returns the timings in use.
func (c *Classifier) Thresholds() Thresholds { return c.th }

// Pressed samples the input once.
func (c *Classifier) Pressed() bool { return c.in.Pressed() }

// Now reads the classifier's clock.
func (c *Classifier) Now() time.Time { return c.clk.Now() }

// Classify follows a hold that began at since until release, reset or ctx
// end. The hold length is taken from the last sample that still saw the
// button pressed. otaAllowed is consulted when the hold crosses the OTA
// threshold; onOTA runs at most once per hold. Either may be nil.
func (c *Classifier) Classify(ctx context.Context, since time.Time, otaAllowed func() bool, onOTA func()) Gesture {
	var (
		held      time.Duration
		longNoted bool
		otaFired  bool
	)
	for {
		if ctx.Err() != nil {
			return GestureNone
		}
		now := c.clk.Now()
		if !c.in.Pressed() {
			break
		}
		held = now.Sub(since)

		if held >= c.th.Long && !longNoted {
			longNoted = true
			slog.Info("[Button] long press detected, keep holding for OTA or reset")
		}
		if held >= c.th.OTA && !otaFired && (otaAllowed == nil || otaAllowed()) {
			otaFired = true
			slog.Info("[Button] OTA trigger", "held", held)
			if onOTA != nil {
				onOTA()
			}
		}
		if held >= c.th.Reset {
			slog.Warn("[Button] reset trigger", "held", held)
			return GestureReset
		}
		c.clk.Sleep(c.th.Poll)
	}

	switch {
	case otaFired:
		return GestureOTA
	case held >= c.th.Long:
		slog.Info("[Button] long press released", "held", held)
		return GestureLong
	default:
		slog.Debug("[Button] short press", "held", held)
		return GestureShort
	}
}

// Warmup samples the input for d and reports whether a single press was
// held for at least d. A press still down when the window ends keeps the
// window open until it is released or reaches d.
func (c *Classifier) Warmup(ctx context.Context, d time.Duration) bool {
	start := c.clk.Now()
	var pressStart time.Time
	pressing := false

	for {
		if ctx.Err() != nil {
			return false
		}
		now := c.clk.Now()
		if c.in.Pressed() {
			if !pressing {
				pressing = true
				pressStart = now
			}
			if now.Sub(pressStart) >= d {
				slog.Info("[Button] press held through warm-up, entering provisioning")
				return true
			}
		} else {
			pressing = false
		}
		if now.Sub(start) >= d && !pressing {
			return false
		}
		c.clk.Sleep(c.th.Poll)
	}
}

// Edge is what WatchEdge saw.
type Edge int

const (
	EdgeNone Edge = iota
	// EdgeShort is a rising edge released before the long threshold.
	EdgeShort
	// EdgeLong is a rising edge still held at the long threshold. The
	// caller continues the hold with Classify from EdgeResult.At.
	EdgeLong
	// EdgePressed is a press still undecided when the watch was cancelled.
	// The caller continues it with Classify from EdgeResult.At.
	EdgePressed
)

func (e Edge) String() string {
	switch e {
	case EdgeNone:
		return "none"
	case EdgeShort:
		return "short"
	case EdgeLong:
		return "long"
	case EdgePressed:
		return "pressed"
	default:
		return fmt.Sprintf("edge(%d)", int(e))
	}
}

// EdgeResult reports a detected edge and when the press started.
type EdgeResult struct {
	Edge Edge
	At   time.Time
}

// WatchEdge waits for a 0 to 1 transition, then samples until the button is
// released or the long threshold passes. A level already high when the
// watch starts is not an edge. It returns EdgeNone when ctx ends before an
// edge and EdgePressed when ctx ends during a press.
func (c *Classifier) WatchEdge(ctx context.Context) EdgeResult {
	prev := c.in.Pressed()
	for {
		c.clk.Sleep(c.th.Poll)
		cur := c.in.Pressed()
		if cur && !prev {
			break
		}
		if ctx.Err() != nil {
			return EdgeResult{}
		}
		prev = cur
	}

	at := c.clk.Now()
	for {
		if ctx.Err() != nil {
			return EdgeResult{Edge: EdgePressed, At: at}
		}
		if !c.in.Pressed() {
			return EdgeResult{Edge: EdgeShort, At: at}
		}
		if c.clk.Now().Sub(at) >= c.th.Long {
			return EdgeResult{Edge: EdgeLong, At: at}
		}
		c.clk.Sleep(c.th.Poll)
	}
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// NoInput is a button that is never pressed.
type NoInput struct{}

func (NoInput) Pressed() bool { return false }
