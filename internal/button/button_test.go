package button

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

// window is a press from start+from up to and including start+to.
type window struct {
	from, to time.Duration
}

// scriptedInput is pressed inside any of its windows, measured on clk.
type scriptedInput struct {
	clk     *fakeClock
	start   time.Time
	windows []window
}

func (s *scriptedInput) Pressed() bool {
	el := s.clk.now.Sub(s.start)
	for _, w := range s.windows {
		if el >= w.from && el <= w.to {
			return true
		}
	}
	return false
}

func setup(windows ...window) (*Classifier, *fakeClock) {
	clk := newFakeClock()
	in := &scriptedInput{clk: clk, start: clk.now, windows: windows}
	return NewClassifier(in, clk, DefaultThresholds()), clk
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		hold       time.Duration
		otaAllowed bool
		want       Gesture
		wantOTA    int
	}{
		{"tap", 100 * time.Millisecond, true, GestureShort, 0},
		{"just under long", 800 * time.Millisecond, true, GestureShort, 0},
		{"long at threshold", 1 * time.Second, true, GestureLong, 0},
		{"three seconds", 3 * time.Second, true, GestureLong, 0},
		{"release at 4.9s", 4900 * time.Millisecond, true, GestureLong, 0},
		{"release at 5.0s", 5 * time.Second, true, GestureOTA, 1},
		{"seven seconds", 7 * time.Second, true, GestureOTA, 1},
		{"ota not allowed", 7 * time.Second, false, GestureLong, 0},
		{"release at 9.9s", 9900 * time.Millisecond, true, GestureOTA, 1},
		{"reset", 10 * time.Second, true, GestureReset, 1},
		{"reset while ota blocked", 12 * time.Second, false, GestureReset, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clk := setup(window{0, tt.hold})
			otaCalls := 0
			got := c.Classify(context.Background(), clk.now,
				func() bool { return tt.otaAllowed },
				func() { otaCalls++ })

			if got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
			if otaCalls != tt.wantOTA {
				t.Errorf("onOTA called %d times, want %d", otaCalls, tt.wantOTA)
			}
		})
	}
}

func TestClassify_ResetEndsHoldImmediately(t *testing.T) {
	c, clk := setup(window{0, time.Minute})
	start := clk.now

	if got := c.Classify(context.Background(), start, nil, nil); got != GestureReset {
		t.Fatalf("Classify() = %s, want reset", got)
	}
	if el := clk.now.Sub(start); el != 10*time.Second {
		t.Errorf("reset emitted after %v, want 10s", el)
	}
}

func TestClassify_OTAAllowedCheckedAtThreshold(t *testing.T) {
	c, clk := setup(window{0, 6 * time.Second})
	var checks []time.Duration
	start := clk.now

	c.Classify(context.Background(), start, func() bool {
		checks = append(checks, clk.now.Sub(start))
		return false
	}, nil)

	if len(checks) == 0 || checks[0] != 5*time.Second {
		t.Errorf("first otaAllowed check at %v, want 5s", checks)
	}
}

func TestClassify_ContinuesFromEarlierStart(t *testing.T) {
	// The hold started 1s before Classify was entered, as after WatchEdge.
	c, clk := setup(window{0, 5 * time.Second})
	start := clk.now
	clk.Sleep(time.Second)

	otaCalls := 0
	got := c.Classify(context.Background(), start, nil, func() { otaCalls++ })
	if got != GestureOTA || otaCalls != 1 {
		t.Errorf("Classify() = %s with %d OTA calls, want ota once", got, otaCalls)
	}
}

func TestClassify_Cancelled(t *testing.T) {
	c, clk := setup(window{0, time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := c.Classify(ctx, clk.now, nil, nil); got != GestureNone {
		t.Errorf("Classify() = %s, want none", got)
	}
}

func TestWarmup(t *testing.T) {
	const d = 5 * time.Second
	tests := []struct {
		name    string
		windows []window
		want    bool
	}{
		{"no press", nil, false},
		{"held from power on", []window{{0, 6 * time.Second}}, true},
		{"held exactly warm-up", []window{{0, d}}, true},
		{"released early", []window{{0, 3 * time.Second}}, false},
		{"two short presses", []window{{0, 2 * time.Second}, {3 * time.Second, 4 * time.Second}}, false},
		{"late press held long enough", []window{{2 * time.Second, 8 * time.Second}}, true},
		{"late press released", []window{{4 * time.Second, 6 * time.Second}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := setup(tt.windows...)
			if got := c.Warmup(context.Background(), d); got != tt.want {
				t.Errorf("Warmup() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWarmup_TakesFullWindowWithoutPress(t *testing.T) {
	c, clk := setup()
	start := clk.now
	c.Warmup(context.Background(), 5*time.Second)
	if el := clk.now.Sub(start); el != 5*time.Second {
		t.Errorf("warm-up lasted %v, want 5s", el)
	}
}

func TestWatchEdge(t *testing.T) {
	tests := []struct {
		name    string
		windows []window
		want    Edge
		wantAt  time.Duration
	}{
		{"short press", []window{{time.Second, 1400 * time.Millisecond}}, EdgeShort, time.Second},
		{"emerging long press", []window{{time.Second, 4 * time.Second}}, EdgeLong, time.Second},
		{"held at start is not an edge", []window{{0, time.Second}, {2 * time.Second, 2200 * time.Millisecond}}, EdgeShort, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clk := setup(tt.windows...)
			start := clk.now
			got := c.WatchEdge(context.Background())
			if got.Edge != tt.want {
				t.Errorf("WatchEdge() = %s, want %s", got.Edge, tt.want)
			}
			if at := got.At.Sub(start); at != tt.wantAt {
				t.Errorf("edge at %v, want %v", at, tt.wantAt)
			}
		})
	}
}

func TestWatchEdge_LongThenClassify(t *testing.T) {
	c, clk := setup(window{time.Second, 11 * time.Second})
	edge := c.WatchEdge(context.Background())
	if edge.Edge != EdgeLong {
		t.Fatalf("WatchEdge() = %s, want long", edge.Edge)
	}
	if got := c.Classify(context.Background(), edge.At, nil, nil); got != GestureReset {
		t.Errorf("Classify() = %s, want reset", got)
	}
	if held := clk.now.Sub(edge.At); held != 10*time.Second {
		t.Errorf("reset after %v of hold, want 10s", held)
	}
}

func TestWatchEdge_Cancelled(t *testing.T) {
	c, _ := setup()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := c.WatchEdge(ctx); got.Edge != EdgeNone {
		t.Errorf("WatchEdge() = %s, want none", got.Edge)
	}
}

// cancelClock cancels a context once the fake time reaches a deadline.
type cancelClock struct {
	*fakeClock
	at     time.Time
	cancel context.CancelFunc
}

func (c *cancelClock) Sleep(d time.Duration) {
	c.fakeClock.Sleep(d)
	if !c.now.Before(c.at) {
		c.cancel()
	}
}

func TestWatchEdge_CancelledMidPress(t *testing.T) {
	clk := newFakeClock()
	start := clk.now
	in := &scriptedInput{clk: clk, start: start, windows: []window{{time.Second, 7 * time.Second}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewClassifier(in, &cancelClock{fakeClock: clk, at: start.Add(1500 * time.Millisecond), cancel: cancel}, DefaultThresholds())

	got := c.WatchEdge(ctx)
	if got.Edge != EdgePressed {
		t.Fatalf("WatchEdge() = %s, want pressed", got.Edge)
	}
	if at := got.At.Sub(start); at != time.Second {
		t.Errorf("edge at %v, want 1s", at)
	}

	// The hold keeps counting from the edge.
	if g := c.Classify(context.Background(), got.At, nil, nil); g != GestureOTA {
		t.Errorf("Classify() = %s, want ota", g)
	}
}

func TestNewClassifier_Defaults(t *testing.T) {
	c := NewClassifier(NoInput{}, nil, Thresholds{})
	if got := c.Thresholds(); got != DefaultThresholds() {
		t.Errorf("Thresholds() = %+v, want defaults", got)
	}
	if c.Pressed() {
		t.Error("NoInput should never be pressed")
	}
}
