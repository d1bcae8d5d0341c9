// Package lifecycle runs the device state machine: warm-up, provisioning,
// connectivity, polling, button handling and update hand-off.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/chaz8081/firminia/internal/api"
	"github.com/chaz8081/firminia/internal/button"
	"github.com/chaz8081/firminia/internal/devconfig"
	"github.com/chaz8081/firminia/internal/display"
	"github.com/chaz8081/firminia/internal/ota"
	"github.com/chaz8081/firminia/internal/platform"
)

// ConfigStore is the persisted device configuration.
type ConfigStore interface {
	Load() devconfig.Config
	IsDefault(cfg devconfig.Config) bool
	ResetToDefault() (devconfig.Config, error)
}

// Connectivity is the Wi-Fi station.
type Connectivity interface {
	Init(ctx context.Context) error
	Connect(ctx context.Context, ssid, passphrase string) bool
	IsConnected() bool
}

// Provisioning is the BLE config service.
type Provisioning interface {
	DeviceName() string
	Writes() <-chan []byte
	HandleWrite(data []byte) (devconfig.Config, bool)
	SetConfigCallback(fn func(raw []byte))
	StartAdvertising() error
	StopAdvertising() error
	DisconnectActiveClient() error
}

// Poller talks to the signing API and the release feed.
type Poller interface {
	CheckPendingCount(ctx context.Context, cfg devconfig.Config) api.PollResult
	CheckForUpdate(ctx context.Context, current string) (*api.UpdateDescriptor, error)
}

// Updater installs firmware in the background.
type Updater interface {
	Start(d api.UpdateDescriptor) error
	Busy() bool
	Cancel()
}

// Watchdog is the boot rollback timer.
type Watchdog interface {
	Disarm()
}

// Deps are the collaborators of an Orchestrator. Watchdog may be nil.
type Deps struct {
	Store           ConfigStore
	WiFi            Connectivity
	BLE             Provisioning
	API             Poller
	OTA             Updater
	Watchdog        Watchdog
	Button          *button.Classifier
	Display         display.Renderer
	FirmwareVersion string
}

// Timings tunes the orchestrator. Zero fields take the defaults.
type Timings struct {
	Warmup              time.Duration
	ProvisioningTimeout time.Duration
	RetryDelay          time.Duration
	ConfigUpdatedHold   time.Duration
	OTACooldown         time.Duration
	// PollInterval overrides the configured poll interval when non-zero.
	PollInterval time.Duration
	// RefreshMinGap is the minimum spacing of "refresh now" presses.
	RefreshMinGap time.Duration
	// UpdateMinGap is the minimum spacing of automatic update checks.
	UpdateMinGap time.Duration
	// UpdateSchedule is a cron expression for periodic update checks. "-" disables
	// the schedule.
	UpdateSchedule string
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		Warmup:              5 * time.Second,
		ProvisioningTimeout: 2 * time.Minute,
		RetryDelay:          5 * time.Second,
		ConfigUpdatedHold:   2 * time.Second,
		OTACooldown:         5 * time.Second,
		RefreshMinGap:       2 * time.Second,
		UpdateMinGap:        10 * time.Minute,
		UpdateSchedule:      "@every 1h",
	}
}

func (t Timings) withDefaults() Timings {
	def := DefaultTimings()
	if t.Warmup <= 0 {
		t.Warmup = def.Warmup
	}
	if t.ProvisioningTimeout <= 0 {
		t.ProvisioningTimeout = def.ProvisioningTimeout
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = def.RetryDelay
	}
	if t.ConfigUpdatedHold <= 0 {
		t.ConfigUpdatedHold = def.ConfigUpdatedHold
	}
	if t.OTACooldown <= 0 {
		t.OTACooldown = def.OTACooldown
	}
	if t.RefreshMinGap <= 0 {
		t.RefreshMinGap = def.RefreshMinGap
	}
	if t.UpdateMinGap <= 0 {
		t.UpdateMinGap = def.UpdateMinGap
	}
	if t.UpdateSchedule == "" {
		t.UpdateSchedule = def.UpdateSchedule
	}
	return t
}

// wakeQueueSize bounds wakes posted from other goroutines.
const wakeQueueSize = 8

// Orchestrator owns the device state. Run executes one boot; every restart
// path returns an error wrapping platform.ErrRestart.
type Orchestrator struct {
	deps Deps
	t    Timings

	refresh *rate.Limiter
	updates *rate.Limiter
	wake    chan wake

	state atomic.Int32
	count atomic.Int64

	// Owned by the Run goroutine.
	cfg        devconfig.Config
	nextPoll   time.Time
	holdSince  time.Time
	holding    bool
	rebooting  bool
	otaVisible bool
}

// New builds an Orchestrator.
func New(deps Deps, t Timings) *Orchestrator {
	t = t.withDefaults()
	return &Orchestrator{
		deps:    deps,
		t:       t,
		refresh: rate.NewLimiter(rate.Every(t.RefreshMinGap), 1),
		updates: rate.NewLimiter(rate.Every(t.UpdateMinGap), 1),
		wake:    make(chan wake, wakeQueueSize),
	}
}

// State returns the current state.
func (o *Orchestrator) State() AppState {
	return AppState(o.state.Load())
}

// Count returns the last pending count shown.
func (o *Orchestrator) Count() int {
	return int(o.count.Load())
}

// OTAProgress renders update progress and wakes the main loop when a run
// ends. Pass it to the update engine as its progress callback.
func (o *Orchestrator) OTAProgress(p ota.Progress) {
	o.deps.Display.ShowOTA(p.Percent, p.Text())
	if p.Phase.Terminal() {
		o.post(wake{Reason: WakeOTADone, Progress: p})
	}
}

func (o *Orchestrator) post(w wake) {
	select {
	case o.wake <- w:
	default:
		slog.Warn("[Flow] wake queue full, dropping", "reason", w.Reason)
	}
}

// Run executes one boot until a restart is needed or ctx ends. When ctx is
// cancelled with a cause, the cause is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer func() {
		if o.deps.OTA.Busy() {
			slog.Info("[Flow] cancelling update before restart")
			o.deps.OTA.Cancel()
		}
	}()

	o.deps.BLE.SetConfigCallback(func(raw []byte) {
		slog.Info("[Flow] config received over BLE", "bytes", len(raw))
	})

	o.show(WarmingUp)
	pressed := o.deps.Button.Warmup(ctx, o.t.Warmup)
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	o.loadConfig()
	if pressed {
		return o.provision(ctx, o.t.ProvisioningTimeout)
	}
	if !o.provisioned() {
		return o.provision(ctx, 0)
	}
	return o.runConnected(ctx)
}

func (o *Orchestrator) loadConfig() {
	o.cfg = o.deps.Store.Load()
	o.deps.Display.SetLanguage(o.cfg.Language)
	o.deps.Display.SetUser(o.cfg.User)
	slog.Info("[Flow] config loaded", "config", o.cfg)
}

func (o *Orchestrator) provisioned() bool {
	return o.cfg.Valid() && !o.deps.Store.IsDefault(o.cfg)
}

// provision advertises the config service until a valid payload is committed.
// A zero timeout waits forever.
func (o *Orchestrator) provision(ctx context.Context, timeout time.Duration) error {
	o.show(BleAdvertising)
	o.disarmWatchdog()

	if err := o.deps.BLE.StartAdvertising(); err != nil {
		slog.Error("[Flow] starting BLE advertising failed", "error", err)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	poll := time.NewTicker(o.deps.Button.Thresholds().Poll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			o.stopAdvertising()
			return context.Cause(ctx)

		case data := <-o.deps.BLE.Writes():
			if cfg, ok := o.deps.BLE.HandleWrite(data); ok {
				return o.configUpdated(ctx, cfg)
			}

		case <-expired:
			slog.Info("[Flow] provisioning window closed", "timeout", timeout)
			o.stopAdvertising()
			o.loadConfig()
			if o.provisioned() {
				return o.runConnected(ctx)
			}
			return o.provision(ctx, 0)

		case <-poll.C:
			if !o.deps.Button.Pressed() {
				continue
			}
			g := o.deps.Button.Classify(ctx, o.deps.Button.Now(), func() bool { return false }, nil)
			if g == button.GestureReset {
				o.stopAdvertising()
				return o.factoryReset()
			}
		}
	}
}

func (o *Orchestrator) configUpdated(ctx context.Context, cfg devconfig.Config) error {
	o.cfg = cfg
	o.deps.Display.SetLanguage(cfg.Language)
	o.deps.Display.SetUser(cfg.User)
	o.show(ConfigUpdated)

	o.stopAdvertising()
	if err := o.deps.BLE.DisconnectActiveClient(); err != nil {
		slog.Warn("[Flow] disconnecting BLE client failed", "error", err)
	}
	sleep(ctx, o.t.ConfigUpdatedHold)
	return fmt.Errorf("%w: config updated", platform.ErrRestart)
}

func (o *Orchestrator) stopAdvertising() {
	if err := o.deps.BLE.StopAdvertising(); err != nil {
		slog.Warn("[Flow] stopping BLE advertising failed", "error", err)
	}
}

func (o *Orchestrator) factoryReset() error {
	slog.Warn("[Flow] factory reset")
	if _, err := o.deps.Store.ResetToDefault(); err != nil {
		slog.Error("[Flow] resetting config failed", "error", err)
	}
	return fmt.Errorf("%w: factory reset", platform.ErrRestart)
}

func (o *Orchestrator) disarmWatchdog() {
	if o.deps.Watchdog != nil {
		o.deps.Watchdog.Disarm()
	}
}

// runConnected is the steady-state loop for a provisioned device.
func (o *Orchestrator) runConnected(ctx context.Context) error {
	o.show(WifiConnecting)
	o.disarmWatchdog()

	if err := o.deps.WiFi.Init(ctx); err != nil {
		slog.Error("[Flow] Wi-Fi init failed", "error", err)
	}

	stop := o.startSchedule()
	defer stop()

	if o.connect(ctx) {
		o.nextPoll = time.Time{}
	}
	return o.loop(ctx)
}

// startSchedule posts WakeUpdateCheck on the update cron schedule and
// returns a func that stops it.
func (o *Orchestrator) startSchedule() func() {
	if o.t.UpdateSchedule == "-" {
		return func() {}
	}
	schedule, err := cron.ParseStandard(o.t.UpdateSchedule)
	if err != nil {
		slog.Error("[Flow] invalid update schedule", "schedule", o.t.UpdateSchedule, "error", err)
		return func() {}
	}

	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		o.post(wake{Reason: WakeUpdateCheck})
	}))
	c.Start()
	slog.Debug("[Flow] update schedule started", "schedule", o.t.UpdateSchedule)

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}
}

func (o *Orchestrator) connect(ctx context.Context) bool {
	o.show(WifiConnecting)
	if o.deps.WiFi.Connect(ctx, o.cfg.SSID, o.cfg.Password) {
		slog.Info("[Flow] Wi-Fi connected", "ssid", o.cfg.SSID)
		return true
	}
	o.show(NoWifi)
	return false
}

func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		if err := o.checkButton(ctx); err != nil {
			return err
		}

		if o.rebooting || o.deps.OTA.Busy() {
			w := o.wait(ctx, time.Now().Add(o.pollInterval()), false)
			o.handleWake(ctx, w)
			continue
		}

		if !o.deps.WiFi.IsConnected() {
			if !o.connect(ctx) {
				w := o.wait(ctx, time.Now().Add(o.t.RetryDelay), false)
				o.handleWake(ctx, w)
				continue
			}
			o.nextPoll = time.Time{}
		}

		if time.Now().Before(o.nextPoll) {
			w := o.wait(ctx, o.nextPoll, o.State().Steady())
			switch {
			case o.holding:
				o.handleWake(ctx, w)
				continue
			case w.Reason == WakeInterval:
			case w.Reason == WakeRefresh:
				slog.Info("[Flow] refresh requested")
			default:
				o.handleWake(ctx, w)
				continue
			}
		}

		o.poll(ctx)
		o.nextPoll = time.Now().Add(o.pollInterval())

		if o.updates.Allow() {
			o.checkForUpdate(ctx, false)
		}
	}
}

func (o *Orchestrator) pollInterval() time.Duration {
	if o.t.PollInterval > 0 {
		return o.t.PollInterval
	}
	return o.cfg.PollInterval()
}

func (o *Orchestrator) poll(ctx context.Context) {
	o.show(CheckingApi)
	res := o.deps.API.CheckPendingCount(ctx, o.cfg)
	switch {
	case ctx.Err() != nil:
	case !res.Ok():
		slog.Warn("[Flow] poll failed", "error", res.Err)
		o.show(ApiError)
	case res.Count == 0:
		o.show(NoItems)
	default:
		o.count.Store(int64(res.Count))
		o.show(ShowingCount)
	}
}

// wait blocks until the deadline, a button edge, a posted wake or ctx end.
// This is the loop's only blocking point. Short presses count as refresh
// only when refreshOK and the refresh limiter allows it; otherwise they are
// ignored and the wait continues.
func (o *Orchestrator) wait(ctx context.Context, until time.Time, refreshOK bool) wake {
	timer := time.NewTimer(time.Until(until))
	defer timer.Stop()

	for {
		watchCtx, stopWatch := context.WithCancel(ctx)
		edges := make(chan button.EdgeResult, 1)
		go func() { edges <- o.deps.Button.WatchEdge(watchCtx) }()

		var w wake
		edgeSeen := false
		select {
		case <-ctx.Done():
		case <-timer.C:
			w.Reason = WakeInterval
		case e := <-edges:
			edgeSeen = true
			w.Reason = o.edgeWake(e, refreshOK)
		case w = <-o.wake:
		}
		stopWatch()
		if !edgeSeen {
			o.notePress(<-edges)
		}

		if w.Reason != WakeNone || ctx.Err() != nil {
			return w
		}
	}
}

// notePress keeps a press the watch left undecided, so checkButton measures
// the hold from its start.
func (o *Orchestrator) notePress(e button.EdgeResult) {
	if e.Edge == button.EdgeLong || e.Edge == button.EdgePressed {
		o.holdSince = e.At
		o.holding = true
	}
}

func (o *Orchestrator) edgeWake(e button.EdgeResult, refreshOK bool) WakeReason {
	switch e.Edge {
	case button.EdgeLong:
		o.notePress(e)
		return WakeLongPress
	case button.EdgePressed:
		o.notePress(e)
		return WakeNone
	case button.EdgeShort:
		if !refreshOK {
			slog.Debug("[Flow] short press ignored", "state", o.State())
			return WakeNone
		}
		if !o.refresh.Allow() {
			slog.Debug("[Flow] refresh rate limited")
			return WakeNone
		}
		return WakeRefresh
	default:
		return WakeNone
	}
}

func (o *Orchestrator) handleWake(ctx context.Context, w wake) {
	switch w.Reason {
	case WakeUpdateCheck:
		if o.deps.WiFi.IsConnected() && o.updates.Allow() {
			o.checkForUpdate(ctx, false)
		}
	case WakeOTADone:
		o.otaDone(ctx, w.Progress)
	case WakeRefresh:
		o.nextPoll = time.Time{}
	}
}

func (o *Orchestrator) otaDone(ctx context.Context, p ota.Progress) {
	if p.Phase == ota.PhaseSuccess {
		slog.Info("[Flow] update installed, waiting for restart")
		o.rebooting = true
		return
	}
	slog.Warn("[Flow] update failed, resuming", "error", p.Err, "run_id", p.RunID)
	o.otaVisible = false
	o.deps.Display.Show(display.StateOtaFailed, 0)
	sleep(ctx, o.t.OTACooldown)
	o.nextPoll = time.Time{}
}

// checkButton classifies a press that is in progress at the top of the loop.
func (o *Orchestrator) checkButton(ctx context.Context) error {
	since := o.holdSince
	if !o.holding {
		if !o.deps.Button.Pressed() {
			return nil
		}
		since = o.deps.Button.Now()
	}
	o.holding = false

	otaAllowed := func() bool {
		return !o.rebooting && o.deps.WiFi.IsConnected() && !o.deps.OTA.Busy()
	}
	onOTA := func() {
		o.otaVisible = true
		o.deps.Display.ShowOTA(0, ota.StatusText(ota.PhaseChecking, ota.ErrorNone))
	}

	switch o.deps.Button.Classify(ctx, since, otaAllowed, onOTA) {
	case button.GestureReset:
		return o.factoryReset()
	case button.GestureOTA:
		o.checkForUpdate(ctx, true)
	case button.GestureShort:
		if o.State().Steady() && o.refresh.Allow() {
			o.nextPoll = time.Time{}
		}
	}
	return nil
}

// checkForUpdate asks the release feed for newer firmware and hands it to
// the updater. Manual checks bypass the update limiter.
func (o *Orchestrator) checkForUpdate(ctx context.Context, manual bool) {
	if o.rebooting || o.deps.OTA.Busy() {
		return
	}
	d, err := o.deps.API.CheckForUpdate(ctx, o.deps.FirmwareVersion)
	switch {
	case errors.Is(err, api.ErrNotFound):
		slog.Info("[Flow] firmware is up to date", "version", o.deps.FirmwareVersion, "manual", manual)
		o.restoreScreen()
	case err != nil:
		slog.Warn("[Flow] update check failed", "error", err, "manual", manual)
		o.restoreScreen()
	default:
		slog.Info("[Flow] update available", "current", o.deps.FirmwareVersion, "version", d.Version)
		if err := o.deps.OTA.Start(*d); err != nil {
			slog.Warn("[Flow] starting update failed", "error", err)
			o.restoreScreen()
		}
	}
}

// restoreScreen redraws the state screen after an OTA screen that led
// nowhere.
func (o *Orchestrator) restoreScreen() {
	if !o.otaVisible {
		return
	}
	o.otaVisible = false
	o.show(o.State())
}

// show enters s and draws it unless an update owns the screen.
func (o *Orchestrator) show(s AppState) {
	if prev := o.State(); prev != s {
		slog.Debug("[Flow] state", "from", prev, "to", s)
	}
	if !o.rebooting && !o.deps.OTA.Busy() {
		o.deps.Display.Show(s.screen(), o.Count())
	}
	o.state.Store(int32(s))
}

// sleep waits for d or ctx end.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
