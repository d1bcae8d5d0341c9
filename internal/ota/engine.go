// Package ota downloads a firmware image into the inactive slot, verifies
// it and hands the device over to it. At most one run exists at a time.
package ota

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/firminia/internal/api"
	"github.com/chaz8081/firminia/internal/platform"
)

// ErrAlreadyInProgress is returned by Start while a run is active.
var ErrAlreadyInProgress = errors.New("ota: update already in progress")

// errSlotWrite tags failures that came from the slot writer rather than
// the network.
var errSlotWrite = errors.New("ota: slot write failed")

// Engine defaults.
const (
	DefaultRecvTimeout = 2 * time.Minute
	DefaultRebootDelay = 2 * time.Second

	maxSidecarBytes = 4096
)

// Options configures an Engine.
type Options struct {
	// RecvTimeout bounds every single read of the image body.
	RecvTimeout time.Duration
	// RebootDelay is the grace period between Success and reboot.
	RebootDelay time.Duration
	// PublicKey verifies the detached signature. Without it the image is
	// checked against the published SHA-256 checksum.
	PublicKey  *rsa.PublicKey
	HTTPClient *http.Client
}

// Engine runs update attempts in the background.
type Engine struct {
	slots      platform.Slots
	opts       Options
	http       *http.Client
	onProgress func(Progress)
	reboot     func()

	mu      sync.Mutex
	busy    bool
	phase   Phase
	errKind ErrorKind
	percent int
	runID   string
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine returns an idle Engine. onProgress and reboot are called from
// the run's goroutine and must not call back into Cancel.
func NewEngine(slots platform.Slots, opts Options, onProgress func(Progress), reboot func()) *Engine {
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = DefaultRecvTimeout
	}
	if opts.RebootDelay < 0 {
		opts.RebootDelay = DefaultRebootDelay
	}
	hc := opts.HTTPClient
	if hc == nil {
		// No overall timeout: the body is bounded per read instead.
		hc = &http.Client{Transport: api.NewTransport(opts.RecvTimeout)}
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	if reboot == nil {
		reboot = func() {}
	}
	return &Engine{
		slots:      slots,
		opts:       opts,
		http:       hc,
		onProgress: onProgress,
		reboot:     reboot,
	}
}

// Start begins installing d in the background.
func (e *Engine) Start(d api.UpdateDescriptor) error {
	e.mu.Lock()
	if e.busy {
		active := e.runID
		e.mu.Unlock()
		slog.Warn("[OTA] update already in progress", "run_id", active)
		return ErrAlreadyInProgress
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.busy = true
	e.phase = PhaseDownloading
	e.errKind = ErrorNone
	e.percent = 0
	e.runID = newRunID()
	e.cancel = cancel
	e.done = make(chan struct{})
	runID, done := e.runID, e.done
	e.mu.Unlock()

	slog.Info("[OTA] starting update", "run_id", runID, "version", d.Version, "url", d.URL, "size", d.Size)
	go func() {
		defer close(done)
		defer cancel()
		e.run(ctx, runID, d)
	}()
	return nil
}

// Cancel stops the active run and waits for it to exit. A partially written
// image is discarded and the boot target is left untouched. A cancelled run
// sends no terminal notification.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	e.mu.Lock()
	if e.done == done {
		e.reset()
	}
	e.mu.Unlock()
	slog.Info("[OTA] update cancelled")
}

// Status returns the current phase, error kind and percentage.
func (e *Engine) Status() (Phase, ErrorKind, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase, e.errKind, e.percent
}

// Busy reports whether a run is active.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// reset returns to Idle. Caller holds mu.
func (e *Engine) reset() {
	e.busy = false
	e.phase = PhaseIdle
	e.errKind = ErrorNone
	e.percent = 0
	e.cancel = nil
}

func (e *Engine) run(ctx context.Context, runID string, d api.UpdateDescriptor) {
	e.notify(ctx, runID, PhaseDownloading, 0, ErrorNone)

	w, err := e.slots.OpenUpdate()
	if err != nil {
		slog.Error("[OTA] opening inactive slot failed", "run_id", runID, "error", err)
		e.fail(ctx, runID, WriteFailed)
		return
	}

	digest, kind := e.download(ctx, runID, d, w)
	if kind != ErrorNone {
		w.Abort() //nolint:errcheck // partial image is never booted
		e.fail(ctx, runID, kind)
		return
	}

	e.notify(ctx, runID, PhaseVerifying, VerifyPercent, ErrorNone)
	if kind := e.verify(ctx, runID, d, digest); kind != ErrorNone {
		w.Abort() //nolint:errcheck // partial image is never booted
		e.fail(ctx, runID, kind)
		return
	}

	if ctx.Err() != nil {
		w.Abort() //nolint:errcheck // cancelled before install
		return
	}
	e.notify(ctx, runID, PhaseInstalling, InstallPercent, ErrorNone)
	if err := w.Commit(d.Version); err != nil {
		slog.Error("[OTA] installing image failed", "run_id", runID, "error", err)
		e.fail(ctx, runID, WriteFailed)
		return
	}

	slog.Info("[OTA] update installed", "run_id", runID, "version", d.Version)
	e.notify(ctx, runID, PhaseSuccess, DonePercent, ErrorNone)

	select {
	case <-ctx.Done():
		slog.Info("[OTA] reboot cancelled, new image boots on next restart", "run_id", runID)
		return
	case <-time.After(e.opts.RebootDelay):
	}
	e.finish(runID)
	slog.Info("[OTA] rebooting into new firmware", "run_id", runID)
	e.reboot()
}

// download streams the image into w and returns its SHA-256 digest.
func (e *Engine) download(ctx context.Context, runID string, d api.UpdateDescriptor, w io.Writer) ([]byte, ErrorKind) {
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, d.URL, nil)
	if err != nil {
		slog.Error("[OTA] building download request failed", "run_id", runID, "error", err)
		return nil, DownloadFailed
	}
	resp, err := e.http.Do(req)
	if err != nil {
		slog.Error("[OTA] download request failed", "run_id", runID, "error", err)
		return nil, NetworkError
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("[OTA] download returned unexpected status", "run_id", runID, "status", resp.StatusCode)
		return nil, DownloadFailed
	}

	total := d.Size
	if total <= 0 {
		total = resp.ContentLength
	}

	timer := time.AfterFunc(e.opts.RecvTimeout, cancelReq)
	defer timer.Stop()

	var body io.Reader = &deadlineReader{r: resp.Body, timer: timer, timeout: e.opts.RecvTimeout}
	if d.Size > 0 {
		// One extra byte is enough to detect an oversized image.
		body = io.LimitReader(body, d.Size+1)
	}

	h := sha256.New()
	pw := newProgressWriter(io.MultiWriter(slotWriter{w}, h), total, func(pct int) {
		e.notify(ctx, runID, PhaseDownloading, pct, ErrorNone)
	})

	written, err := io.Copy(pw, body)
	switch {
	case errors.Is(err, errSlotWrite):
		slog.Error("[OTA] writing image failed", "run_id", runID, "error", err)
		return nil, WriteFailed
	case err != nil:
		slog.Error("[OTA] download interrupted", "run_id", runID, "written", written, "error", err)
		return nil, NetworkError
	case d.Size > 0 && written != d.Size:
		slog.Error("[OTA] image size mismatch", "run_id", runID, "want", d.Size, "got", written)
		return nil, DownloadFailed
	case written == 0:
		slog.Error("[OTA] empty image", "run_id", runID)
		return nil, DownloadFailed
	}

	slog.Info("[OTA] image downloaded", "run_id", runID, "bytes", written)
	e.notify(ctx, runID, PhaseDownloading, DownloadMaxPercent, ErrorNone)
	return h.Sum(nil), ErrorNone
}

// verify checks the image digest against the detached signature, or
// against the published checksum when no key is configured. An image with
// neither is rejected.
func (e *Engine) verify(ctx context.Context, runID string, d api.UpdateDescriptor, digest []byte) ErrorKind {
	switch {
	case e.opts.PublicKey != nil:
		if d.SignatureURL == "" {
			slog.Error("[OTA] release has no signature", "run_id", runID)
			return SignatureInvalid
		}
		sig, kind := e.fetchSidecar(ctx, runID, d.SignatureURL)
		if kind != ErrorNone {
			return kind
		}
		if err := rsa.VerifyPKCS1v15(e.opts.PublicKey, crypto.SHA256, digest, sig); err != nil {
			slog.Error("[OTA] signature verification failed", "run_id", runID, "error", err)
			return SignatureInvalid
		}
		slog.Info("[OTA] signature verified", "run_id", runID)
		return ErrorNone

	case d.ChecksumURL != "":
		raw, kind := e.fetchSidecar(ctx, runID, d.ChecksumURL)
		if kind != ErrorNone {
			return kind
		}
		want, err := parseChecksum(raw)
		if err != nil {
			slog.Error("[OTA] unusable checksum file", "run_id", runID, "error", err)
			return SignatureInvalid
		}
		if subtle.ConstantTimeCompare(want, digest) != 1 {
			slog.Error("[OTA] checksum mismatch", "run_id", runID,
				"want", hex.EncodeToString(want), "got", hex.EncodeToString(digest))
			return SignatureInvalid
		}
		slog.Info("[OTA] checksum verified", "run_id", runID)
		return ErrorNone

	default:
		slog.Error("[OTA] no signature key or checksum available, refusing image", "run_id", runID)
		return SignatureInvalid
	}
}

// fetchSidecar downloads a small signature or checksum file.
func (e *Engine) fetchSidecar(ctx context.Context, runID, url string) ([]byte, ErrorKind) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RecvTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, SignatureInvalid
	}
	resp, err := e.http.Do(req)
	if err != nil {
		slog.Error("[OTA] fetching verification file failed", "run_id", runID, "url", url, "error", err)
		return nil, NetworkError
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("[OTA] verification file unavailable", "run_id", runID, "url", url, "status", resp.StatusCode)
		return nil, SignatureInvalid
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSidecarBytes))
	if err != nil {
		return nil, NetworkError
	}
	return data, ErrorNone
}

// parseChecksum accepts "hex" or sha256sum's "hex  filename".
func parseChecksum(raw []byte) ([]byte, error) {
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return nil, errors.New("empty checksum")
	}
	sum, err := hex.DecodeString(fields[0])
	if err != nil {
		return nil, fmt.Errorf("decoding checksum: %w", err)
	}
	if len(sum) != sha256.Size {
		return nil, fmt.Errorf("checksum has %d bytes, want %d", len(sum), sha256.Size)
	}
	return sum, nil
}

// notify records the new status and reports it unless the run was
// cancelled.
func (e *Engine) notify(ctx context.Context, runID string, phase Phase, pct int, kind ErrorKind) {
	if ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	if e.runID != runID {
		e.mu.Unlock()
		return
	}
	e.phase = phase
	e.errKind = kind
	if pct > e.percent {
		e.percent = pct
	}
	p := Progress{RunID: runID, Percent: e.percent, Phase: phase, Err: kind}
	e.mu.Unlock()

	slog.Debug("[OTA] progress", "run_id", runID, "phase", phase, "percent", p.Percent)
	e.onProgress(p)
}

// fail sends the Error notification once and returns to Idle.
func (e *Engine) fail(ctx context.Context, runID string, kind ErrorKind) {
	slog.Error("[OTA] update failed", "run_id", runID, "kind", kind)
	e.notify(ctx, runID, PhaseError, 0, kind)
	e.finish(runID)
}

func (e *Engine) finish(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runID == runID && e.busy {
		e.reset()
	}
}

// slotWriter marks write errors so they are not mistaken for read errors.
type slotWriter struct{ w io.Writer }

func (s slotWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %w", errSlotWrite, err)
	}
	return n, nil
}

func newRunID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
