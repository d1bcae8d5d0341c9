package ota

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/firminia/internal/api"
	"github.com/chaz8081/firminia/internal/platform"
)

// recorder collects progress notifications.
type recorder struct {
	mu       sync.Mutex
	events   []Progress
	terminal chan Progress
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan Progress, 4)}
}

func (r *recorder) on(p Progress) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
	if p.Phase.Terminal() {
		r.terminal <- p
	}
}

func (r *recorder) snapshot() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.events...)
}

func (r *recorder) waitTerminal(t *testing.T) Progress {
	t.Helper()
	select {
	case p := <-r.terminal:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal notification")
		return Progress{}
	}
}

func testImage() []byte {
	img := make([]byte, 64*1024)
	for i := range img {
		img[i] = byte(i * 7)
	}
	return img
}

func checksumLine(img []byte) string {
	sum := sha256.Sum256(img)
	return hex.EncodeToString(sum[:]) + "  firminia.bin\n"
}

// releaseServer serves the image plus whichever sidecar files are given.
func releaseServer(t *testing.T, img []byte, files map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/firminia.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(img)))
		w.Write(img) //nolint:errcheck
	})
	for name, body := range files {
		mux.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
			w.Write(body) //nolint:errcheck
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func descriptor(srv *httptest.Server, size int) api.UpdateDescriptor {
	return api.UpdateDescriptor{
		Version:      "3.7.0",
		URL:          srv.URL + "/firminia.bin",
		SignatureURL: srv.URL + "/firminia.bin.sig",
		ChecksumURL:  srv.URL + "/firminia.bin.sha256",
		Size:         int64(size),
	}
}

func openSlots(t *testing.T) (*platform.FileSlots, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := platform.OpenFileSlots(dir)
	require.NoError(t, err)
	return s, dir
}

func nextBoot(t *testing.T, dir string) platform.Health {
	t.Helper()
	s, err := platform.OpenFileSlots(dir)
	require.NoError(t, err)
	h, err := s.Health()
	require.NoError(t, err)
	return h
}

func TestEngine_SuccessWithChecksum(t *testing.T) {
	img := testImage()
	srv := releaseServer(t, img, map[string][]byte{"firminia.bin.sha256": []byte(checksumLine(img))})
	slots, dir := openSlots(t)

	rec := newRecorder()
	rebooted := make(chan struct{}, 1)
	e := NewEngine(slots, Options{RebootDelay: 0}, rec.on, func() { rebooted <- struct{}{} })

	require.NoError(t, e.Start(descriptor(srv, len(img))))
	final := rec.waitTerminal(t)
	assert.Equal(t, PhaseSuccess, final.Phase)
	assert.Equal(t, DonePercent, final.Percent)
	assert.NotEmpty(t, final.RunID)

	select {
	case <-rebooted:
	case <-time.After(2 * time.Second):
		t.Fatal("reboot was not requested")
	}
	assert.Eventually(t, func() bool { return !e.Busy() }, time.Second, 10*time.Millisecond)

	events := rec.snapshot()
	last := -1
	var phases []Phase
	terminals := 0
	for _, p := range events {
		assert.GreaterOrEqual(t, p.Percent, last, "percent must not decrease")
		last = p.Percent
		if p.Phase == PhaseDownloading {
			assert.LessOrEqual(t, p.Percent, DownloadMaxPercent)
		}
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
		if p.Phase.Terminal() {
			terminals++
		}
		assert.Equal(t, final.RunID, p.RunID)
	}
	assert.Equal(t, []Phase{PhaseDownloading, PhaseVerifying, PhaseInstalling, PhaseSuccess}, phases)
	assert.Equal(t, 1, terminals)

	h := nextBoot(t, dir)
	assert.Equal(t, platform.SlotB, h.Slot)
	assert.Equal(t, platform.SlotPendingVerify, h.State)
	assert.Equal(t, "3.7.0", h.Version)
	got, err := os.ReadFile(filepath.Join(dir, "slot_b.bin"))
	require.NoError(t, err)
	assert.Equal(t, img, got)
}

func TestEngine_Signature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	img := testImage()
	digest := sha256.Sum256(img)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		srv := releaseServer(t, img, map[string][]byte{"firminia.bin.sig": sig})
		slots, dir := openSlots(t)
		rec := newRecorder()
		e := NewEngine(slots, Options{PublicKey: &key.PublicKey}, rec.on, nil)

		require.NoError(t, e.Start(descriptor(srv, len(img))))
		assert.Equal(t, PhaseSuccess, rec.waitTerminal(t).Phase)
		assert.Eventually(t, func() bool { return !e.Busy() }, time.Second, 10*time.Millisecond)
		assert.Equal(t, platform.SlotB, nextBoot(t, dir).Slot)
	})

	t.Run("tampered image", func(t *testing.T) {
		bad := append([]byte(nil), img...)
		bad[100] ^= 0xff
		srv := releaseServer(t, bad, map[string][]byte{"firminia.bin.sig": sig})
		slots, dir := openSlots(t)
		rec := newRecorder()
		rebooted := false
		e := NewEngine(slots, Options{PublicKey: &key.PublicKey}, rec.on, func() { rebooted = true })

		require.NoError(t, e.Start(descriptor(srv, len(bad))))
		final := rec.waitTerminal(t)
		assert.Equal(t, PhaseError, final.Phase)
		assert.Equal(t, SignatureInvalid, final.Err)
		assert.Eventually(t, func() bool { return !e.Busy() }, time.Second, 10*time.Millisecond)
		assert.False(t, rebooted)
		assert.Equal(t, platform.SlotA, nextBoot(t, dir).Slot)
	})

	t.Run("signature missing", func(t *testing.T) {
		srv := releaseServer(t, img, nil)
		slots, _ := openSlots(t)
		rec := newRecorder()
		e := NewEngine(slots, Options{PublicKey: &key.PublicKey}, rec.on, nil)

		require.NoError(t, e.Start(descriptor(srv, len(img))))
		assert.Equal(t, SignatureInvalid, rec.waitTerminal(t).Err)
	})
}

func TestEngine_Failures(t *testing.T) {
	img := testImage()
	goodSum := []byte(checksumLine(img))

	tests := []struct {
		name     string
		files    map[string][]byte
		mutate   func(d *api.UpdateDescriptor)
		wantKind ErrorKind
	}{
		{
			name:     "no verification material",
			files:    nil,
			mutate:   func(d *api.UpdateDescriptor) { d.ChecksumURL = "" },
			wantKind: SignatureInvalid,
		},
		{
			name:     "checksum mismatch",
			files:    map[string][]byte{"firminia.bin.sha256": []byte(checksumLine([]byte("other")))},
			wantKind: SignatureInvalid,
		},
		{
			name:     "checksum garbage",
			files:    map[string][]byte{"firminia.bin.sha256": []byte("not-hex")},
			wantKind: SignatureInvalid,
		},
		{
			name:     "image not found",
			files:    map[string][]byte{"firminia.bin.sha256": goodSum},
			mutate:   func(d *api.UpdateDescriptor) { d.URL += ".missing" },
			wantKind: DownloadFailed,
		},
		{
			name:     "size smaller than advertised",
			files:    map[string][]byte{"firminia.bin.sha256": goodSum},
			mutate:   func(d *api.UpdateDescriptor) { d.Size += 10 },
			wantKind: DownloadFailed,
		},
		{
			name:     "size larger than advertised",
			files:    map[string][]byte{"firminia.bin.sha256": goodSum},
			mutate:   func(d *api.UpdateDescriptor) { d.Size -= 10 },
			wantKind: DownloadFailed,
		},
		{
			name:     "host unreachable",
			mutate:   func(d *api.UpdateDescriptor) { d.URL = "http://127.0.0.1:1/firminia.bin" },
			wantKind: NetworkError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := releaseServer(t, img, tt.files)
			slots, dir := openSlots(t)
			rec := newRecorder()
			rebooted := false
			e := NewEngine(slots, Options{}, rec.on, func() { rebooted = true })

			d := descriptor(srv, len(img))
			if tt.mutate != nil {
				tt.mutate(&d)
			}
			require.NoError(t, e.Start(d))

			final := rec.waitTerminal(t)
			assert.Equal(t, PhaseError, final.Phase)
			assert.Equal(t, tt.wantKind, final.Err)
			assert.Eventually(t, func() bool {
				phase, _, _ := e.Status()
				return !e.Busy() && phase == PhaseIdle
			}, time.Second, 10*time.Millisecond)
			assert.False(t, rebooted)
			assert.Equal(t, platform.SlotA, nextBoot(t, dir).Slot, "failed update must not change boot target")
		})
	}
}

func TestEngine_AlreadyInProgress(t *testing.T) {
	img := testImage()
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/firminia.bin", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Write(img) //nolint:errcheck
	})
	mux.HandleFunc("/firminia.bin.sha256", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, checksumLine(img))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	slots, _ := openSlots(t)
	rec := newRecorder()
	e := NewEngine(slots, Options{}, rec.on, nil)

	d := descriptor(srv, len(img))
	require.NoError(t, e.Start(d))
	first := rec.snapshot()

	err := e.Start(d)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
	assert.True(t, e.Busy())

	close(release)
	final := rec.waitTerminal(t)
	assert.Equal(t, PhaseSuccess, final.Phase)
	if len(first) > 0 {
		assert.Equal(t, first[0].RunID, final.RunID, "second start must not replace the run")
	}
	assert.Eventually(t, func() bool { return !e.Busy() }, time.Second, 10*time.Millisecond)
	assert.NoError(t, e.Start(d), "idle engine accepts a new run")
	rec.waitTerminal(t)
}

func TestEngine_Cancel(t *testing.T) {
	img := testImage()
	mux := http.NewServeMux()
	mux.HandleFunc("/firminia.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(img)))
		w.Write(img[:len(img)/2]) //nolint:errcheck
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	slots, dir := openSlots(t)
	rec := newRecorder()
	e := NewEngine(slots, Options{}, rec.on, nil)
	require.NoError(t, e.Start(descriptor(srv, len(img))))

	assert.Eventually(t, func() bool {
		_, _, pct := e.Status()
		return pct > 0
	}, 2*time.Second, 10*time.Millisecond)

	e.Cancel()
	assert.False(t, e.Busy())
	phase, kind, pct := e.Status()
	assert.Equal(t, PhaseIdle, phase)
	assert.Equal(t, ErrorNone, kind)
	assert.Zero(t, pct)

	for _, p := range rec.snapshot() {
		assert.False(t, p.Phase.Terminal(), "cancelled run must not report %s", p.Phase)
	}
	_, err := os.Stat(filepath.Join(dir, "slot_b.bin.tmp"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "partial image should be removed")
	assert.Equal(t, platform.SlotA, nextBoot(t, dir).Slot)
}

func TestEngine_CancelWhenIdle(t *testing.T) {
	slots, _ := openSlots(t)
	e := NewEngine(slots, Options{}, nil, nil)
	e.Cancel()
	assert.False(t, e.Busy())
}

func TestEngine_ReceiveTimeout(t *testing.T) {
	img := testImage()
	mux := http.NewServeMux()
	mux.HandleFunc("/firminia.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(img)))
		w.Write(img[:1024]) //nolint:errcheck
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	slots, _ := openSlots(t)
	rec := newRecorder()
	e := NewEngine(slots, Options{RecvTimeout: 100 * time.Millisecond}, rec.on, nil)
	require.NoError(t, e.Start(descriptor(srv, len(img))))

	final := rec.waitTerminal(t)
	assert.Equal(t, PhaseError, final.Phase)
	assert.Equal(t, NetworkError, final.Err)
}

type failingSlots struct {
	platform.Slots
}

func (failingSlots) OpenUpdate() (platform.UpdateWriter, error) {
	return &failingWriter{}, nil
}

type failingWriter struct{ aborted bool }

func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("flash write error") }
func (w *failingWriter) Commit(string) error       { return nil }
func (w *failingWriter) Abort() error              { w.aborted = true; return nil }

func TestEngine_WriteFailed(t *testing.T) {
	img := testImage()
	srv := releaseServer(t, img, nil)
	rec := newRecorder()
	e := NewEngine(failingSlots{}, Options{}, rec.on, nil)

	require.NoError(t, e.Start(descriptor(srv, len(img))))
	final := rec.waitTerminal(t)
	assert.Equal(t, PhaseError, final.Phase)
	assert.Equal(t, WriteFailed, final.Err)
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		phase Phase
		kind  ErrorKind
		want  string
	}{
		{PhaseChecking, ErrorNone, "Checking..."},
		{PhaseDownloading, ErrorNone, "Downloading..."},
		{PhaseVerifying, ErrorNone, "Verifying..."},
		{PhaseInstalling, ErrorNone, "Installing..."},
		{PhaseSuccess, ErrorNone, "Complete!"},
		{PhaseError, NetworkError, "Network Error"},
		{PhaseError, DownloadFailed, "Download Failed"},
		{PhaseError, SignatureInvalid, "Invalid Signature"},
		{PhaseError, WriteFailed, "Update Error"},
		{PhaseIdle, ErrorNone, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusText(tt.phase, tt.kind), "%s/%s", tt.phase, tt.kind)
	}
}

func TestProgressWriter_Throttles(t *testing.T) {
	now := time.Unix(0, 0)
	var reported []int
	pw := newProgressWriter(discard{}, 1000, func(p int) { reported = append(reported, p) })
	pw.now = func() time.Time { return now }
	pw.lastSent = now

	pw.Write(make([]byte, 10)) //nolint:errcheck // 0%
	pw.Write(make([]byte, 40)) //nolint:errcheck // 3%, below step
	pw.Write(make([]byte, 30)) //nolint:errcheck // 5%
	now = now.Add(3 * time.Second)
	pw.Write(make([]byte, 20))  //nolint:errcheck // 7%, gap elapsed
	pw.Write(make([]byte, 900)) //nolint:errcheck // capped at 70%

	assert.Equal(t, []int{5, 7, 70}, reported)
}

func TestProgressWriter_UnknownTotal(t *testing.T) {
	var reported []int
	pw := newProgressWriter(discard{}, 0, func(p int) { reported = append(reported, p) })
	pw.Write(make([]byte, 4096)) //nolint:errcheck
	assert.Empty(t, reported)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestParseChecksum(t *testing.T) {
	sum := sha256.Sum256([]byte("x"))
	line := hex.EncodeToString(sum[:])

	got, err := parseChecksum([]byte(line + "  firminia.bin\n"))
	require.NoError(t, err)
	assert.Equal(t, sum[:], got)

	_, err = parseChecksum([]byte(""))
	assert.Error(t, err)
	_, err = parseChecksum([]byte("abcd"))
	assert.Error(t, err)
}
