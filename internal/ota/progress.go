package ota

import (
	"io"
	"time"
)

// Percent ranges reported for each phase.
const (
	DownloadMaxPercent = 70
	VerifyPercent      = 75
	InstallPercent     = 90
	DonePercent        = 100
)

// Progress throttling: a download notification is sent when the percentage
// moved by at least minStep or minGap passed since the last one.
const (
	minStep = 5
	minGap  = 2 * time.Second
)

// progressWriter counts bytes written through it and reports download
// progress scaled into [0, DownloadMaxPercent].
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64

	lastPct  int
	lastSent time.Time
	report   func(pct int)
	now      func() time.Time
}

func newProgressWriter(w io.Writer, total int64, report func(int)) *progressWriter {
	return &progressWriter{
		writer:   w,
		total:    total,
		report:   report,
		now:      time.Now,
		lastSent: time.Now(),
	}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)

	pct := pw.percent()
	if pct > pw.lastPct && (pct-pw.lastPct >= minStep || pw.now().Sub(pw.lastSent) >= minGap) {
		pw.lastPct = pct
		pw.lastSent = pw.now()
		pw.report(pct)
	}
	return n, err
}

// percent never exceeds DownloadMaxPercent, even if the size was unknown
// or understated.
func (pw *progressWriter) percent() int {
	if pw.total <= 0 {
		return 0
	}
	pct := int(pw.written * DownloadMaxPercent / pw.total)
	return min(pct, DownloadMaxPercent)
}

// deadlineReader cancels the request when a single Read takes longer than
// timeout. Each successful read pushes the deadline forward.
type deadlineReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.timer.Reset(d.timeout)
	}
	return n, err
}
