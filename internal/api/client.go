// Package api talks to the signing service and to the public release feed.
// Every outcome is reduced to a small closed set the orchestrator can act on.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/chaz8081/firminia/internal/devconfig"
)

var (
	// ErrNotFound means there is no newer release to install.
	ErrNotFound = errors.New("api: no update available")
	// ErrTransport covers network, TLS and non-2xx outcomes.
	ErrTransport = errors.New("api: transport error")
	// ErrMalformedResponse means the body could not be used.
	ErrMalformedResponse = errors.New("api: malformed response")
)

// ErrorKind classifies a failed poll.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorTransport
	ErrorMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorTransport:
		return "transport"
	case ErrorMalformedResponse:
		return "malformed_response"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// PollResult is either a pending count or an error kind.
type PollResult struct {
	Count int
	Err   ErrorKind
}

// Ok reports whether the poll produced a count.
func (r PollResult) Ok() bool { return r.Err == ErrorNone }

// UpdateDescriptor describes one installable release.
type UpdateDescriptor struct {
	Version      string
	URL          string
	SignatureURL string
	ChecksumURL  string
	Size         int64
}

// Release feed defaults.
const (
	DefaultFeedBaseURL = "https://api.github.com"
	feedAccept         = "application/vnd.github.v3+json"
	maxBodyBytes       = 1 << 20
)

// Options configures a Client.
type Options struct {
	FeedBaseURL string // defaults to DefaultFeedBaseURL
	Owner       string
	Repo        string
	Asset       string // substring the firmware asset name must contain
	PollTimeout time.Duration
	HTTPClient  *http.Client
}

// Client performs the pending-count poll and the update check.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*UpdateDescriptor]
}

// NewClient returns a Client. Zero options fall back to defaults.
func NewClient(opts Options) *Client {
	if opts.FeedBaseURL == "" {
		opts.FeedBaseURL = DefaultFeedBaseURL
	}
	opts.FeedBaseURL = strings.TrimRight(opts.FeedBaseURL, "/")
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = NewHTTPClient(opts.PollTimeout)
	}

	cb := gobreaker.NewCircuitBreaker[*UpdateDescriptor](gobreaker.Settings{
		Name:        "release-feed",
		MaxRequests: 1,
		Interval:    time.Hour,
		Timeout:     10 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("[API] circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// "No update" is a healthy answer from the feed.
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})

	return &Client{opts: opts, http: hc, breaker: cb}
}

// CheckPendingCount asks the signing service how many items wait for the
// configured user. Only HTTP 200 with a non-negative integer field yields a
// count.
func (c *Client) CheckPendingCount(ctx context.Context, cfg devconfig.Config) PollResult {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		slog.Error("[API] building request failed", "error", err)
		return PollResult{Err: ErrorTransport}
	}
	req.Header.Set("X-SignToken", cfg.Token)
	req.Header.Set("X-SignUser", cfg.User)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("[API] request failed", "error", err)
		return PollResult{Err: ErrorTransport}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("[API] unexpected status", "status", resp.StatusCode)
		return PollResult{Err: ErrorTransport}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("[API] reading body failed", "error", err)
		return PollResult{Err: ErrorTransport}
	}

	n, err := parseCount(body)
	if err != nil {
		slog.Warn("[API] unusable response", "error", err)
		return PollResult{Err: ErrorMalformedResponse}
	}
	slog.Info("[API] pending items", "count", n)
	return PollResult{Count: n}
}

// parseCount extracts totalElements, falling back to pending.
func parseCount(body []byte) (int, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	raw, ok := fields["totalElements"]
	if !ok {
		raw, ok = fields["pending"]
	}
	if !ok {
		return 0, fmt.Errorf("%w: count field absent", ErrMalformedResponse)
	}

	// json.Number would also accept a quoted number.
	if len(raw) > 0 && raw[0] == '"' {
		return 0, fmt.Errorf("%w: count is a string", ErrMalformedResponse)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: count is not a number", ErrMalformedResponse)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: count %s is not an integer", ErrMalformedResponse, n)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative count %d", ErrMalformedResponse, v)
	}
	return int(v), nil
}

type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	Size        int64  `json:"size"`
}

// CheckForUpdate queries the latest release and returns it when it is newer
// than current and carries a firmware asset. "No newer release", "no
// matching asset" and a 404 from the feed all return ErrNotFound.
func (c *Client) CheckForUpdate(ctx context.Context, current string) (*UpdateDescriptor, error) {
	d, err := c.breaker.Execute(func() (*UpdateDescriptor, error) {
		return c.checkForUpdate(ctx, current)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: release feed circuit open: %v", ErrTransport, err)
	}
	return d, err
}

func (c *Client) checkForUpdate(ctx context.Context, current string) (*UpdateDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PollTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.opts.FeedBaseURL, c.opts.Owner, c.opts.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", feedAccept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: release feed returned HTTP %d", ErrTransport, resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&rel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if rel.TagName == "" {
		return nil, fmt.Errorf("%w: release has no tag", ErrMalformedResponse)
	}

	if CompareVersions(rel.TagName, current) <= 0 {
		slog.Info("[API] firmware is up to date", "current", current, "latest", rel.TagName)
		return nil, ErrNotFound
	}

	fw, ok := c.findAsset(rel.Assets)
	if !ok {
		slog.Warn("[API] release has no firmware asset", "tag", rel.TagName, "asset", c.opts.Asset)
		return nil, ErrNotFound
	}

	d := &UpdateDescriptor{
		Version:      strings.TrimPrefix(rel.TagName, "v"),
		URL:          fw.DownloadURL,
		SignatureURL: fw.DownloadURL + ".sig",
		Size:         fw.Size,
	}
	for _, a := range rel.Assets {
		if a.Name == fw.Name+".sha256" {
			d.ChecksumURL = a.DownloadURL
		}
	}
	slog.Info("[API] update available", "current", current, "version", d.Version, "size", d.Size)
	return d, nil
}

// findAsset picks the first asset whose name contains the firmware name,
// skipping detached signature and checksum files.
func (c *Client) findAsset(assets []asset) (asset, bool) {
	for _, a := range assets {
		if strings.HasSuffix(a.Name, ".sig") || strings.HasSuffix(a.Name, ".sha256") {
			continue
		}
		if strings.Contains(a.Name, c.opts.Asset) {
			return a, true
		}
	}
	return asset{}, false
}
