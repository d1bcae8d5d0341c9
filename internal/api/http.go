package api

import (
	"net"
	"net/http"
	"time"
)

// Default request timeouts.
const (
	DefaultPollTimeout = 5 * time.Second
	defaultDialTimeout = 5 * time.Second
)

// NewTransport returns an http.Transport sized for a device that talks to
// a couple of hosts. TLS uses the system trust bundle.
func NewTransport(responseTimeout time.Duration) *http.Transport {
	if responseTimeout <= 0 {
		responseTimeout = DefaultPollTimeout
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   defaultDialTimeout,
		ResponseHeaderTimeout: responseTimeout,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient returns a client whose whole request is bounded by timeout.
// A zero timeout leaves the body unbounded; callers then enforce their own
// per-read deadline.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: NewTransport(timeout),
		Timeout:   timeout,
	}
}
