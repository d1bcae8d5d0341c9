// Package wifi supervises the station connection. The connected flag is
// driven only by asynchronous driver events; nothing polls the hardware.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTimeout      = errors.New("wifi: connect timed out")
	ErrDisconnected = errors.New("wifi: disconnected")
)

// Connect timeout bounds applied by NewSupervisor.
const (
	MinConnectTimeout = 5 * time.Second
	MaxConnectTimeout = 10 * time.Second
)

// ConnectionState is the supervisor's view of the link.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies a driver event.
type EventKind int

const (
	EventStarted EventKind = iota
	EventGotIP
	EventDisconnected
)

// Event is delivered by a Driver when the link changes.
type Event struct {
	Kind EventKind
	Addr string // set for EventGotIP when known
}

// Driver is the Wi-Fi hardware abstraction.
type Driver interface {
	// Start begins delivering events until ctx is done.
	Start(ctx context.Context, events chan<- Event) error
	// Associate asks the driver to join the network. It returns once the
	// request is accepted; the outcome arrives as an event.
	Associate(ctx context.Context, ssid, passphrase string) error
}

// Supervisor tracks connectivity from driver events.
type Supervisor struct {
	driver  Driver
	timeout time.Duration

	connected atomic.Bool
	state     atomic.Int32

	mu      sync.Mutex
	waiter  chan Event // set while a Connect is waiting
	started bool
}

// NewSupervisor returns a Supervisor whose connect timeout is clamped to
// [MinConnectTimeout, MaxConnectTimeout].
func NewSupervisor(d Driver, timeout time.Duration) *Supervisor {
	timeout = min(max(timeout, MinConnectTimeout), MaxConnectTimeout)
	return &Supervisor{driver: d, timeout: timeout}
}

// WithTimeout overrides the connect timeout without clamping.
func (s *Supervisor) WithTimeout(d time.Duration) *Supervisor {
	s.timeout = d
	return s
}

// Init starts the driver and the event pump. Calling it twice is a no-op.
func (s *Supervisor) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	events := make(chan Event, 16)
	if err := s.driver.Start(ctx, events); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("wifi: starting driver: %w", err)
	}
	go s.pump(ctx, events)
	return nil
}

func (s *Supervisor) pump(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Supervisor) handle(ev Event) {
	switch ev.Kind {
	case EventStarted:
		slog.Debug("[WiFi] station started")
	case EventGotIP:
		s.connected.Store(true)
		s.state.Store(int32(Connected))
		slog.Info("[WiFi] got IP", "addr", ev.Addr)
	case EventDisconnected:
		wasConnected := s.connected.Swap(false)
		s.state.Store(int32(Disconnected))
		if wasConnected {
			slog.Warn("[WiFi] disconnected")
		}
	}

	s.mu.Lock()
	w := s.waiter
	s.mu.Unlock()
	if w != nil {
		select {
		case w <- ev:
		default:
		}
	}
}

// Connect joins ssid and waits for an address. It returns true only after
// an address-assignment event, and false on timeout, disconnect, or ctx done.
func (s *Supervisor) Connect(ctx context.Context, ssid, passphrase string) bool {
	err := s.connect(ctx, ssid, passphrase)
	if err != nil {
		slog.Warn("[WiFi] connect failed", "ssid", ssid, "error", err)
		return false
	}
	return true
}

func (s *Supervisor) connect(ctx context.Context, ssid, passphrase string) error {
	if ssid == "" {
		return errors.New("wifi: empty ssid")
	}

	w := make(chan Event, 4)
	s.mu.Lock()
	s.waiter = w
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiter = nil
		s.mu.Unlock()
	}()

	s.state.Store(int32(Connecting))
	slog.Info("[WiFi] connecting", "ssid", ssid, "timeout", s.timeout)

	if err := s.driver.Associate(ctx, ssid, passphrase); err != nil {
		s.settle()
		return fmt.Errorf("wifi: associate: %w", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-w:
			switch ev.Kind {
			case EventGotIP:
				return nil
			case EventDisconnected:
				return ErrDisconnected
			}
		case <-timer.C:
			s.settle()
			return ErrTimeout
		case <-ctx.Done():
			s.settle()
			return ctx.Err()
		}
	}
}

// settle drops the Connecting state back to whatever the flag says.
func (s *Supervisor) settle() {
	if s.connected.Load() {
		s.state.Store(int32(Connected))
	} else {
		s.state.Store(int32(Disconnected))
	}
}

// IsConnected reports the latest event-driven link state. It never blocks.
func (s *Supervisor) IsConnected() bool {
	return s.connected.Load()
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}
