package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/chaz8081/firminia/internal/devconfig"
)

// WriteQueueSize bounds the writes waiting for the orchestrator.
const WriteQueueSize = 16

// Provisioner receives device config over BLE. Writes arrive on the
// stack's goroutine and are queued on Writes; the orchestrator drains the
// queue and calls HandleWrite, so every config mutation happens on its
// goroutine.
type Provisioner struct {
	periph Peripheral
	store  *devconfig.Store
	asm    *Assembler
	name   string

	writes chan []byte

	mu          sync.Mutex
	callback    func(raw []byte)
	enabled     bool
	advertising bool
}

// NewProvisioner wires p to store. The advertised name is
// "<prefix>-NNN" with a random three-digit suffix.
func NewProvisioner(p Peripheral, store *devconfig.Store, namePrefix string) *Provisioner {
	prov := &Provisioner{
		periph: p,
		store:  store,
		asm:    NewAssembler(AssemblyMax),
		name:   fmt.Sprintf("%s-%03d", namePrefix, rand.IntN(1000)),
		writes: make(chan []byte, WriteQueueSize),
	}
	p.OnWrite(prov.enqueue)
	return prov
}

// DeviceName returns the advertised name.
func (p *Provisioner) DeviceName() string {
	return p.name
}

// enqueue is the platform write callback. It never blocks the stack.
func (p *Provisioner) enqueue(data []byte) {
	select {
	case p.writes <- data:
	default:
		slog.Warn("[BLE] write queue full, dropping fragment", "len", len(data))
	}
}

// Writes returns the queue of raw characteristic writes.
func (p *Provisioner) Writes() <-chan []byte {
	return p.writes
}

// SetConfigCallback registers fn to run with the raw payload after a commit.
func (p *Provisioner) SetConfigCallback(fn func(raw []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = fn
}

// StartAdvertising enables the stack on first use and starts advertising.
func (p *Provisioner) StartAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		if err := p.periph.Enable(); err != nil {
			return err
		}
		p.enabled = true
	}
	if p.advertising {
		return nil
	}
	if err := p.periph.StartAdvertising(p.name); err != nil {
		return err
	}
	p.advertising = true
	p.asm.Reset()
	slog.Info("[BLE] advertising", "name", p.name)
	return nil
}

// StopAdvertising stops advertising and drops any partial payload.
func (p *Provisioner) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.advertising {
		return nil
	}
	p.advertising = false
	p.asm.Reset()
	if err := p.periph.StopAdvertising(); err != nil {
		return err
	}
	slog.Info("[BLE] advertising stopped")
	return nil
}

// DisconnectActiveClient drops the connected central, if any.
func (p *Provisioner) DisconnectActiveClient() error {
	return p.periph.DisconnectPeer()
}

// HandleWrite feeds one write through assemble, parse, validate and commit.
// It returns the committed config and true only when the store was updated.
// Any failure leaves the stored config untouched.
func (p *Provisioner) HandleWrite(data []byte) (devconfig.Config, bool) {
	if len(data) > ConfigWriteMax {
		p.asm.Reset()
		slog.Warn("[BLE] discarding payload", "error", ErrOverflow, "write_len", len(data), "max", ConfigWriteMax)
		return devconfig.Config{}, false
	}
	candidate, complete, err := p.asm.Feed(data)
	if err != nil {
		slog.Warn("[BLE] discarding payload", "error", err)
		return devconfig.Config{}, false
	}
	if !complete {
		slog.Debug("[BLE] fragment buffered", "buffered", p.asm.Len())
		return devconfig.Config{}, false
	}

	cfg, err := devconfig.ParsePayload(candidate)
	if err != nil {
		var fe *devconfig.FieldError
		if errors.As(err, &fe) {
			slog.Warn("[BLE] config rejected", "field", fe.Field, "reason", fe.Reason)
		} else {
			slog.Warn("[BLE] config payload is not valid JSON", "error", err, "len", len(candidate))
		}
		return devconfig.Config{}, false
	}

	if err := p.store.Save(cfg); err != nil {
		slog.Error("[BLE] saving config failed", "error", err)
		return devconfig.Config{}, false
	}
	cfg = cfg.Truncate()
	slog.Info("[BLE] config updated", "config", cfg)

	p.mu.Lock()
	cb := p.callback
	p.mu.Unlock()
	if cb != nil {
		cb(candidate)
	}
	return cfg, true
}
