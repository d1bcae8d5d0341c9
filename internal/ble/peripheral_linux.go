//go:build linux

package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoPeripheral serves the provisioning service with tinygo-org/bluetooth
// on BlueZ.
type TinyGoPeripheral struct {
	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement

	// mu protects the fields below.
	mu          sync.Mutex
	onWrite     func([]byte)
	peer        *bluetooth.Device
	advertising bool
	configChar  bluetooth.Characteristic
}

// NewTinyGoPeripheral creates a peripheral on the default adapter.
func NewTinyGoPeripheral() (*TinyGoPeripheral, error) {
	return &TinyGoPeripheral{adapter: bluetooth.DefaultAdapter}, nil
}

func (p *TinyGoPeripheral) Enable() error {
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if connected {
			d := device
			p.peer = &d
			slog.Info("[BLE] central connected", "addr", device.Address.String())
			return
		}
		p.peer = nil
		slog.Info("[BLE] central disconnected", "addr", device.Address.String())
	})

	svcUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charUUID, err := bluetooth.ParseUUID(ConfigCharUUID)
	if err != nil {
		return fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	err = p.adapter.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{{
			Handle: &p.configChar,
			UUID:   charUUID,
			Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
			WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
				buf := make([]byte, len(value))
				copy(buf, value)

				p.mu.Lock()
				cb := p.onWrite
				p.mu.Unlock()
				if cb != nil {
					cb(buf)
				}
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("ble: add service: %w", err)
	}

	p.adv = p.adapter.DefaultAdvertisement()
	return nil
}

func (p *TinyGoPeripheral) StartAdvertising(name string) error {
	if p.adv == nil {
		return errors.New("ble: adapter not enabled")
	}
	svcUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	if err := p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := p.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}

	p.mu.Lock()
	p.advertising = true
	p.mu.Unlock()
	return nil
}

func (p *TinyGoPeripheral) StopAdvertising() error {
	p.mu.Lock()
	was := p.advertising
	p.advertising = false
	p.mu.Unlock()

	if !was || p.adv == nil {
		return nil
	}
	if err := p.adv.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

func (p *TinyGoPeripheral) DisconnectPeer() error {
	p.mu.Lock()
	peer := p.peer
	p.peer = nil
	p.mu.Unlock()

	if peer == nil {
		return nil
	}
	if err := peer.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", peer.Address.String(), err)
	}
	return nil
}

func (p *TinyGoPeripheral) OnWrite(cb func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = cb
}

// Compile-time check that TinyGoPeripheral implements Peripheral.
var _ Peripheral = (*TinyGoPeripheral)(nil)
