//go:build !linux

package ble

import (
	"errors"
	"runtime"
)

// TinyGoPeripheral is only available on Linux (BlueZ). Elsewhere the
// tinygo-org/bluetooth stack has no GATT server.
type TinyGoPeripheral struct{}

// NewTinyGoPeripheral reports that the platform cannot act as a peripheral.
func NewTinyGoPeripheral() (*TinyGoPeripheral, error) {
	return nil, errors.New("ble: peripheral mode is not supported on " + runtime.GOOS)
}

func (p *TinyGoPeripheral) Enable() error { return errors.ErrUnsupported }
func (p *TinyGoPeripheral) StartAdvertising(string) error { return errors.ErrUnsupported }
func (p *TinyGoPeripheral) StopAdvertising() error { return nil }
func (p *TinyGoPeripheral) DisconnectPeer() error { return nil }
func (p *TinyGoPeripheral) OnWrite(func([]byte)) {}

var _ Peripheral = (*TinyGoPeripheral)(nil)
