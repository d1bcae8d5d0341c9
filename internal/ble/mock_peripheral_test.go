package ble

import (
	"sync"
)

// mockPeripheral records calls and lets tests inject writes.
type mockPeripheral struct {
	mu           sync.Mutex
	enabled      int
	advertising  bool
	name         string
	disconnects  int
	onWrite      func([]byte)
	enableErr    error
	advertiseErr error
}

func (m *mockPeripheral) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enableErr != nil {
		return m.enableErr
	}
	m.enabled++
	return nil
}

func (m *mockPeripheral) StartAdvertising(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advertiseErr != nil {
		return m.advertiseErr
	}
	m.advertising = true
	m.name = name
	return nil
}

func (m *mockPeripheral) StopAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertising = false
	return nil
}

func (m *mockPeripheral) DisconnectPeer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

func (m *mockPeripheral) OnWrite(cb func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWrite = cb
}

// SimulateWrite delivers data as if a central wrote the characteristic.
func (m *mockPeripheral) SimulateWrite(data []byte) {
	m.mu.Lock()
	cb := m.onWrite
	m.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (m *mockPeripheral) isAdvertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

var _ Peripheral = (*mockPeripheral)(nil)
