// Package ble is the provisioning side of the device: it advertises as
// FIRMINIA-XXX, accepts the config JSON on a single writable characteristic,
// and commits it to the device config store.
package ble

// Provisioning GATT UUIDs. Both sit on the Bluetooth base UUID.
const (
	ServiceUUID    = "000000ff-0000-1000-8000-00805f9b34fb"
	ConfigCharUUID = "0000ff01-0000-1000-8000-00805f9b34fb"
)

// ConfigWriteMax is the largest single write the characteristic accepts.
// A longer write is dropped along with any partial payload.
const ConfigWriteMax = 256

// Peripheral abstracts the BLE peripheral stack for testing.
type Peripheral interface {
	// Enable powers on the adapter and registers the provisioning service.
	Enable() error
	// StartAdvertising advertises the service under name.
	StartAdvertising(name string) error
	// StopAdvertising stops advertising. Stopping when idle is not an error.
	StopAdvertising() error
	// DisconnectPeer drops the connected central, if any.
	DisconnectPeer() error
	// OnWrite registers the callback for writes to the config characteristic.
	// It is called from the stack's own goroutine.
	OnWrite(cb func(data []byte))
}
