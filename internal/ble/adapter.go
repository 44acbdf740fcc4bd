// Package ble supervises the connection to one BLE sensor peripheral. It
// scans for the peripheral by name, connects, subscribes to the data
// characteristic and turns notifications into decoded samples, recovering
// from disconnects along the way.
package ble

import (
	"context"
	"errors"
)

// Default sensor UUIDs, as advertised by the ESP32 step sensor firmware.
const (
	DefaultDeviceName  = "ESP32_BLE"
	DefaultServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	DefaultCharUUID    = "beefcafe-36e1-4688-b7f5-00000000000b"
)

var (
	// ErrServiceNotFound is returned by DiscoverCharacteristic when the
	// peripheral does not expose the requested service.
	ErrServiceNotFound = errors.New("ble: service not found")
	// ErrCharacteristicNotFound is returned by DiscoverCharacteristic when
	// the service lacks the requested characteristic.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications.
	Unsubscribe() error
}

// Advertisement is one scan result.
type Advertisement struct {
	Name string
	ID   string // MAC address, or CoreBluetooth UUID on macOS
	RSSI int
}

// Peripheral identifies the device a session connected to.
type Peripheral struct {
	Name string
	ID   string
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	// Implementations wrap ErrServiceNotFound or ErrCharacteristicNotFound
	// when either is absent.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to onResult until it returns true, ctx
	// is cancelled, or the scan fails. A cancelled scan returns nil.
	Scan(ctx context.Context, onResult func(Advertisement) bool) error
	// Connect establishes a connection to the peripheral with the given ID.
	// On error the returned Connection is nil.
	Connect(ctx context.Context, id string) (Connection, error)
}
