// Package ble implements a BLE central engine: adapter gating, scanning,
// per-device connection supervision with retry, serialized GATT operations
// and notification routing. The radio itself is reached through the Adapter
// and Link interfaces so the engine can run against tinygo bluetooth or a mock.
package ble

import (
	"context"
	"time"
)

// Advertisement is a single sighting reported by the radio during a scan.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
	Payload []byte
	// Services lists the advertised service UUIDs the transport could confirm.
	Services []string
}

// Link represents an established transport connection to a peripheral.
// Every call may block for a full radio round-trip. The engine queues GATT
// calls one at a time, but a call abandoned after its timeout may still be
// running when the next one starts.
type Link interface {
	// Read returns the current value of a characteristic.
	Read(serviceUUID, charUUID string) ([]byte, error)
	// Write sends one transmission unit to a characteristic.
	Write(serviceUUID, charUUID string, data []byte) error
	// Subscribe enables notifications (or indications) on a characteristic.
	// Some stacks choose notify or indicate from the characteristic's
	// properties and ignore indicate, so whether deliveries are acknowledged
	// depends on the OS stack behind the transport.
	Subscribe(serviceUUID, charUUID string, indicate bool, callback func(data []byte)) error
	// Unsubscribe disables notifications or indications on a characteristic.
	Unsubscribe(serviceUUID, charUUID string) error
	// RequestMTU asks for an MTU and returns the negotiated value.
	RequestMTU(mtu int) (int, error)
	// ReadRSSI returns the signal strength of the live link.
	ReadRSSI() (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Supported reports whether the host has a usable BLE radio.
	Supported() bool
	// Enable powers on the BLE adapter.
	Enable() error
	// Disable powers off the BLE adapter.
	Disable() error
	// StartScan begins discovery and returns once scanning is running.
	// services is a hint of UUIDs to confirm on each sighting.
	StartScan(services []string, handler func(Advertisement)) error
	// StopScan ends the running discovery.
	StopScan() error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Link, error)
}

// PeripheralRecord is the deduplicated view of one peripheral seen during a scan.
type PeripheralRecord struct {
	Address  string
	Name     string
	RSSI     int
	Payload  []byte
	Services []string
	LastSeen time.Time
}
