// Package ble connects to the RF-433 gateway peripheral over Bluetooth Low
// Energy. It handles scanning, connection management, characteristic
// discovery and capture notifications, and reports everything to the
// radio operation queue.
package ble

import "context"

// The gateway exposes one primary service with four characteristics. The
// transmit characteristic takes a 10-byte frame to send on 433 MHz; sniff
// takes a one-byte command that arms or disarms the receiver; capture
// notifies each code the receiver hears; status is read for a short
// firmware/health string.
const (
	ServiceUUID      = "a7e1b000-5c2d-4f3e-9a11-0d6c2b9e4433"
	TransmitCharUUID = "a7e1b001-5c2d-4f3e-9a11-0d6c2b9e4433"
	SniffCharUUID    = "a7e1b002-5c2d-4f3e-9a11-0d6c2b9e4433"
	CaptureCharUUID  = "a7e1b003-5c2d-4f3e-9a11-0d6c2b9e4433"
	StatusCharUUID   = "a7e1b004-5c2d-4f3e-9a11-0d6c2b9e4433"
)

// gatewayChars must all be present for a peripheral to count as a gateway.
var gatewayChars = []string{TransmitCharUUID, SniffCharUUID, CaptureCharUUID, StatusCharUUID}

// Characteristic is one gateway endpoint. Write and Read block until the
// peripheral acknowledges; the Gateway runs them off the caller's goroutine
// and reports the outcome to the radio queue.
type Characteristic interface {
	Write(data []byte) error
	Read() ([]byte, error)
	// Subscribe delivers notifications. Only the capture characteristic
	// notifies; callbacks run on the Bluetooth stack's goroutine.
	Subscribe(callback func(data []byte)) error
}

// Device is a peripheral seen while scanning. Name is empty for devices
// that do not advertise one; DeviceScan hides those.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection is a link to one peripheral.
type Connection interface {
	// DiscoverCharacteristic looks up charUUID under serviceUUID. A missing
	// characteristic means the peripheral is not a gateway.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	Disconnect() error
	// OnDisconnect fires whenever the link drops, including after our own
	// Disconnect.
	OnDisconnect(callback func())
}

// Adapter is the host radio. TinyGoAdapter is the real one; tests use a
// mock.
type Adapter interface {
	Enable() error
	// Scan collects advertisers until ctx ends. An empty serviceUUID
	// returns every peripheral instead of gateways only.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	Connect(ctx context.Context, mac string) (Connection, error)
}
