package ble

import "errors"

// Error kinds reported by the engine. Returned errors wrap one of these, so
// callers match with errors.Is.
var (
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")
	ErrScanStartFailed    = errors.New("ble: scan start failed")
	ErrConnectTimeout     = errors.New("ble: connect timeout")
	ErrConnectFailed      = errors.New("ble: connect failed")
	ErrOperationTimeout   = errors.New("ble: operation timeout")
	ErrOperationFailed    = errors.New("ble: operation failed")
	ErrNotSubscribed      = errors.New("ble: not subscribed")

	ErrNotConnected    = errors.New("ble: not connected")
	ErrDisconnected    = errors.New("ble: disconnected")
	ErrConnectionLimit = errors.New("ble: connection limit reached")
	ErrInvalidUUID     = errors.New("ble: invalid uuid")
	ErrInvalidMTU      = errors.New("ble: invalid mtu")
)
