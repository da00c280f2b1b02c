package ble

import (
	"time"

	"github.com/chaz8081/blelink/internal/ble/protocol"
)

// Options configures engine behavior.
type Options struct {
	ReconnectCount     int           // automatic retries after a failed connect or a dropped link
	ReconnectInterval  time.Duration // fixed delay between retries
	SplitWriteNum      int           // max bytes per write transmission unit
	SplitWriteInterval time.Duration // pause between write chunks
	ConnectTimeout     time.Duration // bound on a single connect attempt
	OperationTimeout   time.Duration // bound on a single GATT operation
	MaxConnections     int           // concurrent connections allowed
	ScanTimeout        time.Duration // default scan duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ReconnectCount:    1,
		ReconnectInterval: 5000 * time.Millisecond,
		SplitWriteNum:     protocol.DefaultChunkSize,
		ConnectTimeout:    10 * time.Second,
		OperationTimeout:  5000 * time.Millisecond,
		MaxConnections:    7,
		ScanTimeout:       10 * time.Second,
	}
}

// withDefaults fills zero or negative fields. ReconnectCount 0 is a valid
// setting (no retries), so only negative counts are reset.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReconnectCount < 0 {
		o.ReconnectCount = 0
	}
	if o.ReconnectInterval < 0 {
		o.ReconnectInterval = 0
	}
	if o.SplitWriteNum <= 0 {
		o.SplitWriteNum = d.SplitWriteNum
	}
	if o.SplitWriteInterval < 0 {
		o.SplitWriteInterval = 0
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = d.MaxConnections
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	return o
}
