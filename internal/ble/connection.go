package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blelink/internal/ble/protocol"
)

// MTU bounds accepted by SetMTU. DefaultMTU applies until a larger one is negotiated.
const (
	DefaultMTU = 23
	MaxMTU     = 512
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Target names the peripheral to connect to: either a bare address or a
// record obtained from a scan.
type Target struct {
	address string
	record  *PeripheralRecord
}

// AddressTarget targets a peripheral by address.
func AddressTarget(address string) Target {
	return Target{address: address}
}

// RecordTarget targets a peripheral seen during a scan.
func RecordTarget(rec PeripheralRecord) Target {
	r := copyRecord(rec)
	return Target{address: rec.Address, record: &r}
}

// Address returns the target's device address.
func (t Target) Address() string { return t.address }

// Record returns the scan record, if the target was built from one.
func (t Target) Record() (PeripheralRecord, bool) {
	if t.record == nil {
		return PeripheralRecord{}, false
	}
	return *t.record, true
}

// Connection is the supervisor's handle on one peripheral. The link and the
// operation queue are owned by the supervisor and replaced on reconnect.
type Connection struct {
	address string
	sup     *Supervisor
	record  *PeripheralRecord

	mu      sync.Mutex
	state   State
	gen     uint64
	retries int
	mtu     int
	link    Link
	queue   *OpQueue
	pending *Future[*Connection]
	cancel  context.CancelFunc
}

// Address returns the normalized device address.
func (c *Connection) Address() string { return c.address }

// Record returns the scan record the connection was created from, if any.
func (c *Connection) Record() (PeripheralRecord, bool) {
	if c.record == nil {
		return PeripheralRecord{}, false
	}
	return copyRecord(*c.record), true
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MTU returns the negotiated MTU.
func (c *Connection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// Retries returns how many automatic retries the current attempt cycle used.
func (c *Connection) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// QueueLen returns the number of operations waiting to start.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.Len()
}

// beginConnectingLocked starts a new attempt cycle (caller holds c.mu).
func (c *Connection) beginConnectingLocked() (uint64, context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	c.state = StateConnecting
	c.retries = 0
	c.pending = newFuture[*Connection]()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	return c.gen, ctx
}

// submit hands ops to the live queue, or fails them if the adapter or the
// link is down.
func (c *Connection) submit(ops ...*operation) {
	if err := c.sup.guard.Check(); err != nil {
		for _, op := range ops {
			op.done(fmt.Errorf("%w: %s", err, op.label))
		}
		return
	}
	c.mu.Lock()
	q := c.queue
	state := c.state
	c.mu.Unlock()
	if q == nil || state != StateConnected {
		for _, op := range ops {
			op.done(fmt.Errorf("%w: %s is %s", ErrNotConnected, c.address, state))
		}
		return
	}
	q.enqueue(ops...)
}

// Read reads a characteristic value.
func (c *Connection) Read(serviceUUID, charUUID string) *Future[[]byte] {
	svc, chr, err := normalizePair(serviceUUID, charUUID)
	if err != nil {
		return failedFuture[[]byte](err)
	}
	fut := newFuture[[]byte]()
	var data []byte
	c.submit(&operation{
		kind:  OpRead,
		label: fmt.Sprintf("read %s/%s", svc, chr),
		exec: func(l Link) error {
			v, err := l.Read(svc, chr)
			data = v
			return err
		},
		done: func(err error) {
			if err != nil {
				fut.fail(err)
				return
			}
			fut.resolve(data)
		},
	})
	return fut
}

// Write writes data to a characteristic. Payloads larger than the split size
// go out as ordered sub-writes queued back to back; each waits for the
// previous one, and a failed chunk aborts the rest.
func (c *Connection) Write(serviceUUID, charUUID string, data []byte) *Future[struct{}] {
	svc, chr, err := normalizePair(serviceUUID, charUUID)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	if len(data) == 0 {
		return failedFuture[struct{}](fmt.Errorf("%w: empty payload", ErrOperationFailed))
	}

	opts := c.sup.opts
	chunks := protocol.SplitBytes(data, opts.SplitWriteNum)
	fut := newFuture[struct{}]()
	var aborted atomic.Bool
	errAborted := fmt.Errorf("%w: previous chunk failed", ErrOperationFailed)

	ops := make([]*operation, len(chunks))
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		var pause time.Duration
		if i > 0 {
			pause = opts.SplitWriteInterval
		}
		ops[i] = &operation{
			kind:  OpWrite,
			label: fmt.Sprintf("write %s/%s chunk %d/%d", svc, chr, i+1, len(chunks)),
			delay: pause,
			exec: func(l Link) error {
				if aborted.Load() {
					return errAborted
				}
				return l.Write(svc, chr, chunk)
			},
			done: func(err error) {
				if err != nil {
					if aborted.CompareAndSwap(false, true) {
						fut.fail(err)
					}
					return
				}
				if last {
					fut.resolve(struct{}{})
				}
			},
		}
	}
	c.submit(ops...)
	return fut
}

// SetMTU requests an MTU and returns the negotiated value.
func (c *Connection) SetMTU(mtu int) *Future[int] {
	if mtu < DefaultMTU || mtu > MaxMTU {
		return failedFuture[int](fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidMTU, mtu, DefaultMTU, MaxMTU))
	}
	fut := newFuture[int]()
	var got int
	c.submit(&operation{
		kind:  OpSetMTU,
		label: fmt.Sprintf("set-mtu %d", mtu),
		exec: func(l Link) error {
			v, err := l.RequestMTU(mtu)
			got = v
			return err
		},
		done: func(err error) {
			if err != nil {
				fut.fail(err)
				return
			}
			c.mu.Lock()
			c.mtu = got
			c.mu.Unlock()
			fut.resolve(got)
		},
	})
	return fut
}

// ReadRSSI reads the signal strength of the link.
func (c *Connection) ReadRSSI() *Future[int] {
	fut := newFuture[int]()
	var rssi int
	c.submit(&operation{
		kind:  OpReadRSSI,
		label: "read-rssi",
		exec: func(l Link) error {
			v, err := l.ReadRSSI()
			rssi = v
			return err
		},
		done: func(err error) {
			if err != nil {
				fut.fail(err)
				return
			}
			fut.resolve(rssi)
		},
	})
	return fut
}

// EnableNotify subscribes onData to notifications. Re-enabling replaces the
// previous callback.
func (c *Connection) EnableNotify(serviceUUID, charUUID string, onData func([]byte)) *Future[struct{}] {
	return c.sup.router.enable(c, serviceUUID, charUUID, false, onData)
}

// EnableIndicate subscribes onData to indications, which the peer sends with
// per-value acknowledgment.
func (c *Connection) EnableIndicate(serviceUUID, charUUID string, onData func([]byte)) *Future[struct{}] {
	return c.sup.router.enable(c, serviceUUID, charUUID, true, onData)
}

// DisableNotify stops notifications. Fails with ErrNotSubscribed if none are enabled.
func (c *Connection) DisableNotify(serviceUUID, charUUID string) *Future[struct{}] {
	return c.sup.router.disable(c, serviceUUID, charUUID, false)
}

// DisableIndicate stops indications. Fails with ErrNotSubscribed if none are enabled.
func (c *Connection) DisableIndicate(serviceUUID, charUUID string) *Future[struct{}] {
	return c.sup.router.disable(c, serviceUUID, charUUID, true)
}

func normalizePair(serviceUUID, charUUID string) (string, string, error) {
	svc, err := NormalizeUUID(serviceUUID)
	if err != nil {
		return "", "", err
	}
	chr, err := NormalizeUUID(charUUID)
	if err != nil {
		return "", "", err
	}
	return svc, chr, nil
}
