package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OpKind identifies a GATT operation.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpEnableNotify
	OpEnableIndicate
	OpDisableNotify
	OpDisableIndicate
	OpSetMTU
	OpReadRSSI
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpEnableNotify:
		return "enable-notify"
	case OpEnableIndicate:
		return "enable-indicate"
	case OpDisableNotify:
		return "disable-notify"
	case OpDisableIndicate:
		return "disable-indicate"
	case OpSetMTU:
		return "set-mtu"
	case OpReadRSSI:
		return "read-rssi"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// operation is one queued GATT transaction. exec runs the transport call;
// done receives the outcome exactly once. delay is waited out before exec
// starts and does not count against the operation timeout.
type operation struct {
	kind  OpKind
	label string
	delay time.Duration
	exec  func(Link) error
	done  func(error)
}

// OpQueue runs GATT operations for one link strictly one at a time, in
// submission order. A stuck transport call is abandoned after the operation
// timeout and the queue moves on; its late result is dropped.
type OpQueue struct {
	address string
	link    Link
	timeout time.Duration

	mu      sync.Mutex
	pending []*operation
	closed  bool
	wake    chan struct{}
	closing chan struct{}
}

func newOpQueue(address string, link Link, timeout time.Duration) *OpQueue {
	q := &OpQueue{
		address: address,
		link:    link,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	go q.run()
	return q
}

// enqueue appends ops as one contiguous batch. On a closed queue every op
// fails with ErrDisconnected.
func (q *OpQueue) enqueue(ops ...*operation) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		for _, op := range ops {
			op.done(fmt.Errorf("%w: %s: %s", ErrDisconnected, q.address, op.label))
		}
		return
	}
	q.pending = append(q.pending, ops...)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of operations waiting to start.
func (q *OpQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// close stops the worker and fails everything not yet completed.
func (q *OpQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	close(q.closing)
	q.mu.Unlock()

	if len(pending) > 0 {
		slog.Warn("[BLE] dropping queued operations", "addr", q.address, "count", len(pending))
	}
	for _, op := range pending {
		op.done(fmt.Errorf("%w: %s: %s", ErrDisconnected, q.address, op.label))
	}
}

func (q *OpQueue) next() *operation {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if len(q.pending) > 0 {
			op := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return op
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.closing:
			return nil
		}
	}
}

func (q *OpQueue) run() {
	for {
		op := q.next()
		if op == nil {
			return
		}
		q.execute(op)
	}
}

func (q *OpQueue) execute(op *operation) {
	if op.delay > 0 {
		pause := time.NewTimer(op.delay)
		select {
		case <-pause.C:
		case <-q.closing:
			pause.Stop()
			op.done(fmt.Errorf("%w: %s: %s", ErrDisconnected, q.address, op.label))
			return
		}
	}

	res := make(chan error, 1)
	go func() {
		res <- op.exec(q.link)
	}()

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case err := <-res:
		if err != nil && !errors.Is(err, ErrOperationFailed) {
			err = fmt.Errorf("%w: %s: %w", ErrOperationFailed, op.label, err)
		}
		if err != nil {
			slog.Warn("[BLE] operation failed", "addr", q.address, "op", op.label, "error", err)
		}
		op.done(err)
	case <-timer.C:
		slog.Warn("[BLE] operation timed out", "addr", q.address, "op", op.label, "timeout", q.timeout)
		op.done(fmt.Errorf("%w: %s after %s", ErrOperationTimeout, op.label, q.timeout))
	case <-q.closing:
		op.done(fmt.Errorf("%w: %s: %s", ErrDisconnected, q.address, op.label))
	}
}
