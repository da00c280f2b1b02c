package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// EventType identifies a connection lifecycle event.
type EventType int

const (
	EventConnecting EventType = iota
	EventConnected
	EventConnectFailed
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// ConnectionEvent reports a lifecycle transition of one device.
type ConnectionEvent struct {
	Address string
	Type    EventType
	// Active is set on disconnects requested through Disconnect.
	Active bool
	// Reconnect is set on Connecting events started after a dropped link.
	Reconnect bool
	Err       error
}

// Supervisor owns every Connection and enforces at most one per address.
type Supervisor struct {
	guard   *Guard
	adapter Adapter
	router  *Router
	opts    Options

	mu    sync.Mutex
	conns map[string]*Connection

	listenerMu sync.Mutex
	listeners  []func(ConnectionEvent)
}

// NewSupervisor creates a Supervisor. Zero option fields take defaults.
func NewSupervisor(guard *Guard, adapter Adapter, router *Router, opts Options) *Supervisor {
	return &Supervisor{
		guard:   guard,
		adapter: adapter,
		router:  router,
		opts:    opts.withDefaults(),
		conns:   make(map[string]*Connection),
	}
}

// OnEvent registers a lifecycle listener. Listeners run synchronously on the
// goroutine that caused the transition, before the matching future settles.
func (s *Supervisor) OnEvent(fn func(ConnectionEvent)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Supervisor) emit(ev ConnectionEvent) {
	s.listenerMu.Lock()
	listeners := slices.Clone(s.listeners)
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// State returns the state of the device, Idle if unknown.
func (s *Supervisor) State(address string) State {
	s.mu.Lock()
	c := s.conns[normalizeAddress(address)]
	s.mu.Unlock()
	if c == nil {
		return StateIdle
	}
	return c.State()
}

// Connection returns the connection for a device if it is Connected.
func (s *Supervisor) Connection(address string) (*Connection, bool) {
	s.mu.Lock()
	c := s.conns[normalizeAddress(address)]
	s.mu.Unlock()
	if c == nil || c.State() != StateConnected {
		return nil, false
	}
	return c, true
}

// Connections returns every Connected device.
func (s *Supervisor) Connections() []*Connection {
	s.mu.Lock()
	all := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		all = append(all, c)
	}
	s.mu.Unlock()

	out := all[:0]
	for _, c := range all {
		if c.State() == StateConnected {
			out = append(out, c)
		}
	}
	return out
}

// Connect starts connecting to the target. A request for a device that is
// already connecting returns the pending future; for a connected device it
// returns a resolved one.
func (s *Supervisor) Connect(t Target) *Future[*Connection] {
	if err := s.guard.Check(); err != nil {
		return failedFuture[*Connection](err)
	}
	addr := normalizeAddress(t.Address())
	if addr == "" {
		return failedFuture[*Connection](fmt.Errorf("%w: empty address", ErrConnectFailed))
	}

	s.mu.Lock()
	if c := s.conns[addr]; c != nil {
		c.mu.Lock()
		state, pending := c.state, c.pending
		c.mu.Unlock()
		s.mu.Unlock()
		switch state {
		case StateConnecting:
			slog.Debug("[BLE] connect coalesced", "addr", addr)
			return pending
		case StateConnected:
			return resolvedFuture(c)
		default:
			return failedFuture[*Connection](fmt.Errorf("%w: %s: disconnect in progress", ErrDisconnected, addr))
		}
	}
	if len(s.conns) >= s.opts.MaxConnections {
		s.mu.Unlock()
		return failedFuture[*Connection](fmt.Errorf("%w: %d", ErrConnectionLimit, s.opts.MaxConnections))
	}

	c := &Connection{address: addr, sup: s, record: t.record, mtu: DefaultMTU}
	s.conns[addr] = c
	c.mu.Lock()
	gen, ctx := c.beginConnectingLocked()
	fut := c.pending
	c.mu.Unlock()
	s.mu.Unlock()

	slog.Info("[BLE] start connect", "addr", addr)
	s.emit(ConnectionEvent{Address: addr, Type: EventConnecting})
	go s.attemptLoop(ctx, c, gen, 1+s.opts.ReconnectCount, false)
	return fut
}

// attemptLoop dials until one attempt succeeds, the budget is spent, or the
// cycle is superseded. Transport-reported failures are retried after a fixed
// delay; a connect timeout ends the cycle at once.
func (s *Supervisor) attemptLoop(ctx context.Context, c *Connection, gen uint64, budget int, delayFirst bool) {
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 || delayFirst {
			slog.Info("[BLE] reconnect backoff", "addr", c.address, "attempt", attempt+1, "delay", s.opts.ReconnectInterval)
			select {
			case <-time.After(s.opts.ReconnectInterval):
			case <-ctx.Done():
				return
			}
			c.mu.Lock()
			if c.gen == gen {
				c.retries++
			}
			c.mu.Unlock()
		}
		if err := s.guard.Check(); err != nil {
			s.failCycle(c, gen, err)
			return
		}

		link, err := s.dial(ctx, c.address)
		if ctx.Err() != nil {
			// Disconnect already settled this cycle.
			if link != nil {
				_ = link.Disconnect()
			}
			return
		}
		if err == nil {
			if !s.established(c, gen, link) {
				_ = link.Disconnect()
			}
			return
		}
		if errors.Is(err, ErrConnectTimeout) {
			s.failCycle(c, gen, err)
			return
		}

		lastErr = err
		slog.Warn("[BLE] connect attempt failed", "addr", c.address, "attempt", attempt+1, "error", err)
	}
	s.failCycle(c, gen, fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectFailed, c.address, budget, lastErr))
}

// dial runs one transport connect bounded by the connect timeout. A link that
// arrives after the timeout is disconnected and discarded.
func (s *Supervisor) dial(ctx context.Context, addr string) (Link, error) {
	dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	type connectResult struct {
		link Link
		err  error
	}
	ch := make(chan connectResult, 1)
	go func() {
		link, err := s.adapter.Connect(dctx, addr)
		ch <- connectResult{link, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, addr, s.opts.ConnectTimeout)
		}
		return r.link, r.err
	case <-dctx.Done():
		go func() {
			if r := <-ch; r.link != nil {
				slog.Debug("[BLE] discarding late link", "addr", addr)
				_ = r.link.Disconnect()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, addr, s.opts.ConnectTimeout)
	}
}

// established promotes a Connecting connection to Connected. Reports false
// if the attempt cycle was superseded meanwhile.
func (s *Supervisor) established(c *Connection, gen uint64, link Link) bool {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnected
	c.link = link
	c.mtu = DefaultMTU
	c.queue = newOpQueue(c.address, link, s.opts.OperationTimeout)
	fut := c.pending
	c.pending = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	link.OnDisconnect(func() { s.linkLost(c, gen) })

	slog.Info("[BLE] connected", "addr", c.address)
	s.emit(ConnectionEvent{Address: c.address, Type: EventConnected})
	fut.resolve(c)
	return true
}

// failCycle ends an attempt cycle in Idle and reports err once.
func (s *Supervisor) failCycle(c *Connection, gen uint64, err error) {
	s.mu.Lock()
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		s.mu.Unlock()
		return
	}
	c.gen++
	c.state = StateIdle
	fut := c.pending
	c.pending = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	if s.conns[c.address] == c {
		delete(s.conns, c.address)
	}
	s.mu.Unlock()

	slog.Error("[BLE] connect failed", "addr", c.address, "error", err)
	s.emit(ConnectionEvent{Address: c.address, Type: EventConnectFailed, Err: err})
	fut.fail(err)
}

// linkLost handles a drop the application did not ask for. With a retry
// budget the connection goes back to Connecting; otherwise it ends in Idle.
func (s *Supervisor) linkLost(c *Connection, gen uint64) {
	s.mu.Lock()
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		s.mu.Unlock()
		return
	}
	q := c.queue
	c.queue = nil
	c.link = nil

	reconnect := s.opts.ReconnectCount > 0 && s.guard.Enabled()
	var (
		ngen uint64
		ctx  context.Context
	)
	if reconnect {
		ngen, ctx = c.beginConnectingLocked()
	} else {
		c.gen++
		c.state = StateIdle
		if s.conns[c.address] == c {
			delete(s.conns, c.address)
		}
	}
	c.mu.Unlock()
	s.mu.Unlock()

	q.close()
	s.router.removeAll(c.address)

	slog.Warn("[BLE] disconnected", "addr", c.address, "active", false, "reconnect", reconnect)
	s.emit(ConnectionEvent{Address: c.address, Type: EventDisconnected})
	if !reconnect {
		return
	}
	s.emit(ConnectionEvent{Address: c.address, Type: EventConnecting, Reconnect: true})
	go s.attemptLoop(ctx, c, ngen, s.opts.ReconnectCount, true)
}

// Disconnect tears down a device. It always ends in Idle, suppresses any
// pending reconnect, and fails a pending connect with ErrDisconnected.
// Disconnecting an unknown device is a no-op.
func (s *Supervisor) Disconnect(address string) error {
	addr := normalizeAddress(address)

	s.mu.Lock()
	c := s.conns[addr]
	if c == nil {
		s.mu.Unlock()
		return nil
	}
	c.mu.Lock()
	if c.state == StateDisconnecting || c.state == StateIdle {
		c.mu.Unlock()
		s.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	c.gen++
	cancel, link, q, fut := c.cancel, c.link, c.queue, c.pending
	c.cancel, c.link, c.queue, c.pending = nil, nil, nil, nil
	c.mu.Unlock()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if q != nil {
		q.close()
	}
	s.router.removeAll(addr)

	var err error
	if link != nil {
		if derr := link.Disconnect(); derr != nil {
			err = fmt.Errorf("ble: disconnect %s: %w", addr, derr)
		}
	}
	if fut != nil {
		fut.fail(fmt.Errorf("%w: %s: connect cancelled", ErrDisconnected, addr))
	}

	s.mu.Lock()
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	if s.conns[addr] == c {
		delete(s.conns, addr)
	}
	s.mu.Unlock()

	slog.Info("[BLE] disconnected", "addr", addr, "active", true)
	s.emit(ConnectionEvent{Address: addr, Type: EventDisconnected, Active: true, Err: err})
	return err
}

// DisconnectAll disconnects every known device and returns the joined errors.
func (s *Supervisor) DisconnectAll() error {
	s.mu.Lock()
	addrs := make([]string, 0, len(s.conns))
	for addr := range s.conns {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()

	var errs []error
	for _, addr := range addrs {
		if err := s.Disconnect(addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
