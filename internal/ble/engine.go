package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Engine is the single entry point over one radio. It owns the guard,
// scanner, supervisor and router; several engines can coexist, one per adapter.
type Engine struct {
	opts       Options
	guard      *Guard
	scanner    *Scanner
	supervisor *Supervisor
	router     *Router

	mu       sync.Mutex
	lastSeen map[string]PeripheralRecord // latest record per address across scans
}

// New creates an Engine for the given adapter. Zero option fields take defaults.
func New(adapter Adapter, opts Options) *Engine {
	opts = opts.withDefaults()
	guard := NewGuard(adapter)
	router := NewRouter()
	e := &Engine{
		opts:       opts,
		guard:      guard,
		scanner:    NewScanner(guard, adapter, opts.ScanTimeout),
		supervisor: NewSupervisor(guard, adapter, router, opts),
		router:     router,
		lastSeen:   make(map[string]PeripheralRecord),
	}

	guard.OnStateChange(func(state AdapterState) {
		if state != AdapterEnabled {
			e.scanner.Cancel()
		}
	})
	e.supervisor.OnEvent(logEvent)
	return e
}

// logEvent mirrors every lifecycle transition into the log.
func logEvent(ev ConnectionEvent) {
	switch ev.Type {
	case EventConnecting:
		slog.Debug("[BLE] connecting", "addr", ev.Address, "reconnect", ev.Reconnect)
	case EventConnected:
		slog.Debug("[BLE] connect succeeded", "addr", ev.Address)
	case EventConnectFailed:
		slog.Debug("[BLE] connect gave up", "addr", ev.Address, "error", ev.Err)
	case EventDisconnected:
		slog.Debug("[BLE] link closed", "addr", ev.Address, "active", ev.Active, "error", ev.Err)
	}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Guard exposes the adapter guard, e.g. to feed radio state events.
func (e *Engine) Guard() *Guard { return e.guard }

// Supervisor exposes the connection supervisor.
func (e *Engine) Supervisor() *Supervisor { return e.supervisor }

// Router exposes the notification router.
func (e *Engine) Router() *Router { return e.router }

// IsSupported reports whether the host has a BLE radio.
func (e *Engine) IsSupported() bool { return e.guard.Supported() }

// IsEnabled reports whether the radio is powered on.
func (e *Engine) IsEnabled() bool { return e.guard.Enabled() }

// Enable asks the radio to power on.
func (e *Engine) Enable() error { return e.guard.Enable() }

// Disable asks the radio to power off.
func (e *Engine) Disable() error { return e.guard.Disable() }

// OnEvent registers a connection lifecycle listener.
func (e *Engine) OnEvent(fn func(ConnectionEvent)) { e.supervisor.OnEvent(fn) }

// Scan starts a scan session. With cfg.AutoConnect the session ends at the
// first matching sighting and a connect to it is issued; its outcome is
// reported through OnEvent.
func (e *Engine) Scan(ctx context.Context, cfg ScanConfig, onSighting func(PeripheralRecord)) (*ScanSession, error) {
	var (
		once    sync.Once
		session *ScanSession
		ready   = make(chan struct{})
	)
	handler := func(rec PeripheralRecord) {
		e.remember(rec)
		if onSighting != nil {
			onSighting(rec)
		}
		if !cfg.AutoConnect {
			return
		}
		once.Do(func() {
			go func() {
				<-ready
				if session != nil {
					session.Cancel()
				}
				slog.Info("[BLE] auto-connect on match", "addr", rec.Address, "name", rec.Name)
				e.supervisor.Connect(RecordTarget(rec))
			}()
		})
	}

	sess, err := e.scanner.Start(ctx, cfg, handler)
	session = sess
	close(ready)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (e *Engine) remember(rec PeripheralRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen[rec.Address] = rec
}

// CancelScan ends the running scan, if any.
func (e *Engine) CancelScan() { e.scanner.Cancel() }

// Scanning reports whether a scan session is running.
func (e *Engine) Scanning() bool { return e.scanner.Scanning() }

// DeviceByAddress returns the last scan record for an address, or a bare
// record carrying only the address if it was never seen.
func (e *Engine) DeviceByAddress(address string) PeripheralRecord {
	addr := normalizeAddress(address)
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.lastSeen[addr]; ok {
		return copyRecord(rec)
	}
	return PeripheralRecord{Address: addr}
}

// Connect connects to a target.
func (e *Engine) Connect(t Target) *Future[*Connection] { return e.supervisor.Connect(t) }

// Disconnect tears down one device.
func (e *Engine) Disconnect(address string) error { return e.supervisor.Disconnect(address) }

// DisconnectAll tears down every device.
func (e *Engine) DisconnectAll() error { return e.supervisor.DisconnectAll() }

// State returns the connection state of a device.
func (e *Engine) State(address string) State { return e.supervisor.State(address) }

// Connection returns a Connected device.
func (e *Engine) Connection(address string) (*Connection, bool) {
	return e.supervisor.Connection(address)
}

func (e *Engine) connected(address string) (*Connection, error) {
	c, ok := e.supervisor.Connection(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, normalizeAddress(address))
	}
	return c, nil
}

// Read reads a characteristic of a connected device.
func (e *Engine) Read(address, serviceUUID, charUUID string) *Future[[]byte] {
	c, err := e.connected(address)
	if err != nil {
		return failedFuture[[]byte](err)
	}
	return c.Read(serviceUUID, charUUID)
}

// Write writes to a characteristic of a connected device.
func (e *Engine) Write(address, serviceUUID, charUUID string, data []byte) *Future[struct{}] {
	c, err := e.connected(address)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	return c.Write(serviceUUID, charUUID, data)
}

// Notify enables notifications on a connected device.
func (e *Engine) Notify(address, serviceUUID, charUUID string, onData func([]byte)) *Future[struct{}] {
	c, err := e.connected(address)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	return c.EnableNotify(serviceUUID, charUUID, onData)
}

// StopNotify disables notifications on a connected device.
func (e *Engine) StopNotify(address, serviceUUID, charUUID string) *Future[struct{}] {
	c, err := e.connected(address)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	return c.DisableNotify(serviceUUID, charUUID)
}

// Indicate enables indications on a connected device.
func (e *Engine) Indicate(address, serviceUUID, charUUID string, onData func([]byte)) *Future[struct{}] {
	c, err := e.connected(address)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	return c.EnableIndicate(serviceUUID, charUUID, onData)
}

// StopIndicate disables indications on a connected device.
func (e *Engine) StopIndicate(address, serviceUUID, charUUID string) *Future[struct{}] {
	c, err := e.connected(address)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	return c.DisableIndicate(serviceUUID, charUUID)
}

// SetMTU negotiates the MTU of a connected device.
func (e *Engine) SetMTU(address string, mtu int) *Future[int] {
	c, err := e.connected(address)
	if err != nil {
		return failedFuture[int](err)
	}
	return c.SetMTU(mtu)
}

// ReadRSSI reads the link RSSI of a connected device.
func (e *Engine) ReadRSSI(address string) *Future[int] {
	c, err := e.connected(address)
	if err != nil {
		return failedFuture[int](err)
	}
	return c.ReadRSSI()
}

// Close cancels the scan and disconnects everything.
func (e *Engine) Close() error {
	e.scanner.Cancel()
	return e.supervisor.DisconnectAll()
}
