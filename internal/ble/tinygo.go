package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// scanStartWindow is how long StartScan waits for tinygo's blocking Scan to
// report a start error. BlueZ and CoreBluetooth both reject a scan right away.
const scanStartWindow = 100 * time.Millisecond

// TinyGoAdapter implements Adapter over tinygo-org/bluetooth (BlueZ on Linux,
// CoreBluetooth on macOS, WinRT on Windows). On macOS device addresses are
// CoreBluetooth UUIDs, not MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects links and rssi.
	mu    sync.Mutex
	links map[string]*tinyGoLink // keyed by normalized address
	rssi  map[string]int         // last advertised RSSI per address
}

// NewTinyGoAdapter creates an adapter on the default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinyGoLink),
		rssi:    make(map[string]int),
	}
}

// Supported reports whether a default adapter exists. tinygo exposes no
// capability query, so a missing radio surfaces as an Enable error instead.
func (a *TinyGoAdapter) Supported() bool { return a.adapter != nil }

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo fires the adapter-level handler with connected=false when a
	// peripheral drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := normalizeAddress(device.Address.String())
		a.mu.Lock()
		link, ok := a.links[id]
		if ok {
			delete(a.links, id)
		}
		a.mu.Unlock()
		if ok {
			link.fireDisconnect()
		}
	})
	return nil
}

// Disable is not offered by tinygo; the radio must be powered off by the OS.
func (a *TinyGoAdapter) Disable() error {
	return fmt.Errorf("ble: tinygo adapter: %w", errors.ErrUnsupported)
}

func (a *TinyGoAdapter) StartScan(services []string, handler func(Advertisement)) error {
	wanted := make([]bluetooth.UUID, 0, len(services))
	for _, s := range services {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		wanted = append(wanted, u)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := normalizeAddress(result.Address.String())
			adv := Advertisement{
				Address: addr,
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
				Payload: result.Bytes(),
			}
			for i, u := range wanted {
				if result.HasServiceUUID(u) {
					adv.Services = append(adv.Services, services[i])
				}
			}
			a.mu.Lock()
			a.rssi[addr] = adv.RSSI
			a.mu.Unlock()
			handler(adv)
		})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return errors.New("ble: scan ended immediately")
	case <-time.After(scanStartWindow):
		return nil
	}
}

func (a *TinyGoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Link, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo's Connect blocks with its own timeout; ctx only bounds our wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		id := normalizeAddress(address)
		link := &tinyGoLink{
			owner:   a,
			address: id,
			device:  &result.device,
			chars:   make(map[string]*bluetooth.DeviceCharacteristic),
		}
		a.mu.Lock()
		a.links[id] = link
		a.mu.Unlock()
		return link, nil
	}
}

func (a *TinyGoAdapter) lastRSSI(address string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.rssi[address]
	return v, ok
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoLink struct {
	owner   *TinyGoAdapter
	address string
	device  *bluetooth.Device

	mu           sync.Mutex
	chars        map[string]*bluetooth.DeviceCharacteristic // keyed by service/char
	disconnectCb func()
}

func (l *tinyGoLink) characteristic(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, error) {
	key := serviceUUID + "/" + charUUID
	l.mu.Lock()
	if c, ok := l.chars[key]; ok {
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := l.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	c := &chars[0]
	l.mu.Lock()
	l.chars[key] = c
	l.mu.Unlock()
	return c, nil
}

func (l *tinyGoLink) Read(serviceUUID, charUUID string) ([]byte, error) {
	c, err := l.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, MaxMTU)
	n, err := c.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (l *tinyGoLink) Write(serviceUUID, charUUID string, data []byte) error {
	c, err := l.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	_, err = c.WriteWithoutResponse(data)
	return err
}

// Subscribe enables value delivery. The OS stack picks notify or indicate
// from the characteristic's properties, so indicate is informational here.
func (l *tinyGoLink) Subscribe(serviceUUID, charUUID string, indicate bool, cb func([]byte)) error {
	c, err := l.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	return c.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

// Unsubscribe passes a nil callback, which tinygo treats as "stop notifying".
func (l *tinyGoLink) Unsubscribe(serviceUUID, charUUID string) error {
	c, err := l.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	return c.EnableNotifications(nil)
}

// RequestMTU reports the MTU the OS already negotiated; tinygo cannot request
// a specific value. The result is capped at the requested size.
func (l *tinyGoLink) RequestMTU(mtu int) (int, error) {
	l.mu.Lock()
	var first *bluetooth.DeviceCharacteristic
	for _, c := range l.chars {
		first = c
		break
	}
	l.mu.Unlock()
	if first == nil {
		return 0, errors.New("ble: mtu unknown until a characteristic is discovered")
	}
	got, err := first.GetMTU()
	if err != nil {
		return 0, err
	}
	return min(int(got), mtu), nil
}

// ReadRSSI returns the last advertised RSSI; tinygo exposes no link RSSI.
func (l *tinyGoLink) ReadRSSI() (int, error) {
	if v, ok := l.owner.lastRSSI(l.address); ok {
		return v, nil
	}
	return 0, fmt.Errorf("ble: rssi for %s: %w", l.address, errors.ErrUnsupported)
}

func (l *tinyGoLink) Disconnect() error {
	l.owner.mu.Lock()
	delete(l.owner.links, l.address)
	l.owner.mu.Unlock()
	return l.device.Disconnect()
}

func (l *tinyGoLink) OnDisconnect(cb func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectCb = cb
}

func (l *tinyGoLink) fireDisconnect() {
	l.mu.Lock()
	cb := l.disconnectCb
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}
