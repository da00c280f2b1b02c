package ble

import (
	"fmt"
	"log/slog"
	"sync"
)

type subKey struct {
	address        string
	service        string
	characteristic string
}

type subscription struct {
	indicate bool
	token    uint64
	onData   func([]byte)
}

// Router delivers characteristic-change events to the single registration for
// each (device, service, characteristic). Delivery is synchronous on the
// transport's callback goroutine, in arrival order, with nothing buffered: a
// slow callback holds up the transport, which may then coalesce or drop values.
type Router struct {
	mu    sync.Mutex
	next  uint64
	subs  map[subKey]*subscription
	count map[string]int // registrations per address
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		subs:  make(map[subKey]*subscription),
		count: make(map[string]int),
	}
}

func makeSubKey(address, serviceUUID, charUUID string) (subKey, error) {
	svc, err := NormalizeUUID(serviceUUID)
	if err != nil {
		return subKey{}, err
	}
	chr, err := NormalizeUUID(charUUID)
	if err != nil {
		return subKey{}, err
	}
	return subKey{address: normalizeAddress(address), service: svc, characteristic: chr}, nil
}

// register installs fn for key, replacing any previous registration.
func (r *Router) register(key subKey, indicate bool, fn func([]byte)) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	if _, ok := r.subs[key]; !ok {
		r.count[key.address]++
	}
	r.subs[key] = &subscription{indicate: indicate, token: r.next, onData: fn}
	return r.next
}

// unregister removes key only if it still holds the registration made with token.
func (r *Router) unregister(key subKey, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[key]; ok && sub.token == token {
		r.deleteLocked(key)
	}
}

// remove drops the registration for key if it has the given kind.
func (r *Router) remove(key subKey, indicate bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok || sub.indicate != indicate {
		return false
	}
	r.deleteLocked(key)
	return true
}

func (r *Router) deleteLocked(key subKey) {
	delete(r.subs, key)
	if r.count[key.address]--; r.count[key.address] <= 0 {
		delete(r.count, key.address)
	}
}

// removeAll drops every registration of a device.
func (r *Router) removeAll(address string) {
	address = normalizeAddress(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count[address] == 0 {
		return
	}
	for key := range r.subs {
		if key.address == address {
			delete(r.subs, key)
		}
	}
	delete(r.count, address)
}

// Subscribed reports whether a registration exists for the characteristic.
func (r *Router) Subscribed(address, serviceUUID, charUUID string) bool {
	key, err := makeSubKey(address, serviceUUID, charUUID)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[key]
	return ok
}

// Count returns the number of registrations held for a device.
func (r *Router) Count(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count[normalizeAddress(address)]
}

// dispatch hands data to the registration identified by token. Events for a
// replaced or removed registration are dropped.
func (r *Router) dispatch(key subKey, token uint64, data []byte) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	r.mu.Unlock()
	if !ok || sub.token != token {
		slog.Debug("[BLE] dropping event for stale subscription", "addr", key.address, "char", key.characteristic)
		return
	}
	sub.onData(append([]byte(nil), data...))
}

// enable registers onData and asks the link to start delivering values.
func (r *Router) enable(c *Connection, serviceUUID, charUUID string, indicate bool, onData func([]byte)) *Future[struct{}] {
	if onData == nil {
		return failedFuture[struct{}](fmt.Errorf("%w: nil data callback", ErrOperationFailed))
	}
	key, err := makeSubKey(c.address, serviceUUID, charUUID)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	kind := OpEnableNotify
	if indicate {
		kind = OpEnableIndicate
	}

	token := r.register(key, indicate, onData)
	fut := newFuture[struct{}]()
	c.submit(&operation{
		kind:  kind,
		label: fmt.Sprintf("%s %s/%s", kind, key.service, key.characteristic),
		exec: func(l Link) error {
			return l.Subscribe(key.service, key.characteristic, indicate, func(data []byte) {
				r.dispatch(key, token, data)
			})
		},
		done: func(err error) {
			if err != nil {
				r.unregister(key, token)
				fut.fail(err)
				return
			}
			slog.Info("[BLE] subscribed", "addr", key.address, "char", key.characteristic, "indicate", indicate)
			fut.resolve(struct{}{})
		},
	})
	return fut
}

// disable removes the registration before asking the link to stop, so no
// event is delivered after this call returns.
func (r *Router) disable(c *Connection, serviceUUID, charUUID string, indicate bool) *Future[struct{}] {
	key, err := makeSubKey(c.address, serviceUUID, charUUID)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	if !r.remove(key, indicate) {
		return failedFuture[struct{}](fmt.Errorf("%w: %s %s/%s", ErrNotSubscribed, key.address, key.service, key.characteristic))
	}
	kind := OpDisableNotify
	if indicate {
		kind = OpDisableIndicate
	}

	fut := newFuture[struct{}]()
	c.submit(&operation{
		kind:  kind,
		label: fmt.Sprintf("%s %s/%s", kind, key.service, key.characteristic),
		exec: func(l Link) error {
			return l.Unsubscribe(key.service, key.characteristic)
		},
		done: func(err error) {
			if err != nil {
				fut.fail(err)
				return
			}
			fut.resolve(struct{}{})
		},
	})
	return fut
}
