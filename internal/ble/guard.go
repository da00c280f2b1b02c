package ble

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// AdapterState is the power state of the radio.
type AdapterState int

const (
	AdapterDisabled AdapterState = iota
	AdapterEnabled
	AdapterUnsupported
)

func (s AdapterState) String() string {
	switch s {
	case AdapterDisabled:
		return "disabled"
	case AdapterEnabled:
		return "enabled"
	case AdapterUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("AdapterState(%d)", int(s))
	}
}

// Guard tracks the radio state and gates every other component on it.
type Guard struct {
	adapter Adapter

	mu        sync.Mutex
	state     AdapterState
	listeners []func(AdapterState)
}

// NewGuard creates a Guard for the given adapter. The adapter starts out
// Disabled, or Unsupported if it reports no BLE capability.
func NewGuard(adapter Adapter) *Guard {
	g := &Guard{adapter: adapter, state: AdapterDisabled}
	if !adapter.Supported() {
		g.state = AdapterUnsupported
	}
	return g
}

// State returns the last observed adapter state.
func (g *Guard) State() AdapterState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Supported reports whether the radio has BLE capability.
func (g *Guard) Supported() bool {
	return g.State() != AdapterUnsupported
}

// Enabled reports whether the radio is powered on.
func (g *Guard) Enabled() bool {
	return g.State() == AdapterEnabled
}

// Check fails fast with ErrAdapterUnavailable unless the radio is enabled.
func (g *Guard) Check() error {
	if s := g.State(); s != AdapterEnabled {
		return fmt.Errorf("%w: adapter %s", ErrAdapterUnavailable, s)
	}
	return nil
}

// Enable asks the transport to power on the radio. It is not retried.
func (g *Guard) Enable() error {
	if !g.Supported() {
		return fmt.Errorf("%w: adapter unsupported", ErrAdapterUnavailable)
	}
	if err := g.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	g.Observe(AdapterEnabled)
	return nil
}

// Disable asks the transport to power off the radio.
func (g *Guard) Disable() error {
	if !g.Supported() {
		return fmt.Errorf("%w: adapter unsupported", ErrAdapterUnavailable)
	}
	if err := g.adapter.Disable(); err != nil {
		return fmt.Errorf("ble: disable adapter: %w", err)
	}
	g.Observe(AdapterDisabled)
	return nil
}

// Observe records a state transition reported by the radio stack.
// An unsupported adapter never changes state.
func (g *Guard) Observe(state AdapterState) {
	g.mu.Lock()
	if g.state == state || g.state == AdapterUnsupported {
		g.mu.Unlock()
		return
	}
	prev := g.state
	g.state = state
	listeners := slices.Clone(g.listeners)
	g.mu.Unlock()

	slog.Info("[BLE] adapter state changed", "from", prev, "to", state)
	for _, fn := range listeners {
		fn(state)
	}
}

// OnStateChange registers a listener invoked after every state transition.
func (g *Guard) OnStateChange(fn func(AdapterState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}
