package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ScanConfig holds the filter and timing rules for one scan session.
type ScanConfig struct {
	ServiceUUIDs []string      // only report peripherals advertising one of these
	Names        []string      // only report peripherals with one of these names
	FuzzyName    bool          // match Names as substrings
	Address      string        // only report this address
	Timeout      time.Duration // session length; the scanner default applies when zero
	AutoConnect  bool          // connect to the first match and end the session
}

// ScanSession is one running or finished scan. Its summary holds one record
// per address, ordered by first sighting.
type ScanSession struct {
	id         uint64
	scanner    *Scanner
	cfg        ScanConfig
	onSighting func(PeripheralRecord)
	result     *Future[[]PeripheralRecord]

	mu      sync.Mutex
	ended   bool
	timer   *time.Timer
	records map[string]*PeripheralRecord
	order   []string
}

// ID returns the session generation.
func (ss *ScanSession) ID() uint64 { return ss.id }

// Done is closed when the session has ended.
func (ss *ScanSession) Done() <-chan struct{} { return ss.result.Done() }

// Wait blocks until the session ends and returns the deduplicated summary.
func (ss *ScanSession) Wait(ctx context.Context) ([]PeripheralRecord, error) {
	return ss.result.Wait(ctx)
}

// Cancel ends the session early. The summary keeps what was seen so far.
func (ss *ScanSession) Cancel() {
	ss.scanner.end(ss, "cancelled")
}

// Records returns a snapshot of the records seen so far.
func (ss *ScanSession) Records() []PeripheralRecord {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.snapshotLocked()
}

func (ss *ScanSession) snapshotLocked() []PeripheralRecord {
	out := make([]PeripheralRecord, 0, len(ss.order))
	for _, addr := range ss.order {
		out = append(out, copyRecord(*ss.records[addr]))
	}
	return out
}

// markEnded flips the session to ended. Reports false if it already was.
func (ss *ScanSession) markEnded() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.ended {
		return false
	}
	ss.ended = true
	if ss.timer != nil {
		ss.timer.Stop()
	}
	return true
}

func (ss *ScanSession) matches(adv Advertisement) bool {
	if ss.cfg.Address != "" && normalizeAddress(adv.Address) != ss.cfg.Address {
		return false
	}
	if len(ss.cfg.Names) > 0 && !ss.matchesName(adv.Name) {
		return false
	}
	if len(ss.cfg.ServiceUUIDs) > 0 && !ss.matchesService(adv.Services) {
		return false
	}
	return true
}

func (ss *ScanSession) matchesName(name string) bool {
	if name == "" {
		return false
	}
	for _, want := range ss.cfg.Names {
		if ss.cfg.FuzzyName && strings.Contains(name, want) {
			return true
		}
		if name == want {
			return true
		}
	}
	return false
}

func (ss *ScanSession) matchesService(services []string) bool {
	for _, s := range services {
		id, err := NormalizeUUID(s)
		if err != nil {
			continue
		}
		for _, want := range ss.cfg.ServiceUUIDs {
			if id == want {
				return true
			}
		}
	}
	return false
}

// record applies the sighting to the session and returns the updated record.
func (ss *ScanSession) record(adv Advertisement) (PeripheralRecord, bool) {
	if !ss.matches(adv) {
		return PeripheralRecord{}, false
	}
	addr := normalizeAddress(adv.Address)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.ended {
		return PeripheralRecord{}, false
	}
	rec, ok := ss.records[addr]
	if !ok {
		rec = &PeripheralRecord{Address: addr}
		ss.records[addr] = rec
		ss.order = append(ss.order, addr)
	}
	if adv.Name != "" {
		rec.Name = adv.Name
	}
	rec.RSSI = adv.RSSI
	if adv.Payload != nil {
		rec.Payload = append([]byte(nil), adv.Payload...)
	}
	if len(adv.Services) > 0 {
		rec.Services = append([]string(nil), adv.Services...)
	}
	rec.LastSeen = time.Now()
	return copyRecord(*rec), true
}

func copyRecord(r PeripheralRecord) PeripheralRecord {
	r.Payload = append([]byte(nil), r.Payload...)
	r.Services = append([]string(nil), r.Services...)
	return r
}

// Scanner runs at most one scan session at a time against the shared radio.
type Scanner struct {
	guard          *Guard
	adapter        Adapter
	defaultTimeout time.Duration

	startMu sync.Mutex // serializes Start

	mu         sync.Mutex
	gen        uint64
	active     *ScanSession
	radioOwner uint64 // session id owning the running radio scan
}

// NewScanner creates a Scanner. defaultTimeout applies to sessions that do
// not set their own.
func NewScanner(guard *Guard, adapter Adapter, defaultTimeout time.Duration) *Scanner {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &Scanner{guard: guard, adapter: adapter, defaultTimeout: defaultTimeout}
}

// Start begins a new scan session, ending any session already running.
// onSighting, if set, is called synchronously for every matching sighting.
// The session also ends when ctx is done.
func (s *Scanner) Start(ctx context.Context, cfg ScanConfig, onSighting func(PeripheralRecord)) (*ScanSession, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if err := s.guard.Check(); err != nil {
		return nil, err
	}
	cfg, err := s.normalize(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prior := s.active
	s.gen++
	id := s.gen
	s.mu.Unlock()
	if prior != nil {
		s.end(prior, "superseded")
	}

	sess := &ScanSession{
		id:         id,
		scanner:    s,
		cfg:        cfg,
		onSighting: onSighting,
		result:     newFuture[[]PeripheralRecord](),
		records:    make(map[string]*PeripheralRecord),
	}

	s.mu.Lock()
	s.active = sess
	s.radioOwner = id
	s.mu.Unlock()

	if err := s.adapter.StartScan(cfg.ServiceUUIDs, func(adv Advertisement) {
		s.handle(id, adv)
	}); err != nil {
		s.mu.Lock()
		if s.active == sess {
			s.active = nil
		}
		if s.radioOwner == id {
			s.radioOwner = 0
		}
		s.mu.Unlock()
		sess.markEnded()
		err = fmt.Errorf("%w: %v", ErrScanStartFailed, err)
		sess.result.fail(err)
		slog.Error("[BLE] scan start failed", "error", err)
		return nil, err
	}

	sess.mu.Lock()
	if !sess.ended {
		sess.timer = time.AfterFunc(cfg.Timeout, func() { s.end(sess, "timeout") })
	}
	sess.mu.Unlock()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.end(sess, "context done")
			case <-sess.Done():
			}
		}()
	}

	slog.Info("[BLE] scan started", "session", id, "timeout", cfg.Timeout)
	return sess, nil
}

// Cancel ends the active session, if any.
func (s *Scanner) Cancel() {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess != nil {
		s.end(sess, "cancelled")
	}
}

// Scanning reports whether a session is running.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Scanner) normalize(cfg ScanConfig) (ScanConfig, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = s.defaultTimeout
	}
	cfg.Address = normalizeAddress(cfg.Address)
	services := make([]string, 0, len(cfg.ServiceUUIDs))
	for _, raw := range cfg.ServiceUUIDs {
		id, err := NormalizeUUID(raw)
		if err != nil {
			return cfg, fmt.Errorf("ble: scan filter: %w", err)
		}
		services = append(services, id)
	}
	cfg.ServiceUUIDs = services
	return cfg, nil
}

// handle processes one radio sighting. Sightings for a session that is no
// longer active are dropped.
func (s *Scanner) handle(id uint64, adv Advertisement) {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil || sess.id != id {
		return
	}
	rec, ok := sess.record(adv)
	if !ok {
		return
	}
	slog.Debug("[BLE] scanning", "name", rec.Name, "addr", rec.Address, "rssi", rec.RSSI)
	if sess.onSighting != nil {
		sess.onSighting(rec)
	}
}

// end finishes a session exactly once and publishes its summary.
func (s *Scanner) end(sess *ScanSession, reason string) {
	if !sess.markEnded() {
		return
	}

	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	ownsRadio := s.radioOwner == sess.id
	if ownsRadio {
		s.radioOwner = 0
	}
	s.mu.Unlock()

	if ownsRadio {
		if err := s.adapter.StopScan(); err != nil {
			slog.Warn("[BLE] stop scan failed", "error", err)
		}
	}

	sess.mu.Lock()
	records := sess.snapshotLocked()
	sess.mu.Unlock()

	slog.Info("[BLE] scan finished", "session", sess.id, "reason", reason, "found", len(records))
	sess.result.resolve(records)
}
