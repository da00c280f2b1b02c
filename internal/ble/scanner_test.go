package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newEnabledScanner(t *testing.T, adapter *mockAdapter) *Scanner {
	t.Helper()
	g := NewGuard(adapter)
	if err := g.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	return NewScanner(g, adapter, time.Second)
}

func TestScanDeduplicatesByAddress(t *testing.T) {
	adapter := newMockAdapter()
	s := newEnabledScanner(t, adapter)

	var mu sync.Mutex
	sightings := 0
	sess, err := s.Start(context.Background(), ScanConfig{}, func(PeripheralRecord) {
		mu.Lock()
		sightings++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for _, rssi := range []int{-80, -75, -70, -65, -60} {
		adapter.Advertise(Advertisement{Address: "aa:bb:cc:dd:ee:ff", Name: "HR", RSSI: rssi})
	}
	sess.Cancel()

	records, err := await(t, sess.result)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("summary has %d records, want 1", len(records))
	}
	if records[0].RSSI != -60 {
		t.Errorf("RSSI = %d, want latest -60", records[0].RSSI)
	}
	if records[0].Address != testAddr {
		t.Errorf("Address = %q, want %q", records[0].Address, testAddr)
	}
	mu.Lock()
	defer mu.Unlock()
	if sightings != 5 {
		t.Errorf("onSighting called %d times, want 5", sightings)
	}
}

func TestScanFilters(t *testing.T) {
	heartRate := "0000180d-0000-1000-8000-00805f9b34fb"
	tests := []struct {
		name string
		cfg  ScanConfig
		adv  Advertisement
		want bool
	}{
		{"no filter", ScanConfig{}, Advertisement{Address: "01"}, true},
		{"exact name", ScanConfig{Names: []string{"Polar H10"}}, Advertisement{Address: "01", Name: "Polar H10"}, true},
		{"exact name miss", ScanConfig{Names: []string{"Polar"}}, Advertisement{Address: "01", Name: "Polar H10"}, false},
		{"fuzzy name", ScanConfig{Names: []string{"Polar"}, FuzzyName: true}, Advertisement{Address: "01", Name: "Polar H10"}, true},
		{"name filter, no name", ScanConfig{Names: []string{"Polar"}}, Advertisement{Address: "01"}, false},
		{"address", ScanConfig{Address: "aa:bb:cc:dd:ee:ff"}, Advertisement{Address: testAddr}, true},
		{"address miss", ScanConfig{Address: "11:22:33:44:55:66"}, Advertisement{Address: testAddr}, false},
		{"short service", ScanConfig{ServiceUUIDs: []string{"180d"}}, Advertisement{Address: "01", Services: []string{heartRate}}, true},
		{"service miss", ScanConfig{ServiceUUIDs: []string{"180f"}}, Advertisement{Address: "01", Services: []string{heartRate}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter()
			s := newEnabledScanner(t, adapter)
			sess, err := s.Start(context.Background(), tt.cfg, nil)
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			adapter.Advertise(tt.adv)
			sess.Cancel()

			records, _ := await(t, sess.result)
			if got := len(records) == 1; got != tt.want {
				t.Errorf("matched = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScanTimeoutEndsSession(t *testing.T) {
	adapter := newMockAdapter()
	s := newEnabledScanner(t, adapter)

	sess, err := s.Start(context.Background(), ScanConfig{Timeout: 30 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	adapter.Advertise(Advertisement{Address: testAddr, RSSI: -50})

	records, err := await(t, sess.result)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("summary has %d records, want 1", len(records))
	}
	if s.Scanning() {
		t.Error("Scanning() = true after timeout")
	}
	if adapter.Scanning() {
		t.Error("radio scan still running after timeout")
	}
}

func TestScanContextCancelEndsSession(t *testing.T) {
	adapter := newMockAdapter()
	s := newEnabledScanner(t, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := s.Start(ctx, ScanConfig{}, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	if _, err := await(t, sess.result); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestScanNewSessionSupersedesOld(t *testing.T) {
	adapter := newMockAdapter()
	s := newEnabledScanner(t, adapter)

	first, err := s.Start(context.Background(), ScanConfig{}, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	adapter.Advertise(Advertisement{Address: "01"})

	second, err := s.Start(context.Background(), ScanConfig{}, nil)
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if !first.result.Settled() {
		t.Fatal("first session still running after a new Start")
	}
	adapter.Advertise(Advertisement{Address: "02"})
	second.Cancel()

	firstRecs, _ := await(t, first.result)
	secondRecs, _ := await(t, second.result)
	if len(firstRecs) != 1 || firstRecs[0].Address != "01" {
		t.Errorf("first summary = %+v, want only 01", firstRecs)
	}
	if len(secondRecs) != 1 || secondRecs[0].Address != "02" {
		t.Errorf("second summary = %+v, want only 02", secondRecs)
	}
}

func TestScanLateSightingDropped(t *testing.T) {
	adapter := newMockAdapter()
	s := newEnabledScanner(t, adapter)

	sess, err := s.Start(context.Background(), ScanConfig{}, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	adapter.mu.Lock()
	stale := adapter.handler
	adapter.mu.Unlock()

	sess.Cancel()
	stale(Advertisement{Address: "01"}) // radio callback racing the stop

	records, _ := await(t, sess.result)
	if len(records) != 0 {
		t.Errorf("summary has %d records, want 0", len(records))
	}
	if len(sess.Records()) != 0 {
		t.Error("late sighting was recorded")
	}
}

func TestScanStartFailure(t *testing.T) {
	adapter := newMockAdapter()
	adapter.scanErr = errors.New("busy")
	s := newEnabledScanner(t, adapter)

	_, err := s.Start(context.Background(), ScanConfig{}, nil)
	if !errors.Is(err, ErrScanStartFailed) {
		t.Fatalf("Start() error = %v, want ErrScanStartFailed", err)
	}
	if s.Scanning() {
		t.Error("Scanning() = true after failed start")
	}
}

func TestScanAdapterUnavailable(t *testing.T) {
	adapter := newMockAdapter()
	s := NewScanner(NewGuard(adapter), adapter, time.Second)

	_, err := s.Start(context.Background(), ScanConfig{}, nil)
	if !errors.Is(err, ErrAdapterUnavailable) {
		t.Errorf("Start() error = %v, want ErrAdapterUnavailable", err)
	}
}

func TestScanInvalidServiceFilter(t *testing.T) {
	adapter := newMockAdapter()
	s := newEnabledScanner(t, adapter)

	_, err := s.Start(context.Background(), ScanConfig{ServiceUUIDs: []string{"nope"}}, nil)
	if !errors.Is(err, ErrInvalidUUID) {
		t.Errorf("Start() error = %v, want ErrInvalidUUID", err)
	}
}
