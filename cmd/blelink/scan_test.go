package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/config"
)

func TestMergeFilterKeepsConfigDefaults(t *testing.T) {
	c := config.Default()
	c.Scan.Names = []string{"Polar"}
	c.Scan.Address = "AA:BB:CC:DD:EE:FF"
	c.Scan.ServiceUUIDs = []string{"180d"}
	c.Scan.TimeoutMs = 4000

	f := mergeFilter(c.ScanFilter(), scanFlags{})
	if f.Timeout != 4*time.Second {
		t.Errorf("Timeout = %s, want 4s", f.Timeout)
	}
	if len(f.Names) != 1 || f.Names[0] != "Polar" {
		t.Errorf("Names = %v, want [Polar]", f.Names)
	}
	if f.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address = %q, want the configured address", f.Address)
	}
	if len(f.ServiceUUIDs) != 1 || f.ServiceUUIDs[0] != "180d" {
		t.Errorf("ServiceUUIDs = %v, want [180d]", f.ServiceUUIDs)
	}
	if f.FuzzyName || f.AutoConnect {
		t.Errorf("FuzzyName/AutoConnect = %v/%v, want false/false", f.FuzzyName, f.AutoConnect)
	}
}

func TestMergeFilterFlagsOverride(t *testing.T) {
	c := config.Default()
	c.Scan.Names = []string{"Polar"}
	c.Scan.Address = "AA:BB:CC:DD:EE:FF"

	f := mergeFilter(c.ScanFilter(), scanFlags{
		duration:    2 * time.Second,
		hasDuration: true,
		names:       []string{"HR", "Band"},
		hasAddr:     true,
		svcs:        []string{"ffe0"},
		fuzzy:       true,
		autoConnect: true,
	})
	if f.Timeout != 2*time.Second {
		t.Errorf("Timeout = %s, want 2s", f.Timeout)
	}
	if len(f.Names) != 2 || f.Names[0] != "HR" {
		t.Errorf("Names = %v, want [HR Band]", f.Names)
	}
	// An explicitly empty --addr clears the configured address.
	if f.Address != "" {
		t.Errorf("Address = %q, want empty", f.Address)
	}
	if len(f.ServiceUUIDs) != 1 || f.ServiceUUIDs[0] != "ffe0" {
		t.Errorf("ServiceUUIDs = %v, want [ffe0]", f.ServiceUUIDs)
	}
	if !f.FuzzyName || !f.AutoConnect {
		t.Errorf("FuzzyName/AutoConnect = %v/%v, want true/true", f.FuzzyName, f.AutoConnect)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "scan.pb")
	seen := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	records := []ble.PeripheralRecord{
		{
			Address:  "AA:BB:CC:DD:EE:FF",
			Name:     "Polar H10",
			RSSI:     -58,
			Payload:  []byte{0x02, 0x01, 0x06},
			Services: []string{"0000180d-0000-1000-8000-00805f9b34fb"},
			LastSeen: seen,
		},
		{Address: "11:22:33:44:55:66", RSSI: -90},
	}

	if err := saveSnapshot(path, records); err != nil {
		t.Fatalf("saveSnapshot() error = %v", err)
	}
	got, err := loadSnapshot(path)
	if err != nil {
		t.Fatalf("loadSnapshot() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loadSnapshot() returned %d records, want 2", len(got))
	}
	first := got[0]
	if first.Address != "AA:BB:CC:DD:EE:FF" || first.Name != "Polar H10" || first.RSSI != -58 {
		t.Errorf("first record = %+v", first)
	}
	if !bytes.Equal(first.Payload, records[0].Payload) {
		t.Errorf("Payload = %x, want %x", first.Payload, records[0].Payload)
	}
	if len(first.Services) != 1 || first.Services[0] != records[0].Services[0] {
		t.Errorf("Services = %v, want %v", first.Services, records[0].Services)
	}
	if !first.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %s, want %s", first.LastSeen, seen)
	}
	if got[1].Address != "11:22:33:44:55:66" || got[1].RSSI != -90 || got[1].Name != "" {
		t.Errorf("second record = %+v", got[1])
	}
}

func TestSaveSnapshotEmptyPathSkips(t *testing.T) {
	if err := saveSnapshot("", []ble.PeripheralRecord{{Address: "AA:BB:CC:DD:EE:FF"}}); err != nil {
		t.Errorf("saveSnapshot(\"\") error = %v", err)
	}
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	if _, err := loadSnapshot(filepath.Join(t.TempDir(), "missing.pb")); err == nil {
		t.Error("loadSnapshot() of a missing file: error = nil")
	}
}

func TestLoadConfigFallbackExpandsRecordPath(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	loaded, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if strings.HasPrefix(loaded.RecordPath, "~") {
		t.Errorf("RecordPath = %q, want an expanded path", loaded.RecordPath)
	}
	if !strings.HasPrefix(loaded.RecordPath, tmpHome) {
		t.Errorf("RecordPath = %q, want it under %q", loaded.RecordPath, tmpHome)
	}
}
