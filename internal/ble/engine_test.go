package ble

import (
	"context"
	"errors"
	"testing"
)

func TestEngineScanAutoConnect(t *testing.T) {
	adapter := newMockAdapter()
	e := newEnabledEngine(t, adapter, testOptions())

	sess, err := e.Scan(context.Background(), ScanConfig{Names: []string{"Polar"}, FuzzyName: true, AutoConnect: true}, nil)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	adapter.Advertise(Advertisement{Address: "01", Name: "Other"})
	adapter.Advertise(Advertisement{Address: testAddr, Name: "Polar H10", RSSI: -55})

	records, err := await(t, sess.result)
	if err != nil {
		t.Fatalf("scan Wait() error = %v", err)
	}
	if len(records) != 1 || records[0].Address != testAddr {
		t.Errorf("summary = %+v, want only %s", records, testAddr)
	}

	eventually(t, func() bool { return e.State(testAddr) == StateConnected }, "auto-connect did not connect")
	conn, ok := e.Connection(testAddr)
	if !ok {
		t.Fatal("Connection() not found")
	}
	rec, ok := conn.Record()
	if !ok || rec.Name != "Polar H10" {
		t.Errorf("Record() = (%+v, %v), want the scanned record", rec, ok)
	}
	if e.Scanning() {
		t.Error("scan still running after auto-connect")
	}
}

func TestEngineDeviceByAddress(t *testing.T) {
	adapter := newMockAdapter()
	e := newEnabledEngine(t, adapter, testOptions())

	bare := e.DeviceByAddress("11:22:33:44:55:66")
	if bare.Address != "11:22:33:44:55:66" || bare.Name != "" {
		t.Errorf("unseen device = %+v, want bare record", bare)
	}

	sess, err := e.Scan(context.Background(), ScanConfig{}, nil)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	adapter.Advertise(Advertisement{Address: testAddr, Name: "HR", RSSI: -70, Payload: []byte{0x02, 0x01, 0x06}})
	sess.Cancel()

	rec := e.DeviceByAddress("aa:bb:cc:dd:ee:ff")
	if rec.Name != "HR" || rec.RSSI != -70 || len(rec.Payload) != 3 {
		t.Errorf("DeviceByAddress() = %+v, want the scanned record", rec)
	}
}

func TestEngineOperationsRequireConnection(t *testing.T) {
	e := newEnabledEngine(t, newMockAdapter(), testOptions())

	if _, err := await(t, e.Read(testAddr, testService, testChar)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read() error = %v, want ErrNotConnected", err)
	}
	if _, err := await(t, e.Write(testAddr, testService, testChar, []byte{1})); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() error = %v, want ErrNotConnected", err)
	}
	if _, err := await(t, e.Notify(testAddr, testService, testChar, func([]byte) {})); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Notify() error = %v, want ErrNotConnected", err)
	}
	if _, err := await(t, e.SetMTU(testAddr, 100)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetMTU() error = %v, want ErrNotConnected", err)
	}
	if _, err := await(t, e.ReadRSSI(testAddr)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadRSSI() error = %v, want ErrNotConnected", err)
	}
}

func TestEngineOperationsByAddress(t *testing.T) {
	adapter := newMockAdapter()
	e := newEnabledEngine(t, adapter, testOptions())
	_, link := connectEngine(t, e, adapter)

	var c collector
	if _, err := await(t, e.Indicate(testAddr, testService, testChar, c.add)); err != nil {
		t.Fatalf("Indicate() error = %v", err)
	}
	link.SimulateNotification(testService, testChar, []byte("ok"))
	if _, err := await(t, e.StopIndicate(testAddr, testService, testChar)); err != nil {
		t.Fatalf("StopIndicate() error = %v", err)
	}
	if got := c.values(); len(got) != 1 || got[0] != "ok" {
		t.Errorf("delivered %v, want [ok]", got)
	}

	if _, err := await(t, e.Write(testAddr, testService, testChar, []byte("hi"))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if writes := link.Writes(); len(writes) != 1 || string(writes[0]) != "hi" {
		t.Errorf("writes = %q, want [hi]", writes)
	}
}

func TestEngineAdapterOffCancelsScan(t *testing.T) {
	adapter := newMockAdapter()
	e := newEnabledEngine(t, adapter, testOptions())

	sess, err := e.Scan(context.Background(), ScanConfig{}, nil)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	e.Guard().Observe(AdapterDisabled)

	if _, err := await(t, sess.result); err != nil {
		t.Errorf("scan Wait() error = %v", err)
	}
	if e.Scanning() {
		t.Error("Scanning() = true after adapter turned off")
	}
	if _, err := e.Scan(context.Background(), ScanConfig{}, nil); !errors.Is(err, ErrAdapterUnavailable) {
		t.Errorf("Scan() with adapter off error = %v, want ErrAdapterUnavailable", err)
	}
}

func TestEngineOptionsDefaults(t *testing.T) {
	e := New(newMockAdapter(), Options{})
	opts := e.Options()
	if opts.SplitWriteNum != 20 || opts.MaxConnections != 7 || opts.ReconnectCount != 0 {
		t.Errorf("Options() = %+v, want defaults with ReconnectCount 0 kept", opts)
	}
	if !e.IsSupported() || e.IsEnabled() {
		t.Errorf("IsSupported/IsEnabled = %v/%v, want true/false", e.IsSupported(), e.IsEnabled())
	}
}
