package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/chaz8081/blelink/internal/ble"
)

// scanFlags holds the scan command flags that override the config filter.
type scanFlags struct {
	duration    time.Duration
	hasDuration bool
	names       []string
	addr        string
	hasAddr     bool
	svcs        []string
	fuzzy       bool
	autoConnect bool
}

// filter merges the scan flags over the configured default filter.
func filter(c *cli.Context) ble.ScanConfig {
	return mergeFilter(cfg.ScanFilter(), scanFlags{
		duration:    c.Duration("duration"),
		hasDuration: c.IsSet("duration"),
		names:       c.StringSlice("name"),
		addr:        c.String("addr"),
		hasAddr:     c.IsSet("addr"),
		svcs:        c.StringSlice("svc"),
		fuzzy:       c.Bool("fuzzy"),
		autoConnect: c.Bool("auto-connect"),
	})
}

func mergeFilter(f ble.ScanConfig, fl scanFlags) ble.ScanConfig {
	if fl.hasDuration {
		f.Timeout = fl.duration
	}
	if len(fl.names) > 0 {
		f.Names = fl.names
	}
	if fl.hasAddr {
		f.Address = fl.addr
	}
	if len(fl.svcs) > 0 {
		f.ServiceUUIDs = fl.svcs
	}
	if fl.fuzzy {
		f.FuzzyName = true
	}
	if fl.autoConnect {
		f.AutoConnect = true
	}
	return f
}

func cmdScan(c *cli.Context) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	f := filter(c)
	ctx, cancel := holdContext(0)
	defer cancel()

	outcome := make(chan ble.ConnectionEvent, 1)
	if f.AutoConnect {
		eng.OnEvent(func(ev ble.ConnectionEvent) {
			if ev.Type == ble.EventConnected || ev.Type == ble.EventConnectFailed {
				select {
				case outcome <- ev:
				default:
				}
			}
		})
	}

	fmt.Printf("Scanning for %s...\n", f.Timeout)
	sess, err := eng.Scan(ctx, f, advHandler)
	if err != nil {
		return errors.Wrap(err, "can't scan")
	}
	records, err := sess.Wait(context.Background())
	if err != nil {
		return errors.Wrap(err, "scan failed")
	}
	fmt.Printf("Found %d peripheral(s)\n", len(records))

	if err := saveSnapshot(outPath(c), records); err != nil {
		return err
	}

	if !f.AutoConnect || len(records) == 0 {
		return nil
	}
	select {
	case ev := <-outcome:
		if ev.Err != nil {
			return errors.Wrapf(ev.Err, "can't connect to %s", ev.Address)
		}
		fmt.Printf("Connected to %s, press Ctrl+C to disconnect\n", ev.Address)
	case <-ctx.Done():
		return chkErr(ctx.Err())
	}
	<-ctx.Done()
	return chkErr(eng.DisconnectAll())
}

func advHandler(rec ble.PeripheralRecord) {
	name := rec.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Printf("[%s] RSSI: %3d: %-20s", rec.Address, rec.RSSI, name)
	if len(rec.Services) > 0 {
		fmt.Printf(" Svcs: %s", strings.Join(rec.Services, ","))
	}
	if len(rec.Payload) > 0 {
		fmt.Printf(" Adv: %X", rec.Payload)
	}
	fmt.Printf("\n")
}

func outPath(c *cli.Context) string {
	if p := c.String("out"); p != "" {
		return p
	}
	return cfg.RecordPath
}

// saveSnapshot writes the scan summary; an empty path skips it.
func saveSnapshot(path string, records []ble.PeripheralRecord) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "can't create snapshot dir")
	}
	if err := os.WriteFile(path, ble.MarshalRecords(records), 0644); err != nil {
		return errors.Wrap(err, "can't write snapshot")
	}
	fmt.Printf("Snapshot written to %s\n", path)
	return nil
}

// loadSnapshot reads a scan summary written by saveSnapshot.
func loadSnapshot(path string) ([]ble.PeripheralRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read snapshot")
	}
	records, err := ble.UnmarshalRecords(data)
	if err != nil {
		return nil, errors.Wrapf(err, "can't decode snapshot %s", path)
	}
	return records, nil
}

func cmdShow(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = cfg.RecordPath
	}
	records, err := loadSnapshot(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		advHandler(rec)
		if !rec.LastSeen.IsZero() {
			fmt.Printf("    last seen %s\n", rec.LastSeen.Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}
