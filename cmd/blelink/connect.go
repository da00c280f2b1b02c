package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/chaz8081/blelink/internal/ble"
)

var (
	errNoAddr      = errors.New("no peripheral address given (use --addr or scan.address)")
	errInvalidPair = errors.New("expected svc/char")
	errInvalidVal  = errors.New("expected svc/char=hex")
)

// charRef is a service/characteristic pair given on the command line.
type charRef struct {
	svc, char string
}

func parseCharRef(s string) (charRef, error) {
	svc, char, ok := strings.Cut(s, "/")
	if !ok || svc == "" || char == "" {
		return charRef{}, errors.Wrapf(errInvalidPair, "%q", s)
	}
	return charRef{svc: svc, char: char}, nil
}

func parseWrite(s string) (charRef, []byte, error) {
	ref, val, ok := strings.Cut(s, "=")
	if !ok {
		return charRef{}, nil, errors.Wrapf(errInvalidVal, "%q", s)
	}
	r, err := parseCharRef(ref)
	if err != nil {
		return charRef{}, nil, err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(val), "0x"))
	if err != nil {
		return charRef{}, nil, errors.Wrapf(err, "%q", s)
	}
	return r, data, nil
}

// target resolves the address against the last scan snapshot, so the
// connection carries the scanned record when there is one.
func target(addr string) ble.Target {
	records, err := loadSnapshot(cfg.RecordPath)
	if err == nil {
		for _, rec := range records {
			if strings.EqualFold(rec.Address, addr) {
				return ble.RecordTarget(rec)
			}
		}
	}
	return ble.AddressTarget(addr)
}

func cmdConnect(c *cli.Context) error {
	addr := c.String("addr")
	if addr == "" {
		addr = cfg.Scan.Address
	}
	if addr == "" {
		return errNoAddr
	}

	reads, err := parseRefs(c.StringSlice("read"))
	if err != nil {
		return err
	}
	notifies, err := parseRefs(c.StringSlice("notify"))
	if err != nil {
		return err
	}
	indicates, err := parseRefs(c.StringSlice("indicate"))
	if err != nil {
		return err
	}
	type write struct {
		ref  charRef
		data []byte
	}
	var writes []write
	for _, s := range c.StringSlice("write") {
		ref, data, err := parseWrite(s)
		if err != nil {
			return err
		}
		writes = append(writes, write{ref, data})
	}

	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := holdContext(c.Duration("hold"))
	defer cancel()

	fmt.Printf("Connecting to %s...\n", addr)
	conn, err := eng.Connect(target(addr)).Wait(ctx)
	if err != nil {
		return chkErr(errors.Wrapf(err, "can't connect to %s", addr))
	}
	if rec, ok := conn.Record(); ok && rec.Name != "" {
		fmt.Printf("Connected to %s (%s)\n", conn.Address(), rec.Name)
	} else {
		fmt.Printf("Connected to %s\n", conn.Address())
	}

	if n := c.Int("mtu"); n > 0 {
		got, err := conn.SetMTU(n).Wait(ctx)
		if err != nil {
			return chkErr(errors.Wrap(err, "can't set mtu"))
		}
		fmt.Printf("MTU: %d\n", got)
	}
	if c.Bool("rssi") {
		rssi, err := conn.ReadRSSI().Wait(ctx)
		if err != nil {
			return chkErr(errors.Wrap(err, "can't read rssi"))
		}
		fmt.Printf("RSSI: %d\n", rssi)
	}
	for _, r := range reads {
		data, err := conn.Read(r.svc, r.char).Wait(ctx)
		if err != nil {
			return chkErr(errors.Wrapf(err, "can't read %s/%s", r.svc, r.char))
		}
		fmt.Printf("Read %s/%s: %X | %q\n", r.svc, r.char, data, data)
	}
	for _, w := range writes {
		if _, err := conn.Write(w.ref.svc, w.ref.char, w.data).Wait(ctx); err != nil {
			return chkErr(errors.Wrapf(err, "can't write %s/%s", w.ref.svc, w.ref.char))
		}
		fmt.Printf("Wrote %d bytes to %s/%s\n", len(w.data), w.ref.svc, w.ref.char)
	}

	subscribed := 0
	for _, r := range notifies {
		if err := subscribe(ctx, conn.EnableNotify, r, "notification"); err != nil {
			return chkErr(err)
		}
		subscribed++
	}
	for _, r := range indicates {
		if err := subscribe(ctx, conn.EnableIndicate, r, "indication"); err != nil {
			return chkErr(err)
		}
		subscribed++
	}

	if subscribed > 0 || c.IsSet("hold") {
		fmt.Printf("Holding the link, press Ctrl+C to disconnect\n")
		<-ctx.Done()
	}
	return chkErr(eng.Disconnect(conn.Address()))
}

func parseRefs(in []string) ([]charRef, error) {
	refs := make([]charRef, 0, len(in))
	for _, s := range in {
		r, err := parseCharRef(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, nil
}

func subscribe(ctx context.Context, enable func(string, string, func([]byte)) *ble.Future[struct{}], r charRef, kind string) error {
	_, err := enable(r.svc, r.char, func(data []byte) {
		fmt.Printf("%s %s/%s: %X | %q\n", kind, r.svc, r.char, data, data)
	}).Wait(ctx)
	if err != nil {
		return errors.Wrapf(err, "can't subscribe to %s/%s", r.svc, r.char)
	}
	fmt.Printf("Subscribed to %ss on %s/%s\n", kind, r.svc, r.char)
	return nil
}
