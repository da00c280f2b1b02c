package main

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestParseCharRef(t *testing.T) {
	r, err := parseCharRef("180d/2a37")
	if err != nil {
		t.Fatalf("parseCharRef() error = %v", err)
	}
	if r.svc != "180d" || r.char != "2a37" {
		t.Errorf("parseCharRef() = %+v", r)
	}

	for _, bad := range []string{"", "180d", "/2a37", "180d/"} {
		if _, err := parseCharRef(bad); errors.Cause(err) != errInvalidPair {
			t.Errorf("parseCharRef(%q) error = %v, want errInvalidPair", bad, err)
		}
	}
}

func TestParseWrite(t *testing.T) {
	r, data, err := parseWrite("ffe0/ffe1=0x01FF")
	if err != nil {
		t.Fatalf("parseWrite() error = %v", err)
	}
	if r.svc != "ffe0" || r.char != "ffe1" || !bytes.Equal(data, []byte{0x01, 0xff}) {
		t.Errorf("parseWrite() = %+v %x", r, data)
	}

	if _, _, err := parseWrite("ffe0/ffe1"); errors.Cause(err) != errInvalidVal {
		t.Errorf("missing value error = %v, want errInvalidVal", err)
	}
	if _, _, err := parseWrite("ffe0/ffe1=zz"); err == nil {
		t.Error("bad hex: error = nil")
	}
}
