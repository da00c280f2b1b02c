package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// baseUUIDSuffix completes 16- and 32-bit assigned numbers into full UUIDs.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID returns the canonical lowercase 128-bit form of a service or
// characteristic identifier. Short forms such as "180d" or "0x180D" expand
// against the Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	switch len(raw) {
	case 4:
		raw = "0000" + raw + baseUUIDSuffix
	case 8:
		raw = raw + baseUUIDSuffix
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidUUID, s, err)
	}
	return u.String(), nil
}

// normalizeAddress makes addresses comparable regardless of case.
func normalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
