package ble

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Scan snapshots are protobuf-encoded:
//
//	message Snapshot { repeated Record records = 1; }
//	message Record {
//	  string address = 1;
//	  string name = 2;
//	  sint64 rssi = 3;
//	  bytes payload = 4;
//	  repeated string services = 5;
//	  int64 last_seen_unix_nano = 6;
//	}
const (
	snapshotRecords protowire.Number = 1

	recordAddress  protowire.Number = 1
	recordName     protowire.Number = 2
	recordRSSI     protowire.Number = 3
	recordPayload  protowire.Number = 4
	recordServices protowire.Number = 5
	recordLastSeen protowire.Number = 6
)

// MarshalRecords encodes a scan summary.
func MarshalRecords(records []PeripheralRecord) []byte {
	var buf []byte
	for _, r := range records {
		buf = protowire.AppendTag(buf, snapshotRecords, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalRecord(r))
	}
	return buf
}

func marshalRecord(r PeripheralRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, recordAddress, protowire.BytesType)
	b = protowire.AppendString(b, r.Address)
	if r.Name != "" {
		b = protowire.AppendTag(b, recordName, protowire.BytesType)
		b = protowire.AppendString(b, r.Name)
	}
	b = protowire.AppendTag(b, recordRSSI, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.RSSI)))
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, recordPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	for _, s := range r.Services {
		b = protowire.AppendTag(b, recordServices, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	if !r.LastSeen.IsZero() {
		b = protowire.AppendTag(b, recordLastSeen, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.LastSeen.UnixNano()))
	}
	return b
}

// UnmarshalRecords decodes a scan summary written by MarshalRecords.
// Unknown fields are skipped.
func UnmarshalRecords(data []byte) ([]PeripheralRecord, error) {
	var out []PeripheralRecord
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("ble: snapshot tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num != snapshotRecords || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("ble: snapshot field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("ble: snapshot record: %w", protowire.ParseError(n))
		}
		data = data[n:]
		rec, err := unmarshalRecord(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func unmarshalRecord(b []byte) (PeripheralRecord, error) {
	var r PeripheralRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("ble: record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == recordAddress || num == recordName || num == recordPayload || num == recordServices):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, fmt.Errorf("ble: record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case recordAddress:
				r.Address = string(v)
			case recordName:
				r.Name = string(v)
			case recordPayload:
				r.Payload = append([]byte(nil), v...)
			case recordServices:
				r.Services = append(r.Services, string(v))
			}
		case typ == protowire.VarintType && (num == recordRSSI || num == recordLastSeen):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("ble: record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == recordRSSI {
				r.RSSI = int(protowire.DecodeZigZag(v))
			} else {
				r.LastSeen = time.Unix(0, int64(v))
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("ble: record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if r.Address == "" {
		return r, errors.New("ble: record without address")
	}
	return r, nil
}
