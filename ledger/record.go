// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"encoding/binary"
	"fmt"
)

// Record is the ledger's unit of storage: a key, its current value, and the
// hash of the mutation that last wrote the key.  An empty version marks a
// key that has never been written.  Every write carried by a mutation
// supplies the version the writer last observed; the ledger rejects the
// whole mutation if any of them is stale.
type Record struct {
	Key     ByteString
	Value   ByteString
	Version ByteString
}

// AccountKey returns the balance record key for the given holder account and
// asset, of the form "{account}:ACC:{asset}".
func AccountKey(account, asset string) ByteString {
	return ByteString(fmt.Sprintf("%s:ACC:%s", account, asset))
}

// DataKey returns the data record key for the given path, of the form
// "{path}:DATA" or, when name is non-empty, "{path}:DATA:{name}".
func DataKey(path, name string) ByteString {
	if name == "" {
		return ByteString(path + ":DATA")
	}
	return ByteString(fmt.Sprintf("%s:DATA:%s", path, name))
}

// Int64Value serializes a signed 64-bit integer the way the ledger stores
// balances: 8 bytes, big-endian, two's complement.
func Int64Value(v int64) ByteString {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return NewByteString(b[:])
}

// ParseInt64 decodes a ledger balance value.  An empty value decodes to
// zero, matching the meaning of a never-written balance record.
func ParseInt64(value ByteString) (int64, error) {
	if value.IsEmpty() {
		return 0, nil
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("%w: integer value has %d bytes, want 8",
			ErrMalformedData, len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}
