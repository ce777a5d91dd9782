// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// ByteString is a binary value exchanged with the ledger: record keys,
// record values and mutation versions are all ByteStrings.  The ledger's
// HTTP API represents them as lowercase hex.
type ByteString []byte

// NewByteString returns a ByteString backed by a copy of b.
func NewByteString(b []byte) ByteString {
	bs := make(ByteString, len(b))
	copy(bs, b)
	return bs
}

// ParseByteString decodes a hex representation as returned by the ledger
// API.
func ParseByteString(s string) (ByteString, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex value %q", ErrMalformedData, s)
	}
	return ByteString(b), nil
}

// String returns the lowercase hex representation expected by the ledger
// API.
func (bs ByteString) String() string {
	return hex.EncodeToString(bs)
}

// Equal reports whether two ByteStrings hold the same bytes.
func (bs ByteString) Equal(other ByteString) bool {
	return bytes.Equal(bs, other)
}

// IsEmpty reports whether the ByteString holds no bytes.  An empty record
// version means the record has never been written.
func (bs ByteString) IsEmpty() bool {
	return len(bs) == 0
}
