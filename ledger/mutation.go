// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"google.golang.org/protobuf/encoding/protowire"
)

// The ledger speaks protobuf on the wire.  The field numbers below are the
// ledger's published schema and must not change:
//
//	Mutation    { 1: namespace, 2: repeated Record, 3: metadata }
//	Record      { 1: key, 2: Value wrapper, 3: version }
//	Value       { 1: data }
//	Transaction { 1: mutation, 2: timestamp, 3: transaction_metadata }
const (
	mutationNamespaceField = 1
	mutationRecordsField   = 2
	mutationMetadataField  = 3

	recordKeyField     = 1
	recordValueField   = 2
	recordVersionField = 3

	valueDataField = 1

	transactionMutationField  = 1
	transactionTimestampField = 2
	transactionMetadataField  = 3
)

// Mutation is an atomic set of conditional record writes.  The ledger
// applies either all of its records or none: if any record's expected
// version differs from the ledger's current version for that key, the whole
// mutation is rejected.
type Mutation struct {
	// Namespace identifies the ledger instance the mutation belongs to.
	Namespace ByteString

	// Records are the conditional writes, in order.
	Records []*Record

	// Metadata is an opaque payload attached by the mutation's author.
	// Withdrawal requests carry a JSON document holding the payout
	// routing information here.
	Metadata ByteString
}

// Record returns the mutation's record for the given key, or nil if the
// mutation does not touch the key.
func (m *Mutation) Record(key ByteString) *Record {
	for _, record := range m.Records {
		if record.Key.Equal(key) {
			return record
		}
	}
	return nil
}

// Serialize encodes the mutation into its wire representation.  The encoding
// is deterministic: fields are emitted in field-number order and empty bytes
// fields are omitted, except each record's value wrapper which is always
// present for a written record.
func (m *Mutation) Serialize() []byte {
	var buf []byte
	buf = appendBytesField(buf, mutationNamespaceField, m.Namespace)
	for _, record := range m.Records {
		var rec []byte
		rec = appendBytesField(rec, recordKeyField, record.Key)

		var wrapper []byte
		wrapper = appendBytesField(wrapper, valueDataField, record.Value)
		rec = protowire.AppendTag(rec, recordValueField, protowire.BytesType)
		rec = protowire.AppendBytes(rec, wrapper)

		rec = appendBytesField(rec, recordVersionField, record.Version)

		buf = protowire.AppendTag(buf, mutationRecordsField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, rec)
	}
	buf = appendBytesField(buf, mutationMetadataField, m.Metadata)
	return buf
}

// DeserializeMutation decodes a wire-encoded mutation.
func DeserializeMutation(b []byte) (*Mutation, error) {
	m := &Mutation{}
	err := walkFields(b, func(num protowire.Number, payload []byte) error {
		switch num {
		case mutationNamespaceField:
			m.Namespace = NewByteString(payload)
		case mutationRecordsField:
			record, err := deserializeRecord(payload)
			if err != nil {
				return err
			}
			m.Records = append(m.Records, record)
		case mutationMetadataField:
			m.Metadata = NewByteString(payload)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bad mutation: %v", ErrMalformedData, err)
	}
	return m, nil
}

func deserializeRecord(b []byte) (*Record, error) {
	record := &Record{}
	err := walkFields(b, func(num protowire.Number, payload []byte) error {
		switch num {
		case recordKeyField:
			record.Key = NewByteString(payload)
		case recordValueField:
			return walkFields(payload, func(num protowire.Number, inner []byte) error {
				if num == valueDataField {
					record.Value = NewByteString(inner)
				}
				return nil
			})
		case recordVersionField:
			record.Version = NewByteString(payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// SerializeTransaction wraps a serialized mutation into the ledger's
// transaction envelope.
func SerializeTransaction(serializedMutation []byte, timestamp int64, metadata ByteString) []byte {
	var buf []byte
	buf = appendBytesField(buf, transactionMutationField, serializedMutation)
	if timestamp != 0 {
		buf = protowire.AppendTag(buf, transactionTimestampField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(timestamp))
	}
	buf = appendBytesField(buf, transactionMetadataField, metadata)
	return buf
}

// MutationFromTransaction extracts and decodes the mutation carried by a raw
// transaction envelope as returned by the ledger's transaction query.
func MutationFromTransaction(raw []byte) (*Mutation, error) {
	var serializedMutation []byte
	err := walkFields(raw, func(num protowire.Number, payload []byte) error {
		if num == transactionMutationField {
			serializedMutation = payload
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bad transaction envelope: %v",
			ErrMalformedData, err)
	}
	if serializedMutation == nil {
		return nil, fmt.Errorf("%w: transaction envelope carries no "+
			"mutation", ErrMalformedData)
	}
	return DeserializeMutation(serializedMutation)
}

// MutationHash computes the hash identifying a serialized mutation: a double
// SHA-256 over the wire bytes.  Record versions are mutation hashes.
func MutationHash(serializedMutation []byte) ByteString {
	return ByteString(chainhash.DoubleHashB(serializedMutation))
}

// RecordSignature is one (public key, signature) pair endorsing a mutation.
type RecordSignature struct {
	PubKey    ByteString
	Signature ByteString
}

// SignedMutation is what is actually submitted to the ledger: the serialized
// mutation plus the signatures over its hash.
type SignedMutation struct {
	Mutation   ByteString
	Signatures []RecordSignature
}

// SignMutation signs a serialized mutation's hash with the given key and
// returns the submission envelope.  Signatures are DER-encoded ECDSA over
// secp256k1, matching what the ledger validates.
func SignMutation(serializedMutation []byte, key *btcec.PrivateKey) *SignedMutation {
	hash := MutationHash(serializedMutation)
	signature := ecdsa.Sign(key, hash)
	return &SignedMutation{
		Mutation: NewByteString(serializedMutation),
		Signatures: []RecordSignature{{
			PubKey:    NewByteString(key.PubKey().SerializeCompressed()),
			Signature: NewByteString(signature.Serialize()),
		}},
	}
}

// appendBytesField appends a length-delimited field, omitting it entirely
// when the payload is empty.
func appendBytesField(buf []byte, num protowire.Number, payload []byte) []byte {
	if len(payload) == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, payload)
}

// walkFields iterates the top-level fields of a wire-encoded message,
// invoking fn for every length-delimited field and skipping over fields of
// any other type.
func walkFields(b []byte, fn func(num protowire.Number, payload []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ == protowire.BytesType {
			payload, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, payload); err != nil {
				return err
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}
