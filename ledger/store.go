// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import "context"

// Store is the transport surface of the remote ledger.  The production
// implementation is HTTPStore; tests substitute in-memory fakes.
type Store interface {
	// GetRecord returns the current state of the record stored under
	// key.  A never-written key yields a record with an empty value and
	// an empty version, not an error.
	GetRecord(ctx context.Context, key ByteString) (*Record, error)

	// GetSubAccounts returns every record stored under the given account
	// path prefix.
	GetSubAccounts(ctx context.Context, account string) ([]*Record, error)

	// GetTransaction returns the raw transaction envelope of the
	// mutation identified by its hash.
	GetTransaction(ctx context.Context, mutationHash ByteString) ([]byte, error)

	// Submit proposes a signed mutation.  A rejection caused by a stale
	// record version surfaces as ErrConcurrencyConflict.
	Submit(ctx context.Context, mutation *SignedMutation) error
}
