// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import "errors"

var (
	// ErrLedgerUnavailable is returned when the ledger API cannot be
	// reached or answers with a server failure.  The condition is
	// transient; the next pipeline iteration retries against fresh
	// state.
	ErrLedgerUnavailable = errors.New("ledger service unavailable")

	// ErrConcurrencyConflict is returned when the ledger rejects a
	// mutation because one of its records carried a stale expected
	// version.  This is a normal outcome of the ledger's optimistic
	// concurrency check and is retryable after re-reading state.
	ErrConcurrencyConflict = errors.New("mutation rejected due to " +
		"stale record version")

	// ErrMalformedData is returned when a ledger response or stored
	// value cannot be decoded.
	ErrMalformedData = errors.New("malformed ledger data")
)
