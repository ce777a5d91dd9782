// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import "errors"

var (
	// ErrNetwork is returned when the chain API cannot be reached or
	// answers with a failure status.  The next pipeline iteration
	// retries.
	ErrNetwork = errors.New("chain API unreachable")

	// ErrMalformedResponse is returned when a chain API response cannot
	// be decoded into the expected shape.
	ErrMalformedResponse = errors.New("malformed chain API response")

	// ErrInsufficientFunds is returned when the available outputs do not
	// cover the requested amounts plus the network fee.  This requires
	// operator intervention; the pipelines log it and continue.
	ErrInsufficientFunds = errors.New("insufficient funds for " +
		"requested amount and fee")

	// ErrBroadcast is returned when the network rejects a raw
	// transaction submission.
	ErrBroadcast = errors.New("transaction broadcast rejected")
)
