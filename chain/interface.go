// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import "context"

// UnspentOutput is one unspent output as reported by the explorer API.
type UnspentOutput struct {
	// TxHash is the hex-encoded hash of the transaction holding the
	// output.
	TxHash string

	// OutputIndex is the output's index within that transaction.
	OutputIndex uint32

	// Value is the output value in satoshis.
	Value int64
}

// TransactionOutput is one output of a fetched transaction.
type TransactionOutput struct {
	// PkScript is the output's raw script.
	PkScript []byte
}

// TransactionDetail is the subset of a fetched transaction the gateway
// inspects: its output scripts.
type TransactionDetail struct {
	Outputs []TransactionOutput
}

// Explorer is the transport surface of the remote Bitcoin chain API.  The
// production implementation is HTTPExplorer; tests substitute in-memory
// fakes.
type Explorer interface {
	// ListUnspent returns all unspent outputs held by the given address.
	ListUnspent(ctx context.Context, address string) ([]*UnspentOutput, error)

	// GetTransaction returns the transaction identified by its
	// hex-encoded hash.
	GetTransaction(ctx context.Context, txHash string) (*TransactionDetail, error)

	// BroadcastTransaction submits a raw transaction to the network and
	// returns the assigned transaction id.
	BroadcastTransaction(ctx context.Context, rawTx []byte) (string, error)
}
