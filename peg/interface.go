// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import "context"

// InboundTransaction describes a single unspent output paid to the gateway's
// receiving address whose originating transaction carries a routing tag.  It
// is produced by the chain client's deposit scan and consumed once by the
// ledger client (issuance) and once by the chain client (sweep to storage).
type InboundTransaction struct {
	// TxHash is the hex-encoded hash of the funding transaction.
	TxHash string

	// OutputIndex is the index of the deposit output within the funding
	// transaction.
	OutputIndex uint32

	// Amount is the deposit value in satoshis.
	Amount int64

	// RoutingAccount is the ledger account path recovered from the
	// transaction's routing tag.
	RoutingAccount string
}

// OutboundTransaction describes a single pending withdrawal discovered on the
// ledger.  It is produced by the ledger client's withdrawal discovery and
// consumed by the chain client (payout construction) and the ledger client
// (redemption marking).
type OutboundTransaction struct {
	// RecordKey is the raw key of the escrow balance record the withdrawal
	// was discovered on.
	RecordKey []byte

	// Amount is the requested payout value in satoshis.
	Amount int64

	// MutationVersion is the hash of the ledger mutation that produced the
	// withdrawal's balance delta.  It uniquely identifies the withdrawal
	// and is the key used to mark it processed.
	MutationVersion []byte

	// PayoutAddress is the Bitcoin address the withdrawal pays out to,
	// recovered from the producing mutation's metadata.
	PayoutAddress string
}

// ChainClient is the set of Bitcoin-side capabilities the gateway composes
// into its pipelines.  The concrete implementation lives in the chain
// package; tests substitute in-memory fakes.
type ChainClient interface {
	// ScanDeposits returns all routable deposits currently sitting
	// unspent on the receiving address.
	ScanDeposits(ctx context.Context) ([]*InboundTransaction, error)

	// SweepToStorage moves a recognized deposit from the receiving
	// address to cold storage and returns the broadcast transaction id.
	SweepToStorage(ctx context.Context, tx *InboundTransaction) (string, error)

	// BuildPayout constructs and signs, but does not broadcast, a
	// transaction paying every pending withdrawal from the storage
	// address.
	BuildPayout(ctx context.Context, txs []*OutboundTransaction) ([]byte, error)

	// Broadcast submits a raw transaction to the network and returns its
	// transaction id.
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
}

// LedgerClient is the set of ledger-side capabilities the gateway composes
// into its pipelines.
type LedgerClient interface {
	// IssueCredit credits the deposit's routing account on the ledger.
	// The returned boolean reports whether a credit was actually issued;
	// it is false when the deposit was already issued previously.
	IssueCredit(ctx context.Context, tx *InboundTransaction) (bool, error)

	// DiscoverWithdrawals walks the escrow account history and returns
	// every withdrawal that has not yet been marked processed.
	DiscoverWithdrawals(ctx context.Context) ([]*OutboundTransaction, error)

	// MarkRedeemed records that the given withdrawals are paid by the
	// supplied payout transaction.
	MarkRedeemed(ctx context.Context, txs []*OutboundTransaction, payoutTx []byte) error

	// PendingPayouts returns the payout transactions stored by previous
	// MarkRedeemed calls, so the gateway can re-broadcast them after an
	// unclean shutdown.
	PendingPayouts(ctx context.Context) ([][]byte, error)
}
