// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain implements the Bitcoin side of the peg gateway: scanning
// the receiving address for routable deposits, sweeping recognized deposits
// to cold storage, and constructing the payout transactions that redeem
// ledger withdrawals.
package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/openchain/btcgateway/peg"
)

// ClientConfig groups the dependencies of a Client.
type ClientConfig struct {
	// Explorer is the chain API transport.
	Explorer Explorer

	// ReceivingKey controls the hot address deposits are paid to.
	ReceivingKey *btcec.PrivateKey

	// StorageKey controls the cold-storage address deposits are swept to
	// and payouts are funded from.
	StorageKey *btcec.PrivateKey

	// ChainParams identifies the Bitcoin network in use.
	ChainParams *chaincfg.Params

	// Fee is the fixed network fee, in satoshis, subtracted from every
	// transaction the client builds.
	Fee btcutil.Amount
}

// Client performs the gateway's Bitcoin-side operations.  All addresses are
// P2PKH over the configured keys' compressed public keys.
type Client struct {
	cfg ClientConfig

	receivingAddr   btcutil.Address
	receivingScript []byte
	storageAddr     btcutil.Address
	storageScript   []byte
}

// A compile-time check to ensure Client satisfies the peg.ChainClient
// interface.
var _ peg.ChainClient = (*Client)(nil)

// NewClient constructs a chain client, deriving the receiving and storage
// addresses from the configured keys.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg.Explorer == nil {
		return nil, errors.New("chain client requires an explorer")
	}
	if cfg.ReceivingKey == nil || cfg.StorageKey == nil {
		return nil, errors.New("chain client requires both a " +
			"receiving and a storage key")
	}
	if cfg.ChainParams == nil {
		return nil, errors.New("chain client requires chain parameters")
	}
	if cfg.Fee < 0 {
		return nil, errors.New("chain client fee may not be negative")
	}

	receivingAddr, receivingScript, err := p2pkh(cfg.ReceivingKey, cfg.ChainParams)
	if err != nil {
		return nil, err
	}
	storageAddr, storageScript, err := p2pkh(cfg.StorageKey, cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:             *cfg,
		receivingAddr:   receivingAddr,
		receivingScript: receivingScript,
		storageAddr:     storageAddr,
		storageScript:   storageScript,
	}, nil
}

// ReceivingAddress returns the encoded hot address deposits must be paid to.
func (c *Client) ReceivingAddress() string {
	return c.receivingAddr.EncodeAddress()
}

// StorageAddress returns the encoded cold-storage address.
func (c *Client) StorageAddress() string {
	return c.storageAddr.EncodeAddress()
}

// p2pkh derives the pay-to-pubkey-hash address and output script of a key's
// compressed public key.
func p2pkh(key *btcec.PrivateKey, params *chaincfg.Params) (btcutil.Address, []byte, error) {
	pubKeyHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}
	return addr, script, nil
}

// ScanDeposits lists the unspent outputs sitting on the receiving address
// and resolves each one's routing account from its originating transaction.
// Outputs whose origin carries no recognizable routing tag are skipped
// silently.  A transport failure while fetching any origin aborts the whole
// scan: partial results are never returned.
func (c *Client) ScanDeposits(ctx context.Context) ([]*peg.InboundTransaction, error) {
	unspents, err := c.cfg.Explorer.ListUnspent(ctx, c.ReceivingAddress())
	if err != nil {
		return nil, err
	}

	deposits := make([]*peg.InboundTransaction, 0, len(unspents))
	for _, unspent := range unspents {
		detail, err := c.cfg.Explorer.GetTransaction(ctx, unspent.TxHash)
		if err != nil {
			return nil, err
		}

		account, ok := findRoutingAccount(detail)
		if !ok {
			log.Debugf("Output %s:%d carries no routing tag, "+
				"skipping", unspent.TxHash, unspent.OutputIndex)
			continue
		}

		deposits = append(deposits, &peg.InboundTransaction{
			TxHash:         unspent.TxHash,
			OutputIndex:    unspent.OutputIndex,
			Amount:         unspent.Value,
			RoutingAccount: account,
		})
	}
	return deposits, nil
}

// findRoutingAccount scans a transaction's outputs for a routing tag.
func findRoutingAccount(detail *TransactionDetail) (string, bool) {
	for _, output := range detail.Outputs {
		if account, ok := ExtractRoutingTag(output.PkScript); ok {
			return account, true
		}
	}
	return "", false
}

// SweepToStorage spends the given deposit output to the storage address with
// a single-input, single-output transaction, subtracting the fixed fee, and
// broadcasts it.
func (c *Client) SweepToStorage(ctx context.Context, deposit *peg.InboundTransaction) (string, error) {
	if btcutil.Amount(deposit.Amount) <= c.cfg.Fee {
		return "", fmt.Errorf("%w: deposit of %d does not cover the "+
			"%d fee", ErrInsufficientFunds, deposit.Amount, c.cfg.Fee)
	}

	outPoint, err := parseOutPoint(deposit.TxHash, deposit.OutputIndex)
	if err != nil {
		return "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(outPoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(deposit.Amount-int64(c.cfg.Fee), c.storageScript))

	prevOuts := map[wire.OutPoint]*wire.TxOut{
		*outPoint: wire.NewTxOut(deposit.Amount, c.receivingScript),
	}
	if err := signInputs(tx, prevOuts, c.cfg.ReceivingKey); err != nil {
		return "", err
	}

	rawTx, err := serializeTx(tx)
	if err != nil {
		return "", err
	}

	txid, err := c.cfg.Explorer.BroadcastTransaction(ctx, rawTx)
	if err != nil {
		return "", err
	}

	log.Debugf("Swept %d from %s:%d to storage in %s", deposit.Amount,
		deposit.TxHash, deposit.OutputIndex, txid)
	return txid, nil
}

// BuildPayout constructs and signs the transaction redeeming the given
// withdrawals from cold storage.  Every storage output is consumed as an
// input, consolidating the storage balance; one output pays each withdrawal
// and any remainder beyond the fixed fee returns to storage as change.  The
// transaction is returned serialized and is not broadcast.
func (c *Client) BuildPayout(ctx context.Context, withdrawals []*peg.OutboundTransaction) ([]byte, error) {
	if len(withdrawals) == 0 {
		return nil, errors.New("no withdrawals to pay out")
	}

	unspents, err := c.cfg.Explorer.ListUnspent(ctx, c.StorageAddress())
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(unspents))
	total := btcutil.Amount(0)
	for _, unspent := range unspents {
		outPoint, err := parseOutPoint(unspent.TxHash, unspent.OutputIndex)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(outPoint, nil, nil))
		prevOuts[*outPoint] = wire.NewTxOut(unspent.Value, c.storageScript)
		total += btcutil.Amount(unspent.Value)
	}

	requested := btcutil.Amount(0)
	for _, withdrawal := range withdrawals {
		addr, err := btcutil.DecodeAddress(withdrawal.PayoutAddress,
			c.cfg.ChainParams)
		if err != nil {
			return nil, fmt.Errorf("invalid payout address %q: %w",
				withdrawal.PayoutAddress, err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(withdrawal.Amount, script))
		requested += btcutil.Amount(withdrawal.Amount)
	}

	change := total - requested - c.cfg.Fee
	if change < 0 {
		return nil, fmt.Errorf("%w: storage holds %d, need %d plus "+
			"the %d fee", ErrInsufficientFunds, total, requested,
			c.cfg.Fee)
	}
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), c.storageScript))
	}

	if err := signInputs(tx, prevOuts, c.cfg.StorageKey); err != nil {
		return nil, err
	}

	log.Debugf("Built payout of %d to %d address(es) from %d storage "+
		"output(s), change %d", requested, len(withdrawals),
		len(tx.TxIn), change)
	return serializeTx(tx)
}

// Broadcast submits a raw transaction to the network.  Failures are
// propagated, not retried; retrying is the pipeline's job on its next
// iteration.
func (c *Client) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	return c.cfg.Explorer.BroadcastTransaction(ctx, rawTx)
}

// parseOutPoint converts an explorer (hash, index) pair into a wire
// outpoint.
func parseOutPoint(txHash string, index uint32) (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: bad transaction hash %q: %v",
			ErrMalformedResponse, txHash, err)
	}
	return wire.NewOutPoint(hash, index), nil
}

// signInputs signs every input of tx with the given key and verifies each
// resulting script by executing it, so an unspendable transaction is caught
// before it leaves the process.  All previous outputs must be listed in
// prevOuts.
func signInputs(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut,
	key *btcec.PrivateKey) error {

	for i, txIn := range tx.TxIn {
		prevOut, ok := prevOuts[txIn.PreviousOutPoint]
		if !ok {
			return fmt.Errorf("no previous output for input %d", i)
		}
		sigScript, err := txscript.SignatureScript(tx, i,
			prevOut.PkScript, txscript.SigHashAll, key, true)
		if err != nil {
			return err
		}
		txIn.SignatureScript = sigScript
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prevOut := prevOuts[txIn.PreviousOutPoint]
		vm, err := txscript.NewEngine(prevOut.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, sigHashes,
			prevOut.Value, fetcher)
		if err != nil {
			return fmt.Errorf("cannot create script engine: %w", err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("cannot validate input %d: %w", i, err)
		}
	}
	return nil
}

// serializeTx encodes a transaction into its raw wire bytes.
func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
