// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger implements the gateway's view of the remote Openchain
// ledger: the record and mutation wire codecs, and the client operations
// that issue deposit credits, discover pending withdrawals and mark them
// redeemed.
package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/openchain/btcgateway/peg"
)

// ClientConfig groups the dependencies of a Client.
type ClientConfig struct {
	// Store is the ledger transport.
	Store Store

	// SigningKey signs every mutation the client submits.
	SigningKey *btcec.PrivateKey

	// AssetName names the pegged asset; it anchors every account path
	// the client touches under "/asset/{AssetName}/".
	AssetName string

	// Namespace is the mutation namespace of the target ledger instance,
	// conventionally its base URL.
	Namespace ByteString

	// ChainParams identifies the Bitcoin network payout addresses must
	// belong to.
	ChainParams *chaincfg.Params
}

// Client performs the gateway's ledger-side operations.  It is stateless
// across calls; the mutation cache used during withdrawal discovery lives
// only for the duration of one DiscoverWithdrawals invocation.
type Client struct {
	cfg ClientConfig

	// Account paths derived from the asset name.
	assetPath   string
	escrowPath  string
	markerPath  string
	finalPath   string
	issuePrefix string
}

// A compile-time check to ensure Client satisfies the peg.LedgerClient
// interface.
var _ peg.LedgerClient = (*Client)(nil)

// NewClient constructs a ledger client for the given asset.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger client requires a store")
	}
	if cfg.SigningKey == nil {
		return nil, errors.New("ledger client requires a signing key")
	}
	if cfg.AssetName == "" {
		return nil, errors.New("ledger client requires an asset name")
	}
	if cfg.ChainParams == nil {
		return nil, errors.New("ledger client requires chain parameters")
	}

	return &Client{
		cfg:         *cfg,
		assetPath:   fmt.Sprintf("/asset/%s/", cfg.AssetName),
		escrowPath:  fmt.Sprintf("/asset/%s/out/", cfg.AssetName),
		markerPath:  fmt.Sprintf("/asset/%s/tx/", cfg.AssetName),
		finalPath:   fmt.Sprintf("/asset/%s/final/", cfg.AssetName),
		issuePrefix: fmt.Sprintf("/asset/%s/in/", cfg.AssetName),
	}, nil
}

// issuanceKey returns the per-deposit debit key.  Its version being
// non-empty is the proof a deposit has already been issued.
func (c *Client) issuanceKey(tx *peg.InboundTransaction) ByteString {
	account := fmt.Sprintf("%s%s/%d/", c.issuePrefix, tx.TxHash, tx.OutputIndex)
	return AccountKey(account, c.assetPath)
}

// markerKey returns the processed-marker key for a withdrawal identified by
// its mutation version.
func (c *Client) markerKey(mutationVersion []byte) ByteString {
	return DataKey(c.markerPath, hex.EncodeToString(mutationVersion))
}

// IssueCredit credits the deposit's routing account with the deposited
// amount.  The credit is balanced by an equal debit on a per-deposit key
// guarded by an expected-empty version, which makes issuance idempotent: if
// the debit key was already written the deposit was issued before and the
// call reports (false, nil).  Two concurrent first issuances race on the
// ledger's atomic version check; exactly one wins.
func (c *Client) IssueCredit(ctx context.Context, tx *peg.InboundTransaction) (bool, error) {
	debitKey := c.issuanceKey(tx)
	debitRecord, err := c.cfg.Store.GetRecord(ctx, debitKey)
	if err != nil {
		return false, err
	}
	if !debitRecord.Version.IsEmpty() {
		log.Debugf("Deposit %s:%d already issued, skipping",
			tx.TxHash, tx.OutputIndex)
		return false, nil
	}

	creditKey := AccountKey(tx.RoutingAccount, c.assetPath)
	creditRecord, err := c.cfg.Store.GetRecord(ctx, creditKey)
	if err != nil {
		return false, err
	}
	balance, err := ParseInt64(creditRecord.Value)
	if err != nil {
		return false, err
	}

	mutation := &Mutation{
		Namespace: c.cfg.Namespace,
		Records: []*Record{
			{
				Key:   debitKey,
				Value: Int64Value(-tx.Amount),
			},
			{
				Key:     creditKey,
				Value:   Int64Value(balance + tx.Amount),
				Version: creditRecord.Version,
			},
		},
	}

	if err := c.signAndSubmit(ctx, mutation); err != nil {
		return false, err
	}
	return true, nil
}

// withdrawalMetadata is the JSON document a withdrawal request attaches as
// its mutation metadata.
type withdrawalMetadata struct {
	Routing string `json:"routing"`
}

// payoutAddress recovers and validates the payout address from a mutation's
// metadata.  Missing, unparseable or wrong-network metadata disqualifies the
// entry without failing the walk.
func (c *Client) payoutAddress(metadata ByteString) (string, bool) {
	var meta withdrawalMetadata
	if err := json.Unmarshal(metadata, &meta); err != nil || meta.Routing == "" {
		return "", false
	}

	addr, err := btcutil.DecodeAddress(meta.Routing, c.cfg.ChainParams)
	if err != nil || !addr.IsForNet(c.cfg.ChainParams) {
		return "", false
	}
	return addr.EncodeAddress(), true
}

// DiscoverWithdrawals returns every withdrawal sitting on the escrow account
// that has not yet been marked processed.  For each escrow record it walks
// the record's mutation history backward from the current version, following
// each mutation's stored prior version down to the empty root.  A positive
// balance delta is a withdrawal request; a negative delta is an internal
// spend and is skipped without stopping the walk.
//
// The full history is re-walked on every call.  Escrow balance history is
// short-lived because withdrawals are redeemed promptly, so the walk stays
// cheap in practice.
func (c *Client) DiscoverWithdrawals(ctx context.Context) ([]*peg.OutboundTransaction, error) {
	escrowRecords, err := c.cfg.Store.GetSubAccounts(ctx, c.escrowPath)
	if err != nil {
		return nil, err
	}

	cache := newMutationCache(c.cfg.Store)

	var withdrawals []*peg.OutboundTransaction
	for _, record := range escrowRecords {
		found, err := c.walkEscrowHistory(ctx, cache, record)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, found...)
	}
	return withdrawals, nil
}

// walkEscrowHistory walks one escrow record's mutation chain backward and
// collects its unprocessed withdrawals.
func (c *Client) walkEscrowHistory(ctx context.Context, cache *mutationCache,
	escrow *Record) ([]*peg.OutboundTransaction, error) {

	var withdrawals []*peg.OutboundTransaction

	visited := make(map[string]struct{})
	cursor := escrow.Version
	for !cursor.IsEmpty() {
		// Each version is visited at most once, so the walk terminates
		// on any finite history.
		if _, ok := visited[cursor.String()]; ok {
			return nil, fmt.Errorf("%w: mutation history of %q "+
				"contains a cycle at version %s",
				ErrMalformedData, escrow.Key, cursor)
		}
		visited[cursor.String()] = struct{}{}

		mutation, err := cache.mutation(ctx, cursor)
		if err != nil {
			return nil, err
		}

		entry := mutation.Record(escrow.Key)
		if entry == nil {
			return nil, fmt.Errorf("%w: mutation %s does not "+
				"touch record %q", ErrMalformedData, cursor,
				escrow.Key)
		}

		value, err := ParseInt64(entry.Value)
		if err != nil {
			return nil, err
		}

		// The record's stored version points at the mutation that
		// wrote the key before this one; an empty version means this
		// is the first write and the previous balance is zero.
		previous := int64(0)
		if !entry.Version.IsEmpty() {
			previousMutation, err := cache.mutation(ctx, entry.Version)
			if err != nil {
				return nil, err
			}
			previousEntry := previousMutation.Record(escrow.Key)
			if previousEntry == nil {
				return nil, fmt.Errorf("%w: mutation %s does "+
					"not touch record %q", ErrMalformedData,
					entry.Version, escrow.Key)
			}
			previous, err = ParseInt64(previousEntry.Value)
			if err != nil {
				return nil, err
			}
		}

		delta := value - previous
		if delta > 0 {
			marked, err := c.redemptionMarked(ctx, cursor)
			if err != nil {
				return nil, err
			}
			if !marked {
				if address, ok := c.payoutAddress(mutation.Metadata); ok {
					withdrawals = append(withdrawals,
						&peg.OutboundTransaction{
							RecordKey:       escrow.Key,
							Amount:          delta,
							MutationVersion: cursor,
							PayoutAddress:   address,
						})
				} else {
					log.Debugf("Withdrawal at %s has no "+
						"usable routing metadata, "+
						"excluding", cursor)
				}
			}
		}

		cursor = entry.Version
	}

	return withdrawals, nil
}

// redemptionMarked reports whether the withdrawal produced by the given
// mutation already has a processed marker on the ledger.
func (c *Client) redemptionMarked(ctx context.Context, mutationVersion ByteString) (bool, error) {
	marker, err := c.cfg.Store.GetRecord(ctx, c.markerKey(mutationVersion))
	if err != nil {
		return false, err
	}
	return !marker.Version.IsEmpty(), nil
}

// markerValue is the JSON document stored in a processed marker.  It holds
// the payout transaction bytes so they can be re-broadcast if the process
// dies before the original broadcast goes out.
type markerValue struct {
	Transactions []string `json:"transactions"`
}

// MarkRedeemed records on the ledger that the given withdrawals are paid by
// payoutTx.  One mutation carries, per withdrawal, a processed marker keyed
// by the withdrawal's mutation version, guarded by an expected-empty version
// so a repeat mark loses the ledger's version check, plus one increment of
// the running redemption total.
func (c *Client) MarkRedeemed(ctx context.Context, txs []*peg.OutboundTransaction,
	payoutTx []byte) error {

	if len(txs) == 0 {
		return nil
	}

	value, err := json.Marshal(markerValue{
		Transactions: []string{hex.EncodeToString(payoutTx)},
	})
	if err != nil {
		return err
	}

	records := make([]*Record, 0, len(txs)+1)
	total := int64(0)
	for _, tx := range txs {
		records = append(records, &Record{
			Key:   c.markerKey(tx.MutationVersion),
			Value: NewByteString(value),
		})
		total += tx.Amount
	}

	finalKey := AccountKey(c.finalPath, c.assetPath)
	finalRecord, err := c.cfg.Store.GetRecord(ctx, finalKey)
	if err != nil {
		return err
	}
	finalBalance, err := ParseInt64(finalRecord.Value)
	if err != nil {
		return err
	}
	records = append(records, &Record{
		Key:     finalKey,
		Value:   Int64Value(finalBalance + total),
		Version: finalRecord.Version,
	})

	return c.signAndSubmit(ctx, &Mutation{
		Namespace: c.cfg.Namespace,
		Records:   records,
	})
}

// PendingPayouts returns the payout transactions stored in processed
// markers.  The gateway re-broadcasts them on startup to close the window
// between marking a redemption and broadcasting its payout.
func (c *Client) PendingPayouts(ctx context.Context) ([][]byte, error) {
	markers, err := c.cfg.Store.GetSubAccounts(ctx, c.markerPath)
	if err != nil {
		return nil, err
	}

	var payouts [][]byte
	seen := make(map[string]struct{})
	for _, marker := range markers {
		if marker.Version.IsEmpty() || marker.Value.IsEmpty() {
			continue
		}

		var stored markerValue
		if err := json.Unmarshal(marker.Value, &stored); err != nil {
			log.Warnf("Marker %q holds an undecodable value, "+
				"skipping", marker.Key)
			continue
		}
		for _, encoded := range stored.Transactions {
			if _, ok := seen[encoded]; ok {
				continue
			}
			seen[encoded] = struct{}{}

			rawTx, err := hex.DecodeString(encoded)
			if err != nil {
				log.Warnf("Marker %q holds an undecodable "+
					"transaction, skipping", marker.Key)
				continue
			}
			payouts = append(payouts, rawTx)
		}
	}
	return payouts, nil
}

// signAndSubmit serializes, signs and submits a mutation.
func (c *Client) signAndSubmit(ctx context.Context, mutation *Mutation) error {
	serialized := mutation.Serialize()
	log.Tracef("Submitting mutation %s with %d record(s)",
		MutationHash(serialized), len(mutation.Records))
	return c.cfg.Store.Submit(ctx, SignMutation(serialized, c.cfg.SigningKey))
}

// mutationCache memoizes mutation lookups for the duration of one discovery
// walk, so a version referenced as both a cursor and a prior pointer is
// fetched only once.
type mutationCache struct {
	store     Store
	mutations map[string]*Mutation
}

func newMutationCache(store Store) *mutationCache {
	return &mutationCache{
		store:     store,
		mutations: make(map[string]*Mutation),
	}
}

// mutation returns the decoded mutation identified by the given hash,
// fetching it from the store on first use.
func (c *mutationCache) mutation(ctx context.Context, hash ByteString) (*Mutation, error) {
	if mutation, ok := c.mutations[hash.String()]; ok {
		return mutation, nil
	}

	raw, err := c.store.GetTransaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	mutation, err := MutationFromTransaction(raw)
	if err != nil {
		return nil, err
	}

	c.mutations[hash.String()] = mutation
	return mutation, nil
}
