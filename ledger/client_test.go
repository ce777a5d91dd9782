// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/openchain/btcgateway/peg"
)

// fakeStore is an in-memory ledger implementing the same optimistic version
// check the real ledger applies on submit.
type fakeStore struct {
	records      map[string]*Record
	transactions map[string][]byte

	// submitErr, when set, is returned by Submit before anything is
	// applied.
	submitErr error

	submits         int
	transactionGets map[string]int
}

// A compile-time check to ensure fakeStore satisfies the Store interface.
var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:         make(map[string]*Record),
		transactions:    make(map[string][]byte),
		transactionGets: make(map[string]int),
	}
}

func (s *fakeStore) GetRecord(ctx context.Context, key ByteString) (*Record, error) {
	if record, ok := s.records[string(key)]; ok {
		return &Record{
			Key:     record.Key,
			Value:   record.Value,
			Version: record.Version,
		}, nil
	}
	return &Record{Key: key}, nil
}

func (s *fakeStore) GetSubAccounts(ctx context.Context, account string) ([]*Record, error) {
	var matches []*Record
	for key, record := range s.records {
		if strings.HasPrefix(key, account) {
			matches = append(matches, record)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return string(matches[i].Key) < string(matches[j].Key)
	})
	return matches, nil
}

func (s *fakeStore) GetTransaction(ctx context.Context, mutationHash ByteString) ([]byte, error) {
	s.transactionGets[mutationHash.String()]++
	raw, ok := s.transactions[mutationHash.String()]
	if !ok {
		return nil, fmt.Errorf("%w: unknown mutation %s",
			ErrMalformedData, mutationHash)
	}
	return raw, nil
}

func (s *fakeStore) Submit(ctx context.Context, mutation *SignedMutation) error {
	s.submits++
	if s.submitErr != nil {
		return s.submitErr
	}

	decoded, err := DeserializeMutation(mutation.Mutation)
	if err != nil {
		return err
	}

	for _, record := range decoded.Records {
		current := ByteString(nil)
		if existing, ok := s.records[string(record.Key)]; ok {
			current = existing.Version
		}
		if !record.Version.Equal(current) {
			return fmt.Errorf("%w: record %q is at version %s, "+
				"mutation expected %s", ErrConcurrencyConflict,
				record.Key, current, record.Version)
		}
	}

	hash := MutationHash(mutation.Mutation)
	for _, record := range decoded.Records {
		s.records[string(record.Key)] = &Record{
			Key:     record.Key,
			Value:   record.Value,
			Version: hash,
		}
	}
	s.transactions[hash.String()] = SerializeTransaction(mutation.Mutation, 0, nil)
	return nil
}

// submitRaw pushes a pre-built mutation through the store's version check,
// failing the test on rejection.
func (s *fakeStore) submitRaw(t *testing.T, key *btcec.PrivateKey, mutation *Mutation) ByteString {
	t.Helper()
	serialized := mutation.Serialize()
	require.NoError(t, s.Submit(context.Background(),
		SignMutation(serialized, key)))
	return MutationHash(serialized)
}

func testClient(t *testing.T, store Store) *Client {
	t.Helper()
	client, err := NewClient(&ClientConfig{
		Store:       store,
		SigningKey:  testKey(t),
		AssetName:   "btc",
		Namespace:   ByteString("http://ledger.example/"),
		ChainParams: &chaincfg.MainNetParams,
	})
	require.NoError(t, err)
	return client
}

// testAddress derives a deterministic mainnet P2PKH address.
func testAddress(t *testing.T, id byte) string {
	t.Helper()
	seed := make([]byte, 32)
	seed[31] = id
	key, _ := btcec.PrivKeyFromBytes(seed)
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()),
		&chaincfg.MainNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func routingMetadata(address string) ByteString {
	return ByteString(fmt.Sprintf(`{"routing":"%s"}`, address))
}

func TestIssueCredit(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)
	ctx := context.Background()

	deposit := &peg.InboundTransaction{
		TxHash:         "6e019d9f498e9718357bbd09a3c7dbcbbe7d3ba1c11b9708b4a4df221ad0ec5a",
		OutputIndex:    1,
		Amount:         100000,
		RoutingAccount: "/p2pkh/someone/",
	}

	issued, err := client.IssueCredit(ctx, deposit)
	require.NoError(t, err)
	require.True(t, issued)
	require.Equal(t, 1, store.submits)

	// The two-record mutation nets to zero: the per-deposit debit key
	// holds the negated amount and the routing account the credit.
	debitKey := "/asset/btc/in/" + deposit.TxHash + "/1/:ACC:/asset/btc/"
	debit := store.records[debitKey]
	require.NotNil(t, debit)
	require.True(t, debit.Value.Equal(Int64Value(-100000)))

	credit := store.records["/p2pkh/someone/:ACC:/asset/btc/"]
	require.NotNil(t, credit)
	require.True(t, credit.Value.Equal(Int64Value(100000)))
}

func TestIssueCreditExistingBalance(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)
	ctx := context.Background()

	creditKey := AccountKey("/p2pkh/someone/", "/asset/btc/")
	store.submitRaw(t, testKey(t), &Mutation{
		Namespace: ByteString("http://ledger.example/"),
		Records:   []*Record{{Key: creditKey, Value: Int64Value(500)}},
	})

	issued, err := client.IssueCredit(ctx, &peg.InboundTransaction{
		TxHash:         "6e019d9f498e9718357bbd09a3c7dbcbbe7d3ba1c11b9708b4a4df221ad0ec5a",
		OutputIndex:    0,
		Amount:         100000,
		RoutingAccount: "/p2pkh/someone/",
	})
	require.NoError(t, err)
	require.True(t, issued)

	credit := store.records[string(creditKey)]
	require.True(t, credit.Value.Equal(Int64Value(100500)))
}

func TestIssueCreditIdempotent(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)
	ctx := context.Background()

	deposit := &peg.InboundTransaction{
		TxHash:         "6e019d9f498e9718357bbd09a3c7dbcbbe7d3ba1c11b9708b4a4df221ad0ec5a",
		OutputIndex:    1,
		Amount:         100000,
		RoutingAccount: "/p2pkh/someone/",
	}

	issued, err := client.IssueCredit(ctx, deposit)
	require.NoError(t, err)
	require.True(t, issued)

	// The debit key is now written, so a repeat issuance must skip
	// without submitting anything.
	issued, err = client.IssueCredit(ctx, deposit)
	require.NoError(t, err)
	require.False(t, issued)
	require.Equal(t, 1, store.submits)

	credit := store.records["/p2pkh/someone/:ACC:/asset/btc/"]
	require.True(t, credit.Value.Equal(Int64Value(100000)))
}

func TestIssueCreditConflict(t *testing.T) {
	store := newFakeStore()
	store.submitErr = fmt.Errorf("%w: stale version", ErrConcurrencyConflict)
	client := testClient(t, store)

	_, err := client.IssueCredit(context.Background(), &peg.InboundTransaction{
		TxHash:         "6e019d9f498e9718357bbd09a3c7dbcbbe7d3ba1c11b9708b4a4df221ad0ec5a",
		OutputIndex:    0,
		Amount:         100000,
		RoutingAccount: "/p2pkh/someone/",
	})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
}

// buildEscrowHistory submits a sequence of escrow balance values and returns
// the resulting mutation hashes, oldest first.
func buildEscrowHistory(t *testing.T, store *fakeStore, key *btcec.PrivateKey,
	history []struct {
		balance  int64
		metadata ByteString
	}) []ByteString {

	t.Helper()
	escrowKey := AccountKey("/asset/btc/out/", "/asset/btc/")

	var versions []ByteString
	previous := ByteString(nil)
	for _, entry := range history {
		hash := store.submitRaw(t, key, &Mutation{
			Namespace: ByteString("http://ledger.example/"),
			Records: []*Record{{
				Key:     escrowKey,
				Value:   Int64Value(entry.balance),
				Version: previous,
			}},
			Metadata: entry.metadata,
		})
		versions = append(versions, hash)
		previous = hash
	}
	return versions
}

func TestDiscoverWithdrawals(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)
	ctx := context.Background()

	addr1 := testAddress(t, 1)
	addr2 := testAddress(t, 2)

	// Balance history [100, +50, -30, +70].  The initial funding carries
	// no routing metadata, the internal spend is a negative delta; only
	// the +50 and +70 entries are withdrawal requests.
	versions := buildEscrowHistory(t, store, testKey(t), []struct {
		balance  int64
		metadata ByteString
	}{
		{100, nil},
		{150, routingMetadata(addr1)},
		{120, nil},
		{190, routingMetadata(addr2)},
	})

	withdrawals, err := client.DiscoverWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, withdrawals, 2)

	// The walk runs newest to oldest.
	escrowKey := AccountKey("/asset/btc/out/", "/asset/btc/")
	require.Equal(t, []byte(escrowKey), withdrawals[0].RecordKey)
	require.Equal(t, int64(70), withdrawals[0].Amount)
	require.Equal(t, []byte(versions[3]), withdrawals[0].MutationVersion)
	require.Equal(t, addr2, withdrawals[0].PayoutAddress)

	require.Equal(t, int64(50), withdrawals[1].Amount)
	require.Equal(t, []byte(versions[1]), withdrawals[1].MutationVersion)
	require.Equal(t, addr1, withdrawals[1].PayoutAddress)

	// Four mutations in the history, each fetched exactly once thanks to
	// the per-call cache.
	require.Len(t, store.transactionGets, 4)
	for hash, count := range store.transactionGets {
		require.Equal(t, 1, count, "mutation %s fetched %d times",
			hash, count)
	}
}

func TestDiscoverWithdrawalsEmptyEscrow(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)

	withdrawals, err := client.DiscoverWithdrawals(context.Background())
	require.NoError(t, err)
	require.Empty(t, withdrawals)
}

func TestDiscoverWithdrawalsWrongNetworkAddress(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)

	// A testnet address in the routing metadata disqualifies the entry
	// without failing the walk.
	seed := make([]byte, 32)
	seed[31] = 1
	key, _ := btcec.PrivKeyFromBytes(seed)
	testnetAddr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()),
		&chaincfg.TestNet3Params)
	require.NoError(t, err)

	buildEscrowHistory(t, store, testKey(t), []struct {
		balance  int64
		metadata ByteString
	}{
		{50, routingMetadata(testnetAddr.EncodeAddress())},
	})

	withdrawals, err := client.DiscoverWithdrawals(context.Background())
	require.NoError(t, err)
	require.Empty(t, withdrawals)
}

func TestDiscoverWithdrawalsCycle(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)

	escrowKey := AccountKey("/asset/btc/out/", "/asset/btc/")

	// Hand-build a mutation whose prior-version pointer refers to its own
	// registered hash, which a well-formed ledger can never produce.
	cycleVersion := ByteString(strings.Repeat("\xab", 32))
	mutation := &Mutation{
		Namespace: ByteString("http://ledger.example/"),
		Records: []*Record{{
			Key:     escrowKey,
			Value:   Int64Value(10),
			Version: cycleVersion,
		}},
	}
	store.transactions[cycleVersion.String()] =
		SerializeTransaction(mutation.Serialize(), 0, nil)
	store.records[string(escrowKey)] = &Record{
		Key:     escrowKey,
		Value:   Int64Value(10),
		Version: cycleVersion,
	}

	_, err := client.DiscoverWithdrawals(context.Background())
	require.ErrorIs(t, err, ErrMalformedData)
	require.Contains(t, err.Error(), "cycle")
}

func TestDiscoverWithdrawalsMissingEntry(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)

	escrowKey := AccountKey("/asset/btc/out/", "/asset/btc/")

	// The mutation registered under the escrow record's version does not
	// touch the escrow key at all.
	version := ByteString(strings.Repeat("\x01", 32))
	mutation := &Mutation{
		Namespace: ByteString("http://ledger.example/"),
		Records: []*Record{{
			Key:   ByteString("/unrelated/:ACC:/asset/btc/"),
			Value: Int64Value(10),
		}},
	}
	store.transactions[version.String()] =
		SerializeTransaction(mutation.Serialize(), 0, nil)
	store.records[string(escrowKey)] = &Record{
		Key:     escrowKey,
		Value:   Int64Value(10),
		Version: version,
	}

	_, err := client.DiscoverWithdrawals(context.Background())
	require.ErrorIs(t, err, ErrMalformedData)
}

func TestMarkRedeemed(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)
	ctx := context.Background()

	buildEscrowHistory(t, store, testKey(t), []struct {
		balance  int64
		metadata ByteString
	}{
		{100, nil},
		{150, routingMetadata(testAddress(t, 1))},
		{120, nil},
		{190, routingMetadata(testAddress(t, 2))},
	})

	withdrawals, err := client.DiscoverWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, withdrawals, 2)

	payoutTx := []byte{0x01, 0x02, 0x03}
	require.NoError(t, client.MarkRedeemed(ctx, withdrawals, payoutTx))

	// Both withdrawals now carry processed markers holding the payout
	// bytes, and the running total accounts for both amounts.
	for _, withdrawal := range withdrawals {
		markerKey := DataKey("/asset/btc/tx/",
			hex.EncodeToString(withdrawal.MutationVersion))
		marker := store.records[string(markerKey)]
		require.NotNil(t, marker)
		require.Contains(t, string(marker.Value),
			hex.EncodeToString(payoutTx))
	}

	final := store.records["/asset/btc/final/:ACC:/asset/btc/"]
	require.NotNil(t, final)
	require.True(t, final.Value.Equal(Int64Value(120)))

	// Marked withdrawals no longer show up in discovery.
	withdrawals, err = client.DiscoverWithdrawals(ctx)
	require.NoError(t, err)
	require.Empty(t, withdrawals)
}

func TestMarkRedeemedIdempotent(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)
	ctx := context.Background()

	buildEscrowHistory(t, store, testKey(t), []struct {
		balance  int64
		metadata ByteString
	}{
		{50, routingMetadata(testAddress(t, 1))},
	})

	withdrawals, err := client.DiscoverWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, withdrawals, 1)

	payoutTx := []byte{0x01, 0x02, 0x03}
	require.NoError(t, client.MarkRedeemed(ctx, withdrawals, payoutTx))

	// The marker's expected-empty version is now written, so a repeat
	// mark loses the ledger's version check and the running total is not
	// double-counted.
	err = client.MarkRedeemed(ctx, withdrawals, payoutTx)
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	final := store.records["/asset/btc/final/:ACC:/asset/btc/"]
	require.True(t, final.Value.Equal(Int64Value(50)))
}

func TestMarkRedeemedEmpty(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)

	require.NoError(t, client.MarkRedeemed(context.Background(), nil, nil))
	require.Zero(t, store.submits)
}

func TestPendingPayouts(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)
	ctx := context.Background()

	buildEscrowHistory(t, store, testKey(t), []struct {
		balance  int64
		metadata ByteString
	}{
		{50, routingMetadata(testAddress(t, 1))},
		{120, routingMetadata(testAddress(t, 2))},
	})

	withdrawals, err := client.DiscoverWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, withdrawals, 2)

	payoutTx := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, client.MarkRedeemed(ctx, withdrawals, payoutTx))

	// Both markers store the same payout transaction; it is reported
	// once.
	payouts, err := client.PendingPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	require.Equal(t, payoutTx, payouts[0])
}

func TestPendingPayoutsEmpty(t *testing.T) {
	store := newFakeStore()
	client := testClient(t, store)

	payouts, err := client.PendingPayouts(context.Background())
	require.NoError(t, err)
	require.Empty(t, payouts)
}
