// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, handler http.HandlerFunc) *HTTPStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store, err := NewHTTPStore(server.URL, 5*time.Second)
	require.NoError(t, err)
	return store
}

func TestHTTPStoreGetRecord(t *testing.T) {
	key := AccountKey("/p2pkh/someone/", "/asset/btc/")

	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/record", r.URL.Path)
		require.Equal(t, key.String(), r.URL.Query().Get("key"))

		json.NewEncoder(w).Encode(map[string]string{
			"value":   hex.EncodeToString(Int64Value(42)),
			"version": "0102",
		})
	})

	record, err := store.GetRecord(context.Background(), key)
	require.NoError(t, err)
	require.True(t, record.Key.Equal(key))
	require.True(t, record.Value.Equal(Int64Value(42)))
	require.True(t, record.Version.Equal(ByteString{0x01, 0x02}))
}

func TestHTTPStoreGetRecordNeverWritten(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"value":   "",
			"version": "",
		})
	})

	record, err := store.GetRecord(context.Background(), ByteString("k"))
	require.NoError(t, err)
	require.True(t, record.Value.IsEmpty())
	require.True(t, record.Version.IsEmpty())
}

func TestHTTPStoreGetRecordMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>"},
		{name: "missing version", body: `{"value":"00"}`},
		{name: "bad hex", body: `{"value":"zz","version":""}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(test.body))
			})

			_, err := store.GetRecord(context.Background(), ByteString("k"))
			require.ErrorIs(t, err, ErrMalformedData)
		})
	}
}

func TestHTTPStoreGetRecordUnavailable(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := store.GetRecord(context.Background(), ByteString("k"))
	require.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestHTTPStoreGetSubAccounts(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query/subaccounts", r.URL.Path)
		require.Equal(t, "/asset/btc/out/", r.URL.Query().Get("account"))

		json.NewEncoder(w).Encode([]map[string]string{
			{
				"key":     hex.EncodeToString([]byte("a")),
				"value":   hex.EncodeToString(Int64Value(1)),
				"version": "01",
			},
			{
				"key":     hex.EncodeToString([]byte("b")),
				"value":   hex.EncodeToString(Int64Value(2)),
				"version": "02",
			},
		})
	})

	records, err := store.GetSubAccounts(context.Background(), "/asset/btc/out/")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.True(t, records[0].Key.Equal(ByteString("a")))
	require.True(t, records[1].Key.Equal(ByteString("b")))
	require.True(t, records[1].Value.Equal(Int64Value(2)))
}

func TestHTTPStoreGetSubAccountsMissingKey(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"value": "00", "version": "01"},
		})
	})

	_, err := store.GetSubAccounts(context.Background(), "/asset/btc/out/")
	require.ErrorIs(t, err, ErrMalformedData)
}

func TestHTTPStoreGetTransaction(t *testing.T) {
	raw := []byte{0x0a, 0x02, 'n', 's'}
	hash := MutationHash(raw)

	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query/transaction", r.URL.Path)
		require.Equal(t, hash.String(), r.URL.Query().Get("mutation_hash"))

		json.NewEncoder(w).Encode(map[string]string{
			"raw": hex.EncodeToString(raw),
		})
	})

	got, err := store.GetTransaction(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestHTTPStoreGetTransactionMalformed(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	_, err := store.GetTransaction(context.Background(), ByteString{0x01})
	require.ErrorIs(t, err, ErrMalformedData)
}

func TestHTTPStoreSubmit(t *testing.T) {
	key := testKey(t)
	serialized := (&Mutation{Namespace: ByteString("ns")}).Serialize()
	signed := SignMutation(serialized, key)

	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/submit", r.URL.Path)
		require.Equal(t, "application/json",
			r.Header.Get("Content-Type"))

		var payload struct {
			Mutation   string `json:"mutation"`
			Signatures []struct {
				PubKey    string `json:"pub_key"`
				Signature string `json:"signature"`
			} `json:"signatures"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, hex.EncodeToString(serialized), payload.Mutation)
		require.Len(t, payload.Signatures, 1)
		require.Equal(t, signed.Signatures[0].PubKey.String(),
			payload.Signatures[0].PubKey)
		require.Equal(t, signed.Signatures[0].Signature.String(),
			payload.Signatures[0].Signature)
	})

	require.NoError(t, store.Submit(context.Background(), signed))
}

func TestHTTPStoreSubmitConflict(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stale version for key", http.StatusBadRequest)
	})

	err := store.Submit(context.Background(),
		SignMutation([]byte{0x0a, 0x01, 'n'}, testKey(t)))
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Contains(t, err.Error(), "stale version for key")
}

func TestHTTPStoreSubmitUnavailable(t *testing.T) {
	store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := store.Submit(context.Background(),
		SignMutation([]byte{0x0a, 0x01, 'n'}, testKey(t)))
	require.ErrorIs(t, err, ErrLedgerUnavailable)
}
