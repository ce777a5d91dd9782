// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestExplorer(t *testing.T, handler http.HandlerFunc) *HTTPExplorer {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	explorer, err := NewHTTPExplorer(server.URL, 5*time.Second)
	require.NoError(t, err)
	return explorer
}

func TestHTTPExplorerListUnspent(t *testing.T) {
	explorer := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/addresses/1BitcoinAddr/unspents", r.URL.Path)

		io.WriteString(w, `[
			{"transaction_hash": "ab01", "output_index": 0, "value": 100000},
			{"transaction_hash": "cd02", "output_index": 3, "value": 50000}
		]`)
	})

	unspents, err := explorer.ListUnspent(context.Background(), "1BitcoinAddr")
	require.NoError(t, err)
	require.Equal(t, []*UnspentOutput{
		{TxHash: "ab01", OutputIndex: 0, Value: 100000},
		{TxHash: "cd02", OutputIndex: 3, Value: 50000},
	}, unspents)
}

func TestHTTPExplorerListUnspentMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>"},
		{name: "missing value", body: `[{"transaction_hash": "ab", "output_index": 0}]`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			explorer := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, test.body)
			})

			_, err := explorer.ListUnspent(context.Background(), "addr")
			require.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestHTTPExplorerListUnspentNetworkError(t *testing.T) {
	explorer := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := explorer.ListUnspent(context.Background(), "addr")
	require.ErrorIs(t, err, ErrNetwork)
}

func TestHTTPExplorerGetTransaction(t *testing.T) {
	script, err := RoutingTagScript("/p2pkh/someone/")
	require.NoError(t, err)

	explorer := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transactions/ab01", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"outputs": []map[string]string{
				{"script": hex.EncodeToString(script)},
			},
		})
	})

	detail, err := explorer.GetTransaction(context.Background(), "ab01")
	require.NoError(t, err)
	require.Len(t, detail.Outputs, 1)
	require.Equal(t, script, detail.Outputs[0].PkScript)
}

func TestHTTPExplorerGetTransactionMalformed(t *testing.T) {
	explorer := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"outputs": [{"script": "not hex"}]}`)
	})

	_, err := explorer.GetTransaction(context.Background(), "ab01")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestHTTPExplorerBroadcastTransaction(t *testing.T) {
	rawTx := []byte{0x01, 0x02, 0x03}

	explorer := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sendrawtransaction", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		// The raw transaction travels as a JSON-quoted hex string.
		var sent string
		require.NoError(t, json.Unmarshal(body, &sent))
		require.Equal(t, hex.EncodeToString(rawTx), sent)

		json.NewEncoder(w).Encode("some txid")
	})

	txid, err := explorer.BroadcastTransaction(context.Background(), rawTx)
	require.NoError(t, err)
	require.Equal(t, "some txid", txid)
}

func TestHTTPExplorerBroadcastRejected(t *testing.T) {
	explorer := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "transaction already in block chain",
			http.StatusBadRequest)
	})

	_, err := explorer.BroadcastTransaction(context.Background(), []byte{0x01})
	require.ErrorIs(t, err, ErrBroadcast)
	require.Contains(t, err.Error(), "transaction already in block chain")
}
