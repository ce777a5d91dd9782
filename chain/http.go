// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPExplorer talks to a block-explorer-style chain API over HTTP.
type HTTPExplorer struct {
	base   *url.URL
	client *http.Client
}

// A compile-time check to ensure HTTPExplorer satisfies the Explorer
// interface.
var _ Explorer = (*HTTPExplorer)(nil)

// NewHTTPExplorer returns an Explorer backed by the chain API rooted at
// baseURL.  Every request is bounded by the given timeout.
func NewHTTPExplorer(baseURL string, timeout time.Duration) (*HTTPExplorer, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid chain API URL %q: %w", baseURL, err)
	}
	return &HTTPExplorer{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// unspentResponse is the shape of one element of the unspents listing.
// Pointer fields distinguish missing fields from zero values.
type unspentResponse struct {
	TransactionHash *string `json:"transaction_hash"`
	OutputIndex     *uint32 `json:"output_index"`
	Value           *int64  `json:"value"`
}

// ListUnspent implements the Explorer interface.
func (e *HTTPExplorer) ListUnspent(ctx context.Context, address string) ([]*UnspentOutput, error) {
	body, err := e.get(ctx, "addresses/"+address+"/unspents")
	if err != nil {
		return nil, err
	}

	var resp []unspentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad unspents listing: %v",
			ErrMalformedResponse, err)
	}

	outputs := make([]*UnspentOutput, 0, len(resp))
	for _, entry := range resp {
		if entry.TransactionHash == nil || entry.OutputIndex == nil ||
			entry.Value == nil {

			return nil, fmt.Errorf("%w: unspent entry is missing "+
				"a field", ErrMalformedResponse)
		}
		outputs = append(outputs, &UnspentOutput{
			TxHash:      *entry.TransactionHash,
			OutputIndex: *entry.OutputIndex,
			Value:       *entry.Value,
		})
	}
	return outputs, nil
}

// GetTransaction implements the Explorer interface.
func (e *HTTPExplorer) GetTransaction(ctx context.Context, txHash string) (*TransactionDetail, error) {
	body, err := e.get(ctx, "transactions/"+txHash)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Outputs []struct {
			Script *string `json:"script"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad transaction detail: %v",
			ErrMalformedResponse, err)
	}

	detail := &TransactionDetail{
		Outputs: make([]TransactionOutput, 0, len(resp.Outputs)),
	}
	for _, output := range resp.Outputs {
		if output.Script == nil {
			return nil, fmt.Errorf("%w: transaction output is "+
				"missing its script", ErrMalformedResponse)
		}
		script, err := hex.DecodeString(*output.Script)
		if err != nil {
			return nil, fmt.Errorf("%w: bad output script hex: %v",
				ErrMalformedResponse, err)
		}
		detail.Outputs = append(detail.Outputs, TransactionOutput{
			PkScript: script,
		})
	}
	return detail, nil
}

// BroadcastTransaction implements the Explorer interface.  The API expects
// the raw transaction as a JSON-quoted hex string and answers with the
// assigned transaction id.
func (e *HTTPExplorer) BroadcastTransaction(ctx context.Context, rawTx []byte) (string, error) {
	payload := strconv.Quote(hex.EncodeToString(rawTx))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.endpoint("sendrawtransaction"), bytes.NewReader([]byte(payload)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrBroadcast,
			resp.StatusCode, bytes.TrimSpace(body))
	}

	var txid string
	if err := json.Unmarshal(body, &txid); err != nil {
		return "", fmt.Errorf("%w: bad broadcast response: %v",
			ErrMalformedResponse, err)
	}
	return txid, nil
}

func (e *HTTPExplorer) endpoint(path string) string {
	return e.base.JoinPath(path).String()
}

func (e *HTTPExplorer) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.endpoint(path), nil)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrNetwork,
			path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return body, nil
}
