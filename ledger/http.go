// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPStore talks to the ledger's HTTP query/submit API.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
}

// A compile-time check to ensure HTTPStore satisfies the Store interface.
var _ Store = (*HTTPStore)(nil)

// NewHTTPStore returns a Store backed by the ledger API rooted at baseURL.
// Every request is bounded by the given timeout.
func NewHTTPStore(baseURL string, timeout time.Duration) (*HTTPStore, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger API URL %q: %w", baseURL, err)
	}
	return &HTTPStore{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// recordResponse is the shape of a single record in ledger API responses.
// Pointer fields distinguish missing fields from empty values.
type recordResponse struct {
	Key     *string `json:"key"`
	Value   *string `json:"value"`
	Version *string `json:"version"`
}

// decode converts the response into a Record.  The key may be absent (the
// single-record endpoint echoes it back only in newer deployments), in which
// case the caller's key is used instead.
func (r *recordResponse) decode(fallbackKey ByteString) (*Record, error) {
	if r.Value == nil || r.Version == nil {
		return nil, fmt.Errorf("%w: record response is missing value "+
			"or version", ErrMalformedData)
	}

	key := fallbackKey
	if r.Key != nil {
		parsed, err := ParseByteString(*r.Key)
		if err != nil {
			return nil, err
		}
		key = parsed
	}
	value, err := ParseByteString(*r.Value)
	if err != nil {
		return nil, err
	}
	version, err := ParseByteString(*r.Version)
	if err != nil {
		return nil, err
	}

	return &Record{Key: key, Value: value, Version: version}, nil
}

// GetRecord implements the Store interface.
func (s *HTTPStore) GetRecord(ctx context.Context, key ByteString) (*Record, error) {
	body, err := s.get(ctx, "record", url.Values{"key": {key.String()}})
	if err != nil {
		return nil, err
	}

	var resp recordResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad record response: %v",
			ErrMalformedData, err)
	}
	return resp.decode(key)
}

// GetSubAccounts implements the Store interface.
func (s *HTTPStore) GetSubAccounts(ctx context.Context, account string) ([]*Record, error) {
	body, err := s.get(ctx, "query/subaccounts", url.Values{"account": {account}})
	if err != nil {
		return nil, err
	}

	var resp []recordResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad subaccounts response: %v",
			ErrMalformedData, err)
	}

	records := make([]*Record, 0, len(resp))
	for i := range resp {
		if resp[i].Key == nil {
			return nil, fmt.Errorf("%w: subaccount record is "+
				"missing its key", ErrMalformedData)
		}
		record, err := resp[i].decode(nil)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// GetTransaction implements the Store interface.
func (s *HTTPStore) GetTransaction(ctx context.Context, mutationHash ByteString) ([]byte, error) {
	body, err := s.get(ctx, "query/transaction",
		url.Values{"mutation_hash": {mutationHash.String()}})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Raw *string `json:"raw"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Raw == nil {
		return nil, fmt.Errorf("%w: bad transaction response",
			ErrMalformedData)
	}

	raw, err := ParseByteString(*resp.Raw)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// submitRequest mirrors the ledger's submit API payload.
type submitRequest struct {
	Mutation   string            `json:"mutation"`
	Signatures []submitSignature `json:"signatures"`
}

type submitSignature struct {
	PubKey    string `json:"pub_key"`
	Signature string `json:"signature"`
}

// Submit implements the Store interface.  A client-level rejection (HTTP
// 4xx) is reported as ErrConcurrencyConflict: the only way a well-formed,
// correctly signed mutation is refused is a stale record version.
func (s *HTTPStore) Submit(ctx context.Context, mutation *SignedMutation) error {
	payload := submitRequest{
		Mutation:   mutation.Mutation.String(),
		Signatures: make([]submitSignature, 0, len(mutation.Signatures)),
	}
	for _, sig := range mutation.Signatures {
		payload.Signatures = append(payload.Signatures, submitSignature{
			PubKey:    sig.PubKey.String(),
			Signature: sig.Signature.String(),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.endpoint("submit", nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict,
			bytes.TrimSpace(reason))

	default:
		return fmt.Errorf("%w: submit returned status %d",
			ErrLedgerUnavailable, resp.StatusCode)
	}
}

func (s *HTTPStore) endpoint(path string, query url.Values) string {
	endpoint := s.base.JoinPath(path)
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint.String()
}

func (s *HTTPStore) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.endpoint(path, query), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d",
			ErrLedgerUnavailable, path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return body, nil
}
