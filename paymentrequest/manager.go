// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package paymentrequest builds BIP70 payment request documents directing a
// depositor's wallet to pay the gateway's receiving address alongside the
// data output that routes the deposit to a ledger account.
package paymentrequest

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/openchain/btcgateway/chain"
)

const (
	// dustValue is the amount attached to the data-carrier output.
	dustValue = 1000

	// requestLifetime is how long a generated payment request stays
	// valid.
	requestLifetime = time.Hour

	// pkiTypeNone marks an unsigned payment request.
	pkiTypeNone = "none"
)

// BIP70 wire schema field numbers.
const (
	outputAmountField = 1
	outputScriptField = 2

	detailsNetworkField = 1
	detailsOutputsField = 2
	detailsTimeField    = 3
	detailsExpiresField = 4
	detailsMemoField    = 5

	requestPkiTypeField = 2
	requestDetailsField = 4
)

// Manager builds payment request documents for one destination address.
type Manager struct {
	network    string
	destScript []byte
	now        func() time.Time
}

// NewManager returns a Manager paying to the given address.  The network
// string is the BIP70 network tag documents are stamped with, "main" or
// "test" as appropriate for the chain parameters.
func NewManager(destination string, params *chaincfg.Params, network string) (*Manager, error) {
	addr, err := btcutil.DecodeAddress(destination, params)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address %q: %w",
			destination, err)
	}
	destScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &Manager{
		network:    network,
		destScript: destScript,
		now:        time.Now,
	}, nil
}

// PaymentRequest builds the serialized BIP70 document asking for amount
// satoshis to fund the given ledger account.  The document carries two
// outputs: the payment itself and a dust-valued data output embedding the
// account's routing tag.
func (m *Manager) PaymentRequest(account string, amount uint64) ([]byte, error) {
	routingScript, err := chain.RoutingTagScript(account)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	details := appendString(nil, detailsNetworkField, m.network)
	details = appendMessage(details, detailsOutputsField,
		serializeOutput(amount, m.destScript))
	details = appendMessage(details, detailsOutputsField,
		serializeOutput(dustValue, routingScript))
	details = protowire.AppendTag(details, detailsTimeField, protowire.VarintType)
	details = protowire.AppendVarint(details, uint64(now.Unix()))
	details = protowire.AppendTag(details, detailsExpiresField, protowire.VarintType)
	details = protowire.AppendVarint(details, uint64(now.Add(requestLifetime).Unix()))
	details = appendString(details, detailsMemoField,
		fmt.Sprintf("Funding Openchain account %s", account))

	request := appendString(nil, requestPkiTypeField, pkiTypeNone)
	request = appendMessage(request, requestDetailsField, details)

	log.Debugf("Built payment request of %d for account %q", amount, account)
	return request, nil
}

func serializeOutput(amount uint64, script []byte) []byte {
	output := protowire.AppendTag(nil, outputAmountField, protowire.VarintType)
	output = protowire.AppendVarint(output, amount)
	return appendMessage(output, outputScriptField, script)
}

func appendMessage(buf []byte, num protowire.Number, payload []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, payload)
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}
