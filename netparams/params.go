// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package netparams groups the per-network parameters the gateway needs on
// top of the chain parameters themselves.
package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// PaymentDetailsNetwork is the network tag carried by BIP70 payment
	// request documents generated for this network.
	PaymentDetailsNetwork string
}

// MainNetParams contains parameters specific to running the gateway on the
// main network (wire.MainNet).
var MainNetParams = Params{
	Params:                &chaincfg.MainNetParams,
	PaymentDetailsNetwork: "main",
}

// TestNet3Params contains parameters specific to running the gateway on the
// test network (version 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:                &chaincfg.TestNet3Params,
	PaymentDetailsNetwork: "test",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:                &chaincfg.SimNetParams,
	PaymentDetailsNetwork: "test",
}
