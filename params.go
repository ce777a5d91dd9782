// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/openchain/btcgateway/netparams"
)

// activeNet is the chain parameters of the network the gateway operates on.
// It defaults to mainnet and may be overridden by the --testnet or --simnet
// configuration flags.
var activeNet = &netparams.MainNetParams
