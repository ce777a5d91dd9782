// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"

	"github.com/btcsuite/btcd/txscript"
)

// routingTagMarker prefixes the data push that routes a deposit to a ledger
// account.  A deposit transaction carries an OP_RETURN output pushing
// "OG" followed by the UTF-8 destination account path.
var routingTagMarker = []byte("OG")

// RoutingTagScript builds the data-carrier output script embedding the given
// ledger account path: OP_RETURN with a single push of "OG" + account.
func RoutingTagScript(account string) ([]byte, error) {
	payload := make([]byte, 0, len(routingTagMarker)+len(account))
	payload = append(payload, routingTagMarker...)
	payload = append(payload, account...)

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(payload).
		Script()
}

// ExtractRoutingTag scans an output script for a routing tag and returns the
// embedded account path.  Scripts without a recognizable tag, including
// scripts that fail to parse at all, report ok=false rather than an error:
// unroutable outputs are an expected part of every scan.
func ExtractRoutingTag(script []byte) (account string, ok bool) {
	pushes, err := txscript.PushedData(script)
	if err != nil {
		return "", false
	}

	for _, push := range pushes {
		if bytes.HasPrefix(push, routingTagMarker) {
			return string(push[len(routingTagMarker):]), true
		}
	}
	return "", false
}
