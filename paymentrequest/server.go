// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymentrequest

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// contentType is the media type registered for BIP70 payment requests.
const contentType = "application/bitcoin-paymentrequest"

// NewHandler returns the HTTP front-end serving payment request documents.
//
//	GET /v1/paymentrequest?account={path}&amount={satoshis}
func NewHandler(manager *Manager) http.Handler {
	router := chi.NewRouter()
	router.Get("/v1/paymentrequest", func(w http.ResponseWriter, r *http.Request) {
		account := r.URL.Query().Get("account")
		if account == "" {
			http.Error(w, "missing account parameter",
				http.StatusBadRequest)
			return
		}

		amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
		if err != nil {
			http.Error(w, "invalid amount parameter",
				http.StatusBadRequest)
			return
		}

		request, err := manager.PaymentRequest(account, amount)
		if err != nil {
			log.Errorf("Unable to build payment request: %v", err)
			http.Error(w, "unable to build payment request",
				http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Write(request)
	})
	return router
}
