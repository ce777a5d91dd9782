// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"net/http"
	"os"
	"runtime"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/openchain/btcgateway/chain"
	"github.com/openchain/btcgateway/ledger"
	"github.com/openchain/btcgateway/paymentrequest"
	"github.com/openchain/btcgateway/peg"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := gatewayMain(); err != nil {
		os.Exit(1)
	}
}

// gatewayMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func gatewayMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s", version())

	// Decode the private keys and verify each is intended for the active
	// network.
	receivingWIF, err := decodeNetworkKey(cfg.ReceivingKey, "receivingkey")
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	storageWIF, err := decodeNetworkKey(cfg.StorageKey, "storagekey")
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	ledgerWIF, err := decodeNetworkKey(cfg.LedgerKey, "ledgerkey")
	if err != nil {
		log.Errorf("%v", err)
		return err
	}

	explorer, err := chain.NewHTTPExplorer(cfg.ChainAPI, cfg.RequestTimeout)
	if err != nil {
		log.Errorf("Unable to create chain explorer: %v", err)
		return err
	}
	chainClient, err := chain.NewClient(&chain.ClientConfig{
		Explorer:     explorer,
		ReceivingKey: receivingWIF.PrivKey,
		StorageKey:   storageWIF.PrivKey,
		ChainParams:  activeNet.Params,
		Fee:          btcutil.Amount(cfg.Fee),
	})
	if err != nil {
		log.Errorf("Unable to create chain client: %v", err)
		return err
	}
	log.Infof("Receiving deposits on address %v",
		chainClient.ReceivingAddress())
	log.Infof("Storing swept funds on address %v",
		chainClient.StorageAddress())

	// The ledger namespace is the ledger endpoint itself, matching the
	// convention used by Openchain clients.
	ledgerURL, err := validLedgerURL(cfg.LedgerAPI)
	if err != nil {
		log.Errorf("Invalid ledger URL: %v", err)
		return err
	}
	store, err := ledger.NewHTTPStore(ledgerURL.String(),
		cfg.RequestTimeout)
	if err != nil {
		log.Errorf("Unable to create ledger store: %v", err)
		return err
	}
	ledgerClient, err := ledger.NewClient(&ledger.ClientConfig{
		Store:       store,
		SigningKey:  ledgerWIF.PrivKey,
		AssetName:   cfg.AssetName,
		Namespace:   ledger.NewByteString([]byte(ledgerURL.String())),
		ChainParams: activeNet.Params,
	})
	if err != nil {
		log.Errorf("Unable to create ledger client: %v", err)
		return err
	}

	gateway, err := peg.NewGateway(&peg.GatewayConfig{
		Chain:            chainClient,
		Ledger:           ledgerClient,
		DepositTicker:    ticker.New(cfg.PollInterval),
		WithdrawalTicker: ticker.New(cfg.PollInterval),
	})
	if err != nil {
		log.Errorf("Unable to create gateway: %v", err)
		return err
	}
	if err := gateway.Start(); err != nil {
		log.Errorf("Unable to start gateway: %v", err)
		return err
	}
	addInterruptHandler(func() {
		gateway.Stop()

		// Key material is no longer needed once the pipelines have
		// drained.
		receivingWIF.PrivKey.Zero()
		storageWIF.PrivKey.Zero()
		ledgerWIF.PrivKey.Zero()
	})

	// Optionally serve BIP70 payment requests that route deposits to an
	// Openchain account.
	if cfg.PaymentRequestListen != "" {
		manager, err := paymentrequest.NewManager(
			chainClient.ReceivingAddress(), activeNet.Params,
			activeNet.PaymentDetailsNetwork)
		if err != nil {
			log.Errorf("Unable to create payment request "+
				"manager: %v", err)
			simulateInterrupt()
			<-interruptHandlersDone
			return err
		}
		server := &http.Server{
			Addr:    cfg.PaymentRequestListen,
			Handler: paymentrequest.NewHandler(manager),
		}
		addInterruptHandler(func() {
			server.Close()
		})
		go func() {
			log.Infof("Payment request server listening on %s",
				cfg.PaymentRequestListen)
			err := server.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				log.Errorf("Payment request server error: %v",
					err)
				simulateInterrupt()
			}
		}()
	}

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}
