// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package peg implements the two long-lived pipelines bridging a Bitcoin
// chain and an Openchain ledger: deposits flow from the chain into ledger
// credits, and ledger withdrawal requests flow back out as Bitcoin payouts.
package peg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/ticker"
)

// GatewayConfig groups the dependencies and tuning knobs of a Gateway.
type GatewayConfig struct {
	// Chain provides access to the Bitcoin side of the peg.
	Chain ChainClient

	// Ledger provides access to the ledger side of the peg.
	Ledger LedgerClient

	// DepositTicker paces iterations of the deposit pipeline.
	DepositTicker ticker.Ticker

	// WithdrawalTicker paces iterations of the withdrawal pipeline.
	WithdrawalTicker ticker.Ticker

	// SkipRecovery disables the startup re-broadcast of stored payout
	// transactions.
	SkipRecovery bool
}

// Gateway runs the two peg pipelines.  Each pipeline performs one full
// iteration per tick, logs and swallows every failure, and runs until Stop is
// called.  The pipelines never coordinate with each other: the deposit side
// only ever increases ledger balances and the withdrawal side only ever
// decreases them, through disjoint key namespaces.
type Gateway struct {
	started int32
	stopped int32

	cfg GatewayConfig

	ctx    context.Context
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewGateway constructs a Gateway from the given config.
func NewGateway(cfg *GatewayConfig) (*Gateway, error) {
	if cfg.Chain == nil || cfg.Ledger == nil {
		return nil, errors.New("gateway requires both a chain and a " +
			"ledger client")
	}
	if cfg.DepositTicker == nil || cfg.WithdrawalTicker == nil {
		return nil, errors.New("gateway requires both pipeline tickers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:    *cfg,
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
	}, nil
}

// Start launches the deposit and withdrawal pipelines.
func (g *Gateway) Start() error {
	if !atomic.CompareAndSwapInt32(&g.started, 0, 1) {
		return nil
	}

	log.Info("Starting peg gateway")

	if !g.cfg.SkipRecovery {
		g.recoverPendingPayouts(g.ctx)
	}

	g.wg.Add(2)
	go g.depositPipeline()
	go g.withdrawalPipeline()

	return nil
}

// Stop signals both pipelines to terminate and waits for them to exit.  Any
// remote call in flight is canceled.
func (g *Gateway) Stop() {
	if !atomic.CompareAndSwapInt32(&g.stopped, 0, 1) {
		return
	}

	log.Info("Stopping peg gateway")
	close(g.quit)
	g.cancel()
	g.wg.Wait()
	log.Info("Peg gateway stopped")
}

// recoverPendingPayouts re-broadcasts every payout transaction a previous run
// stored in a processed marker.  A withdrawal is marked redeemed on the
// ledger before its payout transaction is broadcast, so a crash between the
// two steps leaves the payout bytes recoverable from the marker record.
// Re-broadcasting an already-confirmed transaction is rejected by the network
// and logged at debug level only.
func (g *Gateway) recoverPendingPayouts(ctx context.Context) {
	payouts, err := g.cfg.Ledger.PendingPayouts(ctx)
	if err != nil {
		log.Errorf("Unable to list pending payouts for recovery: %v",
			err)
		return
	}

	for _, rawTx := range payouts {
		txid, err := g.cfg.Chain.Broadcast(ctx, rawTx)
		if err != nil {
			log.Debugf("Recovery broadcast not accepted: %v", err)
			continue
		}
		log.Infof("Recovered pending payout %s", txid)
	}
}

// depositPipeline runs the chain→ledger direction: scan for routable
// deposits, credit each on the ledger, then sweep it to cold storage.
//
// NOTE: This MUST be run as a goroutine.
func (g *Gateway) depositPipeline() {
	defer g.wg.Done()

	g.cfg.DepositTicker.Resume()
	defer g.cfg.DepositTicker.Stop()

	for {
		select {
		case <-g.cfg.DepositTicker.Ticks():
			g.depositIteration(g.ctx)

		case <-g.quit:
			return
		}
	}
}

// depositIteration performs one full pass of the deposit pipeline.  A failure
// on one deposit is logged and does not abort the remaining deposits in the
// batch.
func (g *Gateway) depositIteration(ctx context.Context) {
	deposits, err := g.cfg.Chain.ScanDeposits(ctx)
	if err != nil {
		log.Errorf("Deposit scan failed: %v", err)
		return
	}
	if len(deposits) == 0 {
		return
	}

	log.Debugf("Deposit scan found %d routable output(s)", len(deposits))

	for _, deposit := range deposits {
		issued, err := g.cfg.Ledger.IssueCredit(ctx, deposit)
		if err != nil {
			log.Errorf("Unable to issue credit for deposit %s:%d: "+
				"%v", deposit.TxHash, deposit.OutputIndex, err)
			continue
		}
		if issued {
			log.Infof("Issued %d to account %q for deposit %s:%d",
				deposit.Amount, deposit.RoutingAccount,
				deposit.TxHash, deposit.OutputIndex)
		}

		txid, err := g.cfg.Chain.SweepToStorage(ctx, deposit)
		if err != nil {
			log.Errorf("Unable to sweep deposit %s:%d to storage: "+
				"%v", deposit.TxHash, deposit.OutputIndex, err)
			continue
		}
		log.Infof("Swept deposit %s:%d to storage in %s",
			deposit.TxHash, deposit.OutputIndex, txid)
	}
}

// withdrawalPipeline runs the ledger→chain direction: discover unprocessed
// withdrawals, build one payout transaction covering all of them, mark them
// redeemed on the ledger, then broadcast the payout.
//
// NOTE: This MUST be run as a goroutine.
func (g *Gateway) withdrawalPipeline() {
	defer g.wg.Done()

	g.cfg.WithdrawalTicker.Resume()
	defer g.cfg.WithdrawalTicker.Stop()

	for {
		select {
		case <-g.cfg.WithdrawalTicker.Ticks():
			g.withdrawalIteration(g.ctx)

		case <-g.quit:
			return
		}
	}
}

// withdrawalIteration performs one full pass of the withdrawal pipeline.
//
// The ledger is marked before the payout transaction is broadcast.  If the
// process dies between the two steps the withdrawal is never paid twice; the
// stored payout bytes are re-broadcast by recoverPendingPayouts on the next
// start instead.
func (g *Gateway) withdrawalIteration(ctx context.Context) {
	withdrawals, err := g.cfg.Ledger.DiscoverWithdrawals(ctx)
	if err != nil {
		log.Errorf("Withdrawal discovery failed: %v", err)
		return
	}
	if len(withdrawals) == 0 {
		return
	}

	log.Infof("Discovered %d unprocessed withdrawal(s)", len(withdrawals))

	payoutTx, err := g.cfg.Chain.BuildPayout(ctx, withdrawals)
	if err != nil {
		log.Errorf("Unable to build payout transaction: %v", err)
		return
	}

	if err := g.cfg.Ledger.MarkRedeemed(ctx, withdrawals, payoutTx); err != nil {
		log.Errorf("Unable to mark withdrawals redeemed: %v", err)
		return
	}

	txid, err := g.cfg.Chain.Broadcast(ctx, payoutTx)
	if err != nil {
		// The marker commit already recorded the payout bytes, so
		// this is recovered on restart rather than retried here.
		log.Errorf("Unable to broadcast payout transaction: %v", err)
		return
	}

	log.Infof("Paid %d withdrawal(s) in %s", len(withdrawals), txid)
}
