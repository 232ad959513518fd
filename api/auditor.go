/*
auditor.go - Background chain verification sweep

PURPOSE:
  Periodically walks every wallet and verifies the ledger's promises: the
  chain rule, balance/tail equality, and the totals equality. The write
  path maintains these invariants; the auditor detects corruption early
  (bad migrations, manual database edits) instead of at dispute time.

DESIGN:
  - Background goroutine with a configurable check interval
  - Read-only: reports discrepancies, never repairs them
  - Start/Stop lifecycle tied to the server

SEE ALSO:
  - ledger/aggregate.go: VerifyChain implementation
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinix/wallet-ledger/ledger"
)

// ChainAuditor runs periodic chain verification over all wallets.
type ChainAuditor struct {
	Store         ledger.Store
	Aggregator    *ledger.Aggregator
	Log           zerolog.Logger
	CheckInterval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewChainAuditor creates an auditor with a default hourly sweep.
func NewChainAuditor(store ledger.Store, agg *ledger.Aggregator, log zerolog.Logger) *ChainAuditor {
	return &ChainAuditor{
		Store:         store,
		Aggregator:    agg,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		stop:          make(chan struct{}),
	}
}

// Start begins the background sweep.
func (a *ChainAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ticker = time.NewTicker(a.CheckInterval)
	a.wg.Add(1)
	go a.run()
	a.Log.Info().Dur("interval", a.CheckInterval).Msg("chain auditor started")
}

// Stop halts the sweep and waits for an in-flight pass to finish.
func (a *ChainAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker != nil {
		a.ticker.Stop()
		close(a.stop)
		a.wg.Wait()
		a.Log.Info().Msg("chain auditor stopped")
	}
}

func (a *ChainAuditor) run() {
	defer a.wg.Done()

	// Run immediately on start
	a.Sweep(context.Background())

	for {
		select {
		case <-a.ticker.C:
			a.Sweep(context.Background())
		case <-a.stop:
			return
		}
	}
}

// Sweep verifies every wallet once and returns the number with issues.
func (a *ChainAuditor) Sweep(ctx context.Context) int {
	wallets, err := a.Store.ListWallets(ctx)
	if err != nil {
		a.Log.Error().Err(err).Msg("audit sweep: failed to list wallets")
		return 0
	}

	flagged := 0
	for _, w := range wallets {
		report, err := a.Aggregator.VerifyChain(ctx, w.ID)
		if err != nil {
			a.Log.Error().Err(err).Str("wallet", string(w.ID)).Msg("audit sweep: verification failed")
			continue
		}
		if !report.OK() {
			flagged++
			a.Log.Error().
				Str("wallet", string(w.ID)).
				Strs("issues", report.Issues).
				Msg("audit sweep: chain invariant violated")
		}
	}

	a.Log.Info().Int("wallets", len(wallets)).Int("flagged", flagged).Msg("audit sweep complete")
	return flagged
}
