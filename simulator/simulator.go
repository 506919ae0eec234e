// Package simulator implements the Simulator component (spec §4.4): the
// six-step greedy-prefix bid-selection algorithm. Execution itself is
// delegated to a chainbackend.ChainBackend; this package owns the
// ordering and bookkeeping the spec prescribes.
package simulator

import (
	"context"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
	"github.com/pyth-network/express-relay-auction/log"
	"github.com/pyth-network/express-relay-auction/metrics"
)

// PendingTxSource supplies the set of already-submitted-but-unconcluded
// transactions that occupy chain state ahead of a new simulation pass
// (spec §4.4 step 1: "fetch pending transactions").
type PendingTxSource interface {
	PendingTransactions(chainID string) [][]byte
}

// Simulator runs spec §4.4's algorithm for one auction attempt.
type Simulator struct {
	backends *chainbackend.Registry
	pending  PendingTxSource
	logger   *log.Logger
}

// New constructs a Simulator.
func New(backends *chainbackend.Registry, pending PendingTxSource) *Simulator {
	return &Simulator{backends: backends, pending: pending, logger: log.Default().Module("simulator")}
}

// Result is the outcome of one simulation pass: the ordered subset of the
// input bids that executed successfully, plus the slot the pass was run
// against.
type Result struct {
	Accepted []*auction.Bid
	Slot     uint64
}

// Run executes spec §4.4 steps 1-6 against candidates, which must already
// be sorted by the caller (AuctionManager sorts by amount desc,
// initiation_time asc before calling in -- spec §4.5 step 3).
func (s *Simulator) Run(ctx context.Context, variant chainbackend.Variant, chainID string, slot uint64, candidates []*auction.Bid) (*Result, error) {
	backend, ok := s.backends.Get(variant)
	if !ok {
		return nil, auction.New(auction.KindFatal, "unsupported chain variant")
	}

	// Step 1: fetch pending transactions. Step 2 (snapshot accounts) and
	// step 3 (init local env) are the backend's responsibility, internal
	// to Simulate.
	var pendingTx [][]byte
	if s.pending != nil {
		pendingTx = s.pending.PendingTransactions(chainID)
	}

	candidateTx := make([][]byte, len(candidates))
	for i, b := range candidates {
		candidateTx[i] = b.Transaction
	}

	// Step 4 (replay pending, outcomes ignored) and step 5 (greedily try
	// each candidate in input order) both happen inside Simulate.
	simResult, err := backend.Simulate(ctx, pendingTx, candidateTx, slot)
	if err != nil {
		return nil, auction.Wrap(auction.KindTransient, "simulate", err)
	}

	// Step 6: return the accepted list plus the slot it was validated
	// against.
	accepted := make([]*auction.Bid, 0, len(simResult.Accepted))
	for _, idx := range simResult.Accepted {
		if idx < 0 || idx >= len(candidates) {
			continue
		}
		accepted = append(accepted, candidates[idx])
	}

	s.logger.Debug("simulation pass complete",
		"chain_id", chainID, "candidates", len(candidates), "accepted", len(accepted), "slot", simResult.Slot)

	metrics.SimulatorPrefixLength.Observe(float64(len(accepted)))
	if len(accepted) == 0 {
		metrics.SimulatorEmptyPasses.Inc()
	}

	return &Result{Accepted: accepted, Slot: simResult.Slot}, nil
}
