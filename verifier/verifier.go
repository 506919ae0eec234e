// Package verifier implements the Verifier component (spec §4.3): eight
// ordered, short-circuiting checks a bid's transaction must pass before
// it is ever persisted. Chain-specific decoding is delegated to a
// chainbackend.ChainBackend; the size limit and simulatability precheck
// are chain-agnostic and live here.
package verifier

import (
	"context"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
	"github.com/pyth-network/express-relay-auction/chainview"
	"github.com/pyth-network/express-relay-auction/log"
)

// MaxTransactionSize bounds the raw transaction payload (spec §4.3 step
// 1, "size"), chosen to match Solana's own packet size ceiling.
const MaxTransactionSize = 1232

// ChainViews resolves a chain_id to its live ChainView, used for the
// simulatability precheck against the chain's current blockhash.
type ChainViews interface {
	Get(chainID string) (*chainview.View, bool)
}

// Verifier runs spec §4.3's eight checks against an incoming bid.
type Verifier struct {
	backends *chainbackend.Registry
	views    ChainViews
	logger   *log.Logger
}

// New constructs a Verifier.
func New(backends *chainbackend.Registry, views ChainViews) *Verifier {
	return &Verifier{backends: backends, views: views, logger: log.Default().Module("verifier")}
}

// Input is everything the Verifier needs about an incoming bid before it
// becomes a durable auction.Bid.
type Input struct {
	ChainID       string
	Variant       chainbackend.Variant
	PermissionKey auction.PermissionKey
	Transaction   []byte
}

// Verify runs the eight checks of spec §4.3 in order, stopping at the
// first failure. On success it returns the decoded fields needed to
// construct the persisted Bid.
func (v *Verifier) Verify(ctx context.Context, in Input) (*chainbackend.DecodedBid, error) {
	// Step 1: size.
	if len(in.Transaction) == 0 {
		return nil, auction.New(auction.KindInvalidBid, "empty transaction payload")
	}
	if len(in.Transaction) > MaxTransactionSize {
		return nil, auction.New(auction.KindInvalidBid, "transaction exceeds maximum size")
	}

	backend, ok := v.backends.Get(in.Variant)
	if !ok {
		return nil, auction.New(auction.KindInvalidBid, "unsupported chain variant")
	}

	// Steps 2-7: well-formedness, expected program call, permission key
	// derivation, deadline, amount extraction, swap-signer consistency --
	// all chain-specific, delegated to the backend.
	decoded, err := backend.VerifyBid(ctx, in.Transaction, in.PermissionKey)
	if err != nil {
		return nil, err
	}

	// Step 8: simulatability precheck -- compares the transaction's
	// blockhash with the ChainView's current blockhash. A mismatch is only
	// logged; the bid is not rejected here and is left to the Simulator.
	// An older but still valid blockhash is not told apart from an expired
	// one, and address lookup tables are not checked at this step.
	if v.views != nil {
		if view, ok := v.views.Get(in.ChainID); ok {
			if decoded.Blockhash != "" && view.GetRecentBlockhash() != "" && decoded.Blockhash != view.GetRecentBlockhash() {
				v.logger.Debug("bid references a non-current blockhash, deferring to simulation",
					"chain_id", in.ChainID)
			}
		}
	}

	return decoded, nil
}
