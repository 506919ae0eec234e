// Package batchbuilder assembles AuctionManager's accepted bids into the
// single batch transaction the Submitter hands to a ChainBackend (spec
// §4.5 step 7). A bid's Transaction field is already a fully-formed,
// individually-signed payload (spec §3), so composing N of them into one
// atomically-submitted transaction is chain- and relay-infrastructure
// specific (e.g. a Jito bundle on SVM, a Flashbots bundle on EVM) and is
// out of scope here (spec.md Non-goals: "bundle relay infrastructure").
// Builder instead handles the common single-winner case directly and
// reports a fatal error for a multi-bid prefix, so AuctionManager fails
// loudly instead of silently dropping bids that would otherwise be
// misreported as Submitted.
package batchbuilder

import (
	"context"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
)

// Builder is the default BatchBuilder.
type Builder struct{}

// New constructs a Builder.
func New() *Builder { return &Builder{} }

// Build returns the sole accepted bid's transaction unchanged when the
// greedy-prefix simulation accepted exactly one bid -- the common case,
// since most permission keys see one competitive bid per auction window.
// A multi-bid prefix requires relay-specific atomic composition this
// repository does not implement.
func (b *Builder) Build(ctx context.Context, variant chainbackend.Variant, chainID string, accepted []*auction.Bid) ([]byte, error) {
	if len(accepted) == 0 {
		return nil, auction.New(auction.KindFatal, "batch builder called with no accepted bids")
	}
	if len(accepted) == 1 {
		return accepted[0].Transaction, nil
	}
	return nil, auction.New(auction.KindFatal, "multi-bid batch composition is not implemented for this chain variant")
}
