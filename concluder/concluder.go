// Package concluder implements the Concluder component (spec §4.7): polls
// a submitted auction's on-chain receipt to a terminal bid status for
// every bid it contains. Designed to be crash-safe -- on restart,
// Repository.GetSubmittedAuctions finds every auction with a tx_hash and no
// conclusion_time and re-polls it exactly as if it had just been spawned.
package concluder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
	"github.com/pyth-network/express-relay-auction/log"
	"github.com/pyth-network/express-relay-auction/metrics"
)

// PollInterval is how often an in-flight auction's receipt is re-checked.
const PollInterval = 500 * time.Millisecond

// Repository is the subset of repository.Repository the Concluder needs.
type Repository interface {
	GetInMemoryAuction(id uuid.UUID) (*auction.Auction, bool)
	GetSubmittedAuctions() []*auction.Auction
	UpdateBidStatus(ctx context.Context, bidID uuid.UUID, newStatus auction.Status) (bool, error)
	ConcludeAuction(ctx context.Context, auctionID uuid.UUID) error
}

// Concluder polls chainbackend.ChainBackend.PollReceipt until every bid in
// an auction reaches a terminal status.
type Concluder struct {
	repo     Repository
	backends *chainbackend.Registry
	logger   *log.Logger
}

// New constructs a Concluder.
func New(repo Repository, backends *chainbackend.Registry) *Concluder {
	return &Concluder{repo: repo, backends: backends, logger: log.Default().Module("concluder")}
}

// Spawn starts a background poll loop for auctionID. It returns
// immediately; the loop runs until the auction concludes or ctx is
// cancelled.
func (c *Concluder) Spawn(ctx context.Context, variant chainbackend.Variant, auctionID uuid.UUID) {
	go c.run(ctx, variant, auctionID)
}

// RecoverAll re-spawns a poll loop for every auction durable storage shows
// as submitted but not yet concluded -- the crash-recovery path (spec §8
// property 7).
func (c *Concluder) RecoverAll(ctx context.Context, variant chainbackend.Variant) {
	for _, a := range c.repo.GetSubmittedAuctions() {
		c.logger.Info("resuming receipt poll after restart", "auction_id", a.ID)
		go c.run(ctx, variant, a.ID)
	}
}

func (c *Concluder) run(ctx context.Context, variant chainbackend.Variant, auctionID uuid.UUID) {
	backend, ok := c.backends.Get(variant)
	if !ok {
		c.logger.Error("no backend registered for variant", "variant", variant, "auction_id", auctionID)
		return
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a, ok := c.repo.GetInMemoryAuction(auctionID)
		if !ok {
			// Already concluded by a previous tick (or a concurrent
			// recovery re-poll); nothing left to do.
			return
		}
		if a.TxHash == nil {
			continue
		}

		allTerminal := true
		for _, b := range a.Bids {
			if b.Status.Terminal() {
				continue
			}
			metrics.ConcluderPolls.Inc()
			receipt, err := backend.PollReceipt(ctx, *a.TxHash, b.ID.String())
			if err != nil {
				c.logger.Warn("poll_receipt failed, retrying next tick", "auction_id", auctionID, "bid_id", b.ID, "error", err)
				allTerminal = false
				continue
			}
			newStatus, terminal := c.classify(receipt.Status)
			if !terminal {
				allTerminal = false
				continue
			}
			if _, err := c.repo.UpdateBidStatus(ctx, b.ID, newStatus); err != nil {
				c.logger.Error("failed to update bid status", "bid_id", b.ID, "error", err)
				allTerminal = false
				continue
			}
			metrics.ConcluderResolved.Inc()
		}

		if allTerminal {
			if err := c.repo.ConcludeAuction(ctx, auctionID); err != nil {
				c.logger.Error("failed to conclude auction", "auction_id", auctionID, "error", err)
				continue
			}
			metrics.AuctionsConcluded.Inc()
			return
		}
	}
}

// classify maps a chain receipt onto the Concluder transition table (spec
// §4.7): Confirmed+succeeded -> Won, Confirmed+reverted -> Failed,
// blockhash expired -> Expired, not in batch -> Lost.
func (c *Concluder) classify(status chainbackend.ReceiptStatus) (auction.Status, bool) {
	switch status {
	case chainbackend.ReceiptSucceeded:
		return auction.StatusWon, true
	case chainbackend.ReceiptReverted:
		return auction.StatusFailed, true
	case chainbackend.ReceiptBlockhashExpired:
		return auction.StatusExpired, true
	case chainbackend.ReceiptNotIncluded:
		return auction.StatusLost, true
	default: // ReceiptPending
		return auction.StatusPending, false
	}
}
