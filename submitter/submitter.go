// Package submitter implements the Submitter component (spec §4.6):
// hands a built auction transaction to the chain, keyed for idempotency
// by the owning auction's id. A network-layer failure is classified
// Transient and returned to the caller (AuctionManager); the Submitter
// itself never retries in a loop.
package submitter

import (
	"context"

	"github.com/google/uuid"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
	"github.com/pyth-network/express-relay-auction/log"
	"github.com/pyth-network/express-relay-auction/metrics"
)

// Submitter submits built batch transactions via a chainbackend.ChainBackend.
type Submitter struct {
	backends *chainbackend.Registry
	logger   *log.Logger
}

// New constructs a Submitter.
func New(backends *chainbackend.Registry) *Submitter {
	return &Submitter{backends: backends, logger: log.Default().Module("submitter")}
}

// Submit sends a.BatchTransaction for auctionID, using auctionID as the
// idempotency key so a retried call after a crash-and-restart does not
// double-submit (spec §4.6).
func (s *Submitter) Submit(ctx context.Context, variant chainbackend.Variant, auctionID uuid.UUID, batchTx []byte) (string, error) {
	backend, ok := s.backends.Get(variant)
	if !ok {
		return "", auction.New(auction.KindFatal, "unsupported chain variant")
	}

	timer := metrics.NewTimer(metrics.SubmitLatencyMs)
	txHash, err := backend.Submit(ctx, batchTx, auctionID.String())
	timer.Stop()
	if err != nil {
		metrics.SubmitErrors.Inc()
		if auction.KindOf(err) == auction.KindTransient {
			s.logger.Warn("submit failed, will be retried by the caller's next tick",
				"auction_id", auctionID, "error", err)
		}
		return "", err
	}

	s.logger.Info("auction submitted", "auction_id", auctionID, "tx_hash", txHash)
	return txHash, nil
}
