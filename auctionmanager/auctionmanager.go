// Package auctionmanager implements AuctionManager (spec §4.5): the
// per-permission-key control loop that turns a batch of Pending bids into
// a submitted on-chain auction. Each iteration runs under the key's
// AuctionLock so at most one auction is ever in flight per permission key
// (spec §8 property 2).
package auctionmanager

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
	"github.com/pyth-network/express-relay-auction/log"
	"github.com/pyth-network/express-relay-auction/metrics"
	"github.com/pyth-network/express-relay-auction/repository"
	"github.com/pyth-network/express-relay-auction/simulator"
)

// MinimumAuctionLifetime is how long a permission key's oldest pending bid
// must have been waiting before an auction is allowed to form (spec §4.5
// step 2, the readiness gate) -- it gives concurrently-arriving bids for
// the same key a chance to join the same auction instead of racing each
// other into separate ones.
const MinimumAuctionLifetime = 300 * time.Millisecond

// Repository is the subset of repository.Repository AuctionManager
// depends on.
type Repository interface {
	AcquireAuctionLock(pk auction.PermissionKey) *repository.Handle[auction.PermissionKey]
	GetPendingBidsByKey(pk auction.PermissionKey) []*auction.Bid
	AddAuction(ctx context.Context, a *auction.Auction) error
	SubmitAuction(ctx context.Context, auctionID uuid.UUID, txHash string) error
	UpdateBidStatus(ctx context.Context, bidID uuid.UUID, newStatus auction.Status) (bool, error)
}

// BatchBuilder assembles the accepted bids' individual transactions into
// the single batch transaction the Submitter hands to the chain. Chain
// variant specific (a versioned-transaction packing for SVM, a multicall
// for EVM), so it is injected rather than owned here.
type BatchBuilder interface {
	Build(ctx context.Context, variant chainbackend.Variant, chainID string, accepted []*auction.Bid) ([]byte, error)
}

// Submitter is the subset of submitter.Submitter AuctionManager depends on.
type Submitter interface {
	Submit(ctx context.Context, variant chainbackend.Variant, auctionID uuid.UUID, batchTx []byte) (string, error)
}

// ConcluderSpawner starts the Concluder task that polls an auction's
// receipt to completion (spec §4.5 step 8). It must not block the caller.
type ConcluderSpawner interface {
	Spawn(ctx context.Context, variant chainbackend.Variant, auctionID uuid.UUID)
}

// Manager runs the per-key control loop.
type Manager struct {
	repo      Repository
	sim       *simulator.Simulator
	batch     BatchBuilder
	submitter Submitter
	concluder ConcluderSpawner
	logger    *log.Logger
}

// New constructs an AuctionManager.
func New(repo Repository, sim *simulator.Simulator, batch BatchBuilder, submitter Submitter, concluder ConcluderSpawner) *Manager {
	return &Manager{
		repo:      repo,
		sim:       sim,
		batch:     batch,
		submitter: submitter,
		concluder: concluder,
		logger:    log.Default().Module("auctionmanager"),
	}
}

// ProcessKey runs one full iteration of spec §4.5 for a single permission
// key: fetch pending bids, gate on readiness, simulate, and on success
// persist and submit the resulting auction.
func (m *Manager) ProcessKey(ctx context.Context, variant chainbackend.Variant, chainID string, pk auction.PermissionKey, slot uint64) error {
	// Step 1/9: acquire the auction lock for the duration of this
	// iteration and always release it on the way out.
	lock := m.repo.AcquireAuctionLock(pk)
	defer lock.Release()

	// Step 1: fetch pending bids for this key.
	pending := m.repo.GetPendingBidsByKey(pk)
	if len(pending) == 0 {
		return nil
	}

	// Step 2: readiness gate. The oldest pending bid must have been
	// waiting at least MinimumAuctionLifetime.
	oldest := pending[0].InitiationTime
	for _, b := range pending[1:] {
		if b.InitiationTime.Before(oldest) {
			oldest = b.InitiationTime
		}
	}
	if time.Since(oldest) < MinimumAuctionLifetime {
		return nil
	}
	metrics.AuctionPendingWaitMs.Observe(float64(time.Since(oldest).Milliseconds()))

	// Step 3: sort by amount desc, initiation_time asc.
	sorted := make([]*auction.Bid, len(pending))
	copy(sorted, pending)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Amount != sorted[j].Amount {
			return sorted[i].Amount > sorted[j].Amount
		}
		return sorted[i].InitiationTime.Before(sorted[j].InitiationTime)
	})

	// Step 4: invoke the Simulator.
	result, err := m.sim.Run(ctx, variant, chainID, slot, sorted)
	if err != nil {
		return err
	}

	// Step 5: if nothing simulated successfully, release the lock and
	// return -- no auction is created, bids remain Pending for the next
	// iteration.
	if len(result.Accepted) == 0 {
		return nil
	}

	// Step 6: create and persist the Auction. bid_collection_time marks
	// the moment the readiness gate let this auction form (spec §4.5 step
	// 4); testable property 8.5 is defined against it.
	now := time.Now()
	a := &auction.Auction{
		ID:                auction.NewID(),
		ChainID:           chainID,
		PermissionKey:     pk,
		CreationTime:      now,
		BidCollectionTime: &now,
		Bids:              result.Accepted,
	}
	if err := m.repo.AddAuction(ctx, a); err != nil {
		return err
	}
	metrics.AuctionsCreated.Inc()

	// Step 7: build the batch, call the Submitter, persist tx_hash, mark
	// every accepted bid Submitted.
	batchTx, err := m.batch.Build(ctx, variant, chainID, result.Accepted)
	if err != nil {
		return auction.Wrap(auction.KindFatal, "build batch transaction", err)
	}
	txHash, err := m.submitter.Submit(ctx, variant, a.ID, batchTx)
	if err != nil {
		// Transient: the auction stays persisted without a tx_hash; the
		// next scheduler pass for this key will retry submission, not
		// bid selection, since the bids are no longer in the pending index.
		return err
	}
	if err := m.repo.SubmitAuction(ctx, a.ID, txHash); err != nil {
		return err
	}
	for _, b := range result.Accepted {
		if _, err := m.repo.UpdateBidStatus(ctx, b.ID, auction.StatusSubmitted); err != nil {
			m.logger.Error("failed to mark bid submitted", "bid_id", b.ID, "error", err)
		}
	}

	// Step 8: spawn the Concluder task for this auction; it runs
	// independently of this iteration's lock hold.
	if m.concluder != nil {
		m.concluder.Spawn(ctx, variant, a.ID)
	}

	// Step 9: defer above releases the lock.
	return nil
}
