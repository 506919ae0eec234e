// Package repository implements the BidRepository: the single source of
// truth for bid and auction lifecycle state (spec §4.2). Every mutation is
// transactional against a durable backing Store and is then reflected in
// an in-memory mirror; if the durable write fails, the mirror is left
// untouched and the caller receives a Transient error.
package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/broadcaster"
	"github.com/pyth-network/express-relay-auction/log"
)

// Store is the durable persistence boundary the repository drives. It is
// implemented by package store (pgx-backed) in production and may be
// stubbed in tests.
type Store interface {
	InsertBid(ctx context.Context, bid *auction.Bid) error
	InsertAuction(ctx context.Context, a *auction.Auction) error
	// UpdateBidStatus performs the conditional "UPDATE ... WHERE status =
	// oldStatus" debounce and reports whether a row actually transitioned.
	UpdateBidStatus(ctx context.Context, bidID uuid.UUID, oldStatus, newStatus auction.Status, auctionID *uuid.UUID, txHash string) (bool, error)
	// SubmitAuction sets tx_hash/submission_time iff submission_time is
	// currently NULL; reports whether it performed the write.
	SubmitAuction(ctx context.Context, auctionID uuid.UUID, txHash string) (bool, error)
	ConcludeAuction(ctx context.Context, auctionID uuid.UUID) error
	// UpdateBidTransaction overwrites a Pending bid's transaction payload,
	// used when the quote flow injects a user signature into a pre-built
	// Swap transaction.
	UpdateBidTransaction(ctx context.Context, bidID uuid.UUID, txBytes []byte) error
	LoadPendingBids(ctx context.Context) ([]*auction.Bid, error)
	LoadSubmittedAuctions(ctx context.Context) ([]*auction.Auction, error)
	LoadBid(ctx context.Context, id uuid.UUID) (*auction.Bid, error)
}

// Repository is the in-process BidRepository. It owns all Bid and Auction
// records; other components only ever hold borrowed snapshots (copies),
// never the canonical pointers, so there is exactly one writer of truth.
type Repository struct {
	store   Store
	events  *broadcaster.Broadcaster
	logger  *log.Logger

	auctionLocks *lockTable[auction.PermissionKey]
	bidLocks     *lockTable[uuid.UUID]

	mu             sync.RWMutex
	bids           map[uuid.UUID]*auction.Bid
	auctions       map[uuid.UUID]*auction.Auction // active (unconcluded) auctions only
	pendingByKey   map[auction.PermissionKey]map[uuid.UUID]*auction.Bid
}

// New constructs an empty Repository backed by store, emitting status
// events onto events.
func New(store Store, events *broadcaster.Broadcaster) *Repository {
	return &Repository{
		store:        store,
		events:       events,
		logger:       log.Default().Module("repository"),
		auctionLocks: newLockTable[auction.PermissionKey](),
		bidLocks:     newLockTable[uuid.UUID](),
		bids:         make(map[uuid.UUID]*auction.Bid),
		auctions:     make(map[uuid.UUID]*auction.Auction),
		pendingByKey: make(map[auction.PermissionKey]map[uuid.UUID]*auction.Bid),
	}
}

// Recover rebuilds the in-memory mirror from durable state on startup,
// restoring the crash-recovery invariant in spec §8 property 7.
func (r *Repository) Recover(ctx context.Context) error {
	pending, err := r.store.LoadPendingBids(ctx)
	if err != nil {
		return auction.Wrap(auction.KindTransient, "load pending bids", err)
	}
	submittedAuctions, err := r.store.LoadSubmittedAuctions(ctx)
	if err != nil {
		return auction.Wrap(auction.KindTransient, "load submitted auctions", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range pending {
		r.indexPendingLocked(b)
	}
	for _, a := range submittedAuctions {
		r.auctions[a.ID] = a
		for _, b := range a.Bids {
			r.bids[b.ID] = b
		}
	}
	return nil
}

// AcquireAuctionLock returns a scoped handle for the permission key's
// auction lock. Release it when the auction-loop iteration is done.
func (r *Repository) AcquireAuctionLock(pk auction.PermissionKey) *Handle[auction.PermissionKey] {
	return r.auctionLocks.Acquire(pk)
}

// AcquireBidLock returns a scoped handle for a bid's lock, used to
// serialize concurrent cancellation against submission.
func (r *Repository) AcquireBidLock(bidID uuid.UUID) *Handle[uuid.UUID] {
	return r.bidLocks.Acquire(bidID)
}

// AddBid persists a new Pending bid and indexes it under its permission
// key. Fails with KindDuplicateBid if a bid with the same id exists.
func (r *Repository) AddBid(ctx context.Context, bid *auction.Bid) error {
	r.mu.RLock()
	_, exists := r.bids[bid.ID]
	r.mu.RUnlock()
	if exists {
		return auction.New(auction.KindDuplicateBid, bid.ID.String())
	}

	if err := r.store.InsertBid(ctx, bid); err != nil {
		return auction.Wrap(auction.KindTransient, "insert bid", err)
	}

	r.mu.Lock()
	r.bids[bid.ID] = bid
	r.indexPendingLocked(bid)
	r.mu.Unlock()
	return nil
}

func (r *Repository) indexPendingLocked(bid *auction.Bid) {
	if bid.Status != auction.StatusPending {
		return
	}
	m, ok := r.pendingByKey[bid.PermissionKey]
	if !ok {
		m = make(map[uuid.UUID]*auction.Bid)
		r.pendingByKey[bid.PermissionKey] = m
	}
	m[bid.ID] = bid
}

// AddAuction persists the auction and removes its bids from the Pending
// index -- they are now associated with an auction instead.
func (r *Repository) AddAuction(ctx context.Context, a *auction.Auction) error {
	for _, b := range a.Bids {
		b.AuctionID = &a.ID
	}

	if err := r.store.InsertAuction(ctx, a); err != nil {
		return auction.Wrap(auction.KindTransient, "insert auction", err)
	}

	r.mu.Lock()
	r.auctions[a.ID] = a
	if m, ok := r.pendingByKey[a.PermissionKey]; ok {
		for _, b := range a.Bids {
			delete(m, b.ID)
		}
		if len(m) == 0 {
			delete(r.pendingByKey, a.PermissionKey)
		}
	}
	r.mu.Unlock()
	return nil
}

// SubmitAuction sets tx_hash and submission_time atomically; idempotent
// against retries -- rejects (no-op, no error) if submission_time was
// already set.
func (r *Repository) SubmitAuction(ctx context.Context, auctionID uuid.UUID, txHash string) error {
	changed, err := r.store.SubmitAuction(ctx, auctionID, txHash)
	if err != nil {
		return auction.Wrap(auction.KindTransient, "submit auction", err)
	}
	if !changed {
		return nil
	}
	r.mu.Lock()
	if a, ok := r.auctions[auctionID]; ok {
		th := txHash
		a.TxHash = &th
	}
	r.mu.Unlock()
	return nil
}

// ConcludeAuction sets conclusion_time and removes the auction from active
// memory.
func (r *Repository) ConcludeAuction(ctx context.Context, auctionID uuid.UUID) error {
	if err := r.store.ConcludeAuction(ctx, auctionID); err != nil {
		return auction.Wrap(auction.KindTransient, "conclude auction", err)
	}
	r.mu.Lock()
	delete(r.auctions, auctionID)
	r.mu.Unlock()
	return nil
}

// UpdateBidStatus persists the new status via the durable conditional
// UPDATE debounce. It returns true only if the DB row actually
// transitioned -- the canonical defense against duplicate terminal
// updates (spec §8 property 4). On a real transition to a non-Pending
// state it removes the bid from the Pending index, updates the auction's
// embedded bid snapshot, and emits exactly one status-change event.
func (r *Repository) UpdateBidStatus(ctx context.Context, bidID uuid.UUID, newStatus auction.Status) (bool, error) {
	r.mu.RLock()
	bid, ok := r.bids[bidID]
	r.mu.RUnlock()
	if !ok {
		return false, auction.New(auction.KindNotFound, bidID.String())
	}
	return r.updateBidStatus(ctx, bid, newStatus, bid.TxHash)
}

// UpdateBidStatusWithTxHash performs the same debounced transition as
// UpdateBidStatus but also stamps tx_hash, used for the Swap-cancellation
// path (SPEC_FULL §12, auction.CancelledSwapTxHash): a Pending Swap bid
// cancelled while still awaiting the user's signature is tagged with its
// pre-built transaction's first signature slot even though it never
// reached the chain.
func (r *Repository) UpdateBidStatusWithTxHash(ctx context.Context, bidID uuid.UUID, newStatus auction.Status, txHash string) (bool, error) {
	r.mu.RLock()
	bid, ok := r.bids[bidID]
	r.mu.RUnlock()
	if !ok {
		return false, auction.New(auction.KindNotFound, bidID.String())
	}
	return r.updateBidStatus(ctx, bid, newStatus, txHash)
}

// UpdateBidTransaction persists a signed replacement for a Pending bid's
// transaction payload -- the quote flow's signature-injection step (spec
// §6 POST /quotes/submit) -- and updates the in-memory mirror in lockstep.
func (r *Repository) UpdateBidTransaction(ctx context.Context, bidID uuid.UUID, txBytes []byte) error {
	r.mu.RLock()
	bid, ok := r.bids[bidID]
	r.mu.RUnlock()
	if !ok {
		return auction.New(auction.KindNotFound, bidID.String())
	}
	if err := r.store.UpdateBidTransaction(ctx, bidID, txBytes); err != nil {
		return auction.Wrap(auction.KindTransient, "update bid transaction", err)
	}
	r.mu.Lock()
	bid.Transaction = txBytes
	r.mu.Unlock()
	return nil
}

func (r *Repository) updateBidStatus(ctx context.Context, bid *auction.Bid, newStatus auction.Status, txHash string) (bool, error) {
	oldStatus := bid.Status
	var auctionID *uuid.UUID
	if bid.AuctionID != nil {
		auctionID = bid.AuctionID
	}
	changed, err := r.store.UpdateBidStatus(ctx, bid.ID, oldStatus, newStatus, auctionID, txHash)
	if err != nil {
		return false, auction.Wrap(auction.KindTransient, "update bid status", err)
	}
	if !changed {
		return false, nil
	}

	r.mu.Lock()
	bid.Status = newStatus
	bid.TxHash = txHash
	if newStatus != auction.StatusPending {
		if m, ok := r.pendingByKey[bid.PermissionKey]; ok {
			delete(m, bid.ID)
			if len(m) == 0 {
				delete(r.pendingByKey, bid.PermissionKey)
			}
		}
		if bid.AuctionID != nil {
			if a, ok := r.auctions[*bid.AuctionID]; ok {
				for _, ab := range a.Bids {
					if ab.ID == bid.ID {
						ab.Status = newStatus
					}
				}
			}
		}
	}
	r.mu.Unlock()

	if r.events != nil {
		r.events.Publish(broadcaster.BidStatusUpdate{BidID: bid.ID, Status: newStatus})
	}
	return true, nil
}

// GetPendingBidsByKey returns the Pending bids currently indexed under pk.
func (r *Repository) GetPendingBidsByKey(pk auction.PermissionKey) []*auction.Bid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.pendingByKey[pk]
	out := make([]*auction.Bid, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	return out
}

// PendingKeys returns the permission keys that currently have at least one
// Pending bid indexed, the work list the auction-loop scheduler iterates
// each tick (spec §4.5 step 1's caller).
func (r *Repository) PendingKeys() []auction.PermissionKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]auction.PermissionKey, 0, len(r.pendingByKey))
	for pk, bids := range r.pendingByKey {
		if len(bids) > 0 {
			out = append(out, pk)
		}
	}
	return out
}

// GetSubmittedAuctions returns auctions with tx_hash set and
// conclusion_time unset -- the Concluder's poll set.
func (r *Repository) GetSubmittedAuctions() []*auction.Auction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*auction.Auction, 0, len(r.auctions))
	for _, a := range r.auctions {
		if a.TxHash != nil && a.ConclusionTime == nil {
			out = append(out, a)
		}
	}
	return out
}

// GetInMemoryAuction looks up an active auction by id.
func (r *Repository) GetInMemoryAuction(id uuid.UUID) (*auction.Auction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.auctions[id]
	return a, ok
}

// GetBid looks up a bid by id, falling back to durable storage if it is
// not (or no longer) held in memory.
func (r *Repository) GetBid(ctx context.Context, id uuid.UUID) (*auction.Bid, error) {
	r.mu.RLock()
	b, ok := r.bids[id]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}
	b, err := r.store.LoadBid(ctx, id)
	if err != nil {
		return nil, auction.Wrap(auction.KindNotFound, id.String(), err)
	}
	return b, nil
}

// GetBidsByProfile lists bids owned by a profile (supplemented feature,
// SPEC_FULL §12, serving the out-of-scope HTTP API).
func (r *Repository) GetBidsByProfile(profileID uuid.UUID) []*auction.Bid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*auction.Bid
	for _, b := range r.bids {
		if b.ProfileID != nil && *b.ProfileID == profileID {
			out = append(out, b)
		}
	}
	return out
}

// GetAuctionByID is the read-only counterpart to GetBid for auctions.
func (r *Repository) GetAuctionByID(id uuid.UUID) (*auction.Auction, bool) {
	return r.GetInMemoryAuction(id)
}
