// Package chainview maintains a coherent near-real-time snapshot of a
// single chain: the latest blockhash, current slot, a rolling window of
// prioritization-fee samples, and address-lookup tables. It is the only
// component permitted to mutate that snapshot; everyone else reads it
// lock-free against a consistent copy.
//
// Grounded on the refresh-ticker / RWMutex-guarded-cache idiom used by
// node.HealthChecker in the ambient stack: a background goroutine owns
// the write path, readers take a cheap RLock.
package chainview

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pyth-network/express-relay-auction/log"
)

// RecentFeesSlotWindow is the size of the prioritization-fee ring buffer
// (spec §3; preserved verbatim from the source for observable continuity).
const RecentFeesSlotWindow = 12

// BlockhashRefreshInterval is how often get_latest_blockhash is polled.
const BlockhashRefreshInterval = 1000 * time.Millisecond

// LookupTable is an append-only mapping from a compact address to the list
// of addresses it expands to.
type LookupTable struct {
	Address string
	Entries []string
}

// Fetcher is the chain-RPC surface ChainView polls. Implemented per chain
// variant by the svm and evm packages' HTTPRPCClient.
type Fetcher interface {
	GetLatestBlockhash(ctx context.Context) (string, error)
}

// View is a single chain's live snapshot. Safe for concurrent use: one
// writer goroutine (the watcher task started by Run), arbitrarily many
// readers.
type View struct {
	chainID string
	fetcher Fetcher
	logger  *log.Logger

	mu               sync.RWMutex
	recentBlockhash  string
	currentSlot      uint64
	feeSamples       []uint64 // FIFO, oldest first, capped at RecentFeesSlotWindow
	lookupTables     map[string][]string
}

// New creates a ChainView for one chain_id. fetcher may be nil in tests
// that only exercise the record/put paths.
func New(chainID string, fetcher Fetcher) *View {
	return &View{
		chainID:      chainID,
		fetcher:      fetcher,
		logger:       log.Default().Module("chainview").With("chain_id", chainID),
		lookupTables: make(map[string][]string),
	}
}

// Run starts the background blockhash-refresh ticker. It blocks until ctx
// is cancelled. RPC failures are logged and retried at the next tick;
// stale data is served until refresh succeeds -- no caller blocks on
// ChainView.
func (v *View) Run(ctx context.Context) {
	if v.fetcher == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(BlockhashRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bh, err := v.fetcher.GetLatestBlockhash(ctx)
			if err != nil {
				v.logger.Warn("blockhash refresh failed, serving stale value", "error", err)
				continue
			}
			v.mu.Lock()
			v.recentBlockhash = bh
			v.mu.Unlock()
		}
	}
}

// GetRecentBlockhash returns the current commitment.
func (v *View) GetRecentBlockhash() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.recentBlockhash
}

// RecordSlot applies a monotonic guard: slots strictly less than the
// current slot are rejected (ignored) rather than regressing the view.
func (v *View) RecordSlot(slot uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if slot < v.currentSlot {
		return
	}
	v.currentSlot = slot
}

// CurrentSlot returns the monotonically non-decreasing current slot.
func (v *View) CurrentSlot() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.currentSlot
}

// RecordPrioritizationFee appends a fee sample to the FIFO window,
// evicting the oldest entry once the window is full.
func (v *View) RecordPrioritizationFee(fee uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feeSamples = append(v.feeSamples, fee)
	if len(v.feeSamples) > RecentFeesSlotWindow {
		v.feeSamples = v.feeSamples[len(v.feeSamples)-RecentFeesSlotWindow:]
	}
}

// SuggestedPrioritizationFee returns the median of the current fee
// samples, taking the upper-middle element on an even-sized window -- the
// source's exact choice, preserved for observable continuity (spec §9(b)).
func (v *View) SuggestedPrioritizationFee() uint64 {
	v.mu.RLock()
	samples := make([]uint64, len(v.feeSamples))
	copy(samples, v.feeSamples)
	v.mu.RUnlock()

	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	// Upper-middle element: for length n, index n/2 (0-based) is the upper
	// middle for both odd and even n.
	return samples[len(samples)/2]
}

// PutLookupTable idempotently inserts (or overwrites with an identical
// value) a lookup table entry.
func (v *View) PutLookupTable(addr string, entries []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := make([]string, len(entries))
	copy(cp, entries)
	v.lookupTables[addr] = cp
}

// GetLookupTable reads a previously-inserted lookup table, or (nil, false)
// if unresolved.
func (v *View) GetLookupTable(addr string) ([]string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	entries, ok := v.lookupTables[addr]
	return entries, ok
}

// ChainID returns the chain this view tracks.
func (v *View) ChainID() string {
	return v.chainID
}
