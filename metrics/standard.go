package metrics

// Pre-defined metrics for the auction coordinator (SPEC_FULL §10.5). All
// metrics live in DefaultRegistry so they are globally accessible without
// passing a registry around.

var (
	// ---- Bid intake metrics ----

	// BidsReceived counts bids that passed the Verifier and were persisted.
	BidsReceived = DefaultRegistry.Counter("auctiond.bids.received")
	// BidsRejected counts bids that failed Verifier checks.
	BidsRejected = DefaultRegistry.Counter("auctiond.bids.rejected")
	// BidsCancelled counts bids cancelled via the intake API.
	BidsCancelled = DefaultRegistry.Counter("auctiond.bids.cancelled")
	// BidIntakeRate tracks the 1/5/15-minute accepted-bid rate.
	BidIntakeRate = NewMeter()

	// ---- Auction lifecycle metrics ----

	// AuctionsCreated counts auctions AuctionManager has formed from an
	// accepted simulation prefix.
	AuctionsCreated = DefaultRegistry.Counter("auctiond.auctions.created")
	// AuctionPendingWaitMs records how long a permission key's oldest bid
	// waited before the readiness gate let an auction form.
	AuctionPendingWaitMs = DefaultRegistry.Histogram("auctiond.auctions.pending_wait_ms")
	// AuctionsConcluded counts auctions the Concluder has fully resolved.
	AuctionsConcluded = DefaultRegistry.Counter("auctiond.auctions.concluded")

	// ---- Simulator metrics ----

	// SimulatorPrefixLength records the greedy-accepted prefix length of
	// each simulation pass (spec §4.4 step 6).
	SimulatorPrefixLength = DefaultRegistry.Histogram("auctiond.simulator.accepted_prefix_length")
	// SimulatorEmptyPasses counts simulation passes that accepted nothing.
	SimulatorEmptyPasses = DefaultRegistry.Counter("auctiond.simulator.empty_passes")

	// ---- Submitter metrics ----

	// SubmitLatencyMs records chain-RPC submit call latency.
	SubmitLatencyMs = DefaultRegistry.Histogram("auctiond.submitter.latency_ms")
	// SubmitErrors counts failed Submit calls.
	SubmitErrors = DefaultRegistry.Counter("auctiond.submitter.errors")

	// ---- Concluder metrics ----

	// ConcluderPolls counts PollReceipt calls issued.
	ConcluderPolls = DefaultRegistry.Counter("auctiond.concluder.polls")
	// ConcluderResolved counts bids the Concluder moved to a terminal status.
	ConcluderResolved = DefaultRegistry.Counter("auctiond.concluder.resolved")
)
