// Package chainbackend defines the capability abstraction spec §9 asks
// for: ChainBackend{verify_bid, simulate, submit, poll_receipt,
// extract_permission_key}, dispatched via a single runtime variant rather
// than a deep type hierarchy. Chain-specific data lives in per-variant
// structs referenced by the variant tag (Variant), never in exported
// interface methods.
package chainbackend

import (
	"context"
	"time"

	"github.com/pyth-network/express-relay-auction/auction"
)

// Variant tags a concrete ChainBackend implementation.
type Variant string

const (
	VariantSVM Variant = "svm"
	VariantEVM Variant = "evm"
)

// DecodedBid is the chain-agnostic result of decoding a raw transaction
// payload far enough to run the protocol-level Verifier checks in spec
// §4.3 steps 2-7.
type DecodedBid struct {
	PermissionKey PermissionKey
	Amount        uint64
	Kind          auction.PaymentInstructionKind
	Deadline      time.Time
	Signers       []string // base58/hex-encoded signer addresses present in the transaction
	UserWallet    string   // required signer for Swap bids
	Blockhash     string
	LookupTables  []string
}

// PermissionKey is the chain-native (router, permission_account) pair
// before being packed into the fixed-width auction.PermissionKey.
type PermissionKey struct {
	Router            string
	PermissionAccount string
}

// Pack derives the 64-byte opaque auction.PermissionKey from the chain
// native pair: first 32 bytes are the router, last 32 the account. Chain
// variants whose native address width differs left-pad with zero bytes.
func (k PermissionKey) Pack() auction.PermissionKey {
	var out auction.PermissionKey
	copy(out[0:32], leftPad([]byte(k.Router), 32))
	copy(out[32:64], leftPad([]byte(k.PermissionAccount), 32))
	return out
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// SimResult is the output of a Simulate call: the maximal executable
// prefix of the candidate list plus the snapshot slot it was validated
// against (spec §4.4 step 6).
type SimResult struct {
	Accepted []int // indices into the candidates slice that were accepted, in order
	Slot     uint64
}

// ReceiptStatus is the terminal classification Concluder maps to a bid
// transition (spec §4.7).
type ReceiptStatus int

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptSucceeded
	ReceiptReverted
	ReceiptBlockhashExpired
	ReceiptNotIncluded
)

// Receipt is the chain's answer to PollReceipt for one bid's instruction
// within a submitted batch.
type Receipt struct {
	Status ReceiptStatus
}

// ChainBackend is the capability set spec §9 names, implemented once per
// chain variant (svm, evm). AuctionManager, Verifier, Simulator, Submitter
// and Concluder all depend on this interface, never on a concrete variant.
type ChainBackend interface {
	Variant() Variant

	// VerifyBid decodes a raw transaction payload and runs the
	// chain-specific checks of spec §4.3 steps 2-7 (well-formedness,
	// expected program call, permission key derivation, deadline, amount
	// extraction, swap-signer consistency). Returns a typed
	// auction.Error{KindInvalidBid} on any check failure.
	VerifyBid(ctx context.Context, txBytes []byte, declaredKey auction.PermissionKey) (*DecodedBid, error)

	// Simulate executes candidates in order against a forked snapshot that
	// already has pending transactions replayed into it, returning the
	// greedy-accepted prefix (spec §4.4).
	Simulate(ctx context.Context, pendingTx [][]byte, candidates [][]byte, slot uint64) (*SimResult, error)

	// Submit forwards the batched transaction to the chain RPC, keyed by
	// idempotencyKey (the owning auction's id) so retries are safe.
	Submit(ctx context.Context, batchTx []byte, idempotencyKey string) (txHash string, err error)

	// PollReceipt asks the chain for the outcome of a specific bid's
	// instruction within txHash.
	PollReceipt(ctx context.Context, txHash string, bidID string) (*Receipt, error)

	// ExtractPermissionKey derives the permission key from a raw
	// transaction without running full verification; used by callers that
	// already trust the payload (e.g. re-deriving on recovery).
	ExtractPermissionKey(txBytes []byte) (auction.PermissionKey, error)

	// InjectSwapSignature writes the user's signature into a pre-built
	// Swap transaction's user-wallet signer slot and returns the
	// re-serialized transaction (SPEC_FULL §12's quote flow, POST
	// /quotes/submit). Returns a KindInvalidBid error on variants whose
	// Swap bids already arrive fully signed at intake.
	InjectSwapSignature(txBytes []byte, userWallet string, signature []byte) ([]byte, error)

	// FirstSignature returns a transaction's first signature slot,
	// encoded the way the variant renders transaction/signature
	// identifiers elsewhere, used to tag a cancelled-while-unsigned Swap
	// bid's tx_hash (spec §9 open question (c)).
	FirstSignature(txBytes []byte) (string, error)
}

// Registry resolves a ChainBackend by variant, letting AuctionManager and
// friends stay generic over which chain they are driving (spec §9: "a
// single runtime variant, not deep hierarchies").
type Registry struct {
	backends map[Variant]ChainBackend
}

// NewRegistry builds a Registry from a set of backends.
func NewRegistry(backends ...ChainBackend) *Registry {
	r := &Registry{backends: make(map[Variant]ChainBackend, len(backends))}
	for _, b := range backends {
		r.backends[b.Variant()] = b
	}
	return r
}

// Get returns the backend for a variant, or (nil, false) if unregistered.
func (r *Registry) Get(v Variant) (ChainBackend, bool) {
	b, ok := r.backends[v]
	return b, ok
}
