// Package auction defines the core data model of the auction coordinator:
// bids, auctions, permission keys, and the bid lifecycle state machine.
// Nothing in this package talks to a database or a chain; it is the pure
// domain vocabulary shared by every other component.
package auction

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// PermissionKeySize is the fixed byte length of a PermissionKey.
const PermissionKeySize = 64

// PermissionKey is an opaque identifier for a unique on-chain auction slot,
// derived from (router, permission_account). Equality and hashing are
// byte-wise, so it is safe to use as a map key.
type PermissionKey [PermissionKeySize]byte

// String renders the key as a hex string for logs and map debugging.
func (k PermissionKey) String() string {
	return hex.EncodeToString(k[:])
}

// PaymentInstructionKind distinguishes the two express-relay instruction
// shapes a bid's transaction may carry.
type PaymentInstructionKind int

const (
	PaymentInstructionSubmitBid PaymentInstructionKind = iota
	PaymentInstructionSwap
)

func (k PaymentInstructionKind) String() string {
	switch k {
	case PaymentInstructionSubmitBid:
		return "SubmitBid"
	case PaymentInstructionSwap:
		return "Swap"
	default:
		return "Unknown"
	}
}

// Status is the lifecycle state of a Bid. See the state machine in
// AuctionManager's design: Pending is the only non-terminal state besides
// Submitted; every other value is terminal.
type Status int

const (
	StatusPending Status = iota
	StatusSubmitted
	StatusWon
	StatusLost
	StatusFailed
	StatusExpired
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusSubmitted:
		return "Submitted"
	case StatusWon:
		return "Won"
	case StatusLost:
		return "Lost"
	case StatusFailed:
		return "Failed"
	case StatusExpired:
		return "Expired"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status is one a bid never leaves once
// reached (testable property: status monotonicity).
func (s Status) Terminal() bool {
	switch s {
	case StatusWon, StatusLost, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Bid is a searcher's submission claiming the right to execute a
// permission key. See spec §3 for the full invariant list.
type Bid struct {
	ID                     uuid.UUID
	ChainID                string
	Variant                string // "svm" or "evm"; the chain backend that verified this bid
	PermissionKey          PermissionKey
	ProfileID              *uuid.UUID // nil: anonymous bid, cannot be cancelled
	Amount                 uint64     // chain-native fee unit, non-negative
	Transaction            []byte     // fully-formed signed on-chain transaction payload
	PaymentInstructionKind PaymentInstructionKind
	Status                 Status
	InitiationTime         time.Time
	CreationTime           time.Time
	AuctionID              *uuid.UUID // set once joined to an auction
	TxHash                 string     // set to the first signature when a Swap bid awaiting signature is cancelled
}

// Auction groups mutually compatible bids for one permission key, submitted
// as a single on-chain transaction.
type Auction struct {
	ID               uuid.UUID
	ChainID          string
	PermissionKey    PermissionKey
	CreationTime     time.Time
	BidCollectionTime *time.Time
	SubmissionTime   *time.Time
	ConclusionTime   *time.Time
	TxHash           *string
	Bids             []*Bid // ordered, non-empty; all Pending when the auction was created
}

// Concluded reports whether every bid in the auction has reached a
// terminal status.
func (a *Auction) Concluded() bool {
	for _, b := range a.Bids {
		if !b.Status.Terminal() {
			return false
		}
	}
	return true
}

// NewID generates a fresh opaque bid or auction identifier.
func NewID() uuid.UUID {
	return uuid.New()
}
