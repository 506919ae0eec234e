// Package rpc implements the bid-intake HTTP/WebSocket API (spec §6):
// POST /bids, DELETE /bids/{id}, POST /quotes/submit, plus the event
// stream. JSON-RPC's envelope shape is gone along with the eth_
// namespace it served; request/response DTOs are bid/auction specific.
package rpc

import (
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
)

// BidSubmission is the POST /bids request body.
type BidSubmission struct {
	ChainID       string  `json:"chain_id"`
	Variant       string  `json:"variant"` // "svm" or "evm"
	PermissionKey string  `json:"permission_key"` // hex-encoded, 64 bytes
	Transaction   string  `json:"transaction"`    // base64-encoded signed transaction
	ProfileID     *string `json:"profile_id,omitempty"`
}

// decode validates and converts the wire request into typed fields.
func (s *BidSubmission) decode() (auction.PermissionKey, []byte, chainbackend.Variant, *uuid.UUID, error) {
	var pk auction.PermissionKey
	raw, err := hex.DecodeString(s.PermissionKey)
	if err != nil || len(raw) != auction.PermissionKeySize {
		return pk, nil, "", nil, auction.New(auction.KindInvalidBid, "permission_key must be 64 hex-encoded bytes")
	}
	copy(pk[:], raw)

	txBytes, err := base64.StdEncoding.DecodeString(s.Transaction)
	if err != nil {
		return pk, nil, "", nil, auction.New(auction.KindInvalidBid, "transaction must be base64-encoded")
	}

	variant := chainbackend.Variant(s.Variant)
	if variant != chainbackend.VariantSVM && variant != chainbackend.VariantEVM {
		return pk, nil, "", nil, auction.New(auction.KindInvalidBid, "variant must be svm or evm")
	}

	var profileID *uuid.UUID
	if s.ProfileID != nil {
		id, err := uuid.Parse(*s.ProfileID)
		if err != nil {
			return pk, nil, "", nil, auction.New(auction.KindInvalidBid, "profile_id must be a valid uuid")
		}
		profileID = &id
	}

	return pk, txBytes, variant, profileID, nil
}

// BidView is the JSON representation of a bid returned to callers.
type BidView struct {
	ID             string  `json:"id"`
	ChainID        string  `json:"chain_id"`
	PermissionKey  string  `json:"permission_key"`
	ProfileID      *string `json:"profile_id,omitempty"`
	Amount         uint64  `json:"amount"`
	Status         string  `json:"status"`
	InitiationTime string  `json:"initiation_time"`
	AuctionID      *string `json:"auction_id,omitempty"`
}

func newBidView(b *auction.Bid) BidView {
	v := BidView{
		ID:             b.ID.String(),
		ChainID:        b.ChainID,
		PermissionKey:  hex.EncodeToString(b.PermissionKey[:]),
		Amount:         b.Amount,
		Status:         b.Status.String(),
		InitiationTime: b.InitiationTime.Format(time.RFC3339Nano),
	}
	if b.ProfileID != nil {
		s := b.ProfileID.String()
		v.ProfileID = &s
	}
	if b.AuctionID != nil {
		s := b.AuctionID.String()
		v.AuctionID = &s
	}
	return v
}

// QuoteRequest is the POST /quotes/submit request body (spec §6,
// grounded on the original implementation's submit_quote flow): the
// user's wallet signature over a quote transaction that was already
// submitted as a Pending Swap bid under reference_id, to be injected
// and promoted toward submission.
type QuoteRequest struct {
	ReferenceID   string `json:"reference_id"`
	UserSignature string `json:"user_signature"` // base64-encoded
}

// decode parses and validates the wire request.
func (q *QuoteRequest) decode() (uuid.UUID, []byte, error) {
	id, err := uuid.Parse(q.ReferenceID)
	if err != nil {
		return uuid.UUID{}, nil, auction.New(auction.KindInvalidBid, "reference_id must be a valid uuid")
	}
	sig, err := base64.StdEncoding.DecodeString(q.UserSignature)
	if err != nil {
		return uuid.UUID{}, nil, auction.New(auction.KindInvalidBid, "user_signature must be base64-encoded")
	}
	return id, sig, nil
}

// QuoteView is the POST /quotes/submit response: the fully signed
// transaction, ready for the caller to broadcast or for auctiond to
// carry forward toward submission.
type QuoteView struct {
	Transaction string `json:"transaction"` // base64-encoded signed transaction
}

// errorView is the standard error body for every endpoint in this
// package.
type errorView struct {
	Error string `json:"error"`
}

// httpStatusFor maps an auction.Kind onto the HTTP status spec §7's
// error-handling table implies.
func httpStatusFor(kind auction.Kind) int {
	switch kind {
	case auction.KindInvalidBid:
		return 400
	case auction.KindDuplicateBid:
		return 409
	case auction.KindNotFound:
		return 404
	case auction.KindForbidden:
		return 403
	case auction.KindNotCancellable:
		return 409
	case auction.KindTransient:
		return 503
	default:
		return 500
	}
}
