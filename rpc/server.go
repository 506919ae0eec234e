package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
	"github.com/pyth-network/express-relay-auction/chainview"
	"github.com/pyth-network/express-relay-auction/log"
	"github.com/pyth-network/express-relay-auction/metrics"
	"github.com/pyth-network/express-relay-auction/repository"
	"github.com/pyth-network/express-relay-auction/verifier"
)

// Repository is the subset of repository.Repository the HTTP server needs.
type Repository interface {
	AddBid(ctx context.Context, bid *auction.Bid) error
	GetBid(ctx context.Context, id uuid.UUID) (*auction.Bid, error)
	GetBidsByProfile(profileID uuid.UUID) []*auction.Bid
	GetAuctionByID(id uuid.UUID) (*auction.Auction, bool)
	AcquireBidLock(bidID uuid.UUID) *repository.Handle[uuid.UUID]
	UpdateBidStatus(ctx context.Context, bidID uuid.UUID, newStatus auction.Status) (bool, error)
	UpdateBidStatusWithTxHash(ctx context.Context, bidID uuid.UUID, newStatus auction.Status, txHash string) (bool, error)
	UpdateBidTransaction(ctx context.Context, bidID uuid.UUID, txBytes []byte) error
}

// ChainViews resolves a chain_id's live ChainView for quote requests.
type ChainViews interface {
	Get(chainID string) (*chainview.View, bool)
}

// Server is the bid-intake HTTP server (spec §6 Intake API).
type Server struct {
	verifier *verifier.Verifier
	repo     Repository
	views    ChainViews
	backends *chainbackend.Registry
	mux      *http.ServeMux
	logger   *log.Logger
}

// NewServer wires the Intake API routes.
func NewServer(v *verifier.Verifier, repo Repository, views ChainViews, backends *chainbackend.Registry) *Server {
	s := &Server{verifier: v, repo: repo, views: views, backends: backends, mux: http.NewServeMux(), logger: log.Default().Module("rpc")}
	s.mux.HandleFunc("POST /bids", s.handleSubmitBid)
	s.mux.HandleFunc("DELETE /bids/{id}", s.handleCancelBid)
	s.mux.HandleFunc("GET /bids/{id}", s.handleGetBid)
	s.mux.HandleFunc("GET /bids", s.handleListBidsByProfile)
	s.mux.HandleFunc("GET /auctions/{id}", s.handleGetAuction)
	s.mux.HandleFunc("POST /quotes/submit", s.handleQuote)
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		writeError(w, auction.New(auction.KindInvalidBid, "failed to read request body"))
		return
	}
	var sub BidSubmission
	if err := json.Unmarshal(body, &sub); err != nil {
		writeError(w, auction.New(auction.KindInvalidBid, "invalid JSON"))
		return
	}

	pk, txBytes, variant, profileID, err := sub.decode()
	if err != nil {
		writeError(w, err)
		return
	}

	decoded, err := s.verifier.Verify(r.Context(), verifier.Input{
		ChainID:       sub.ChainID,
		Variant:       variant,
		PermissionKey: pk,
		Transaction:   txBytes,
	})
	if err != nil {
		metrics.BidsRejected.Inc()
		writeError(w, err)
		return
	}

	now := time.Now()
	bid := &auction.Bid{
		ID:                     auction.NewID(),
		ChainID:                sub.ChainID,
		Variant:                string(variant),
		PermissionKey:          pk,
		ProfileID:              profileID,
		Amount:                 decoded.Amount,
		Transaction:            txBytes,
		PaymentInstructionKind: decoded.Kind,
		Status:                 auction.StatusPending,
		InitiationTime:         now,
		CreationTime:           now,
	}
	if err := s.repo.AddBid(r.Context(), bid); err != nil {
		writeError(w, err)
		return
	}
	metrics.BidsReceived.Inc()
	metrics.BidIntakeRate.Mark(1)

	writeJSON(w, http.StatusCreated, newBidView(bid))
}

func (s *Server) handleCancelBid(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, auction.New(auction.KindInvalidBid, "invalid bid id"))
		return
	}

	lock := s.repo.AcquireBidLock(id)
	defer lock.Release()

	bid, err := s.repo.GetBid(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if requester := r.Header.Get("X-Profile-ID"); requester != "" {
		if bid.ProfileID == nil || bid.ProfileID.String() != requester {
			writeError(w, auction.New(auction.KindForbidden, "not the bid owner"))
			return
		}
	} else if bid.ProfileID != nil {
		writeError(w, auction.New(auction.KindForbidden, "profile id required to cancel an owned bid"))
		return
	}

	if bid.Status != auction.StatusPending {
		writeError(w, auction.New(auction.KindNotCancellable, "bid is no longer pending"))
		return
	}

	// A Pending Swap bid may still be awaiting the user's signature from
	// the quote flow; tag its cancellation with the pre-built
	// transaction's first signature slot (SPEC_FULL §12, open question c)
	// instead of leaving tx_hash blank.
	if bid.PaymentInstructionKind == auction.PaymentInstructionSwap {
		backend, ok := s.backends.Get(chainbackend.Variant(bid.Variant))
		if !ok {
			writeError(w, auction.New(auction.KindFatal, "no chain backend for bid variant"))
			return
		}
		sig, err := backend.FirstSignature(bid.Transaction)
		if err != nil {
			writeError(w, err)
			return
		}
		txHash := auction.CancelledSwapTxHash(sig)
		if _, err := s.repo.UpdateBidStatusWithTxHash(r.Context(), id, auction.StatusCancelled, txHash); err != nil {
			writeError(w, err)
			return
		}
		metrics.BidsCancelled.Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, err := s.repo.UpdateBidStatus(r.Context(), id, auction.StatusCancelled); err != nil {
		writeError(w, err)
		return
	}
	metrics.BidsCancelled.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBid(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, auction.New(auction.KindInvalidBid, "invalid bid id"))
		return
	}
	bid, err := s.repo.GetBid(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBidView(bid))
}

func (s *Server) handleListBidsByProfile(w http.ResponseWriter, r *http.Request) {
	profileID, err := uuid.Parse(r.URL.Query().Get("profile_id"))
	if err != nil {
		writeError(w, auction.New(auction.KindInvalidBid, "profile_id query parameter required"))
		return
	}
	bids := s.repo.GetBidsByProfile(profileID)
	views := make([]BidView, 0, len(bids))
	for _, b := range bids {
		views = append(views, newBidView(b))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, auction.New(auction.KindInvalidBid, "invalid auction id"))
		return
	}
	a, ok := s.repo.GetAuctionByID(id)
	if !ok {
		writeError(w, auction.New(auction.KindNotFound, id.String()))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleQuote implements spec §6's POST /quotes/submit: a pre-built Swap
// bid was submitted under reference_id with a placeholder signer slot;
// the user now supplies their wallet signature, which is injected into
// the stored transaction and the bid promoted for the Verifier/Simulator
// to pick up like any other Pending bid. Grounded on the original
// implementation's submit_quote flow (auction-server/src/auction/service
// /submit_quote.rs): look up the bid by id, recover its Swap signer,
// inject the signature, persist the signed transaction.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, auction.New(auction.KindInvalidBid, "failed to read request body"))
		return
	}
	var req QuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, auction.New(auction.KindInvalidBid, "invalid JSON"))
		return
	}
	referenceID, sig, err := req.decode()
	if err != nil {
		writeError(w, err)
		return
	}

	lock := s.repo.AcquireBidLock(referenceID)
	defer lock.Release()

	bid, err := s.repo.GetBid(r.Context(), referenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := auction.ValidateQuoteBid(bid); err != nil {
		writeError(w, err)
		return
	}

	backend, ok := s.backends.Get(chainbackend.Variant(bid.Variant))
	if !ok {
		writeError(w, auction.New(auction.KindFatal, "no chain backend for bid variant"))
		return
	}

	decoded, err := backend.VerifyBid(r.Context(), bid.Transaction, bid.PermissionKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if decoded.UserWallet == "" {
		writeError(w, auction.New(auction.KindInvalidBid, "quote transaction has no user signer slot"))
		return
	}

	signedTx, err := backend.InjectSwapSignature(bid.Transaction, decoded.UserWallet, sig)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.repo.UpdateBidTransaction(r.Context(), bid.ID, signedTx); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, QuoteView{Transaction: base64.StdEncoding.EncodeToString(signedTx)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatusFor(auction.KindOf(err)), errorView{Error: err.Error()})
}
