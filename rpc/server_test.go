package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
	"github.com/pyth-network/express-relay-auction/chainview"
	"github.com/pyth-network/express-relay-auction/repository"
	"github.com/pyth-network/express-relay-auction/verifier"
)

// fakeBackend is a minimal chainbackend.ChainBackend stub that always
// verifies successfully, for exercising the HTTP layer in isolation.
type fakeBackend struct {
	kind       auction.PaymentInstructionKind
	userWallet string
}

func (fakeBackend) Variant() chainbackend.Variant { return chainbackend.VariantSVM }

func (b fakeBackend) VerifyBid(ctx context.Context, txBytes []byte, declaredKey auction.PermissionKey) (*chainbackend.DecodedBid, error) {
	return &chainbackend.DecodedBid{
		PermissionKey: chainbackend.PermissionKey{Router: "router", PermissionAccount: "account"},
		Amount:        1000,
		Kind:          b.kind,
		Deadline:      time.Now().Add(time.Minute),
		UserWallet:    b.userWallet,
	}, nil
}

func (fakeBackend) Simulate(ctx context.Context, pendingTx [][]byte, candidates [][]byte, slot uint64) (*chainbackend.SimResult, error) {
	return &chainbackend.SimResult{}, nil
}

func (fakeBackend) Submit(ctx context.Context, batchTx []byte, idempotencyKey string) (string, error) {
	return "0xhash", nil
}

func (fakeBackend) PollReceipt(ctx context.Context, txHash string, bidID string) (*chainbackend.Receipt, error) {
	return &chainbackend.Receipt{Status: chainbackend.ReceiptSucceeded}, nil
}

func (fakeBackend) ExtractPermissionKey(txBytes []byte) (auction.PermissionKey, error) {
	return auction.PermissionKey{}, nil
}

func (fakeBackend) InjectSwapSignature(txBytes []byte, userWallet string, signature []byte) ([]byte, error) {
	out := append([]byte{}, txBytes...)
	return append(out, signature...), nil
}

func (fakeBackend) FirstSignature(txBytes []byte) (string, error) {
	return "sig", nil
}

// fakeStore is an in-memory repository.Store stub, standing in for the
// pgx-backed store package in tests.
type fakeStore struct {
	bids     map[uuid.UUID]*auction.Bid
	auctions map[uuid.UUID]*auction.Auction
}

func newFakeStore() *fakeStore {
	return &fakeStore{bids: map[uuid.UUID]*auction.Bid{}, auctions: map[uuid.UUID]*auction.Auction{}}
}

func (s *fakeStore) InsertBid(ctx context.Context, bid *auction.Bid) error {
	s.bids[bid.ID] = bid
	return nil
}

func (s *fakeStore) InsertAuction(ctx context.Context, a *auction.Auction) error {
	s.auctions[a.ID] = a
	return nil
}

func (s *fakeStore) UpdateBidStatus(ctx context.Context, bidID uuid.UUID, oldStatus, newStatus auction.Status, auctionID *uuid.UUID, txHash string) (bool, error) {
	b, ok := s.bids[bidID]
	if !ok || b.Status != oldStatus {
		return false, nil
	}
	b.Status = newStatus
	return true, nil
}

func (s *fakeStore) SubmitAuction(ctx context.Context, auctionID uuid.UUID, txHash string) (bool, error) {
	a, ok := s.auctions[auctionID]
	if !ok || a.SubmissionTime != nil {
		return false, nil
	}
	th := txHash
	a.TxHash = &th
	return true, nil
}

func (s *fakeStore) ConcludeAuction(ctx context.Context, auctionID uuid.UUID) error { return nil }

func (s *fakeStore) UpdateBidTransaction(ctx context.Context, bidID uuid.UUID, txBytes []byte) error {
	b, ok := s.bids[bidID]
	if !ok {
		return auction.New(auction.KindNotFound, bidID.String())
	}
	b.Transaction = txBytes
	return nil
}

func (s *fakeStore) LoadPendingBids(ctx context.Context) ([]*auction.Bid, error) { return nil, nil }

func (s *fakeStore) LoadSubmittedAuctions(ctx context.Context) ([]*auction.Auction, error) {
	return nil, nil
}

func (s *fakeStore) LoadBid(ctx context.Context, id uuid.UUID) (*auction.Bid, error) {
	b, ok := s.bids[id]
	if !ok {
		return nil, auction.New(auction.KindNotFound, id.String())
	}
	return b, nil
}

type fakeViews struct{ views map[string]*chainview.View }

func (f fakeViews) Get(chainID string) (*chainview.View, bool) {
	v, ok := f.views[chainID]
	return v, ok
}

func newTestServer() (*Server, *repository.Repository) {
	registry := chainbackend.NewRegistry(fakeBackend{})
	views := fakeViews{views: map[string]*chainview.View{
		"solana-mainnet": chainview.New("solana-mainnet", nil),
	}}
	v := verifier.New(registry, views)
	repo := repository.New(newFakeStore(), nil)
	return NewServer(v, repo, views, registry), repo
}

func validSubmission() BidSubmission {
	pk := make([]byte, auction.PermissionKeySize)
	return BidSubmission{
		ChainID:       "solana-mainnet",
		Variant:       "svm",
		PermissionKey: hex.EncodeToString(pk),
		Transaction:   base64.StdEncoding.EncodeToString([]byte("signed-tx-bytes")),
	}
}

func TestServer_SubmitBid(t *testing.T) {
	srv, _ := newTestServer()
	body, _ := json.Marshal(validSubmission())

	req := httptest.NewRequest(http.MethodPost, "/bids", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var view BidView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Amount != 1000 {
		t.Fatalf("expected amount 1000, got %d", view.Amount)
	}
}

func TestServer_SubmitBid_InvalidPermissionKey(t *testing.T) {
	srv, _ := newTestServer()
	sub := validSubmission()
	sub.PermissionKey = "not-hex"
	body, _ := json.Marshal(sub)

	req := httptest.NewRequest(http.MethodPost, "/bids", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServer_SubmitBid_InvalidJSON(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/bids", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServer_GetBid(t *testing.T) {
	srv, repo := newTestServer()
	bid := &auction.Bid{ID: auction.NewID(), ChainID: "solana-mainnet", Status: auction.StatusPending}
	if err := repo.AddBid(context.Background(), bid); err != nil {
		t.Fatalf("seed bid: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/bids/"+bid.ID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_GetBid_NotFound(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/bids/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServer_CancelBid(t *testing.T) {
	srv, repo := newTestServer()
	bid := &auction.Bid{ID: auction.NewID(), ChainID: "solana-mainnet", Status: auction.StatusPending}
	if err := repo.AddBid(context.Background(), bid); err != nil {
		t.Fatalf("seed bid: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/bids/"+bid.ID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := repo.GetBid(context.Background(), bid.ID)
	if err != nil {
		t.Fatalf("get bid: %v", err)
	}
	if got.Status != auction.StatusCancelled {
		t.Fatalf("expected bid cancelled, got %s", got.Status)
	}
}

func TestServer_CancelBid_WrongOwner(t *testing.T) {
	srv, repo := newTestServer()
	owner := uuid.New()
	bid := &auction.Bid{ID: auction.NewID(), ChainID: "solana-mainnet", Status: auction.StatusPending, ProfileID: &owner}
	if err := repo.AddBid(context.Background(), bid); err != nil {
		t.Fatalf("seed bid: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/bids/"+bid.ID.String(), nil)
	req.Header.Set("X-Profile-ID", uuid.New().String())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestServer_CancelBid_AlreadyTerminal(t *testing.T) {
	srv, repo := newTestServer()
	bid := &auction.Bid{ID: auction.NewID(), ChainID: "solana-mainnet", Status: auction.StatusPending}
	if err := repo.AddBid(context.Background(), bid); err != nil {
		t.Fatalf("seed bid: %v", err)
	}
	if _, err := repo.UpdateBidStatus(context.Background(), bid.ID, auction.StatusWon); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/bids/"+bid.ID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestServer_ListBidsByProfile(t *testing.T) {
	srv, repo := newTestServer()
	owner := uuid.New()
	bid := &auction.Bid{ID: auction.NewID(), ChainID: "solana-mainnet", Status: auction.StatusPending, ProfileID: &owner}
	if err := repo.AddBid(context.Background(), bid); err != nil {
		t.Fatalf("seed bid: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/bids?profile_id="+owner.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var views []BidView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 bid, got %d", len(views))
	}
}

func TestServer_GetAuction_NotFound(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/auctions/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func newSwapTestServer() (*Server, *repository.Repository) {
	registry := chainbackend.NewRegistry(fakeBackend{kind: auction.PaymentInstructionSwap, userWallet: "user-wallet"})
	views := fakeViews{views: map[string]*chainview.View{
		"solana-mainnet": chainview.New("solana-mainnet", nil),
	}}
	v := verifier.New(registry, views)
	repo := repository.New(newFakeStore(), nil)
	return NewServer(v, repo, views, registry), repo
}

func TestServer_Quote_InjectsSignatureAndPromotesBid(t *testing.T) {
	srv, repo := newSwapTestServer()
	body, _ := json.Marshal(validSubmission())
	req := httptest.NewRequest(http.MethodPost, "/bids", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected bid created, got %d: %s", rec.Code, rec.Body.String())
	}
	var created BidView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created bid: %v", err)
	}

	quoteBody, _ := json.Marshal(QuoteRequest{
		ReferenceID:   created.ID,
		UserSignature: base64.StdEncoding.EncodeToString([]byte("user-signature")),
	})
	qreq := httptest.NewRequest(http.MethodPost, "/quotes/submit", bytes.NewReader(quoteBody))
	qrec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(qrec, qreq)
	if qrec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", qrec.Code, qrec.Body.String())
	}
	var q QuoteView
	if err := json.Unmarshal(qrec.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if q.Transaction == "" {
		t.Fatal("expected non-empty signed transaction in response")
	}

	id, _ := uuid.Parse(created.ID)
	bid, err := repo.GetBid(context.Background(), id)
	if err != nil {
		t.Fatalf("fetch bid: %v", err)
	}
	if string(bid.Transaction) == string([]byte("signed-tx-bytes")) {
		t.Fatal("expected bid transaction to be replaced with the signed one")
	}
}

func TestServer_Quote_UnknownReference(t *testing.T) {
	srv, _ := newSwapTestServer()
	body, _ := json.Marshal(QuoteRequest{ReferenceID: uuid.New().String(), UserSignature: base64.StdEncoding.EncodeToString([]byte("sig"))})

	req := httptest.NewRequest(http.MethodPost, "/quotes/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
