package simulator

import (
	"context"
	"testing"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
)

type stubBackend struct {
	variant  chainbackend.Variant
	result   *chainbackend.SimResult
	simErr   error
	gotPending, gotCandidates [][]byte
	gotSlot  uint64
}

func (s *stubBackend) Variant() chainbackend.Variant { return s.variant }

func (s *stubBackend) VerifyBid(ctx context.Context, txBytes []byte, declaredKey auction.PermissionKey) (*chainbackend.DecodedBid, error) {
	return nil, nil
}

func (s *stubBackend) Simulate(ctx context.Context, pendingTx [][]byte, candidates [][]byte, slot uint64) (*chainbackend.SimResult, error) {
	s.gotPending = pendingTx
	s.gotCandidates = candidates
	s.gotSlot = slot
	if s.simErr != nil {
		return nil, s.simErr
	}
	return s.result, nil
}

func (s *stubBackend) Submit(ctx context.Context, batchTx []byte, idempotencyKey string) (string, error) {
	return "", nil
}

func (s *stubBackend) PollReceipt(ctx context.Context, txHash string, bidID string) (*chainbackend.Receipt, error) {
	return &chainbackend.Receipt{}, nil
}

func (s *stubBackend) ExtractPermissionKey(txBytes []byte) (auction.PermissionKey, error) {
	return auction.PermissionKey{}, nil
}

func (s *stubBackend) InjectSwapSignature(txBytes []byte, userWallet string, signature []byte) ([]byte, error) {
	return txBytes, nil
}

func (s *stubBackend) FirstSignature(txBytes []byte) (string, error) {
	return "sig", nil
}

type stubPendingSource struct{ tx [][]byte }

func (s stubPendingSource) PendingTransactions(chainID string) [][]byte { return s.tx }

func TestSimulator_Run_AcceptsGreedyPrefix(t *testing.T) {
	candidates := []*auction.Bid{
		{Transaction: []byte("a")},
		{Transaction: []byte("b")},
		{Transaction: []byte("c")},
	}
	backend := &stubBackend{variant: chainbackend.VariantSVM, result: &chainbackend.SimResult{Accepted: []int{0, 1}, Slot: 7}}
	pending := stubPendingSource{tx: [][]byte{[]byte("pending-tx")}}
	sim := New(chainbackend.NewRegistry(backend), pending)

	result, err := sim.Run(context.Background(), chainbackend.VariantSVM, "solana-mainnet", 5, candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Accepted) != 2 || result.Accepted[0] != candidates[0] || result.Accepted[1] != candidates[1] {
		t.Fatalf("expected first two candidates accepted, got %v", result.Accepted)
	}
	if result.Slot != 7 {
		t.Fatalf("expected slot 7, got %d", result.Slot)
	}
	if len(backend.gotPending) != 1 {
		t.Fatalf("expected pending transactions forwarded to backend")
	}
	if backend.gotSlot != 5 {
		t.Fatalf("expected requested slot forwarded to backend, got %d", backend.gotSlot)
	}
}

func TestSimulator_Run_UnsupportedVariant(t *testing.T) {
	sim := New(chainbackend.NewRegistry(), nil)
	_, err := sim.Run(context.Background(), chainbackend.VariantEVM, "eth-mainnet", 1, nil)
	if auction.KindOf(err) != auction.KindFatal {
		t.Fatalf("expected KindFatal for unsupported variant, got %v", err)
	}
}

func TestSimulator_Run_PropagatesTransientError(t *testing.T) {
	backend := &stubBackend{variant: chainbackend.VariantSVM, simErr: auction.New(auction.KindTransient, "rpc down")}
	sim := New(chainbackend.NewRegistry(backend), nil)

	_, err := sim.Run(context.Background(), chainbackend.VariantSVM, "solana-mainnet", 1, nil)
	if auction.KindOf(err) != auction.KindTransient {
		t.Fatalf("expected KindTransient, got %v", err)
	}
}

func TestSimulator_Run_IgnoresOutOfRangeIndices(t *testing.T) {
	candidates := []*auction.Bid{{Transaction: []byte("a")}}
	backend := &stubBackend{variant: chainbackend.VariantSVM, result: &chainbackend.SimResult{Accepted: []int{0, 5, -1}}}
	sim := New(chainbackend.NewRegistry(backend), nil)

	result, err := sim.Run(context.Background(), chainbackend.VariantSVM, "solana-mainnet", 1, candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Accepted) != 1 {
		t.Fatalf("expected out-of-range indices dropped, got %v", result.Accepted)
	}
}
