package batchbuilder

import (
	"context"
	"testing"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
)

func TestBuilder_Build_SingleBidPassesThrough(t *testing.T) {
	b := New()
	bid := &auction.Bid{Transaction: []byte("signed-tx")}

	got, err := b.Build(context.Background(), chainbackend.VariantSVM, "solana-mainnet", []*auction.Bid{bid})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "signed-tx" {
		t.Fatalf("expected passthrough of the sole bid's transaction, got %q", got)
	}
}

func TestBuilder_Build_NoBidsIsFatal(t *testing.T) {
	b := New()
	_, err := b.Build(context.Background(), chainbackend.VariantSVM, "solana-mainnet", nil)
	if auction.KindOf(err) != auction.KindFatal {
		t.Fatalf("expected KindFatal for empty accepted list, got %v", err)
	}
}

func TestBuilder_Build_MultiBidIsFatal(t *testing.T) {
	b := New()
	bids := []*auction.Bid{{Transaction: []byte("a")}, {Transaction: []byte("b")}}
	_, err := b.Build(context.Background(), chainbackend.VariantSVM, "solana-mainnet", bids)
	if auction.KindOf(err) != auction.KindFatal {
		t.Fatalf("expected KindFatal for multi-bid prefix, got %v", err)
	}
}
