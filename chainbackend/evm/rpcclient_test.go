package evm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func jsonRPCServer(t *testing.T, responses map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     int    `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result, ok := responses[req.Method]
		if !ok {
			t.Fatalf("unexpected method %q", req.Method)
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
}

func TestHTTPRPCClient_SendRawTransaction(t *testing.T) {
	wantHash := common.HexToHash("0xdeadbeef")
	srv := jsonRPCServer(t, map[string]any{"eth_sendRawTransaction": wantHash.Hex()})
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL)
	got, err := c.SendRawTransaction(context.Background(), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != wantHash {
		t.Fatalf("expected hash %s, got %s", wantHash, got)
	}
}

func TestHTTPRPCClient_TransactionReceipt_NotFound(t *testing.T) {
	srv := jsonRPCServer(t, map[string]any{"eth_getTransactionReceipt": nil})
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL)
	receipt, err := c.TransactionReceipt(context.Background(), common.HexToHash("0x1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt != nil {
		t.Fatalf("expected nil receipt for not-yet-mined transaction, got %+v", receipt)
	}
}

func TestHTTPRPCClient_TransactionReceipt_Found(t *testing.T) {
	srv := jsonRPCServer(t, map[string]any{
		"eth_getTransactionReceipt": map[string]any{
			"status":            "0x1",
			"transactionHash":   "0x" + "11",
			"contractAddress":   "0x0000000000000000000000000000000000000000",
			"blockHash":         "0x" + "22",
			"blockNumber":       "0x1",
			"transactionIndex":  "0x0",
			"cumulativeGasUsed": "0x5208",
			"gasUsed":           "0x5208",
			"logs":              []any{},
			"logsBloom":         "0x" + strings.Repeat("00", 256),
		},
	})
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL)
	receipt, err := c.TransactionReceipt(context.Background(), common.HexToHash("0x1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt == nil {
		t.Fatal("expected a non-nil receipt")
	}
}

func TestHTTPRPCClient_LatestBlockNumber(t *testing.T) {
	srv := jsonRPCServer(t, map[string]any{"eth_blockNumber": "0x2a"})
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL)
	n, err := c.LatestBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected block number 42, got %d", n)
	}
}

func TestHTTPRPCClient_GetLatestBlockhash(t *testing.T) {
	srv := jsonRPCServer(t, map[string]any{
		"eth_getBlockByNumber": map[string]any{"hash": "0xabc"},
	})
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL)
	bh, err := c.GetLatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bh != "0xabc" {
		t.Fatalf("expected blockhash 0xabc, got %s", bh)
	}
}
