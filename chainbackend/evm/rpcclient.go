package evm

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// HTTPRPCClient is a minimal Ethereum JSON-RPC client implementing
// RPCClient directly over net/http. Mirrors svm.HTTPRPCClient's choice
// to talk the stable public JSON-RPC wire protocol rather than depend on
// go-ethereum's ethclient.Client for a four-method surface.
type HTTPRPCClient struct {
	endpoint string
	http     *http.Client
}

// NewHTTPRPCClient constructs a client against an Ethereum JSON-RPC
// endpoint.
func NewHTTPRPCClient(endpoint string) *HTTPRPCClient {
	return &HTTPRPCClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPRPCClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return err
	}
	if rr.Error != nil {
		return fmt.Errorf("evm rpc %s: %s (code %d)", method, rr.Error.Message, rr.Error.Code)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

// SendRawTransaction submits a signed RLP-encoded transaction.
func (c *HTTPRPCClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hexHash string
	encoded := "0x" + hex.EncodeToString(raw)
	if err := c.call(ctx, "eth_sendRawTransaction", []any{encoded}, &hexHash); err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(hexHash), nil
}

// TransactionReceipt fetches a mined transaction's receipt.
func (c *HTTPRPCClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt types.Receipt
	var raw json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{hash.Hex()}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// LatestBlockNumber returns the current chain head's block number.
func (c *HTTPRPCClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", nil, &hexNum); err != nil {
		return 0, err
	}
	var n uint64
	if _, err := fmt.Sscanf(hexNum, "0x%x", &n); err != nil {
		return 0, fmt.Errorf("parse block number %q: %w", hexNum, err)
	}
	return n, nil
}

// GetLatestBlockhash implements chainview.Fetcher, using the latest
// block's hash as the EVM analogue of Solana's recent blockhash (used
// only as a liveness/freshness signal, not for fee-payer replay
// protection as on SVM).
func (c *HTTPRPCClient) GetLatestBlockhash(ctx context.Context) (string, error) {
	var block struct {
		Hash string `json:"hash"`
	}
	if err := c.call(ctx, "eth_getBlockByNumber", []any{"latest", false}, &block); err != nil {
		return "", err
	}
	return block.Hash, nil
}
