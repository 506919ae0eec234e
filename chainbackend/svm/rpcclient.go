package svm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
)

// HTTPRPCClient is a minimal Solana JSON-RPC client implementing
// RPCClient directly over net/http, rather than pulling in solana-go's
// own rpc.Client: RPCClient's method set is narrow and chain-specific
// (spec §9), and the Solana JSON-RPC wire format (base64 encoding,
// sendTransaction/getSignatureStatuses/getAccountInfo/getMultipleAccounts)
// is a stable public protocol, so a direct client avoids depending on a
// second SDK surface just to cover four calls.
type HTTPRPCClient struct {
	endpoint string
	http     *http.Client
}

// NewHTTPRPCClient constructs a client against a Solana JSON-RPC endpoint.
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
		return fmt.Errorf("svm rpc %s: %s (code %d)", method, rr.Error.Message, rr.Error.Code)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

// SendTransaction submits a base64-encoded transaction.
func (c *HTTPRPCClient) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	var sig string
	encoded := base64.StdEncoding.EncodeToString(tx)
	opts := map[string]any{"encoding": "base64"}
	if err := c.call(ctx, "sendTransaction", []any{encoded, opts}, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

type signatureStatusValue struct {
	ConfirmationStatus string `json:"confirmationStatus"`
	Err                any    `json:"err"`
}

// GetSignatureStatus polls for a submitted transaction's outcome.
func (c *HTTPRPCClient) GetSignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	var result struct {
		Value []*signatureStatusValue `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", []any{[]string{sig}, map[string]any{"searchTransactionHistory": true}}, &result); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return &SignatureStatus{Confirmed: false}, nil
	}
	v := result.Value[0]
	status := &SignatureStatus{Confirmed: v.ConfirmationStatus == "confirmed" || v.ConfirmationStatus == "finalized"}
	if v.Err != nil {
		if b, err := json.Marshal(v.Err); err == nil {
			status.Err = string(b)
		} else {
			status.Err = "instruction error"
		}
	}
	return status, nil
}

type accountInfoValue struct {
	Data []string `json:"data"` // [base64, encoding]
}

// GetAccount fetches one account's raw data.
func (c *HTTPRPCClient) GetAccount(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	var result struct {
		Value *accountInfoValue `json:"value"`
	}
	opts := map[string]any{"encoding": "base64"}
	if err := c.call(ctx, "getAccountInfo", []any{addr.String(), opts}, &result); err != nil {
		return nil, err
	}
	if result.Value == nil || len(result.Value.Data) == 0 {
		return nil, fmt.Errorf("account %s not found", addr)
	}
	return base64.StdEncoding.DecodeString(result.Value.Data[0])
}

// GetMultipleAccounts fetches several accounts' raw data in one call.
func (c *HTTPRPCClient) GetMultipleAccounts(ctx context.Context, addrs []solana.PublicKey) ([][]byte, error) {
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = a.String()
	}
	var result struct {
		Value []*accountInfoValue `json:"value"`
	}
	opts := map[string]any{"encoding": "base64"}
	if err := c.call(ctx, "getMultipleAccounts", []any{keys, opts}, &result); err != nil {
		return nil, err
	}
	out := make([][]byte, len(result.Value))
	for i, v := range result.Value {
		if v == nil || len(v.Data) == 0 {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(v.Data[0])
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

// GetLatestBlockhash implements chainview.Fetcher.
func (c *HTTPRPCClient) GetLatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}
