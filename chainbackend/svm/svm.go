// Package svm implements chainbackend.ChainBackend for Solana-family
// chains -- the variant spec.md actually targets (§1). Transaction
// decoding and pubkey handling use gagliardetto/solana-go; permission-key
// text encoding uses mr-tron/base58, following the address-derivation
// idiom in the arcsign example's chainadapter/solana address service.
package svm

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/chainbackend"
	"github.com/pyth-network/express-relay-auction/log"
)

// instructionDataMinLen is the minimum express-relay SubmitBid/Swap
// instruction payload: 1 discriminator byte + 8 bytes bid_amount + 8 bytes
// deadline (unix seconds, little-endian).
const instructionDataMinLen = 17

const (
	discriminatorSubmitBid byte = 1
	discriminatorSwap      byte = 2
)

// RPCClient is the minimal chain RPC surface the SVM backend needs;
// cmd/auctiond backs this with HTTPRPCClient (rpcclient.go).
type RPCClient interface {
	SendTransaction(ctx context.Context, tx []byte) (string, error)
	GetSignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error)
	GetAccount(ctx context.Context, addr solana.PublicKey) ([]byte, error)
	GetMultipleAccounts(ctx context.Context, addrs []solana.PublicKey) ([][]byte, error)
}

// SignatureStatus mirrors the subset of get_signature_status the
// Concluder needs.
type SignatureStatus struct {
	Confirmed        bool
	Err              string // non-empty means the instruction reverted
	BlockhashExpired bool
}

// Backend is the SVM ChainBackend. ExpressRelayProgramID is per-chain
// configuration (SPEC_FULL §12, "Per-chain Express Relay program id
// resolution"), not a compile-time constant.
type Backend struct {
	chainID                string
	expressRelayProgramID  solana.PublicKey
	rpc                    RPCClient
	logger                 *log.Logger
}

// New constructs the SVM backend for one chain.
func New(chainID string, expressRelayProgramID solana.PublicKey, rpc RPCClient) *Backend {
	return &Backend{
		chainID:               chainID,
		expressRelayProgramID: expressRelayProgramID,
		rpc:                   rpc,
		logger:                log.Default().Module("chainbackend.svm").With("chain_id", chainID),
	}
}

func (b *Backend) Variant() chainbackend.Variant { return chainbackend.VariantSVM }

// VerifyBid decodes a versioned Solana transaction and runs spec §4.3
// steps 2-7.
func (b *Backend) VerifyBid(ctx context.Context, txBytes []byte, declaredKey auction.PermissionKey) (*chainbackend.DecodedBid, error) {
	tx, err := solana.TransactionFromDecoder(newBinDecoder(txBytes))
	if err != nil {
		return nil, auction.Wrap(auction.KindInvalidBid, "malformed versioned transaction", err)
	}
	if len(tx.Signatures) == 0 {
		return nil, auction.New(auction.KindInvalidBid, "no signature slots")
	}

	accountKeysAll := tx.Message.AccountKeys
	var match *solana.CompiledInstruction
	for i := range tx.Message.Instructions {
		ix := &tx.Message.Instructions[i]
		if int(ix.ProgramIDIndex) >= len(accountKeysAll) {
			continue
		}
		programID := accountKeysAll[ix.ProgramIDIndex]
		if programID.Equals(b.expressRelayProgramID) {
			if match != nil {
				return nil, auction.New(auction.KindInvalidBid, "more than one express-relay instruction")
			}
			match = ix
		}
	}
	if match == nil {
		return nil, auction.New(auction.KindInvalidBid, "no express-relay instruction found")
	}
	if len(match.Data) < instructionDataMinLen {
		return nil, auction.New(auction.KindInvalidBid, "instruction data too short")
	}

	var kind auction.PaymentInstructionKind
	switch match.Data[0] {
	case discriminatorSubmitBid:
		kind = auction.PaymentInstructionSubmitBid
	case discriminatorSwap:
		kind = auction.PaymentInstructionSwap
	default:
		return nil, auction.New(auction.KindInvalidBid, "unrecognized instruction discriminator")
	}

	amount := binary.LittleEndian.Uint64(match.Data[1:9])
	deadlineUnix := int64(binary.LittleEndian.Uint64(match.Data[9:17]))
	deadline := time.Unix(deadlineUnix, 0)
	if !deadline.After(time.Now()) {
		return nil, auction.New(auction.KindInvalidBid, "deadline has passed")
	}

	accountKeys := tx.Message.AccountKeys
	if len(match.Accounts) < 2 {
		return nil, auction.New(auction.KindInvalidBid, "instruction missing router/permission accounts")
	}
	routerIdx := match.Accounts[0]
	permAcctIdx := match.Accounts[1]
	if int(routerIdx) >= len(accountKeys) || int(permAcctIdx) >= len(accountKeys) {
		return nil, auction.New(auction.KindInvalidBid, "instruction account index out of range")
	}
	router := accountKeys[routerIdx]
	permAccount := accountKeys[permAcctIdx]

	derived := chainbackend.PermissionKey{
		Router:            router.String(),
		PermissionAccount: permAccount.String(),
	}.Pack()
	if derived != declaredKey {
		return nil, auction.New(auction.KindInvalidBid, "permission key mismatch")
	}

	signers := make([]string, 0, len(tx.Signatures))
	for i, key := range accountKeys {
		if tx.Message.IsSigner(uint16(i)) {
			signers = append(signers, key.String())
		}
	}

	var userWallet string
	if kind == auction.PaymentInstructionSwap {
		if len(match.Accounts) < 3 {
			return nil, auction.New(auction.KindInvalidBid, "swap instruction missing user wallet account")
		}
		userIdx := match.Accounts[2]
		if int(userIdx) >= len(accountKeys) {
			return nil, auction.New(auction.KindInvalidBid, "user wallet account index out of range")
		}
		userWallet = accountKeys[userIdx].String()
		if !tx.Message.IsSigner(uint16(userIdx)) {
			return nil, auction.New(auction.KindInvalidBid, "swap user wallet must be a transaction signer")
		}
	}

	lookupTables := make([]string, 0, len(tx.Message.AddressTableLookups))
	for _, l := range tx.Message.AddressTableLookups {
		lookupTables = append(lookupTables, l.AccountKey.String())
	}

	return &chainbackend.DecodedBid{
		PermissionKey: chainbackend.PermissionKey{Router: router.String(), PermissionAccount: permAccount.String()},
		Amount:        amount,
		Kind:          kind,
		Deadline:      deadline,
		Signers:       signers,
		UserWallet:    userWallet,
		Blockhash:     tx.Message.RecentBlockhash.String(),
		LookupTables:  lookupTables,
	}, nil
}

// Simulate runs the greedy-prefix selection of spec §4.4 against the local
// account-contention model in local_env.go: pending transactions are
// replayed for contention only, their outcomes ignored; candidates are
// then tried strictly in order. No account state is fetched from the
// chain and no instruction is executed: a candidate is rejected only when
// one of its writable accounts is already write-locked by a transaction
// ahead of it.
func (b *Backend) Simulate(ctx context.Context, pendingTx [][]byte, candidates [][]byte, slot uint64) (*chainbackend.SimResult, error) {
	env := newLocalEnv()
	for _, raw := range pendingTx {
		_ = env.apply(raw) // contention model only; outcome discarded
	}

	accepted := make([]int, 0, len(candidates))
	for i, raw := range candidates {
		if env.tryApply(raw) {
			accepted = append(accepted, i)
		}
	}
	return &chainbackend.SimResult{Accepted: accepted, Slot: slot}, nil
}

// Submit forwards the batch to send_transaction. idempotencyKey is the
// auction id; RPC-reported duplicates return the original hash rather
// than an error.
func (b *Backend) Submit(ctx context.Context, batchTx []byte, idempotencyKey string) (string, error) {
	hash, err := b.rpc.SendTransaction(ctx, batchTx)
	if err != nil {
		if isDuplicateSubmission(err) {
			return b.FirstSignature(batchTx)
		}
		return "", auction.Wrap(auction.KindTransient, "send_transaction", err)
	}
	return hash, nil
}

// PollReceipt asks the chain for the submitted transaction's status and
// maps it onto the Concluder transition table (spec §4.7).
func (b *Backend) PollReceipt(ctx context.Context, txHash string, bidID string) (*chainbackend.Receipt, error) {
	status, err := b.rpc.GetSignatureStatus(ctx, txHash)
	if err != nil {
		return nil, auction.Wrap(auction.KindTransient, "get_signature_status", err)
	}
	switch {
	case status.BlockhashExpired:
		return &chainbackend.Receipt{Status: chainbackend.ReceiptBlockhashExpired}, nil
	case !status.Confirmed:
		return &chainbackend.Receipt{Status: chainbackend.ReceiptPending}, nil
	case status.Err != "":
		return &chainbackend.Receipt{Status: chainbackend.ReceiptReverted}, nil
	default:
		return &chainbackend.Receipt{Status: chainbackend.ReceiptSucceeded}, nil
	}
}

// ExtractPermissionKey derives the permission key without running the
// full verification pipeline (used on crash recovery for already-trusted
// persisted transactions).
func (b *Backend) ExtractPermissionKey(txBytes []byte) (auction.PermissionKey, error) {
	tx, err := solana.TransactionFromDecoder(newBinDecoder(txBytes))
	if err != nil {
		return auction.PermissionKey{}, fmt.Errorf("decode transaction: %w", err)
	}
	accountKeys := tx.Message.AccountKeys
	for i := range tx.Message.Instructions {
		ix := &tx.Message.Instructions[i]
		if int(ix.ProgramIDIndex) >= len(accountKeys) || !accountKeys[ix.ProgramIDIndex].Equals(b.expressRelayProgramID) {
			continue
		}
		if len(ix.Accounts) < 2 {
			continue
		}
		router := accountKeys[ix.Accounts[0]]
		permAccount := accountKeys[ix.Accounts[1]]
		return chainbackend.PermissionKey{
			Router:            router.String(),
			PermissionAccount: permAccount.String(),
		}.Pack(), nil
	}
	return auction.PermissionKey{}, fmt.Errorf("no express-relay instruction found")
}

// InjectSwapSignature locates the user-wallet signer slot in a pre-built
// Swap transaction and writes the user's signature into it, matching
// the original implementation's submit_quote flow: the quote transaction
// is built once, unsigned in the user's slot, and the signature is
// injected when the user accepts the quote.
func (b *Backend) InjectSwapSignature(txBytes []byte, userWallet string, signature []byte) ([]byte, error) {
	tx, err := solana.TransactionFromDecoder(newBinDecoder(txBytes))
	if err != nil {
		return nil, auction.Wrap(auction.KindInvalidBid, "malformed versioned transaction", err)
	}
	wallet, err := solana.PublicKeyFromBase58(userWallet)
	if err != nil {
		return nil, auction.Wrap(auction.KindInvalidBid, "malformed user wallet address", err)
	}
	idx := -1
	for i, key := range tx.Message.AccountKeys {
		if key.Equals(wallet) {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(tx.Signatures) {
		return nil, auction.New(auction.KindInvalidBid, "user wallet is not a signer of this transaction")
	}
	sig, err := solana.SignatureFromBytes(signature)
	if err != nil {
		return nil, auction.Wrap(auction.KindInvalidBid, "malformed signature", err)
	}
	tx.Signatures[idx] = sig

	out, err := tx.MarshalBinary()
	if err != nil {
		return nil, auction.Wrap(auction.KindFatal, "re-serialize signed quote transaction", err)
	}
	return out, nil
}

// FirstSignature returns the transaction's first (fee-payer) signature,
// base58-encoded as solana-go renders every other signature/address in
// this backend.
func (b *Backend) FirstSignature(txBytes []byte) (string, error) {
	tx, err := solana.TransactionFromDecoder(newBinDecoder(txBytes))
	if err != nil {
		return "", auction.Wrap(auction.KindInvalidBid, "malformed versioned transaction", err)
	}
	if len(tx.Signatures) == 0 {
		return "", auction.New(auction.KindInvalidBid, "no signature slots")
	}
	return tx.Signatures[0].String(), nil
}

// encodePermissionAccountBase58 is a small helper used by callers that
// need to render a raw pubkey for logs without pulling in solana-go.
func encodePermissionAccountBase58(raw []byte) string {
	return base58.Encode(raw)
}

func isDuplicateSubmission(err error) bool {
	// Solana RPC reports already-processed submissions as a specific
	// JSON-RPC error message; treat any error containing this marker as
	// the idempotent-duplicate case rather than a transient failure.
	return err != nil && containsFold(err.Error(), "already been processed")
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
