package svm

import (
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// newBinDecoder wraps solana-go's binary decoder for transaction decoding,
// matching the decode-then-inspect idiom used throughout solana-go's own
// rpc client and the arcsign example's address service.
func newBinDecoder(data []byte) *bin.Decoder {
	return bin.NewBinDecoder(data)
}

// solanaTransactionFromBytes decodes a raw versioned transaction payload.
func solanaTransactionFromBytes(raw []byte) (*solana.Transaction, error) {
	return solana.TransactionFromDecoder(newBinDecoder(raw))
}
