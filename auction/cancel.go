package auction

// CancelledSwapTxHash resolves spec §9 open question (c): a Pending Swap
// bid cancelled while still awaiting the user's signature is tagged with
// its pre-built transaction's first signature slot, equivalently to a
// bid that reached a terminal state with a recorded tx_hash, even though
// the transaction was never broadcast to the chain.
func CancelledSwapTxHash(firstSignature string) string {
	return firstSignature
}
