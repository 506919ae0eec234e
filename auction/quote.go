package auction

// ValidateQuoteBid checks that a bid referenced by a POST /quotes/submit
// reference_id (SPEC_FULL §12, grounded on the original implementation's
// submit_quote.rs) is still eligible to receive the user's signature:
// it must carry the Swap payment instruction and must still be Pending.
// Once a quote bid has moved past Pending -- submitted, cancelled, or
// otherwise terminal -- the pre-built transaction it wraps is stale and
// the quote is no longer valid.
func ValidateQuoteBid(b *Bid) error {
	if b.PaymentInstructionKind != PaymentInstructionSwap {
		return New(KindInvalidBid, "bid is not a swap quote")
	}
	if b.Status != StatusPending {
		return New(KindInvalidBid, "quote is not valid anymore")
	}
	return nil
}
