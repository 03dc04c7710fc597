package rewards

import (
	"errors"
	"fmt"
)

var (
	// ErrOracleUnavailable means a ledger read failed or timed out.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrQuoteUnavailable means the price oracle could not produce a quote.
	ErrQuoteUnavailable = errors.New("quote unavailable")
	// ErrDuplicateClaim means a claim already exists for the epoch and address.
	ErrDuplicateClaim = errors.New("duplicate claim")
	// ErrInsufficientPool means the payable amount was clipped to the pool balance.
	ErrInsufficientPool = errors.New("insufficient pool")
	// ErrDustBelowFloor means the computed amount is under the dust floor.
	ErrDustBelowFloor = errors.New("amount below dust floor")
	// ErrSettlementFailed means a transaction could not be built or committed.
	ErrSettlementFailed = errors.New("settlement failed")
	// ErrAlreadyDistributed means a push run was already started for the epoch.
	ErrAlreadyDistributed = errors.New("epoch already distributed")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
	// ErrNotReady is returned before the epoch state has been loaded.
	ErrNotReady = errors.New("epoch state not loaded")
	// ErrClaimsDisabled is returned by Claim in push payout mode.
	ErrClaimsDisabled = errors.New("claims are disabled in push payout mode")
)

// ErrPricingUnavailable is the name the claim path uses for quote failures.
var ErrPricingUnavailable = ErrQuoteUnavailable

// Reasons reported with an ineligible result.
const (
	ReasonNoBalance        = "No Balance"
	ReasonAlreadyClaimed   = "Already Claimed This Epoch"
	ReasonBelowMinimum     = "Below Minimum Claim"
	ReasonExcluded         = "Address Excluded"
	ReasonPoolEmpty        = "Reward Pool Empty"
	ReasonPoolUnavailable  = "Reward Pool Unavailable"
	ReasonEpochUnavailable = "Epoch Not Started"
)

// IneligibleError is returned by Claim when the address cannot claim. Err is
// one of the sentinel errors above, or nil for plain ineligibility.
type IneligibleError struct {
	Reason string
	Err    error
}

func (e *IneligibleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("not claimable: %s", e.Reason)
	}
	return fmt.Sprintf("not claimable: %s: %v", e.Reason, e.Err)
}

func (e *IneligibleError) Unwrap() error { return e.Err }

// IsIneligible reports whether err carries an ineligibility reason.
func IsIneligible(err error) (*IneligibleError, bool) {
	var ie *IneligibleError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
