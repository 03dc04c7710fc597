package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultBurnRatio is the share of the claimed value that must be burned.
var DefaultBurnRatio = decimal.NewFromFloat(0.20)

// BurnQuote is the result of pricing a claim's burn requirement.
type BurnQuote struct {
	RewardAmount decimal.Decimal
	// BaseValue is RewardAmount expressed in the base asset.
	BaseValue decimal.Decimal
	// BurnValue is BaseValue × ratio.
	BurnValue decimal.Decimal
	// BurnAmount is BurnValue expressed in the source token.
	BurnAmount decimal.Decimal
}

// BurnCalculator prices the source-token burn that keeps value parity with a
// claimed reward using two chained quotes.
type BurnCalculator struct {
	oracle     PriceOracle
	rewardMint string
	baseMint   string
	sourceMint string
	ratio      decimal.Decimal
}

func NewBurnCalculator(oracle PriceOracle, rewardMint, baseMint, sourceMint string, ratio decimal.Decimal) (*BurnCalculator, error) {
	if oracle == nil {
		return nil, errors.New("price oracle is required")
	}
	if rewardMint == "" || baseMint == "" || sourceMint == "" {
		return nil, errors.New("reward, base and source mints are required")
	}
	if ratio.IsZero() {
		ratio = DefaultBurnRatio
	}
	if ratio.IsNegative() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("burn ratio must be in (0, 1], got %s", ratio)
	}
	return &BurnCalculator{
		oracle:     oracle,
		rewardMint: rewardMint,
		baseMint:   baseMint,
		sourceMint: sourceMint,
		ratio:      ratio,
	}, nil
}

// Quote returns the burn needed for reward. Either quote failing, or
// returning a non-positive amount, aborts with ErrQuoteUnavailable.
func (b *BurnCalculator) Quote(ctx context.Context, reward decimal.Decimal) (BurnQuote, error) {
	if !reward.IsPositive() {
		return BurnQuote{}, fmt.Errorf("reward amount must be positive, got %s", reward)
	}

	baseValue, err := b.oracle.Quote(ctx, b.rewardMint, b.baseMint, reward)
	if err != nil {
		return BurnQuote{}, fmt.Errorf("failed to quote reward value: %w: %w", ErrQuoteUnavailable, err)
	}
	if !baseValue.IsPositive() {
		return BurnQuote{}, fmt.Errorf("reward quote returned %s: %w", baseValue, ErrQuoteUnavailable)
	}

	burnValue := baseValue.Mul(b.ratio)
	burnAmount, err := b.oracle.Quote(ctx, b.baseMint, b.sourceMint, burnValue)
	if err != nil {
		return BurnQuote{}, fmt.Errorf("failed to quote burn amount: %w: %w", ErrQuoteUnavailable, err)
	}
	if !burnAmount.IsPositive() {
		return BurnQuote{}, fmt.Errorf("burn quote returned %s: %w", burnAmount, ErrQuoteUnavailable)
	}

	return BurnQuote{
		RewardAmount: reward,
		BaseValue:    baseValue,
		BurnValue:    burnValue,
		BurnAmount:   burnAmount,
	}, nil
}
