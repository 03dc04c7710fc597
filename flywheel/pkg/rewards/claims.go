package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// ClaimLedger is the at-most-once gate for (epoch, address) claims.
type ClaimLedger struct {
	log   *slog.Logger
	store ClaimStore
	clock clockwork.Clock
}

func NewClaimLedger(log *slog.Logger, store ClaimStore, clock clockwork.Clock) (*ClaimLedger, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if store == nil {
		return nil, errors.New("claim store is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ClaimLedger{log: log, store: store, clock: clock}, nil
}

func (l *ClaimLedger) HasClaimed(ctx context.Context, epochID uint64, address string) (bool, error) {
	claimed, err := l.store.HasClaimed(ctx, epochID, normalizeAddress(address))
	if err != nil {
		return false, fmt.Errorf("failed to check claim: %w", err)
	}
	return claimed, nil
}

// MarkClaimed re-checks and records the claim. A concurrent or repeated
// claim for the same pair fails with ErrDuplicateClaim and writes nothing.
func (l *ClaimLedger) MarkClaimed(ctx context.Context, epochID uint64, address string, amount, burn decimal.Decimal) (ClaimRecord, error) {
	if !amount.IsPositive() {
		return ClaimRecord{}, fmt.Errorf("claim amount must be positive, got %s", amount)
	}
	address = normalizeAddress(address)

	claimed, err := l.store.HasClaimed(ctx, epochID, address)
	if err != nil {
		return ClaimRecord{}, fmt.Errorf("failed to re-check claim: %w", err)
	}
	if claimed {
		return ClaimRecord{}, ErrDuplicateClaim
	}

	rec := ClaimRecord{
		EpochID:    epochID,
		Address:    address,
		Amount:     amount,
		BurnAmount: burn,
		Timestamp:  l.clock.Now().UTC(),
	}
	if err := l.store.InsertClaim(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateClaim) {
			return ClaimRecord{}, ErrDuplicateClaim
		}
		return ClaimRecord{}, fmt.Errorf("failed to record claim: %w", err)
	}
	l.log.Info("claims: recorded", "epoch_id", epochID, "address", address, "amount", amount.String(), "burn", burn.String())
	return rec, nil
}

func normalizeAddress(a string) string { return strings.TrimSpace(a) }
