package rewards

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Ledger reads balances from the chain. Amounts are in whole-token units.
// A missing token account is a zero balance, not an error.
type Ledger interface {
	Balance(ctx context.Context, owner, mint string) (decimal.Decimal, error)
	TotalSupply(ctx context.Context, mint string) (decimal.Decimal, error)
	LargestHolders(ctx context.Context, mint string, n int) ([]Holding, error)
	Holders(ctx context.Context, mint string) ([]Holding, error)
}

// PriceOracle quotes amount of from in units of to.
type PriceOracle interface {
	Quote(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Settler commits one push batch. The settlement lists only the recipients
// the transaction actually paid, at the amounts it paid them.
type Settler interface {
	SettleBatch(ctx context.Context, batch []Allocation) (Settlement, error)
}

// Settlement is a committed push batch.
type Settlement struct {
	Signature string
	Paid      []Allocation
}

// Total sums the paid amounts.
func (s Settlement) Total() decimal.Decimal {
	return lo.Reduce(s.Paid, func(acc decimal.Decimal, a Allocation, _ int) decimal.Decimal {
		return acc.Add(a.Amount)
	}, decimal.Zero)
}

// ClaimRequest is everything needed to build the claimant's transaction.
type ClaimRequest struct {
	EpochID      uint64
	Claimant     string
	RewardAmount decimal.Decimal
	BurnAmount   decimal.Decimal
}

// ClaimTxBuilder produces a serialized, partially signed transaction that
// pays the reward and burns the source token when the claimant signs it.
type ClaimTxBuilder interface {
	BuildClaim(ctx context.Context, req ClaimRequest) (string, error)
}

// EpochStore persists the epoch state machine.
type EpochStore interface {
	// CurrentEpoch returns the open epoch or ErrNotFound.
	CurrentEpoch(ctx context.Context) (*Epoch, error)
	Epoch(ctx context.Context, id uint64) (*Epoch, error)
	// CreateEpoch stores the first epoch; it fails if one exists.
	CreateEpoch(ctx context.Context, e Epoch) error
	// AdvanceEpoch closes closedID at closedAt and opens next in one transaction.
	AdvanceEpoch(ctx context.Context, closedID uint64, closedAt time.Time, next Epoch) error
}

// ClaimStore persists claim records and the counters they move.
type ClaimStore interface {
	HasClaimed(ctx context.Context, epochID uint64, address string) (bool, error)
	// InsertClaim records the claim and bumps the counters atomically. It
	// returns ErrDuplicateClaim if (epoch, address) already exists.
	InsertClaim(ctx context.Context, rec ClaimRecord) error
	Counters(ctx context.Context) (Counters, error)
	AddDistributed(ctx context.Context, amount decimal.Decimal) error
}

// StandingStore persists accrual scores.
type StandingStore interface {
	LoadStandings(ctx context.Context) ([]Standing, error)
	SaveStandings(ctx context.Context, standings []Standing) error
}

// ActivityStore keeps bounded logs and history samples.
type ActivityStore interface {
	AppendLog(ctx context.Context, entry LogEntry, retain int) error
	RecentLogs(ctx context.Context, limit int) ([]LogEntry, error)
	AppendHistory(ctx context.Context, point HistoryPoint, retain int) error
	History(ctx context.Context, limit int) ([]HistoryPoint, error)
}

// DistributionStore records which epochs have had a push run started.
type DistributionStore interface {
	// MarkDistributed claims epochID for run. It returns
	// ErrAlreadyDistributed if the epoch was claimed before.
	MarkDistributed(ctx context.Context, epochID uint64, run uuid.UUID, at time.Time) error
	IsDistributed(ctx context.Context, epochID uint64) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	EpochStore
	ClaimStore
	StandingStore
	ActivityStore
	DistributionStore
}

// PoolReader reads the distributing authority's reward balance.
type PoolReader interface {
	PoolBalance(ctx context.Context) (decimal.Decimal, error)
}

// LedgerPool reads the pool from a Ledger.
type LedgerPool struct {
	Ledger    Ledger
	Authority string
	Mint      string
}

func (p LedgerPool) PoolBalance(ctx context.Context) (decimal.Decimal, error) {
	return p.Ledger.Balance(ctx, p.Authority, p.Mint)
}
