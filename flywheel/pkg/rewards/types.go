package rewards

import (
	"time"

	"github.com/shopspring/decimal"
)

// StandingMode selects how a holder's standing is measured.
type StandingMode string

const (
	// StandingModeAccrual accumulates balance × minutes on every tick.
	StandingModeAccrual StandingMode = "accrual"
	// StandingModeInstantaneous uses the fresh on-ledger balance.
	StandingModeInstantaneous StandingMode = "instantaneous"
)

// PayoutMode selects how rewards leave the pool.
type PayoutMode string

const (
	// PayoutModePull lets holders claim their share once per epoch.
	PayoutModePull PayoutMode = "pull"
	// PayoutModePush distributes the whole pool in batches at each epoch boundary.
	PayoutModePush PayoutMode = "push"
)

// Standing is a participant's time-weighted score.
type Standing struct {
	Address     string
	Score       decimal.Decimal
	LastBalance decimal.Decimal
	UpdatedAt   time.Time
}

// Holding is a point-in-time token balance owned by Address.
type Holding struct {
	Address string
	Amount  decimal.Decimal
}

// Epoch is a distribution window with a rate frozen when it opened.
// EndTime is nil while the epoch is open.
type Epoch struct {
	ID             uint64
	Rate           decimal.Decimal
	PoolBalance    decimal.Decimal
	EligibleSupply decimal.Decimal
	StartTime      time.Time
	EndTime        *time.Time
}

func (e Epoch) Open() bool { return e.EndTime == nil }

// EndsAt is the earliest time the epoch can close.
func (e Epoch) EndsAt(d time.Duration) time.Time { return e.StartTime.Add(d) }

// ClaimRecord is written once per successful claim and never mutated.
type ClaimRecord struct {
	EpochID    uint64
	Address    string
	Amount     decimal.Decimal
	BurnAmount decimal.Decimal
	Timestamp  time.Time
}

// Counters are cumulative totals across all epochs.
type Counters struct {
	Distributed decimal.Decimal
	Burned      decimal.Decimal
	Claims      int64
}

// Allocation is one recipient's share in a push distribution.
type Allocation struct {
	Address string
	Points  decimal.Decimal
	Amount  decimal.Decimal
}

// LogEntry is one line of the operator-facing activity log.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// HistoryPoint is a per-tick sample of prices and the fee vault balance.
type HistoryPoint struct {
	Time        time.Time
	SourcePrice decimal.Decimal
	RewardPrice decimal.Decimal
	VaultSOL    decimal.Decimal
}
