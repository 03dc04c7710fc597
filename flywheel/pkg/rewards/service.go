package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// CycleInfo reports scheduler timing for stats.
type CycleInfo interface {
	LastTick() time.Time
	NextTick() time.Time
}

type ServiceConfig struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Engine        *Engine
	Tracker       Tracker
	Distributor   *Distributor
	Claims        *ClaimLedger
	Burn          *BurnCalculator
	TxBuilder     ClaimTxBuilder
	Store         Store
	Pool          PoolReader
	Cycle         CycleInfo
	PayoutMode    PayoutMode
	EpochDuration time.Duration
	// ValidateAddress rejects malformed addresses before any lookup.
	ValidateAddress func(string) error
	LeaderboardSize int
	LogRetention    int
	StatsLogLimit   int
	StatsHistory    int
	// OnClaim is called after a claim has been recorded.
	OnClaim func(ctx context.Context, rec ClaimRecord)
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Tracker == nil {
		return errors.New("tracker is required")
	}
	if cfg.Distributor == nil {
		return errors.New("distributor is required")
	}
	if cfg.Claims == nil {
		return errors.New("claim ledger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool reader is required")
	}
	if cfg.PayoutMode == "" {
		cfg.PayoutMode = PayoutModePull
	}
	if cfg.PayoutMode == PayoutModePull {
		if cfg.Burn == nil {
			return errors.New("burn calculator is required in pull mode")
		}
		if cfg.TxBuilder == nil {
			return errors.New("claim transaction builder is required in pull mode")
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.LeaderboardSize <= 0 {
		cfg.LeaderboardSize = 10
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 1000
	}
	if cfg.StatsLogLimit <= 0 {
		cfg.StatsLogLimit = 50
	}
	if cfg.StatsHistory <= 0 {
		cfg.StatsHistory = 100
	}
	return nil
}

// Service is the request-facing surface: eligibility, claim and stats.
type Service struct {
	log *slog.Logger
	cfg ServiceConfig
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Service) Ready() bool { return s.cfg.Engine.Ready() }

// ErrInvalidAddress is returned for malformed addresses.
var ErrInvalidAddress = errors.New("invalid address")

func (s *Service) validate(address string) error {
	address = normalizeAddress(address)
	if address == "" {
		return ErrInvalidAddress
	}
	if s.cfg.ValidateAddress != nil {
		if err := s.cfg.ValidateAddress(address); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
	}
	return nil
}

// Eligibility is idempotent: repeated calls with no claim in between return
// the same standing, payable amount and claimable flag.
func (s *Service) Eligibility(ctx context.Context, address string) (Eligibility, error) {
	if err := s.validate(address); err != nil {
		return Eligibility{}, err
	}
	return s.cfg.Distributor.Eligibility(ctx, address)
}

// ClaimResult is returned to the claimant.
type ClaimResult struct {
	EpochID     uint64
	Address     string
	ClaimAmount decimal.Decimal
	BurnAmount  decimal.Decimal
	Clipped     bool
	// Transaction is the base64 serialized transaction for the claimant to sign.
	Transaction string
}

// Claim validates, prices and records a pull claim. Ineligibility is
// returned as *IneligibleError; quote and settlement failures abort
// without recording anything.
func (s *Service) Claim(ctx context.Context, address string) (*ClaimResult, error) {
	if s.cfg.PayoutMode != PayoutModePull {
		return nil, ErrClaimsDisabled
	}
	if err := s.validate(address); err != nil {
		return nil, err
	}
	address = normalizeAddress(address)
	log := s.log.With("address", address)

	el, err := s.cfg.Distributor.Eligibility(ctx, address)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !el.Claimable {
		metrics.ClaimsTotal.WithLabelValues("ineligible").Inc()
		return nil, &IneligibleError{Reason: el.Reason, Err: el.Cause}
	}
	if el.Clipped {
		metrics.PoolClipTotal.Inc()
		log.Warn("claims: payable amount clipped to pool",
			"epoch_id", el.EpochID,
			"computed", el.Amount.String(),
			"payable", el.Payable.String(),
		)
	}

	quote, err := s.cfg.Burn.Quote(ctx, el.Payable)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("quote_unavailable").Inc()
		log.Warn("claims: pricing unavailable", "error", err)
		return nil, err
	}

	tx, err := s.cfg.TxBuilder.BuildClaim(ctx, ClaimRequest{
		EpochID:      el.EpochID,
		Claimant:     address,
		RewardAmount: el.Payable,
		BurnAmount:   quote.BurnAmount,
	})
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("settlement_failed").Inc()
		return nil, fmt.Errorf("failed to build claim transaction: %w: %w", ErrSettlementFailed, err)
	}

	rec, err := s.cfg.Claims.MarkClaimed(ctx, el.EpochID, address, el.Payable, quote.BurnAmount)
	if err != nil {
		if errors.Is(err, ErrDuplicateClaim) {
			metrics.ClaimsTotal.WithLabelValues("duplicate").Inc()
			return nil, &IneligibleError{Reason: ReasonAlreadyClaimed, Err: ErrDuplicateClaim}
		}
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.ClaimsTotal.WithLabelValues("success").Inc()
	s.appendLog(ctx, "info", fmt.Sprintf("claim of %s rewards by %s in epoch %d (burn %s)",
		rec.Amount.StringFixed(2), address, rec.EpochID, rec.BurnAmount.StringFixed(2)))
	if s.cfg.OnClaim != nil {
		s.cfg.OnClaim(ctx, rec)
	}

	return &ClaimResult{
		EpochID:     rec.EpochID,
		Address:     address,
		ClaimAmount: rec.Amount,
		BurnAmount:  rec.BurnAmount,
		Clipped:     el.Clipped,
		Transaction: tx,
	}, nil
}

// LeaderboardEntry is one row of the standing leaderboard.
type LeaderboardEntry struct {
	Rank     int
	Address  string
	Standing decimal.Decimal
}

// Stats is the public snapshot of the flywheel.
type Stats struct {
	PoolBalance           decimal.Decimal
	PoolAvailable         bool
	Rate                  decimal.Decimal
	EpochID               uint64
	EpochStartedAt        time.Time
	EpochEndsAt           time.Time
	CumulativeDistributed decimal.Decimal
	CumulativeBurned      decimal.Decimal
	Claims                int64
	Leaderboard           []LeaderboardEntry
	LastTickAt            time.Time
	NextTickAt            time.Time
	StandingMode          StandingMode
	PayoutMode            PayoutMode
	RecentLogs            []LogEntry
	History               []HistoryPoint
}

// Stats gathers pool, epoch, counters and leaderboard concurrently. A pool
// or leaderboard read failure degrades that field instead of failing.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	epoch, err := s.cfg.Engine.Current()
	if err != nil {
		return nil, err
	}

	out := &Stats{
		Rate:           epoch.Rate,
		EpochID:        epoch.ID,
		EpochStartedAt: epoch.StartTime,
		EpochEndsAt:    epoch.EndsAt(s.cfg.EpochDuration),
		StandingMode:   s.cfg.Tracker.Mode(),
		PayoutMode:     s.cfg.PayoutMode,
		PoolBalance:    decimal.Zero,
	}
	if s.cfg.Cycle != nil {
		out.LastTickAt = s.cfg.Cycle.LastTick()
		out.NextTickAt = s.cfg.Cycle.NextTick()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool, err := s.cfg.Pool.PoolBalance(gctx)
		if err != nil {
			s.log.Warn("stats: pool balance unavailable", "error", err)
			return nil
		}
		out.PoolBalance = pool
		out.PoolAvailable = true
		return nil
	})
	g.Go(func() error {
		c, err := s.cfg.Store.Counters(gctx)
		if err != nil {
			return fmt.Errorf("failed to load counters: %w", err)
		}
		out.CumulativeDistributed = c.Distributed
		out.CumulativeBurned = c.Burned
		out.Claims = c.Claims
		return nil
	})
	g.Go(func() error {
		lb, err := s.Leaderboard(gctx)
		if err != nil {
			s.log.Warn("stats: leaderboard unavailable", "error", err)
			return nil
		}
		out.Leaderboard = lb
		return nil
	})
	g.Go(func() error {
		logs, err := s.cfg.Store.RecentLogs(gctx, s.cfg.StatsLogLimit)
		if err != nil {
			return fmt.Errorf("failed to load logs: %w", err)
		}
		out.RecentLogs = logs
		return nil
	})
	g.Go(func() error {
		hist, err := s.cfg.Store.History(gctx, s.cfg.StatsHistory)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		out.History = hist
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Leaderboard lists the top holders by standing, excluded addresses removed.
func (s *Service) Leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	leaders, err := s.cfg.Tracker.Leaders(ctx, s.cfg.LeaderboardSize+len(s.cfg.Distributor.excluded))
	if err != nil {
		return nil, err
	}
	out := make([]LeaderboardEntry, 0, s.cfg.LeaderboardSize)
	for _, l := range leaders {
		if s.cfg.Distributor.Excluded(l.Address) || !l.Score.IsPositive() {
			continue
		}
		out = append(out, LeaderboardEntry{Rank: len(out) + 1, Address: l.Address, Standing: l.Score})
		if len(out) == s.cfg.LeaderboardSize {
			break
		}
	}
	return out, nil
}

func (s *Service) appendLog(ctx context.Context, level, msg string) {
	if err := s.cfg.Store.AppendLog(ctx, LogEntry{Time: s.cfg.Clock.Now().UTC(), Level: level, Message: msg}, s.cfg.LogRetention); err != nil {
		s.log.Warn("claims: failed to append activity log", "error", err)
	}
}
