package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
)

// ErrTickSkipped is returned when a tick starts while the previous one is
// still in flight.
var ErrTickSkipped = errors.New("previous tick still running")

// FeeDetector reports creator fees waiting to be claimed, in SOL.
type FeeDetector interface {
	PendingFees(ctx context.Context) (decimal.Decimal, error)
}

// FeeClaimer claims creator fees and buys the reward token with SOL.
type FeeClaimer interface {
	ClaimFees(ctx context.Context, mint string) (string, error)
	Buy(ctx context.Context, mint string, solAmount decimal.Decimal) (string, error)
}

// WalletBalance reads the operator wallet's SOL balance.
type WalletBalance interface {
	WalletBalance(ctx context.Context) (decimal.Decimal, error)
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Interval    time.Duration
	Engine      *rewards.Engine
	Tracker     rewards.Tracker
	Distributor *rewards.Distributor
	Pool        rewards.PoolReader
	Activity    rewards.ActivityStore
	PayoutMode  rewards.PayoutMode

	// Oracle, when set, prices one whole source and reward token in the
	// base asset for the history series.
	Oracle     rewards.PriceOracle
	SourceMint string
	RewardMint string
	BaseMint   string

	// Fees and Claimer enable the fee check and buyback step.
	Fees           FeeDetector
	Claimer        FeeClaimer
	Wallet         WalletBalance
	MinFeesToClaim decimal.Decimal
	FeeBuffer      decimal.Decimal
	FeeReserve     decimal.Decimal

	LogRetention     int
	HistoryRetention int

	OnHistory      func(ctx context.Context, point rewards.HistoryPoint)
	OnDistribution func(ctx context.Context, report *rewards.DistributionReport)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Engine == nil {
		return errors.New("epoch engine is required")
	}
	if cfg.Tracker == nil {
		return errors.New("tracker is required")
	}
	if cfg.Activity == nil {
		return errors.New("activity store is required")
	}
	switch cfg.PayoutMode {
	case rewards.PayoutModePull:
	case rewards.PayoutModePush:
		if cfg.Distributor == nil {
			return errors.New("distributor is required in push mode")
		}
		if cfg.Pool == nil {
			return errors.New("pool reader is required in push mode")
		}
	default:
		return fmt.Errorf("unknown payout mode %q", cfg.PayoutMode)
	}
	if cfg.Oracle != nil && (cfg.SourceMint == "" || cfg.RewardMint == "" || cfg.BaseMint == "") {
		return errors.New("source, reward and base mints are required for price history")
	}
	if (cfg.Fees == nil) != (cfg.Claimer == nil) {
		return errors.New("fee detector and fee claimer must be set together")
	}
	if cfg.Claimer != nil && (cfg.SourceMint == "" || cfg.RewardMint == "") {
		return errors.New("source and reward mints are required for the fee step")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 1000
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 1000
	}
	return nil
}

// Scheduler drives the cadence tick: standing update, fee check, history
// sample and epoch boundary.
type Scheduler struct {
	log *slog.Logger
	cfg Config

	running atomic.Bool
	// distributedEpoch is the epoch whose push run has been started; the
	// store marker covers the same epoch across restarts.
	distributedEpoch uint64
	// resetPending is set when a run paid out but standing was not reset.
	resetPending bool

	mu       sync.RWMutex
	lastTick time.Time
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// LastTick is when the most recent tick started.
func (s *Scheduler) LastTick() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}

// NextTick is when the next tick is expected to start.
func (s *Scheduler) NextTick() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastTick.IsZero() {
		return time.Time{}
	}
	return s.lastTick.Add(s.cfg.Interval)
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("scheduler: starting tick loop", "interval", s.cfg.Interval, "payout_mode", s.cfg.PayoutMode)

		s.safeTick(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				go s.safeTick(ctx)
			}
		}
	}()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: tick panicked", "panic", r)
			metrics.TickTotal.WithLabelValues("panic").Inc()
			sentry.CurrentHub().Recover(r)
		}
	}()

	if err := s.Tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrTickSkipped) {
			return
		}
		s.log.Error("scheduler: tick failed", "error", err)
	}
}

// Tick runs one cadence iteration. Step failures are logged and the tick
// carries on; the returned error reflects the epoch boundary step, which is
// retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Info("scheduler: previous tick still running, skipping")
		metrics.TickTotal.WithLabelValues("skipped").Inc()
		return ErrTickSkipped
	}
	defer s.running.Store(false)

	start := s.cfg.Clock.Now()
	s.mu.Lock()
	s.lastTick = start.UTC()
	s.mu.Unlock()
	defer func() {
		metrics.TickDuration.Observe(s.cfg.Clock.Since(start).Seconds())
	}()
	s.log.Debug("scheduler: tick started")

	loadErr := s.load(ctx)

	err := s.cfg.Tracker.Tick(ctx)
	metrics.RecordStep("standing", err)
	if err != nil {
		s.log.Warn("scheduler: standing update failed", "error", err)
	}

	vault := s.feeStep(ctx)
	s.historyStep(ctx, vault)

	if loadErr != nil {
		metrics.TickTotal.WithLabelValues("error").Inc()
		return loadErr
	}
	if err := s.epochStep(ctx); err != nil {
		metrics.TickTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.TickTotal.WithLabelValues("success").Inc()
	s.log.Debug("scheduler: tick completed", "duration", s.cfg.Clock.Since(start).String())
	return nil
}

func (s *Scheduler) load(ctx context.Context) error {
	if s.cfg.Engine.Ready() {
		return nil
	}
	err := s.cfg.Engine.Load(ctx)
	metrics.RecordStep("load", err)
	if err != nil {
		return fmt.Errorf("failed to load epoch state: %w", err)
	}
	return nil
}

// feeStep claims pending creator fees and spends them on the reward token.
// It returns the vault balance read at the start of the step, or nil when
// the fee step is disabled or the read failed.
func (s *Scheduler) feeStep(ctx context.Context) *decimal.Decimal {
	if s.cfg.Fees == nil {
		return nil
	}

	pending, err := s.cfg.Fees.PendingFees(ctx)
	if err != nil {
		metrics.RecordStep("fees", err)
		s.log.Warn("scheduler: fee check failed", "error", err)
		return nil
	}
	if !pending.IsPositive() || pending.LessThan(s.cfg.MinFeesToClaim) {
		s.log.Debug("scheduler: fees below claim threshold", "pending", pending.String(), "min", s.cfg.MinFeesToClaim.String())
		return &pending
	}

	sig, err := s.cfg.Claimer.ClaimFees(ctx, s.cfg.SourceMint)
	metrics.RecordStep("claim_fees", err)
	if err != nil {
		s.log.Warn("scheduler: fee claim failed", "pending", pending.String(), "error", err)
		return &pending
	}
	s.log.Info("scheduler: claimed creator fees", "amount", pending.String(), "signature", sig)
	s.appendLog(ctx, "info", fmt.Sprintf("claimed %s SOL in creator fees", pending.StringFixed(4)))

	buy := pending.Sub(s.cfg.FeeBuffer)
	if s.cfg.Wallet != nil {
		balance, err := s.cfg.Wallet.WalletBalance(ctx)
		if err != nil {
			metrics.RecordStep("buy", err)
			s.log.Warn("scheduler: wallet balance unavailable, skipping buy", "error", err)
			return &pending
		}
		if spendable := balance.Sub(s.cfg.FeeReserve); spendable.LessThan(buy) {
			buy = spendable
		}
	}
	if !buy.IsPositive() {
		s.log.Info("scheduler: nothing to buy after buffer and reserve", "fees", pending.String())
		return &pending
	}

	sig, err = s.cfg.Claimer.Buy(ctx, s.cfg.RewardMint, buy)
	metrics.RecordStep("buy", err)
	if err != nil {
		s.log.Warn("scheduler: buyback failed", "amount", buy.String(), "error", err)
		s.appendLog(ctx, "error", fmt.Sprintf("buyback of %s SOL failed", buy.StringFixed(4)))
		return &pending
	}
	s.log.Info("scheduler: bought reward token", "sol", buy.String(), "signature", sig)
	s.appendLog(ctx, "info", fmt.Sprintf("bought reward token with %s SOL", buy.StringFixed(4)))
	return &pending
}

// historyStep records one price and vault sample. A failed quote drops the
// sample rather than recording a made-up price.
func (s *Scheduler) historyStep(ctx context.Context, vault *decimal.Decimal) {
	if s.cfg.Oracle == nil {
		return
	}

	one := decimal.NewFromInt(1)
	sourcePrice, err := s.cfg.Oracle.Quote(ctx, s.cfg.SourceMint, s.cfg.BaseMint, one)
	if err != nil {
		metrics.RecordStep("history", err)
		s.log.Warn("scheduler: source price unavailable", "error", err)
		return
	}
	rewardPrice, err := s.cfg.Oracle.Quote(ctx, s.cfg.RewardMint, s.cfg.BaseMint, one)
	if err != nil {
		metrics.RecordStep("history", err)
		s.log.Warn("scheduler: reward price unavailable", "error", err)
		return
	}

	point := rewards.HistoryPoint{
		Time:        s.cfg.Clock.Now().UTC(),
		SourcePrice: sourcePrice,
		RewardPrice: rewardPrice,
		VaultSOL:    decimal.Zero,
	}
	if vault != nil {
		point.VaultSOL = *vault
	}
	err = s.cfg.Activity.AppendHistory(ctx, point, s.cfg.HistoryRetention)
	metrics.RecordStep("history", err)
	if err != nil {
		s.log.Warn("scheduler: failed to append history", "error", err)
		return
	}
	if s.cfg.OnHistory != nil {
		s.cfg.OnHistory(ctx, point)
	}
}

// epochStep closes the epoch once it is due. In push mode the pool is
// distributed first; a run that cannot start leaves the epoch open so the
// next tick retries. A started run is never repeated, and a standing reset
// that failed after it is retried before the epoch advances.
func (s *Scheduler) epochStep(ctx context.Context) error {
	if s.cfg.PayoutMode == rewards.PayoutModePull {
		advanced, err := s.cfg.Engine.MaybeAdvance(ctx)
		metrics.RecordStep("epoch", err)
		if err != nil {
			return fmt.Errorf("failed to advance epoch: %w", err)
		}
		if advanced {
			s.logAdvance(ctx)
		}
		return nil
	}

	if !s.cfg.Engine.Due() {
		return nil
	}
	cur, err := s.cfg.Engine.Current()
	if err != nil {
		return err
	}
	if s.distributedEpoch != cur.ID {
		reset, err := s.distribute(ctx, cur.ID)
		switch {
		case errors.Is(err, rewards.ErrAlreadyDistributed):
			s.log.Warn("scheduler: epoch already distributed, resuming advance", "epoch", cur.ID)
			reset = false
		case err != nil:
			return err
		}
		s.distributedEpoch = cur.ID
		s.resetPending = !reset
	}
	if s.resetPending {
		if err := s.cfg.Tracker.Reset(ctx); err != nil {
			metrics.RecordStep("reset", err)
			return fmt.Errorf("failed to reset standing: %w", err)
		}
		s.resetPending = false
	}

	_, err = s.cfg.Engine.Advance(ctx)
	metrics.RecordStep("epoch", err)
	if err != nil {
		return fmt.Errorf("failed to advance epoch: %w", err)
	}
	s.logAdvance(ctx)
	return nil
}

// distribute runs the push payout for epochID and reports whether standing
// no longer needs a reset: either it was reset or nothing was paid.
func (s *Scheduler) distribute(ctx context.Context, epochID uint64) (bool, error) {
	pool, err := s.cfg.Pool.PoolBalance(ctx)
	if err != nil {
		metrics.RecordStep("distribute", err)
		return false, fmt.Errorf("failed to read pool balance: %w: %w", rewards.ErrOracleUnavailable, err)
	}

	report, err := s.cfg.Distributor.Distribute(ctx, epochID, pool)
	metrics.RecordStep("distribute", err)
	if err != nil {
		return false, fmt.Errorf("failed to distribute: %w", err)
	}
	failed := len(report.Failed())
	s.log.Info("scheduler: distribution finished",
		"run_id", report.RunID.String(),
		"distributed", report.Distributed.String(),
		"recipients", len(report.Allocations),
		"failed_batches", failed,
	)
	if len(report.Allocations) > 0 {
		level := "info"
		if failed > 0 {
			level = "error"
		}
		s.appendLog(ctx, level, fmt.Sprintf("distributed %s rewards to %d holders (%d failed batches)",
			report.Distributed.StringFixed(4), len(report.Allocations), failed))
	}
	if s.cfg.OnDistribution != nil {
		s.cfg.OnDistribution(ctx, report)
	}
	return report.ResetErr == nil, nil
}

func (s *Scheduler) logAdvance(ctx context.Context) {
	cur, err := s.cfg.Engine.Current()
	if err != nil {
		return
	}
	s.appendLog(ctx, "info", fmt.Sprintf("epoch %d opened with rate %s", cur.ID, cur.Rate.String()))
}

func (s *Scheduler) appendLog(ctx context.Context, level, msg string) {
	entry := rewards.LogEntry{Time: s.cfg.Clock.Now().UTC(), Level: level, Message: msg}
	if err := s.cfg.Activity.AppendLog(ctx, entry, s.cfg.LogRetention); err != nil {
		s.log.Warn("scheduler: failed to append activity log", "error", err)
	}
}
