package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Tracker measures holder standing.
type Tracker interface {
	Mode() StandingMode
	// Standing never fails; a read failure yields zero.
	Standing(ctx context.Context, address string) decimal.Decimal
	// EligibleSupply is the denominator used when an epoch's rate is frozen.
	EligibleSupply(ctx context.Context) (decimal.Decimal, error)
	// Holders returns every holder with positive standing.
	Holders(ctx context.Context) ([]Standing, error)
	// Leaders returns up to n holders ordered by standing, highest first.
	Leaders(ctx context.Context, n int) ([]Standing, error)
	// Tick observes balances once per cadence interval.
	Tick(ctx context.Context) error
	// Reset zeroes all standing after a push payout.
	Reset(ctx context.Context) error
}

type TrackerConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Ledger     Ledger
	Store      StandingStore
	Mint       string
	Mode       StandingMode
	Interval   time.Duration
	Exclusions []string
	// CallTimeout bounds each ledger read.
	CallTimeout time.Duration
}

func (cfg *TrackerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Mint == "" {
		return errors.New("mint is required")
	}
	switch cfg.Mode {
	case StandingModeAccrual:
		if cfg.Store == nil {
			return errors.New("standing store is required in accrual mode")
		}
		if cfg.Interval <= 0 {
			return errors.New("interval must be greater than 0")
		}
	case StandingModeInstantaneous:
	default:
		return fmt.Errorf("unknown standing mode %q", cfg.Mode)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	cfg.Exclusions = lo.Map(cfg.Exclusions, func(a string, _ int) string { return normalizeAddress(a) })
	return nil
}

// NewTracker returns the tracker for cfg.Mode.
func NewTracker(cfg TrackerConfig) (Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == StandingModeAccrual {
		return &AccrualTracker{log: cfg.Logger, cfg: cfg, scores: map[string]*Standing{}}, nil
	}
	return &InstantTracker{log: cfg.Logger, cfg: cfg}, nil
}

// InstantTracker reads standing straight from the ledger on every call.
type InstantTracker struct {
	log *slog.Logger
	cfg TrackerConfig
}

func (t *InstantTracker) Mode() StandingMode { return StandingModeInstantaneous }

func (t *InstantTracker) Standing(ctx context.Context, address string) decimal.Decimal {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	bal, err := t.cfg.Ledger.Balance(ctx, address, t.cfg.Mint)
	if err != nil {
		t.log.Warn("tracker: balance read failed, treating as zero", "address", address, "error", err)
		metrics.OracleReadFailures.WithLabelValues("balance").Inc()
		return decimal.Zero
	}
	if bal.IsNegative() {
		return decimal.Zero
	}
	return bal
}

// EligibleSupply is total supply, minus the largest holder when that holder
// owns more than half of it.
func (t *InstantTracker) EligibleSupply(ctx context.Context) (decimal.Decimal, error) {
	return eligibleSupply(ctx, t.cfg)
}

func (t *InstantTracker) Holders(ctx context.Context) ([]Standing, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	holdings, err := t.cfg.Ledger.Holders(ctx, t.cfg.Mint)
	if err != nil {
		metrics.OracleReadFailures.WithLabelValues("holders").Inc()
		return nil, fmt.Errorf("failed to fetch holders: %w: %w", ErrOracleUnavailable, err)
	}
	now := t.cfg.Clock.Now()
	out := make([]Standing, 0, len(holdings))
	for _, h := range mergeHoldings(holdings) {
		if !h.Amount.IsPositive() {
			continue
		}
		out = append(out, Standing{Address: h.Address, Score: h.Amount, LastBalance: h.Amount, UpdatedAt: now})
	}
	return out, nil
}

func (t *InstantTracker) Leaders(ctx context.Context, n int) ([]Standing, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	holdings, err := t.cfg.Ledger.LargestHolders(ctx, t.cfg.Mint, n+len(t.cfg.Exclusions))
	if err != nil {
		metrics.OracleReadFailures.WithLabelValues("largest_holders").Inc()
		return nil, fmt.Errorf("failed to fetch largest holders: %w: %w", ErrOracleUnavailable, err)
	}
	now := t.cfg.Clock.Now()
	standings := lo.Map(mergeHoldings(holdings), func(h Holding, _ int) Standing {
		return Standing{Address: h.Address, Score: h.Amount, LastBalance: h.Amount, UpdatedAt: now}
	})
	return topN(standings, n), nil
}

func (t *InstantTracker) Tick(context.Context) error  { return nil }
func (t *InstantTracker) Reset(context.Context) error { return nil }

// AccrualTracker adds balance × interval minutes to each holder's score on
// every tick. Scores persist across restarts through the StandingStore.
type AccrualTracker struct {
	log *slog.Logger
	cfg TrackerConfig

	mu     sync.RWMutex
	loaded bool
	scores map[string]*Standing
}

func (t *AccrualTracker) Mode() StandingMode { return StandingModeAccrual }

func (t *AccrualTracker) load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return nil
	}
	standings, err := t.cfg.Store.LoadStandings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load standings: %w", err)
	}
	for _, s := range standings {
		s := s
		t.scores[s.Address] = &s
	}
	t.loaded = true
	t.log.Debug("tracker: loaded standings", "count", len(standings))
	return nil
}

func (t *AccrualTracker) Standing(ctx context.Context, address string) decimal.Decimal {
	if err := t.load(ctx); err != nil {
		t.log.Warn("tracker: standing unavailable, treating as zero", "address", address, "error", err)
		return decimal.Zero
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.scores[address]; ok {
		return s.Score
	}
	return decimal.Zero
}

// EligibleSupply in accrual mode is the total score of non-excluded holders.
func (t *AccrualTracker) EligibleSupply(ctx context.Context) (decimal.Decimal, error) {
	holders, err := t.Holders(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	excluded := lo.SliceToMap(t.cfg.Exclusions, func(a string) (string, struct{}) { return a, struct{}{} })
	total := decimal.Zero
	for _, h := range holders {
		if _, ok := excluded[h.Address]; ok {
			continue
		}
		total = total.Add(h.Score)
	}
	return total, nil
}

func (t *AccrualTracker) Holders(ctx context.Context) ([]Standing, error) {
	if err := t.load(ctx); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Standing, 0, len(t.scores))
	for _, s := range t.scores {
		if s.Score.IsPositive() {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (t *AccrualTracker) Leaders(ctx context.Context, n int) ([]Standing, error) {
	holders, err := t.Holders(ctx)
	if err != nil {
		return nil, err
	}
	return topN(holders, n), nil
}

func (t *AccrualTracker) Tick(ctx context.Context) error {
	if err := t.load(ctx); err != nil {
		return err
	}

	readCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	holdings, err := t.cfg.Ledger.Holders(readCtx, t.cfg.Mint)
	cancel()
	if err != nil {
		metrics.OracleReadFailures.WithLabelValues("holders").Inc()
		return fmt.Errorf("failed to fetch holders: %w: %w", ErrOracleUnavailable, err)
	}

	minutes := decimal.NewFromFloat(t.cfg.Interval.Minutes())
	now := t.cfg.Clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	updated := make([]Standing, 0, len(holdings))
	for _, h := range mergeHoldings(holdings) {
		if !h.Amount.IsPositive() {
			continue
		}
		s, ok := t.scores[h.Address]
		if !ok {
			s = &Standing{Address: h.Address, Score: decimal.Zero}
			t.scores[h.Address] = s
		}
		s.Score = s.Score.Add(h.Amount.Mul(minutes))
		s.LastBalance = h.Amount
		s.UpdatedAt = now
		updated = append(updated, *s)
	}

	if err := t.cfg.Store.SaveStandings(ctx, updated); err != nil {
		return fmt.Errorf("failed to save standings: %w", err)
	}
	t.log.Info("tracker: snapshot complete", "holders", len(updated))
	return nil
}

// Reset zeroes every score but keeps the holders known.
func (t *AccrualTracker) Reset(ctx context.Context) error {
	if err := t.load(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.cfg.Clock.Now()
	all := make([]Standing, 0, len(t.scores))
	for _, s := range t.scores {
		reset := *s
		reset.Score = decimal.Zero
		reset.UpdatedAt = now
		all = append(all, reset)
	}
	if err := t.cfg.Store.SaveStandings(ctx, all); err != nil {
		return fmt.Errorf("failed to save reset standings: %w", err)
	}
	for i := range all {
		t.scores[all[i].Address] = &all[i]
	}
	t.log.Info("tracker: standings reset", "holders", len(all))
	return nil
}

func eligibleSupply(ctx context.Context, cfg TrackerConfig) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	total, err := cfg.Ledger.TotalSupply(ctx, cfg.Mint)
	if err != nil {
		metrics.OracleReadFailures.WithLabelValues("total_supply").Inc()
		return decimal.Zero, fmt.Errorf("failed to read total supply: %w: %w", ErrOracleUnavailable, err)
	}
	largest, err := cfg.Ledger.LargestHolders(ctx, cfg.Mint, 1)
	if err != nil {
		metrics.OracleReadFailures.WithLabelValues("largest_holders").Inc()
		return decimal.Zero, fmt.Errorf("failed to read largest holder: %w: %w", ErrOracleUnavailable, err)
	}
	return supplyExcludingDominant(total, largest), nil
}

var half = decimal.NewFromFloat(0.5)

// supplyExcludingDominant removes a single holder that owns more than half
// of total; such a holder is almost always the bonding curve.
func supplyExcludingDominant(total decimal.Decimal, largest []Holding) decimal.Decimal {
	if len(largest) == 0 || !total.IsPositive() {
		return total
	}
	top := lo.MaxBy(largest, func(a, b Holding) bool { return a.Amount.GreaterThan(b.Amount) })
	if top.Amount.GreaterThan(total.Mul(half)) {
		return total.Sub(top.Amount)
	}
	return total
}

// mergeHoldings sums holdings that share an owner.
func mergeHoldings(holdings []Holding) []Holding {
	byOwner := make(map[string]decimal.Decimal, len(holdings))
	order := make([]string, 0, len(holdings))
	for _, h := range holdings {
		if _, ok := byOwner[h.Address]; !ok {
			order = append(order, h.Address)
		}
		byOwner[h.Address] = byOwner[h.Address].Add(h.Amount)
	}
	return lo.Map(order, func(addr string, _ int) Holding {
		return Holding{Address: addr, Amount: byOwner[addr]}
	})
}

func topN(standings []Standing, n int) []Standing {
	sorted := append([]Standing(nil), standings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Score.Cmp(sorted[j].Score); c != 0 {
			return c > 0
		}
		return sorted[i].Address < sorted[j].Address
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
