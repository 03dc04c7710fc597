package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// SupplySource provides the rate denominator.
type SupplySource interface {
	EligibleSupply(ctx context.Context) (decimal.Decimal, error)
}

type EngineConfig struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Store         EpochStore
	Pool          PoolReader
	Supply        SupplySource
	EpochDuration time.Duration
	CallTimeout   time.Duration
	// OnAdvance is called after a transition has been persisted.
	OnAdvance func(ctx context.Context, closed, opened Epoch)
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("epoch store is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool reader is required")
	}
	if cfg.Supply == nil {
		return errors.New("supply source is required")
	}
	if cfg.EpochDuration <= 0 {
		return errors.New("epoch duration must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return nil
}

// Engine owns the epoch state machine. The in-memory epoch only changes
// after the store has accepted the transition.
type Engine struct {
	log *slog.Logger
	cfg EngineConfig

	advanceMu sync.Mutex
	mu        sync.RWMutex
	current   *Epoch

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

func (e *Engine) Ready() bool {
	select {
	case <-e.readyCh:
		return true
	default:
		return false
	}
}

func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for epoch state: %w", ctx.Err())
	}
}

// Load restores the open epoch from the store, or opens epoch 1 from a
// fresh snapshot when the store is empty.
func (e *Engine) Load(ctx context.Context) error {
	e.advanceMu.Lock()
	defer e.advanceMu.Unlock()

	if e.Ready() {
		return nil
	}

	cur, err := e.cfg.Store.CurrentEpoch(ctx)
	switch {
	case err == nil:
		e.log.Info("epoch: resumed", "epoch_id", cur.ID, "rate", cur.Rate.String(), "started_at", cur.StartTime)
	case errors.Is(err, ErrNotFound):
		pool, supply, err := e.snapshot(ctx)
		if err != nil {
			return fmt.Errorf("failed to snapshot first epoch: %w", err)
		}
		first := Epoch{
			ID:             1,
			Rate:           computeRate(pool, supply),
			PoolBalance:    pool,
			EligibleSupply: supply,
			StartTime:      e.cfg.Clock.Now().UTC(),
		}
		if err := e.cfg.Store.CreateEpoch(ctx, first); err != nil {
			return fmt.Errorf("failed to create first epoch: %w", err)
		}
		cur = &first
		e.log.Info("epoch: opened first epoch", "rate", first.Rate.String(), "pool", pool.String(), "supply", supply.String())
	default:
		return fmt.Errorf("failed to load current epoch: %w", err)
	}

	e.set(*cur)
	e.readyOnce.Do(func() { close(e.readyCh) })
	return nil
}

// Current returns the open epoch.
func (e *Engine) Current() (Epoch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return Epoch{}, ErrNotReady
	}
	return *e.current, nil
}

// Rate returns the frozen rate of epochID.
func (e *Engine) Rate(ctx context.Context, epochID uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	cur := e.current
	e.mu.RUnlock()
	if cur != nil && cur.ID == epochID {
		return cur.Rate, nil
	}
	ep, err := e.cfg.Store.Epoch(ctx, epochID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load epoch %d: %w", epochID, err)
	}
	return ep.Rate, nil
}

// EndsAt is when the open epoch becomes due to close.
func (e *Engine) EndsAt() time.Time {
	cur, err := e.Current()
	if err != nil {
		return time.Time{}
	}
	return cur.EndsAt(e.cfg.EpochDuration)
}

// Due reports whether the open epoch has outlived its duration.
func (e *Engine) Due() bool {
	cur, err := e.Current()
	if err != nil {
		return false
	}
	return e.cfg.Clock.Now().Sub(cur.StartTime) > e.cfg.EpochDuration
}

// MaybeAdvance advances when the open epoch is due.
func (e *Engine) MaybeAdvance(ctx context.Context) (bool, error) {
	if !e.Due() {
		return false, nil
	}
	if _, err := e.Advance(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Advance closes the open epoch and opens the next one with a rate frozen
// from a paired pool/supply snapshot. On any failure the open epoch is left
// untouched.
func (e *Engine) Advance(ctx context.Context) (Epoch, error) {
	e.advanceMu.Lock()
	defer e.advanceMu.Unlock()

	closed, err := e.Current()
	if err != nil {
		return Epoch{}, err
	}

	pool, supply, err := e.snapshot(ctx)
	if err != nil {
		metrics.EpochAdvanceTotal.WithLabelValues("error").Inc()
		return Epoch{}, fmt.Errorf("failed to snapshot epoch %d: %w", closed.ID, err)
	}

	now := e.cfg.Clock.Now().UTC()
	next := Epoch{
		ID:             closed.ID + 1,
		Rate:           computeRate(pool, supply),
		PoolBalance:    pool,
		EligibleSupply: supply,
		StartTime:      now,
	}
	if err := e.cfg.Store.AdvanceEpoch(ctx, closed.ID, now, next); err != nil {
		metrics.EpochAdvanceTotal.WithLabelValues("error").Inc()
		return Epoch{}, fmt.Errorf("failed to persist epoch %d: %w", next.ID, err)
	}

	closed.EndTime = &now
	e.set(next)
	metrics.EpochAdvanceTotal.WithLabelValues("success").Inc()
	e.log.Info("epoch: advanced",
		"closed_epoch_id", closed.ID,
		"epoch_id", next.ID,
		"rate", next.Rate.String(),
		"pool", pool.String(),
		"supply", supply.String(),
	)

	if e.cfg.OnAdvance != nil {
		e.cfg.OnAdvance(ctx, closed, next)
	}
	return next, nil
}

func (e *Engine) set(ep Epoch) {
	e.mu.Lock()
	e.current = &ep
	e.mu.Unlock()
	metrics.EpochID.Set(float64(ep.ID))
	metrics.EpochRate.Set(ep.Rate.InexactFloat64())
}

// snapshot reads pool balance and eligible supply concurrently; both must
// succeed for the pair to be used.
func (e *Engine) snapshot(ctx context.Context) (pool, supply decimal.Decimal, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := e.cfg.Pool.PoolBalance(gctx)
		if err != nil {
			metrics.OracleReadFailures.WithLabelValues("pool_balance").Inc()
			return fmt.Errorf("failed to read pool balance: %w: %w", ErrOracleUnavailable, err)
		}
		pool = v
		return nil
	})
	g.Go(func() error {
		v, err := e.cfg.Supply.EligibleSupply(gctx)
		if err != nil {
			return fmt.Errorf("failed to read eligible supply: %w", err)
		}
		supply = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return pool, supply, nil
}

// computeRate is pool / supply, or zero when supply is not positive.
func computeRate(pool, supply decimal.Decimal) decimal.Decimal {
	if !supply.IsPositive() || pool.IsNegative() {
		return decimal.Zero
	}
	return pool.Div(supply)
}
