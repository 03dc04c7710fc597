package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// MaxBatchSize keeps a push batch under one transaction's instruction limit.
const MaxBatchSize = 12

// RateSource resolves the open epoch and frozen rates.
type RateSource interface {
	Current() (Epoch, error)
	Rate(ctx context.Context, epochID uint64) (decimal.Decimal, error)
}

type DistributorConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Tracker    Tracker
	Rates      RateSource
	Claims     *ClaimLedger
	Pool       PoolReader
	Counters   ClaimStore
	Settler    Settler           // push mode only
	Runs       DistributionStore // required with Settler
	Authority  string
	Exclusions []string
	DustFloor  decimal.Decimal
	BatchSize  int
	// OnBatch is called after every push batch attempt.
	OnBatch func(ctx context.Context, run uuid.UUID, result BatchResult)
}

func (cfg *DistributorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Tracker == nil {
		return errors.New("tracker is required")
	}
	if cfg.Rates == nil {
		return errors.New("rate source is required")
	}
	if cfg.Claims == nil {
		return errors.New("claim ledger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool reader is required")
	}
	if cfg.Counters == nil {
		return errors.New("counter store is required")
	}
	if cfg.Settler != nil && cfg.Runs == nil {
		return errors.New("distribution store is required with a settler")
	}
	if cfg.Authority == "" {
		return errors.New("authority is required")
	}
	if cfg.DustFloor.IsNegative() {
		return errors.New("dust floor must not be negative")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d", MaxBatchSize)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Distributor computes pro-rata shares and runs push payouts.
type Distributor struct {
	log      *slog.Logger
	cfg      DistributorConfig
	excluded map[string]struct{}
}

func NewDistributor(cfg DistributorConfig) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	excluded := lo.SliceToMap(append([]string{cfg.Authority}, cfg.Exclusions...), func(a string) (string, struct{}) {
		return normalizeAddress(a), struct{}{}
	})
	return &Distributor{log: cfg.Logger, cfg: cfg, excluded: excluded}, nil
}

// Excluded reports whether address can never receive rewards.
func (d *Distributor) Excluded(address string) bool {
	_, ok := d.excluded[normalizeAddress(address)]
	return ok
}

// ComputeShare is standing × the epoch's frozen rate, before dust and clip.
func (d *Distributor) ComputeShare(ctx context.Context, address string, epochID uint64) (decimal.Decimal, error) {
	rate, err := d.cfg.Rates.Rate(ctx, epochID)
	if err != nil {
		return decimal.Zero, err
	}
	return d.cfg.Tracker.Standing(ctx, address).Mul(rate), nil
}

// Eligibility is the read-only view of what address could claim now.
type Eligibility struct {
	Address   string
	EpochID   uint64
	Standing  decimal.Decimal
	Rate      decimal.Decimal
	Amount    decimal.Decimal // standing × rate
	Payable   decimal.Decimal // Amount clipped to the pool
	Clipped   bool
	Claimable bool
	Reason    string
	// Cause is the sentinel behind an ineligible result, if any.
	Cause error
}

func (e Eligibility) ineligible(reason string, cause error) Eligibility {
	e.Claimable = false
	e.Reason = reason
	e.Cause = cause
	e.Payable = decimal.Zero
	return e
}

// Eligibility evaluates a pull claim without side effects. Only store
// failures are returned as errors; everything else is an ineligible result.
func (d *Distributor) Eligibility(ctx context.Context, address string) (Eligibility, error) {
	address = normalizeAddress(address)
	el := Eligibility{Address: address, Standing: decimal.Zero, Amount: decimal.Zero, Payable: decimal.Zero}

	epoch, err := d.cfg.Rates.Current()
	if err != nil {
		return el.ineligible(ReasonEpochUnavailable, err), nil
	}
	el.EpochID = epoch.ID
	el.Rate = epoch.Rate

	if d.Excluded(address) {
		return el.ineligible(ReasonExcluded, nil), nil
	}

	el.Standing = d.cfg.Tracker.Standing(ctx, address)
	if !el.Standing.IsPositive() {
		return el.ineligible(ReasonNoBalance, nil), nil
	}

	el.Amount = el.Standing.Mul(epoch.Rate)

	claimed, err := d.cfg.Claims.HasClaimed(ctx, epoch.ID, address)
	if err != nil {
		return Eligibility{}, err
	}
	if claimed {
		return el.ineligible(ReasonAlreadyClaimed, ErrDuplicateClaim), nil
	}

	if !el.Amount.IsPositive() || el.Amount.LessThan(d.cfg.DustFloor) {
		return el.ineligible(ReasonBelowMinimum, ErrDustBelowFloor), nil
	}

	pool, err := d.cfg.Pool.PoolBalance(ctx)
	if err != nil {
		metrics.OracleReadFailures.WithLabelValues("pool_balance").Inc()
		d.log.Warn("distributor: pool balance unavailable", "address", address, "error", err)
		return el.ineligible(ReasonPoolUnavailable, ErrOracleUnavailable), nil
	}

	el.Payable = el.Amount
	if el.Amount.GreaterThan(pool) {
		el.Payable = decimal.Max(pool, decimal.Zero)
		el.Clipped = true
		el.Cause = ErrInsufficientPool
	}
	if !el.Payable.IsPositive() {
		return el.ineligible(ReasonPoolEmpty, ErrInsufficientPool), nil
	}

	el.Claimable = true
	return el, nil
}

// BatchResult is the outcome of one settlement batch. Total is what the
// transaction paid, which can be less than the sum of Recipients when the
// settler skipped some of them.
type BatchResult struct {
	Index      int
	Recipients []Allocation
	Paid       []Allocation
	Total      decimal.Decimal
	Signature  string
	Err        error
}

// Attempted sums what the batch tried to pay.
func (b BatchResult) Attempted() decimal.Decimal {
	return lo.Reduce(b.Recipients, func(acc decimal.Decimal, a Allocation, _ int) decimal.Decimal {
		return acc.Add(a.Amount)
	}, decimal.Zero)
}

// Skipped returns the recipients the batch committed without paying.
func (b BatchResult) Skipped() []Allocation {
	if b.Err != nil {
		return nil
	}
	paid := lo.SliceToMap(b.Paid, func(a Allocation) (string, struct{}) { return a.Address, struct{}{} })
	return lo.Filter(b.Recipients, func(a Allocation, _ int) bool {
		_, ok := paid[a.Address]
		return !ok
	})
}

// DistributionReport summarizes a push run.
type DistributionReport struct {
	RunID       uuid.UUID
	EpochID     uint64
	StartedAt   time.Time
	Total       decimal.Decimal
	TotalPoints decimal.Decimal
	Allocations []Allocation
	Dust        int
	Batches     []BatchResult
	Distributed decimal.Decimal
	Reset       bool
	// ResetErr is set when every batch was attempted but standing could not
	// be reset. The run is still recorded and must not be repeated.
	ResetErr error
}

// Failed returns the batches that did not commit.
func (r *DistributionReport) Failed() []BatchResult {
	return lo.Filter(r.Batches, func(b BatchResult, _ int) bool { return b.Err != nil })
}

// Allocate splits total across holders pro rata after removing excluded
// addresses, then drops allocations under the dust floor. The second return
// value is the number of dust allocations dropped.
func (d *Distributor) Allocate(holders []Standing, total decimal.Decimal) ([]Allocation, decimal.Decimal, int) {
	eligible := lo.Filter(holders, func(h Standing, _ int) bool {
		return !d.Excluded(h.Address) && h.Score.IsPositive()
	})
	points := lo.Reduce(eligible, func(acc decimal.Decimal, h Standing, _ int) decimal.Decimal {
		return acc.Add(h.Score)
	}, decimal.Zero)
	if !points.IsPositive() || !total.IsPositive() {
		return nil, points, 0
	}

	allocs := make([]Allocation, 0, len(eligible))
	dust := 0
	for _, h := range eligible {
		amount := total.Mul(h.Score).Div(points)
		if amount.LessThan(d.cfg.DustFloor) || !amount.IsPositive() {
			dust++
			continue
		}
		allocs = append(allocs, Allocation{Address: h.Address, Points: h.Score, Amount: amount})
	}
	return allocs, points, dust
}

// Distribute pays total out to every eligible holder of epochID in batches.
// The epoch is marked distributed before the first batch is sent, so a run
// happens at most once per epoch even across restarts; a second call returns
// ErrAlreadyDistributed. A failed batch is reported and does not stop later
// batches. Standing is reset once every batch has been attempted.
func (d *Distributor) Distribute(ctx context.Context, epochID uint64, total decimal.Decimal) (*DistributionReport, error) {
	if d.cfg.Settler == nil {
		return nil, errors.New("push distribution requires a settler")
	}

	done, err := d.cfg.Runs.IsDistributed(ctx, epochID)
	if err != nil {
		return nil, fmt.Errorf("failed to check distribution marker: %w", err)
	}
	if done {
		return nil, ErrAlreadyDistributed
	}

	report := &DistributionReport{
		RunID:       uuid.New(),
		EpochID:     epochID,
		StartedAt:   d.cfg.Clock.Now().UTC(),
		Total:       total,
		Distributed: decimal.Zero,
	}
	log := d.log.With("run_id", report.RunID.String(), "epoch", epochID)

	holders, err := d.cfg.Tracker.Holders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holders: %w", err)
	}

	report.Allocations, report.TotalPoints, report.Dust = d.Allocate(holders, total)
	if len(report.Allocations) == 0 {
		log.Info("distributor: nothing to distribute", "holders", len(holders), "dust", report.Dust, "total", total.String())
		return report, nil
	}

	if err := d.cfg.Runs.MarkDistributed(ctx, epochID, report.RunID, report.StartedAt); err != nil {
		if errors.Is(err, ErrAlreadyDistributed) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to mark epoch distributed: %w", err)
	}

	log.Info("distributor: starting distribution",
		"total", total.String(),
		"recipients", len(report.Allocations),
		"dust", report.Dust,
	)

	for i, batch := range lo.Chunk(report.Allocations, d.cfg.BatchSize) {
		res := BatchResult{Index: i, Recipients: batch, Total: decimal.Zero}

		settled, err := d.cfg.Settler.SettleBatch(ctx, batch)
		if err != nil {
			res.Err = fmt.Errorf("%w: %w", ErrSettlementFailed, err)
			metrics.DistributionBatchesTotal.WithLabelValues("error").Inc()
			log.Error("distributor: batch failed", "batch", i, "recipients", len(batch), "error", err)
		} else {
			res.Signature = settled.Signature
			res.Paid = settled.Paid
			res.Total = settled.Total()
			report.Distributed = report.Distributed.Add(res.Total)
			metrics.DistributionBatchesTotal.WithLabelValues("success").Inc()
			log.Info("distributor: batch sent", "batch", i, "recipients", len(batch), "paid", len(settled.Paid), "signature", settled.Signature)
			if skipped := res.Skipped(); len(skipped) > 0 {
				log.Warn("distributor: batch skipped recipients", "batch", i, "skipped", len(skipped))
			}
			if err := d.cfg.Counters.AddDistributed(ctx, res.Total); err != nil {
				log.Error("distributor: failed to update counters", "batch", i, "error", err)
			}
		}
		report.Batches = append(report.Batches, res)
		if d.cfg.OnBatch != nil {
			d.cfg.OnBatch(ctx, report.RunID, res)
		}
	}

	if err := d.cfg.Tracker.Reset(ctx); err != nil {
		report.ResetErr = fmt.Errorf("failed to reset standing: %w", err)
		log.Error("distributor: failed to reset standing", "error", err)
	} else {
		report.Reset = true
	}

	log.Info("distributor: distribution complete",
		"distributed", report.Distributed.String(),
		"batches", len(report.Batches),
		"failed", len(report.Failed()),
	)
	return report, nil
}
