package rewards_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	"github.com/malbeclabs/flywheel/flywheel/pkg/store"
	fwtesting "github.com/malbeclabs/flywheel/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	sourceMint = "SrcMint1111111111111111111111111111111111111"
	rewardMint = "RwdMint1111111111111111111111111111111111111"
	baseMint   = "So11111111111111111111111111111111111111112"
	authority  = "Auth111111111111111111111111111111111111111"
)

var epochStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, d(want).Equal(got), "want %s, got %s", want, got)
}

var errRPC = errors.New("rpc: connection refused")

// fakeLedger is a mutable in-memory chain view.
type fakeLedger struct {
	mu         sync.Mutex
	balances   map[string]decimal.Decimal // owner + "/" + mint
	supply     decimal.Decimal
	holders    []rewards.Holding
	balanceErr map[string]error // keyed by owner
	supplyErr  error
	holdersErr error
	calls      int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[string]decimal.Decimal{}, balanceErr: map[string]error{}}
}

func (l *fakeLedger) set(owner, mint string, amount string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner+"/"+mint] = d(amount)
}

func (l *fakeLedger) failBalance(owner string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceErr[owner] = err
}

func (l *fakeLedger) setHolders(h ...rewards.Holding) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holders = h
}

func (l *fakeLedger) Balance(ctx context.Context, owner, mint string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if err := l.balanceErr[owner]; err != nil {
		return decimal.Zero, err
	}
	return l.balances[owner+"/"+mint], nil
}

func (l *fakeLedger) TotalSupply(ctx context.Context, mint string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply, l.supplyErr
}

func (l *fakeLedger) LargestHolders(ctx context.Context, mint string, n int) ([]rewards.Holding, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holdersErr != nil {
		return nil, l.holdersErr
	}
	out := append([]rewards.Holding(nil), l.holders...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Amount.GreaterThan(out[j-1].Amount); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (l *fakeLedger) Holders(ctx context.Context, mint string) ([]rewards.Holding, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holdersErr != nil {
		return nil, l.holdersErr
	}
	return append([]rewards.Holding(nil), l.holders...), nil
}

type mockOracle struct {
	quoteFunc func(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error)
}

func (m *mockOracle) Quote(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	if m.quoteFunc != nil {
		return m.quoteFunc(ctx, from, to, amount)
	}
	return amount, nil
}

// fixedRates quotes reward→base at rewardInBase and base→source at sourcePerBase.
func fixedRates(rewardInBase, sourcePerBase string) *mockOracle {
	return &mockOracle{quoteFunc: func(_ context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
		switch {
		case from == rewardMint && to == baseMint:
			return amount.Mul(d(rewardInBase)), nil
		case from == baseMint && to == sourceMint:
			return amount.Mul(d(sourcePerBase)), nil
		}
		return decimal.Zero, errors.New("unexpected pair " + from + "->" + to)
	}}
}

type mockSettler struct {
	mu         sync.Mutex
	settleFunc func(ctx context.Context, batch []rewards.Allocation) (rewards.Settlement, error)
	batches    [][]rewards.Allocation
}

// SettleBatch pays the whole batch unless settleFunc says otherwise.
func (m *mockSettler) SettleBatch(ctx context.Context, batch []rewards.Allocation) (rewards.Settlement, error) {
	m.mu.Lock()
	m.batches = append(m.batches, batch)
	n := len(m.batches)
	m.mu.Unlock()
	if m.settleFunc != nil {
		return m.settleFunc(ctx, batch)
	}
	return rewards.Settlement{Signature: fmt.Sprintf("sig-%d", n), Paid: batch}, nil
}

func (m *mockSettler) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// failingTracker wraps a tracker whose Reset fails with resetErr.
type failingTracker struct {
	rewards.Tracker
	resetErr error
}

func (f *failingTracker) Reset(context.Context) error { return f.resetErr }

type mockTxBuilder struct {
	mu        sync.Mutex
	buildFunc func(ctx context.Context, req rewards.ClaimRequest) (string, error)
	requests  []rewards.ClaimRequest
}

func (m *mockTxBuilder) BuildClaim(ctx context.Context, req rewards.ClaimRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.buildFunc != nil {
		return m.buildFunc(ctx, req)
	}
	return "dHg=", nil
}

type fixtureOpts struct {
	standingMode rewards.StandingMode
	payoutMode   rewards.PayoutMode
	dustFloor    string
	exclusions   []string
	interval     time.Duration
	oracle       *mockOracle
}

type fixture struct {
	clock    *clockwork.FakeClock
	ledger   *fakeLedger
	store    *store.Memory
	tracker  rewards.Tracker
	engine   *rewards.Engine
	claims   *rewards.ClaimLedger
	dist     *rewards.Distributor
	svc      *rewards.Service
	settler  *mockSettler
	builder  *mockTxBuilder
	advanced []rewards.Epoch
}

// newFixture wires the full rewards graph over a fake ledger and the
// in-memory store. The engine is not loaded.
func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	if opts.standingMode == "" {
		opts.standingMode = rewards.StandingModeInstantaneous
	}
	if opts.payoutMode == "" {
		opts.payoutMode = rewards.PayoutModePull
	}
	if opts.dustFloor == "" {
		opts.dustFloor = "0"
	}
	if opts.interval == 0 {
		opts.interval = time.Minute
	}
	if opts.oracle == nil {
		opts.oracle = fixedRates("0.04", "1000")
	}

	log := fwtesting.NewLogger()
	f := &fixture{
		clock:   clockwork.NewFakeClockAt(epochStart),
		ledger:  newFakeLedger(),
		store:   store.NewMemory(),
		settler: &mockSettler{},
		builder: &mockTxBuilder{},
	}
	pool := rewards.LedgerPool{Ledger: f.ledger, Authority: authority, Mint: rewardMint}

	var err error
	f.tracker, err = rewards.NewTracker(rewards.TrackerConfig{
		Logger:     log,
		Clock:      f.clock,
		Ledger:     f.ledger,
		Store:      f.store,
		Mint:       sourceMint,
		Mode:       opts.standingMode,
		Interval:   opts.interval,
		Exclusions: append([]string{authority}, opts.exclusions...),
	})
	require.NoError(t, err)

	f.engine, err = rewards.NewEngine(rewards.EngineConfig{
		Logger:        log,
		Clock:         f.clock,
		Store:         f.store,
		Pool:          pool,
		Supply:        f.tracker,
		EpochDuration: time.Hour,
		OnAdvance: func(_ context.Context, _, opened rewards.Epoch) {
			f.advanced = append(f.advanced, opened)
		},
	})
	require.NoError(t, err)

	f.claims, err = rewards.NewClaimLedger(log, f.store, f.clock)
	require.NoError(t, err)

	f.dist, err = rewards.NewDistributor(rewards.DistributorConfig{
		Logger:     log,
		Clock:      f.clock,
		Tracker:    f.tracker,
		Rates:      f.engine,
		Claims:     f.claims,
		Pool:       pool,
		Counters:   f.store,
		Settler:    f.settler,
		Runs:       f.store,
		Authority:  authority,
		Exclusions: opts.exclusions,
		DustFloor:  d(opts.dustFloor),
	})
	require.NoError(t, err)

	burn, err := rewards.NewBurnCalculator(opts.oracle, rewardMint, baseMint, sourceMint, decimal.Zero)
	require.NoError(t, err)

	f.svc, err = rewards.NewService(rewards.ServiceConfig{
		Logger:        log,
		Clock:         f.clock,
		Engine:        f.engine,
		Tracker:       f.tracker,
		Distributor:   f.dist,
		Claims:        f.claims,
		Burn:          burn,
		TxBuilder:     f.builder,
		Store:         f.store,
		Pool:          pool,
		PayoutMode:    opts.payoutMode,
		EpochDuration: time.Hour,
	})
	require.NoError(t, err)
	return f
}

// seedClaimable sets standing 1000, supply 10000 and pool 500, then loads epoch 1.
func (f *fixture) seedClaimable(t *testing.T, address string) {
	t.Helper()
	f.ledger.supply = d("10000")
	f.ledger.set(authority, rewardMint, "500")
	f.ledger.set(address, sourceMint, "1000")
	f.ledger.setHolders(rewards.Holding{Address: address, Amount: d("1000")})
	require.NoError(t, f.engine.Load(context.Background()))
}
