package rewards_test

import (
	"context"
	"testing"
	"time"

	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	fwtesting "github.com/malbeclabs/flywheel/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestFlywheel_Tracker_NewTracker(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	log := fwtesting.NewLogger()

	t.Run("missing ledger", func(t *testing.T) {
		t.Parallel()
		_, err := rewards.NewTracker(rewards.TrackerConfig{Logger: log, Mint: sourceMint, Mode: rewards.StandingModeInstantaneous})
		require.Error(t, err)
	})

	t.Run("accrual requires store and interval", func(t *testing.T) {
		t.Parallel()
		_, err := rewards.NewTracker(rewards.TrackerConfig{Logger: log, Ledger: ledger, Mint: sourceMint, Mode: rewards.StandingModeAccrual})
		require.Error(t, err)
	})

	t.Run("unknown mode", func(t *testing.T) {
		t.Parallel()
		_, err := rewards.NewTracker(rewards.TrackerConfig{Logger: log, Ledger: ledger, Mint: sourceMint, Mode: "weighted"})
		require.ErrorContains(t, err, "unknown standing mode")
	})
}

func TestFlywheel_Tracker_Instantaneous(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("standing is the fresh balance", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})
		f.ledger.set("alice", sourceMint, "1000")
		requireDecimal(t, "1000", f.tracker.Standing(ctx, "alice"))

		f.ledger.set("alice", sourceMint, "250.5")
		requireDecimal(t, "250.5", f.tracker.Standing(ctx, "alice"))
	})

	t.Run("read failure yields zero", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})
		f.ledger.set("alice", sourceMint, "1000")
		f.ledger.failBalance("alice", errRPC)
		requireDecimal(t, "0", f.tracker.Standing(ctx, "alice"))
	})

	t.Run("eligible supply excludes a dominant holder", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})
		f.ledger.supply = d("10000")
		f.ledger.setHolders(
			rewards.Holding{Address: "curve", Amount: d("6000")},
			rewards.Holding{Address: "alice", Amount: d("1000")},
		)
		got, err := f.tracker.EligibleSupply(ctx)
		require.NoError(t, err)
		requireDecimal(t, "4000", got)
	})

	t.Run("eligible supply keeps a holder at exactly half", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})
		f.ledger.supply = d("10000")
		f.ledger.setHolders(rewards.Holding{Address: "whale", Amount: d("5000")})
		got, err := f.tracker.EligibleSupply(ctx)
		require.NoError(t, err)
		requireDecimal(t, "10000", got)
	})

	t.Run("eligible supply failure is an oracle error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})
		f.ledger.supplyErr = errRPC
		_, err := f.tracker.EligibleSupply(ctx)
		require.ErrorIs(t, err, rewards.ErrOracleUnavailable)
	})

	t.Run("leaders are ordered by balance", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})
		f.ledger.setHolders(
			rewards.Holding{Address: "a", Amount: d("10")},
			rewards.Holding{Address: "b", Amount: d("30")},
			rewards.Holding{Address: "c", Amount: d("20")},
		)
		leaders, err := f.tracker.Leaders(ctx, 2)
		require.NoError(t, err)
		require.Len(t, leaders, 2)
		require.Equal(t, "b", leaders[0].Address)
		require.Equal(t, "c", leaders[1].Address)
	})

	t.Run("holders merges accounts per owner", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})
		f.ledger.setHolders(
			rewards.Holding{Address: "a", Amount: d("10")},
			rewards.Holding{Address: "a", Amount: d("5")},
			rewards.Holding{Address: "z", Amount: d("0")},
		)
		holders, err := f.tracker.Holders(ctx)
		require.NoError(t, err)
		require.Len(t, holders, 1)
		requireDecimal(t, "15", holders[0].Score)
	})
}

func TestFlywheel_Tracker_Accrual(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	opts := fixtureOpts{standingMode: rewards.StandingModeAccrual, interval: 5 * time.Minute, exclusions: []string{"treasury"}}

	t.Run("tick accrues balance times interval minutes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, opts)
		f.ledger.setHolders(
			rewards.Holding{Address: "alice", Amount: d("100")},
			rewards.Holding{Address: "bob", Amount: d("10")},
		)

		require.NoError(t, f.tracker.Tick(ctx))
		requireDecimal(t, "500", f.tracker.Standing(ctx, "alice"))

		f.ledger.setHolders(rewards.Holding{Address: "alice", Amount: d("200")})
		require.NoError(t, f.tracker.Tick(ctx))
		requireDecimal(t, "1500", f.tracker.Standing(ctx, "alice"))
		requireDecimal(t, "50", f.tracker.Standing(ctx, "bob"))
		requireDecimal(t, "0", f.tracker.Standing(ctx, "nobody"))
	})

	t.Run("scores survive a restart", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, opts)
		f.ledger.setHolders(rewards.Holding{Address: "alice", Amount: d("100")})
		require.NoError(t, f.tracker.Tick(ctx))

		restarted, err := rewards.NewTracker(rewards.TrackerConfig{
			Logger:   fwtesting.NewLogger(),
			Clock:    f.clock,
			Ledger:   f.ledger,
			Store:    f.store,
			Mint:     sourceMint,
			Mode:     rewards.StandingModeAccrual,
			Interval: 5 * time.Minute,
		})
		require.NoError(t, err)
		requireDecimal(t, "500", restarted.Standing(ctx, "alice"))
	})

	t.Run("eligible supply sums non-excluded scores", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, opts)
		f.ledger.setHolders(
			rewards.Holding{Address: "alice", Amount: d("100")},
			rewards.Holding{Address: "treasury", Amount: d("1000")},
		)
		require.NoError(t, f.tracker.Tick(ctx))

		supply, err := f.tracker.EligibleSupply(ctx)
		require.NoError(t, err)
		requireDecimal(t, "500", supply)
	})

	t.Run("eligible supply matches padded exclusions", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{standingMode: rewards.StandingModeAccrual, interval: 5 * time.Minute, exclusions: []string{" treasury\t"}})
		f.ledger.setHolders(
			rewards.Holding{Address: "alice", Amount: d("100")},
			rewards.Holding{Address: "treasury", Amount: d("1000")},
		)
		require.NoError(t, f.tracker.Tick(ctx))

		supply, err := f.tracker.EligibleSupply(ctx)
		require.NoError(t, err)
		requireDecimal(t, "500", supply)
	})

	t.Run("reset zeroes scores and keeps accruing afterwards", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, opts)
		f.ledger.setHolders(rewards.Holding{Address: "alice", Amount: d("100")})
		require.NoError(t, f.tracker.Tick(ctx))
		require.NoError(t, f.tracker.Reset(ctx))

		requireDecimal(t, "0", f.tracker.Standing(ctx, "alice"))
		holders, err := f.tracker.Holders(ctx)
		require.NoError(t, err)
		require.Empty(t, holders)

		saved, err := f.store.LoadStandings(ctx)
		require.NoError(t, err)
		require.Len(t, saved, 1)
		requireDecimal(t, "0", saved[0].Score)

		require.NoError(t, f.tracker.Tick(ctx))
		requireDecimal(t, "500", f.tracker.Standing(ctx, "alice"))
	})

	t.Run("tick fails when holders cannot be read", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, opts)
		f.ledger.holdersErr = errRPC
		err := f.tracker.Tick(ctx)
		require.ErrorIs(t, err, rewards.ErrOracleUnavailable)
	})
}
