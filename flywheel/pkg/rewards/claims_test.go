package rewards_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	"github.com/stretchr/testify/require"
)

func TestFlywheel_Claims_MarkClaimed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("records once per epoch and address", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})

		rec, err := f.claims.MarkClaimed(ctx, 1, " alice ", d("50"), d("80"))
		require.NoError(t, err)
		require.Equal(t, "alice", rec.Address)
		require.True(t, rec.Timestamp.Equal(epochStart))

		claimed, err := f.claims.HasClaimed(ctx, 1, "alice")
		require.NoError(t, err)
		require.True(t, claimed)

		_, err = f.claims.MarkClaimed(ctx, 1, "alice", d("50"), d("80"))
		require.ErrorIs(t, err, rewards.ErrDuplicateClaim)

		_, err = f.claims.MarkClaimed(ctx, 2, "alice", d("50"), d("80"))
		require.NoError(t, err, "a new epoch allows a new claim")

		c, err := f.store.Counters(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), c.Claims)
		requireDecimal(t, "100", c.Distributed)
		requireDecimal(t, "160", c.Burned)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})
		_, err := f.claims.MarkClaimed(ctx, 1, "alice", d("0"), d("1"))
		require.Error(t, err)
		claimed, err := f.claims.HasClaimed(ctx, 1, "alice")
		require.NoError(t, err)
		require.False(t, claimed)
	})

	t.Run("concurrent claims succeed exactly once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{})

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			dups      atomic.Int32
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.claims.MarkClaimed(ctx, 1, "alice", d("50"), d("1"))
				if err == nil {
					successes.Add(1)
				} else if errors.Is(err, rewards.ErrDuplicateClaim) {
					dups.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), successes.Load())
		require.Equal(t, int32(19), dups.Load())
	})
}
