package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/malbeclabs/flywheel/flywheel/pkg/sol"
	"github.com/malbeclabs/flywheel/utils/pkg/retry"
	fwtesting "github.com/malbeclabs/flywheel/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	wsol   = "So11111111111111111111111111111111111111112"
	reward = "RwdMint1111111111111111111111111111111111111"
)

type mockResolver struct {
	decimals map[string]uint8
}

func (m mockResolver) ResolveString(_ context.Context, mint string) (sol.TokenInfo, error) {
	d, ok := m.decimals[mint]
	if !ok {
		return sol.TokenInfo{}, errors.New("unknown mint")
	}
	return sol.TokenInfo{Decimals: d}, nil
}

func newTestOracle(t *testing.T, url string) *JupiterOracle {
	t.Helper()
	o, err := NewJupiterOracle(JupiterConfig{
		Logger:   fwtesting.NewLogger(),
		BaseURL:  url + "/",
		Resolver: mockResolver{decimals: map[string]uint8{wsol: 9, reward: 6}},
		Retry:    retry.Config{MaxAttempts: 3},
	})
	require.NoError(t, err)
	return o
}

func TestFlywheel_Pricing_Jupiter_Quote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("converts amounts through base units", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/quote", r.URL.Path)
			q := r.URL.Query()
			require.Equal(t, reward, q.Get("inputMint"))
			require.Equal(t, wsol, q.Get("outputMint"))
			require.Equal(t, "50000000", q.Get("amount"))
			require.Equal(t, "50", q.Get("slippageBps"))
			_, _ = w.Write([]byte(`{"inputMint":"` + reward + `","outAmount":"2000000000"}`))
		}))
		defer srv.Close()

		out, err := newTestOracle(t, srv.URL).Quote(ctx, reward, wsol, decimal.NewFromInt(50))
		require.NoError(t, err)
		require.True(t, out.Equal(decimal.NewFromInt(2)), out.String())
	})

	t.Run("retries transient upstream errors", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"outAmount":"1000000"}`))
		}))
		defer srv.Close()

		out, err := newTestOracle(t, srv.URL).Quote(ctx, wsol, reward, decimal.NewFromInt(1))
		require.NoError(t, err)
		require.True(t, out.Equal(decimal.NewFromInt(1)))
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, `{"error":"no route"}`, http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := newTestOracle(t, srv.URL).Quote(ctx, wsol, reward, decimal.NewFromInt(1))
		var se *retry.StatusError
		require.ErrorAs(t, err, &se)
		require.Equal(t, http.StatusBadRequest, se.Code)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("error body", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"Could not find any route"}`))
		}))
		defer srv.Close()

		_, err := newTestOracle(t, srv.URL).Quote(ctx, wsol, reward, decimal.NewFromInt(1))
		require.ErrorContains(t, err, "Could not find any route")
	})

	t.Run("rejects amounts below one base unit", func(t *testing.T) {
		t.Parallel()
		_, err := newTestOracle(t, "http://127.0.0.1:0").Quote(ctx, reward, wsol, decimal.RequireFromString("0.0000001"))
		require.ErrorContains(t, err, "rounds to zero")
	})

	t.Run("unknown mint", func(t *testing.T) {
		t.Parallel()
		_, err := newTestOracle(t, "http://127.0.0.1:0").Quote(ctx, "unknown", wsol, decimal.NewFromInt(1))
		require.Error(t, err)
	})
}
