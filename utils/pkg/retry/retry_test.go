package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestFlywheel_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestFlywheel_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("retries retryable errors", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		want := errors.New("invalid mint")
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return want
		})
		require.ErrorIs(t, err, want)
		require.Equal(t, 1, attempts)
	})

	t.Run("wraps last error after exhausting attempts", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return &StatusError{Code: http.StatusServiceUnavailable}
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		require.Equal(t, 3, attempts)
	})

	t.Run("honours custom classifier", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig()
		cfg.Retryable = func(error) bool { return true }
		attempts := 0
		_ = Do(context.Background(), cfg, func() error {
			attempts++
			return errors.New("anything")
		})
		require.Equal(t, 3, attempts)
	})

	t.Run("returns context error while backing off", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second}
		err := Do(ctx, cfg, func() error {
			cancel()
			return errors.New("timeout")
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestFlywheel_Retry_DoValue(t *testing.T) {
	t.Parallel()
	attempts := 0
	v, err := DoValue(context.Background(), fastConfig(), func() (int, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("EOF")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFlywheel_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"429", &StatusError{Code: http.StatusTooManyRequests}, true},
		{"502", &StatusError{Code: http.StatusBadGateway}, true},
		{"400", &StatusError{Code: http.StatusBadRequest}, false},
		{"blockhash", errors.New("Blockhash not found"), true},
		{"plain", errors.New("bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestFlywheel_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()
	for attempt := 1; attempt < 10; attempt++ {
		d := calculateBackoff(100*time.Millisecond, time.Second, attempt)
		require.LessOrEqual(t, d, time.Second)
		require.Greater(t, d, time.Duration(0))
	}
}
