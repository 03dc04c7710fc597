package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/flywheel/flywheel/pkg/notify"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	"github.com/malbeclabs/flywheel/utils/pkg/retry"
	fwtesting "github.com/malbeclabs/flywheel/utils/pkg/testing"
)

type webhook struct {
	mu       sync.Mutex
	messages []slack.WebhookMessage
	statuses []int
}

func (w *webhook) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		defer w.mu.Unlock()

		status := http.StatusOK
		if len(w.statuses) > 0 {
			status, w.statuses = w.statuses[0], w.statuses[1:]
		}
		if status != http.StatusOK {
			rw.WriteHeader(status)
			return
		}

		var msg slack.WebhookMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("failed to decode webhook body: %v", err)
		}
		w.messages = append(w.messages, msg)
		rw.WriteHeader(http.StatusOK)
	}
}

func newNotifier(t *testing.T, hook *webhook) *notify.Slack {
	t.Helper()
	srv := httptest.NewServer(hook.handler(t))
	t.Cleanup(srv.Close)

	n, err := notify.NewSlack(notify.SlackConfig{
		Logger:     fwtesting.NewLogger(),
		WebhookURL: srv.URL,
		Service:    "flywheel-test",
		Retry:      retry.Config{MaxAttempts: 3},
	})
	require.NoError(t, err)
	return n
}

func TestFlywheel_Notify_EpochAdvanced(t *testing.T) {
	t.Parallel()

	hook := &webhook{}
	n := newNotifier(t, hook)

	start := time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC)
	n.EpochAdvanced(context.Background(),
		rewards.Epoch{ID: 1},
		rewards.Epoch{ID: 2, Rate: decimal.RequireFromString("0.1"), PoolBalance: decimal.NewFromInt(500), EligibleSupply: decimal.NewFromInt(5000), StartTime: start},
	)

	require.Len(t, hook.messages, 1)
	msg := hook.messages[0]
	require.Equal(t, "[flywheel-test] epoch 1 closed, epoch 2 opened", msg.Text)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "0.1", msg.Attachments[0].Fields[0].Value)
	require.Equal(t, "2025-06-01T01:00:00Z", msg.Attachments[0].Fields[3].Value)
}

func TestFlywheel_Notify_BatchFailed(t *testing.T) {
	t.Parallel()

	t.Run("posts failed batch", func(t *testing.T) {
		t.Parallel()

		hook := &webhook{}
		n := newNotifier(t, hook)

		recipients := make([]rewards.Allocation, 12)
		for i := range recipients {
			recipients[i] = rewards.Allocation{Address: strconv.Itoa(i), Amount: decimal.NewFromInt(6)}
		}
		n.BatchFailed(context.Background(), uuid.New(), rewards.BatchResult{
			Index:      1,
			Recipients: recipients,
			Total:      decimal.Zero,
			Err:        errors.New("insufficient funds"),
		})

		require.Len(t, hook.messages, 1)
		require.Equal(t, "[flywheel-test] distribution batch 1 failed", hook.messages[0].Text)
		require.Equal(t, "insufficient funds", hook.messages[0].Attachments[0].Text)
		require.Equal(t, "danger", hook.messages[0].Attachments[0].Color)
		require.Equal(t, "12", hook.messages[0].Attachments[0].Fields[1].Value)
		require.Equal(t, "72", hook.messages[0].Attachments[0].Fields[2].Value, "amount is what the batch tried to pay")
	})

	t.Run("successful batch is silent", func(t *testing.T) {
		t.Parallel()

		hook := &webhook{}
		n := newNotifier(t, hook)

		n.BatchFailed(context.Background(), uuid.New(), rewards.BatchResult{Index: 0, Signature: "sig"})
		require.Empty(t, hook.messages)
	})
}

func TestFlywheel_Notify_DistributionCompleted(t *testing.T) {
	t.Parallel()

	hook := &webhook{}
	n := newNotifier(t, hook)

	n.DistributionCompleted(context.Background(), &rewards.DistributionReport{
		Total:       decimal.NewFromInt(200),
		Distributed: decimal.NewFromInt(180),
		Allocations: make([]rewards.Allocation, 30),
		Batches: []rewards.BatchResult{
			{Index: 0}, {Index: 1, Err: errors.New("boom")}, {Index: 2},
		},
	})

	require.Len(t, hook.messages, 1)
	require.Equal(t, "[flywheel-test] distributed 180 of 200 to 30 holders", hook.messages[0].Text)
	require.Equal(t, "warning", hook.messages[0].Attachments[0].Color)
	require.Equal(t, "1", hook.messages[0].Attachments[0].Fields[1].Value)
}

func TestFlywheel_Notify_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	hook := &webhook{statuses: []int{http.StatusServiceUnavailable}}
	n := newNotifier(t, hook)

	n.EpochAdvanced(context.Background(), rewards.Epoch{ID: 4}, rewards.Epoch{ID: 5})
	require.Len(t, hook.messages, 1)
}

func TestFlywheel_Notify_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	hook := &webhook{statuses: []int{http.StatusNotFound}}
	n := newNotifier(t, hook)

	n.EpochAdvanced(context.Background(), rewards.Epoch{ID: 4}, rewards.Epoch{ID: 5})
	require.Empty(t, hook.messages)
	require.Empty(t, hook.statuses)
}

func TestFlywheel_Notify_ConfigValidate(t *testing.T) {
	t.Parallel()

	_, err := notify.NewSlack(notify.SlackConfig{Logger: fwtesting.NewLogger()})
	require.ErrorContains(t, err, "webhook url is required")
}
