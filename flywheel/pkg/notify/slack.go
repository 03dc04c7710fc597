package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	"github.com/malbeclabs/flywheel/utils/pkg/retry"
)

const (
	colorGood    = "good"
	colorWarning = "warning"
	colorDanger  = "danger"
)

type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	// Service labels every message, e.g. the deployment name.
	Service string
	Timeout time.Duration
	Retry   retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.Service == "" {
		cfg.Service = "flywheel"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = isRetryable
	}
	return nil
}

// Slack posts operator notifications to an incoming webhook. Delivery
// failures are logged and never propagate to the caller.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

// EpochAdvanced reports an epoch transition and the newly frozen rate.
func (s *Slack) EpochAdvanced(ctx context.Context, closed, opened rewards.Epoch) {
	s.post(ctx, "epoch_advanced", &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] epoch %d closed, epoch %d opened", s.cfg.Service, closed.ID, opened.ID),
		Attachments: []slack.Attachment{{
			Color: colorGood,
			Fields: []slack.AttachmentField{
				{Title: "Rate", Value: opened.Rate.String(), Short: true},
				{Title: "Pool", Value: opened.PoolBalance.String(), Short: true},
				{Title: "Eligible supply", Value: opened.EligibleSupply.String(), Short: true},
				{Title: "Started", Value: opened.StartTime.UTC().Format(time.RFC3339), Short: true},
			},
		}},
	})
}

// BatchFailed reports a push batch that did not commit.
func (s *Slack) BatchFailed(ctx context.Context, runID uuid.UUID, res rewards.BatchResult) {
	if res.Err == nil {
		return
	}
	s.post(ctx, "batch_failed", &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] distribution batch %d failed", s.cfg.Service, res.Index),
		Attachments: []slack.Attachment{{
			Color: colorDanger,
			Text:  res.Err.Error(),
			Fields: []slack.AttachmentField{
				{Title: "Run", Value: runID.String(), Short: false},
				{Title: "Recipients", Value: strconv.Itoa(len(res.Recipients)), Short: true},
				{Title: "Amount", Value: res.Attempted().String(), Short: true},
			},
		}},
	})
}

// DistributionCompleted summarizes a push run.
func (s *Slack) DistributionCompleted(ctx context.Context, report *rewards.DistributionReport) {
	if report == nil {
		return
	}
	failed := len(report.Failed())
	color := colorGood
	if failed > 0 {
		color = colorWarning
	}
	s.post(ctx, "distribution", &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] distributed %s of %s to %d holders", s.cfg.Service, report.Distributed.String(), report.Total.String(), len(report.Allocations)),
		Attachments: []slack.Attachment{{
			Color: color,
			Fields: []slack.AttachmentField{
				{Title: "Batches", Value: strconv.Itoa(len(report.Batches)), Short: true},
				{Title: "Failed", Value: strconv.Itoa(failed), Short: true},
				{Title: "Dust skipped", Value: strconv.Itoa(report.Dust), Short: true},
			},
		}},
	})
}

func (s *Slack) post(ctx context.Context, kind string, msg *slack.WebhookMessage) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	err := retry.Do(ctx, s.cfg.Retry, func() error {
		return slack.PostWebhookContext(ctx, s.cfg.WebhookURL, msg)
	})
	metrics.RecordNotification(kind, err)
	if err != nil {
		s.log.Warn("notify: failed to post slack webhook", "kind", kind, "error", err)
		return
	}
	s.log.Debug("notify: posted slack webhook", "kind", kind)
}

// isRetryable treats slack 429 and 5xx responses as transient in addition
// to the default network classification.
func isRetryable(err error) bool {
	var sc interface{ HTTPStatusCode() int }
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		return code == 429 || code >= 500
	}
	return retry.IsRetryable(err)
}
