package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	"github.com/malbeclabs/flywheel/flywheel/pkg/sol"
	"github.com/malbeclabs/flywheel/utils/pkg/retry"
	"github.com/shopspring/decimal"
)

const DefaultJupiterURL = "https://quote-api.jup.ag/v6"

// MintResolver provides the decimals used to convert quote amounts.
type MintResolver interface {
	ResolveString(ctx context.Context, mint string) (sol.TokenInfo, error)
}

type JupiterConfig struct {
	Logger      *slog.Logger
	BaseURL     string
	Resolver    MintResolver
	HTTPClient  *http.Client
	SlippageBps int
	Timeout     time.Duration
	Retry       retry.Config
}

func (cfg *JupiterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Resolver == nil {
		return errors.New("mint resolver is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultJupiterURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 50
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// JupiterOracle prices swaps through the Jupiter quote API.
type JupiterOracle struct {
	log *slog.Logger
	cfg JupiterConfig
}

var _ rewards.PriceOracle = (*JupiterOracle)(nil)

func NewJupiterOracle(cfg JupiterConfig) (*JupiterOracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &JupiterOracle{log: cfg.Logger, cfg: cfg}, nil
}

type quoteResponse struct {
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	Error      string `json:"error,omitempty"`
}

// Quote returns how much of to a swap of amount from would yield.
func (o *JupiterOracle) Quote(ctx context.Context, from, to string, amount decimal.Decimal) (out decimal.Decimal, err error) {
	start := time.Now()
	span := sentry.StartSpan(ctx, "pricing.quote", sentry.WithDescription(fmt.Sprintf("quote %s -> %s", from, to)))
	span.SetData("pricing.amount", amount.String())
	defer func() {
		metrics.RecordQuote(time.Since(start), err)
		if err != nil {
			span.Status = sentry.SpanStatusInternalError
		} else {
			span.Status = sentry.SpanStatusOK
		}
		span.Finish()
	}()
	ctx = span.Context()

	fromInfo, err := o.cfg.Resolver.ResolveString(ctx, from)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to resolve %s: %w", from, err)
	}
	toInfo, err := o.cfg.Resolver.ResolveString(ctx, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to resolve %s: %w", to, err)
	}
	raw, err := sol.ToRaw(amount, fromInfo.Decimals)
	if err != nil {
		return decimal.Zero, err
	}
	if raw == 0 {
		return decimal.Zero, fmt.Errorf("amount %s rounds to zero base units", amount)
	}

	q := url.Values{}
	q.Set("inputMint", from)
	q.Set("outputMint", to)
	q.Set("amount", strconv.FormatUint(raw, 10))
	q.Set("slippageBps", strconv.Itoa(o.cfg.SlippageBps))
	endpoint := o.cfg.BaseURL + "/quote?" + q.Encode()

	resp, err := retry.DoValue(ctx, o.cfg.Retry, func() (*quoteResponse, error) {
		return o.fetch(ctx, endpoint)
	})
	if err != nil {
		o.log.Warn("pricing: quote failed", "from", from, "to", to, "amount", amount.String(), "error", err)
		return decimal.Zero, err
	}

	out, err = sol.FromRawString(resp.OutAmount, toInfo.Decimals)
	if err != nil {
		return decimal.Zero, err
	}
	o.log.Debug("pricing: quote", "from", from, "to", to, "in", amount.String(), "out", out.String())
	return out, nil
}

func (o *JupiterOracle) fetch(ctx context.Context, endpoint string) (*quoteResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("quote error: %s", out.Error)
	}
	if out.OutAmount == "" {
		return nil, errors.New("quote has no outAmount")
	}
	return &out, nil
}
