package pumpportal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/flywheel/flywheel/pkg/sol"
	"github.com/malbeclabs/flywheel/utils/pkg/retry"
	"github.com/shopspring/decimal"
)

const (
	DefaultURL         = "https://pumpportal.fun/api"
	DefaultPriorityFee = 0.0001
	defaultPool        = "pump"
)

type ClientConfig struct {
	Logger      *slog.Logger
	BaseURL     string
	HTTPClient  *http.Client
	Sender      *sol.Sender
	Key         solana.PrivateKey
	SlippageBps int
	PriorityFee float64
	Timeout     time.Duration
	Retry       retry.Config
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Sender == nil {
		return errors.New("sender is required")
	}
	if len(cfg.Key) != 64 {
		return errors.New("signing key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 1000
	}
	if cfg.PriorityFee <= 0 {
		cfg.PriorityFee = DefaultPriorityFee
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client requests locally signable transactions from the PumpPortal
// trade-local API, signs them with the configured key and submits them.
type Client struct {
	log *slog.Logger
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

type tradeRequest struct {
	PublicKey        string  `json:"publicKey"`
	Action           string  `json:"action"`
	Mint             string  `json:"mint"`
	DenominatedInSol string  `json:"denominatedInSol,omitempty"`
	Amount           float64 `json:"amount,omitempty"`
	Slippage         float64 `json:"slippage,omitempty"`
	PriorityFee      float64 `json:"priorityFee"`
	Pool             string  `json:"pool"`
}

// ClaimFees collects the creator fees accrued for mint.
func (c *Client) ClaimFees(ctx context.Context, mint string) (string, error) {
	sig, err := c.trade(ctx, tradeRequest{
		PublicKey:   c.cfg.Key.PublicKey().String(),
		Action:      "collectCreatorFee",
		Mint:        mint,
		PriorityFee: c.cfg.PriorityFee,
		Pool:        defaultPool,
	})
	if err != nil {
		return "", fmt.Errorf("failed to claim creator fees: %w", err)
	}
	c.log.Info("pumpportal: creator fees claimed", "mint", mint, "signature", sig)
	return sig, nil
}

// Buy spends solAmount SOL on mint.
func (c *Client) Buy(ctx context.Context, mint string, solAmount decimal.Decimal) (string, error) {
	if !solAmount.IsPositive() {
		return "", fmt.Errorf("buy amount must be positive, got %s", solAmount)
	}
	sig, err := c.trade(ctx, tradeRequest{
		PublicKey:        c.cfg.Key.PublicKey().String(),
		Action:           "buy",
		Mint:             mint,
		DenominatedInSol: "true",
		Amount:           solAmount.InexactFloat64(),
		Slippage:         float64(c.cfg.SlippageBps) / 100,
		PriorityFee:      c.cfg.PriorityFee,
		Pool:             defaultPool,
	})
	if err != nil {
		return "", fmt.Errorf("failed to buy %s: %w", mint, err)
	}
	c.log.Info("pumpportal: buy sent", "mint", mint, "sol", solAmount.String(), "signature", sig)
	return sig, nil
}

func (c *Client) trade(ctx context.Context, req tradeRequest) (string, error) {
	raw, err := retry.DoValue(ctx, c.cfg.Retry, func() ([]byte, error) {
		return c.fetch(ctx, req)
	})
	if err != nil {
		return "", err
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}
	if err := sol.Sign(tx, c.cfg.Key); err != nil {
		return "", err
	}
	return c.cfg.Sender.SendSigned(ctx, tx)
}

func (c *Client) fetch(ctx context.Context, req tradeRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/trade-local", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if len(payload) == 0 {
		return nil, errors.New("empty transaction payload")
	}
	return payload, nil
}
