package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
)

const (
	// WrappedSOLMint is the default base asset for pricing.
	WrappedSOLMint = "So11111111111111111111111111111111111111112"

	EnvPrefix     = "FLYWHEEL_"
	EnvConfigPath = "FLYWHEEL_CONFIG"
)

// Config is the process configuration. Amounts are decimal strings so that
// YAML numbers and env strings decode the same way; Validate parses them
// into Amounts.
type Config struct {
	ListenAddr  string `koanf:"listen_addr"`
	MetricsAddr string `koanf:"metrics_addr"`

	RPCURL       string `koanf:"rpc_url"`
	SourceMint   string `koanf:"source_mint"`
	RewardMint   string `koanf:"reward_mint"`
	BaseMint     string `koanf:"base_mint"`
	AuthorityKey string `koanf:"authority_key"`

	StandingMode  string        `koanf:"standing_mode"`
	PayoutMode    string        `koanf:"payout_mode"`
	TickInterval  time.Duration `koanf:"tick_interval"`
	EpochDuration time.Duration `koanf:"epoch_duration"`
	CallTimeout   time.Duration `koanf:"call_timeout"`

	DustFloor         string   `koanf:"dust_floor"`
	BurnRatio         string   `koanf:"burn_ratio"`
	BatchSize         int      `koanf:"batch_size"`
	ExcludedAddresses []string `koanf:"excluded_addresses"`

	FeeClaimEnabled bool   `koanf:"fee_claim_enabled"`
	MinFeesToClaim  string `koanf:"min_fees_to_claim"`
	FeeBuffer       string `koanf:"fee_buffer"`
	FeeReserve      string `koanf:"fee_reserve"`
	SlippageBps     int    `koanf:"slippage_bps"`
	BuySlippageBps  int    `koanf:"buy_slippage_bps"`

	LeaderboardSize  int `koanf:"leaderboard_size"`
	LogRetention     int `koanf:"log_retention"`
	HistoryRetention int `koanf:"history_retention"`

	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     string `koanf:"postgres_port"`
	PostgresDatabase string `koanf:"postgres_database"`
	PostgresUsername string `koanf:"postgres_username"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	ClickHouseAddr     string `koanf:"clickhouse_addr"`
	ClickHouseDatabase string `koanf:"clickhouse_database"`
	ClickHouseUsername string `koanf:"clickhouse_username"`
	ClickHousePassword string `koanf:"clickhouse_password"`
	ClickHouseSecure   bool   `koanf:"clickhouse_secure"`

	JupiterURL    string `koanf:"jupiter_url"`
	PumpPortalURL string `koanf:"pumpportal_url"`
	PumpProgramID string `koanf:"pump_program_id"`

	SlackWebhookURL   string `koanf:"slack_webhook_url"`
	SentryDSN         string `koanf:"sentry_dsn"`
	SentryEnvironment string `koanf:"sentry_environment"`

	RateLimitPerMinute int      `koanf:"rate_limit_per_minute"`
	RateLimitBurst     int      `koanf:"rate_limit_burst"`
	CORSOrigins        []string `koanf:"cors_origins"`

	Amounts Amounts `koanf:"-"`
}

// Amounts holds the parsed decimal settings.
type Amounts struct {
	DustFloor      decimal.Decimal
	BurnRatio      decimal.Decimal
	MinFeesToClaim decimal.Decimal
	FeeBuffer      decimal.Decimal
	FeeReserve     decimal.Decimal
}

// Default returns a Config with every optional setting filled in.
func Default() *Config {
	return &Config{
		ListenAddr:         ":8080",
		MetricsAddr:        ":9090",
		BaseMint:           WrappedSOLMint,
		StandingMode:       string(rewards.StandingModeAccrual),
		PayoutMode:         string(rewards.PayoutModePull),
		TickInterval:       5 * time.Minute,
		EpochDuration:      24 * time.Hour,
		CallTimeout:        15 * time.Second,
		DustFloor:          "0",
		BurnRatio:          "0.2",
		BatchSize:          rewards.MaxBatchSize,
		FeeClaimEnabled:    true,
		MinFeesToClaim:     "0.01",
		FeeBuffer:          "0.01",
		FeeReserve:         "0.05",
		SlippageBps:        50,
		BuySlippageBps:     1000,
		LeaderboardSize:    10,
		LogRetention:       1000,
		HistoryRetention:   1000,
		PostgresPort:       "5432",
		PostgresSSLMode:    "disable",
		ClickHouseDatabase: "default",
		ClickHouseUsername: "default",
		SentryEnvironment:  "production",
		RateLimitPerMinute: 30,
		RateLimitBurst:     10,
	}
}

// PostgresEnabled reports whether a durable Postgres store is configured.
func (c *Config) PostgresEnabled() bool { return c.PostgresDatabase != "" }

// ClickHouseEnabled reports whether the analytics sink is configured.
func (c *Config) ClickHouseEnabled() bool { return c.ClickHouseAddr != "" }

func (c *Config) Validate() error {
	var errs []error
	require := func(v, name string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	require(c.RPCURL, "rpc_url")
	require(c.SourceMint, "source_mint")
	require(c.RewardMint, "reward_mint")
	require(c.BaseMint, "base_mint")
	require(c.AuthorityKey, "authority_key")

	switch rewards.StandingMode(c.StandingMode) {
	case rewards.StandingModeAccrual, rewards.StandingModeInstantaneous:
	default:
		errs = append(errs, fmt.Errorf("standing_mode must be accrual or instantaneous, got %q", c.StandingMode))
	}
	switch rewards.PayoutMode(c.PayoutMode) {
	case rewards.PayoutModePull, rewards.PayoutModePush:
	default:
		errs = append(errs, fmt.Errorf("payout_mode must be pull or push, got %q", c.PayoutMode))
	}

	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be greater than 0"))
	}
	if c.EpochDuration <= 0 {
		errs = append(errs, errors.New("epoch_duration must be greater than 0"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be greater than 0"))
	}
	if c.BatchSize < 1 || c.BatchSize > rewards.MaxBatchSize {
		errs = append(errs, fmt.Errorf("batch_size must be between 1 and %d", rewards.MaxBatchSize))
	}
	if c.SlippageBps < 0 || c.SlippageBps > 10_000 || c.BuySlippageBps < 0 || c.BuySlippageBps > 10_000 {
		errs = append(errs, errors.New("slippage must be between 0 and 10000 bps"))
	}
	if c.LeaderboardSize <= 0 || c.LogRetention <= 0 || c.HistoryRetention <= 0 {
		errs = append(errs, errors.New("leaderboard_size, log_retention and history_retention must be greater than 0"))
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}

	parse := func(v, name string, dst *decimal.Decimal) {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		if d.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
			return
		}
		*dst = d
	}
	parse(c.DustFloor, "dust_floor", &c.Amounts.DustFloor)
	parse(c.BurnRatio, "burn_ratio", &c.Amounts.BurnRatio)
	parse(c.MinFeesToClaim, "min_fees_to_claim", &c.Amounts.MinFeesToClaim)
	parse(c.FeeBuffer, "fee_buffer", &c.Amounts.FeeBuffer)
	parse(c.FeeReserve, "fee_reserve", &c.Amounts.FeeReserve)
	if !c.Amounts.BurnRatio.IsPositive() || c.Amounts.BurnRatio.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("burn_ratio must be in (0, 1]"))
	}

	if c.PostgresEnabled() && c.PostgresUsername == "" {
		errs = append(errs, errors.New("postgres_username is required when postgres_database is set"))
	}

	c.ExcludedAddresses = compact(c.ExcludedAddresses)
	c.CORSOrigins = compact(c.CORSOrigins)

	return errors.Join(errs...)
}

// compact trims entries and splits comma-separated values from env vars.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
