package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Service is the flywheel surface exposed over HTTP.
type Service interface {
	Ready() bool
	Eligibility(ctx context.Context, address string) (rewards.Eligibility, error)
	Claim(ctx context.Context, address string) (*rewards.ClaimResult, error)
	Stats(ctx context.Context) (*rewards.Stats, error)
}

type Config struct {
	Logger            *slog.Logger
	Service           Service
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	RequestTimeout    time.Duration
	VersionInfo       VersionInfo
	// CORSOrigins lists allowed browser origins; empty allows any origin.
	CORSOrigins []string
	// RateLimitPerMinute and RateLimitBurst bound balance and claim
	// requests per client IP. Zero disables rate limiting.
	RateLimitPerMinute int
	RateLimitBurst     int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Service == nil {
		return errors.New("service is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.RateLimitPerMinute < 0 || cfg.RateLimitBurst < 0 {
		return errors.New("rate limit must not be negative")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimitPerMinute > 0 && cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = cfg.RateLimitPerMinute
	}
	return nil
}
