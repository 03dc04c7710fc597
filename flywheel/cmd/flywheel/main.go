package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/flywheel/flywheel/pkg/analytics"
	"github.com/malbeclabs/flywheel/flywheel/pkg/config"
	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/malbeclabs/flywheel/flywheel/pkg/notify"
	"github.com/malbeclabs/flywheel/flywheel/pkg/pricing"
	"github.com/malbeclabs/flywheel/flywheel/pkg/pumpportal"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	"github.com/malbeclabs/flywheel/flywheel/pkg/scheduler"
	"github.com/malbeclabs/flywheel/flywheel/pkg/server"
	"github.com/malbeclabs/flywheel/flywheel/pkg/sol"
	"github.com/malbeclabs/flywheel/flywheel/pkg/store"
	"github.com/malbeclabs/flywheel/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	configFlag := flag.String("config", "", "path to a YAML config file (or set FLYWHEEL_CONFIG env var)")
	migrateFlag := flag.Bool("migrate", false, "run Postgres and ClickHouse migrations, then exit")
	listenAddrFlag := flag.String("listen-addr", "", "address for the HTTP API (overrides listen_addr)")
	metricsAddrFlag := flag.String("metrics-addr", "", "address for prometheus metrics (overrides metrics_addr)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	if *listenAddrFlag != "" {
		cfg.ListenAddr = *listenAddrFlag
	}
	if *metricsAddrFlag != "" {
		cfg.MetricsAddr = *metricsAddrFlag
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		return migrate(ctx, log, cfg)
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnvironment,
			Release:     version,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	return serve(ctx, log, cfg)
}

func serve(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	authority, err := sol.ParsePrivateKey(cfg.AuthorityKey)
	if err != nil {
		return fmt.Errorf("failed to parse authority key: %w", err)
	}
	authorityPub := authority.PublicKey()

	sourceMint, err := solana.PublicKeyFromBase58(cfg.SourceMint)
	if err != nil {
		return fmt.Errorf("invalid source mint: %w", err)
	}
	rewardMint, err := solana.PublicKeyFromBase58(cfg.RewardMint)
	if err != nil {
		return fmt.Errorf("invalid reward mint: %w", err)
	}
	pumpProgram := pumpportal.DefaultProgramID
	if cfg.PumpProgramID != "" {
		if pumpProgram, err = solana.PublicKeyFromBase58(cfg.PumpProgramID); err != nil {
			return fmt.Errorf("invalid pump program id: %w", err)
		}
	}
	payoutMode := rewards.PayoutMode(cfg.PayoutMode)

	rpc := sol.NewRPC(cfg.RPCURL)
	resolver := sol.NewTokenResolver(rpc)
	ledger, err := sol.NewLedger(sol.LedgerConfig{Logger: log, RPC: rpc, Resolver: resolver})
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	sender, err := sol.NewSender(sol.SenderConfig{Logger: log, RPC: rpc})
	if err != nil {
		return fmt.Errorf("failed to create sender: %w", err)
	}

	oracle, err := pricing.NewJupiterOracle(pricing.JupiterConfig{
		Logger:      log,
		BaseURL:     cfg.JupiterURL,
		Resolver:    resolver,
		SlippageBps: cfg.SlippageBps,
		Timeout:     cfg.CallTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create price oracle: %w", err)
	}

	st, closeStore, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, closeSink, err := openSink(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	var notifier *notify.Slack
	if cfg.SlackWebhookURL != "" {
		notifier, err = notify.NewSlack(notify.SlackConfig{Logger: log, WebhookURL: cfg.SlackWebhookURL})
		if err != nil {
			return fmt.Errorf("failed to create slack notifier: %w", err)
		}
	}

	bondingCurve, err := pumpportal.BondingCurve(sourceMint, pumpProgram)
	if err != nil {
		return fmt.Errorf("failed to derive bonding curve: %w", err)
	}
	exclusions := append([]string{bondingCurve.String()}, cfg.ExcludedAddresses...)

	tracker, err := rewards.NewTracker(rewards.TrackerConfig{
		Logger:      log,
		Ledger:      ledger,
		Store:       st,
		Mint:        cfg.SourceMint,
		Mode:        rewards.StandingMode(cfg.StandingMode),
		Interval:    cfg.TickInterval,
		Exclusions:  append([]string{authorityPub.String()}, exclusions...),
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create standing tracker: %w", err)
	}

	pool := rewards.LedgerPool{Ledger: ledger, Authority: authorityPub.String(), Mint: cfg.RewardMint}

	engine, err := rewards.NewEngine(rewards.EngineConfig{
		Logger:        log,
		Store:         st,
		Pool:          pool,
		Supply:        tracker,
		EpochDuration: cfg.EpochDuration,
		CallTimeout:   cfg.CallTimeout,
		OnAdvance: func(ctx context.Context, closed, opened rewards.Epoch) {
			if notifier != nil {
				notifier.EpochAdvanced(ctx, closed, opened)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create epoch engine: %w", err)
	}

	claims, err := rewards.NewClaimLedger(log, st, nil)
	if err != nil {
		return fmt.Errorf("failed to create claim ledger: %w", err)
	}

	var settler rewards.Settler
	if payoutMode == rewards.PayoutModePush {
		settler, err = sol.NewSettler(sol.SettlerConfig{
			Logger:     log,
			Sender:     sender,
			Resolver:   resolver,
			Authority:  authority,
			RewardMint: rewardMint,
		})
		if err != nil {
			return fmt.Errorf("failed to create settler: %w", err)
		}
	}

	distributor, err := rewards.NewDistributor(rewards.DistributorConfig{
		Logger:     log,
		Tracker:    tracker,
		Rates:      engine,
		Claims:     claims,
		Pool:       pool,
		Counters:   st,
		Settler:    settler,
		Runs:       st,
		Authority:  authorityPub.String(),
		Exclusions: exclusions,
		DustFloor:  cfg.Amounts.DustFloor,
		BatchSize:  cfg.BatchSize,
		OnBatch: func(ctx context.Context, run uuid.UUID, res rewards.BatchResult) {
			if notifier != nil {
				notifier.BatchFailed(ctx, run, res)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create distributor: %w", err)
	}

	schedCfg := scheduler.Config{
		Logger:           log,
		Interval:         cfg.TickInterval,
		Engine:           engine,
		Tracker:          tracker,
		Distributor:      distributor,
		Pool:             pool,
		Activity:         st,
		PayoutMode:       payoutMode,
		Oracle:           oracle,
		SourceMint:       cfg.SourceMint,
		RewardMint:       cfg.RewardMint,
		BaseMint:         cfg.BaseMint,
		MinFeesToClaim:   cfg.Amounts.MinFeesToClaim,
		FeeBuffer:        cfg.Amounts.FeeBuffer,
		FeeReserve:       cfg.Amounts.FeeReserve,
		LogRetention:     cfg.LogRetention,
		HistoryRetention: cfg.HistoryRetention,
		OnHistory: func(ctx context.Context, point rewards.HistoryPoint) {
			if sink == nil {
				return
			}
			if err := sink.RecordHistory(ctx, point); err != nil {
				log.Warn("analytics: failed to record history point", "error", err)
			}
		},
		OnDistribution: func(ctx context.Context, report *rewards.DistributionReport) {
			if notifier != nil {
				notifier.DistributionCompleted(ctx, report)
			}
			if sink == nil {
				return
			}
			if err := sink.RecordDistribution(ctx, report); err != nil {
				log.Warn("analytics: failed to record distribution", "run_id", report.RunID.String(), "error", err)
			}
		},
	}
	if cfg.FeeClaimEnabled {
		detector, err := pumpportal.NewVaultDetector(rpc, authorityPub, pumpProgram)
		if err != nil {
			return fmt.Errorf("failed to create fee detector: %w", err)
		}
		claimer, err := pumpportal.NewClient(pumpportal.ClientConfig{
			Logger:      log,
			BaseURL:     cfg.PumpPortalURL,
			Sender:      sender,
			Key:         authority,
			SlippageBps: cfg.BuySlippageBps,
			Timeout:     cfg.CallTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create pumpportal client: %w", err)
		}
		schedCfg.Fees = detector
		schedCfg.Claimer = claimer
		schedCfg.Wallet = walletBalance{ledger: ledger, account: authorityPub}
		log.Info("fee claim enabled", "creator_vault", detector.Vault().String())
	}
	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	var txBuilder rewards.ClaimTxBuilder
	if payoutMode == rewards.PayoutModePull {
		txBuilder, err = sol.NewClaimTxBuilder(sol.ClaimTxConfig{
			Logger:     log,
			Sender:     sender,
			Resolver:   resolver,
			Authority:  authority,
			RewardMint: rewardMint,
			SourceMint: sourceMint,
		})
		if err != nil {
			return fmt.Errorf("failed to create claim transaction builder: %w", err)
		}
	}

	burn, err := rewards.NewBurnCalculator(oracle, cfg.RewardMint, cfg.BaseMint, cfg.SourceMint, cfg.Amounts.BurnRatio)
	if err != nil {
		return fmt.Errorf("failed to create burn calculator: %w", err)
	}

	svc, err := rewards.NewService(rewards.ServiceConfig{
		Logger:          log,
		Engine:          engine,
		Tracker:         tracker,
		Distributor:     distributor,
		Claims:          claims,
		Burn:            burn,
		TxBuilder:       txBuilder,
		Store:           st,
		Pool:            pool,
		Cycle:           sched,
		PayoutMode:      payoutMode,
		EpochDuration:   cfg.EpochDuration,
		ValidateAddress: sol.ValidateAddress,
		LeaderboardSize: cfg.LeaderboardSize,
		LogRetention:    cfg.LogRetention,
		OnClaim: func(ctx context.Context, rec rewards.ClaimRecord) {
			if sink == nil {
				return
			}
			if err := sink.RecordClaim(ctx, rec); err != nil {
				log.Warn("analytics: failed to record claim", "epoch_id", rec.EpochID, "address", rec.Address, "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		Service:    svc,
		ListenAddr: cfg.ListenAddr,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("flywheel starting",
		"version", version,
		"authority", authorityPub.String(),
		"source_mint", cfg.SourceMint,
		"reward_mint", cfg.RewardMint,
		"standing_mode", cfg.StandingMode,
		"payout_mode", cfg.PayoutMode,
		"epoch_duration", cfg.EpochDuration,
	)

	sched.Start(ctx)

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("flywheel stopped")
	return nil
}

// openStore returns the Postgres store when configured, otherwise an
// in-memory store whose state is lost on restart.
func openStore(ctx context.Context, log *slog.Logger, cfg *config.Config) (rewards.Store, func(), error) {
	if !cfg.PostgresEnabled() {
		log.Warn("postgres not configured, using in-memory store; epoch state and claims will not survive a restart")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := store.NewPool(ctx, log, postgresConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewPostgres(log, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create postgres store: %w", err)
	}
	return st, pool.Close, nil
}

func openSink(ctx context.Context, log *slog.Logger, cfg *config.Config) (*analytics.Sink, func(), error) {
	if !cfg.ClickHouseEnabled() {
		return nil, func() {}, nil
	}
	client, err := analytics.NewClient(ctx, log, clickhouseConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	sink, err := analytics.NewSink(analytics.SinkConfig{Logger: log, ClickHouse: client})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to create analytics sink: %w", err)
	}
	return sink, func() {
		if err := client.Close(); err != nil {
			log.Warn("analytics: failed to close clickhouse client", "error", err)
		}
	}, nil
}

func migrate(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	if !cfg.PostgresEnabled() && !cfg.ClickHouseEnabled() {
		return errors.New("--migrate requires postgres_database or clickhouse_addr")
	}
	if cfg.PostgresEnabled() {
		pgCfg := postgresConfig(cfg)
		if err := pgCfg.Validate(); err != nil {
			return err
		}
		if err := store.RunMigrations(ctx, log, pgCfg.ConnString()); err != nil {
			return err
		}
	}
	if cfg.ClickHouseEnabled() {
		if err := analytics.Up(ctx, log, clickhouseConfig(cfg)); err != nil {
			return err
		}
	}
	return nil
}

func postgresConfig(cfg *config.Config) store.PostgresConfig {
	return store.PostgresConfig{
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		Database: cfg.PostgresDatabase,
		Username: cfg.PostgresUsername,
		Password: cfg.PostgresPassword,
		SSLMode:  cfg.PostgresSSLMode,
	}
}

func clickhouseConfig(cfg *config.Config) analytics.ClickHouseConfig {
	return analytics.ClickHouseConfig{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUsername,
		Password: cfg.ClickHousePassword,
		Secure:   cfg.ClickHouseSecure,
	}
}

// walletBalance reads the authority's SOL balance for the buyback cap.
type walletBalance struct {
	ledger  *sol.Ledger
	account solana.PublicKey
}

func (w walletBalance) WalletBalance(ctx context.Context) (decimal.Decimal, error) {
	return w.ledger.NativeBalance(ctx, w.account)
}
