package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
)

const (
	tableClaims  = "flywheel_claims"
	tableBatches = "flywheel_distribution_batches"
	tableHistory = "flywheel_history"
)

type SinkConfig struct {
	Logger     *slog.Logger
	ClickHouse Client
	Clock      clockwork.Clock
	// WaitForInsert makes single-row inserts block until the server flushes.
	WaitForInsert bool
}

func (cfg *SinkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Sink writes claim, distribution and history facts to ClickHouse. It is an
// append-only mirror; the durable store stays the source of truth.
type Sink struct {
	log *slog.Logger
	cfg SinkConfig
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sink{log: cfg.Logger, cfg: cfg}, nil
}

// RecordClaim inserts one claim fact.
func (s *Sink) RecordClaim(ctx context.Context, rec rewards.ClaimRecord) (err error) {
	defer func() { metrics.RecordAnalyticsWrite(tableClaims, err) }()

	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf("INSERT INTO %s (epoch_id, address, amount, burn_amount, claimed_at, ingested_at) VALUES (?, ?, ?, ?, ?, ?)", tableClaims)
	if err := conn.AsyncInsert(ctx, query, s.cfg.WaitForInsert,
		rec.EpochID, rec.Address, rec.Amount, rec.BurnAmount, rec.Timestamp.UTC(), s.cfg.Clock.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert claim: %w", err)
	}
	return nil
}

// RecordHistory inserts one price/vault sample.
func (s *Sink) RecordHistory(ctx context.Context, point rewards.HistoryPoint) (err error) {
	defer func() { metrics.RecordAnalyticsWrite(tableHistory, err) }()

	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf("INSERT INTO %s (ts, source_price, reward_price, vault_sol) VALUES (?, ?, ?, ?)", tableHistory)
	if err := conn.AsyncInsert(ctx, query, s.cfg.WaitForInsert,
		point.Time.UTC(), point.SourcePrice, point.RewardPrice, point.VaultSOL,
	); err != nil {
		return fmt.Errorf("failed to insert history point: %w", err)
	}
	return nil
}

// RecordDistribution writes every batch of a push run in one insert.
func (s *Sink) RecordDistribution(ctx context.Context, report *rewards.DistributionReport) (err error) {
	if report == nil || len(report.Batches) == 0 {
		return nil
	}
	defer func() { metrics.RecordAnalyticsWrite(tableBatches, err) }()

	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", tableBatches))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close() // Always release the connection back to the pool

	now := s.cfg.Clock.Now().UTC()
	for _, b := range report.Batches {
		if err := batch.Append(batchRow(report.RunID, b, now)...); err != nil {
			return fmt.Errorf("failed to append batch %d: %w", b.Index, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	s.log.Debug("analytics: wrote distribution", "run_id", report.RunID.String(), "batches", len(report.Batches))
	return nil
}

func batchRow(runID uuid.UUID, b rewards.BatchResult, now time.Time) []any {
	errText := ""
	if b.Err != nil {
		errText = b.Err.Error()
	}
	return []any{runID, uint32(b.Index), uint32(len(b.Recipients)), b.Total, b.Signature, errText, now}
}
