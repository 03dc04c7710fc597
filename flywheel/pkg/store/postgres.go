package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/flywheel/flywheel/pkg/metrics"
	"github.com/malbeclabs/flywheel/flywheel/pkg/rewards"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

// Postgres is the durable rewards.Store. Numeric columns travel as text so
// amounts keep full precision.
type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var _ rewards.Store = (*Postgres)(nil)

func NewPostgres(log *slog.Logger, pool *pgxpool.Pool) (*Postgres, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	return &Postgres{log: log, pool: pool}, nil
}

func (p *Postgres) CurrentEpoch(ctx context.Context) (e *rewards.Epoch, err error) {
	defer func() { metrics.RecordStoreQuery("current_epoch", ignoreNotFound(err)) }()
	row := p.pool.QueryRow(ctx, `
		SELECT id, rate::text, pool_balance::text, eligible_supply::text, start_time, end_time
		FROM epochs WHERE end_time IS NULL`)
	return scanEpoch(row)
}

func (p *Postgres) Epoch(ctx context.Context, id uint64) (e *rewards.Epoch, err error) {
	defer func() { metrics.RecordStoreQuery("epoch", ignoreNotFound(err)) }()
	row := p.pool.QueryRow(ctx, `
		SELECT id, rate::text, pool_balance::text, eligible_supply::text, start_time, end_time
		FROM epochs WHERE id = $1`, int64(id))
	return scanEpoch(row)
}

func (p *Postgres) CreateEpoch(ctx context.Context, e rewards.Epoch) (err error) {
	defer func() { metrics.RecordStoreQuery("create_epoch", err) }()
	_, err = p.pool.Exec(ctx, `
		INSERT INTO epochs (id, rate, pool_balance, eligible_supply, start_time)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5)`,
		int64(e.ID), e.Rate.String(), e.PoolBalance.String(), e.EligibleSupply.String(), e.StartTime)
	if err != nil {
		return fmt.Errorf("failed to insert epoch %d: %w", e.ID, err)
	}
	return nil
}

// AdvanceEpoch closes the open epoch and inserts the next in one transaction.
func (p *Postgres) AdvanceEpoch(ctx context.Context, closedID uint64, closedAt time.Time, next rewards.Epoch) (err error) {
	defer func() { metrics.RecordStoreQuery("advance_epoch", err) }()
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE epochs SET end_time = $2 WHERE id = $1 AND end_time IS NULL`, int64(closedID), closedAt)
		if err != nil {
			return fmt.Errorf("failed to close epoch %d: %w", closedID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("epoch %d is not open", closedID)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO epochs (id, rate, pool_balance, eligible_supply, start_time)
			VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5)`,
			int64(next.ID), next.Rate.String(), next.PoolBalance.String(), next.EligibleSupply.String(), next.StartTime); err != nil {
			return fmt.Errorf("failed to open epoch %d: %w", next.ID, err)
		}
		return nil
	})
}

func (p *Postgres) HasClaimed(ctx context.Context, epochID uint64, address string) (claimed bool, err error) {
	defer func() { metrics.RecordStoreQuery("has_claimed", err) }()
	err = p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM claims WHERE epoch_id = $1 AND address = $2)`,
		int64(epochID), address).Scan(&claimed)
	if err != nil {
		return false, fmt.Errorf("failed to query claim: %w", err)
	}
	return claimed, nil
}

// InsertClaim relies on the (epoch_id, address) primary key to reject
// duplicates; counters move in the same transaction.
func (p *Postgres) InsertClaim(ctx context.Context, rec rewards.ClaimRecord) (err error) {
	defer func() {
		if !errors.Is(err, rewards.ErrDuplicateClaim) {
			metrics.RecordStoreQuery("insert_claim", err)
		}
	}()
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO claims (epoch_id, address, amount, burn_amount, claimed_at)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5)`,
			int64(rec.EpochID), rec.Address, rec.Amount.String(), rec.BurnAmount.String(), rec.Timestamp); err != nil {
			if isUniqueViolation(err) {
				return rewards.ErrDuplicateClaim
			}
			return fmt.Errorf("failed to insert claim: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE counters SET value = value + CASE key
				WHEN 'distributed' THEN $1::numeric
				WHEN 'burned' THEN $2::numeric
				WHEN 'claims' THEN 1
			END
			WHERE key IN ('distributed', 'burned', 'claims')`,
			rec.Amount.String(), rec.BurnAmount.String()); err != nil {
			return fmt.Errorf("failed to update counters: %w", err)
		}
		return nil
	})
}

func (p *Postgres) Counters(ctx context.Context) (c rewards.Counters, err error) {
	defer func() { metrics.RecordStoreQuery("counters", err) }()
	rows, err := p.pool.Query(ctx, `SELECT key, value::text FROM counters`)
	if err != nil {
		return rewards.Counters{}, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	c = rewards.Counters{Distributed: decimal.Zero, Burned: decimal.Zero}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return rewards.Counters{}, fmt.Errorf("failed to scan counter: %w", err)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return rewards.Counters{}, fmt.Errorf("failed to parse counter %s: %w", key, err)
		}
		switch key {
		case "distributed":
			c.Distributed = v
		case "burned":
			c.Burned = v
		case "claims":
			c.Claims = v.IntPart()
		}
	}
	return c, rows.Err()
}

func (p *Postgres) AddDistributed(ctx context.Context, amount decimal.Decimal) (err error) {
	defer func() { metrics.RecordStoreQuery("add_distributed", err) }()
	_, err = p.pool.Exec(ctx, `UPDATE counters SET value = value + $1::numeric WHERE key = 'distributed'`, amount.String())
	if err != nil {
		return fmt.Errorf("failed to update distributed counter: %w", err)
	}
	return nil
}

// MarkDistributed relies on the epoch_id primary key so only one run can
// claim an epoch.
func (p *Postgres) MarkDistributed(ctx context.Context, epochID uint64, run uuid.UUID, at time.Time) (err error) {
	defer func() {
		if !errors.Is(err, rewards.ErrAlreadyDistributed) {
			metrics.RecordStoreQuery("mark_distributed", err)
		}
	}()
	_, err = p.pool.Exec(ctx, `
		INSERT INTO distributions (epoch_id, run_id, started_at) VALUES ($1, $2, $3)`,
		int64(epochID), run, at)
	if err != nil {
		if isUniqueViolation(err) {
			return rewards.ErrAlreadyDistributed
		}
		return fmt.Errorf("failed to insert distribution marker: %w", err)
	}
	return nil
}

func (p *Postgres) IsDistributed(ctx context.Context, epochID uint64) (done bool, err error) {
	defer func() { metrics.RecordStoreQuery("is_distributed", err) }()
	err = p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM distributions WHERE epoch_id = $1)`, int64(epochID)).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("failed to query distribution marker: %w", err)
	}
	return done, nil
}

func (p *Postgres) LoadStandings(ctx context.Context) (out []rewards.Standing, err error) {
	defer func() { metrics.RecordStoreQuery("load_standings", err) }()
	rows, err := p.pool.Query(ctx, `
		SELECT address, score::text, last_balance::text, updated_at
		FROM standings ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query standings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s            rewards.Standing
			score, lastB string
		)
		if err := rows.Scan(&s.Address, &score, &lastB, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan standing: %w", err)
		}
		if s.Score, err = decimal.NewFromString(score); err != nil {
			return nil, fmt.Errorf("failed to parse score for %s: %w", s.Address, err)
		}
		if s.LastBalance, err = decimal.NewFromString(lastB); err != nil {
			return nil, fmt.Errorf("failed to parse balance for %s: %w", s.Address, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveStandings upserts all rows in one batch inside a transaction.
func (p *Postgres) SaveStandings(ctx context.Context, standings []rewards.Standing) (err error) {
	defer func() { metrics.RecordStoreQuery("save_standings", err) }()
	if len(standings) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, s := range standings {
			batch.Queue(`
				INSERT INTO standings (address, score, last_balance, updated_at)
				VALUES ($1, $2::numeric, $3::numeric, $4)
				ON CONFLICT (address) DO UPDATE
				SET score = EXCLUDED.score, last_balance = EXCLUDED.last_balance, updated_at = EXCLUDED.updated_at`,
				s.Address, s.Score.String(), s.LastBalance.String(), s.UpdatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert standings: %w", err)
		}
		return nil
	})
}

func (p *Postgres) AppendLog(ctx context.Context, entry rewards.LogEntry, retain int) (err error) {
	defer func() { metrics.RecordStoreQuery("append_log", err) }()
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO activity_logs (logged_at, level, message) VALUES ($1, $2, $3)`,
			entry.Time, entry.Level, entry.Message); err != nil {
			return fmt.Errorf("failed to insert log: %w", err)
		}
		if retain > 0 {
			if _, err := tx.Exec(ctx, `
				DELETE FROM activity_logs
				WHERE id NOT IN (SELECT id FROM activity_logs ORDER BY id DESC LIMIT $1)`, retain); err != nil {
				return fmt.Errorf("failed to trim logs: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) RecentLogs(ctx context.Context, limit int) (out []rewards.LogEntry, err error) {
	defer func() { metrics.RecordStoreQuery("recent_logs", err) }()
	rows, err := p.pool.Query(ctx, `
		SELECT logged_at, level, message FROM activity_logs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e rewards.LogEntry
		if err := rows.Scan(&e.Time, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendHistory(ctx context.Context, point rewards.HistoryPoint, retain int) (err error) {
	defer func() { metrics.RecordStoreQuery("append_history", err) }()
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO history (sampled_at, source_price, reward_price, vault_sol)
			VALUES ($1, $2::numeric, $3::numeric, $4::numeric)`,
			point.Time, point.SourcePrice.String(), point.RewardPrice.String(), point.VaultSOL.String()); err != nil {
			return fmt.Errorf("failed to insert history point: %w", err)
		}
		if retain > 0 {
			if _, err := tx.Exec(ctx, `
				DELETE FROM history
				WHERE id NOT IN (SELECT id FROM history ORDER BY id DESC LIMIT $1)`, retain); err != nil {
				return fmt.Errorf("failed to trim history: %w", err)
			}
		}
		return nil
	})
}

// History returns the newest points in chronological order.
func (p *Postgres) History(ctx context.Context, limit int) (out []rewards.HistoryPoint, err error) {
	defer func() { metrics.RecordStoreQuery("history", err) }()
	rows, err := p.pool.Query(ctx, `
		SELECT sampled_at, source_price::text, reward_price::text, vault_sol::text FROM (
			SELECT id, sampled_at, source_price, reward_price, vault_sol
			FROM history ORDER BY id DESC LIMIT $1
		) recent ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			pt                  rewards.HistoryPoint
			source, reward, sol string
		)
		if err := rows.Scan(&pt.Time, &source, &reward, &sol); err != nil {
			return nil, fmt.Errorf("failed to scan history point: %w", err)
		}
		if pt.SourcePrice, err = decimal.NewFromString(source); err != nil {
			return nil, fmt.Errorf("failed to parse source price: %w", err)
		}
		if pt.RewardPrice, err = decimal.NewFromString(reward); err != nil {
			return nil, fmt.Errorf("failed to parse reward price: %w", err)
		}
		if pt.VaultSOL, err = decimal.NewFromString(sol); err != nil {
			return nil, fmt.Errorf("failed to parse vault balance: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func scanEpoch(row pgx.Row) (*rewards.Epoch, error) {
	var (
		id                 int64
		rate, pool, supply string
		e                  rewards.Epoch
	)
	if err := row.Scan(&id, &rate, &pool, &supply, &e.StartTime, &e.EndTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rewards.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan epoch: %w", err)
	}
	e.ID = uint64(id)
	var err error
	if e.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("failed to parse rate: %w", err)
	}
	if e.PoolBalance, err = decimal.NewFromString(pool); err != nil {
		return nil, fmt.Errorf("failed to parse pool balance: %w", err)
	}
	if e.EligibleSupply, err = decimal.NewFromString(supply); err != nil {
		return nil, fmt.Errorf("failed to parse eligible supply: %w", err)
	}
	e.StartTime = e.StartTime.UTC()
	if e.EndTime != nil {
		t := e.EndTime.UTC()
		e.EndTime = &t
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func ignoreNotFound(err error) error {
	if errors.Is(err, rewards.ErrNotFound) {
		return nil
	}
	return err
}
