package pgtesting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/flywheel/flywheel/pkg/store"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DBConfig holds the PostgreSQL test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "flywheel"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB is a PostgreSQL test container.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	connStr   string
	container *tcpostgres.PostgresContainer
}

// ConnStr returns the PostgreSQL connection string.
func (db *DB) ConnStr() string {
	return db.connStr
}

// Close terminates the PostgreSQL container.
func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

// ErrDockerUnavailable is returned by NewDB when no container runtime can be
// reached, so callers can skip instead of failing.
var ErrDockerUnavailable = errors.New("docker unavailable")

type runFunc func(ctx context.Context, img string, opts ...testcontainers.ContainerCustomizer) (*tcpostgres.PostgresContainer, error)

// NewDB starts a PostgreSQL container and applies migrations.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	return newDB(ctx, log, cfg, tcpostgres.Run)
}

func newDB(ctx context.Context, log *slog.Logger, cfg *DBConfig, run runFunc) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var (
		container *tcpostgres.PostgresContainer
		lastErr   error
	)
	for attempt := 1; attempt <= 3; attempt++ {
		c, err := startContainer(ctx, run,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err == nil {
			container = c
			break
		}
		lastErr = err
		if errors.Is(err, ErrDockerUnavailable) || !isRetryableContainerStartErr(err) || attempt == 3 {
			break
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}

	if err := store.RunMigrations(ctx, log, connStr); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &DB{log: log, cfg: cfg, connStr: connStr, container: container}, nil
}

// startContainer runs the container, turning the docker client's panic on a
// missing daemon into ErrDockerUnavailable.
func startContainer(ctx context.Context, run runFunc, img string, opts ...testcontainers.ContainerCustomizer) (c *tcpostgres.PostgresContainer, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("%w: %v", ErrDockerUnavailable, r)
		}
	}()
	return run(ctx, img, opts...)
}

// NewTestPool returns a pool on a fresh, migrated database cloned from the
// container's template so tests do not share rows.
func NewTestPool(t *testing.T, db *DB) *pgxpool.Pool {
	t.Helper()
	ctx := t.Context()

	admin, err := pgxpool.New(ctx, db.dsnFor("postgres"))
	require.NoError(t, err, "failed to connect to container")
	defer admin.Close()

	name := "t_" + strings.ReplaceAll(strings.ToLower(t.Name()), "/", "_")
	name = sanitize(name)
	_, err = admin.Exec(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %q`, name))
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %q TEMPLATE %q`, name, db.cfg.Database))
	require.NoError(t, err, "failed to create test database")

	poolConfig, err := pgxpool.ParseConfig(db.dsnFor(name))
	require.NoError(t, err, "failed to parse pool config")

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(pool.Close)

	return pool
}

func (db *DB) dsnFor(database string) string {
	return strings.Replace(db.connStr, "/"+db.cfg.Database+"?", "/"+database+"?", 1)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 60 {
		out = out[:60]
	}
	return out
}

func isRetryableContainerStartErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
