package server

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/repository"
)

// Backend is the fingerprint store and ledger selected by DB_DRIVER.
type Backend struct {
	Driver string
	Store  repository.FingerprintStore
	Ledger repository.Ledger

	db     *sql.DB
	pool   *pgxpool.Pool
	redis  redis.UniversalClient
	logger *slog.Logger
}

// ConnectBackend opens the configured store, runs migrations for SQL drivers and returns the backend.
// The redis driver keeps the ledger in process memory.
func ConnectBackend(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{Driver: cfg.Driver, logger: logger}

	switch cfg.Driver {
	case "postgres":
		db, pool, err := repository.Open(ctx, repository.Config{
			DSN:              cfg.DSN,
			MaxConns:         cfg.MaxConns,
			MinConns:         cfg.MinConns,
			MaxConnLifetime:  cfg.MaxConnLifetime,
			MaxConnIdleTime:  cfg.MaxConnIdleTime,
			DialTimeout:      cfg.DialTimeout,
			StatementTimeout: cfg.StatementTimeout,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			return nil, err
		}
		b.db, b.pool = db, pool
		if err := b.useSQL(ctx, dialect.Postgres); err != nil {
			b.Close()
			return nil, err
		}
	case "sqlite":
		db, err := repository.OpenSQLite(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		b.db = db
		if err := b.useSQL(ctx, dialect.SQLite); err != nil {
			b.Close()
			return nil, err
		}
	case "redis":
		b.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       []string{cfg.RedisAddr},
			DialTimeout: cfg.DialTimeout,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			_ = b.redis.Close()
			return nil, err
		}
		b.Store = repository.NewRedisStore(b.redis, cfg.RedisPrefix, logger)
		b.Ledger = repository.NewMemoryLedger()
		logger.Warn("ledger is process-local with the redis driver")
	case "memory":
		b.Store = repository.NewMemoryStore()
		b.Ledger = repository.NewMemoryLedger()
	default:
		return nil, common.NewAppError("CONFIG_ERROR", "unknown DB_DRIVER "+cfg.Driver, common.ErrInvalidInput)
	}

	logger.Info("backend ready", "driver", cfg.Driver)
	return b, nil
}

func (b *Backend) useSQL(ctx context.Context, dialectName string) error {
	if err := repository.Migrate(ctx, b.db, dialectName, b.logger); err != nil {
		return err
	}
	b.Store = repository.NewSQLStore(b.db, dialectName, b.logger)
	b.Ledger = repository.NewSQLLedger(b.db, dialectName, b.logger)
	return nil
}

// Ping checks the backing service. The memory driver is always healthy.
func (b *Backend) Ping(ctx context.Context, timeout time.Duration) error {
	switch {
	case b.db != nil:
		return repository.HealthCheck(ctx, b.db, timeout, b.logger)
	case b.redis != nil:
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.logger.Error("redis ping failed", "error", err)
			return err
		}
	}
	return nil
}

// Close releases connections gracefully.
func (b *Backend) Close() {
	if b.db != nil || b.pool != nil {
		repository.Close(b.db, b.pool, b.logger)
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.logger.Error("failed to close redis client", "error", err)
		}
	}
}
