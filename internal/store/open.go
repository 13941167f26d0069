package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/chronomap/chronomap/internal/config"
)

// Open connects to the backend named by cfg.Driver and verifies the
// connection. The returned store has its schema ensured.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
		db, err = sqlx.Open("postgres", dsn)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "./chronomap.db"
		}
		dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", path)
		db, err = sqlx.Open("sqlite3", dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}

	maxConns := cfg.MaxConnections
	if maxConns == 0 {
		maxConns = 25
	}
	idleConns := cfg.IdleConnections
	if idleConns == 0 {
		idleConns = 5
	}
	maxLifetime := cfg.MaxLifetime
	if maxLifetime == 0 {
		maxLifetime = 5 * time.Minute
	}
	if cfg.Driver == "sqlite" {
		// SQLite serializes writes; a single connection avoids SQLITE_BUSY
		// churn under concurrent quota upserts.
		maxConns = 1
		idleConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(idleConns)
	db.SetConnMaxLifetime(maxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", cfg.Driver, err)
	}

	s := &sqlStore{db: db, driver: cfg.Driver, logger: logger}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Info("Store initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", maxConns),
	)
	return s, nil
}
