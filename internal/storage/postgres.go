package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	logx "botfleet/pkg/logx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openPostgres(cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st, err := newPostgresWithDB(ctx, db, log, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store opened", logx.Int("max_conns", maxConns))
	return st, nil
}

// newPostgresWithDB migrates and wraps an already opened handle.
func newPostgresWithDB(ctx context.Context, db *sql.DB, log logx.Logger, opts ...Option) (*sqlStore, error) {
	st := newSQLStore(db, postgresDialect, log, opts...)
	script, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return nil, err
	}
	if err := st.migrate(ctx, string(script)); err != nil {
		return nil, err
	}
	return st, nil
}
