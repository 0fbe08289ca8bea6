// Package store is the single gateway to the production database. All
// services coordinate exclusively through it: row inserts raise
// notifications on per-table channels, and the services listen on those
// channels rather than on each other.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Notification channels raised by row-insert triggers. Payloads are the
// JSON form of the inserted row.
const (
	ChannelInputInsertion   = "input_insertion"
	ChannelRaw2Valid        = "raw2valid_insertion"
	ChannelTaskInsertion    = "processing_task_insertion"
	ChannelProductInsertion = "product_insertion"
)

// ErrConflict marks an insert refused by a unique constraint. Callers treat
// it as "already done".
var ErrConflict = errors.New("row already exists")

// Store wraps the shared connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against url and verifies it with a ping.
func Connect(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening connection pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	log.WithField("database", cfg.ConnConfig.Database).Info("connected to production database")
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// inTx runs fn inside a transaction, committing on nil and rolling back
// otherwise. Unique violations surface as ErrConflict.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err = fn(tx); err != nil {
		return mapConflict(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return mapConflict(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// mapConflict rewrites Postgres unique-violation errors into ErrConflict,
// keeping the driver detail attached.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
	}
	return err
}
