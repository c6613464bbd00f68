// Package postgres persists extracted quotes to Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
)

// DefaultTable receives records when no table is configured.
const DefaultTable = "quotes"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// QuoteStoreConfig controls the Postgres connection pool used for quote rows.
type QuoteStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// QuoteStore writes records into Postgres. It implements crawler.Consumer.
type QuoteStore struct {
	pool  execCloser
	table string
	runID string
}

var _ crawler.Consumer = (*QuoteStore)(nil)

// NewQuoteStore connects a pool using cfg.
func NewQuoteStore(ctx context.Context, cfg QuoteStoreConfig) (*QuoteStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &QuoteStore{pool: pool, table: table}, nil
}

// NewQuoteStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewQuoteStoreWithPool(pool execCloser, table string) (*QuoteStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &QuoteStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// ForRun returns a store that tags inserted rows with runID. The returned
// store shares the pool; close only the original.
func (s *QuoteStore) ForRun(runID string) *QuoteStore {
	return &QuoteStore{pool: s.pool, table: s.table, runID: runID}
}

// Close releases the underlying pool resources.
func (s *QuoteStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the quotes table if it does not exist.
func (s *QuoteStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	page INTEGER NOT NULL,
	quote_text TEXT NOT NULL,
	author TEXT NOT NULL,
	tags TEXT[] NOT NULL DEFAULT '{}',
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Consume inserts one record.
func (s *QuoteStore) Consume(ctx context.Context, record crawler.Record) error {
	if s == nil || s.pool == nil {
		return errors.New("quote store is not configured")
	}
	tags := record.Tags
	if tags == nil {
		tags = []string{}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	page,
	quote_text,
	author,
	tags
) VALUES (
	$1,$2,$3,$4,$5
)`, s.table)

	if _, err := s.pool.Exec(ctx, query, s.runID, record.Page, record.Text, record.Author, tags); err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}
