package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"factsync/internal/domain"
)

// Compile-time interface checks.
var _ Relational = (*PostgresStore)(nil)

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MinConns int
	MaxConns int
}

// PostgresStore implements Relational backed by a PostgreSQL pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	d    dialect
	now  func() time.Time
}

// NewPostgresStore connects to databaseURL, verifies the connection, and
// creates the tables.
func NewPostgresStore(ctx context.Context, databaseURL string, opts PostgresOptions) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = int32(opts.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, d: postgresDialect, now: time.Now}
	for _, stmt := range allDDL() {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return s, nil
}

// Ping verifies the pool is healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ---------------------------------------------------------------------------
// SymbolRegistry implementation
// ---------------------------------------------------------------------------

// ListSymbols returns active symbols, optionally restricted to subset.
func (s *PostgresStore) ListSymbols(ctx context.Context, subset []string) ([]string, error) {
	rows, err := s.pool.Query(ctx, listSymbolsSQL())
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	all, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	return filterSubset(all, subset), nil
}

// StaleSymbols returns the least recently refreshed symbols for kind.
func (s *PostgresStore) StaleSymbols(ctx context.Context, kind domain.FactKind, olderThan time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, staleSymbolsSQL(s.d), staleSymbolsArgs(kind, olderThan, limit)...)
	if err != nil {
		return nil, fmt.Errorf("stale symbols: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("stale symbols: %w", err)
	}
	return out, nil
}

// AddSymbols inserts new symbols using a batch and returns how many were
// added.
func (s *PostgresStore) AddSymbols(ctx context.Context, symbols []string) (int, error) {
	if len(symbols) == 0 {
		return 0, nil
	}
	now := s.now().UnixMilli()
	batch := &pgx.Batch{}
	for _, sym := range symbols {
		batch.Queue(addSymbolSQL(s.d), sym, now)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	added := 0
	for _, sym := range symbols {
		ct, err := results.Exec()
		if err != nil {
			return 0, fmt.Errorf("adding symbol %s: %w", sym, err)
		}
		added += int(ct.RowsAffected())
	}
	return added, nil
}

// ---------------------------------------------------------------------------
// WatermarkStore implementation
// ---------------------------------------------------------------------------

// GetWatermark returns the stored watermark, or nil if none exists.
func (s *PostgresStore) GetWatermark(ctx context.Context, key domain.WatermarkKey) (*time.Time, error) {
	var ms int64
	err := s.pool.QueryRow(ctx, getWatermarkSQL(s.d), key.Symbol, string(key.Kind), string(key.Frequency)).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watermark %s: %w", key, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

// SetWatermark advances the watermark for key to t.
func (s *PostgresStore) SetWatermark(ctx context.Context, key domain.WatermarkKey, t time.Time) error {
	if _, err := s.pool.Exec(ctx, setWatermarkSQL(s.d), watermarkArgs(key, t, s.now())...); err != nil {
		return fmt.Errorf("setting watermark %s: %w", key, err)
	}
	return nil
}

// RecordAttempt notes that symbol was processed for kind at the given time.
func (s *PostgresStore) RecordAttempt(ctx context.Context, symbol string, kind domain.FactKind, outcome domain.Outcome, at time.Time) error {
	if _, err := s.pool.Exec(ctx, recordAttemptSQL(s.d), symbol, string(kind), string(outcome), at.UnixMilli()); err != nil {
		return fmt.Errorf("recording attempt %s/%s: %w", symbol, kind, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// FactStore implementation
// ---------------------------------------------------------------------------

// ExistingKeys returns natural keys of stored records at or after since.
func (s *PostgresStore) ExistingKeys(ctx context.Context, kind domain.FactKind, symbol string, freq domain.Frequency, since time.Time) (map[string]bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	args, withFreq := t.existingKeyArgs(symbol, freq, since)
	rows, err := s.pool.Query(ctx, t.existingKeysSQL(s.d, withFreq), args...)
	if err != nil {
		return nil, fmt.Errorf("existing %s keys: %w", kind, err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		k, err := t.scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("existing %s keys: %w", kind, err)
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

// WriteFacts upserts recs in one transaction using pgx.Batch.
func (s *PostgresStore) WriteFacts(ctx context.Context, recs []domain.CanonicalRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	kinds, groups := groupByKind(recs)

	batch := &pgx.Batch{}
	for _, kind := range kinds {
		t, err := tableFor(kind)
		if err != nil {
			return 0, err
		}
		query := t.upsertSQL(s.d)
		for _, rec := range groups[kind] {
			batch.Queue(query, t.values(rec)...)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	written := 0
	for range recs {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return 0, fmt.Errorf("upserting facts: %w", err)
		}
		written++
	}
	if err := results.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return written, nil
}

// ReadFacts returns records matching q ordered by key.
func (s *PostgresStore) ReadFacts(ctx context.Context, q FactQuery) ([]domain.CanonicalRecord, error) {
	t, err := tableFor(q.Kind)
	if err != nil {
		return nil, err
	}
	query, args := t.readSQL(s.d, q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []domain.CanonicalRecord
	for rows.Next() {
		rec, err := t.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteIntradayBefore removes intraday bars that started before cutoff.
func (s *PostgresStore) DeleteIntradayBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, deleteIntradaySQL(s.d), domain.FormatKey(domain.KindIntraday, cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging intraday bars: %w", err)
	}
	return ct.RowsAffected(), nil
}
