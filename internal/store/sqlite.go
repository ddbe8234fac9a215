package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"factsync/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Relational = (*SQLiteStore)(nil)

// SQLiteStore implements Relational backed by a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// tables, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; pipelines persist concurrently.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, d: sqliteDialect, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	pragmas := []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"}
	for _, stmt := range append(pragmas, allDDL()...) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// SymbolRegistry implementation
// ---------------------------------------------------------------------------

// ListSymbols returns active symbols, optionally restricted to subset.
func (s *SQLiteStore) ListSymbols(ctx context.Context, subset []string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listSymbolsSQL())
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	all, err := scanStrings(rows)
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	return filterSubset(all, subset), nil
}

// StaleSymbols returns the least recently refreshed symbols for kind.
func (s *SQLiteStore) StaleSymbols(ctx context.Context, kind domain.FactKind, olderThan time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, staleSymbolsSQL(s.d), staleSymbolsArgs(kind, olderThan, limit)...)
	if err != nil {
		return nil, fmt.Errorf("stale symbols: %w", err)
	}
	out, err := scanStrings(rows)
	if err != nil {
		return nil, fmt.Errorf("stale symbols: %w", err)
	}
	return out, nil
}

// AddSymbols inserts new symbols and returns how many were added.
func (s *SQLiteStore) AddSymbols(ctx context.Context, symbols []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, addSymbolSQL(s.d))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	now := s.now().UnixMilli()
	for _, sym := range symbols {
		res, err := stmt.ExecContext(ctx, sym, now)
		if err != nil {
			return 0, fmt.Errorf("adding symbol %s: %w", sym, err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}
	return added, tx.Commit()
}

// ---------------------------------------------------------------------------
// WatermarkStore implementation
// ---------------------------------------------------------------------------

// GetWatermark returns the stored watermark, or nil if none exists.
func (s *SQLiteStore) GetWatermark(ctx context.Context, key domain.WatermarkKey) (*time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, getWatermarkSQL(s.d), key.Symbol, string(key.Kind), string(key.Frequency)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watermark %s: %w", key, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

// SetWatermark advances the watermark for key to t.
func (s *SQLiteStore) SetWatermark(ctx context.Context, key domain.WatermarkKey, t time.Time) error {
	if _, err := s.db.ExecContext(ctx, setWatermarkSQL(s.d), watermarkArgs(key, t, s.now())...); err != nil {
		return fmt.Errorf("setting watermark %s: %w", key, err)
	}
	return nil
}

// RecordAttempt notes that symbol was processed for kind at the given time.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, symbol string, kind domain.FactKind, outcome domain.Outcome, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, recordAttemptSQL(s.d), symbol, string(kind), string(outcome), at.UnixMilli()); err != nil {
		return fmt.Errorf("recording attempt %s/%s: %w", symbol, kind, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// FactStore implementation
// ---------------------------------------------------------------------------

// ExistingKeys returns natural keys of stored records at or after since.
func (s *SQLiteStore) ExistingKeys(ctx context.Context, kind domain.FactKind, symbol string, freq domain.Frequency, since time.Time) (map[string]bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	args, withFreq := t.existingKeyArgs(symbol, freq, since)
	rows, err := s.db.QueryContext(ctx, t.existingKeysSQL(s.d, withFreq), args...)
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

// WriteFacts upserts recs in a single transaction.
func (s *SQLiteStore) WriteFacts(ctx context.Context, recs []domain.CanonicalRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	kinds, groups := groupByKind(recs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	written := 0
	for _, kind := range kinds {
		t, err := tableFor(kind)
		if err != nil {
			return 0, err
		}
		stmt, err := tx.PrepareContext(ctx, t.upsertSQL(s.d))
		if err != nil {
			return 0, fmt.Errorf("preparing %s upsert: %w", t.name, err)
		}
		for _, rec := range groups[kind] {
			if _, err := stmt.ExecContext(ctx, t.values(rec)...); err != nil {
				stmt.Close()
				return 0, fmt.Errorf("upserting %s %s: %w", t.name, rec.NaturalKey(), err)
			}
			written++
		}
		stmt.Close()
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// ReadFacts returns records matching q ordered by key.
func (s *SQLiteStore) ReadFacts(ctx context.Context, q FactQuery) ([]domain.CanonicalRecord, error) {
	t, err := tableFor(q.Kind)
	if err != nil {
		return nil, err
	}
	query, args := t.readSQL(s.d, q)
	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) DeleteIntradayBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteIntradaySQL(s.d), domain.FormatKey(domain.KindIntraday, cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging intraday bars: %w", err)
	}
	return res.RowsAffected()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
