package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"factsync/internal/domain"
)

// Compile-time interface checks.
var _ FactStore = (*ParquetStore)(nil)
var _ IntradayPurger = (*ParquetStore)(nil)

// ParquetStore keeps the intraday bar cache in Parquet files on disk, one
// file per symbol and UTC day:
//
//	<DataDir>/intraday/<SYMBOL>/<YYYY-MM-DD>.parquet
type ParquetStore struct {
	DataDir string

	mu sync.Mutex // serialises read-merge-write cycles
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for an intraday bar. Prices are decimal
// strings; an empty string means the value was not reported.
type BarRecord struct {
	Symbol       string `parquet:"symbol"`
	PeriodStart  int64  `parquet:"period_start,timestamp(millisecond)"` // Unix ms
	PeriodType   string `parquet:"period_type"`
	DataProvider string `parquet:"data_provider"`
	FetchedAt    int64  `parquet:"fetched_at,timestamp(millisecond)"`
	Open         string `parquet:"open"`
	High         string `parquet:"high"`
	Low          string `parquet:"low"`
	Close        string `parquet:"close"`
	Volume       string `parquet:"volume"`
	VWAP         string `parquet:"vwap"`
}

type barKey struct {
	ts         int64
	periodType string
	provider   string
}

func (r BarRecord) key() barKey { return barKey{r.PeriodStart, r.PeriodType, r.DataProvider} }

func toBarRecord(rec domain.CanonicalRecord) BarRecord {
	schema := domain.SchemaFor(domain.KindIntraday)
	field := func(name string) string {
		v, ok := rec.Fields[name]
		if !ok || domain.IsEmpty(v) {
			return ""
		}
		spec, _ := schema.Lookup(name)
		return domain.FormatValue(spec, v)
	}
	return BarRecord{
		Symbol:       rec.Symbol,
		PeriodStart:  rec.Key.UnixMilli(),
		PeriodType:   rec.PeriodType,
		DataProvider: rec.DataProvider(),
		FetchedAt:    rec.FetchedAt.UnixMilli(),
		Open:         field("open"),
		High:         field("high"),
		Low:          field("low"),
		Close:        field("close"),
		Volume:       field("volume"),
		VWAP:         field("vwap"),
	}
}

func (r BarRecord) canonical() domain.CanonicalRecord {
	rec := domain.CanonicalRecord{
		Symbol:     r.Symbol,
		Kind:       domain.KindIntraday,
		PeriodType: r.PeriodType,
		Key:        time.UnixMilli(r.PeriodStart).UTC(),
		Providers:  splitProviders(r.DataProvider),
		FetchedAt:  time.UnixMilli(r.FetchedAt).UTC(),
		Fields:     domain.Fields{},
	}
	schema := domain.SchemaFor(domain.KindIntraday)
	for name, s := range map[string]string{
		"open": r.Open, "high": r.High, "low": r.Low, "close": r.Close, "volume": r.Volume, "vwap": r.VWAP,
	} {
		if s == "" {
			continue
		}
		spec, _ := schema.Lookup(name)
		if v, err := domain.DecodeValue(spec, s); err == nil {
			rec.Fields[name] = v
		}
	}
	return rec
}

// ---------------------------------------------------------------------------
// FactStore implementation
// ---------------------------------------------------------------------------

// ExistingKeys returns natural keys of cached bars starting at or after since.
func (s *ParquetStore) ExistingKeys(_ context.Context, kind domain.FactKind, symbol string, _ domain.Frequency, since time.Time) (map[string]bool, error) {
	if kind != domain.KindIntraday {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRange(symbol, since, time.Time{})
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(records))
	for _, r := range records {
		keys[r.canonical().NaturalKey()] = true
	}
	return keys, nil
}

// WriteFacts merges intraday bars into their day files, preferring incoming
// bars over cached ones with the same key.
func (s *ParquetStore) WriteFacts(_ context.Context, recs []domain.CanonicalRecord) (int, error) {
	type fileKey struct {
		symbol string
		date   string
	}
	groups := make(map[fileKey][]BarRecord)
	for _, rec := range recs {
		if rec.Kind != domain.KindIntraday {
			return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, rec.Kind)
		}
		k := fileKey{symbol: rec.Symbol, date: rec.Key.UTC().Format(domain.DateLayout)}
		groups[k] = append(groups[k], toBarRecord(rec))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for k, records := range groups {
		path := filepath.Join(s.symbolDir(k.symbol), k.date+".parquet")

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return written, fmt.Errorf("reading bars for %s/%s: %w", k.symbol, k.date, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return written, fmt.Errorf("writing bars for %s/%s: %w", k.symbol, k.date, err)
		}
		written += len(records)
	}
	return written, nil
}

// ReadFacts returns cached bars for q.Symbol ordered by period start.
func (s *ParquetStore) ReadFacts(_ context.Context, q FactQuery) ([]domain.CanonicalRecord, error) {
	if q.Kind != domain.KindIntraday {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, q.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRange(q.Symbol, q.From, q.To)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CanonicalRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r.canonical())
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// IntradayPurger implementation
// ---------------------------------------------------------------------------

// DeleteIntradayBefore drops whole day files older than cutoff's day and
// rewrites the file for cutoff's day without the expired bars.
func (s *ParquetStore) DeleteIntradayBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := filepath.Join(s.DataDir, "intraday")
	symbols, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoffDay := cutoff.UTC().Format(domain.DateLayout)
	cutoffMs := cutoff.UnixMilli()
	var removed int64
	for _, sym := range symbols {
		if !sym.IsDir() {
			continue
		}
		files, err := s.dayFiles(sym.Name())
		if err != nil {
			return removed, err
		}
		for _, f := range files {
			if f.day > cutoffDay {
				continue
			}
			records, err := readParquetFile[BarRecord](f.path)
			if err != nil {
				return removed, fmt.Errorf("reading %s: %w", f.path, err)
			}
			kept := records[:0]
			for _, r := range records {
				if r.PeriodStart >= cutoffMs {
					kept = append(kept, r)
				}
			}
			removed += int64(len(records) - len(kept))
			switch {
			case len(kept) == 0:
				if err := os.Remove(f.path); err != nil {
					return removed, err
				}
			case len(kept) < len(records):
				if err := writeParquetFile(f.path, kept); err != nil {
					return removed, err
				}
			}
		}
	}
	return removed, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// symbolDir returns the directory holding a symbol's day files.
func (s *ParquetStore) symbolDir(symbol string) string {
	return filepath.Join(s.DataDir, "intraday", strings.ToUpper(symbol))
}

type dayFile struct {
	day  string // YYYY-MM-DD
	path string
}

// dayFiles lists a symbol's day files in date order.
func (s *ParquetStore) dayFiles(symbol string) ([]dayFile, error) {
	dir := s.symbolDir(symbol)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []dayFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		out = append(out, dayFile{day: strings.TrimSuffix(name, ".parquet"), path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day < out[j].day })
	return out, nil
}

// readRange returns a symbol's bars with from <= start <= to, sorted. Zero
// bounds are open.
func (s *ParquetStore) readRange(symbol string, from, to time.Time) ([]BarRecord, error) {
	files, err := s.dayFiles(symbol)
	if err != nil {
		return nil, err
	}
	var fromDay, toDay string
	if !from.IsZero() {
		fromDay = from.UTC().Format(domain.DateLayout)
	}
	if !to.IsZero() {
		toDay = to.UTC().Format(domain.DateLayout)
	}

	var out []BarRecord
	for _, f := range files {
		if (fromDay != "" && f.day < fromDay) || (toDay != "" && f.day > toDay) {
			continue
		}
		records, err := readParquetFile[BarRecord](f.path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.path, err)
		}
		for _, r := range records {
			if !from.IsZero() && r.PeriodStart < from.UnixMilli() {
				continue
			}
			if !to.IsZero() && r.PeriodStart > to.UnixMilli() {
				continue
			}
			out = append(out, r)
		}
	}
	sortBarRecords(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bars by (period start, period type,
// provenance), preferring incoming records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[barKey]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.key()] = r
	}
	for _, r := range incoming {
		seen[r.key()] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sortBarRecords(merged)
	return merged
}

func sortBarRecords(rs []BarRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].PeriodStart != rs[j].PeriodStart {
			return rs[i].PeriodStart < rs[j].PeriodStart
		}
		if rs[i].PeriodType != rs[j].PeriodType {
			return rs[i].PeriodType < rs[j].PeriodType
		}
		return rs[i].DataProvider < rs[j].DataProvider
	})
}
