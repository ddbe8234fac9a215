// Package store defines the persistence interfaces of the ingestion
// pipeline and their SQLite, PostgreSQL and Parquet implementations.
package store

import (
	"context"
	"errors"
	"time"

	"factsync/internal/domain"
)

// ErrUnsupportedKind is returned by a FactStore asked to handle a kind it
// does not hold.
var ErrUnsupportedKind = errors.New("store: unsupported fact kind")

// SymbolSource supplies the universe of symbols to refresh.
type SymbolSource interface {
	// ListSymbols returns active symbols, restricted to subset when it is
	// non-empty. Unknown subset entries are ignored.
	ListSymbols(ctx context.Context, subset []string) ([]string, error)

	// StaleSymbols returns up to limit active symbols not refreshed or
	// attempted for kind since olderThan, least recently touched first.
	StaleSymbols(ctx context.Context, kind domain.FactKind, olderThan time.Time, limit int) ([]string, error)
}

// SymbolRegistry is a SymbolSource that can be extended.
type SymbolRegistry interface {
	SymbolSource

	// AddSymbols inserts symbols, ignoring ones already present, and
	// returns how many were new.
	AddSymbols(ctx context.Context, symbols []string) (int, error)
}

// WatermarkStore persists the latest stored fact instant per
// (symbol, kind, frequency).
type WatermarkStore interface {
	// GetWatermark returns nil when no watermark exists.
	GetWatermark(ctx context.Context, key domain.WatermarkKey) (*time.Time, error)

	// SetWatermark stores t unless the existing watermark is newer.
	SetWatermark(ctx context.Context, key domain.WatermarkKey, t time.Time) error
}

// AttemptLog records that a symbol was processed for a kind, whatever the
// outcome. StaleSymbols counts a recorded attempt like a refresh.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, symbol string, kind domain.FactKind, outcome domain.Outcome, at time.Time) error
}

// FactQuery selects canonical records for consumers.
type FactQuery struct {
	Kind      domain.FactKind
	Symbol    string
	Frequency domain.Frequency // balance sheets only; empty means all
	From, To  time.Time        // zero means unbounded
	Limit     int              // 0 means no limit
}

// FactStore persists canonical records keyed by their natural key.
type FactStore interface {
	// ExistingKeys returns the natural keys (domain.CanonicalRecord.NaturalKey)
	// of stored records for symbol/kind/frequency whose key instant is at
	// or after since.
	ExistingKeys(ctx context.Context, kind domain.FactKind, symbol string, freq domain.Frequency, since time.Time) (map[string]bool, error)

	// WriteFacts upserts records on their natural key and returns the
	// number written.
	WriteFacts(ctx context.Context, recs []domain.CanonicalRecord) (int, error)

	// ReadFacts returns records ordered by key.
	ReadFacts(ctx context.Context, q FactQuery) ([]domain.CanonicalRecord, error)
}

// IntradayPurger deletes cached intraday bars.
type IntradayPurger interface {
	// DeleteIntradayBefore removes bars whose period start is before cutoff
	// and returns how many were removed.
	DeleteIntradayBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Relational is the full surface of the SQL backends.
type Relational interface {
	SymbolRegistry
	WatermarkStore
	AttemptLog
	FactStore
	IntradayPurger
	Ping(ctx context.Context) error
	Close() error
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

// Router dispatches fact operations to the relational store, except
// intraday bars which go to Intraday when it is set.
type Router struct {
	Relational FactStore
	Intraday   FactStore
}

var _ FactStore = (*Router)(nil)

func (r *Router) route(kind domain.FactKind) FactStore {
	if kind == domain.KindIntraday && r.Intraday != nil {
		return r.Intraday
	}
	return r.Relational
}

// ExistingKeys implements FactStore.
func (r *Router) ExistingKeys(ctx context.Context, kind domain.FactKind, symbol string, freq domain.Frequency, since time.Time) (map[string]bool, error) {
	return r.route(kind).ExistingKeys(ctx, kind, symbol, freq, since)
}

// WriteFacts implements FactStore. All records must share one kind.
func (r *Router) WriteFacts(ctx context.Context, recs []domain.CanonicalRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	return r.route(recs[0].Kind).WriteFacts(ctx, recs)
}

// ReadFacts implements FactStore.
func (r *Router) ReadFacts(ctx context.Context, q FactQuery) ([]domain.CanonicalRecord, error) {
	return r.route(q.Kind).ReadFacts(ctx, q)
}
