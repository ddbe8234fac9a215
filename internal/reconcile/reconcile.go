// Package reconcile merges per-provider raw records into one canonical
// record per natural key using fixed provider-priority tables.
package reconcile

import (
	"sort"
	"time"

	"factsync/internal/domain"
)

// Priority is an ordered provider list, highest priority first.
type Priority []string

// DefaultPriorities returns the built-in provider order per kind.
func DefaultPriorities() map[domain.FactKind]Priority {
	return map[domain.FactKind]Priority{
		domain.KindQuote:        {"finnhub", "alpha_vantage", "fmp", "twelve_data", "tiingo", "polygon", "alpaca", "yahoo_finance", "api_ninjas"},
		domain.KindDividend:     {"fmp", "polygon", "alpha_vantage", "finnhub", "tiingo", "yahoo_finance"},
		domain.KindBalanceSheet: {"fmp", "alpha_vantage", "polygon", "finnhub", "twelve_data", "yahoo_finance"},
		domain.KindIntraday:     {"polygon", "alpaca", "fmp", "twelve_data", "alpha_vantage", "tiingo", "yahoo_finance"},
	}
}

// Engine merges raw records. The priority tables are copied at construction
// and never modified, so an Engine is safe for concurrent use.
type Engine struct {
	rank map[domain.FactKind]map[string]int
}

// NewEngine creates an Engine from priority tables. Kinds missing from
// tables fall back to the defaults.
func NewEngine(tables map[domain.FactKind]Priority) *Engine {
	merged := DefaultPriorities()
	for k, v := range tables {
		if len(v) > 0 {
			merged[k] = v
		}
	}
	rank := make(map[domain.FactKind]map[string]int, len(merged))
	for kind, order := range merged {
		m := make(map[string]int, len(order))
		for i, name := range order {
			if _, dup := m[name]; !dup {
				m[name] = i
			}
		}
		rank[kind] = m
	}
	return &Engine{rank: rank}
}

// Less reports whether provider a outranks provider b for kind. Unlisted
// providers rank after every listed one, alphabetically.
func (e *Engine) Less(kind domain.FactKind, a, b string) bool {
	ra, okA := e.rank[kind][a]
	rb, okB := e.rank[kind][b]
	switch {
	case okA && okB:
		return ra < rb
	case okA:
		return true
	case okB:
		return false
	}
	return a < b
}

// Valid reports whether a raw record carries the minimal fields for its
// kind: a symbol, a key instant for keyed kinds, and every required field.
func Valid(r domain.RawRecord) bool {
	if r.Symbol == "" || r.Provider == "" {
		return false
	}
	schema := domain.SchemaFor(r.Kind)
	if schema.KeyName != "" && r.Key.IsZero() {
		return false
	}
	for _, f := range schema.Fields {
		if f.Required && domain.IsEmpty(r.Fields[f.Name]) {
			return false
		}
	}
	return true
}

type groupKey struct {
	symbol     string
	kind       domain.FactKind
	freq       domain.Frequency
	periodType string
	key        time.Time
}

// Merge reconciles raw records into canonical records, one per natural key,
// ordered by symbol then key. fetchedAt is stamped on every result. Input
// order never affects the output.
func (e *Engine) Merge(raws []domain.RawRecord, fetchedAt time.Time) []domain.CanonicalRecord {
	groups := make(map[groupKey][]domain.RawRecord)
	var order []groupKey
	for _, r := range raws {
		if !Valid(r) {
			continue
		}
		k := groupKey{r.Symbol, r.Kind, r.Frequency, r.PeriodType, r.Key.UTC()}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.symbol != b.symbol {
			return a.symbol < b.symbol
		}
		if a.freq != b.freq {
			return a.freq < b.freq
		}
		if !a.key.Equal(b.key) {
			return a.key.Before(b.key)
		}
		return a.periodType < b.periodType
	})

	out := make([]domain.CanonicalRecord, 0, len(order))
	for _, k := range order {
		out = append(out, e.mergeGroup(groups[k], fetchedAt))
	}
	return out
}

// mergeGroup folds one natural-key group. Records are sorted by provider
// priority; each field takes the first non-empty value.
func (e *Engine) mergeGroup(group []domain.RawRecord, fetchedAt time.Time) domain.CanonicalRecord {
	kind := group[0].Kind
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].Provider != group[j].Provider {
			return e.Less(kind, group[i].Provider, group[j].Provider)
		}
		// Same provider twice: prefer the richer record.
		return len(group[i].Fields) > len(group[j].Fields)
	})

	top := group[0]
	rec := domain.CanonicalRecord{
		Symbol:     top.Symbol,
		Kind:       top.Kind,
		Frequency:  top.Frequency,
		PeriodType: top.PeriodType,
		Key:        top.Key.UTC(),
		Fields:     domain.Fields{},
		FetchedAt:  fetchedAt.UTC(),
	}

	seen := make(map[string]bool, len(group))
	for _, r := range group {
		if !seen[r.Provider] {
			seen[r.Provider] = true
			rec.Providers = append(rec.Providers, r.Provider)
		}
	}

	for _, f := range domain.SchemaFor(kind).Fields {
		for _, r := range group {
			if v, ok := r.Fields[f.Name]; ok && !domain.IsEmpty(v) {
				rec.Fields[f.Name] = v
				break
			}
		}
	}

	derive(&rec)
	return rec
}
