// Package domain defines the core types shared by the ingestion pipeline:
// fact kinds, raw per-provider records, reconciled canonical records,
// watermarks, fetch windows and batch outcomes.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Fact kinds
// ---------------------------------------------------------------------------

// FactKind identifies a family of financial facts. It determines which
// adapters, merge rules and key shape apply.
type FactKind string

const (
	KindDividend     FactKind = "dividend"
	KindQuote        FactKind = "quote"
	KindBalanceSheet FactKind = "balance_sheet"
	KindIntraday     FactKind = "intraday"
)

// AllKinds lists every supported kind in a stable order.
var AllKinds = []FactKind{KindDividend, KindQuote, KindBalanceSheet, KindIntraday}

// ParseKind converts a string into a FactKind. It accepts the canonical names
// plus a few common spellings used by callers of the trigger surface.
func ParseKind(s string) (FactKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dividend", "dividends":
		return KindDividend, nil
	case "quote", "quotes":
		return KindQuote, nil
	case "balance_sheet", "balance-sheet", "balancesheet", "balance_sheets":
		return KindBalanceSheet, nil
	case "intraday", "intraday_bar", "intraday-bars", "bars":
		return KindIntraday, nil
	}
	return "", fmt.Errorf("unknown fact kind %q", s)
}

// AppendOnly reports whether facts of this kind accumulate over time.
// Quotes are the only kind overwritten in place.
func (k FactKind) AppendOnly() bool { return k != KindQuote }

// Frequency is the reporting frequency of a balance-sheet period.
type Frequency string

const (
	FrequencyNone      Frequency = ""
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnual    Frequency = "annual"
)

// DefaultPeriodType is the bar size requested from intraday providers.
const DefaultPeriodType = "5min"

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

var symbolRe = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,11}$`)

// NormalizeSymbol trims and uppercases s and checks it against the ticker
// pattern.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRe.MatchString(sym) {
		return "", fmt.Errorf("invalid symbol %q", s)
	}
	return sym, nil
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// RawRecord is a partial fact as seen by one provider. It lives only for the
// duration of a single fetch and merge.
type RawRecord struct {
	Symbol     string
	Kind       FactKind
	Frequency  Frequency
	PeriodType string
	Provider   string
	Key        time.Time // ex-dividend date, fiscal date or bar start; zero for quotes
	Fields     Fields
}

// CanonicalRecord is the reconciled fact for one natural key.
type CanonicalRecord struct {
	Symbol     string
	Kind       FactKind
	Frequency  Frequency
	PeriodType string
	Key        time.Time
	Fields     Fields
	Providers  []string // priority order, no duplicates
	FetchedAt  time.Time
}

// DataProvider returns the provenance string stored with the record.
func (r CanonicalRecord) DataProvider() string {
	return strings.Join(r.Providers, ", ")
}

// NaturalKey returns the deduplication key of the record, matching the
// composite key used by the persistence layer.
func (r CanonicalRecord) NaturalKey() string {
	return NaturalKey(r.Kind, r.Symbol, r.Frequency, r.PeriodType, r.Key, r.DataProvider())
}

// NaturalKey formats the composite key for a fact:
//
//	dividend       SYMBOL|ex_date|providers
//	quote          SYMBOL
//	balance_sheet  SYMBOL|frequency|fiscal_date|providers
//	intraday       SYMBOL|period_start|period_type|providers
func NaturalKey(kind FactKind, symbol string, freq Frequency, periodType string, key time.Time, provider string) string {
	switch kind {
	case KindQuote:
		return symbol
	case KindDividend:
		return strings.Join([]string{symbol, FormatKey(kind, key), provider}, "|")
	case KindBalanceSheet:
		return strings.Join([]string{symbol, string(freq), FormatKey(kind, key), provider}, "|")
	case KindIntraday:
		return strings.Join([]string{symbol, FormatKey(kind, key), periodType, provider}, "|")
	}
	return symbol
}

// FormatKey renders a natural-key instant the way it is stored: a calendar
// date for date-keyed kinds, an RFC 3339 UTC timestamp for intraday bars.
func FormatKey(kind FactKind, t time.Time) string {
	if kind == KindIntraday {
		return t.UTC().Format(time.RFC3339)
	}
	return t.UTC().Format(DateLayout)
}

// ParseKey is the inverse of FormatKey.
func ParseKey(kind FactKind, s string) (time.Time, error) {
	if kind == KindIntraday {
		return time.Parse(time.RFC3339, s)
	}
	return time.Parse(DateLayout, s)
}

// DateLayout is the storage layout for calendar dates.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Watermarks and windows
// ---------------------------------------------------------------------------

// WatermarkKey addresses one watermark.
type WatermarkKey struct {
	Symbol    string
	Kind      FactKind
	Frequency Frequency
}

func (k WatermarkKey) String() string {
	if k.Frequency != FrequencyNone {
		return fmt.Sprintf("%s/%s/%s", k.Symbol, k.Kind, k.Frequency)
	}
	return fmt.Sprintf("%s/%s", k.Symbol, k.Kind)
}

// FetchWindow is the closed interval [From, To] still needed for an item.
// An empty window means the item is fresh and no adapter should be called.
type FetchWindow struct {
	From   time.Time
	To     time.Time
	Empty  bool
	Reason string
}

// Contains reports whether t falls inside the closed window.
func (w FetchWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// ---------------------------------------------------------------------------
// Batch outcomes
// ---------------------------------------------------------------------------

// Outcome is the terminal tag of a batch item.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeNoData  Outcome = "no_data"
	OutcomeError   Outcome = "error"
)

// Retryable reports whether the outcome earns the single retry.
func (o Outcome) Retryable() bool {
	return o == OutcomeError || o == OutcomeNoData
}
