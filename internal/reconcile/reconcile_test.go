package reconcile

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"factsync/internal/domain"
)

var exDate = time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC)

func dividend(provider string, fields domain.Fields) domain.RawRecord {
	return domain.RawRecord{
		Symbol:   "AAPL",
		Kind:     domain.KindDividend,
		Provider: provider,
		Key:      exDate,
		Fields:   fields,
	}
}

func TestMergeDividendExample(t *testing.T) {
	eng := NewEngine(map[domain.FactKind]Priority{domain.KindDividend: {"B", "A"}})
	a := dividend("A", domain.Fields{"amount": decimal.RequireFromString("0.24")})
	b := dividend("B", domain.Fields{
		"amount":           decimal.RequireFromString("0.24"),
		"declaration_date": time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	})

	out := eng.Merge([]domain.RawRecord{a, b}, time.Now())
	if len(out) != 1 {
		t.Fatalf("got %d records, want 1", len(out))
	}
	rec := out[0]
	if got := rec.DataProvider(); got != "B, A" {
		t.Errorf("DataProvider() = %q, want %q", got, "B, A")
	}
	if d, _ := rec.Fields.Time("declaration_date"); d.Format(domain.DateLayout) != "2024-02-01" {
		t.Errorf("declaration_date = %v", d)
	}
	if amt, _ := rec.Fields.Decimal("amount"); !amt.Equal(decimal.RequireFromString("0.24")) {
		t.Errorf("amount = %s", amt)
	}
	if !rec.Key.Equal(exDate) {
		t.Errorf("Key = %v", rec.Key)
	}
}

func TestMergePriorityMonotonicity(t *testing.T) {
	eng := NewEngine(nil)
	raws := []domain.RawRecord{
		dividend("yahoo_finance", domain.Fields{"amount": decimal.RequireFromString("0.25"), "currency": "USD"}),
		dividend("finnhub", domain.Fields{"amount": decimal.RequireFromString("0.24"), "payment_date": time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)}),
		dividend("polygon", domain.Fields{"amount": decimal.RequireFromString("0.245"), "record_date": time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC)}),
		dividend("unknown_z", domain.Fields{"amount": decimal.RequireFromString("9"), "declaration_date": time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}),
		dividend("unknown_a", domain.Fields{"amount": decimal.RequireFromString("8"), "declaration_date": time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)}),
	}

	rng := rand.New(rand.NewSource(1))
	var first domain.CanonicalRecord
	for i := 0; i < 20; i++ {
		shuffled := append([]domain.RawRecord(nil), raws...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		out := eng.Merge(shuffled, time.Unix(0, 0))
		if len(out) != 1 {
			t.Fatalf("got %d records, want 1", len(out))
		}
		rec := out[0]
		if i == 0 {
			first = rec
		}

		// polygon outranks finnhub, which outranks yahoo_finance.
		if amt, _ := rec.Fields.Decimal("amount"); amt.String() != "0.245" {
			t.Errorf("amount = %s, want polygon's 0.245", amt)
		}
		if cur, _ := rec.Fields.Text("currency"); cur != "USD" {
			t.Errorf("currency = %q, want yahoo_finance's USD", cur)
		}
		// Unlisted providers rank last, alphabetically.
		if d, _ := rec.Fields.Time("declaration_date"); !d.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("declaration_date = %v, want unknown_a's", d)
		}
		if got, want := rec.DataProvider(), "polygon, finnhub, yahoo_finance, unknown_a, unknown_z"; got != want {
			t.Errorf("DataProvider() = %q, want %q", got, want)
		}
		if rec.DataProvider() != first.DataProvider() || len(rec.Fields) != len(first.Fields) {
			t.Error("merge result depends on input order")
		}
	}
}

func TestMergeDropsInvalidRecords(t *testing.T) {
	eng := NewEngine(nil)
	raws := []domain.RawRecord{
		dividend("fmp", domain.Fields{"currency": "USD"}),              // no amount
		{Symbol: "AAPL", Kind: domain.KindDividend, Provider: "polygon", // no key
			Fields: domain.Fields{"amount": decimal.NewFromInt(1)}},
		{Kind: domain.KindDividend, Provider: "finnhub", Key: exDate, // no symbol
			Fields: domain.Fields{"amount": decimal.NewFromInt(1)}},
		{Symbol: "AAPL", Kind: domain.KindBalanceSheet, Frequency: domain.FrequencyAnnual, Provider: "fmp", Key: exDate,
			Fields: domain.Fields{"total_assets": decimal.NewFromInt(10)}},
	}
	out := eng.Merge(raws, time.Now())
	if len(out) != 1 || out[0].Kind != domain.KindBalanceSheet {
		t.Fatalf("Merge = %+v, want only the balance sheet", out)
	}
	// Balance sheets with no required fields still need a key.
	if out[0].DataProvider() != "fmp" {
		t.Errorf("DataProvider() = %q", out[0].DataProvider())
	}
}

func TestMergeGroupsByNaturalKey(t *testing.T) {
	eng := NewEngine(nil)
	next := exDate.AddDate(0, 3, 0)
	raws := []domain.RawRecord{
		dividend("fmp", domain.Fields{"amount": decimal.NewFromInt(1)}),
		{Symbol: "AAPL", Kind: domain.KindDividend, Provider: "fmp", Key: next, Fields: domain.Fields{"amount": decimal.NewFromInt(2)}},
		{Symbol: "MSFT", Kind: domain.KindDividend, Provider: "fmp", Key: exDate, Fields: domain.Fields{"amount": decimal.NewFromInt(3)}},
		dividend("polygon", domain.Fields{"amount": decimal.NewFromInt(4)}),
	}
	out := eng.Merge(raws, time.Now())
	if len(out) != 3 {
		t.Fatalf("got %d records, want 3", len(out))
	}
	if out[0].Symbol != "AAPL" || !out[0].Key.Equal(exDate) || out[0].DataProvider() != "fmp, polygon" {
		t.Errorf("out[0] = %+v", out[0])
	}
	if !out[1].Key.Equal(next) || out[2].Symbol != "MSFT" {
		t.Errorf("unexpected order: %v, %v", out[1].Key, out[2].Symbol)
	}
}

func TestMergeDedupesProvenance(t *testing.T) {
	eng := NewEngine(nil)
	raws := []domain.RawRecord{
		dividend("fmp", domain.Fields{"amount": decimal.NewFromInt(1)}),
		dividend("fmp", domain.Fields{"amount": decimal.NewFromInt(1), "currency": "USD"}),
	}
	out := eng.Merge(raws, time.Now())
	if len(out) != 1 || out[0].DataProvider() != "fmp" {
		t.Fatalf("Merge = %+v", out)
	}
	if cur, _ := out[0].Fields.Text("currency"); cur != "USD" {
		t.Errorf("currency = %q", cur)
	}
}

func TestDerivedQuoteFields(t *testing.T) {
	eng := NewEngine(nil)
	raws := []domain.RawRecord{{
		Symbol: "AAPL", Kind: domain.KindQuote, Provider: "api_ninjas",
		Fields: domain.Fields{"price": decimal.RequireFromString("110"), "previous_close": decimal.RequireFromString("100")},
	}}
	out := eng.Merge(raws, time.Now())
	if len(out) != 1 {
		t.Fatalf("got %d records", len(out))
	}
	if c, _ := out[0].Fields.Decimal("change_amount"); !c.Equal(decimal.NewFromInt(10)) {
		t.Errorf("change_amount = %s", c)
	}
	if p, _ := out[0].Fields.Decimal("change_percent"); !p.Equal(decimal.NewFromInt(10)) {
		t.Errorf("change_percent = %s", p)
	}
}

func TestDerivedQuoteKeepsProviderValues(t *testing.T) {
	eng := NewEngine(nil)
	raws := []domain.RawRecord{{
		Symbol: "AAPL", Kind: domain.KindQuote, Provider: "finnhub",
		Fields: domain.Fields{
			"price":          decimal.RequireFromString("110"),
			"previous_close": decimal.RequireFromString("100"),
			"change_percent": decimal.RequireFromString("9.99"),
		},
	}}
	out := eng.Merge(raws, time.Now())
	if p, _ := out[0].Fields.Decimal("change_percent"); !p.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("change_percent = %s, provider value must win", p)
	}
}

func TestDerivedTotalEquity(t *testing.T) {
	eng := NewEngine(nil)
	raws := []domain.RawRecord{
		{Symbol: "AAPL", Kind: domain.KindBalanceSheet, Frequency: domain.FrequencyQuarterly, Provider: "fmp", Key: exDate,
			Fields: domain.Fields{"total_assets": decimal.NewFromInt(350)}},
		{Symbol: "AAPL", Kind: domain.KindBalanceSheet, Frequency: domain.FrequencyQuarterly, Provider: "polygon", Key: exDate,
			Fields: domain.Fields{"total_liabilities": decimal.NewFromInt(280)}},
	}
	out := eng.Merge(raws, time.Now())
	if len(out) != 1 {
		t.Fatalf("got %d records", len(out))
	}
	if eq, _ := out[0].Fields.Decimal("total_equity"); !eq.Equal(decimal.NewFromInt(70)) {
		t.Errorf("total_equity = %s", eq)
	}
}

func TestNewEngineCopiesTables(t *testing.T) {
	table := Priority{"B", "A"}
	eng := NewEngine(map[domain.FactKind]Priority{domain.KindDividend: table})
	table[0], table[1] = "A", "B"
	if !eng.Less(domain.KindDividend, "B", "A") {
		t.Error("engine must not observe later mutation of the injected table")
	}
}
