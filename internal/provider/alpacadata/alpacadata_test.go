package alpacadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"factsync/internal/domain"
	"factsync/internal/provider"
	"factsync/internal/util"
)

type fakeMarketData struct {
	snap    *marketdata.Snapshot
	bars    []marketdata.Bar
	err     error
	barsReq marketdata.GetBarsRequest
}

func (f *fakeMarketData) GetSnapshot(string, marketdata.GetSnapshotRequest) (*marketdata.Snapshot, error) {
	return f.snap, f.err
}

func (f *fakeMarketData) GetBars(_ string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	f.barsReq = req
	return f.bars, f.err
}

func testOpts() Options {
	return Options{APIKey: "k", APISecret: "s", Logger: util.Discard()}
}

func TestFetchQuote(t *testing.T) {
	fake := &fakeMarketData{snap: &marketdata.Snapshot{
		LatestTrade:  &marketdata.Trade{Price: 185.5},
		DailyBar:     &marketdata.Bar{Open: 184.2, High: 186, Low: 183.9, Volume: 5000000, Timestamp: time.Date(2024, 2, 9, 5, 0, 0, 0, time.UTC)},
		PrevDailyBar: &marketdata.Bar{Close: 184},
	}}
	a := newAdapter(fake, testOpts())

	recs, err := a.Fetch(context.Background(), provider.Request{Symbol: "AAPL", Kind: domain.KindQuote})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	f := recs[0].Fields
	if p, _ := f.Decimal("price"); !p.Equal(decimal.RequireFromString("185.5")) {
		t.Errorf("price = %s", p)
	}
	if p, _ := f.Decimal("previous_close"); !p.Equal(decimal.NewFromInt(184)) {
		t.Errorf("previous_close = %s", p)
	}
	if d, _ := f.Time("latest_trading_day"); !d.Equal(time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("latest_trading_day = %v", d)
	}
	if recs[0].Provider != provider.Alpaca {
		t.Errorf("Provider = %q", recs[0].Provider)
	}
}

func TestFetchBarsFiltersWindow(t *testing.T) {
	open := time.Date(2024, 2, 9, 14, 30, 0, 0, time.UTC)
	fake := &fakeMarketData{bars: []marketdata.Bar{
		{Timestamp: open.Add(-5 * time.Minute), Close: 1},
		{Timestamp: open, Open: 188, High: 188.3, Low: 187.8, Close: 188.1, Volume: 150000, VWAP: 188.05},
		{Timestamp: open.Add(5 * time.Minute), Close: 188.2},
	}}
	a := newAdapter(fake, testOpts())

	win := domain.FetchWindow{From: open, To: open.Add(5 * time.Minute)}
	recs, err := a.Fetch(context.Background(), provider.Request{Symbol: "aapl", Kind: domain.KindIntraday, PeriodType: "5min", Window: win})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Symbol != "AAPL" || !recs[0].Key.Equal(open) {
		t.Errorf("first record = %+v", recs[0])
	}
	if v, _ := recs[0].Fields.Decimal("vwap"); !v.Equal(decimal.RequireFromString("188.05")) {
		t.Errorf("vwap = %s", v)
	}
	if _, ok := recs[1].Fields.Decimal("vwap"); ok {
		t.Error("zero vwap should be omitted")
	}
	if !fake.barsReq.Start.Equal(open) || fake.barsReq.Feed != "iex" {
		t.Errorf("bars request = %+v", fake.barsReq)
	}
}

func TestFetchWithoutCredentials(t *testing.T) {
	a := newAdapter(&fakeMarketData{err: errors.New("should not be called")}, Options{Logger: util.Discard()})
	recs, err := a.Fetch(context.Background(), provider.Request{Symbol: "AAPL", Kind: domain.KindQuote})
	if err != nil || recs != nil {
		t.Fatalf("Fetch = %v, %v; want nil, nil", recs, err)
	}
}

func TestFetchErrorWraps(t *testing.T) {
	a := newAdapter(&fakeMarketData{err: errors.New("forbidden")}, testOpts())
	_, err := a.Fetch(context.Background(), provider.Request{Symbol: "AAPL", Kind: domain.KindQuote})
	var ae *provider.AdapterError
	if !errors.As(err, &ae) || ae.Provider != provider.Alpaca {
		t.Fatalf("err = %v, want *provider.AdapterError", err)
	}
}

func TestSupports(t *testing.T) {
	a := newAdapter(&fakeMarketData{}, testOpts())
	if a.Supports(domain.KindDividend, domain.FrequencyNone) || a.Supports(domain.KindBalanceSheet, domain.FrequencyAnnual) {
		t.Error("alpaca should only support quotes and intraday")
	}
}

type fakeCalendar struct{ days []alpaca.CalendarDay }

func (f fakeCalendar) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	return f.days, nil
}

func TestLoadHolidays(t *testing.T) {
	// Week of Presidents' Day 2024: Monday the 19th is closed.
	cal := fakeCalendar{days: []alpaca.CalendarDay{
		{Date: "2024-02-16"}, {Date: "2024-02-20"}, {Date: "2024-02-21"},
	}}
	got, err := LoadHolidays(cal, time.Date(2024, 2, 16, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 21, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("LoadHolidays: %v", err)
	}
	if len(got) != 1 || got[0].Format("2006-01-02") != "2024-02-19" {
		t.Errorf("holidays = %v, want [2024-02-19]", got)
	}

	if _, err := LoadHolidays(fakeCalendar{}, time.Now(), time.Now()); err == nil {
		t.Error("expected error for empty calendar")
	}
}
