package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"factsync/internal/domain"
	"factsync/internal/util"
)

func testWindow() domain.FetchWindow {
	return domain.FetchWindow{
		From: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestAdapter(t *testing.T, spec Spec, srv *httptest.Server, key string) *HTTPAdapter {
	t.Helper()
	a, err := NewHTTPAdapter(spec, Options{
		APIKey:  key,
		BaseURL: srv.URL,
		Client:  srv.Client(),
		Logger:  util.Discard(),
	})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	return a
}

func mustDecimal(t *testing.T, f domain.Fields, name, want string) {
	t.Helper()
	got, ok := f.Decimal(name)
	if !ok {
		t.Fatalf("field %s missing in %v", name, f)
	}
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestFinnhubDividends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stock/dividend" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("token"); got != "secret" {
			t.Errorf("token = %q", got)
		}
		if got := r.URL.Query().Get("symbol"); got != "AAPL" {
			t.Errorf("symbol = %q", got)
		}
		w.Write([]byte(`[
			{"symbol":"AAPL","exDate":"2024-02-09","amount":0.24,"payDate":"2024-02-15","recordDate":"2024-02-12","declarationDate":"2024-02-01","currency":"USD"},
			{"symbol":"AAPL","exDate":"2023-11-10","amount":"n/a","payDate":"2023-11-16","currency":"USD"},
			{"symbol":"AAPL","exDate":"2019-05-10","amount":0.77},
			{"symbol":"AAPL","amount":0.5}
		]`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, finnhubSpec(), srv, "secret")
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindDividend, Window: testWindow()})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// 2019 is outside the window, the last record has no key.
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(recs), recs)
	}

	r := recs[0]
	if r.Provider != Finnhub || r.Symbol != "AAPL" || r.Kind != domain.KindDividend {
		t.Errorf("record header = %+v", r)
	}
	if !r.Key.Equal(time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Key = %v", r.Key)
	}
	mustDecimal(t, r.Fields, "amount", "0.24")
	if d, _ := r.Fields.Time("declaration_date"); !d.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("declaration_date = %v", d)
	}
	if c, _ := r.Fields.Text("currency"); c != "USD" {
		t.Errorf("currency = %q", c)
	}

	// An unparseable amount drops the field, not the record.
	if _, ok := recs[1].Fields.Decimal("amount"); ok {
		t.Error("amount should be missing for n/a")
	}
	if _, ok := recs[1].Fields.Time("payment_date"); !ok {
		t.Error("payment_date should survive a bad amount")
	}
}

func TestAlphaVantageIntradayKeyedSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fn := r.URL.Query().Get("function"); fn != "TIME_SERIES_INTRADAY" {
			t.Errorf("function = %q", fn)
		}
		w.Write([]byte(`{
			"Meta Data": {"2. Symbol": "AAPL"},
			"Time Series (5min)": {
				"2024-02-09 09:40:00": {"1. open": "188.10", "2. high": "188.40", "3. low": "187.90", "4. close": "188.20", "5. volume": "120000"},
				"2024-02-09 09:35:00": {"1. open": "188.00", "2. high": "188.30", "3. low": "187.80", "4. close": "188.10", "5. volume": "150000"}
			}
		}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, alphaVantageSpec(), srv, "k")
	win := domain.FetchWindow{
		From: time.Date(2024, 2, 9, 14, 30, 0, 0, time.UTC),
		To:   time.Date(2024, 2, 9, 21, 0, 0, 0, time.UTC),
	}
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindIntraday, PeriodType: "5min", Window: win})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Entries are visited in key order; New York 09:35 is 14:35 UTC.
	if want := time.Date(2024, 2, 9, 14, 35, 0, 0, time.UTC); !recs[0].Key.Equal(want) {
		t.Errorf("Key = %v, want %v", recs[0].Key, want)
	}
	if recs[0].PeriodType != "5min" {
		t.Errorf("PeriodType = %q", recs[0].PeriodType)
	}
	mustDecimal(t, recs[0].Fields, "close", "188.10")
	mustDecimal(t, recs[1].Fields, "volume", "120000")
}

func TestAlphaVantageQuoteBracketPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Global Quote": {"01. symbol": "AAPL", "05. price": "185.50", "08. previous close": "184.00", "10. change percent": "0.8152%", "07. latest trading day": "2024-02-09"}}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, alphaVantageSpec(), srv, "k")
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindQuote, Window: testWindow()})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	mustDecimal(t, recs[0].Fields, "price", "185.50")
	mustDecimal(t, recs[0].Fields, "change_percent", "0.8152")
	if !recs[0].Key.IsZero() {
		t.Error("quotes carry no key")
	}
}

func TestAlphaVantageThrottleNotice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute."}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, alphaVantageSpec(), srv, "k")
	_, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindDividend, Window: testWindow()})
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AdapterError", err)
	}
	if !ae.RateLimited() {
		t.Errorf("expected rate-limited error, got %v", ae)
	}
}

func TestFetchWithoutCredentialIsNoop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	a := newTestAdapter(t, fmpSpec(), srv, "")
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindQuote, Window: testWindow()})
	if err != nil || recs != nil {
		t.Fatalf("Fetch = %v, %v; want nil, nil", recs, err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times", calls.Load())
	}
}

func TestFetchUnsupportedKindIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected call")
	}))
	defer srv.Close()

	a := newTestAdapter(t, apiNinjasSpec(), srv, "k")
	if a.Supports(domain.KindDividend, domain.FrequencyNone) {
		t.Error("api_ninjas should not support dividends")
	}
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindDividend, Window: testWindow()})
	if err != nil || recs != nil {
		t.Fatalf("Fetch = %v, %v; want nil, nil", recs, err)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestAdapter(t, finnhubSpec(), srv, "k")
	_, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindQuote, Window: testWindow()})
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AdapterError", err)
	}
	if ae.StatusCode != http.StatusBadGateway || ae.Provider != Finnhub {
		t.Errorf("AdapterError = %+v", ae)
	}
	if !strings.Contains(ae.Error(), "upstream exploded") {
		t.Errorf("Error() = %q", ae.Error())
	}
}

func TestFetchMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, finnhubSpec(), srv, "k")
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindQuote, Window: testWindow()})
	if err != nil || len(recs) != 0 {
		t.Fatalf("Fetch = %v, %v; want no data", recs, err)
	}
}

func TestFetchUnexpectedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"historical": "not-a-list"}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, fmpSpec(), srv, "k")
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindDividend, Window: testWindow()})
	if err != nil || len(recs) != 0 {
		t.Fatalf("Fetch = %v, %v; want no data", recs, err)
	}
}

func TestPolygonPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apiKey") != "poly" {
			t.Errorf("page %s missing apiKey", r.URL.String())
		}
		switch r.URL.Query().Get("cursor") {
		case "":
			w.Write([]byte(`{"results":[{"ex_dividend_date":"2024-02-09","cash_amount":0.24,"pay_date":"2024-02-15"}],
				"next_url":"` + srv.URL + `/v3/reference/dividends?cursor=p2"}`))
		case "p2":
			w.Write([]byte(`{"results":[{"ex_dividend_date":"2023-11-10","cash_amount":0.24}]}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, polygonSpec(), srv, "poly")
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindDividend, Window: testWindow()})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records across pages, want 2", len(recs))
	}
}

func TestPolygonIntradayMillis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/range/5/minute/") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"results":[{"t":1707489300000,"o":188.0,"h":188.3,"l":187.8,"c":188.1,"v":150000,"vw":188.05}]}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, polygonSpec(), srv, "poly")
	win := domain.FetchWindow{
		From: time.Date(2024, 2, 9, 14, 30, 0, 0, time.UTC),
		To:   time.Date(2024, 2, 9, 21, 0, 0, 0, time.UTC),
	}
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindIntraday, PeriodType: "5min", Window: win})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if want := time.Date(2024, 2, 9, 14, 35, 0, 0, time.UTC); !recs[0].Key.Equal(want) {
		t.Errorf("Key = %v, want %v", recs[0].Key, want)
	}
	mustDecimal(t, recs[0].Fields, "vwap", "188.05")
}

func TestTiingoHeaderAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token tk" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("token") != "" {
			t.Error("header-auth provider leaked key into query")
		}
		w.Write([]byte(`[{"ticker":"AAPL","tngoLast":185.5,"prevClose":184.0}]`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, tiingoSpec(), srv, "tk")
	recs, err := a.Fetch(context.Background(), Request{Symbol: "AAPL", Kind: domain.KindQuote, Window: testWindow()})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	mustDecimal(t, recs[0].Fields, "price", "185.5")
}

func TestBalanceSheetPeriodPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("period"); got != "quarter" {
			t.Errorf("period = %q, want quarter", got)
		}
		w.Write([]byte(`[{"date":"2023-12-30","totalAssets":353514000000,"totalLiabilities":279414000000,"reportedCurrency":"USD"}]`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, fmpSpec(), srv, "k")
	recs, err := a.Fetch(context.Background(), Request{
		Symbol: "AAPL", Kind: domain.KindBalanceSheet, Frequency: domain.FrequencyQuarterly, Window: testWindow(),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 || recs[0].Frequency != domain.FrequencyQuarterly {
		t.Fatalf("recs = %+v", recs)
	}
	mustDecimal(t, recs[0].Fields, "total_assets", "353514000000")
}

func TestBuiltinSpecsAreConsistent(t *testing.T) {
	seen := map[string]bool{}
	for _, spec := range BuiltinSpecs() {
		if seen[spec.Name] {
			t.Errorf("duplicate provider %s", spec.Name)
		}
		seen[spec.Name] = true
		if !spec.NoCredential && spec.AuthQuery == "" && spec.AuthHeader == "" {
			t.Errorf("%s: no auth mechanism", spec.Name)
		}
		for _, ep := range spec.Endpoints {
			schema := domain.SchemaFor(ep.Kind)
			if schema.KeyName != "" && ep.Key == "" {
				t.Errorf("%s/%s: keyed kind without key path", spec.Name, ep.Kind)
			}
			for name := range ep.Fields {
				if _, ok := schema.Lookup(name); !ok {
					t.Errorf("%s/%s: unknown field %s", spec.Name, ep.Kind, name)
				}
			}
			if strings.Contains(ep.Path+ep.Query["period"]+ep.Query["freq"]+ep.Query["timeframe"], "{period}") && len(ep.PeriodNames) == 0 {
				t.Errorf("%s/%s: {period} without PeriodNames", spec.Name, ep.Kind)
			}
		}
	}
}

func TestRegistryFor(t *testing.T) {
	adapters, err := BuildHTTP(map[string]Credentials{"api_ninjas": {Disabled: true}}, nil, util.Discard())
	if err != nil {
		t.Fatalf("BuildHTTP: %v", err)
	}
	reg := NewRegistry(adapters...)
	for _, n := range reg.Names() {
		if n == APINinjas {
			t.Error("disabled provider registered")
		}
	}
	got := map[string]bool{}
	for _, a := range reg.For(domain.KindBalanceSheet, domain.FrequencyAnnual) {
		got[a.Name()] = true
	}
	for _, want := range []string{Finnhub, AlphaVantage, FMP, TwelveData, Polygon} {
		if !got[want] {
			t.Errorf("%s missing from balance-sheet adapters", want)
		}
	}
	if got[Tiingo] {
		t.Error("tiingo has no balance-sheet endpoint")
	}
}
