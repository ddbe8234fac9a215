package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"factsync/internal/domain"
	"factsync/internal/gather"
	"factsync/internal/store"
)

type fakeRunner struct {
	sum  *gather.Summary
	err  error
	kind domain.FactKind
	opts gather.RunOptions
}

func (f *fakeRunner) Run(_ context.Context, kind domain.FactKind, opts gather.RunOptions) (*gather.Summary, error) {
	f.kind = kind
	f.opts = opts
	return f.sum, f.err
}

type fakeReader struct {
	recs []domain.CanonicalRecord
	err  error
	q    store.FactQuery
}

func (f *fakeReader) ReadFacts(_ context.Context, q store.FactQuery) ([]domain.CanonicalRecord, error) {
	f.q = q
	return f.recs, f.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRunStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
	}{
		{"success", "/api/pipelines/dividend/run", "", nil, http.StatusOK},
		{"alias kind", "/api/pipelines/dividends/run", "{}", nil, http.StatusOK},
		{"unknown kind", "/api/pipelines/options/run", "", nil, http.StatusBadRequest},
		{"bad body", "/api/pipelines/quote/run", "{", nil, http.StatusBadRequest},
		{"bad symbol", "/api/pipelines/quote/run", `{"symbols":["$$"]}`, nil, http.StatusBadRequest},
		{"negative max", "/api/pipelines/quote/run", `{"maxSymbols":-1}`, nil, http.StatusBadRequest},
		{"no symbols", "/api/pipelines/quote/run", "", gather.ErrNoSymbols, http.StatusNotFound},
		{"overlap", "/api/pipelines/quote/run", "", gather.ErrRunActive, http.StatusConflict},
		{"not configured", "/api/pipelines/intraday/run", "", ErrUnknownPipeline, http.StatusBadRequest},
		{"infrastructure", "/api/pipelines/quote/run", "",
			&gather.InfrastructureError{Op: "symbol source", Err: errors.New("db down")}, http.StatusInternalServerError},
		{"cancelled", "/api/pipelines/quote/run", "", context.Canceled, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.err}
			if tt.err == nil {
				runner.sum = &gather.Summary{Success: true, RunID: "r1"}
			}
			s := NewServer(runner, &fakeReader{}, nil)
			w := do(t, s.Handler(), http.MethodPost, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if tt.status == http.StatusOK {
				var sum gather.Summary
				if err := json.NewDecoder(w.Body).Decode(&sum); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if !sum.Success || sum.RunID != "r1" {
					t.Errorf("summary = %+v", sum)
				}
				return
			}
			var e ErrorJSON
			if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if e.Success || e.Error == "" {
				t.Errorf("error body = %+v", e)
			}
		})
	}
}

func TestRunPassesOptions(t *testing.T) {
	runner := &fakeRunner{sum: &gather.Summary{Success: true}}
	s := NewServer(runner, &fakeReader{}, nil)

	body := `{"symbols":["aapl","MSFT"],"maxSymbols":5,"skipAnnual":true}`
	w := do(t, s.Handler(), http.MethodPost, "/api/pipelines/balance-sheet/run", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if runner.kind != domain.KindBalanceSheet {
		t.Errorf("kind = %q", runner.kind)
	}
	if len(runner.opts.Symbols) != 2 || runner.opts.MaxSymbols != 5 {
		t.Errorf("opts = %+v", runner.opts)
	}
	if runner.opts.SkipAnnual == nil || !*runner.opts.SkipAnnual {
		t.Error("skipAnnual not forwarded")
	}
	if runner.opts.SkipQuarterly != nil {
		t.Error("skipQuarterly should stay unset")
	}
}

func TestRunRejectsGet(t *testing.T) {
	s := NewServer(&fakeRunner{}, &fakeReader{}, nil)
	w := do(t, s.Handler(), http.MethodGet, "/api/pipelines/quote/run", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestFacts(t *testing.T) {
	exDate := time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC)
	fetched := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	reader := &fakeReader{recs: []domain.CanonicalRecord{{
		Symbol: "AAPL",
		Kind:   domain.KindDividend,
		Key:    exDate,
		Fields: domain.Fields{
			"amount":       decimal.RequireFromString("0.24"),
			"payment_date": time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
			"currency":     "USD",
		},
		Providers: []string{"B", "A"},
		FetchedAt: fetched,
	}}}
	s := NewServer(&fakeRunner{}, reader, nil)

	w := do(t, s.Handler(), http.MethodGet, "/api/facts/dividend/aapl?from=2024-01-01&limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	if reader.q.Symbol != "AAPL" || reader.q.Limit != 10 {
		t.Errorf("query = %+v", reader.q)
	}
	if !reader.q.From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || !reader.q.To.IsZero() {
		t.Errorf("bounds = %v..%v", reader.q.From, reader.q.To)
	}

	var out FactsJSON
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 1 || len(out.Facts) != 1 {
		t.Fatalf("count = %d", out.Count)
	}
	f := out.Facts[0]
	if f.Key != "2024-02-09" {
		t.Errorf("key = %q", f.Key)
	}
	if f.DataProvider != "B, A" {
		t.Errorf("dataProvider = %q", f.DataProvider)
	}
	if f.Fields["amount"] != "0.24" || f.Fields["payment_date"] != "2024-02-15" || f.Fields["currency"] != "USD" {
		t.Errorf("fields = %v", f.Fields)
	}
}

func TestFactsBadParams(t *testing.T) {
	s := NewServer(&fakeRunner{}, &fakeReader{}, nil)
	for _, path := range []string{
		"/api/facts/options/AAPL",
		"/api/facts/dividend/$$",
		"/api/facts/dividend/AAPL?from=yesterday",
		"/api/facts/balance_sheet/AAPL?frequency=monthly",
		"/api/facts/dividend/AAPL?limit=-2",
	} {
		w := do(t, s.Handler(), http.MethodGet, path, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, w.Code)
		}
	}
}

func TestFactsStoreError(t *testing.T) {
	s := NewServer(&fakeRunner{}, &fakeReader{err: errors.New("boom")}, nil)
	w := do(t, s.Handler(), http.MethodGet, "/api/facts/quote/AAPL", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(&fakeRunner{}, &fakeReader{}, nil)
	w := do(t, s.Handler(), http.MethodOptions, "/api/pipelines/quote/run", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

// batchRunner runs batches, stopping early when ctx is cancelled, and
// calls afterBatch once each batch is done.
type batchRunner struct {
	batches    int
	ran        int
	afterBatch func(i int)
}

func (b *batchRunner) Run(ctx context.Context, _ domain.FactKind, _ gather.RunOptions) (*gather.Summary, error) {
	for i := 0; i < b.batches; i++ {
		if err := ctx.Err(); err != nil {
			return &gather.Summary{Success: true, Processed: b.ran}, err
		}
		b.ran++
		b.afterBatch(i)
	}
	return &gather.Summary{Success: true, Processed: b.ran}, nil
}

func TestRunSurvivesClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &batchRunner{batches: 3, afterBatch: func(i int) {
		if i == 0 {
			cancel()
		}
	}}
	s := NewServer(runner, &fakeReader{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/pipelines/dividend/run", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if runner.ran != 3 {
		t.Errorf("batches run = %d, want 3", runner.ran)
	}
}
