// Package alpacadata adapts the Alpaca market-data SDK to the provider
// contract for quotes and intraday bars, and loads exchange holidays from
// the Alpaca trading calendar.
package alpacadata

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"factsync/internal/domain"
	"factsync/internal/provider"
	"factsync/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ provider.Adapter = (*Adapter)(nil)

// marketData is the subset of *marketdata.Client used here.
type marketData interface {
	GetSnapshot(symbol string, req marketdata.GetSnapshotRequest) (*marketdata.Snapshot, error)
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// Adapter fetches quotes (from snapshots) and 5-minute bars via the Alpaca
// market-data API.
type Adapter struct {
	client  marketData
	enabled bool
	feed    string
	limiter *util.RateLimiter
	log     *slog.Logger
}

// Options configures the adapter.
type Options struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string // iex | sip
	RateLimitPerMin int
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// New creates an Alpaca adapter. Without credentials it answers every
// request with no data.
func New(opts Options) *Adapter {
	mopts := marketdata.ClientOpts{
		APIKey:     opts.APIKey,
		APISecret:  opts.APISecret,
		HTTPClient: opts.HTTPClient,
	}
	if opts.DataURL != "" {
		mopts.BaseURL = opts.DataURL
	}
	return newAdapter(marketdata.NewClient(mopts), opts)
}

func newAdapter(client marketData, opts Options) *Adapter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	feed := opts.Feed
	if feed == "" {
		feed = "iex"
	}
	return &Adapter{
		client:  client,
		enabled: opts.APIKey != "" && opts.APISecret != "",
		feed:    feed,
		limiter: util.NewRateLimiter(opts.RateLimitPerMin),
		log:     log.With("provider", provider.Alpaca),
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return provider.Alpaca }

// Supports reports quote and intraday coverage.
func (a *Adapter) Supports(kind domain.FactKind, _ domain.Frequency) bool {
	return kind == domain.KindQuote || kind == domain.KindIntraday
}

// Fetch implements provider.Adapter.
func (a *Adapter) Fetch(ctx context.Context, req provider.Request) ([]domain.RawRecord, error) {
	if !a.enabled || !a.Supports(req.Kind, req.Frequency) {
		return nil, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, &provider.AdapterError{Provider: provider.Alpaca, Err: err}
	}

	switch req.Kind {
	case domain.KindQuote:
		return a.fetchQuote(ctx, req)
	default:
		return a.fetchBars(ctx, req)
	}
}

// call runs fn on its own goroutine so that ctx bounds SDK calls that do
// not accept a context.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func (a *Adapter) fetchQuote(ctx context.Context, req provider.Request) ([]domain.RawRecord, error) {
	snap, err := call(ctx, func() (*marketdata.Snapshot, error) {
		return a.client.GetSnapshot(req.Symbol, marketdata.GetSnapshotRequest{Feed: a.feed})
	})
	if err != nil {
		return nil, &provider.AdapterError{Provider: provider.Alpaca, Err: err}
	}
	if snap == nil {
		return nil, nil
	}

	f := domain.Fields{}
	if snap.LatestTrade != nil && snap.LatestTrade.Price > 0 {
		f.Set("price", decimal.NewFromFloat(snap.LatestTrade.Price))
	}
	if b := snap.DailyBar; b != nil {
		f.Set("open", decimal.NewFromFloat(b.Open))
		f.Set("high", decimal.NewFromFloat(b.High))
		f.Set("low", decimal.NewFromFloat(b.Low))
		f.Set("volume", decimal.NewFromInt(int64(b.Volume)))
		f.Set("latest_trading_day", domain.TruncateDate(b.Timestamp))
		if _, ok := f["price"]; !ok && b.Close > 0 {
			f.Set("price", decimal.NewFromFloat(b.Close))
		}
	}
	if b := snap.PrevDailyBar; b != nil && b.Close > 0 {
		f.Set("previous_close", decimal.NewFromFloat(b.Close))
	}
	if len(f) == 0 {
		return nil, nil
	}
	f.Set("currency", "USD")

	return []domain.RawRecord{{
		Symbol:   req.Symbol,
		Kind:     domain.KindQuote,
		Provider: provider.Alpaca,
		Fields:   f,
	}}, nil
}

func (a *Adapter) fetchBars(ctx context.Context, req provider.Request) ([]domain.RawRecord, error) {
	bars, err := call(ctx, func() ([]marketdata.Bar, error) {
		return a.client.GetBars(req.Symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.NewTimeFrame(5, marketdata.Min),
			Start:     req.Window.From,
			End:       req.Window.To,
			Feed:      a.feed,
		})
	})
	if err != nil {
		return nil, &provider.AdapterError{Provider: provider.Alpaca, Err: err}
	}

	out := make([]domain.RawRecord, 0, len(bars))
	for _, b := range bars {
		ts := b.Timestamp.UTC()
		if !req.Window.Contains(ts) {
			continue
		}
		f := domain.Fields{}
		f.Set("open", decimal.NewFromFloat(b.Open))
		f.Set("high", decimal.NewFromFloat(b.High))
		f.Set("low", decimal.NewFromFloat(b.Low))
		f.Set("close", decimal.NewFromFloat(b.Close))
		f.Set("volume", decimal.NewFromInt(int64(b.Volume)))
		if b.VWAP > 0 {
			f.Set("vwap", decimal.NewFromFloat(b.VWAP))
		}
		out = append(out, domain.RawRecord{
			Symbol:     strings.ToUpper(req.Symbol),
			Kind:       domain.KindIntraday,
			PeriodType: req.PeriodType,
			Provider:   provider.Alpaca,
			Key:        ts,
			Fields:     f,
		})
	}
	a.log.Debug("fetched bars", "symbol", req.Symbol, "bars", len(out), "window_from", req.Window.From.Format(time.RFC3339))
	return out, nil
}
