// Package provider normalizes external market-data APIs into raw fact
// records. Every provider implements the same Adapter contract; most are
// driven by a declarative Spec evaluated with JSONPath.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"factsync/internal/domain"
)

// Request addresses one adapter call.
type Request struct {
	Symbol     string
	Kind       domain.FactKind
	Frequency  domain.Frequency
	PeriodType string
	Window     domain.FetchWindow
}

// Adapter fetches raw records for one provider.
//
// Fetch returns (nil, nil) when the provider has no credential configured,
// does not cover the requested kind, or returned a payload it could not
// interpret. Transport and HTTP status failures return an *AdapterError.
// Adapters never retry.
type Adapter interface {
	Name() string
	Supports(kind domain.FactKind, freq domain.Frequency) bool
	Fetch(ctx context.Context, req Request) ([]domain.RawRecord, error)
}

// AdapterError is a provider-local failure. It degrades to "this provider
// contributed nothing" for the item being fetched.
type AdapterError struct {
	Provider   string
	StatusCode int // 0 for transport or payload-level errors
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// RateLimited reports whether the provider throttled the request.
func (e *AdapterError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || errors.Is(e.Err, ErrRateLimited)
}

// ErrRateLimited marks payload-level throttling notices.
var ErrRateLimited = errors.New("rate limited")

// inWindow keeps records whose natural key falls within w. Date-keyed kinds
// compare calendar days so a window starting mid-day still includes that
// day. Quotes pass through.
func inWindow(kind domain.FactKind, recs []domain.RawRecord, w domain.FetchWindow) []domain.RawRecord {
	if kind == domain.KindQuote {
		return recs
	}
	from, to := w.From, w.To
	if kind != domain.KindIntraday {
		from = domain.TruncateDate(from)
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Key.Before(from) || r.Key.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}
