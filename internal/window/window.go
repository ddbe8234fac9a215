// Package window computes the minimal fetch range still needed for a
// (symbol, kind) given its last persisted watermark.
package window

import (
	"fmt"
	"time"

	"factsync/internal/domain"
)

// Policy describes how far back to look for a kind and how fresh its data
// must be before a fetch is worthwhile.
type Policy struct {
	// Lookback is the window start distance from now when no watermark
	// exists. Ignored when SessionAnchored is set.
	Lookback time.Duration
	// SessionAnchored starts absent-watermark windows at the most recent
	// session open instead of now-Lookback.
	SessionAnchored bool
	// Unit is the key granularity added to a watermark to form the next
	// window start.
	Unit time.Duration
	// Staleness is the minimum span the window must cover.
	Staleness time.Duration
}

// fiveYears approximates five calendar years.
const fiveYears = 5 * 365 * 24 * time.Hour

// DefaultPolicies returns the built-in policy per kind.
func DefaultPolicies() map[domain.FactKind]Policy {
	return map[domain.FactKind]Policy{
		domain.KindDividend:     {Lookback: fiveYears, Unit: 24 * time.Hour, Staleness: 24 * time.Hour},
		domain.KindBalanceSheet: {Lookback: fiveYears, Unit: 24 * time.Hour, Staleness: 24 * time.Hour},
		domain.KindQuote:        {Lookback: 24 * time.Hour, Unit: 0, Staleness: 24 * time.Hour},
		domain.KindIntraday:     {SessionAnchored: true, Unit: time.Minute, Staleness: 2 * time.Minute},
	}
}

// SessionClock yields the most recent exchange session open at or before
// now. *util.TradingCalendar satisfies it.
type SessionClock interface {
	SessionOpen(now time.Time) time.Time
}

// Calculator computes fetch windows. It is safe for concurrent use.
type Calculator struct {
	policies map[domain.FactKind]Policy
	clock    SessionClock
}

// NewCalculator creates a Calculator. policies is copied.
func NewCalculator(policies map[domain.FactKind]Policy, clock SessionClock) *Calculator {
	p := make(map[domain.FactKind]Policy, len(policies))
	for k, v := range policies {
		p[k] = v
	}
	return &Calculator{policies: p, clock: clock}
}

// Compute returns the window for kind given the watermark (nil when
// absent) at instant now. The window is empty, with a reason, when the
// watermark is recent enough that no adapter should be called.
func (c *Calculator) Compute(kind domain.FactKind, watermark *time.Time, now time.Time) (domain.FetchWindow, error) {
	pol, ok := c.policies[kind]
	if !ok {
		return domain.FetchWindow{}, fmt.Errorf("no window policy for kind %q", kind)
	}
	to := now.UTC()

	var from time.Time
	switch {
	case watermark != nil:
		from = watermark.UTC().Add(pol.Unit)
	case pol.SessionAnchored:
		if c.clock == nil {
			return domain.FetchWindow{}, fmt.Errorf("kind %q needs a session clock", kind)
		}
		from = c.clock.SessionOpen(to).UTC()
	default:
		from = to.Add(-pol.Lookback)
	}

	w := domain.FetchWindow{From: from, To: to}
	if from.After(to.Add(-pol.Staleness)) {
		w.Empty = true
		w.Reason = fmt.Sprintf("fresh: next fetch from %s, staleness %s", from.Format(time.RFC3339), pol.Staleness)
	}
	return w, nil
}
