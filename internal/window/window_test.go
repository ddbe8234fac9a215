package window

import (
	"testing"
	"time"

	"factsync/internal/domain"
	"factsync/internal/util"
)

func ptr(t time.Time) *time.Time { return &t }

func TestCompute(t *testing.T) {
	cal := util.MustUSCalendar()
	calc := NewCalculator(DefaultPolicies(), cal)

	// Wednesday 2024-02-14 16:00 UTC = 11:00 New York.
	now := time.Date(2024, 2, 14, 16, 0, 0, 0, time.UTC)
	open := time.Date(2024, 2, 14, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		kind      domain.FactKind
		watermark *time.Time
		wantFrom  time.Time
		wantEmpty bool
	}{
		{
			name:     "dividend without watermark looks back five years",
			kind:     domain.KindDividend,
			wantFrom: now.Add(-fiveYears),
		},
		{
			name:      "dividend watermark advances one day",
			kind:      domain.KindDividend,
			watermark: ptr(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)),
			wantFrom:  time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "dividend watermark yesterday is fresh",
			kind:      domain.KindDividend,
			watermark: ptr(time.Date(2024, 2, 13, 17, 0, 0, 0, time.UTC)),
			wantFrom:  time.Date(2024, 2, 14, 17, 0, 0, 0, time.UTC),
			wantEmpty: true,
		},
		{
			name:     "quote without watermark",
			kind:     domain.KindQuote,
			wantFrom: now.Add(-24 * time.Hour),
		},
		{
			name:      "quote fetched an hour ago",
			kind:      domain.KindQuote,
			watermark: ptr(now.Add(-time.Hour)),
			wantFrom:  now.Add(-time.Hour),
			wantEmpty: true,
		},
		{
			name:      "quote fetched two days ago",
			kind:      domain.KindQuote,
			watermark: ptr(now.Add(-48 * time.Hour)),
			wantFrom:  now.Add(-48 * time.Hour),
		},
		{
			name:     "intraday without watermark starts at session open",
			kind:     domain.KindIntraday,
			wantFrom: open,
		},
		{
			name:      "intraday one minute behind is fresh",
			kind:      domain.KindIntraday,
			watermark: ptr(now.Add(-time.Minute)),
			wantFrom:  now,
			wantEmpty: true,
		},
		{
			name:      "intraday ten minutes behind",
			kind:      domain.KindIntraday,
			watermark: ptr(now.Add(-10 * time.Minute)),
			wantFrom:  now.Add(-9 * time.Minute),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := calc.Compute(tt.kind, tt.watermark, now)
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if !w.From.Equal(tt.wantFrom) {
				t.Errorf("From = %v, want %v", w.From, tt.wantFrom)
			}
			if !w.To.Equal(now) {
				t.Errorf("To = %v, want %v", w.To, now)
			}
			if w.Empty != tt.wantEmpty {
				t.Errorf("Empty = %v (%s), want %v", w.Empty, w.Reason, tt.wantEmpty)
			}
			if w.Empty && w.Reason == "" {
				t.Error("empty window should carry a reason")
			}
		})
	}
}

func TestComputeWeekendIntraday(t *testing.T) {
	calc := NewCalculator(DefaultPolicies(), util.MustUSCalendar())
	// Saturday 2024-02-17 15:00 UTC rolls back to Friday's open.
	now := time.Date(2024, 2, 17, 15, 0, 0, 0, time.UTC)
	w, err := calc.Compute(domain.KindIntraday, nil, now)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	want := time.Date(2024, 2, 16, 14, 30, 0, 0, time.UTC)
	if !w.From.Equal(want) {
		t.Errorf("From = %v, want %v", w.From, want)
	}
	if w.Empty {
		t.Error("window should not be empty")
	}
}

func TestComputeUnknownKind(t *testing.T) {
	calc := NewCalculator(map[domain.FactKind]Policy{}, nil)
	if _, err := calc.Compute(domain.KindQuote, nil, time.Now()); err == nil {
		t.Error("expected error for missing policy")
	}
	calc = NewCalculator(DefaultPolicies(), nil)
	if _, err := calc.Compute(domain.KindIntraday, nil, time.Now()); err == nil {
		t.Error("expected error for intraday without a session clock")
	}
}

func TestNewCalculatorCopiesPolicies(t *testing.T) {
	pols := DefaultPolicies()
	calc := NewCalculator(pols, nil)
	pols[domain.KindQuote] = Policy{Lookback: time.Hour}
	now := time.Date(2024, 2, 14, 16, 0, 0, 0, time.UTC)
	w, _ := calc.Compute(domain.KindQuote, nil, now)
	if !w.From.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("policy mutation leaked into calculator: From = %v", w.From)
	}
}
