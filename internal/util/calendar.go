package util

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // exchange zone must resolve on minimal images
)

// DefaultExchangeZone is the IANA zone of the US equity exchanges.
const DefaultExchangeZone = "America/New_York"

// TradingCalendar provides exchange-local day, weekend, holiday and session
// awareness. Holidays can be replaced at runtime; all other fields are fixed
// at construction.
type TradingCalendar struct {
	loc        *time.Location
	openHour   int
	openMinute int

	mu       sync.RWMutex
	holidays map[string]bool
}

// NewTradingCalendar creates a calendar for the given zone with the session
// opening at openHour:openMinute local time.
func NewTradingCalendar(zone string, openHour, openMinute int) (*TradingCalendar, error) {
	if zone == "" {
		zone = DefaultExchangeZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("loading exchange zone %q: %w", zone, err)
	}
	if openHour < 0 || openHour > 23 || openMinute < 0 || openMinute > 59 {
		return nil, fmt.Errorf("invalid session open %02d:%02d", openHour, openMinute)
	}
	return &TradingCalendar{
		loc:        loc,
		openHour:   openHour,
		openMinute: openMinute,
		holidays:   make(map[string]bool),
	}, nil
}

// MustUSCalendar returns the NYSE calendar (09:30 America/New_York) with no
// holidays. It panics only if the embedded tz database is broken.
func MustUSCalendar() *TradingCalendar {
	c, err := NewTradingCalendar(DefaultExchangeZone, 9, 30)
	if err != nil {
		panic(err)
	}
	return c
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// SetHolidays replaces the holiday set. Dates are exchange-local calendar
// days; only their year/month/day is used.
func (tc *TradingCalendar) SetHolidays(days []time.Time) {
	m := make(map[string]bool, len(days))
	for _, d := range days {
		m[d.Format("2006-01-02")] = true
	}
	tc.mu.Lock()
	tc.holidays = m
	tc.mu.Unlock()
}

// IsHoliday reports whether the exchange-local day of t is a holiday.
func (tc *TradingCalendar) IsHoliday(t time.Time) bool {
	key := t.In(tc.loc).Format("2006-01-02")
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.holidays[key]
}

// IsTradingDay reports whether the exchange-local day of t is a weekday that
// is not a holiday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.In(tc.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.IsHoliday(t)
}

// openOn returns the session open on the exchange-local day of t, in UTC.
func (tc *TradingCalendar) openOn(t time.Time) time.Time {
	l := t.In(tc.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), tc.openHour, tc.openMinute, 0, 0, tc.loc).UTC()
}

// SessionOpen returns the most recent session open at or before now, in UTC.
// Weekends roll back to Friday; pre-open instants and holidays step back to
// the previous trading day.
func (tc *TradingCalendar) SessionOpen(now time.Time) time.Time {
	day := now.In(tc.loc)
	switch day.Weekday() {
	case time.Saturday:
		day = day.AddDate(0, 0, -1)
	case time.Sunday:
		day = day.AddDate(0, 0, -2)
	}
	open := tc.openOn(day)
	// Bounded walk; holiday runs never exceed a few days.
	for i := 0; i < 14 && (open.After(now) || !tc.IsTradingDay(open)); i++ {
		day = tc.PreviousTradingDay(day)
		open = tc.openOn(day)
	}
	return open
}

// PreviousTradingDay returns the latest trading day strictly before the
// exchange-local day of t, as an exchange-local midnight.
func (tc *TradingCalendar) PreviousTradingDay(t time.Time) time.Time {
	l := t.In(tc.loc)
	d := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, tc.loc)
	for i := 0; i < 14; i++ {
		d = d.AddDate(0, 0, -1)
		if tc.IsTradingDay(d) {
			return d
		}
	}
	return d
}

// InLocalWindow reports whether now falls on a trading day and its
// exchange-local clock time is within [hour:minute, hour:minute+width).
func (tc *TradingCalendar) InLocalWindow(now time.Time, hour, minute int, width time.Duration) bool {
	if !tc.IsTradingDay(now) {
		return false
	}
	l := now.In(tc.loc)
	start := time.Date(l.Year(), l.Month(), l.Day(), hour, minute, 0, 0, tc.loc)
	return !l.Before(start) && l.Before(start.Add(width))
}
