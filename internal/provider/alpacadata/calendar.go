package alpacadata

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// calendarAPI is the subset of *alpaca.Client used for holidays.
type calendarAPI interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// NewCalendarClient creates the trading API client used by LoadHolidays.
func NewCalendarClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// LoadHolidays returns the weekdays in [start, end] on which the exchange is
// closed according to the Alpaca trading calendar.
func LoadHolidays(api calendarAPI, start, end time.Time) ([]time.Time, error) {
	days, err := api.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no trading days returned from calendar")
	}

	open := make(map[string]bool, len(days))
	for _, d := range days {
		open[d.Date] = true
	}

	var holidays []time.Time
	for d := dateOf(start); !d.After(dateOf(end)); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		if !open[d.Format("2006-01-02")] {
			holidays = append(holidays, d)
		}
	}
	return holidays, nil
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
