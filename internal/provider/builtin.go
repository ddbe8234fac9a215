package provider

import (
	"factsync/internal/domain"
)

// Provider names.
const (
	Finnhub      = "finnhub"
	AlphaVantage = "alpha_vantage"
	FMP          = "fmp"
	TwelveData   = "twelve_data"
	Tiingo       = "tiingo"
	Polygon      = "polygon"
	YahooFinance = "yahoo_finance"
	APINinjas    = "api_ninjas"
	Alpaca       = "alpaca"
)

const newYork = "America/New_York"

var quarterAnnual = map[domain.Frequency]string{
	domain.FrequencyQuarterly: "quarter",
	domain.FrequencyAnnual:    "annual",
}

var quarterlyAnnual = map[domain.Frequency]string{
	domain.FrequencyQuarterly: "quarterly",
	domain.FrequencyAnnual:    "annual",
}

// BuiltinSpecs returns the declarative specs of every HTTP provider. The
// result is freshly allocated and may be modified by the caller.
func BuiltinSpecs() []Spec {
	return []Spec{
		finnhubSpec(),
		alphaVantageSpec(),
		fmpSpec(),
		twelveDataSpec(),
		tiingoSpec(),
		polygonSpec(),
		yahooSpec(),
		apiNinjasSpec(),
	}
}

func finnhubSpec() Spec {
	return Spec{
		Name:            Finnhub,
		BaseURL:         "https://finnhub.io/api/v1",
		AuthQuery:       "token",
		RateLimitPerMin: 60,
		ErrorPaths:      []string{"$.error"},
		Endpoints: []Endpoint{
			{
				Kind:    domain.KindQuote,
				Path:    "/quote",
				Query:   map[string]string{"symbol": "{symbol}"},
				Records: "$",
				Single:  true,
				Unix:    domain.UnixSeconds,
				Fields: map[string]string{
					"price":              "$.c",
					"previous_close":     "$.pc",
					"change_amount":      "$.d",
					"change_percent":     "$.dp",
					"open":               "$.o",
					"high":               "$.h",
					"low":                "$.l",
					"latest_trading_day": "$.t",
				},
			},
			{
				Kind:    domain.KindDividend,
				Path:    "/stock/dividend",
				Query:   map[string]string{"symbol": "{symbol}", "from": "{from}", "to": "{to}"},
				Records: "$[*]",
				Key:     "$.exDate",
				Fields: map[string]string{
					"amount":           "$.amount",
					"declaration_date": "$.declarationDate",
					"record_date":      "$.recordDate",
					"payment_date":     "$.payDate",
					"currency":         "$.currency",
				},
			},
			{
				Kind:        domain.KindBalanceSheet,
				Path:        "/stock/financials",
				Query:       map[string]string{"symbol": "{symbol}", "statement": "bs", "freq": "{period}"},
				PeriodNames: quarterlyAnnual,
				Records:     "$.financials[*]",
				Key:         "$.period",
				Fields: map[string]string{
					"total_assets":         "$.totalAssets",
					"total_liabilities":    "$.totalLiabilities",
					"total_equity":         "$.totalEquity",
					"current_assets":       "$.currentAssets",
					"current_liabilities":  "$.totalCurrentLiabilities",
					"cash_and_equivalents": "$.cashShortTermInvestments",
					"total_debt":           "$.totalDebt",
				},
			},
		},
	}
}

func alphaVantageSpec() Spec {
	balance := map[string]string{
		"total_assets":         "$.totalAssets",
		"total_liabilities":    "$.totalLiabilities",
		"total_equity":         "$.totalShareholderEquity",
		"current_assets":       "$.totalCurrentAssets",
		"current_liabilities":  "$.totalCurrentLiabilities",
		"cash_and_equivalents": "$.cashAndCashEquivalentsAtCarryingValue",
		"total_debt":           "$.shortLongTermDebtTotal",
		"reported_currency":    "$.reportedCurrency",
	}
	return Spec{
		Name:            AlphaVantage,
		BaseURL:         "https://www.alphavantage.co",
		AuthQuery:       "apikey",
		RateLimitPerMin: 5,
		ErrorPaths:      []string{`$["Error Message"]`},
		ThrottlePaths:   []string{"$.Note", "$.Information"},
		Endpoints: []Endpoint{
			{
				Kind:    domain.KindQuote,
				Path:    "/query",
				Query:   map[string]string{"function": "GLOBAL_QUOTE", "symbol": "{symbol}"},
				Records: `$["Global Quote"]`,
				Single:  true,
				Fields: map[string]string{
					"open":               `$["02. open"]`,
					"high":               `$["03. high"]`,
					"low":                `$["04. low"]`,
					"price":              `$["05. price"]`,
					"volume":             `$["06. volume"]`,
					"latest_trading_day": `$["07. latest trading day"]`,
					"previous_close":     `$["08. previous close"]`,
					"change_amount":      `$["09. change"]`,
					"change_percent":     `$["10. change percent"]`,
				},
			},
			{
				Kind:    domain.KindDividend,
				Path:    "/query",
				Query:   map[string]string{"function": "DIVIDENDS", "symbol": "{symbol}"},
				Records: "$.data[*]",
				Key:     "$.ex_dividend_date",
				Fields: map[string]string{
					"amount":           "$.amount",
					"declaration_date": "$.declaration_date",
					"record_date":      "$.record_date",
					"payment_date":     "$.payment_date",
				},
			},
			{
				Kind:      domain.KindBalanceSheet,
				Frequency: domain.FrequencyQuarterly,
				Path:      "/query",
				Query:     map[string]string{"function": "BALANCE_SHEET", "symbol": "{symbol}"},
				Records:   "$.quarterlyReports[*]",
				Key:       "$.fiscalDateEnding",
				Fields:    balance,
			},
			{
				Kind:      domain.KindBalanceSheet,
				Frequency: domain.FrequencyAnnual,
				Path:      "/query",
				Query:     map[string]string{"function": "BALANCE_SHEET", "symbol": "{symbol}"},
				Records:   "$.annualReports[*]",
				Key:       "$.fiscalDateEnding",
				Fields:    balance,
			},
			{
				Kind:     domain.KindIntraday,
				Path:     "/query",
				Query:    map[string]string{"function": "TIME_SERIES_INTRADAY", "symbol": "{symbol}", "interval": "5min", "outputsize": "full"},
				Records:  `$["Time Series (5min)"]`,
				Key:      KeyPath,
				TimeZone: newYork,
				Fields: map[string]string{
					"open":   `$["1. open"]`,
					"high":   `$["2. high"]`,
					"low":    `$["3. low"]`,
					"close":  `$["4. close"]`,
					"volume": `$["5. volume"]`,
				},
			},
		},
	}
}

func fmpSpec() Spec {
	return Spec{
		Name:            FMP,
		BaseURL:         "https://financialmodelingprep.com/api/v3",
		AuthQuery:       "apikey",
		RateLimitPerMin: 250,
		ErrorPaths:      []string{`$["Error Message"]`},
		Endpoints: []Endpoint{
			{
				Kind:    domain.KindQuote,
				Path:    "/quote/{symbol}",
				Records: "$[0]",
				Single:  true,
				Unix:    domain.UnixSeconds,
				Fields: map[string]string{
					"price":              "$.price",
					"previous_close":     "$.previousClose",
					"change_amount":      "$.change",
					"change_percent":     "$.changesPercentage",
					"open":               "$.open",
					"high":               "$.dayHigh",
					"low":                "$.dayLow",
					"volume":             "$.volume",
					"latest_trading_day": "$.timestamp",
				},
			},
			{
				Kind:    domain.KindDividend,
				Path:    "/historical-price-full/stock_dividend/{symbol}",
				Records: "$.historical[*]",
				Key:     "$.date",
				Fields: map[string]string{
					"amount":           "$.dividend",
					"declaration_date": "$.declarationDate",
					"record_date":      "$.recordDate",
					"payment_date":     "$.paymentDate",
				},
			},
			{
				Kind:        domain.KindBalanceSheet,
				Path:        "/balance-sheet-statement/{symbol}",
				Query:       map[string]string{"period": "{period}", "limit": "20"},
				PeriodNames: quarterAnnual,
				Records:     "$[*]",
				Key:         "$.date",
				Fields: map[string]string{
					"total_assets":         "$.totalAssets",
					"total_liabilities":    "$.totalLiabilities",
					"total_equity":         "$.totalStockholdersEquity",
					"current_assets":       "$.totalCurrentAssets",
					"current_liabilities":  "$.totalCurrentLiabilities",
					"cash_and_equivalents": "$.cashAndCashEquivalents",
					"total_debt":           "$.totalDebt",
					"reported_currency":    "$.reportedCurrency",
				},
			},
			{
				Kind:     domain.KindIntraday,
				Path:     "/historical-chart/5min/{symbol}",
				Query:    map[string]string{"from": "{from}", "to": "{to}"},
				Records:  "$[*]",
				Key:      "$.date",
				TimeZone: newYork,
				Fields: map[string]string{
					"open":   "$.open",
					"high":   "$.high",
					"low":    "$.low",
					"close":  "$.close",
					"volume": "$.volume",
				},
			},
		},
	}
}

func twelveDataSpec() Spec {
	return Spec{
		Name:            TwelveData,
		BaseURL:         "https://api.twelvedata.com",
		AuthQuery:       "apikey",
		RateLimitPerMin: 8,
		ErrorPaths:      []string{"$.message"},
		Endpoints: []Endpoint{
			{
				Kind:    domain.KindQuote,
				Path:    "/quote",
				Query:   map[string]string{"symbol": "{symbol}"},
				Records: "$",
				Single:  true,
				Fields: map[string]string{
					"price":              "$.close",
					"previous_close":     "$.previous_close",
					"change_amount":      "$.change",
					"change_percent":     "$.percent_change",
					"open":               "$.open",
					"high":               "$.high",
					"low":                "$.low",
					"volume":             "$.volume",
					"currency":           "$.currency",
					"latest_trading_day": "$.datetime",
				},
			},
			{
				Kind:        domain.KindBalanceSheet,
				Path:        "/balance_sheet",
				Query:       map[string]string{"symbol": "{symbol}", "period": "{period}"},
				PeriodNames: quarterlyAnnual,
				Records:     "$.balance_sheet[*]",
				Key:         "$.fiscal_date",
				Fields: map[string]string{
					"total_assets":         "$.assets.total_assets",
					"current_assets":       "$.assets.current_assets.total_current_assets",
					"cash_and_equivalents": "$.assets.current_assets.cash_and_cash_equivalents",
					"total_liabilities":    "$.liabilities.total_liabilities",
					"current_liabilities":  "$.liabilities.current_liabilities.total_current_liabilities",
					"total_equity":         "$.shareholders_equity.total_shareholders_equity",
				},
			},
			{
				Kind:    domain.KindIntraday,
				Path:    "/time_series",
				Query:   map[string]string{"symbol": "{symbol}", "interval": "5min", "start_date": "{from}", "timezone": "UTC", "outputsize": "500"},
				Records: "$.values[*]",
				Key:     "$.datetime",
				Fields: map[string]string{
					"open":   "$.open",
					"high":   "$.high",
					"low":    "$.low",
					"close":  "$.close",
					"volume": "$.volume",
				},
			},
		},
	}
}

func tiingoSpec() Spec {
	return Spec{
		Name:            Tiingo,
		BaseURL:         "https://api.tiingo.com",
		AuthHeader:      "Authorization",
		AuthPrefix:      "Token ",
		RateLimitPerMin: 50,
		ErrorPaths:      []string{"$.detail"},
		Endpoints: []Endpoint{
			{
				Kind:    domain.KindQuote,
				Path:    "/iex/",
				Query:   map[string]string{"tickers": "{symbol}"},
				Records: "$[0]",
				Single:  true,
				Fields: map[string]string{
					"price":              "$.tngoLast",
					"previous_close":     "$.prevClose",
					"open":               "$.open",
					"high":               "$.high",
					"low":                "$.low",
					"volume":             "$.volume",
					"latest_trading_day": "$.timestamp",
				},
			},
			{
				Kind:    domain.KindDividend,
				Path:    "/tiingo/corporate-actions/{symbol}/distributions",
				Query:   map[string]string{"startExDate": "{from}"},
				Records: "$[*]",
				Key:     "$.exDate",
				Fields: map[string]string{
					"amount":           "$.distribution",
					"declaration_date": "$.declarationDate",
					"record_date":      "$.recordDate",
					"payment_date":     "$.payDate",
				},
			},
			{
				Kind:    domain.KindIntraday,
				Path:    "/iex/{symbol}/prices",
				Query:   map[string]string{"startDate": "{from}", "resampleFreq": "5min", "columns": "open,high,low,close,volume"},
				Records: "$[*]",
				Key:     "$.date",
				Fields: map[string]string{
					"open":   "$.open",
					"high":   "$.high",
					"low":    "$.low",
					"close":  "$.close",
					"volume": "$.volume",
				},
			},
		},
	}
}

func polygonSpec() Spec {
	return Spec{
		Name:            Polygon,
		BaseURL:         "https://api.polygon.io",
		AuthQuery:       "apiKey",
		RateLimitPerMin: 5,
		ErrorPaths:      []string{"$.error"},
		Endpoints: []Endpoint{
			{
				Kind:    domain.KindQuote,
				Path:    "/v2/snapshot/locale/us/markets/stocks/tickers/{symbol}",
				Records: "$.ticker",
				Single:  true,
				Fields: map[string]string{
					"price":          "$.lastTrade.p",
					"previous_close": "$.prevDay.c",
					"change_amount":  "$.todaysChange",
					"change_percent": "$.todaysChangePerc",
					"open":           "$.day.o",
					"high":           "$.day.h",
					"low":            "$.day.l",
					"volume":         "$.day.v",
				},
			},
			{
				Kind:     domain.KindDividend,
				Path:     "/v3/reference/dividends",
				Query:    map[string]string{"ticker": "{symbol}", "ex_dividend_date.gte": "{from}", "ex_dividend_date.lte": "{to}", "limit": "1000"},
				Records:  "$.results[*]",
				Key:      "$.ex_dividend_date",
				NextPage: "$.next_url",
				MaxPages: 3,
				Fields: map[string]string{
					"amount":           "$.cash_amount",
					"declaration_date": "$.declaration_date",
					"record_date":      "$.record_date",
					"payment_date":     "$.pay_date",
					"currency":         "$.currency",
				},
			},
			{
				Kind:        domain.KindBalanceSheet,
				Path:        "/vX/reference/financials",
				Query:       map[string]string{"ticker": "{symbol}", "timeframe": "{period}", "limit": "20"},
				PeriodNames: quarterlyAnnual,
				Records:     "$.results[*]",
				Key:         "$.end_date",
				Fields: map[string]string{
					"total_assets":        "$.financials.balance_sheet.assets.value",
					"total_liabilities":   "$.financials.balance_sheet.liabilities.value",
					"total_equity":        "$.financials.balance_sheet.equity.value",
					"current_assets":      "$.financials.balance_sheet.current_assets.value",
					"current_liabilities": "$.financials.balance_sheet.current_liabilities.value",
				},
			},
			{
				Kind:     domain.KindIntraday,
				Path:     "/v2/aggs/ticker/{symbol}/range/5/minute/{from_ms}/{to_ms}",
				Query:    map[string]string{"adjusted": "true", "sort": "asc", "limit": "50000"},
				Records:  "$.results[*]",
				Key:      "$.t",
				Unix:     domain.UnixMillis,
				NextPage: "$.next_url",
				MaxPages: 3,
				Fields: map[string]string{
					"open":   "$.o",
					"high":   "$.h",
					"low":    "$.l",
					"close":  "$.c",
					"volume": "$.v",
					"vwap":   "$.vw",
				},
			},
		},
	}
}

func yahooSpec() Spec {
	return Spec{
		Name:            YahooFinance,
		BaseURL:         "https://query1.finance.yahoo.com",
		NoCredential:    true,
		RateLimitPerMin: 30,
		ErrorPaths:      []string{"$.chart.error.description"},
		Endpoints: []Endpoint{
			{
				Kind:    domain.KindQuote,
				Path:    "/v8/finance/chart/{symbol}",
				Query:   map[string]string{"interval": "1d", "range": "1d"},
				Records: "$.chart.result[0].meta",
				Single:  true,
				Unix:    domain.UnixSeconds,
				Fields: map[string]string{
					"price":              "$.regularMarketPrice",
					"previous_close":     "$.chartPreviousClose",
					"high":               "$.regularMarketDayHigh",
					"low":                "$.regularMarketDayLow",
					"volume":             "$.regularMarketVolume",
					"currency":           "$.currency",
					"latest_trading_day": "$.regularMarketTime",
				},
			},
			{
				Kind:    domain.KindDividend,
				Path:    "/v8/finance/chart/{symbol}",
				Query:   map[string]string{"interval": "1d", "events": "div", "period1": "{from_s}", "period2": "{to_s}"},
				Records: "$.chart.result[0].events.dividends",
				Key:     "$.date",
				Unix:    domain.UnixSeconds,
				Fields: map[string]string{
					"amount": "$.amount",
				},
			},
		},
	}
}

func apiNinjasSpec() Spec {
	return Spec{
		Name:            APINinjas,
		BaseURL:         "https://api.api-ninjas.com/v1",
		AuthHeader:      "X-Api-Key",
		RateLimitPerMin: 60,
		ErrorPaths:      []string{"$.error"},
		Endpoints: []Endpoint{
			{
				Kind:    domain.KindQuote,
				Path:    "/stockprice",
				Query:   map[string]string{"ticker": "{symbol}"},
				Records: "$",
				Single:  true,
				Unix:    domain.UnixSeconds,
				Fields: map[string]string{
					"price":              "$.price",
					"currency":           "$.currency",
					"latest_trading_day": "$.updated",
				},
			},
		},
	}
}
