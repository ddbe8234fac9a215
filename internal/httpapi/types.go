// Package httpapi provides the HTTP trigger surface for the ingestion
// pipelines and a read endpoint for canonical facts.
package httpapi

import (
	"sort"
	"time"

	"factsync/internal/domain"
)

// RunRequest is the optional body of POST /api/pipelines/{kind}/run.
type RunRequest struct {
	Symbols       []string `json:"symbols"`
	MaxSymbols    int      `json:"maxSymbols"`
	SkipQuarterly *bool    `json:"skipQuarterly"`
	SkipAnnual    *bool    `json:"skipAnnual"`
}

// ErrorJSON is the body of every non-200 response.
type ErrorJSON struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error"`
}

// FactJSON is the consumer representation of a canonical record. Field
// values use their storage rendering: decimals as strings, dates as
// YYYY-MM-DD, instants as RFC 3339.
type FactJSON struct {
	Symbol       string            `json:"symbol"`
	Kind         domain.FactKind   `json:"kind"`
	Frequency    domain.Frequency  `json:"frequency,omitempty"`
	PeriodType   string            `json:"periodType,omitempty"`
	Key          string            `json:"key,omitempty"`
	DataProvider string            `json:"dataProvider"`
	FetchedAt    time.Time         `json:"fetchedAt"`
	Fields       map[string]string `json:"fields"`
}

// FactsJSON is the body of GET /api/facts/{kind}/{symbol}.
type FactsJSON struct {
	Kind   domain.FactKind `json:"kind"`
	Symbol string          `json:"symbol"`
	Count  int             `json:"count"`
	Facts  []FactJSON      `json:"facts"`
}

func toFactJSON(r domain.CanonicalRecord) FactJSON {
	schema := domain.SchemaFor(r.Kind)
	out := FactJSON{
		Symbol:       r.Symbol,
		Kind:         r.Kind,
		Frequency:    r.Frequency,
		PeriodType:   r.PeriodType,
		DataProvider: r.DataProvider(),
		FetchedAt:    r.FetchedAt,
		Fields:       make(map[string]string, len(r.Fields)),
	}
	if schema.KeyName != "" {
		out.Key = domain.FormatKey(r.Kind, r.Key)
	}

	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, ok := schema.Lookup(name)
		if !ok || domain.IsEmpty(r.Fields[name]) {
			continue
		}
		out.Fields[name] = domain.FormatValue(spec, r.Fields[name])
	}
	return out
}
