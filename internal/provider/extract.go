package provider

import (
	"sort"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"factsync/internal/domain"
)

// entry is one candidate record with, for keyed collections, its name.
type entry struct {
	name  string
	value map[string]any
}

// selectRecords resolves the endpoint's record selector against a decoded
// document. Anything that is not an object, an array of objects, or an
// object of objects yields nothing.
func selectRecords(ep Endpoint, doc any) []entry {
	sel, err := jsonpath.Get(ep.Records, doc)
	if err != nil {
		return nil
	}
	switch v := sel.(type) {
	case map[string]any:
		if ep.Single {
			return []entry{{value: v}}
		}
		names := make([]string, 0, len(v))
		for k := range v {
			names = append(names, k)
		}
		sort.Strings(names)
		out := make([]entry, 0, len(names))
		for _, k := range names {
			if m, ok := v[k].(map[string]any); ok {
				out = append(out, entry{name: k, value: m})
			}
		}
		return out
	case []any:
		out := make([]entry, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, entry{value: m})
			}
			if ep.Single && len(out) == 1 {
				break
			}
		}
		return out
	}
	return nil
}

// lookup evaluates a record-relative path. Single-element results are
// unwrapped; missing keys yield nil.
func lookup(e entry, path string) any {
	if path == KeyPath {
		if e.name == "" {
			return nil
		}
		return e.name
	}
	v, err := jsonpath.Get(path, e.value)
	if err != nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}

// stringAt returns the string found at path in doc, or "".
func stringAt(doc any, path string) string {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// toRecords maps selected entries onto raw records. Entries without a
// parseable key are dropped; unparseable fields are left out.
func toRecords(provider string, ep Endpoint, req Request, loc *time.Location, entries []entry) []domain.RawRecord {
	schema := domain.SchemaFor(req.Kind)
	out := make([]domain.RawRecord, 0, len(entries))
	for _, e := range entries {
		rec := domain.RawRecord{
			Symbol:     req.Symbol,
			Kind:       req.Kind,
			Frequency:  req.Frequency,
			PeriodType: req.PeriodType,
			Provider:   provider,
			Fields:     domain.Fields{},
		}
		if schema.KeyName != "" {
			raw := lookup(e, ep.Key)
			var (
				key time.Time
				ok  bool
			)
			if req.Kind == domain.KindIntraday {
				key, ok = domain.ParseTime(raw, ep.TimeLayout, loc, ep.Unix)
			} else {
				key, ok = domain.ParseDate(raw, ep.TimeLayout, loc, ep.Unix)
			}
			if !ok {
				continue
			}
			rec.Key = key
		}
		for _, f := range schema.Fields {
			path, ok := ep.Fields[f.Name]
			if !ok {
				continue
			}
			if v, ok := domain.ParseValue(f, lookup(e, path), ep.TimeLayout, loc, ep.Unix); ok {
				rec.Fields.Set(f.Name, v)
			}
		}
		if len(rec.Fields) == 0 {
			continue
		}
		out = append(out, rec)
	}
	return out
}
