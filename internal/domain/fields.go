package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FieldType is the storage type of a fact field.
type FieldType int

const (
	TypeNumber FieldType = iota // decimal.Decimal
	TypeDate                    // time.Time, calendar date
	TypeTime                    // time.Time, instant
	TypeText                    // string
)

// FieldSpec describes one optional field of a fact kind.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema is the ordered field list of a fact kind. KeyName is the name of
// the natural-key column; it is empty for quotes.
type Schema struct {
	Kind    FactKind
	KeyName string
	Fields  []FieldSpec
}

var schemas = map[FactKind]Schema{
	KindDividend: {
		Kind:    KindDividend,
		KeyName: "ex_dividend_date",
		Fields: []FieldSpec{
			{Name: "amount", Type: TypeNumber, Required: true},
			{Name: "declaration_date", Type: TypeDate},
			{Name: "record_date", Type: TypeDate},
			{Name: "payment_date", Type: TypeDate},
			{Name: "currency", Type: TypeText},
		},
	},
	KindQuote: {
		Kind: KindQuote,
		Fields: []FieldSpec{
			{Name: "price", Type: TypeNumber, Required: true},
			{Name: "previous_close", Type: TypeNumber},
			{Name: "change_amount", Type: TypeNumber},
			{Name: "change_percent", Type: TypeNumber},
			{Name: "open", Type: TypeNumber},
			{Name: "high", Type: TypeNumber},
			{Name: "low", Type: TypeNumber},
			{Name: "volume", Type: TypeNumber},
			{Name: "currency", Type: TypeText},
			{Name: "latest_trading_day", Type: TypeDate},
		},
	},
	KindBalanceSheet: {
		Kind:    KindBalanceSheet,
		KeyName: "fiscal_date",
		Fields: []FieldSpec{
			{Name: "total_assets", Type: TypeNumber},
			{Name: "total_liabilities", Type: TypeNumber},
			{Name: "total_equity", Type: TypeNumber},
			{Name: "current_assets", Type: TypeNumber},
			{Name: "current_liabilities", Type: TypeNumber},
			{Name: "cash_and_equivalents", Type: TypeNumber},
			{Name: "total_debt", Type: TypeNumber},
			{Name: "reported_currency", Type: TypeText},
		},
	},
	KindIntraday: {
		Kind:    KindIntraday,
		KeyName: "period_start",
		Fields: []FieldSpec{
			{Name: "open", Type: TypeNumber},
			{Name: "high", Type: TypeNumber},
			{Name: "low", Type: TypeNumber},
			{Name: "close", Type: TypeNumber, Required: true},
			{Name: "volume", Type: TypeNumber},
			{Name: "vwap", Type: TypeNumber},
		},
	},
}

// SchemaFor returns the schema of kind. It panics on an unknown kind, which
// is always a programming error.
func SchemaFor(kind FactKind) Schema {
	s, ok := schemas[kind]
	if !ok {
		panic(fmt.Sprintf("domain: no schema for kind %q", kind))
	}
	return s
}

// Lookup returns the spec for a field name.
func (s Schema) Lookup(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

// Fields is a sparse set of typed values keyed by canonical field name.
// Values are decimal.Decimal, time.Time or string. A missing key means null.
type Fields map[string]any

// Set stores v under name, dropping empty values.
func (f Fields) Set(name string, v any) {
	if IsEmpty(v) {
		delete(f, name)
		return
	}
	f[name] = v
}

// Decimal returns a numeric field.
func (f Fields) Decimal(name string) (decimal.Decimal, bool) {
	d, ok := f[name].(decimal.Decimal)
	return d, ok
}

// Time returns a date or time field.
func (f Fields) Time(name string) (time.Time, bool) {
	t, ok := f[name].(time.Time)
	return t, ok
}

// Text returns a text field.
func (f Fields) Text(name string) (string, bool) {
	s, ok := f[name].(string)
	return s, ok
}

// Clone returns a shallow copy; values are immutable.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// IsEmpty reports whether v counts as "no value" during reconciliation.
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case time.Time:
		return x.IsZero()
	}
	return false
}

// ---------------------------------------------------------------------------
// Parsing provider values
// ---------------------------------------------------------------------------

// nullTokens are placeholder strings providers use instead of JSON null.
var nullTokens = map[string]bool{
	"": true, "none": true, "null": true, "n/a": true, "na": true, "-": true, "nan": true,
}

// ParseNumber converts a decoded JSON value into a decimal. Strings may carry
// thousands separators or a trailing percent sign. The second result is
// false when the value is absent or unparseable.
func ParseNumber(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(x), true
	case float32:
		return ParseNumber(float64(x))
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case uint64:
		return decimal.NewFromInt(int64(x)), true
	case decimal.Decimal:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		if nullTokens[strings.ToLower(s)] {
			return decimal.Decimal{}, false
		}
		s = strings.TrimSuffix(s, "%")
		s = strings.ReplaceAll(s, ",", "")
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// TimeUnit tells ParseTime how to read numeric epoch values.
type TimeUnit string

const (
	UnixSeconds TimeUnit = "s"
	UnixMillis  TimeUnit = "ms"
)

var defaultLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	DateLayout,
}

// ParseTime converts a decoded JSON value into an instant. layout, if set,
// is tried first; loc applies to layouts without a zone (nil means UTC).
func ParseTime(v any, layout string, loc *time.Location, unit TimeUnit) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return time.Time{}, false
			}
			n = int64(f)
		}
		return fromEpoch(n, unit)
	case float64:
		return fromEpoch(int64(x), unit)
	case int64:
		return fromEpoch(x, unit)
	case string:
		s := strings.TrimSpace(x)
		if nullTokens[strings.ToLower(s)] {
			return time.Time{}, false
		}
		if layout != "" {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t.UTC(), true
			}
		}
		for _, l := range defaultLayouts {
			if t, err := time.ParseInLocation(l, s, loc); err == nil {
				return t.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromEpoch(n, unit)
		}
	}
	return time.Time{}, false
}

func fromEpoch(n int64, unit TimeUnit) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	if unit == UnixMillis {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}

// ParseDate is ParseTime truncated to a UTC calendar date.
func ParseDate(v any, layout string, loc *time.Location, unit TimeUnit) (time.Time, bool) {
	t, ok := ParseTime(v, layout, loc, unit)
	if !ok {
		return time.Time{}, false
	}
	return TruncateDate(t), true
}

// TruncateDate drops the time-of-day of t in UTC.
func TruncateDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseText converts a decoded JSON scalar into a string.
func ParseText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if nullTokens[strings.ToLower(s)] {
			return "", false
		}
		return s, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

// ParseValue parses v according to the field type.
func ParseValue(spec FieldSpec, v any, layout string, loc *time.Location, unit TimeUnit) (any, bool) {
	switch spec.Type {
	case TypeNumber:
		return ParseNumber(v)
	case TypeDate:
		return ParseDate(v, layout, loc, unit)
	case TypeTime:
		return ParseTime(v, layout, loc, unit)
	case TypeText:
		return ParseText(v)
	}
	return nil, false
}

// FormatValue renders a field value for text storage.
func FormatValue(spec FieldSpec, v any) string {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String()
	case time.Time:
		if spec.Type == TypeDate {
			return x.UTC().Format(DateLayout)
		}
		return x.UTC().Format(time.RFC3339Nano)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

// DecodeValue is the inverse of FormatValue.
func DecodeValue(spec FieldSpec, s string) (any, error) {
	switch spec.Type {
	case TypeNumber:
		return decimal.NewFromString(s)
	case TypeDate:
		return time.Parse(DateLayout, s)
	case TypeTime:
		return time.Parse(time.RFC3339Nano, s)
	}
	return s, nil
}
