package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"factsync/internal/domain"
)

// ---------------------------------------------------------------------------
// SQL dialects
// ---------------------------------------------------------------------------

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	ph   func(i int) string // 1-based placeholder
}

var (
	sqliteDialect   = dialect{name: "sqlite", ph: func(int) string { return "?" }}
	postgresDialect = dialect{name: "postgres", ph: func(i int) string { return "$" + strconv.Itoa(i) }}
)

// placeholders returns n placeholders starting at position from.
func (d dialect) placeholders(from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.ph(from + i)
	}
	return out
}

// baseDDL creates the symbol, watermark and attempt tables. Instants are
// unix milliseconds so that both backends compare them numerically.
var baseDDL = []string{
	`CREATE TABLE IF NOT EXISTS symbols (
		symbol   TEXT PRIMARY KEY,
		active   INTEGER NOT NULL DEFAULT 1,
		added_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS watermarks (
		symbol     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		frequency  TEXT NOT NULL DEFAULT '',
		watermark  BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (symbol, kind, frequency)
	)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		symbol       TEXT NOT NULL,
		kind         TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		attempted_at BIGINT NOT NULL,
		PRIMARY KEY (symbol, kind)
	)`,
}

// ---------------------------------------------------------------------------
// Fact tables
// ---------------------------------------------------------------------------

// factTable describes the relational layout of one fact kind. Field values
// are stored as text (decimals in canonical string form, dates as
// YYYY-MM-DD, instants as RFC 3339 UTC) so no precision is lost.
type factTable struct {
	name          string
	kind          domain.FactKind
	hasFrequency  bool
	hasPeriodType bool
	schema        domain.Schema
}

var factTables = map[domain.FactKind]factTable{
	domain.KindDividend:     {name: "dividends", kind: domain.KindDividend, schema: domain.SchemaFor(domain.KindDividend)},
	domain.KindQuote:        {name: "quotes", kind: domain.KindQuote, schema: domain.SchemaFor(domain.KindQuote)},
	domain.KindBalanceSheet: {name: "balance_sheets", kind: domain.KindBalanceSheet, hasFrequency: true, schema: domain.SchemaFor(domain.KindBalanceSheet)},
	domain.KindIntraday:     {name: "intraday_bars", kind: domain.KindIntraday, hasPeriodType: true, schema: domain.SchemaFor(domain.KindIntraday)},
}

func tableFor(kind domain.FactKind) (factTable, error) {
	t, ok := factTables[kind]
	if !ok {
		return factTable{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	return t, nil
}

// keyColumns lists the identity columns in column order.
func (t factTable) keyColumns() []string {
	cols := []string{"symbol"}
	if t.hasFrequency {
		cols = append(cols, "frequency")
	}
	if t.schema.KeyName != "" {
		cols = append(cols, t.schema.KeyName)
	}
	if t.hasPeriodType {
		cols = append(cols, "period_type")
	}
	return cols
}

// columns lists every column in insert/select order.
func (t factTable) columns() []string {
	cols := t.keyColumns()
	cols = append(cols, "data_provider", "fetched_at")
	for _, f := range t.schema.Fields {
		cols = append(cols, f.Name)
	}
	return cols
}

// conflictColumns is the natural key enforced by a unique index.
func (t factTable) conflictColumns() []string {
	if t.kind == domain.KindQuote {
		return []string{"symbol"}
	}
	return append(t.keyColumns(), "data_provider")
}

func (t factTable) ddl() []string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.name)
	for _, c := range t.columns() {
		null := ""
		switch c {
		case "symbol", "data_provider", "fetched_at", t.schema.KeyName, "frequency", "period_type":
			null = " NOT NULL"
		}
		fmt.Fprintf(&b, "\t%s TEXT%s,\n", c, null)
	}
	fmt.Fprintf(&b, "\tUNIQUE (%s)\n)", strings.Join(t.conflictColumns(), ", "))

	stmts := []string{b.String()}
	if t.schema.KeyName != "" {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_key_idx ON %s (symbol, %s)",
			t.name, t.name, t.schema.KeyName))
	}
	return stmts
}

// upsertSQL is an INSERT ... ON CONFLICT DO UPDATE over the natural key;
// both SQLite and PostgreSQL accept this form.
func (t factTable) upsertSQL(d dialect) string {
	cols := t.columns()
	conflict := t.conflictColumns()
	isKey := make(map[string]bool, len(conflict))
	for _, c := range conflict {
		isKey[c] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		t.name,
		strings.Join(cols, ", "),
		strings.Join(d.placeholders(1, len(cols)), ", "),
		strings.Join(conflict, ", "),
		strings.Join(sets, ", "),
	)
}

// values renders rec in columns() order. Missing fields are NULL.
func (t factTable) values(rec domain.CanonicalRecord) []any {
	out := []any{rec.Symbol}
	if t.hasFrequency {
		out = append(out, string(rec.Frequency))
	}
	if t.schema.KeyName != "" {
		out = append(out, domain.FormatKey(t.kind, rec.Key))
	}
	if t.hasPeriodType {
		out = append(out, rec.PeriodType)
	}
	out = append(out, rec.DataProvider(), rec.FetchedAt.UTC().Format(time.RFC3339Nano))
	for _, f := range t.schema.Fields {
		v, ok := rec.Fields[f.Name]
		if !ok || domain.IsEmpty(v) {
			out = append(out, nil)
			continue
		}
		out = append(out, domain.FormatValue(f, v))
	}
	return out
}

// scanner is satisfied by *sql.Rows and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row selected with columns().
func (t factTable) scanRecord(row scanner) (domain.CanonicalRecord, error) {
	cols := t.columns()
	vals := make([]*string, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := row.Scan(dest...); err != nil {
		return domain.CanonicalRecord{}, err
	}

	rec := domain.CanonicalRecord{Kind: t.kind, Fields: domain.Fields{}}
	str := func(i int) string {
		if vals[i] == nil {
			return ""
		}
		return *vals[i]
	}
	i := 0
	rec.Symbol = str(i)
	i++
	if t.hasFrequency {
		rec.Frequency = domain.Frequency(str(i))
		i++
	}
	if t.schema.KeyName != "" {
		k, err := domain.ParseKey(t.kind, str(i))
		if err != nil {
			return domain.CanonicalRecord{}, fmt.Errorf("parsing %s %q: %w", t.schema.KeyName, str(i), err)
		}
		rec.Key = k
		i++
	}
	if t.hasPeriodType {
		rec.PeriodType = str(i)
		i++
	}
	rec.Providers = splitProviders(str(i))
	i++
	if ts, err := time.Parse(time.RFC3339Nano, str(i)); err == nil {
		rec.FetchedAt = ts
	}
	i++
	for _, f := range t.schema.Fields {
		if vals[i] != nil && *vals[i] != "" {
			v, err := domain.DecodeValue(f, *vals[i])
			if err != nil {
				return domain.CanonicalRecord{}, fmt.Errorf("decoding %s.%s: %w", t.name, f.Name, err)
			}
			rec.Fields[f.Name] = v
		}
		i++
	}
	return rec, nil
}

// existingKeysSQL selects the identity of stored rows at or after a cutoff.
func (t factTable) existingKeysSQL(d dialect, withFrequency bool) string {
	cols := append(t.keyColumns(), "data_provider")
	where := []string{"symbol = " + d.ph(1)}
	n := 2
	if withFrequency {
		where = append(where, "frequency = "+d.ph(n))
		n++
	}
	if t.schema.KeyName != "" {
		where = append(where, fmt.Sprintf("%s >= %s", t.schema.KeyName, d.ph(n)))
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), t.name, strings.Join(where, " AND "))
}

// existingKeyArgs mirrors existingKeysSQL.
func (t factTable) existingKeyArgs(symbol string, freq domain.Frequency, since time.Time) ([]any, bool) {
	args := []any{symbol}
	withFreq := t.hasFrequency && freq != domain.FrequencyNone
	if withFreq {
		args = append(args, string(freq))
	}
	if t.schema.KeyName != "" {
		args = append(args, domain.FormatKey(t.kind, since))
	}
	return args, withFreq
}

// scanKey rebuilds a natural key from an existingKeysSQL row.
func (t factTable) scanKey(row scanner) (string, error) {
	n := len(t.keyColumns()) + 1
	vals := make([]string, n)
	dest := make([]any, n)
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := row.Scan(dest...); err != nil {
		return "", err
	}
	i := 0
	symbol := vals[i]
	i++
	var freq domain.Frequency
	if t.hasFrequency {
		freq = domain.Frequency(vals[i])
		i++
	}
	var key time.Time
	if t.schema.KeyName != "" {
		k, err := domain.ParseKey(t.kind, vals[i])
		if err != nil {
			return "", err
		}
		key = k
		i++
	}
	var periodType string
	if t.hasPeriodType {
		periodType = vals[i]
		i++
	}
	return domain.NaturalKey(t.kind, symbol, freq, periodType, key, vals[i]), nil
}

// readSQL builds the consumer query for q.
func (t factTable) readSQL(d dialect, q FactQuery) (string, []any) {
	where := []string{"symbol = " + d.ph(1)}
	args := []any{q.Symbol}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, d.ph(len(args))))
	}
	if t.hasFrequency && q.Frequency != domain.FrequencyNone {
		add("frequency = %s", string(q.Frequency))
	}
	if t.schema.KeyName != "" {
		if !q.From.IsZero() {
			add(t.schema.KeyName+" >= %s", domain.FormatKey(t.kind, q.From))
		}
		if !q.To.IsZero() {
			add(t.schema.KeyName+" <= %s", domain.FormatKey(t.kind, q.To))
		}
	}
	order := "symbol"
	if t.schema.KeyName != "" {
		order = t.schema.KeyName
		if t.hasFrequency {
			order += ", frequency"
		}
		order += ", data_provider"
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		strings.Join(t.columns(), ", "), t.name, strings.Join(where, " AND "), order)
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}
	return query, args
}

func splitProviders(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// allDDL returns every statement needed to initialise a relational store.
func allDDL() []string {
	stmts := append([]string(nil), baseDDL...)
	for _, kind := range domain.AllKinds {
		stmts = append(stmts, factTables[kind].ddl()...)
	}
	return stmts
}

// ---------------------------------------------------------------------------
// Symbols and watermarks
// ---------------------------------------------------------------------------

func listSymbolsSQL() string {
	return "SELECT symbol FROM symbols WHERE active = 1 ORDER BY symbol"
}

func addSymbolSQL(d dialect) string {
	return fmt.Sprintf("INSERT INTO symbols (symbol, active, added_at) VALUES (%s, 1, %s) ON CONFLICT (symbol) DO NOTHING",
		d.ph(1), d.ph(2))
}

// staleSymbolsSQL orders by the last watermark write or recorded attempt
// for the kind, whichever is later; symbols never touched come first.
func staleSymbolsSQL(d dialect) string {
	return fmt.Sprintf(`SELECT s.symbol FROM symbols s
		LEFT JOIN (
			SELECT symbol, MAX(at) AS last_at FROM (
				SELECT symbol, updated_at AS at FROM watermarks WHERE kind = %s
				UNION ALL
				SELECT symbol, attempted_at AS at FROM attempts WHERE kind = %s
			) touched GROUP BY symbol
		) r ON r.symbol = s.symbol
		WHERE s.active = 1 AND (r.last_at IS NULL OR r.last_at < %s)
		ORDER BY COALESCE(r.last_at, 0), s.symbol
		LIMIT %s`, d.ph(1), d.ph(2), d.ph(3), d.ph(4))
}

func staleSymbolsArgs(kind domain.FactKind, olderThan time.Time, limit int) []any {
	return []any{string(kind), string(kind), olderThan.UnixMilli(), limit}
}

func recordAttemptSQL(d dialect) string {
	return fmt.Sprintf(`INSERT INTO attempts (symbol, kind, outcome, attempted_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (symbol, kind) DO UPDATE SET
			outcome = excluded.outcome,
			attempted_at = excluded.attempted_at`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4))
}

func getWatermarkSQL(d dialect) string {
	return fmt.Sprintf("SELECT watermark FROM watermarks WHERE symbol = %s AND kind = %s AND frequency = %s",
		d.ph(1), d.ph(2), d.ph(3))
}

// setWatermarkSQL never moves a watermark backwards but always records the
// refresh time.
func setWatermarkSQL(d dialect) string {
	return fmt.Sprintf(`INSERT INTO watermarks (symbol, kind, frequency, watermark, updated_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (symbol, kind, frequency) DO UPDATE SET
			watermark = CASE WHEN excluded.watermark > watermarks.watermark THEN excluded.watermark ELSE watermarks.watermark END,
			updated_at = excluded.updated_at`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5))
}

func watermarkArgs(key domain.WatermarkKey, t, now time.Time) []any {
	return []any{key.Symbol, string(key.Kind), string(key.Frequency), t.UnixMilli(), now.UnixMilli()}
}

func deleteIntradaySQL(d dialect) string {
	return fmt.Sprintf("DELETE FROM %s WHERE period_start < %s", factTables[domain.KindIntraday].name, d.ph(1))
}

// filterSubset keeps the symbols named in subset, preserving all's order.
func filterSubset(all, subset []string) []string {
	if len(subset) == 0 {
		return all
	}
	want := make(map[string]bool, len(subset))
	for _, s := range subset {
		if n, err := domain.NormalizeSymbol(s); err == nil {
			want[n] = true
		}
	}
	out := make([]string, 0, len(want))
	for _, s := range all {
		if want[s] {
			out = append(out, s)
		}
	}
	return out
}

// groupByKind splits records into per-kind batches in first-seen order.
func groupByKind(recs []domain.CanonicalRecord) ([]domain.FactKind, map[domain.FactKind][]domain.CanonicalRecord) {
	var kinds []domain.FactKind
	groups := make(map[domain.FactKind][]domain.CanonicalRecord)
	for _, r := range recs {
		if _, ok := groups[r.Kind]; !ok {
			kinds = append(kinds, r.Kind)
		}
		groups[r.Kind] = append(groups[r.Kind], r)
	}
	return kinds, groups
}
