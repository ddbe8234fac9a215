package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"factsync/internal/domain"
)

// LoadCSVSymbols reads symbols from a CSV file with a header row. See
// ReadCSVSymbols.
func LoadCSVSymbols(path string) (symbols, rejected []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	symbols, rejected, err = ReadCSVSymbols(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}
	return symbols, rejected, nil
}

// ReadCSVSymbols reads the "symbol" (or "ticker") column, falling back to
// the first column, and returns normalized unique symbols in file order.
// Values that are not valid tickers are returned in rejected.
func ReadCSVSymbols(r io.Reader) (symbols, rejected []string, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) < 2 {
		return nil, nil, nil
	}

	col := 0
	for i, h := range records[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "symbol", "ticker":
			col = i
		}
	}

	seen := make(map[string]bool, len(records)-1)
	for _, row := range records[1:] {
		if col >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[col])
		if raw == "" {
			continue
		}
		sym, err := domain.NormalizeSymbol(raw)
		if err != nil {
			rejected = append(rejected, raw)
			continue
		}
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	return symbols, rejected, nil
}
