// Package extract maps raw scraped tables onto canonical quote rows shared by
// both extraction backends.
package extract

import (
	"strings"

	"github.com/jmansell/quotewatch/internal/market"
)

// Canonical field names recognized in extracted tables.
const (
	FieldName      = "name"
	FieldLast      = "last"
	FieldHigh      = "high"
	FieldLow       = "low"
	FieldChange    = "change"
	FieldChangePct = "changePct"
)

// fieldAliases is the finite mapping from canonical field name to the header
// labels observed across target sites. Lookup is resolved once per table, not
// per cell.
var fieldAliases = map[string][]string{
	FieldName:      {"name", "symbol", "instrument", "commodity", "item", "description"},
	FieldLast:      {"last", "last price", "price", "close", "latest"},
	FieldHigh:      {"high", "day high", "high price", "today's high"},
	FieldLow:       {"low", "day low", "low price", "today's low"},
	FieldChange:    {"change", "chg", "net change", "chg."},
	FieldChangePct: {"change %", "chg%", "chg %", "% change", "change pct", "pct change", "chg.%"},
}

var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string]string {
	idx := make(map[string]string)
	for canonical, aliases := range fieldAliases {
		for _, alias := range aliases {
			idx[alias] = canonical
		}
	}
	return idx
}

func canonicalField(header string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(header))
	canonical, ok := aliasIndex[key]
	return canonical, ok
}

// TableRow is one raw <tr> as captured by a backend: the cell texts in column
// order plus the first link found in the row, if any.
type TableRow struct {
	Cells []string `json:"cells"`
	Link  string   `json:"link"`
}

// MapTable converts raw table rows into canonical rows. The first row whose
// headers resolve to at least a name and a last-price column is taken as the
// header; rows before it are skipped. Rows missing a name are dropped.
func MapTable(rows []TableRow) []market.Row {
	columns, start := resolveHeader(rows)
	if columns == nil {
		return nil
	}

	var out []market.Row
	for _, raw := range rows[start:] {
		fields := make(map[string]string)
		for i, cell := range raw.Cells {
			canonical, ok := columns[i]
			if !ok {
				continue
			}
			value := strings.TrimSpace(cell)
			if value == "" {
				continue
			}
			fields[canonical] = value
		}
		if fields[FieldName] == "" {
			continue
		}
		out = append(out, market.Row{Fields: fields, Link: raw.Link})
	}
	return out
}

// resolveHeader finds the header row and returns the column index to canonical
// field mapping plus the index of the first data row.
func resolveHeader(rows []TableRow) (map[int]string, int) {
	for i, raw := range rows {
		columns := make(map[int]string, len(raw.Cells))
		for col, cell := range raw.Cells {
			if canonical, ok := canonicalField(cell); ok {
				if _, taken := hasValue(columns, canonical); !taken {
					columns[col] = canonical
				}
			}
		}
		if _, ok := hasValue(columns, FieldName); !ok {
			continue
		}
		if _, ok := hasValue(columns, FieldLast); !ok {
			continue
		}
		return columns, i + 1
	}
	return nil, 0
}

func hasValue(columns map[int]string, canonical string) (int, bool) {
	for col, name := range columns {
		if name == canonical {
			return col, true
		}
	}
	return 0, false
}
