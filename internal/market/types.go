// Package market defines core types shared across subsystems.
package market

import (
	"time"
)

// Method identifies which extraction backend served (or should serve) a source.
type Method string

// Extraction methods.
const (
	MethodPrimary  Method = "primary"
	MethodFallback Method = "fallback"
)

// Source is one (category, region) polling unit. Sources are created once at
// startup from configuration; the mutable counters live inside the source's
// own crawl cycle, never here.
type Source struct {
	Category     string
	Region       string
	URL          string
	PollInterval time.Duration
	// RowHint is an opaque row/selector hint forwarded to the extraction
	// backends. Empty means backend default.
	RowHint string
}

// Key returns the canonical "category/region" identity of the source.
func (s Source) Key() string {
	return s.Category + "/" + s.Region
}

// Quote is one extracted data point. The ID is derived deterministically from
// name, region and the optional link hash so re-extraction of the same logical
// entity overwrites instead of duplicating.
type Quote struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Region    string    `json:"region"`
	Category  string    `json:"category"`
	Last      string    `json:"last"`
	High      string    `json:"high,omitempty"`
	Low       string    `json:"low,omitempty"`
	Change    string    `json:"change,omitempty"`
	ChangePct string    `json:"changePct,omitempty"`
	ScrapedAt time.Time `json:"scrapedAt"`

	// LinkHash carries the source-provided link digest used for identifier
	// derivation. It is not persisted.
	LinkHash string `json:"-"`
}

// Metadata describes one persisted category table.
type Metadata struct {
	Category     string    `json:"category"`
	LastUpdated  time.Time `json:"lastUpdated"`
	TotalRecords int       `json:"totalRecords"`
}

// Snapshot is the wire shape persisted per category by the store backends.
type Snapshot struct {
	Metadata Metadata `json:"metadata"`
	Records  []Quote  `json:"records"`
}

// Row is one raw extracted table row. Fields is keyed by canonical field name
// (name, last, high, low, change, changePct); Link carries the row's source
// link when the page provides one.
type Row struct {
	Fields map[string]string
	Link   string
}

// Extraction is the result of one backend attempt: the structured rows plus
// the raw page, kept so total failures can be archived for diagnosis.
type Extraction struct {
	Rows []Row
	Page []byte
}
