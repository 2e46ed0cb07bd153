package store

import (
	"context"

	"github.com/jmansell/quotewatch/internal/market"
)

// Backend persists one snapshot per category. Implementations must be safe
// for concurrent use; the Store serializes writes per category above this
// interface, so Load/Save for one category never overlap.
type Backend interface {
	// Load returns the stored snapshot for the category. found is false when
	// the category has never been written; that is not an error.
	Load(ctx context.Context, category string) (snap market.Snapshot, found bool, err error)
	// Save replaces the category's snapshot.
	Save(ctx context.Context, category string, snap market.Snapshot) error
	// Ping is a lightweight liveness check.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close()
}
