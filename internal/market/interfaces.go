package market

import (
	"context"
	"io"
	"time"
)

// Extractor fetches a source's page and returns the extracted rows. Both the
// primary (headless browser) and fallback (plain HTTP) backends satisfy this
// contract and are treated identically by the crawl cycle.
type Extractor interface {
	Extract(ctx context.Context, src Source) (Extraction, error)
}

// Publisher pushes best-effort notifications about newly stored records.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher computes digests used for record identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
