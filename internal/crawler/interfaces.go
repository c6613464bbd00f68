package crawler

import (
	"context"
	"io"
)

// PageFetcher retrieves the raw markup for a page index.
type PageFetcher interface {
	Fetch(ctx context.Context, index int) (Page, error)
}

// Extractor turns page markup into records in document order.
type Extractor interface {
	Extract(markup string) ([]Record, error)
}

// Consumer receives every record drained from a run.
type Consumer interface {
	Consume(ctx context.Context, record Record) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, record Record) error

// Consume calls f(ctx, record).
func (f ConsumerFunc) Consume(ctx context.Context, record Record) error {
	return f(ctx, record)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
