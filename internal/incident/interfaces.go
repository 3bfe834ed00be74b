package incident

import (
	"context"
	"io"
)

// Fetcher retrieves raw feed markup.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Parser extracts raw rows from feed markup.
type Parser interface {
	Parse(markup []byte) ([]RawRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub, Kafka or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for snapshot deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces cycle and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
