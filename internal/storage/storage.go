// Package storage holds the blob store behind the scene and cover images.
// Blob paths are the authoritative reference persisted on rows; signed URLs
// are minted on demand and expire.
package storage

import (
	"context"
	"time"
)

// SignedURL is a time-limited link to a stored blob.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// BlobStore writes blobs and mints signed read URLs for them.
type BlobStore interface {
	// Upload persists the blob and returns its storage path. The path is
	// stable and safe to persist; it carries no access rights by itself.
	Upload(ctx context.Context, kind string, data []byte) (string, error)
	// Sign mints a read URL for the path, valid for ttl from now.
	Sign(path string, ttl time.Duration) (SignedURL, error)
}

// BlobServer reads blobs back for serving over HTTP. Verify checks the
// signature query parameters minted by Sign.
type BlobServer interface {
	Verify(path string, expires int64, signature string) bool
	Read(ctx context.Context, path string) ([]byte, error)
}
