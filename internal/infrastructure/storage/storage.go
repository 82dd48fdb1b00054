// Package storage implements the blob store contract used by intake to
// persist uploaded files and by the pull interface to fetch oversized
// file-mapping blobs (the "URL_FOR_EXTERNAL_DICTS" sentinel).
package storage

import "context"

// BlobStore is the object-store abstraction the core depends on. Paths are
// of the form "<queue_name>/<key>"; no other assumption is made about
// layout.
type BlobStore interface {
	// Save writes content under path, creating or overwriting it.
	Save(ctx context.Context, path string, content []byte, contentType string) error

	// URL returns a URL a caller outside this process can use to fetch path.
	URL(ctx context.Context, path string) (string, error)

	// Get retrieves raw content from path. Used to fetch-and-flatten the
	// external dictionary blob referenced by the sentinel.
	Get(ctx context.Context, path string) ([]byte, error)
}
