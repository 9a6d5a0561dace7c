// Package dataset is the Extractor collaborator: it turns a dataset handle
// into the per-node graph.Span map an Engine binds via SetData. Column data
// may be fetched from a Blobstore, keyed by content hash, before being
// loaded into spans.
package dataset

import "context"

// ColumnBlob identifies one dataset column's backing object.
type ColumnBlob struct {
	// Hash is the column's content hash, used as the object key.
	Hash string
}

// BlobReader fetches column blobs into local files.
type BlobReader interface {
	// Download fetches the blob into destPath. If no such object exists,
	// Download returns an error for which errors.Is(err, os.ErrNotExist)
	// is true.
	Download(ctx context.Context, blob ColumnBlob, destPath string) error
}

// Blobstore additionally accepts uploads, for populating a column cache
// ahead of a run.
type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath under blob's hash. If an
	// object with that hash already exists, Upload does nothing.
	Upload(ctx context.Context, sourcePath string, blob ColumnBlob) error
}
