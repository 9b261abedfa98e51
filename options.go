package shelfrag

import (
	"log/slog"

	"github.com/bookshelfai/shelfrag/blobstore"
	"github.com/bookshelfai/shelfrag/codec"
	"github.com/bookshelfai/shelfrag/index/flat"
)

// Blob names used for durable state.
const (
	DefaultIndexBlob   = "index.bin"
	DefaultCatalogBlob = "catalog.json"
)

// Options contains configuration options for the index manager.
type Options struct {
	// Logger receives structured logs. Defaults to a noop logger.
	Logger *Logger

	// Codec encodes the catalog document. Defaults to JSON.
	Codec codec.Codec

	// Compression selects the index snapshot compression.
	Compression flat.Compression

	// Store holds the catalog and index snapshots. Defaults to in-memory.
	Store blobstore.BlobStore

	// IndexBlob and CatalogBlob name the snapshot blobs.
	IndexBlob   string
	CatalogBlob string
}

// DefaultOptions contains the default configuration options.
var DefaultOptions = Options{
	Compression: flat.CompressionZstd,
	IndexBlob:   DefaultIndexBlob,
	CatalogBlob: DefaultCatalogBlob,
}

// WithLogger sets the logger.
func WithLogger(logger *Logger) func(o *Options) {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithSlog sets the logger from a bare slog handler.
func WithSlog(handler slog.Handler) func(o *Options) {
	return func(o *Options) {
		o.Logger = NewLogger(handler)
	}
}

// WithCodec sets the catalog codec.
func WithCodec(c codec.Codec) func(o *Options) {
	return func(o *Options) {
		o.Codec = c
	}
}

// WithCompression sets the index snapshot compression.
func WithCompression(c flat.Compression) func(o *Options) {
	return func(o *Options) {
		o.Compression = c
	}
}

// WithBlobStore sets the snapshot store.
func WithBlobStore(store blobstore.BlobStore) func(o *Options) {
	return func(o *Options) {
		o.Store = store
	}
}
