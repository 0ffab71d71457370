package bundler

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the S3 subset bundles are uploaded to and downloaded from.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// Tree is a directory whose files are carried in a bundle. Paths in the manifest are relative to Dir;
// only files below Dir/Include are collected.
type Tree struct {
	Name    string
	Dir     string
	Include string
}

// BuildConfig configures bundle creation.
type BuildConfig struct {
	Trees  []Tree
	Output string
	// Upload is an optional s3://bucket/key the finished bundle is copied to.
	Upload string
	S3     ObjectStore
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// ImportConfig configures bundle import operations.
type ImportConfig struct {
	// BundlePath is a local file or an s3://bucket/key URL.
	BundlePath string
	// Trees maps tree names to the directories files are installed into.
	Trees  map[string]string
	S3     ObjectStore
	Signer *Signer
	DryRun bool
	Stdout io.Writer
}
