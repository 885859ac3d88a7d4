// Package store implements the object/dir store adapter (C1): a uniform
// put/get/list/delete/multipart contract over an S3-like object store or a
// local directory, with retry classification. Grounded on the teacher's
// aws package (aws/interfaces.go, aws/implementations.go), generalized
// from "DynamoDB + S3" to "any object store or filesystem prefix."
package store

import (
	"context"
	"io"
	"time"
)

// Descriptor describes a stored object, returned by List.
type Descriptor struct {
	Key   string
	Size  int64
	Mtime time.Time
	ETag  string
}

// PutResult is returned by Put, carrying the backend-assigned etag used to
// order "checkpoint updated after upload's etag received" (spec §4.5 step 3).
type PutResult struct {
	ETag string
}

// Store is the uniform contract over an S3-like object store or a local
// directory tree, per spec §4.1 and §6 ("Object store (inward)").
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (PutResult, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) (DescriptorIterator, error)
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error

	// PutIfAbsent is used for locks: it succeeds only if key did not
	// already exist, per spec §4.1.
	PutIfAbsent(ctx context.Context, key string, body []byte) error

	// Exists reports whether key is present, used for complete-marker and
	// manifest-durability checks (spec §4.3).
	Exists(ctx context.Context, key string) (bool, error)
}

// DescriptorIterator is a paged iterator over List results.
type DescriptorIterator interface {
	HasNext() bool
	Next() (Descriptor, error)
	Close() error
}

// MultipartUploader is implemented by backends that support multipart
// upload for objects >= the multipart threshold (spec §4.1: "For objects
// >= 64 MB, may use multipart upload"). Backends that don't support it
// (e.g. FileStore) simply don't implement this interface; callers type-
// assert for it.
type MultipartUploader interface {
	CreateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (etag string, err error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (PutResult, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// CompletedPart identifies one uploaded part for CompleteMultipartUpload.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// MultipartThreshold is the size at which backup uploads switch to
// multipart, per spec §4.1.
const MultipartThreshold = 64 * 1024 * 1024
