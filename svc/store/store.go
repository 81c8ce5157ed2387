package store

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the storage collaborator behind the hosting area. The
// service only depends on write credentials, byte streams and the expiry
// marker; bucket lifecycle itself is external.
type ObjectStore interface {
	// PresignPut returns a time-boxed write credential for key.
	PresignPut(ctx context.Context, key string, size int64, expires time.Duration) (string, error)
	// PresignGet returns a short-lived read URL for key.
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
	// Put writes size bytes from body to key.
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	// Open returns a read stream over the object plus its stored size.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// ExtendRetention moves the object's garbage-collection marker to at
	// least until. The object must never be reaped before that instant.
	ExtendRetention(ctx context.Context, key string, until time.Time) error
}
