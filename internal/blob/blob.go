// Package blob declares the capability set that the cache manager and
// the copy workers need from a regional object store: streaming put,
// delete, head, per-object expiration introspection and a deterministic
// public URL.
package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	// Put streams body into the store under key. The returned count
	// is the number of bytes actually consumed from body.
	//
	// Cache-Control and Expires must never reach the store, its own
	// lifecycle governs the object's lifetime.
	Put(ctx context.Context, key string, body io.Reader, headers http.Header,
		metadata map[string]string) (int64, error)

	Delete(ctx context.Context, key string) error

	// Head reports the object's headers and an HTTP-ish status code
	// (200 when the object exists, 404 otherwise).
	Head(ctx context.Context, key string) (http.Header, int, error)

	// ExpirationDate parses the store's per-object expiration signal
	// out of response headers.
	ExpirationDate(headers http.Header) (time.Time, error)

	// PublicURL is deterministic and performs no network calls.
	PublicURL(key string) string
}
